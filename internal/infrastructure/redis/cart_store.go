// Package redis keeps session carts in redis so checkout state survives
// process restarts and is shared across replicas.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/keymint/keymint/internal/domain/cart"
	"github.com/keymint/keymint/internal/domain/money"
)

const (
	baseTTL   = 24 * time.Hour
	ttlJitter = 60 // minutes
)

type CartStore struct {
	client *redis.Client
}

func NewCartStore(client *redis.Client) *CartStore {
	return &CartStore{client: client}
}

// cartDoc is the wire shape; money is stored as decimal string plus ISO code
// so no float ever touches an amount.
type cartDoc struct {
	SessionID string    `json:"session_id"`
	Items     []itemDoc `json:"items"`
}

type itemDoc struct {
	ProductID      uuid.UUID `json:"product_id"`
	Name           string    `json:"name"`
	UnitPrice      string    `json:"unit_price"`
	Currency       string    `json:"currency"`
	Quantity       int       `json:"quantity"`
	DownloadQuota  int       `json:"download_quota"`
	UpdateTermDays int       `json:"update_term_days"`
}

func (s *CartStore) Get(ctx context.Context, sessionID string) (cart.Cart, error) {
	data, err := s.client.Get(ctx, cartKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return cart.Cart{}, cart.ErrNotFound
	}
	if err != nil {
		return cart.Cart{}, fmt.Errorf("redis get: %w", err)
	}

	var doc cartDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return cart.Cart{}, fmt.Errorf("json.Unmarshal: %w", err)
	}

	c := cart.Cart{SessionID: doc.SessionID, Items: make([]cart.Item, 0, len(doc.Items))}
	for _, item := range doc.Items {
		price, err := money.Parse(item.UnitPrice, item.Currency)
		if err != nil {
			return cart.Cart{}, fmt.Errorf("money.Parse: %w", err)
		}
		c.Items = append(c.Items, cart.Item{
			ProductID:      item.ProductID,
			Name:           item.Name,
			UnitPrice:      price,
			Quantity:       item.Quantity,
			DownloadQuota:  item.DownloadQuota,
			UpdateTermDays: item.UpdateTermDays,
		})
	}
	return c, nil
}

func (s *CartStore) Save(ctx context.Context, c cart.Cart) error {
	doc := cartDoc{SessionID: c.SessionID, Items: make([]itemDoc, 0, len(c.Items))}
	for _, item := range c.Items {
		doc.Items = append(doc.Items, itemDoc{
			ProductID:      item.ProductID,
			Name:           item.Name,
			UnitPrice:      item.UnitPrice.Amount.String(),
			Currency:       item.UnitPrice.Currency.String(),
			Quantity:       item.Quantity,
			DownloadQuota:  item.DownloadQuota,
			UpdateTermDays: item.UpdateTermDays,
		})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}

	// Jitter spreads expiry so a burst of carts does not expire at once.
	ttl := baseTTL + time.Duration(rand.Intn(ttlJitter))*time.Minute
	if err := s.client.Set(ctx, cartKey(c.SessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *CartStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, cartKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func cartKey(sessionID string) string {
	return fmt.Sprintf("cart:%s", sessionID)
}

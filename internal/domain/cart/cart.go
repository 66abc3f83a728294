package cart

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/keymint/keymint/internal/domain/money"
)

var ErrNotFound = errors.New("cart: not found")

type Item struct {
	ProductID      uuid.UUID
	Name           string
	UnitPrice      money.Money
	Quantity       int
	DownloadQuota  int
	UpdateTermDays int
}

// Cart is the session-scoped set of line items feeding order creation.
// It is pure arithmetic; nothing here talks to the catalog.
type Cart struct {
	SessionID string
	Items     []Item
}

func (c Cart) Empty() bool {
	return len(c.Items) == 0
}

func (c Cart) Subtotal() (money.Money, error) {
	var total money.Money
	for i, item := range c.Items {
		line := item.UnitPrice.Mul(item.Quantity)
		if i == 0 {
			total = line
			continue
		}
		sum, err := total.Add(line)
		if err != nil {
			return money.Money{}, err
		}
		total = sum
	}
	return total, nil
}

// Total applies the configured tax rate on top of the subtotal,
// rounded to currency precision.
func (c Cart) Total(taxRate decimal.Decimal) (money.Money, error) {
	subtotal, err := c.Subtotal()
	if err != nil {
		return money.Money{}, err
	}
	gross := subtotal.Amount.Mul(decimal.NewFromInt(1).Add(taxRate)).Round(2)
	return money.New(gross, subtotal.Currency), nil
}

// Store keeps carts keyed by session id. Implementations: in-memory map and redis.
type Store interface {
	Get(ctx context.Context, sessionID string) (Cart, error)
	Save(ctx context.Context, c Cart) error
	Clear(ctx context.Context, sessionID string) error
}

package memory

import (
	"context"
	"fmt"
	"sync"

	domain "github.com/keymint/keymint/internal/domain/cart"
)

type CartStore struct {
	mu    sync.RWMutex
	carts map[string]domain.Cart
}

func NewCartStore() *CartStore {
	return &CartStore{carts: make(map[string]domain.Cart)}
}

func (s *CartStore) Get(ctx context.Context, sessionID string) (domain.Cart, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.carts[sessionID]
	if !ok {
		return domain.Cart{}, domain.ErrNotFound
	}
	c.Items = append([]domain.Item(nil), c.Items...)
	return c, nil
}

func (s *CartStore) Save(ctx context.Context, c domain.Cart) error {
	_ = ctx
	if c.SessionID == "" {
		return fmt.Errorf("cart store: session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c.Items = append([]domain.Item(nil), c.Items...)
	s.carts[c.SessionID] = c
	return nil
}

func (s *CartStore) Clear(ctx context.Context, sessionID string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.carts, sessionID)
	return nil
}

package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	domain "github.com/keymint/keymint/internal/domain/license"
)

type LicenseRepository struct {
	mu       sync.RWMutex
	licenses map[uuid.UUID]*domain.License
	byPair   map[string]uuid.UUID // "<user>/<product>"
}

func NewLicenseRepository() *LicenseRepository {
	return &LicenseRepository{
		licenses: make(map[uuid.UUID]*domain.License),
		byPair:   make(map[string]uuid.UUID),
	}
}

func (r *LicenseRepository) GetByUserProduct(ctx context.Context, userID, productID uuid.UUID) (*domain.License, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byPair[pairKey(userID, productID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.licenses[id].Clone(), nil
}

func (r *LicenseRepository) Save(ctx context.Context, l *domain.License) error {
	_ = ctx
	if l == nil || l.ID == uuid.Nil {
		return fmt.Errorf("license repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey(l.UserID, l.ProductID)
	if existing, ok := r.byPair[key]; ok && existing != l.ID {
		return fmt.Errorf("license repository: (user, product) pair already licensed by %s", existing)
	}

	r.licenses[l.ID] = l.Clone()
	r.byPair[key] = l.ID
	return nil
}

func (r *LicenseRepository) ListByOrigin(ctx context.Context, orderID uuid.UUID) ([]*domain.License, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.License
	for _, l := range r.licenses {
		if l.OriginOrderID == orderID {
			out = append(out, l.Clone())
		}
	}
	return out, nil
}

func (r *LicenseRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.License, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.License
	for _, l := range r.licenses {
		if l.UserID == userID {
			out = append(out, l.Clone())
		}
	}
	return out, nil
}

func pairKey(userID, productID uuid.UUID) string {
	return userID.String() + "/" + productID.String()
}

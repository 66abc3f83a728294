package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	domain "github.com/keymint/keymint/internal/domain/user"
)

type UserRepository struct {
	mu      sync.RWMutex
	byEmail map[string]*domain.Account
}

func NewUserRepository() *UserRepository {
	return &UserRepository{byEmail: make(map[string]*domain.Account)}
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.byEmail[normalize(email)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *a
	return &clone, nil
}

func (r *UserRepository) Insert(ctx context.Context, a *domain.Account) error {
	_ = ctx
	if a == nil || a.ID == uuid.Nil || a.Email == "" {
		return fmt.Errorf("user repository: id and email are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := normalize(a.Email)
	if _, exists := r.byEmail[key]; exists {
		return domain.ErrConflict
	}

	clone := *a
	r.byEmail[key] = &clone
	return nil
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

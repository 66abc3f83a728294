package user

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("user: not found")
	ErrConflict = errors.New("user: email already registered")
)

// Account is the customer record fulfillment provisions on first purchase.
// Verified is set immediately: a completed payment is proof of email ownership.
type Account struct {
	ID           uuid.UUID
	Email        string
	Name         string
	TempPassword string
	Generated    bool
	Verified     bool
	CreatedAt    time.Time
}

func New(email, name, tempPassword string) *Account {
	return &Account{
		ID:           uuid.New(),
		Email:        email,
		Name:         name,
		TempPassword: tempPassword,
		Generated:    tempPassword != "",
		Verified:     true,
		CreatedAt:    time.Now().UTC(),
	}
}

type Repository interface {
	GetByEmail(ctx context.Context, email string) (*Account, error)
	Insert(ctx context.Context, a *Account) error
}

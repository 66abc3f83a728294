package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keymint/keymint/internal/domain/user"
)

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*user.Account, error) {
	var a user.Account
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, name, temp_password, generated, verified, created_at
		FROM users WHERE email = $1`,
		normalizeEmail(email)).
		Scan(&a.ID, &a.Email, &a.Name, &a.TempPassword, &a.Generated, &a.Verified, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, user.ErrNotFound
		}
		return nil, fmt.Errorf("pool.QueryRow: %w", err)
	}
	return &a, nil
}

func (r *UserRepository) Insert(ctx context.Context, a *user.Account) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, email, name, temp_password, generated, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, normalizeEmail(a.Email), a.Name, a.TempPassword, a.Generated, a.Verified, a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return user.ErrConflict
		}
		return fmt.Errorf("pool.Exec: %w", err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keymint/keymint/internal/domain/license"
)

type LicenseRepository struct {
	pool *pgxpool.Pool
}

func NewLicenseRepository(pool *pgxpool.Pool) *LicenseRepository {
	return &LicenseRepository{pool: pool}
}

const licenseColumns = `id, user_id, product_id, product_name, origin_order_id,
	download_quota, updates_until, active, created_at, updated_at`

func (r *LicenseRepository) GetByUserProduct(ctx context.Context, userID, productID uuid.UUID) (*license.License, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE user_id = $1 AND product_id = $2`,
		userID, productID)
	return scanLicense(row)
}

// Save upserts on the (user, product) uniqueness the domain requires.
func (r *LicenseRepository) Save(ctx context.Context, l *license.License) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO licenses (id, user_id, product_id, product_name, origin_order_id,
			download_quota, updates_until, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, product_id) DO UPDATE SET
			product_name = EXCLUDED.product_name,
			download_quota = EXCLUDED.download_quota,
			updates_until = EXCLUDED.updates_until,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		l.ID, l.UserID, l.ProductID, l.ProductName, l.OriginOrderID,
		l.DownloadQuota, l.UpdatesUntil, l.Active, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("pool.Exec: %w", err)
	}
	return nil
}

func (r *LicenseRepository) ListByOrigin(ctx context.Context, orderID uuid.UUID) ([]*license.License, error) {
	return r.list(ctx, `origin_order_id = $1`, orderID)
}

func (r *LicenseRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*license.License, error) {
	return r.list(ctx, `user_id = $1`, userID)
}

func (r *LicenseRepository) list(ctx context.Context, where string, arg any) ([]*license.License, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE `+where+` ORDER BY created_at`, arg)
	if err != nil {
		return nil, fmt.Errorf("pool.Query: %w", err)
	}
	defer rows.Close()

	var out []*license.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLicense(row pgx.Row) (*license.License, error) {
	var l license.License
	err := row.Scan(&l.ID, &l.UserID, &l.ProductID, &l.ProductName, &l.OriginOrderID,
		&l.DownloadQuota, &l.UpdatesUntil, &l.Active, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, license.ErrNotFound
		}
		return nil, fmt.Errorf("row.Scan: %w", err)
	}
	return &l, nil
}

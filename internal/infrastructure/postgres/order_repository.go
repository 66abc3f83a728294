package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/keymint/keymint/internal/domain/money"
	"github.com/keymint/keymint/internal/domain/order"
)

// uniqueViolation is the postgres error code for a unique constraint breach.
const uniqueViolation = "23505"

type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

const orderColumns = `id, number, email, customer_name, user_id, gateway, session_ref,
	cart_session, total_amount, currency, status, payment, fulfillment, created_at, updated_at`

func (r *OrderRepository) Insert(ctx context.Context, o *order.Order) error {
	_, err := withTx(ctx, r.pool, func(tx pgx.Tx) (struct{}, error) {
		var zero struct{}

		payment, fulfillment, err := marshalState(o)
		if err != nil {
			return zero, err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO orders (id, number, email, customer_name, user_id, gateway, session_ref,
				cart_session, total_amount, currency, status, payment, fulfillment, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			o.ID, o.Number, o.Customer.Email, o.Customer.Name, o.UserID, o.Gateway, o.SessionRef,
			o.CartSession, o.Total.Amount, o.Total.Currency.String(), string(o.Status),
			payment, fulfillment, o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			return zero, fmt.Errorf("tx.Exec[insert order]: %w", err)
		}

		for i, item := range o.Items {
			_, err = tx.Exec(ctx, `
				INSERT INTO order_items (order_id, position, product_id, name, unit_price, currency,
					quantity, download_quota, update_term_days)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				o.ID, i, item.ProductID, item.Name, item.UnitPrice.Amount, item.UnitPrice.Currency.String(),
				item.Quantity, item.DownloadQuota, item.UpdateTermDays,
			)
			if err != nil {
				return zero, fmt.Errorf("tx.Exec[insert item]: %w", err)
			}
		}
		return zero, nil
	})
	return err
}

func (r *OrderRepository) Get(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	return r.getWhere(ctx, "id = $1", id)
}

func (r *OrderRepository) GetByNumber(ctx context.Context, number string) (*order.Order, error) {
	return r.getWhere(ctx, "number = $1", number)
}

func (r *OrderRepository) GetBySessionRef(ctx context.Context, gateway, sessionRef string) (*order.Order, error) {
	if sessionRef == "" {
		return nil, order.ErrNotFound
	}
	return r.getWhere(ctx, "gateway = $1 AND session_ref = $2", gateway, sessionRef)
}

func (r *OrderRepository) AttachSessionRef(ctx context.Context, id uuid.UUID, sessionRef string) error {
	_, err := withTx(ctx, r.pool, func(tx pgx.Tx) (struct{}, error) {
		var zero struct{}

		var current string
		err := tx.QueryRow(ctx, `SELECT session_ref FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return zero, order.ErrNotFound
			}
			return zero, fmt.Errorf("tx.QueryRow: %w", err)
		}

		switch current {
		case sessionRef:
			return zero, nil
		case "":
			_, err = tx.Exec(ctx,
				`UPDATE orders SET session_ref = $2, updated_at = $3 WHERE id = $1`,
				id, sessionRef, time.Now().UTC())
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
					return zero, order.ErrSessionConflict
				}
				return zero, fmt.Errorf("tx.Exec: %w", err)
			}
			return zero, nil
		default:
			return zero, order.ErrSessionConflict
		}
	})
	return err
}

// Transition is the exactly-once gate: the row is locked, the stored status
// re-read, and the lifecycle table consulted under that lock. Concurrent
// callers serialize here and at most one sees applied=true per target.
func (r *OrderRepository) Transition(ctx context.Context, id uuid.UUID, target order.Status, patch order.PaymentInfo) (bool, *order.Order, error) {
	type result struct {
		applied bool
		updated *order.Order
	}

	res, err := withTx(ctx, r.pool, func(tx pgx.Tx) (result, error) {
		o, err := r.lockOrder(ctx, tx, id)
		if err != nil {
			return result{}, err
		}

		if o.Status == target {
			o.Payment.Merge(patch)
			if err := r.saveState(ctx, tx, o); err != nil {
				return result{}, err
			}
			return result{applied: false, updated: o}, nil
		}
		if !o.Status.CanTransitionTo(target) {
			return result{}, fmt.Errorf("%w: %s -> %s", order.ErrIllegalTransition, o.Status, target)
		}

		o.Status = target
		o.Payment.Merge(patch)
		o.Touch()
		if err := r.saveState(ctx, tx, o); err != nil {
			return result{}, err
		}
		return result{applied: true, updated: o}, nil
	})
	if err != nil {
		return false, nil, err
	}
	return res.applied, res.updated, nil
}

func (r *OrderRepository) Annotate(ctx context.Context, id uuid.UUID, patch order.PaymentInfo) (*order.Order, error) {
	return withTx(ctx, r.pool, func(tx pgx.Tx) (*order.Order, error) {
		o, err := r.lockOrder(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		o.Payment.Merge(patch)
		o.Touch()
		if err := r.saveState(ctx, tx, o); err != nil {
			return nil, err
		}
		return o, nil
	})
}

func (r *OrderRepository) SetFulfillment(ctx context.Context, id uuid.UUID, state order.FulfillmentState) (*order.Order, error) {
	return withTx(ctx, r.pool, func(tx pgx.Tx) (*order.Order, error) {
		o, err := r.lockOrder(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		o.Fulfillment.Merge(state)
		o.Touch()
		if err := r.saveState(ctx, tx, o); err != nil {
			return nil, err
		}
		return o, nil
	})
}

func (r *OrderRepository) SetUser(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET user_id = $2, updated_at = $3 WHERE id = $1`,
		id, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("pool.Exec: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// lockOrder reads the order row FOR UPDATE plus its items.
func (r *OrderRepository) lockOrder(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*order.Order, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	o.Items, err = r.loadItems(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// saveState writes back the mutable columns; identity and items are immutable
// after insert.
func (r *OrderRepository) saveState(ctx context.Context, tx pgx.Tx, o *order.Order) error {
	payment, fulfillment, err := marshalState(o)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE orders SET status = $2, payment = $3, fulfillment = $4, updated_at = $5
		WHERE id = $1`,
		o.ID, string(o.Status), payment, fulfillment, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("tx.Exec[save state]: %w", err)
	}
	return nil
}

func (r *OrderRepository) getWhere(ctx context.Context, where string, args ...any) (*order.Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where, args...)
	o, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	o.Items, err = r.loadItems(ctx, r.pool, o.ID)
	if err != nil {
		return nil, err
	}
	return o, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *OrderRepository) loadItems(ctx context.Context, q querier, orderID uuid.UUID) ([]order.Item, error) {
	rows, err := q.Query(ctx, `
		SELECT product_id, name, unit_price, currency, quantity, download_quota, update_term_days
		FROM order_items WHERE order_id = $1 ORDER BY position`, orderID)
	if err != nil {
		return nil, fmt.Errorf("q.Query: %w", err)
	}
	defer rows.Close()

	var items []order.Item
	for rows.Next() {
		var (
			item     order.Item
			amount   decimal.Decimal
			currCode string
		)
		if err := rows.Scan(&item.ProductID, &item.Name, &amount, &currCode,
			&item.Quantity, &item.DownloadQuota, &item.UpdateTermDays); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		unit, err := money.Parse(amount.String(), currCode)
		if err != nil {
			return nil, fmt.Errorf("money.Parse: %w", err)
		}
		item.UnitPrice = unit
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o           order.Order
		amount      decimal.Decimal
		currCode    string
		status      string
		payment     []byte
		fulfillment []byte
	)
	err := row.Scan(&o.ID, &o.Number, &o.Customer.Email, &o.Customer.Name, &o.UserID,
		&o.Gateway, &o.SessionRef, &o.CartSession, &amount, &currCode, &status,
		&payment, &fulfillment, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("row.Scan: %w", err)
	}

	total, err := money.Parse(amount.String(), currCode)
	if err != nil {
		return nil, fmt.Errorf("money.Parse: %w", err)
	}
	o.Total = total

	parsed, err := order.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("order.ParseStatus: %w", err)
	}
	o.Status = parsed

	if err := json.Unmarshal(payment, &o.Payment); err != nil {
		return nil, fmt.Errorf("json.Unmarshal[payment]: %w", err)
	}
	if err := json.Unmarshal(fulfillment, &o.Fulfillment); err != nil {
		return nil, fmt.Errorf("json.Unmarshal[fulfillment]: %w", err)
	}
	return &o, nil
}

func marshalState(o *order.Order) (payment, fulfillment []byte, err error) {
	payment, err = json.Marshal(o.Payment)
	if err != nil {
		return nil, nil, fmt.Errorf("json.Marshal[payment]: %w", err)
	}
	fulfillment, err = json.Marshal(o.Fulfillment)
	if err != nil {
		return nil, nil, fmt.Errorf("json.Marshal[fulfillment]: %w", err)
	}
	return payment, fulfillment, nil
}

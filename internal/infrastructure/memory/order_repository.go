package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	domain "github.com/keymint/keymint/internal/domain/order"
)

// OrderRepository is the in-memory order ledger. The write lock is the
// per-order single-writer boundary: Transition and AttachSessionRef are atomic
// check-and-set operations under it.
type OrderRepository struct {
	mu        sync.RWMutex
	orders    map[uuid.UUID]*domain.Order
	byNumber  map[string]uuid.UUID
	bySession map[string]uuid.UUID // "<gateway>/<sessionRef>"
}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders:    make(map[uuid.UUID]*domain.Order),
		byNumber:  make(map[string]uuid.UUID),
		bySession: make(map[string]uuid.UUID),
	}
}

func (r *OrderRepository) Insert(ctx context.Context, o *domain.Order) error {
	_ = ctx
	if o == nil || o.ID == uuid.Nil {
		return fmt.Errorf("order repository: id is required")
	}
	if o.Number == "" {
		return fmt.Errorf("order repository: number is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[o.ID]; exists {
		return fmt.Errorf("order repository: duplicate id %s", o.ID)
	}
	if _, exists := r.byNumber[o.Number]; exists {
		return fmt.Errorf("order repository: duplicate number %s", o.Number)
	}

	r.orders[o.ID] = o.Clone()
	r.byNumber[o.Number] = o.ID
	if o.SessionRef != "" {
		r.bySession[sessionKey(o.Gateway, o.SessionRef)] = o.ID
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return o.Clone(), nil
}

func (r *OrderRepository) GetByNumber(ctx context.Context, number string) (*domain.Order, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byNumber[number]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.orders[id].Clone(), nil
}

func (r *OrderRepository) GetBySessionRef(ctx context.Context, gateway, sessionRef string) (*domain.Order, error) {
	_ = ctx
	if sessionRef == "" {
		return nil, domain.ErrNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.bySession[sessionKey(gateway, sessionRef)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.orders[id].Clone(), nil
}

func (r *OrderRepository) AttachSessionRef(ctx context.Context, id uuid.UUID, sessionRef string) error {
	_ = ctx
	if sessionRef == "" {
		return fmt.Errorf("order repository: session ref is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return domain.ErrNotFound
	}

	switch o.SessionRef {
	case sessionRef:
		return nil // idempotent re-attach
	case "":
		o.SessionRef = sessionRef
		o.Touch()
		r.bySession[sessionKey(o.Gateway, sessionRef)] = o.ID
		return nil
	default:
		return domain.ErrSessionConflict
	}
}

func (r *OrderRepository) Transition(ctx context.Context, id uuid.UUID, target domain.Status, patch domain.PaymentInfo) (bool, *domain.Order, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return false, nil, domain.ErrNotFound
	}

	if o.Status == target {
		// Duplicate notification: merge what we learned, change nothing else.
		o.Payment.Merge(patch)
		return false, o.Clone(), nil
	}

	if !o.Status.CanTransitionTo(target) {
		return false, nil, fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, o.Status, target)
	}

	o.Status = target
	o.Payment.Merge(patch)
	o.Touch()
	return true, o.Clone(), nil
}

func (r *OrderRepository) Annotate(ctx context.Context, id uuid.UUID, patch domain.PaymentInfo) (*domain.Order, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	o.Payment.Merge(patch)
	o.Touch()
	return o.Clone(), nil
}

func (r *OrderRepository) SetFulfillment(ctx context.Context, id uuid.UUID, state domain.FulfillmentState) (*domain.Order, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	o.Fulfillment.Merge(state)
	o.Touch()
	return o.Clone(), nil
}

func (r *OrderRepository) SetUser(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return domain.ErrNotFound
	}

	o.UserID = &userID
	o.Touch()
	return nil
}

func sessionKey(gateway, ref string) string {
	return gateway + "/" + ref
}

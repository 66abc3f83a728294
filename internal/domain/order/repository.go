package order

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the order ledger's storage port. Implementations must make
// AttachSessionRef and Transition atomic per order (row lock or equivalent
// single-writer guarantee); the applied return of Transition is what lets the
// reconciliation engine run fulfillment exactly once.
type Repository interface {
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByNumber(ctx context.Context, number string) (*Order, error)
	GetBySessionRef(ctx context.Context, gateway, sessionRef string) (*Order, error)

	// AttachSessionRef records the provider correlation id. Re-attaching the
	// same ref is a no-op; attaching a different one fails with
	// ErrSessionConflict (one order maps to exactly one payment session).
	AttachSessionRef(ctx context.Context, id uuid.UUID, sessionRef string) error

	// Transition atomically moves the order to target when the lifecycle table
	// allows it, merging patch into the payment annotations. It returns
	// applied=false (and no error) when the order already holds target, and
	// ErrIllegalTransition for any other disallowed move.
	Transition(ctx context.Context, id uuid.UUID, target Status, patch PaymentInfo) (applied bool, updated *Order, err error)

	// Annotate merges patch into the payment annotations without touching the
	// status. Used for pending/in-process notifications.
	Annotate(ctx context.Context, id uuid.UUID, patch PaymentInfo) (*Order, error)

	// SetFulfillment merges completed-step flags into the order.
	SetFulfillment(ctx context.Context, id uuid.UUID, state FulfillmentState) (*Order, error)

	// SetUser links the order to the account resolved during fulfillment.
	SetUser(ctx context.Context, id uuid.UUID, userID uuid.UUID) error
}

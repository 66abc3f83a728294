package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keymint/keymint/internal/domain/money"
	"github.com/keymint/keymint/internal/domain/order"
)

var ErrPaymentNotFound = errors.New("payment: not found at provider")

// Gateway normalizes one provider's REST API. Adapters only translate data;
// they never decide an order's status themselves.
type Gateway interface {
	// Provider returns the stable key this adapter is registered under.
	Provider() string

	// CreateSession opens a checkout session at the provider for the quoted
	// charge amount and returns the correlation handle plus redirect target.
	CreateSession(ctx context.Context, o *order.Order, charge money.Money) (Session, error)

	// Capture confirms a payer-approved session where the provider requires an
	// explicit capture step. Providers without that step return the current
	// snapshot unchanged.
	Capture(ctx context.Context, sessionRef string, payer PayerContext) (Snapshot, error)

	// FetchPayment reads the authoritative payment state by provider payment id.
	FetchPayment(ctx context.Context, paymentRef string) (Snapshot, error)

	// VerifySignature checks an inbound webhook body against the provider's
	// signature header using the configured shared secret.
	VerifySignature(payload []byte, signatureHeader string) bool
}

// Session is the ephemeral correlation handle joining a payment-in-progress
// back to exactly one order.
type Session struct {
	Provider    string
	ID          string
	RedirectURL string
	ExpiresAt   time.Time
}

type PayerContext struct {
	PayerID string
	Email   string
}

// GatewayError carries the provider's diagnostic so upstream callers can leave
// the order pending instead of guessing an outcome.
type GatewayError struct {
	Provider   string
	Op         string
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %s: status=%d %s", e.Provider, e.Op, e.StatusCode, e.Message)
}

// IsGatewayError reports whether err wraps a provider-side failure.
func IsGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}

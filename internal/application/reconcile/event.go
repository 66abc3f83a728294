package reconcile

import "github.com/keymint/keymint/internal/domain/payment"

// Source tells the engine which notification channel an event arrived on.
type Source string

const (
	// SourceReturn is the synchronous browser redirect. Its status hint is
	// advisory only; it originates from the customer's browser.
	SourceReturn Source = "return"
	// SourceWebhook is the asynchronous server-to-server notification.
	SourceWebhook Source = "webhook"
)

// Event is a normalized inbound payment notification. Adapters and handlers
// fill in whatever identifiers the provider supplied; the engine resolves the
// order from them.
type Event struct {
	Provider string
	Source   Source

	// Verified is true only when the payload's signature was validated against
	// the provider's shared secret. Unverified approved hints are never
	// trusted without a re-fetch from the gateway of record.
	Verified bool

	OrderNumber string
	PaymentRef  string
	SessionRef  string

	Status    payment.Status
	RawStatus string
	Reason    string

	Payer  payment.PayerContext
	Detail map[string]string
}

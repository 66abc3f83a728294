package payment

import (
	"github.com/shopspring/decimal"
)

// Status is the normalized payment state every provider vocabulary maps onto.
type Status string

const (
	StatusApproved Status = "approved"
	StatusPending  Status = "pending"
	StatusRejected Status = "rejected"
	StatusCanceled Status = "canceled"
)

// Snapshot is a provider-independent view of one payment, as reported by the
// gateway of record.
type Snapshot struct {
	Provider          string
	ProviderPaymentID string
	Status            Status
	RawStatus         string
	Amount            decimal.Decimal
	Currency          string
	Fee               decimal.Decimal
	PayerEmail        string
	Raw               map[string]string
}

package order

import "github.com/shopspring/decimal"

// PaymentInfo is the typed annotation record reconciliation builds up as it
// learns more about the payment. Fields are merged incrementally; Detail is
// append-only so earlier observations are never erased by later ones.
type PaymentInfo struct {
	ProviderPaymentID string
	RawStatus         string
	PayerEmail        string
	FeeAmount         decimal.Decimal
	FailureReason     string
	Detail            map[string]string
}

// Merge folds a patch into the record. Non-empty scalar fields overwrite,
// Detail keys are only added when absent.
func (p *PaymentInfo) Merge(patch PaymentInfo) {
	if patch.ProviderPaymentID != "" {
		p.ProviderPaymentID = patch.ProviderPaymentID
	}
	if patch.RawStatus != "" {
		p.RawStatus = patch.RawStatus
	}
	if patch.PayerEmail != "" {
		p.PayerEmail = patch.PayerEmail
	}
	if !patch.FeeAmount.IsZero() {
		p.FeeAmount = patch.FeeAmount
	}
	if patch.FailureReason != "" {
		p.FailureReason = patch.FailureReason
	}
	for k, v := range patch.Detail {
		if p.Detail == nil {
			p.Detail = make(map[string]string, len(patch.Detail))
		}
		if _, exists := p.Detail[k]; !exists {
			p.Detail[k] = v
		}
	}
}

func (p PaymentInfo) clone() PaymentInfo {
	out := p
	if p.Detail != nil {
		out.Detail = make(map[string]string, len(p.Detail))
		for k, v := range p.Detail {
			out.Detail[k] = v
		}
	}
	return out
}

// FulfillmentState tracks which pipeline steps already ran for a completed
// order, so a retried fulfillment never repeats a finished side effect.
type FulfillmentState struct {
	UserProvisioned  bool
	LicensesIssued   bool
	CartCleared      bool
	CustomerNotified bool
	AdminNotified    bool
	RefundNotified   bool
}

// Merge ORs the flags; steps never un-complete.
func (f *FulfillmentState) Merge(other FulfillmentState) {
	f.UserProvisioned = f.UserProvisioned || other.UserProvisioned
	f.LicensesIssued = f.LicensesIssued || other.LicensesIssued
	f.CartCleared = f.CartCleared || other.CartCleared
	f.CustomerNotified = f.CustomerNotified || other.CustomerNotified
	f.AdminNotified = f.AdminNotified || other.AdminNotified
	f.RefundNotified = f.RefundNotified || other.RefundNotified
}

// Done reports whether every post-payment step has completed.
func (f FulfillmentState) Done() bool {
	return f.UserProvisioned && f.LicensesIssued && f.CartCleared &&
		f.CustomerNotified && f.AdminNotified
}

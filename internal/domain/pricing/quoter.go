package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrFeeTooHigh   = errors.New("pricing: percentage fee must be below 100%")
	ErrNegativeFee  = errors.New("pricing: fees must not be negative")
	ErrNegativeNet  = errors.New("pricing: net amount must not be negative")
	ErrInvalidInput = errors.New("pricing: invalid input")
)

// FeeSchedule is a gateway's pricing: a percentage of the charge plus a fixed
// amount per transaction.
type FeeSchedule struct {
	Percentage decimal.Decimal
	Fixed      decimal.Decimal
}

func (f FeeSchedule) validate() error {
	if f.Percentage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return ErrFeeTooHigh
	}
	if f.Percentage.IsNegative() || f.Fixed.IsNegative() {
		return ErrNegativeFee
	}
	return nil
}

// Quoter computes customer-facing charges so the merchant nets the configured
// amount after gateway fees. Pure arithmetic, no side effects.
type Quoter struct {
	fees FeeSchedule
}

func NewQuoter(fees FeeSchedule) (*Quoter, error) {
	if err := fees.validate(); err != nil {
		return nil, err
	}
	return &Quoter{fees: fees}, nil
}

// Charge grosses net up to the amount that, after the provider keeps
// percentage + fixed, leaves the merchant with net:
//
//	charge = (net + fixed) / (1 - percentage)
//
// rounded half-up to 2 decimals.
func (q *Quoter) Charge(net decimal.Decimal) (decimal.Decimal, error) {
	if net.IsNegative() {
		return decimal.Zero, ErrNegativeNet
	}
	denominator := decimal.NewFromInt(1).Sub(q.fees.Percentage)
	charge := net.Add(q.fees.Fixed).DivRound(denominator, 6)
	return charge.Round(2), nil
}

// Net is the inverse projection: what the merchant keeps from a given charge.
// Used for merchant-side per-gateway pricing views.
func (q *Quoter) Net(charge decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	return charge.Mul(one.Sub(q.fees.Percentage)).Sub(q.fees.Fixed).Round(2)
}

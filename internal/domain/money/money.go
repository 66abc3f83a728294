package money

import (
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// Money pairs a decimal amount with an ISO currency unit.
// Amounts are never represented as floats anywhere in the pipeline.
type Money struct {
	Amount   decimal.Decimal
	Currency currency.Unit
}

func New(amount decimal.Decimal, unit currency.Unit) Money {
	return Money{Amount: amount, Currency: unit}
}

// FromMinorUnits builds Money from an integer amount of cents.
func FromMinorUnits(cents int64, unit currency.Unit) Money {
	return Money{Amount: decimal.New(cents, -2), Currency: unit}
}

func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// MinorUnits returns the amount in cents, for providers that refuse decimals.
func (m Money) MinorUnits() int64 {
	return m.Amount.Shift(2).Round(0).IntPart()
}

func (m Money) Mul(quantity int) Money {
	return Money{Amount: m.Amount.Mul(decimal.NewFromInt(int64(quantity))), Currency: m.Currency}
}

func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Amount.StringFixed(2), m.Currency)
}

// Parse builds Money from a decimal string and an ISO 4217 code.
func Parse(amount, code string) (Money, error) {
	var m Money

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return m, fmt.Errorf("decimal.NewFromString[%s]: %w", amount, err)
	}

	unit, err := currency.ParseISO(code)
	if err != nil {
		return m, fmt.Errorf("currency[%s] is not valid: %w", code, err)
	}

	return Money{Amount: d, Currency: unit}, nil
}

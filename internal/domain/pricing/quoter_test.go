package pricing_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keymint/keymint/internal/domain/pricing"
)

func schedule(percentage, fixed string) pricing.FeeSchedule {
	return pricing.FeeSchedule{
		Percentage: decimal.RequireFromString(percentage),
		Fixed:      decimal.RequireFromString(fixed),
	}
}

func TestCharge(t *testing.T) {
	tests := []struct {
		name string
		fees pricing.FeeSchedule
		net  string
		want string
	}{
		{name: "card fees on fifty", fees: schedule("0.035", "0.30"), net: "50.00", want: "52.12"},
		{name: "no fees", fees: schedule("0", "0"), net: "50.00", want: "50.00"},
		{name: "fixed only", fees: schedule("0", "0.30"), net: "10.00", want: "10.30"},
		{name: "percentage only", fees: schedule("0.10", "0"), net: "90.00", want: "100.00"},
		{name: "zero net still covers fixed fee", fees: schedule("0.035", "0.30"), net: "0", want: "0.31"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := pricing.NewQuoter(tt.fees)
			require.NoError(t, err)

			charge, err := q.Charge(decimal.RequireFromString(tt.net))
			require.NoError(t, err)
			assert.Equal(t, tt.want, charge.StringFixed(2))
		})
	}
}

// The merchant must net the configured amount within one cent after the
// provider takes percentage + fixed from the quoted charge.
func TestChargeRoundTripsToNet(t *testing.T) {
	fees := []pricing.FeeSchedule{
		schedule("0.035", "0.30"),
		schedule("0.029", "0.25"),
		schedule("0.0599", "0"),
		schedule("0", "1.00"),
	}
	nets := []string{"0.01", "1.00", "19.99", "50.00", "249.95", "10000.00"}
	cent := decimal.RequireFromString("0.01")

	for _, f := range fees {
		q, err := pricing.NewQuoter(f)
		require.NoError(t, err)

		for _, n := range nets {
			net := decimal.RequireFromString(n)

			charge, err := q.Charge(net)
			require.NoError(t, err)

			kept := charge.Mul(decimal.NewFromInt(1).Sub(f.Percentage)).Sub(f.Fixed).Round(2)
			diff := kept.Sub(net).Abs()
			assert.True(t, diff.LessThanOrEqual(cent),
				"fees=%v net=%s charge=%s kept=%s", f, n, charge, kept)
		}
	}
}

func TestNet(t *testing.T) {
	q, err := pricing.NewQuoter(schedule("0.035", "0.30"))
	require.NoError(t, err)

	net := q.Net(decimal.RequireFromString("52.12"))
	assert.Equal(t, "50.00", net.StringFixed(2))
}

func TestNewQuoterRejectsBadSchedules(t *testing.T) {
	_, err := pricing.NewQuoter(schedule("1", "0"))
	require.ErrorIs(t, err, pricing.ErrFeeTooHigh)

	_, err = pricing.NewQuoter(schedule("1.5", "0"))
	require.ErrorIs(t, err, pricing.ErrFeeTooHigh)

	_, err = pricing.NewQuoter(schedule("-0.01", "0"))
	require.ErrorIs(t, err, pricing.ErrNegativeFee)

	_, err = pricing.NewQuoter(schedule("0.03", "-0.30"))
	require.ErrorIs(t, err, pricing.ErrNegativeFee)
}

func TestChargeRejectsNegativeNet(t *testing.T) {
	q, err := pricing.NewQuoter(schedule("0.035", "0.30"))
	require.NoError(t, err)

	_, err = q.Charge(decimal.RequireFromString("-1"))
	require.ErrorIs(t, err, pricing.ErrNegativeNet)
}

package memory_test

import (
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/currency"

	"github.com/keymint/keymint/internal/domain/money"
	"github.com/keymint/keymint/internal/domain/order"
	"github.com/keymint/keymint/internal/infrastructure/memory"
)

func newTestOrder(t *testing.T) *order.Order {
	t.Helper()

	o, err := order.New(
		"ORD-20250101-"+gofakeit.LetterN(6),
		order.Customer{Email: gofakeit.Email(), Name: gofakeit.Name()},
		"stripe",
		[]order.Item{{
			ProductID: uuid.New(),
			Name:      gofakeit.AppName(),
			UnitPrice: money.New(decimal.RequireFromString("50.00"), currency.USD),
			Quantity:  1,
		}},
	)
	require.NoError(t, err)
	return o
}

func TestInsertAndLookups(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewOrderRepository()
	o := newTestOrder(t)

	require.NoError(t, repo.Insert(ctx, o))

	byID, err := repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Number, byID.Number)
	if diff := cmp.Diff(o.Items, byID.Items, cmp.Comparer(decimal.Decimal.Equal)); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}

	byNumber, err := repo.GetByNumber(ctx, o.Number)
	require.NoError(t, err)
	assert.Equal(t, o.ID, byNumber.ID)

	_, err = repo.Get(ctx, uuid.New())
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestAttachSessionRef(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewOrderRepository()
	o := newTestOrder(t)
	require.NoError(t, repo.Insert(ctx, o))

	require.NoError(t, repo.AttachSessionRef(ctx, o.ID, "cs_123"))

	// Same ref again is a no-op.
	require.NoError(t, repo.AttachSessionRef(ctx, o.ID, "cs_123"))

	// A different ref is a conflict: one order, one payment session.
	err := repo.AttachSessionRef(ctx, o.ID, "cs_456")
	require.ErrorIs(t, err, order.ErrSessionConflict)

	found, err := repo.GetBySessionRef(ctx, "stripe", "cs_123")
	require.NoError(t, err)
	assert.Equal(t, o.ID, found.ID)

	_, err = repo.GetBySessionRef(ctx, "stripe", "cs_456")
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestTransition(t *testing.T) {
	ctx := t.Context()

	tests := []struct {
		name        string
		target      order.Status
		setup       []order.Status
		wantApplied bool
		wantErr     error
	}{
		{name: "pending to completed", target: order.StatusCompleted, wantApplied: true},
		{name: "pending to failed", target: order.StatusFailed, wantApplied: true},
		{
			name:   "duplicate completed is a no-op",
			target: order.StatusCompleted,
			setup:  []order.Status{order.StatusCompleted},
		},
		{
			name:    "failed cannot complete",
			target:  order.StatusCompleted,
			setup:   []order.Status{order.StatusFailed},
			wantErr: order.ErrIllegalTransition,
		},
		{
			name:    "completed cannot go back to pending",
			target:  order.StatusPending,
			setup:   []order.Status{order.StatusCompleted},
			wantErr: order.ErrIllegalTransition,
		},
		{
			name:        "completed to refunded",
			target:      order.StatusRefunded,
			setup:       []order.Status{order.StatusCompleted},
			wantApplied: true,
		},
		{
			name:    "refunded cannot complete again",
			target:  order.StatusCompleted,
			setup:   []order.Status{order.StatusCompleted, order.StatusRefunded},
			wantErr: order.ErrIllegalTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := memory.NewOrderRepository()
			o := newTestOrder(t)
			require.NoError(t, repo.Insert(ctx, o))

			for _, s := range tt.setup {
				_, _, err := repo.Transition(ctx, o.ID, s, order.PaymentInfo{})
				require.NoError(t, err)
			}

			before, err := repo.Get(ctx, o.ID)
			require.NoError(t, err)

			applied, updated, err := repo.Transition(ctx, o.ID, tt.target, order.PaymentInfo{})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				// Status must be left unchanged on rejection.
				after, getErr := repo.Get(ctx, o.ID)
				require.NoError(t, getErr)
				assert.Equal(t, before.Status, after.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantApplied, applied)
			assert.Equal(t, tt.target, updated.Status)
		})
	}
}

func TestTransitionMergesPatch(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewOrderRepository()
	o := newTestOrder(t)
	require.NoError(t, repo.Insert(ctx, o))

	_, updated, err := repo.Transition(ctx, o.ID, order.StatusCompleted, order.PaymentInfo{
		ProviderPaymentID: "pi_1",
		RawStatus:         "succeeded",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", updated.Payment.ProviderPaymentID)
	assert.Equal(t, "succeeded", updated.Payment.RawStatus)
}

// Exactly one of N racing writers may observe applied=true.
func TestTransitionConcurrency(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewOrderRepository()
	o := newTestOrder(t)
	require.NoError(t, repo.Insert(ctx, o))

	const writers = 16
	var wg sync.WaitGroup
	results := make(chan bool, writers)

	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, _, err := repo.Transition(ctx, o.ID, order.StatusCompleted, order.PaymentInfo{})
			if err == nil {
				results <- applied
			}
		}()
	}
	wg.Wait()
	close(results)

	appliedCount := 0
	for applied := range results {
		if applied {
			appliedCount++
		}
	}
	assert.Equal(t, 1, appliedCount)
}

func TestAnnotateDoesNotChangeStatus(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewOrderRepository()
	o := newTestOrder(t)
	require.NoError(t, repo.Insert(ctx, o))

	updated, err := repo.Annotate(ctx, o.ID, order.PaymentInfo{ProviderPaymentID: "pi_9", RawStatus: "in_process"})
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, updated.Status)
	assert.Equal(t, "pi_9", updated.Payment.ProviderPaymentID)
}

func TestSetFulfillmentAndUser(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewOrderRepository()
	o := newTestOrder(t)
	require.NoError(t, repo.Insert(ctx, o))

	userID := uuid.New()
	require.NoError(t, repo.SetUser(ctx, o.ID, userID))

	updated, err := repo.SetFulfillment(ctx, o.ID, order.FulfillmentState{LicensesIssued: true})
	require.NoError(t, err)
	assert.True(t, updated.Fulfillment.LicensesIssued)
	require.NotNil(t, updated.UserID)
	assert.Equal(t, userID, *updated.UserID)
}

package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/currency"

	"github.com/keymint/keymint/internal/application/reconcile"
	"github.com/keymint/keymint/internal/domain/money"
	"github.com/keymint/keymint/internal/domain/order"
	"github.com/keymint/keymint/internal/domain/payment"
	"github.com/keymint/keymint/internal/infrastructure/memory"
)

type fakeGateway struct {
	provider string

	mu           sync.Mutex
	captureCalls int
	fetchCalls   int

	captureSnapshot payment.Snapshot
	captureErr      error
	fetchSnapshot   payment.Snapshot
	fetchErr        error
}

func (g *fakeGateway) Provider() string { return g.provider }

func (g *fakeGateway) CreateSession(_ context.Context, _ *order.Order, _ money.Money) (payment.Session, error) {
	return payment.Session{}, nil
}

func (g *fakeGateway) Capture(_ context.Context, _ string, _ payment.PayerContext) (payment.Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captureCalls++
	return g.captureSnapshot, g.captureErr
}

func (g *fakeGateway) FetchPayment(_ context.Context, _ string) (payment.Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchCalls++
	return g.fetchSnapshot, g.fetchErr
}

func (g *fakeGateway) VerifySignature(_ []byte, _ string) bool { return true }

// fakeFulfiller mirrors the real pipeline's contract: a successful run marks
// every fulfillment flag, and a rerun with the flags already set is a no-op.
type fakeFulfiller struct {
	orders *memory.OrderRepository

	mu      sync.Mutex
	runs    int
	refunds int
	runErr  error
}

func (f *fakeFulfiller) Run(ctx context.Context, o *order.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return f.runErr
	}

	stored, err := f.orders.Get(ctx, o.ID)
	if err != nil {
		return err
	}
	if stored.Fulfillment.Done() {
		return nil
	}
	if _, err := f.orders.SetFulfillment(ctx, o.ID, order.FulfillmentState{
		UserProvisioned:  true,
		LicensesIssued:   true,
		CartCleared:      true,
		CustomerNotified: true,
		AdminNotified:    true,
	}); err != nil {
		return err
	}
	f.runs++
	return nil
}

func (f *fakeFulfiller) Refund(_ context.Context, _ *order.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds++
	return nil
}

func (f *fakeFulfiller) setRunErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runErr = err
}

func (f *fakeFulfiller) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func (f *fakeFulfiller) refundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refunds
}

type engineFixture struct {
	orders    *memory.OrderRepository
	gateway   *fakeGateway
	fulfiller *fakeFulfiller
	engine    *reconcile.Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	orders := memory.NewOrderRepository()
	gateway := &fakeGateway{provider: "stripe"}
	fulfiller := &fakeFulfiller{orders: orders}
	engine := reconcile.NewEngine(orders, payment.NewRegistry(gateway), fulfiller, nil)

	return &engineFixture{orders: orders, gateway: gateway, fulfiller: fulfiller, engine: engine}
}

func (fx *engineFixture) seedOrder(t *testing.T, sessionRef string) *order.Order {
	t.Helper()

	o, err := order.New("ORD-20260830-TEST01",
		order.Customer{Email: "buyer@example.com", Name: "Buyer"},
		"stripe",
		[]order.Item{{
			ProductID: uuid.New(),
			Name:      "keymint pro",
			UnitPrice: money.New(decimal.RequireFromString("50.00"), currency.USD),
			Quantity:  1,
		}},
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, fx.orders.Insert(ctx, o))
	if sessionRef != "" {
		require.NoError(t, fx.orders.AttachSessionRef(ctx, o.ID, sessionRef))
	}
	return o
}

func TestProcessVerifiedApproval(t *testing.T) {
	fx := newEngineFixture(t)
	o := fx.seedOrder(t, "cs_123")
	ctx := context.Background()

	out, err := fx.engine.Process(ctx, reconcile.Event{
		Provider:   "stripe",
		Source:     reconcile.SourceWebhook,
		Verified:   true,
		SessionRef: "cs_123",
		Status:     payment.StatusApproved,
		RawStatus:  "checkout.session.completed",
		PaymentRef: "pi_777",
	})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.True(t, out.Fulfilled)
	assert.Equal(t, order.StatusCompleted, out.Status)

	stored, err := fx.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, stored.Status)
	assert.Equal(t, "pi_777", stored.Payment.ProviderPaymentID)
	assert.Equal(t, 1, fx.fulfiller.runCount())
	// Verified webhooks are trusted; no re-fetch happens.
	assert.Zero(t, fx.gateway.captureCalls)
	assert.Zero(t, fx.gateway.fetchCalls)
}

func TestProcessDuplicateWebhookIsNoOp(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedOrder(t, "cs_123")
	ctx := context.Background()

	ev := reconcile.Event{
		Provider:   "stripe",
		Source:     reconcile.SourceWebhook,
		Verified:   true,
		SessionRef: "cs_123",
		Status:     payment.StatusApproved,
	}

	first, err := fx.engine.Process(ctx, ev)
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := fx.engine.Process(ctx, ev)
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.False(t, second.Fulfilled)
	assert.Equal(t, order.StatusCompleted, second.Status)
	assert.Equal(t, 1, fx.fulfiller.runCount(), "fulfillment must run exactly once")
}

// A fulfillment that failed after the completed transition must be repaired by
// the next notification for the same order, not acknowledged and forgotten.
func TestProcessRedrivesUnfinishedFulfillment(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedOrder(t, "cs_123")
	ctx := context.Background()

	ev := reconcile.Event{
		Provider:   "stripe",
		Source:     reconcile.SourceWebhook,
		Verified:   true,
		SessionRef: "cs_123",
		Status:     payment.StatusApproved,
	}

	fx.fulfiller.setRunErr(errors.New("license store unavailable"))
	out, err := fx.engine.Process(ctx, ev)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.False(t, out.Fulfilled)
	assert.Equal(t, order.StatusCompleted, out.Status)
	assert.Zero(t, fx.fulfiller.runCount())

	// The provider redelivers once the store is healthy again.
	fx.fulfiller.setRunErr(nil)
	out, err = fx.engine.Process(ctx, ev)
	require.NoError(t, err)
	assert.False(t, out.Applied, "the order was already completed")
	assert.True(t, out.Fulfilled)
	assert.Equal(t, 1, fx.fulfiller.runCount())

	// With every step recorded, a further delivery is a pure duplicate.
	out, err = fx.engine.Process(ctx, ev)
	require.NoError(t, err)
	assert.False(t, out.Fulfilled)
	assert.Equal(t, 1, fx.fulfiller.runCount())
}

func TestProcessUnverifiedApprovalEscalates(t *testing.T) {
	t.Run("gateway confirms", func(t *testing.T) {
		fx := newEngineFixture(t)
		fx.seedOrder(t, "cs_123")
		fx.gateway.captureSnapshot = payment.Snapshot{
			Provider:          "stripe",
			ProviderPaymentID: "pi_auth",
			Status:            payment.StatusApproved,
			RawStatus:         "succeeded",
			PayerEmail:        "buyer@example.com",
			Fee:               decimal.RequireFromString("2.12"),
		}

		out, err := fx.engine.Process(context.Background(), reconcile.Event{
			Provider:   "stripe",
			Source:     reconcile.SourceReturn,
			Verified:   false,
			SessionRef: "cs_123",
			Status:     payment.StatusApproved,
		})
		require.NoError(t, err)
		assert.True(t, out.Applied)
		assert.Equal(t, 1, fx.gateway.captureCalls)

		stored, err := fx.orders.GetByNumber(context.Background(), out.OrderNumber)
		require.NoError(t, err)
		assert.Equal(t, "pi_auth", stored.Payment.ProviderPaymentID)
		assert.True(t, stored.Payment.FeeAmount.Equal(decimal.RequireFromString("2.12")))
	})

	t.Run("gateway still pending", func(t *testing.T) {
		fx := newEngineFixture(t)
		o := fx.seedOrder(t, "cs_123")
		fx.gateway.captureSnapshot = payment.Snapshot{
			Provider:  "stripe",
			Status:    payment.StatusPending,
			RawStatus: "requires_payment_method",
		}

		out, err := fx.engine.Process(context.Background(), reconcile.Event{
			Provider:   "stripe",
			Source:     reconcile.SourceReturn,
			Verified:   false,
			SessionRef: "cs_123",
			Status:     payment.StatusApproved,
		})
		require.NoError(t, err)
		assert.False(t, out.Applied)
		assert.Equal(t, order.StatusPending, out.Status)
		assert.Zero(t, fx.fulfiller.runCount())

		stored, err := fx.orders.Get(context.Background(), o.ID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusPending, stored.Status)
		assert.Equal(t, "requires_payment_method", stored.Payment.RawStatus)
	})

	t.Run("gateway unreachable leaves order pending", func(t *testing.T) {
		fx := newEngineFixture(t)
		o := fx.seedOrder(t, "cs_123")
		fx.gateway.captureErr = &payment.GatewayError{Provider: "stripe", Op: "capture", StatusCode: 503}

		_, err := fx.engine.Process(context.Background(), reconcile.Event{
			Provider:   "stripe",
			Source:     reconcile.SourceReturn,
			Verified:   false,
			SessionRef: "cs_123",
			Status:     payment.StatusApproved,
		})
		require.Error(t, err)
		assert.True(t, payment.IsGatewayError(err))

		stored, err := fx.orders.Get(context.Background(), o.ID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusPending, stored.Status)
		assert.Zero(t, fx.fulfiller.runCount())
	})
}

func TestProcessRejection(t *testing.T) {
	fx := newEngineFixture(t)
	o := fx.seedOrder(t, "cs_123")

	out, err := fx.engine.Process(context.Background(), reconcile.Event{
		Provider:   "stripe",
		Source:     reconcile.SourceWebhook,
		Verified:   true,
		SessionRef: "cs_123",
		Status:     payment.StatusRejected,
		RawStatus:  "card_declined",
	})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, order.StatusFailed, out.Status)
	assert.Zero(t, fx.fulfiller.runCount())

	stored, err := fx.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "rejected", stored.Payment.FailureReason)
}

func TestProcessApprovalAfterFailureIsAnomaly(t *testing.T) {
	fx := newEngineFixture(t)
	o := fx.seedOrder(t, "cs_123")
	ctx := context.Background()

	_, _, err := fx.orders.Transition(ctx, o.ID, order.StatusFailed, order.PaymentInfo{FailureReason: "expired"})
	require.NoError(t, err)

	// A stale webhook still carrying the event-status approved for a failed
	// order (resolved by payment ref, so the terminal short-circuit and the
	// transition both see the failed row).
	out, err := fx.engine.Process(ctx, reconcile.Event{
		Provider:   "stripe",
		Source:     reconcile.SourceWebhook,
		Verified:   true,
		SessionRef: "cs_123",
		Status:     payment.StatusApproved,
	})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, order.StatusFailed, out.Status)
	assert.Zero(t, fx.fulfiller.runCount(), "failed orders are never resurrected")
}

func TestProcessUnresolvableEvent(t *testing.T) {
	fx := newEngineFixture(t)
	fx.gateway.fetchErr = payment.ErrPaymentNotFound

	_, err := fx.engine.Process(context.Background(), reconcile.Event{
		Provider:   "stripe",
		Source:     reconcile.SourceWebhook,
		Verified:   true,
		PaymentRef: "pi_unknown",
		Status:     payment.StatusApproved,
	})
	require.ErrorIs(t, err, reconcile.ErrUnresolvable)
	assert.Zero(t, fx.fulfiller.runCount())
}

func TestProcessResolvesViaGatewayLookup(t *testing.T) {
	fx := newEngineFixture(t)
	o := fx.seedOrder(t, "")
	fx.gateway.fetchSnapshot = payment.Snapshot{
		Provider:          "stripe",
		ProviderPaymentID: "pi_777",
		Status:            payment.StatusApproved,
		Raw:               map[string]string{"order_number": o.Number},
	}

	// No session ref stored, no order number in the event; only the provider
	// knows which order the payment belongs to.
	out, err := fx.engine.Process(context.Background(), reconcile.Event{
		Provider:   "stripe",
		Source:     reconcile.SourceWebhook,
		Verified:   true,
		PaymentRef: "pi_777",
		Status:     payment.StatusApproved,
	})
	require.NoError(t, err)
	assert.Equal(t, o.Number, out.OrderNumber)
	assert.True(t, out.Applied)
}

func TestProcessConcurrentApprovalsFulfillOnce(t *testing.T) {
	fx := newEngineFixture(t)
	fx.seedOrder(t, "cs_123")

	ev := reconcile.Event{
		Provider:   "stripe",
		Source:     reconcile.SourceWebhook,
		Verified:   true,
		SessionRef: "cs_123",
		Status:     payment.StatusApproved,
	}

	const workers = 16
	var wg sync.WaitGroup
	var applied atomic.Int64
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			out, err := fx.engine.Process(context.Background(), ev)
			if err == nil && out.Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, applied.Load())
	assert.Equal(t, 1, fx.fulfiller.runCount())
}

func TestRefund(t *testing.T) {
	fx := newEngineFixture(t)
	o := fx.seedOrder(t, "cs_123")
	ctx := context.Background()

	t.Run("pending order cannot be refunded", func(t *testing.T) {
		_, err := fx.engine.Refund(ctx, o.Number, "customer request")
		require.ErrorIs(t, err, order.ErrIllegalTransition)
	})

	_, _, err := fx.orders.Transition(ctx, o.ID, order.StatusCompleted, order.PaymentInfo{})
	require.NoError(t, err)

	t.Run("completed order refunds once", func(t *testing.T) {
		out, err := fx.engine.Refund(ctx, o.Number, "customer request")
		require.NoError(t, err)
		assert.True(t, out.Applied)
		assert.Equal(t, order.StatusRefunded, out.Status)
		assert.Equal(t, 1, fx.fulfiller.refundCount())

		again, err := fx.engine.Refund(ctx, o.Number, "customer request")
		require.NoError(t, err)
		assert.False(t, again.Applied)
		assert.Equal(t, 1, fx.fulfiller.refundCount())
	})
}

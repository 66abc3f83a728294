package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/keymint/keymint/internal/domain/order"
	"github.com/keymint/keymint/internal/domain/payment"
	"github.com/keymint/keymint/internal/observability"
	"github.com/keymint/keymint/internal/observability/logctx"
)

const (
	reconcileService = "reconcile-engine"
	spanPrefix       = "UC."
	gatewayTimeout   = 10 * time.Second
)

var (
	// ErrUnresolvable marks events that name no known order. Callers log and
	// discard them; they are never assumed to apply to "the latest" order.
	ErrUnresolvable = errors.New("reconcile: event does not resolve to an order")
)

// Fulfiller runs the post-payment pipeline. The engine invokes Run exactly
// once per order, on the call that actually applied the completed transition.
type Fulfiller interface {
	Run(ctx context.Context, o *order.Order) error
	Refund(ctx context.Context, o *order.Order) error
}

// Outcome reports what an event did to its order.
type Outcome struct {
	OrderID     uuid.UUID
	OrderNumber string
	Status      order.Status
	Applied     bool
	Fulfilled   bool
}

// Engine is the single state machine both notification channels converge on.
// Per-provider adapters only normalize data; every status decision is made
// here, against the ledger's transition table.
type Engine struct {
	orders    order.Repository
	gateways  payment.Registry
	fulfiller Fulfiller
	tel       observability.Observability

	log        observability.Logger
	evCounter  observability.Counter   // reconcile_events_total{provider,source,outcome}
	durHist    observability.Histogram // usecase_duration_seconds{use_case}
	extCounter observability.Counter   // external_requests_total{peer,endpoint,outcome}
}

func NewEngine(
	orders order.Repository,
	gateways payment.Registry,
	fulfiller Fulfiller,
	tel observability.Observability,
) *Engine {
	if tel == nil {
		tel = observability.Nop()
	}
	metrics := tel.Metrics()
	return &Engine{
		orders:     orders,
		gateways:   gateways,
		fulfiller:  fulfiller,
		tel:        tel,
		log:        tel.Logger().With(observability.F("service", reconcileService)),
		evCounter:  metrics.Counter(observability.MReconcileEvents),
		durHist:    metrics.Histogram(observability.MUsecaseDuration),
		extCounter: metrics.Counter(observability.MExternalRequests),
	}
}

// Process drives one inbound event through resolve -> terminal check ->
// trust escalation -> transition -> fulfillment.
func (e *Engine) Process(ctx context.Context, ev Event) (_ *Outcome, err error) {
	logger := logctx.FromOr(ctx, e.log).With(
		observability.F("use_case", "reconcile.process"),
		observability.F("provider", ev.Provider),
		observability.F("source", string(ev.Source)),
	)

	ctx, span := e.tel.Tracer().Start(ctx, spanPrefix+"ReconcileEvent",
		attribute.String("payment.provider", ev.Provider),
		attribute.String("reconcile.source", string(ev.Source)),
		attribute.Bool("reconcile.verified", ev.Verified),
	)
	start := time.Now()
	outcomeLabel := "applied"

	defer func() {
		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, outcomeLabel)
			} else {
				span.SetStatus(codes.Ok, outcomeLabel)
			}
			span.End()
		}
		e.evCounter.Add(1,
			observability.L("provider", ev.Provider),
			observability.L("source", string(ev.Source)),
			observability.L("outcome", outcomeLabel),
		)
		e.durHist.Observe(time.Since(start).Seconds(),
			observability.L("use_case", "reconcile.process"),
		)
	}()

	// Step 1: resolve the target order.
	o, err := e.resolve(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrUnresolvable) {
			outcomeLabel = "unresolvable"
			logger.Warn("event_unresolvable",
				observability.F("order_number", ev.OrderNumber),
				observability.F("payment_ref", ev.PaymentRef),
				observability.F("session_ref", ev.SessionRef),
			)
		} else {
			outcomeLabel = "resolve_error"
		}
		return nil, err
	}
	logger = logger.With(observability.F("order_number", o.Number))
	ctx = logctx.Append(ctx, observability.F("order_number", o.Number))
	span.SetAttributes(attribute.String("order.number", o.Number))

	// Step 2: terminal short-circuit. The stored status wins over whatever the
	// event claims; this is what makes duplicate notifications safe. A
	// completed order with unfinished steps re-enters the pipeline first, so a
	// redelivered webhook repairs a fulfillment that crashed mid-run.
	if o.Status.Terminal() {
		outcome := &Outcome{OrderID: o.ID, OrderNumber: o.Number, Status: o.Status}
		if o.Status == order.StatusCompleted && !o.Fulfillment.Done() {
			outcomeLabel = "redriven"
			logger.Info("fulfillment_redriven")
			if ferr := e.fulfiller.Run(ctx, o); ferr != nil {
				logger.Error("fulfillment_failed", observability.F("error", ferr.Error()))
			} else {
				outcome.Fulfilled = true
			}
			return outcome, nil
		}
		outcomeLabel = "duplicate"
		logger.Info("event_for_terminal_order",
			observability.F("stored_status", string(o.Status)),
			observability.F("event_status", string(ev.Status)),
		)
		return outcome, nil
	}

	status := ev.Status
	patch := patchFromEvent(ev)

	// Step 3: trust escalation. An approved hint that did not arrive on a
	// verified webhook is checked against the gateway of record first.
	if status == payment.StatusApproved && !ev.Verified {
		snapshot, fetchErr := e.confirmWithGateway(ctx, ev, o)
		if fetchErr != nil {
			outcomeLabel = "gateway_error"
			logger.Error("authoritative_fetch_failed", observability.F("error", fetchErr.Error()))
			return nil, fetchErr
		}
		status = snapshot.Status
		patch.Merge(patchFromSnapshot(snapshot))
		logger.Info("authoritative_status_fetched",
			observability.F("hinted", string(ev.Status)),
			observability.F("authoritative", string(status)),
		)
	}

	switch status {
	case payment.StatusApproved:
		return e.complete(ctx, logger, o, patch, &outcomeLabel)

	case payment.StatusPending:
		// Step 5: refresh annotations only; the order status does not move.
		outcomeLabel = "refreshed"
		updated, annErr := e.orders.Annotate(ctx, o.ID, patch)
		if annErr != nil {
			outcomeLabel = "ledger_error"
			return nil, fmt.Errorf("orders.Annotate: %w", annErr)
		}
		return &Outcome{OrderID: o.ID, OrderNumber: o.Number, Status: updated.Status}, nil

	case payment.StatusRejected, payment.StatusCanceled:
		if patch.FailureReason == "" {
			patch.FailureReason = string(status)
		}
		return e.fail(ctx, logger, o, patch, &outcomeLabel)

	default:
		outcomeLabel = "unknown_status"
		return nil, fmt.Errorf("reconcile: unknown payment status %q", status)
	}
}

// Refund moves a completed order to refunded, deactivating its licenses and
// notifying the customer. Merchant-driven; gateway events never trigger it.
func (e *Engine) Refund(ctx context.Context, orderNumber, reason string) (*Outcome, error) {
	logger := logctx.FromOr(ctx, e.log).With(
		observability.F("use_case", "reconcile.refund"),
		observability.F("order_number", orderNumber),
	)

	o, err := e.orders.GetByNumber(ctx, orderNumber)
	if err != nil {
		return nil, fmt.Errorf("orders.GetByNumber: %w", err)
	}

	applied, updated, err := e.orders.Transition(ctx, o.ID, order.StatusRefunded, order.PaymentInfo{
		FailureReason: reason,
	})
	if err != nil {
		if errors.Is(err, order.ErrIllegalTransition) {
			logger.Warn("anomaly_refund_rejected", observability.F("stored_status", string(o.Status)))
		}
		return nil, err
	}
	if !applied {
		return &Outcome{OrderID: o.ID, OrderNumber: o.Number, Status: updated.Status}, nil
	}

	if ferr := e.fulfiller.Refund(ctx, updated); ferr != nil {
		// Status stands; license deactivation retries out-of-band.
		logger.Error("refund_pipeline_failed", observability.F("error", ferr.Error()))
	}
	logger.Info("order_refunded", observability.F("reason", reason))
	return &Outcome{OrderID: o.ID, OrderNumber: o.Number, Status: updated.Status, Applied: true}, nil
}

func (e *Engine) complete(ctx context.Context, logger observability.Logger, o *order.Order, patch order.PaymentInfo, outcomeLabel *string) (*Outcome, error) {
	applied, updated, err := e.orders.Transition(ctx, o.ID, order.StatusCompleted, patch)
	if err != nil {
		if errors.Is(err, order.ErrIllegalTransition) {
			// An approved event for a failed order. Never resurrected; flagged
			// for manual review instead.
			*outcomeLabel = "anomaly"
			logger.Error("anomaly_approved_after_terminal",
				observability.F("stored_status", string(o.Status)),
			)
			return &Outcome{OrderID: o.ID, OrderNumber: o.Number, Status: o.Status}, nil
		}
		*outcomeLabel = "ledger_error"
		return nil, fmt.Errorf("orders.Transition: %w", err)
	}

	outcome := &Outcome{OrderID: o.ID, OrderNumber: o.Number, Status: updated.Status, Applied: applied}
	if !applied {
		// A concurrent event won the transition; fulfillment already ran.
		*outcomeLabel = "duplicate"
		return outcome, nil
	}

	logger.Info("order_completed", observability.F("payment_ref", updated.Payment.ProviderPaymentID))

	if err := e.fulfiller.Run(ctx, updated); err != nil {
		// The completed status is durable; unfinished steps re-drive later.
		logger.Error("fulfillment_failed", observability.F("error", err.Error()))
		return outcome, nil
	}
	outcome.Fulfilled = true
	return outcome, nil
}

func (e *Engine) fail(ctx context.Context, logger observability.Logger, o *order.Order, patch order.PaymentInfo, outcomeLabel *string) (*Outcome, error) {
	applied, updated, err := e.orders.Transition(ctx, o.ID, order.StatusFailed, patch)
	if err != nil {
		if errors.Is(err, order.ErrIllegalTransition) {
			*outcomeLabel = "anomaly"
			logger.Error("anomaly_failure_after_terminal",
				observability.F("stored_status", string(o.Status)),
			)
			return &Outcome{OrderID: o.ID, OrderNumber: o.Number, Status: o.Status}, nil
		}
		*outcomeLabel = "ledger_error"
		return nil, fmt.Errorf("orders.Transition: %w", err)
	}

	if applied {
		logger.Info("order_failed", observability.F("reason", patch.FailureReason))
	} else {
		*outcomeLabel = "duplicate"
	}
	return &Outcome{OrderID: o.ID, OrderNumber: o.Number, Status: updated.Status, Applied: applied}, nil
}

// resolve finds the order an event refers to: explicit order number first,
// then the stored gateway correlation ref, then the provider payment id.
func (e *Engine) resolve(ctx context.Context, ev Event) (*order.Order, error) {
	if ev.OrderNumber != "" {
		o, err := e.orders.GetByNumber(ctx, ev.OrderNumber)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, order.ErrNotFound) {
			return nil, fmt.Errorf("orders.GetByNumber: %w", err)
		}
	}

	for _, ref := range []string{ev.SessionRef, ev.PaymentRef} {
		if ref == "" {
			continue
		}
		o, err := e.orders.GetBySessionRef(ctx, ev.Provider, ref)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, order.ErrNotFound) {
			return nil, fmt.Errorf("orders.GetBySessionRef: %w", err)
		}
	}

	// Last resort: ask the provider which order this payment belongs to.
	if ev.PaymentRef != "" {
		if number, ok := e.lookupNumberAtGateway(ctx, ev); ok {
			o, err := e.orders.GetByNumber(ctx, number)
			if err == nil {
				return o, nil
			}
			if !errors.Is(err, order.ErrNotFound) {
				return nil, fmt.Errorf("orders.GetByNumber: %w", err)
			}
		}
	}

	return nil, ErrUnresolvable
}

func (e *Engine) lookupNumberAtGateway(ctx context.Context, ev Event) (string, bool) {
	gw, err := e.gateways.Lookup(ev.Provider)
	if err != nil {
		return "", false
	}

	fetchCtx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()

	snapshot, err := gw.FetchPayment(fetchCtx, ev.PaymentRef)
	e.recordExternal(ev.Provider, "fetch_payment", err)
	if err != nil {
		return "", false
	}
	number, ok := snapshot.Raw["order_number"]
	return number, ok && number != ""
}

// confirmWithGateway re-reads the authoritative payment state. Capture is
// used when the session ref is known (capture-if-needed semantics for
// providers with an explicit confirm step); otherwise a plain fetch.
func (e *Engine) confirmWithGateway(ctx context.Context, ev Event, o *order.Order) (payment.Snapshot, error) {
	gw, err := e.gateways.Lookup(ev.Provider)
	if err != nil {
		return payment.Snapshot{}, err
	}

	gwCtx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()

	sessionRef := ev.SessionRef
	if sessionRef == "" {
		sessionRef = o.SessionRef
	}

	if sessionRef != "" {
		snapshot, err := gw.Capture(gwCtx, sessionRef, ev.Payer)
		e.recordExternal(ev.Provider, "capture", err)
		if err != nil {
			return payment.Snapshot{}, fmt.Errorf("gw.Capture: %w", err)
		}
		return snapshot, nil
	}

	ref := ev.PaymentRef
	if ref == "" {
		ref = o.Payment.ProviderPaymentID
	}
	if ref == "" {
		return payment.Snapshot{}, fmt.Errorf("reconcile: no reference to confirm against %s", ev.Provider)
	}

	snapshot, err := gw.FetchPayment(gwCtx, ref)
	e.recordExternal(ev.Provider, "fetch_payment", err)
	if err != nil {
		return payment.Snapshot{}, fmt.Errorf("gw.FetchPayment: %w", err)
	}
	return snapshot, nil
}

func (e *Engine) recordExternal(provider, endpoint string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	e.extCounter.Add(1,
		observability.L("peer", provider),
		observability.L("endpoint", endpoint),
		observability.L("outcome", outcome),
	)
}

func patchFromEvent(ev Event) order.PaymentInfo {
	return order.PaymentInfo{
		ProviderPaymentID: ev.PaymentRef,
		RawStatus:         ev.RawStatus,
		PayerEmail:        ev.Payer.Email,
		FailureReason:     ev.Reason,
		Detail:            ev.Detail,
	}
}

func patchFromSnapshot(s payment.Snapshot) order.PaymentInfo {
	return order.PaymentInfo{
		ProviderPaymentID: s.ProviderPaymentID,
		RawStatus:         s.RawStatus,
		PayerEmail:        s.PayerEmail,
		FeeAmount:         s.Fee,
		Detail:            s.Raw,
	}
}

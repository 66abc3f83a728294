package notify

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/keymint/keymint/internal/application/fulfill"
	"github.com/keymint/keymint/internal/domain/license"
	"github.com/keymint/keymint/internal/domain/order"
	"github.com/keymint/keymint/internal/domain/user"
	"github.com/keymint/keymint/internal/observability"
	"github.com/keymint/keymint/internal/observability/logctx"
)

const (
	queueBuffer = 256
	sendTimeout = 30 * time.Second
)

type job struct {
	kind        string
	orderNumber string
	send        func(ctx context.Context) error
	result      chan error
}

// Queue serializes message delivery behind the request path: a background
// worker sends with retries and panic isolation, and each Send call waits for
// the final outcome so its caller only records a notification that actually
// went out. It is not durable; messages still in the buffer at shutdown are
// flushed, and a message that exhausts its retries is dropped with an error
// log plus an error to the sender (the fulfillment flag stays clear, so the
// next reconciliation re-drive resends).
type Queue struct {
	delegate fulfill.Notifier

	queue      chan job
	maxRetries int
	backoff    time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	log observability.Logger
}

func NewQueue(delegate fulfill.Notifier, tel observability.Observability) *Queue {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Queue{
		delegate:   delegate,
		queue:      make(chan job, queueBuffer),
		maxRetries: 3,
		backoff:    2 * time.Second,
		done:       make(chan struct{}),
		log:        tel.Logger().With(observability.F("component", "notify-queue")),
	}
}

func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
		q.cancel = cancel
		go q.dispatchLoop(bg)
		logctx.FromOr(ctx, q.log).Info("notify_queue_started")
	})
}

// Stop closes the queue and waits for buffered messages to drain.
func (q *Queue) Stop(ctx context.Context) {
	q.stopOnce.Do(func() {
		close(q.queue)
		select {
		case <-q.done:
		case <-ctx.Done():
			if q.cancel != nil {
				q.cancel()
			}
		}
		logctx.FromOr(ctx, q.log).Info("notify_queue_stopped")
	})
}

func (q *Queue) SendCustomerReceipt(ctx context.Context, o *order.Order, account *user.Account, licenses []*license.License) error {
	return q.enqueue(ctx, job{
		kind:        "customer_receipt",
		orderNumber: o.Number,
		send: func(ctx context.Context) error {
			return q.delegate.SendCustomerReceipt(ctx, o, account, licenses)
		},
	})
}

func (q *Queue) SendAdminSale(ctx context.Context, o *order.Order) error {
	return q.enqueue(ctx, job{
		kind:        "admin_sale",
		orderNumber: o.Number,
		send: func(ctx context.Context) error {
			return q.delegate.SendAdminSale(ctx, o)
		},
	})
}

func (q *Queue) SendRefundNotice(ctx context.Context, o *order.Order) error {
	return q.enqueue(ctx, job{
		kind:        "refund_notice",
		orderNumber: o.Number,
		send: func(ctx context.Context) error {
			return q.delegate.SendRefundNotice(ctx, o)
		},
	})
}

func (q *Queue) enqueue(ctx context.Context, j job) error {
	j.result = make(chan error, 1)

	select {
	case q.queue <- j:
	case <-ctx.Done():
		return ctx.Err()
	}
	logctx.FromOr(ctx, q.log).Debug("message_enqueued",
		observability.F("kind", j.kind),
		observability.F("order_number", j.orderNumber),
	)

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) dispatchLoop(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.queue:
			if !ok {
				return
			}
			q.deliver(ctx, j)
		}
	}
}

func (q *Queue) deliver(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("notify_panic",
				observability.F("kind", j.kind),
				observability.F("panic", r),
				observability.F("stack", string(debug.Stack())),
			)
			j.result <- fmt.Errorf("notify %s: panic: %v", j.kind, r)
		}
	}()

	logger := q.log.With(
		observability.F("kind", j.kind),
		observability.F("order_number", j.orderNumber),
	)

	var lastErr error
	for attempt := 0; attempt <= q.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				j.result <- ctx.Err()
				return
			case <-time.After(q.backoff * time.Duration(attempt)):
			}
		}

		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		lastErr = j.send(logctx.With(sendCtx, logger))
		cancel()
		if lastErr == nil {
			j.result <- nil
			return
		}
		logger.Warn("message_send_retry",
			observability.F("attempt", attempt+1),
			observability.F("error", lastErr.Error()),
		)
	}

	logger.Error("message_dropped", observability.F("error", lastErr.Error()))
	j.result <- lastErr
}

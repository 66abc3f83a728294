// Package notify delivers the customer and merchant messages fulfillment
// produces. The default implementation only logs; a real SMTP or provider
// sender slots in behind the same interface.
package notify

import (
	"context"

	"github.com/keymint/keymint/internal/domain/license"
	"github.com/keymint/keymint/internal/domain/order"
	"github.com/keymint/keymint/internal/domain/user"
	"github.com/keymint/keymint/internal/observability"
	"github.com/keymint/keymint/internal/observability/logctx"
)

const componentNotify = "notify"

// LogNotifier writes every message to the structured log instead of sending
// it. Useful in development and as the fallback when no mailer is configured.
type LogNotifier struct {
	log observability.Logger
}

func NewLogNotifier(tel observability.Observability) *LogNotifier {
	if tel == nil {
		tel = observability.Nop()
	}
	return &LogNotifier{
		log: tel.Logger().With(observability.F("component", componentNotify)),
	}
}

func (n *LogNotifier) SendCustomerReceipt(ctx context.Context, o *order.Order, account *user.Account, licenses []*license.License) error {
	logger := logctx.FromOr(ctx, n.log)
	logger.Info("customer_receipt",
		observability.F("order_number", o.Number),
		observability.F("email", account.Email),
		observability.F("generated_credential", account.Generated),
		observability.F("licenses", len(licenses)),
		observability.F("total", o.Total.String()),
	)
	return nil
}

func (n *LogNotifier) SendAdminSale(ctx context.Context, o *order.Order) error {
	logger := logctx.FromOr(ctx, n.log)
	logger.Info("admin_sale_notice",
		observability.F("order_number", o.Number),
		observability.F("gateway", o.Gateway),
		observability.F("total", o.Total.String()),
	)
	return nil
}

func (n *LogNotifier) SendRefundNotice(ctx context.Context, o *order.Order) error {
	logger := logctx.FromOr(ctx, n.log)
	logger.Info("refund_notice",
		observability.F("order_number", o.Number),
		observability.F("email", o.Customer.Email),
	)
	return nil
}

package fulfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keymint/keymint/internal/domain/cart"
	"github.com/keymint/keymint/internal/domain/license"
	"github.com/keymint/keymint/internal/domain/order"
	"github.com/keymint/keymint/internal/domain/user"
	"github.com/keymint/keymint/internal/infrastructure/id"
	"github.com/keymint/keymint/internal/observability"
	"github.com/keymint/keymint/internal/observability/logctx"
)

const (
	fulfillService = "fulfillment-pipeline"
	tempTokenLen   = 12
)

var ErrNotCompleted = errors.New("fulfill: order is not completed")

// Notifier is the rendered-message capability the email subsystem exposes.
// Template rendering itself lives outside this core.
type Notifier interface {
	SendCustomerReceipt(ctx context.Context, o *order.Order, account *user.Account, licenses []*license.License) error
	SendAdminSale(ctx context.Context, o *order.Order) error
	SendRefundNotice(ctx context.Context, o *order.Order) error
}

// Pipeline runs the post-payment steps in order, persisting a flag after each
// one so a crashed or retried run only re-drives unfinished steps.
type Pipeline struct {
	orders   order.Repository
	users    user.Repository
	licenses license.Repository
	carts    cart.Store
	notifier Notifier

	log         observability.Logger
	stepCounter observability.Counter // fulfillment_steps_total{step,outcome}
}

func NewPipeline(
	orders order.Repository,
	users user.Repository,
	licenses license.Repository,
	carts cart.Store,
	notifier Notifier,
	tel observability.Observability,
) *Pipeline {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Pipeline{
		orders:      orders,
		users:       users,
		licenses:    licenses,
		carts:       carts,
		notifier:    notifier,
		log:         tel.Logger().With(observability.F("service", fulfillService)),
		stepCounter: tel.Metrics().Counter(observability.MFulfillmentSteps),
	}
}

// Run executes provisioning, license issuance, cart clearing and notification
// for a completed order. Steps 1-3 failing aborts the run (and is retried
// later); a notification failure is logged and never rolls the purchase back.
func (p *Pipeline) Run(ctx context.Context, o *order.Order) error {
	if o.Status != order.StatusCompleted {
		return fmt.Errorf("%w: %s is %s", ErrNotCompleted, o.Number, o.Status)
	}

	logger := logctx.FromOr(ctx, p.log).With(
		observability.F("use_case", "fulfill.run"),
		observability.F("order_number", o.Number),
	)

	account, err := p.provisionUser(ctx, logger, o)
	if err != nil {
		p.step("provision_user", err)
		return fmt.Errorf("provisionUser: %w", err)
	}
	p.step("provision_user", nil)

	issued, err := p.issueLicenses(ctx, logger, o, account)
	if err != nil {
		p.step("issue_licenses", err)
		return fmt.Errorf("issueLicenses: %w", err)
	}
	p.step("issue_licenses", nil)

	if err := p.clearCart(ctx, o); err != nil {
		p.step("clear_cart", err)
		return fmt.Errorf("clearCart: %w", err)
	}
	p.step("clear_cart", nil)

	p.notify(ctx, logger, o, account, issued)
	return nil
}

// Refund deactivates the licenses this order originated and sends the refund
// notice. Licenses merely extended by the order (originated by an earlier
// purchase) are left alone.
func (p *Pipeline) Refund(ctx context.Context, o *order.Order) error {
	logger := logctx.FromOr(ctx, p.log).With(
		observability.F("use_case", "fulfill.refund"),
		observability.F("order_number", o.Number),
	)

	issued, err := p.licenses.ListByOrigin(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("licenses.ListByOrigin: %w", err)
	}
	for _, l := range issued {
		if !l.Active {
			continue
		}
		l.Deactivate()
		if err := p.licenses.Save(ctx, l); err != nil {
			p.step("deactivate_licenses", err)
			return fmt.Errorf("licenses.Save: %w", err)
		}
		logger.Info("license_deactivated",
			observability.F("license_id", l.ID.String()),
			observability.F("product", l.ProductName),
		)
	}
	p.step("deactivate_licenses", nil)

	if o.Fulfillment.RefundNotified {
		return nil
	}
	if err := p.notifier.SendRefundNotice(ctx, o); err != nil {
		p.step("refund_notice", err)
		logger.Error("refund_notice_failed", observability.F("error", err.Error()))
		return nil
	}
	p.step("refund_notice", nil)
	_, err = p.orders.SetFulfillment(ctx, o.ID, order.FulfillmentState{RefundNotified: true})
	return err
}

// provisionUser resolves or creates the account for the order's email.
// The purchase itself proves ownership of the address, so new accounts are
// created pre-verified with a generated temporary credential.
func (p *Pipeline) provisionUser(ctx context.Context, logger observability.Logger, o *order.Order) (*user.Account, error) {
	if o.Fulfillment.UserProvisioned && o.UserID != nil {
		account, err := p.users.GetByEmail(ctx, o.Customer.Email)
		if err != nil {
			return nil, fmt.Errorf("users.GetByEmail: %w", err)
		}
		return account, nil
	}

	account, err := p.users.GetByEmail(ctx, o.Customer.Email)
	switch {
	case err == nil:
		// Existing customer; no credential is generated.
	case errors.Is(err, user.ErrNotFound):
		account = user.New(o.Customer.Email, o.Customer.Name, id.RandomToken(tempTokenLen))
		if insertErr := p.users.Insert(ctx, account); insertErr != nil {
			if !errors.Is(insertErr, user.ErrConflict) {
				return nil, fmt.Errorf("users.Insert: %w", insertErr)
			}
			// Lost a provisioning race; use the winner's account.
			account, err = p.users.GetByEmail(ctx, o.Customer.Email)
			if err != nil {
				return nil, fmt.Errorf("users.GetByEmail: %w", err)
			}
		} else {
			logger.Info("account_provisioned", observability.F("user_id", account.ID.String()))
		}
	default:
		return nil, fmt.Errorf("users.GetByEmail: %w", err)
	}

	if err := p.orders.SetUser(ctx, o.ID, account.ID); err != nil {
		return nil, fmt.Errorf("orders.SetUser: %w", err)
	}
	if _, err := p.orders.SetFulfillment(ctx, o.ID, order.FulfillmentState{UserProvisioned: true}); err != nil {
		return nil, fmt.Errorf("orders.SetFulfillment: %w", err)
	}
	o.UserID = &account.ID
	o.Fulfillment.UserProvisioned = true
	return account, nil
}

// issueLicenses creates or extends the (user, product) license for each line
// item. Skipped wholesale when the flag says a previous run finished it.
func (p *Pipeline) issueLicenses(ctx context.Context, logger observability.Logger, o *order.Order, account *user.Account) ([]*license.License, error) {
	if o.Fulfillment.LicensesIssued {
		return p.licenses.ListByUser(ctx, account.ID)
	}

	now := time.Now().UTC()
	issued := make([]*license.License, 0, len(o.Items))

	for _, item := range o.Items {
		quota := item.DownloadQuota * item.Quantity
		updatesUntil := now.AddDate(0, 0, item.UpdateTermDays)

		l, err := p.licenses.GetByUserProduct(ctx, account.ID, item.ProductID)
		switch {
		case err == nil:
			l.Extend(quota, updatesUntil)
			logger.Info("license_extended",
				observability.F("product", item.Name),
				observability.F("quota", l.DownloadQuota),
			)
		case errors.Is(err, license.ErrNotFound):
			l = license.New(account.ID, item.ProductID, o.ID, item.Name, quota, updatesUntil)
			logger.Info("license_issued",
				observability.F("product", item.Name),
				observability.F("quota", quota),
			)
		default:
			return nil, fmt.Errorf("licenses.GetByUserProduct: %w", err)
		}

		if err := p.licenses.Save(ctx, l); err != nil {
			return nil, fmt.Errorf("licenses.Save: %w", err)
		}
		issued = append(issued, l)
	}

	if _, err := p.orders.SetFulfillment(ctx, o.ID, order.FulfillmentState{LicensesIssued: true}); err != nil {
		return nil, fmt.Errorf("orders.SetFulfillment: %w", err)
	}
	o.Fulfillment.LicensesIssued = true
	return issued, nil
}

func (p *Pipeline) clearCart(ctx context.Context, o *order.Order) error {
	if o.Fulfillment.CartCleared {
		return nil
	}
	if o.CartSession != "" {
		if err := p.carts.Clear(ctx, o.CartSession); err != nil {
			return fmt.Errorf("carts.Clear: %w", err)
		}
	}
	if _, err := p.orders.SetFulfillment(ctx, o.ID, order.FulfillmentState{CartCleared: true}); err != nil {
		return fmt.Errorf("orders.SetFulfillment: %w", err)
	}
	o.Fulfillment.CartCleared = true
	return nil
}

// notify sends the customer receipt and the admin sale notice independently.
// Failures are logged and retried out-of-band; the purchase stands.
func (p *Pipeline) notify(ctx context.Context, logger observability.Logger, o *order.Order, account *user.Account, issued []*license.License) {
	if !o.Fulfillment.CustomerNotified {
		if err := p.notifier.SendCustomerReceipt(ctx, o, account, issued); err != nil {
			p.step("notify_customer", err)
			logger.Error("customer_notification_failed", observability.F("error", err.Error()))
		} else {
			p.step("notify_customer", nil)
			if _, err := p.orders.SetFulfillment(ctx, o.ID, order.FulfillmentState{CustomerNotified: true}); err != nil {
				logger.Error("fulfillment_flag_failed", observability.F("error", err.Error()))
			} else {
				o.Fulfillment.CustomerNotified = true
			}
		}
	}

	if !o.Fulfillment.AdminNotified {
		if err := p.notifier.SendAdminSale(ctx, o); err != nil {
			p.step("notify_admin", err)
			logger.Error("admin_notification_failed", observability.F("error", err.Error()))
		} else {
			p.step("notify_admin", nil)
			if _, err := p.orders.SetFulfillment(ctx, o.ID, order.FulfillmentState{AdminNotified: true}); err != nil {
				logger.Error("fulfillment_flag_failed", observability.F("error", err.Error()))
			} else {
				o.Fulfillment.AdminNotified = true
			}
		}
	}
}

func (p *Pipeline) step(name string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	p.stepCounter.Add(1,
		observability.L("step", name),
		observability.L("outcome", outcome),
	)
}

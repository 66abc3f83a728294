package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/keymint/keymint/internal/domain/cart"
	"github.com/keymint/keymint/internal/domain/money"
	"github.com/keymint/keymint/internal/domain/order"
	"github.com/keymint/keymint/internal/domain/payment"
	"github.com/keymint/keymint/internal/domain/pricing"
	"github.com/keymint/keymint/internal/observability"
	"github.com/keymint/keymint/internal/observability/logctx"
)

const (
	checkoutService = "checkout-service"
	gatewayTimeout  = 10 * time.Second
)

var (
	ErrEmptyCart       = errors.New("checkout: cart is empty")
	ErrSessionRequired = errors.New("checkout: session id is required")
	ErrEmailRequired   = errors.New("checkout: customer email is required")
)

// NumberGenerator produces the human-legible order number.
type NumberGenerator interface {
	NewNumber() string
}

// Service turns a session cart into a pending order with a gateway session
// attached, ready for the customer to be redirected to the provider.
type Service struct {
	orders   order.Repository
	carts    cart.Store
	gateways payment.Registry
	quoters  map[string]*pricing.Quoter
	numbers  NumberGenerator
	taxRate  decimal.Decimal
	log      observability.Logger
}

func NewService(
	orders order.Repository,
	carts cart.Store,
	gateways payment.Registry,
	quoters map[string]*pricing.Quoter,
	numbers NumberGenerator,
	taxRate decimal.Decimal,
	tel observability.Observability,
) *Service {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Service{
		orders:   orders,
		carts:    carts,
		gateways: gateways,
		quoters:  quoters,
		numbers:  numbers,
		taxRate:  taxRate,
		log:      tel.Logger().With(observability.F("service", checkoutService)),
	}
}

type CheckoutInput struct {
	SessionID string
	Email     string
	Name      string
	Provider  string
}

type CheckoutResult struct {
	OrderID     uuid.UUID
	OrderNumber string
	Status      order.Status
	Charge      money.Money
	RedirectURL string
}

// Checkout snapshots the cart into a pending order and opens a provider
// session. The session ref is persisted before the redirect URL is handed
// back, so an inbound notification can always be joined to the order.
// A gateway failure leaves the order pending; it is never guessed completed.
func (s *Service) Checkout(ctx context.Context, input CheckoutInput) (*CheckoutResult, error) {
	logger := logctx.FromOr(ctx, s.log).With(
		observability.F("use_case", "checkout.create"),
		observability.F("cart_session", input.SessionID),
		observability.F("provider", input.Provider),
	)

	if input.SessionID == "" {
		return nil, ErrSessionRequired
	}
	if input.Email == "" {
		return nil, ErrEmailRequired
	}

	gw, err := s.gateways.Lookup(input.Provider)
	if err != nil {
		return nil, err
	}
	quoter, ok := s.quoters[input.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: no fee schedule for %q", payment.ErrUnknownProvider, input.Provider)
	}

	c, err := s.carts.Get(ctx, input.SessionID)
	if err != nil {
		if errors.Is(err, cart.ErrNotFound) {
			return nil, ErrEmptyCart
		}
		return nil, fmt.Errorf("carts.Get: %w", err)
	}
	if c.Empty() {
		return nil, ErrEmptyCart
	}

	items := make([]order.Item, 0, len(c.Items))
	for _, ci := range c.Items {
		items = append(items, order.Item{
			ProductID:      ci.ProductID,
			Name:           ci.Name,
			UnitPrice:      ci.UnitPrice,
			Quantity:       ci.Quantity,
			DownloadQuota:  ci.DownloadQuota,
			UpdateTermDays: ci.UpdateTermDays,
		})
	}

	o, err := order.New(
		s.numbers.NewNumber(),
		order.Customer{Email: input.Email, Name: input.Name},
		input.Provider,
		items,
	)
	if err != nil {
		return nil, fmt.Errorf("order.New: %w", err)
	}
	o.CartSession = input.SessionID

	// The order total is tax-inclusive; the charge additionally grosses up the
	// gateway's cut so the merchant nets the total.
	net, err := c.Total(s.taxRate)
	if err != nil {
		return nil, fmt.Errorf("cart.Total: %w", err)
	}
	o.Total = net

	chargeAmount, err := quoter.Charge(net.Amount)
	if err != nil {
		return nil, fmt.Errorf("quoter.Charge: %w", err)
	}
	charge := money.New(chargeAmount, net.Currency)

	if err := s.orders.Insert(ctx, o); err != nil {
		return nil, fmt.Errorf("orders.Insert: %w", err)
	}

	gwCtx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()

	session, err := gw.CreateSession(gwCtx, o, charge)
	if err != nil {
		logger.Error("gateway_session_failed",
			observability.F("order_number", o.Number),
			observability.F("error", err.Error()),
		)
		return nil, fmt.Errorf("gw.CreateSession: %w", err)
	}

	if err := s.orders.AttachSessionRef(ctx, o.ID, session.ID); err != nil {
		return nil, fmt.Errorf("orders.AttachSessionRef: %w", err)
	}

	logger.Info("checkout_created",
		observability.F("order_number", o.Number),
		observability.F("session_ref", session.ID),
		observability.F("charge", charge.String()),
	)

	return &CheckoutResult{
		OrderID:     o.ID,
		OrderNumber: o.Number,
		Status:      o.Status,
		Charge:      charge,
		RedirectURL: session.RedirectURL,
	}, nil
}

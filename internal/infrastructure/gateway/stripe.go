package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/currency"

	"github.com/keymint/keymint/internal/domain/money"
	"github.com/keymint/keymint/internal/domain/order"
	"github.com/keymint/keymint/internal/domain/payment"
	"github.com/keymint/keymint/internal/observability"
)

const (
	ProviderStripe = "stripe"

	stripeSignatureTolerance = 5 * time.Minute
)

// StripeGateway drives the hosted-checkout flow: a session is created up
// front, the payer pays on the provider's page, and the session's payment
// intent is the authoritative record afterwards.
type StripeGateway struct {
	cfg Config
	c   client
	now func() time.Time
}

func NewStripeGateway(cfg Config, httpClient *http.Client, tel observability.Observability) *StripeGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.stripe.com"
	}
	return &StripeGateway{
		cfg: cfg,
		c:   newClient(ProviderStripe, httpClient, tel),
		now: time.Now,
	}
}

func (g *StripeGateway) Provider() string { return ProviderStripe }

type stripeSession struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	ExpiresAt     int64  `json:"expires_at"`
	PaymentIntent string `json:"payment_intent"`
	PaymentStatus string `json:"payment_status"`
	ClientRefID   string `json:"client_reference_id"`
	AmountTotal   int64  `json:"amount_total"`
	Currency      string `json:"currency"`
	CustomerEmail string `json:"customer_email"`
}

type stripePaymentIntent struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Metadata     map[string]string `json:"metadata"`
	ReceiptEmail string            `json:"receipt_email"`
}

func (g *StripeGateway) CreateSession(ctx context.Context, o *order.Order, charge money.Money) (payment.Session, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", o.Number)
	form.Set("customer_email", o.Customer.Email)
	form.Set("success_url", g.cfg.ReturnURL)
	form.Set("cancel_url", g.cfg.CancelURL)
	form.Set("payment_intent_data[metadata][order_number]", o.Number)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(charge.Currency.String()))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(charge.MinorUnits(), 10))
	form.Set("line_items[0][price_data][product_data][name]", fmt.Sprintf("Order %s", o.Number))

	req, err := http.NewRequest(http.MethodPost, g.cfg.BaseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return payment.Session{}, fmt.Errorf("http.NewRequest: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	body, _, err := g.c.do(ctx, "create_session", req)
	if err != nil {
		return payment.Session{}, err
	}

	var s stripeSession
	if err := json.Unmarshal(body, &s); err != nil {
		return payment.Session{}, fmt.Errorf("json.Unmarshal: %w", err)
	}

	return payment.Session{
		Provider:    ProviderStripe,
		ID:          s.ID,
		RedirectURL: s.URL,
		ExpiresAt:   time.Unix(s.ExpiresAt, 0).UTC(),
	}, nil
}

// Capture re-reads the checkout session. Stripe settles hosted-checkout
// payments itself, so there is no capture call to make; the current session
// state is the answer.
func (g *StripeGateway) Capture(ctx context.Context, sessionRef string, _ payment.PayerContext) (payment.Snapshot, error) {
	req, err := http.NewRequest(http.MethodGet, g.cfg.BaseURL+"/v1/checkout/sessions/"+url.PathEscape(sessionRef), nil)
	if err != nil {
		return payment.Snapshot{}, fmt.Errorf("http.NewRequest: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	body, status, err := g.c.do(ctx, "get_session", req)
	if err != nil {
		if status == http.StatusNotFound {
			return payment.Snapshot{}, payment.ErrPaymentNotFound
		}
		return payment.Snapshot{}, err
	}

	var s stripeSession
	if err := json.Unmarshal(body, &s); err != nil {
		return payment.Snapshot{}, fmt.Errorf("json.Unmarshal: %w", err)
	}

	snap := payment.Snapshot{
		Provider:          ProviderStripe,
		ProviderPaymentID: s.PaymentIntent,
		Status:            stripeStatus(s.PaymentStatus),
		RawStatus:         s.PaymentStatus,
		Amount:            money.FromMinorUnits(s.AmountTotal, parseCurrency(s.Currency)).Amount,
		Currency:          strings.ToUpper(s.Currency),
		PayerEmail:        s.CustomerEmail,
		Raw:               map[string]string{"session_id": s.ID},
	}
	if s.ClientRefID != "" {
		snap.Raw["order_number"] = s.ClientRefID
	}
	return snap, nil
}

func (g *StripeGateway) FetchPayment(ctx context.Context, paymentRef string) (payment.Snapshot, error) {
	req, err := http.NewRequest(http.MethodGet, g.cfg.BaseURL+"/v1/payment_intents/"+url.PathEscape(paymentRef), nil)
	if err != nil {
		return payment.Snapshot{}, fmt.Errorf("http.NewRequest: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	body, status, err := g.c.do(ctx, "fetch_payment", req)
	if err != nil {
		if status == http.StatusNotFound {
			return payment.Snapshot{}, payment.ErrPaymentNotFound
		}
		return payment.Snapshot{}, err
	}

	var pi stripePaymentIntent
	if err := json.Unmarshal(body, &pi); err != nil {
		return payment.Snapshot{}, fmt.Errorf("json.Unmarshal: %w", err)
	}

	snap := payment.Snapshot{
		Provider:          ProviderStripe,
		ProviderPaymentID: pi.ID,
		Status:            stripeStatus(pi.Status),
		RawStatus:         pi.Status,
		Amount:            money.FromMinorUnits(pi.Amount, parseCurrency(pi.Currency)).Amount,
		Currency:          strings.ToUpper(pi.Currency),
		PayerEmail:        pi.ReceiptEmail,
		Raw:               map[string]string{},
	}
	if number, ok := pi.Metadata["order_number"]; ok {
		snap.Raw["order_number"] = number
	}
	return snap, nil
}

// VerifySignature checks the Stripe-Signature header: "t=<unix>,v1=<hex>"
// where v1 is the HMAC-SHA256 of "<t>.<body>". Stale timestamps are rejected
// to blunt replays.
func (g *StripeGateway) VerifySignature(payload []byte, signatureHeader string) bool {
	parts := parseSignatureHeader(signatureHeader)
	ts, v1 := parts["t"], parts["v1"]
	if ts == "" || v1 == "" {
		return false
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	age := g.now().Sub(time.Unix(unix, 0))
	if age > stripeSignatureTolerance || age < -stripeSignatureTolerance {
		return false
	}

	signed := fmt.Sprintf("%s.%s", ts, payload)
	return signaturesEqual(hmacHex(g.cfg.WebhookSecret, []byte(signed)), v1)
}

func stripeStatus(raw string) payment.Status {
	switch raw {
	case "succeeded", "paid":
		return payment.StatusApproved
	case "canceled", "expired":
		return payment.StatusCanceled
	case "payment_failed":
		return payment.StatusRejected
	default:
		// processing, requires_payment_method, requires_action, unpaid, ...
		return payment.StatusPending
	}
}

func parseCurrency(code string) currency.Unit {
	unit, err := currency.ParseISO(strings.ToUpper(code))
	if err != nil {
		return currency.USD
	}
	return unit
}

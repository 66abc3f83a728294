package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/keymint/keymint/internal/domain/money"
	"github.com/keymint/keymint/internal/domain/order"
	"github.com/keymint/keymint/internal/domain/payment"
	"github.com/keymint/keymint/internal/observability"
)

const (
	ProviderPaypal = "paypal"

	// Tokens are refreshed this long before the provider's stated expiry.
	paypalTokenSlack = 60 * time.Second
)

// PaypalGateway drives the approve-then-capture flow: the order is created,
// the payer approves it in their wallet, and the capture call is what actually
// moves money. Capture here is therefore a real state change, not a read.
type PaypalGateway struct {
	cfg Config
	c   client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewPaypalGateway(cfg Config, httpClient *http.Client, tel observability.Observability) *PaypalGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api-m.paypal.com"
	}
	return &PaypalGateway{
		cfg: cfg,
		c:   newClient(ProviderPaypal, httpClient, tel),
	}
}

func (g *PaypalGateway) Provider() string { return ProviderPaypal }

type paypalOrder struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
	PurchaseUnits []struct {
		ReferenceID string `json:"reference_id"`
		Amount      struct {
			CurrencyCode string `json:"currency_code"`
			Value        string `json:"value"`
		} `json:"amount"`
		Payments struct {
			Captures []struct {
				ID                        string `json:"id"`
				Status                    string `json:"status"`
				SellerReceivableBreakdown struct {
					PaypalFee struct {
						Value string `json:"value"`
					} `json:"paypal_fee"`
				} `json:"seller_receivable_breakdown"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
	Payer struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
}

func (g *PaypalGateway) CreateSession(ctx context.Context, o *order.Order, charge money.Money) (payment.Session, error) {
	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": o.Number,
			"amount": map[string]string{
				"currency_code": charge.Currency.String(),
				"value":         charge.Amount.StringFixed(2),
			},
		}},
		"application_context": map[string]string{
			"return_url": g.cfg.ReturnURL,
			"cancel_url": g.cfg.CancelURL,
		},
	}

	body, err := g.postJSON(ctx, "create_session", "/v2/checkout/orders", payload)
	if err != nil {
		return payment.Session{}, err
	}

	var po paypalOrder
	if err := json.Unmarshal(body, &po); err != nil {
		return payment.Session{}, fmt.Errorf("json.Unmarshal: %w", err)
	}

	session := payment.Session{Provider: ProviderPaypal, ID: po.ID}
	for _, link := range po.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			session.RedirectURL = link.Href
			break
		}
	}
	return session, nil
}

// Capture confirms an approved order. A 422 ORDER_ALREADY_CAPTURED answer is
// treated as success: someone else captured first, the money moved.
func (g *PaypalGateway) Capture(ctx context.Context, sessionRef string, _ payment.PayerContext) (payment.Snapshot, error) {
	body, err := g.postJSON(ctx, "capture", "/v2/checkout/orders/"+url.PathEscape(sessionRef)+"/capture", nil)
	if err != nil {
		if isAlreadyCaptured(err) {
			return g.FetchPayment(ctx, sessionRef)
		}
		return payment.Snapshot{}, err
	}
	return g.snapshot(body)
}

func (g *PaypalGateway) FetchPayment(ctx context.Context, paymentRef string) (payment.Snapshot, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return payment.Snapshot{}, err
	}

	req, err := http.NewRequest(http.MethodGet, g.cfg.BaseURL+"/v2/checkout/orders/"+url.PathEscape(paymentRef), nil)
	if err != nil {
		return payment.Snapshot{}, fmt.Errorf("http.NewRequest: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	body, status, err := g.c.do(ctx, "fetch_payment", req)
	if err != nil {
		if status == http.StatusNotFound {
			return payment.Snapshot{}, payment.ErrPaymentNotFound
		}
		return payment.Snapshot{}, err
	}
	return g.snapshot(body)
}

// VerifySignature checks the Paypal-Transmission-Sig header: a base64
// HMAC-SHA256 of the raw body under the webhook secret.
func (g *PaypalGateway) VerifySignature(payload []byte, signatureHeader string) bool {
	if signatureHeader == "" {
		return false
	}
	return signaturesEqual(hmacBase64(g.cfg.WebhookSecret, payload), signatureHeader)
}

func (g *PaypalGateway) snapshot(body []byte) (payment.Snapshot, error) {
	var po paypalOrder
	if err := json.Unmarshal(body, &po); err != nil {
		return payment.Snapshot{}, fmt.Errorf("json.Unmarshal: %w", err)
	}

	snap := payment.Snapshot{
		Provider:          ProviderPaypal,
		ProviderPaymentID: po.ID,
		Status:            paypalStatus(po.Status),
		RawStatus:         po.Status,
		PayerEmail:        po.Payer.EmailAddress,
		Raw:               map[string]string{},
	}
	if len(po.PurchaseUnits) > 0 {
		unit := po.PurchaseUnits[0]
		if unit.ReferenceID != "" {
			snap.Raw["order_number"] = unit.ReferenceID
		}
		if amount, err := decimal.NewFromString(unit.Amount.Value); err == nil {
			snap.Amount = amount
		}
		snap.Currency = unit.Amount.CurrencyCode
		if len(unit.Payments.Captures) > 0 {
			capture := unit.Payments.Captures[0]
			snap.Raw["capture_id"] = capture.ID
			if fee, err := decimal.NewFromString(capture.SellerReceivableBreakdown.PaypalFee.Value); err == nil {
				snap.Fee = fee
			}
		}
	}
	return snap, nil
}

func (g *PaypalGateway) postJSON(ctx context.Context, op, path string, payload any) ([]byte, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var reader *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("json.Marshal: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(http.MethodPost, g.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("http.NewRequest: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	body, _, err := g.c.do(ctx, op, req)
	return body, err
}

// accessToken exchanges the client credentials for a bearer token, cached
// until shortly before expiry.
func (g *PaypalGateway) accessToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token != "" && time.Now().Before(g.tokenExpiry) {
		return g.token, nil
	}

	req, err := http.NewRequest(http.MethodPost, g.cfg.BaseURL+"/v1/oauth2/token",
		strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", fmt.Errorf("http.NewRequest: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(g.cfg.APIKey, g.cfg.APISecret)

	body, _, err := g.c.do(ctx, "oauth_token", req)
	if err != nil {
		return "", err
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("json.Unmarshal: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("paypal oauth: empty access token")
	}

	g.token = tok.AccessToken
	g.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - paypalTokenSlack)
	return g.token, nil
}

func isAlreadyCaptured(err error) bool {
	var gerr *payment.GatewayError
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.StatusCode == http.StatusUnprocessableEntity &&
		strings.Contains(gerr.Message, "ORDER_ALREADY_CAPTURED")
}

func paypalStatus(raw string) payment.Status {
	switch raw {
	case "COMPLETED", "APPROVED":
		return payment.StatusApproved
	case "VOIDED":
		return payment.StatusCanceled
	case "DECLINED":
		return payment.StatusRejected
	default:
		// CREATED, SAVED, PAYER_ACTION_REQUIRED, ...
		return payment.StatusPending
	}
}

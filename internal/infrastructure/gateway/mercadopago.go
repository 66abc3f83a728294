package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/keymint/keymint/internal/domain/money"
	"github.com/keymint/keymint/internal/domain/order"
	"github.com/keymint/keymint/internal/domain/payment"
	"github.com/keymint/keymint/internal/observability"
)

const ProviderMercadopago = "mercadopago"

// MercadopagoGateway drives the preference flow: a checkout preference is
// created, the payer pays on the provider's page, and webhook notifications
// carry only a payment id that must be fetched back for the real state.
type MercadopagoGateway struct {
	cfg Config
	c   client
}

func NewMercadopagoGateway(cfg Config, httpClient *http.Client, tel observability.Observability) *MercadopagoGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.mercadopago.com"
	}
	return &MercadopagoGateway{
		cfg: cfg,
		c:   newClient(ProviderMercadopago, httpClient, tel),
	}
}

func (g *MercadopagoGateway) Provider() string { return ProviderMercadopago }

type mpPreference struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

type mpPayment struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	StatusDetail      string      `json:"status_detail"`
	ExternalReference string      `json:"external_reference"`
	TransactionAmount json.Number `json:"transaction_amount"`
	CurrencyID        string      `json:"currency_id"`
	FeeDetails        []struct {
		Amount json.Number `json:"amount"`
	} `json:"fee_details"`
	Payer struct {
		Email string `json:"email"`
	} `json:"payer"`
}

func (g *MercadopagoGateway) CreateSession(ctx context.Context, o *order.Order, charge money.Money) (payment.Session, error) {
	payload := map[string]any{
		"external_reference": o.Number,
		"items": []map[string]any{{
			"title":       fmt.Sprintf("Order %s", o.Number),
			"quantity":    1,
			"unit_price":  json.Number(charge.Amount.String()),
			"currency_id": charge.Currency.String(),
		}},
		"back_urls": map[string]string{
			"success": g.cfg.ReturnURL,
			"pending": g.cfg.ReturnURL,
			"failure": g.cfg.CancelURL,
		},
		"auto_return": "approved",
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return payment.Session{}, fmt.Errorf("json.Marshal: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, g.cfg.BaseURL+"/checkout/preferences", bytes.NewReader(raw))
	if err != nil {
		return payment.Session{}, fmt.Errorf("http.NewRequest: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	body, _, err := g.c.do(ctx, "create_session", req)
	if err != nil {
		return payment.Session{}, err
	}

	var pref mpPreference
	if err := json.Unmarshal(body, &pref); err != nil {
		return payment.Session{}, fmt.Errorf("json.Unmarshal: %w", err)
	}

	return payment.Session{
		Provider:    ProviderMercadopago,
		ID:          pref.ID,
		RedirectURL: pref.InitPoint,
		ExpiresAt:   time.Now().Add(24 * time.Hour).UTC(),
	}, nil
}

// Capture is a read: mercadopago settles card payments itself, there is no
// merchant-side capture step in the preference flow.
func (g *MercadopagoGateway) Capture(ctx context.Context, sessionRef string, payer payment.PayerContext) (payment.Snapshot, error) {
	ref := payer.PayerID
	if ref == "" {
		ref = sessionRef
	}
	return g.FetchPayment(ctx, ref)
}

func (g *MercadopagoGateway) FetchPayment(ctx context.Context, paymentRef string) (payment.Snapshot, error) {
	req, err := http.NewRequest(http.MethodGet, g.cfg.BaseURL+"/v1/payments/"+url.PathEscape(paymentRef), nil)
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

	var p mpPayment
	if err := json.Unmarshal(body, &p); err != nil {
		return payment.Snapshot{}, fmt.Errorf("json.Unmarshal: %w", err)
	}

	snap := payment.Snapshot{
		Provider:          ProviderMercadopago,
		ProviderPaymentID: p.ID.String(),
		Status:            mercadopagoStatus(p.Status),
		RawStatus:         p.Status,
		Currency:          p.CurrencyID,
		PayerEmail:        p.Payer.Email,
		Raw:               map[string]string{"status_detail": p.StatusDetail},
	}
	if p.ExternalReference != "" {
		snap.Raw["order_number"] = p.ExternalReference
	}
	if amount, err := decimal.NewFromString(p.TransactionAmount.String()); err == nil {
		snap.Amount = amount
	}
	fee := decimal.Zero
	for _, fd := range p.FeeDetails {
		if amount, err := decimal.NewFromString(fd.Amount.String()); err == nil {
			fee = fee.Add(amount)
		}
	}
	snap.Fee = fee
	return snap, nil
}

// VerifySignature checks the X-Signature header: "ts=<unix>,v1=<hex>" where v1
// is the HMAC-SHA256 of "id:<data.id>;ts:<ts>;". The notification's data.id is
// carried alongside the body by the webhook handler.
func (g *MercadopagoGateway) VerifySignature(payload []byte, signatureHeader string) bool {
	parts := parseSignatureHeader(signatureHeader)
	ts, v1 := parts["ts"], parts["v1"]
	if ts == "" || v1 == "" {
		return false
	}

	var note struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &note); err != nil || note.Data.ID == "" {
		return false
	}

	manifest := fmt.Sprintf("id:%s;ts:%s;", note.Data.ID, ts)
	return signaturesEqual(hmacHex(g.cfg.WebhookSecret, []byte(manifest)), v1)
}

func mercadopagoStatus(raw string) payment.Status {
	switch raw {
	case "approved":
		return payment.StatusApproved
	case "rejected":
		return payment.StatusRejected
	case "cancelled", "refunded", "charged_back":
		return payment.StatusCanceled
	default:
		// pending, in_process, authorized, ...
		return payment.StatusPending
	}
}

package httppresentation

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/keymint/keymint/internal/application/reconcile"
	"github.com/keymint/keymint/internal/domain/order"
	"github.com/keymint/keymint/internal/domain/payment"
	"github.com/keymint/keymint/internal/infrastructure/gateway"
	"github.com/keymint/keymint/internal/observability"
	"github.com/keymint/keymint/internal/observability/logctx"
)

const maxWebhookBody = 1 << 20

// handleReturn converts the browser redirect into an unverified event and
// redirects the customer to the page matching the order's stored status.
// Whatever the query string claims, the shown status comes from the ledger.
func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	logger := logctx.FromOr(r.Context(), h.log).With(observability.F("provider", provider))

	if _, err := h.gateways.Lookup(provider); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	ev, ok := returnEvent(provider, r.URL.Query())
	if !ok {
		logger.Warn("return_missing_references", observability.F("query", r.URL.RawQuery))
		http.Redirect(w, r, h.failureURL, http.StatusSeeOther)
		return
	}

	out, err := h.engine.Process(r.Context(), ev)
	if err != nil {
		if errors.Is(err, reconcile.ErrUnresolvable) {
			http.Redirect(w, r, h.failureURL, http.StatusSeeOther)
			return
		}
		// Gateway unreachable or ledger error: the order stays pending and the
		// webhook channel finishes the job.
		logger.Error("return_processing_failed", observability.F("error", err.Error()))
		http.Redirect(w, r, h.pendingURL, http.StatusSeeOther)
		return
	}

	switch out.Status {
	case order.StatusCompleted:
		http.Redirect(w, r, h.successURL+"?order="+url.QueryEscape(out.OrderNumber), http.StatusSeeOther)
	case order.StatusPending:
		http.Redirect(w, r, h.pendingURL+"?order="+url.QueryEscape(out.OrderNumber), http.StatusSeeOther)
	default:
		http.Redirect(w, r, h.failureURL+"?order="+url.QueryEscape(out.OrderNumber), http.StatusSeeOther)
	}
}

// handleWebhook validates the signature against the raw body, normalizes the
// payload, and feeds the engine. Replays and duplicates come back 200 so the
// provider stops retrying; only internal failures return 5xx.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	logger := logctx.FromOr(r.Context(), h.log).With(observability.F("provider", provider))

	gw, err := h.gateways.Lookup(provider)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if !gw.VerifySignature(body, signatureHeader(provider, r)) {
		logger.Warn("webhook_signature_rejected")
		writeError(w, http.StatusBadRequest, errors.New("invalid signature"))
		return
	}

	ev, ok, err := h.webhookEvent(r, provider, gw, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !ok {
		// Authentic but irrelevant event type; acknowledge and drop.
		w.WriteHeader(http.StatusOK)
		return
	}

	out, err := h.engine.Process(r.Context(), ev)
	if err != nil {
		if errors.Is(err, reconcile.ErrUnresolvable) {
			// Not ours; a retry will not change that.
			logger.Warn("webhook_unresolvable")
			w.WriteHeader(http.StatusOK)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"order":  out.OrderNumber,
		"status": string(out.Status),
	})
}

func signatureHeader(provider string, r *http.Request) string {
	switch provider {
	case gateway.ProviderStripe:
		return r.Header.Get("Stripe-Signature")
	case gateway.ProviderPaypal:
		return r.Header.Get("Paypal-Transmission-Sig")
	case gateway.ProviderMercadopago:
		return r.Header.Get("X-Signature")
	default:
		return ""
	}
}

// returnEvent maps each provider's redirect query parameters onto the common
// event shape. Return hints are never verified; the engine re-checks any
// approved claim with the gateway of record.
func returnEvent(provider string, q url.Values) (reconcile.Event, bool) {
	ev := reconcile.Event{
		Provider: provider,
		Source:   reconcile.SourceReturn,
		Status:   payment.StatusApproved,
	}

	switch provider {
	case gateway.ProviderStripe:
		ev.SessionRef = q.Get("session_id")
		if q.Get("canceled") == "true" {
			ev.Status = payment.StatusCanceled
			ev.RawStatus = "canceled"
		}
		return ev, ev.SessionRef != ""

	case gateway.ProviderPaypal:
		ev.SessionRef = q.Get("token")
		ev.Payer.PayerID = q.Get("PayerID")
		return ev, ev.SessionRef != ""

	case gateway.ProviderMercadopago:
		ev.OrderNumber = q.Get("external_reference")
		ev.SessionRef = q.Get("preference_id")
		ev.PaymentRef = q.Get("collection_id")
		if ev.PaymentRef == "" {
			ev.PaymentRef = q.Get("payment_id")
		}
		// Capture-if-needed resolves the payment id, not the preference.
		ev.Payer.PayerID = ev.PaymentRef
		if raw := q.Get("collection_status"); raw != "" {
			ev.RawStatus = raw
			ev.Status = mercadopagoReturnStatus(raw)
		}
		return ev, ev.OrderNumber != "" || ev.SessionRef != "" || ev.PaymentRef != ""

	default:
		return ev, false
	}
}

func (h *Handler) webhookEvent(r *http.Request, provider string, gw payment.Gateway, body []byte) (reconcile.Event, bool, error) {
	switch provider {
	case gateway.ProviderStripe:
		return stripeWebhookEvent(body)
	case gateway.ProviderPaypal:
		return paypalWebhookEvent(body)
	case gateway.ProviderMercadopago:
		return h.mercadopagoWebhookEvent(r, gw, body)
	default:
		return reconcile.Event{}, false, errors.New("unknown provider")
	}
}

func stripeWebhookEvent(body []byte) (reconcile.Event, bool, error) {
	var envelope struct {
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID               string `json:"id"`
				PaymentIntent    string `json:"payment_intent"`
				ClientRefID      string `json:"client_reference_id"`
				PaymentStatus    string `json:"payment_status"`
				CustomerEmail    string `json:"customer_email"`
				LastPaymentError struct {
					Message string `json:"message"`
				} `json:"last_payment_error"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return reconcile.Event{}, false, err
	}

	ev := reconcile.Event{
		Provider:    gateway.ProviderStripe,
		Source:      reconcile.SourceWebhook,
		Verified:    true,
		OrderNumber: envelope.Data.Object.ClientRefID,
	}
	ev.Payer.Email = envelope.Data.Object.CustomerEmail

	switch envelope.Type {
	case "checkout.session.completed":
		ev.SessionRef = envelope.Data.Object.ID
		ev.PaymentRef = envelope.Data.Object.PaymentIntent
		ev.RawStatus = envelope.Data.Object.PaymentStatus
		if envelope.Data.Object.PaymentStatus == "unpaid" {
			ev.Status = payment.StatusPending
		} else {
			ev.Status = payment.StatusApproved
		}
	case "checkout.session.expired":
		ev.SessionRef = envelope.Data.Object.ID
		ev.Status = payment.StatusCanceled
		ev.RawStatus = "expired"
	case "payment_intent.payment_failed":
		ev.PaymentRef = envelope.Data.Object.ID
		ev.Status = payment.StatusRejected
		ev.RawStatus = "payment_failed"
		ev.Reason = envelope.Data.Object.LastPaymentError.Message
	default:
		return reconcile.Event{}, false, nil
	}
	return ev, true, nil
}

func paypalWebhookEvent(body []byte) (reconcile.Event, bool, error) {
	var envelope struct {
		EventType string `json:"event_type"`
		Resource  struct {
			ID                string `json:"id"`
			Status            string `json:"status"`
			SupplementaryData struct {
				RelatedIDs struct {
					OrderID string `json:"order_id"`
				} `json:"related_ids"`
			} `json:"supplementary_data"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return reconcile.Event{}, false, err
	}

	ev := reconcile.Event{
		Provider:  gateway.ProviderPaypal,
		Source:    reconcile.SourceWebhook,
		Verified:  true,
		RawStatus: envelope.Resource.Status,
	}

	switch envelope.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		// Approval is not settlement yet: route through the engine as an
		// approved hint with Verified=false so Capture runs.
		ev.Verified = false
		ev.SessionRef = envelope.Resource.ID
		ev.Status = payment.StatusApproved
	case "PAYMENT.CAPTURE.COMPLETED":
		ev.SessionRef = envelope.Resource.SupplementaryData.RelatedIDs.OrderID
		ev.PaymentRef = envelope.Resource.SupplementaryData.RelatedIDs.OrderID
		ev.Status = payment.StatusApproved
	case "PAYMENT.CAPTURE.DENIED":
		ev.SessionRef = envelope.Resource.SupplementaryData.RelatedIDs.OrderID
		ev.Status = payment.StatusRejected
		ev.Reason = envelope.Resource.Status
	case "CHECKOUT.ORDER.VOIDED":
		ev.SessionRef = envelope.Resource.ID
		ev.Status = payment.StatusCanceled
	default:
		return reconcile.Event{}, false, nil
	}
	return ev, true, nil
}

// mercadopagoWebhookEvent resolves the thin notification ping into a full
// event by fetching the payment it points at. The fetch is part of
// normalization; the resulting event is authoritative.
func (h *Handler) mercadopagoWebhookEvent(r *http.Request, gw payment.Gateway, body []byte) (reconcile.Event, bool, error) {
	var note struct {
		Type   string `json:"type"`
		Action string `json:"action"`
		Data   struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &note); err != nil {
		return reconcile.Event{}, false, err
	}
	if note.Type != "payment" || note.Data.ID == "" {
		return reconcile.Event{}, false, nil
	}

	snapshot, err := gw.FetchPayment(r.Context(), note.Data.ID)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			return reconcile.Event{}, false, nil
		}
		return reconcile.Event{}, false, err
	}

	ev := reconcile.Event{
		Provider:    gateway.ProviderMercadopago,
		Source:      reconcile.SourceWebhook,
		Verified:    true,
		OrderNumber: snapshot.Raw["order_number"],
		PaymentRef:  snapshot.ProviderPaymentID,
		Status:      snapshot.Status,
		RawStatus:   snapshot.RawStatus,
		Detail:      snapshot.Raw,
	}
	ev.Payer.Email = snapshot.PayerEmail
	return ev, true, nil
}

func mercadopagoReturnStatus(raw string) payment.Status {
	switch raw {
	case "approved":
		return payment.StatusApproved
	case "rejected":
		return payment.StatusRejected
	case "cancelled":
		return payment.StatusCanceled
	default:
		return payment.StatusPending
	}
}

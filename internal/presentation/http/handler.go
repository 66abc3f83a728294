// Package httppresentation exposes the storefront API: cart management,
// checkout, the two payment notification channels, and order lookup.
package httppresentation

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/keymint/keymint/internal/application/checkout"
	"github.com/keymint/keymint/internal/application/reconcile"
	"github.com/keymint/keymint/internal/domain/cart"
	"github.com/keymint/keymint/internal/domain/money"
	"github.com/keymint/keymint/internal/domain/order"
	"github.com/keymint/keymint/internal/domain/payment"
	"github.com/keymint/keymint/internal/observability"
)

type Handler struct {
	checkout *checkout.Service
	engine   *reconcile.Engine
	orders   order.Repository
	carts    cart.Store
	gateways payment.Registry

	successURL string
	pendingURL string
	failureURL string

	log observability.Logger
}

type Options struct {
	SuccessURL string
	PendingURL string
	FailureURL string
}

func NewHandler(
	checkoutSvc *checkout.Service,
	engine *reconcile.Engine,
	orders order.Repository,
	carts cart.Store,
	gateways payment.Registry,
	opts Options,
	tel observability.Observability,
) *Handler {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Handler{
		checkout:   checkoutSvc,
		engine:     engine,
		orders:     orders,
		carts:      carts,
		gateways:   gateways,
		successURL: opts.SuccessURL,
		pendingURL: opts.PendingURL,
		failureURL: opts.FailureURL,
		log:        tel.Logger().With(observability.F("component", "http_handler")),
	}
}

func (h *Handler) Router(tel observability.Observability) http.Handler {
	r := chi.NewRouter()
	r.Use(withObservability(tel))

	r.Get("/health", h.handleHealth)

	r.Route("/cart/{session}", func(r chi.Router) {
		r.Get("/", h.handleGetCart)
		r.Put("/items", h.handlePutCartItem)
		r.Delete("/", h.handleClearCart)
	})

	r.Post("/checkout", h.handleCheckout)
	r.Get("/payments/{provider}/return", h.handleReturn)
	r.Post("/webhooks/{provider}", h.handleWebhook)
	r.Get("/orders/{number}", h.handleGetOrder)
	r.Post("/admin/orders/{number}/refund", h.handleRefund)

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type cartItemRequest struct {
	ProductID      uuid.UUID `json:"product_id"`
	Name           string    `json:"name"`
	UnitPrice      string    `json:"unit_price"`
	Currency       string    `json:"currency"`
	Quantity       int       `json:"quantity"`
	DownloadQuota  int       `json:"download_quota"`
	UpdateTermDays int       `json:"update_term_days"`
}

type cartResponse struct {
	SessionID string             `json:"session_id"`
	Items     []cartItemResponse `json:"items"`
	Subtotal  string             `json:"subtotal"`
}

type cartItemResponse struct {
	ProductID uuid.UUID `json:"product_id"`
	Name      string    `json:"name"`
	UnitPrice string    `json:"unit_price"`
	Currency  string    `json:"currency"`
	Quantity  int       `json:"quantity"`
}

func (h *Handler) handleGetCart(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")

	c, err := h.carts.Get(r.Context(), session)
	if err != nil {
		if errors.Is(err, cart.ErrNotFound) {
			c = cart.Cart{SessionID: session}
		} else {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeCart(w, c)
}

// handlePutCartItem adds or replaces one line item in the session cart.
func (h *Handler) handlePutCartItem(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")

	var req cartItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, order.ErrInvalidQuantity)
		return
	}

	price, err := money.Parse(req.UnitPrice, req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	c, err := h.carts.Get(r.Context(), session)
	if err != nil {
		if !errors.Is(err, cart.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		c = cart.Cart{SessionID: session}
	}

	item := cart.Item{
		ProductID:      req.ProductID,
		Name:           req.Name,
		UnitPrice:      price,
		Quantity:       req.Quantity,
		DownloadQuota:  req.DownloadQuota,
		UpdateTermDays: req.UpdateTermDays,
	}
	replaced := false
	for i := range c.Items {
		if c.Items[i].ProductID == item.ProductID {
			c.Items[i] = item
			replaced = true
			break
		}
	}
	if !replaced {
		c.Items = append(c.Items, item)
	}

	if err := h.carts.Save(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeCart(w, c)
}

func (h *Handler) handleClearCart(w http.ResponseWriter, r *http.Request) {
	if err := h.carts.Clear(r.Context(), chi.URLParam(r, "session")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkoutRequest struct {
	SessionID string `json:"session_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
}

type checkoutResponse struct {
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`
	Charge      string `json:"charge"`
	Currency    string `json:"currency"`
	RedirectURL string `json:"redirect_url"`
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.checkout.Checkout(r.Context(), checkout.CheckoutInput{
		SessionID: req.SessionID,
		Email:     req.Email,
		Name:      req.Name,
		Provider:  req.Provider,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, checkoutResponse{
		OrderNumber: res.OrderNumber,
		Status:      string(res.Status),
		Charge:      res.Charge.Amount.StringFixed(2),
		Currency:    res.Charge.Currency.String(),
		RedirectURL: res.RedirectURL,
	})
}

type orderResponse struct {
	Number    string `json:"number"`
	Status    string `json:"status"`
	Total     string `json:"total"`
	Currency  string `json:"currency"`
	Gateway   string `json:"gateway"`
	CreatedAt string `json:"created_at"`
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetByNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{
		Number:    o.Number,
		Status:    string(o.Status),
		Total:     o.Total.Amount.StringFixed(2),
		Currency:  o.Total.Currency.String(),
		Gateway:   o.Gateway,
		CreatedAt: o.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

type refundRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	out, err := h.engine.Refund(r.Context(), chi.URLParam(r, "number"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"number": out.OrderNumber,
		"status": string(out.Status),
	})
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeCart(w http.ResponseWriter, c cart.Cart) {
	resp := cartResponse{
		SessionID: c.SessionID,
		Items: lo.Map(c.Items, func(item cart.Item, _ int) cartItemResponse {
			return cartItemResponse{
				ProductID: item.ProductID,
				Name:      item.Name,
				UnitPrice: item.UnitPrice.Amount.StringFixed(2),
				Currency:  item.UnitPrice.Currency.String(),
				Quantity:  item.Quantity,
			}
		}),
	}
	if subtotal, err := c.Subtotal(); err == nil && !c.Empty() {
		resp.Subtotal = subtotal.Amount.StringFixed(2)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, checkout.ErrEmptyCart),
		errors.Is(err, checkout.ErrSessionRequired),
		errors.Is(err, checkout.ErrEmailRequired),
		errors.Is(err, payment.ErrUnknownProvider),
		errors.Is(err, order.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, order.ErrIllegalTransition):
		writeError(w, http.StatusConflict, err)
	case payment.IsGatewayError(err):
		writeError(w, http.StatusBadGateway, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

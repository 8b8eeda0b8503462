package payment

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/plutov/paypal/v4"
	"github.com/shopspring/decimal"

	"github.com/nhatpham/payment-service/internal"
	"github.com/nhatpham/payment-service/internal/core/common/validation"
	"github.com/nhatpham/payment-service/internal/signature"
	"github.com/nhatpham/payment-service/internal/transport"
)

// PayPalAPI is the slice of the PayPal adapter driven by the hosted checkout
// page: it creates and captures the provider-side order directly.
type PayPalAPI interface {
	CreateOrder(ctx context.Context, orderID string, amount decimal.Decimal, currency string) (*paypal.Order, error)
	CaptureOrder(ctx context.Context, paypalOrderID string) (*paypal.CaptureOrderResponse, error)
}

type Handler struct {
	transport.BaseHandler
	PaymentService ServiceAPI
	PayPal         PayPalAPI
	Logger         *slog.Logger
}

func NewHandler(paymentService ServiceAPI, paypalAPI PayPalAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler:    *transport.NewBaseHandler(logger),
		PaymentService: paymentService,
		PayPal:         paypalAPI,
		Logger:         logger,
	}
}

// CreatePayment handles POST /api/payments. The raw body is read before
// decoding: the payload hash for the idempotency ledger must cover the exact
// bytes the caller signed.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.Logger.Error("CreatePayment: failed to read request body", "error", err)
		h.HandleError(w, internal.NewValidationError("invalid request body", internal.ErrCodeValidationFailed))
		return
	}

	var req CreatePaymentRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		h.Logger.Error("CreatePayment: failed to parse request body", "error", err)
		h.HandleError(w, internal.NewValidationError("invalid request body", internal.ErrCodeValidationFailed))
		return
	}

	headerKey := r.Header.Get("X-Idempotency-Key")
	if headerKey != "" {
		if err := validation.ValidateIdempotencyKey(headerKey); err != nil {
			h.Logger.Warn("CreatePayment: malformed idempotency key header")
			h.HandleServiceError(w, err)
			return
		}
	}

	resp, err := h.PaymentService.CreatePayment(r.Context(), &req, rawBody, r.Header.Get(signature.Header), headerKey)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, resp)
}

// GetStatus handles GET /api/payments/{id}/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	paymentKey := chi.URLParam(r, "id")
	resp, err := h.PaymentService.GetStatus(paymentKey)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, resp)
}

// Cancel handles POST /api/payments/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	paymentKey := chi.URLParam(r, "id")

	var req CancelPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("Cancel: failed to parse request body", "error", err)
		h.HandleError(w, internal.NewValidationError("invalid request body", internal.ErrCodeValidationFailed))
		return
	}

	if err := h.PaymentService.Cancel(r.Context(), paymentKey, &req, r.Header.Get(signature.Header)); err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"payment_id": paymentKey,
		"status":     "cancelled",
	})
}

// UpdateStatus handles POST /api/payments/{id}/status-update
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	paymentKey := chi.URLParam(r, "id")

	var req StatusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("UpdateStatus: failed to parse request body", "error", err)
		h.HandleError(w, internal.NewValidationError("invalid request body", internal.ErrCodeValidationFailed))
		return
	}

	if err := h.PaymentService.UpdateStatusFromUpstream(r.Context(), paymentKey, &req); err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// History handles GET /api/payments/{id}/history
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	paymentKey := chi.URLParam(r, "id")
	events, err := h.PaymentService.History(paymentKey, r.URL.Query().Get("event_type"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// HandleWebhook handles POST /api/payments/webhooks/{gateway}. Gateways
// expect 200 even when nothing matches; only a bad signature is rejected.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	gatewayName := chi.URLParam(r, "gateway")

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.Logger.Error("HandleWebhook: failed to read request body", "error", err, "gateway", gatewayName)
		h.HandleError(w, internal.NewValidationError("invalid request body", internal.ErrCodeValidationFailed))
		return
	}

	sig := r.Header.Get(signature.Header)
	if sig == "" {
		sig = r.Header.Get("Authorization")
	}

	if err := h.PaymentService.HandleWebhook(r.Context(), gatewayName, rawBody, sig); err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// CreatePayPalOrder handles POST /api/payments/paypal/orders, called by the
// hosted checkout page.
func (h *Handler) CreatePayPalOrder(w http.ResponseWriter, r *http.Request) {
	if h.PayPal == nil {
		h.HandleError(w, internal.ErrUnsupportedPaymentMethod)
		return
	}

	var req struct {
		OrderID  string      `json:"order_id"`
		Amount   json.Number `json:"amount"`
		Currency string      `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("CreatePayPalOrder: failed to parse request body", "error", err)
		h.HandleError(w, internal.NewValidationError("invalid request body", internal.ErrCodeValidationFailed))
		return
	}
	amount, err := decimal.NewFromString(req.Amount.String())
	if err != nil || !amount.IsPositive() {
		h.HandleError(w, internal.NewValidationError("amount must be a positive number", internal.ErrCodeInvalidAmount))
		return
	}

	order, err := h.PayPal.CreateOrder(r.Context(), req.OrderID, amount, req.Currency)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"id":     order.ID,
		"status": order.Status,
	})
}

// CapturePayPalOrder handles POST /api/payments/paypal/orders/{id}/capture.
// Completion of the payment row still flows through the approval webhook.
func (h *Handler) CapturePayPalOrder(w http.ResponseWriter, r *http.Request) {
	if h.PayPal == nil {
		h.HandleError(w, internal.ErrUnsupportedPaymentMethod)
		return
	}

	capture, err := h.PayPal.CaptureOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"id":     capture.ID,
		"status": capture.Status,
	})
}

package payment

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	errors "github.com/nhatpham/payment-service/internal"
	"github.com/nhatpham/payment-service/internal/core/common/validation"
)

// CreatePaymentRequest is the signed creation request from the order system.
// Amount is optional: when present (and positive) it is trusted because it
// is covered by the signature; when absent the order is fetched upstream.
type CreatePaymentRequest struct {
	OrderID        string          `json:"order_id"`
	PaymentMethod  string          `json:"payment_method"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Session        string          `json:"session,omitempty"`
	Amount         json.Number     `json:"amount,omitempty"`
	Currency       string          `json:"currency,omitempty"`
	CustomerData   json.RawMessage `json:"customer_data,omitempty"`
	Description    string          `json:"description,omitempty"`
}

func (r *CreatePaymentRequest) Validate() error {
	if err := validation.ValidateOrderID(r.OrderID); err != nil {
		return err
	}
	if r.PaymentMethod == "" {
		return errors.NewValidationError("payment_method is required", errors.ErrCodeValidationFailed)
	}
	if r.IdempotencyKey != "" {
		if err := validation.ValidateIdempotencyKey(r.IdempotencyKey); err != nil {
			return err
		}
	}
	if amount, ok := r.AmountDecimal(); ok {
		if err := validation.ValidatePaymentAmount(amount); err != nil {
			return err
		}
	}
	return nil
}

// AmountDecimal reports the signed amount when the request carries one.
func (r *CreatePaymentRequest) AmountDecimal() (decimal.Decimal, bool) {
	if r.Amount == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(r.Amount.String())
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// CancelPaymentRequest is the signed cancellation intent. Timestamp bounds
// the replay window; reason and cancelled_by are part of the signature even
// when absent (serialized as null).
type CancelPaymentRequest struct {
	PaymentMethod string          `json:"payment_method"`
	Reason        *string         `json:"reason"`
	Force         bool            `json:"force"`
	CancelledBy   *string         `json:"cancelled_by"`
	Timestamp     int64           `json:"timestamp"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

func (r *CancelPaymentRequest) Validate() error {
	if r.PaymentMethod == "" {
		return errors.NewValidationError("payment_method is required", errors.ErrCodeValidationFailed)
	}
	if r.Timestamp <= 0 {
		return errors.NewValidationError("timestamp is required", errors.ErrCodeValidationFailed)
	}
	return nil
}

// StatusUpdateRequest is the explicit status push from the order system,
// used when a gateway reports the outcome through the return URL instead of
// a webhook.
type StatusUpdateRequest struct {
	Status          string          `json:"status"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	GatewayResponse json.RawMessage `json:"gateway_response,omitempty"`
}

func (r *StatusUpdateRequest) Validate() error {
	switch r.Status {
	case "completed", "failed", "cancelled":
		return nil
	default:
		return errors.NewValidationError("status must be completed, failed or cancelled", errors.ErrCodeValidationFailed)
	}
}

// PaymentResponse is the externally-visible creation response; it is cached
// verbatim against the idempotency key for replay.
type PaymentResponse struct {
	PaymentID     string     `json:"payment_id"`
	SessionID     string     `json:"session_id"`
	OrderID       string     `json:"order_id"`
	PaymentMethod string     `json:"payment_method"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	PaymentURL    string     `json:"payment_url,omitempty"`
	QRCodeURL     string     `json:"qr_code_url,omitempty"`
	TransactionID string     `json:"transaction_id,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type StatusResponse struct {
	PaymentID     string     `json:"payment_id"`
	OrderID       string     `json:"order_id"`
	PaymentMethod string     `json:"payment_method"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	TransactionID string     `json:"transaction_id,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type EventResponse struct {
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Package gateway defines the provider-keyed adapter strategy: each provider
// translates a normalized creation request into its own call shape and folds
// inbound webhook payloads back into a common form.
package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/nhatpham/payment-service/internal"
)

type Method string

const (
	MethodBankTransfer Method = "bank_transfer"
	MethodWallet       Method = "wallet"
	MethodPayPal       Method = "paypal"
)

// ParseMethod normalizes the wire spelling of a payment method.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "bank_transfer":
		return MethodBankTransfer, nil
	case "wallet":
		return MethodWallet, nil
	case "paypal":
		return MethodPayPal, nil
	default:
		return "", internal.ErrUnsupportedPaymentMethod
	}
}

// Webhook statuses after normalization.
const (
	WebhookStatusCompleted = "completed"
	WebhookStatusFailed    = "failed"
)

type CreateRequest struct {
	OrderID      string
	Amount       decimal.Decimal
	Currency     string
	CustomerData json.RawMessage
	Description  string
	ReturnURL    string
	NotifyURL    string
}

type CreateResult struct {
	PaymentURL    string `json:"payment_url"`
	QRCodeURL     string `json:"qr_code_url,omitempty"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// NormalizedWebhook is the provider-independent view of one inbound
// notification. RawPayload is always retained for the audit trail.
type NormalizedWebhook struct {
	TransactionID string
	Status        string
	Amount        decimal.Decimal
	Currency      string
	// OrderID is the order reference carried explicitly by the payload.
	OrderID string
	// ExtractedOrderID is the order reference recovered from a
	// provider-specific pattern (composite reference, free-text token).
	// Matching prefers OrderID and falls back to this.
	ExtractedOrderID string
	RawPayload       json.RawMessage
}

type Gateway interface {
	Method() Method
	Create(ctx context.Context, req CreateRequest) (*CreateResult, error)
	NormalizeWebhook(raw json.RawMessage) (*NormalizedWebhook, error)
	// VerifySignature reports whether the raw payload carries a valid
	// provider signature. Adapters without a configured secret may skip
	// verification; that skip must be logged by the adapter.
	VerifySignature(raw json.RawMessage, signature string) bool
}

type Registry struct {
	gateways map[Method]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[Method]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Method()] = g
	}
	return r
}

func (r *Registry) Get(method Method) (Gateway, error) {
	g, ok := r.gateways[method]
	if !ok {
		return nil, internal.ErrUnsupportedPaymentMethod
	}
	return g, nil
}

func (r *Registry) Supported() []Method {
	out := make([]Method, 0, len(r.gateways))
	for m := range r.gateways {
		out = append(out, m)
	}
	return out
}

// UnwrapBody peels the {"body": {...}} envelope some relays put around
// webhook payloads and returns the inner object, or the input unchanged.
func UnwrapBody(raw json.RawMessage) json.RawMessage {
	var wrapper struct {
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Body) > 0 && wrapper.Body[0] == '{' {
		return wrapper.Body
	}
	return raw
}

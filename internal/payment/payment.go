package payment

import (
	"context"
	"encoding/json"

	"github.com/nhatpham/payment-service/internal/core/datamodel/payment"
)

// EventLog appends lifecycle events. WithPaymentForUpdate hands its closure
// a log bound to the locking transaction, so the event commits, or rolls
// back, together with the row mutation it describes.
type EventLog interface {
	AppendEvent(e *payment.Event) error
}

// RepositoryAPI is the persistence surface for the payment aggregate and its
// owned rows (events, webhooks, callbacks, bank transactions).
type RepositoryAPI interface {
	// CreateOrFetch inserts the pending payment; when the idempotency key
	// already exists it returns the stored row instead (created=false).
	// The unique index on the key is what serializes concurrent creation.
	CreateOrFetch(p *payment.Payment) (stored *payment.Payment, created bool, err error)
	GetByIdempotencyKey(key string) (*payment.Payment, error)
	GetByTransactionID(transactionID string) (*payment.Payment, error)
	// GetLatestByOrderID prefers the newest pending payment for the order
	// and falls back to the newest row overall when none is pending.
	GetLatestByOrderID(orderID string) (*payment.Payment, error)
	Save(p *payment.Payment) error

	// WithPaymentForUpdate runs fn against the row locked with
	// SELECT ... FOR UPDATE so concurrent triggers for the same payment
	// serialize; the second writer observes the first writer's state.
	// Events appended through log ride the same transaction as the row.
	WithPaymentForUpdate(key string, fn func(p *payment.Payment, log EventLog) error) error

	FindExpiredPending(limit int) ([]*payment.Payment, error)

	AppendEvent(e *payment.Event) error
	EventsForPayment(paymentID int64, eventType string) ([]*payment.Event, error)

	SaveWebhook(w *payment.Webhook) error
	UpdateWebhook(w *payment.Webhook) error

	SaveBankTransaction(tx *payment.BankTransaction) error

	EnqueueCallback(cb *payment.Callback) error
	DueCallbacks(limit int) ([]*payment.Callback, error)
	UpdateCallback(cb *payment.Callback) error
}

// ServiceAPI is the payment core consumed by the HTTP layer.
type ServiceAPI interface {
	CreatePayment(ctx context.Context, req *CreatePaymentRequest, rawBody []byte, signature, headerKey string) (*PaymentResponse, error)
	GetStatus(paymentKey string) (*StatusResponse, error)
	Cancel(ctx context.Context, paymentKey string, req *CancelPaymentRequest, signature string) error
	UpdateStatusFromUpstream(ctx context.Context, paymentKey string, req *StatusUpdateRequest) error
	HandleWebhook(ctx context.Context, gatewayName string, rawBody json.RawMessage, signature string) error
	History(paymentKey, eventType string) ([]*EventResponse, error)
}

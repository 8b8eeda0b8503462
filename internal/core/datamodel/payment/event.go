package payment

import (
	"encoding/json"
	"time"
)

// Event log entry types. One immutable row per significant transition or
// external interaction; the log is the system's only historical
// reconstruction mechanism.
const (
	EventCreated             = "created"
	EventInitiated           = "initiated"
	EventWebhookReceived     = "webhook_received"
	EventCompleted           = "completed"
	EventFailed              = "failed"
	EventCancelled           = "cancelled"
	EventIdempotentRequest   = "idempotent_request"
	EventDuplicateWebhook    = "duplicate_webhook"
	EventGatewayError        = "gateway_error"
	EventGatewayTimeout      = "gateway_timeout"
	EventStatusUpdated       = "status_updated_from_upstream"
	EventBankTxLogged        = "bank_tx_logged"
	EventWebhookVerifyFailed = "webhook_verification_failed"
)

type Event struct {
	ID              int64           `gorm:"primaryKey"`
	PaymentID       int64           `gorm:"column:payment_id;not null;index"`
	EventType       string          `gorm:"column:event_type;not null;index"`
	EventData       json.RawMessage `gorm:"column:event_data;type:jsonb"`
	GatewayResponse json.RawMessage `gorm:"column:gateway_response;type:jsonb"`
	CreatedAt       time.Time       `gorm:"column:created_at;index"`
}

func (Event) TableName() string {
	return "payment_events"
}

// NewEvent builds a log entry; eventData may be nil.
func NewEvent(paymentID int64, eventType string, eventData map[string]interface{}, gatewayResponse json.RawMessage) *Event {
	e := &Event{
		PaymentID:       paymentID,
		EventType:       eventType,
		GatewayResponse: gatewayResponse,
	}
	if eventData != nil {
		if raw, err := json.Marshal(eventData); err == nil {
			e.EventData = raw
		}
	}
	return e
}

package payment

import (
	"encoding/json"
	"time"
)

const (
	WebhookStatusReceived  = "received"
	WebhookStatusProcessed = "processed"
	WebhookStatusFailed    = "failed"
)

const webhookMaxRetries = 3

// Webhook records one inbound gateway notification, independent of the
// Payment it eventually resolves to, so webhook processing stays idempotent
// and inspectable.
type Webhook struct {
	ID           int64           `gorm:"primaryKey"`
	PaymentID    *int64          `gorm:"column:payment_id;index"`
	GatewayName  string          `gorm:"column:gateway_name;not null;index"`
	WebhookID    string          `gorm:"column:webhook_id;index"`
	EventType    string          `gorm:"column:event_type"`
	Payload      json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	Signature    string          `gorm:"column:signature"`
	Status       string          `gorm:"column:status;default:received;index"`
	ProcessedAt  *time.Time      `gorm:"column:processed_at"`
	ErrorMessage string          `gorm:"column:error_message"`
	RetryCount   int             `gorm:"column:retry_count;default:0"`
	CreatedAt    time.Time       `gorm:"column:created_at;index"`
}

func (Webhook) TableName() string {
	return "payment_webhooks"
}

func (w *Webhook) IsProcessed() bool {
	return w.Status == WebhookStatusProcessed
}

func (w *Webhook) CanRetry() bool {
	return w.RetryCount < webhookMaxRetries && w.Status == WebhookStatusFailed
}

func (w *Webhook) MarkProcessed() {
	w.Status = WebhookStatusProcessed
	now := time.Now()
	w.ProcessedAt = &now
}

func (w *Webhook) MarkFailed(errorMessage string) {
	w.Status = WebhookStatusFailed
	w.ErrorMessage = errorMessage
	w.RetryCount++
}

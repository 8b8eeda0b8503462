package payment

import (
	"encoding/json"
	"math"
	"time"
)

const (
	CallbackStatusPending  = "pending"
	CallbackStatusSent     = "sent"
	CallbackStatusFailed   = "failed"
	CallbackStatusRetrying = "retrying"
	CallbackStatusDead     = "dead"
)

// Callback is the durable outbound-notification queue toward the order
// system. A lifecycle transition commits first; delivery is best-effort with
// exponential backoff and a max-retry cap.
type Callback struct {
	ID             int64           `gorm:"primaryKey"`
	PaymentID      int64           `gorm:"column:payment_id;not null;index"`
	CallbackURL    string          `gorm:"column:callback_url;not null"`
	Payload        json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	Signature      string          `gorm:"column:signature"`
	Status         string          `gorm:"column:status;default:pending;index"`
	ResponseStatus *int            `gorm:"column:response_status"`
	ResponseBody   string          `gorm:"column:response_body"`
	RetryCount     int             `gorm:"column:retry_count;default:0"`
	MaxRetries     int             `gorm:"column:max_retries;default:3"`
	NextRetryAt    *time.Time      `gorm:"column:next_retry_at;index"`
	SentAt         *time.Time      `gorm:"column:sent_at"`
	CreatedAt      time.Time       `gorm:"column:created_at;index"`
}

func (Callback) TableName() string {
	return "payment_callbacks"
}

func (c *Callback) CanRetry() bool {
	return c.RetryCount < c.MaxRetries
}

func (c *Callback) MarkSent(responseStatus int, responseBody string) {
	c.Status = CallbackStatusSent
	c.ResponseStatus = &responseStatus
	c.ResponseBody = responseBody
	now := time.Now()
	c.SentAt = &now
}

// MarkFailed bumps the retry counter and schedules the next attempt with
// exponential backoff (2^n minutes); past the cap the callback is dead.
func (c *Callback) MarkFailed(responseStatus int, responseBody string) {
	c.RetryCount++
	if responseStatus > 0 {
		c.ResponseStatus = &responseStatus
	}
	c.ResponseBody = responseBody
	if !c.CanRetry() {
		c.Status = CallbackStatusDead
		c.NextRetryAt = nil
		return
	}
	c.Status = CallbackStatusRetrying
	next := time.Now().Add(time.Duration(math.Pow(2, float64(c.RetryCount))) * time.Minute)
	c.NextRetryAt = &next
}

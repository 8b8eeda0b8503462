package payment

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Payment statuses. Pending is the only non-terminal state; completed,
// failed and cancelled are absorbing.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Payment is the aggregate root for one payment attempt. It is never
// deleted; the row plus its event log is the audit trail.
type Payment struct {
	ID             int64           `gorm:"primaryKey"`
	IdempotencyKey string          `gorm:"column:idempotency_key;not null;uniqueIndex"`
	SessionID      string          `gorm:"column:session_id;uniqueIndex"`
	OrderID        string          `gorm:"column:order_id;not null;index"`
	PaymentMethod  string          `gorm:"column:payment_method;not null"`
	Amount         decimal.Decimal `gorm:"column:amount;type:decimal(15,2);not null"`
	Currency       string          `gorm:"column:currency;default:VND"`
	Status         string          `gorm:"column:status;default:pending;index"`
	TransactionID  *string         `gorm:"column:transaction_id;index"`
	GatewayData    json.RawMessage `gorm:"column:gateway_data;type:jsonb"`
	ResponseData   json.RawMessage `gorm:"column:response_data;type:jsonb"`
	ExpiresAt      *time.Time      `gorm:"column:expires_at"`
	CompletedAt    *time.Time      `gorm:"column:completed_at"`
	CreatedAt      time.Time       `gorm:"column:created_at;index"`
	UpdatedAt      time.Time       `gorm:"column:updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}

func (p *Payment) IsExpired() bool {
	return p.ExpiresAt != nil && p.ExpiresAt.Before(time.Now())
}

func (p *Payment) IsPending() bool {
	return p.Status == StatusPending
}

func (p *Payment) IsCompleted() bool {
	return p.Status == StatusCompleted
}

func (p *Payment) IsFailed() bool {
	return p.Status == StatusFailed
}

func (p *Payment) IsCancelled() bool {
	return p.Status == StatusCancelled
}

func (p *Payment) IsTerminal() bool {
	return p.Status != StatusPending
}

// MergeGatewayData folds the given keys into gateway_data. Existing keys not
// present in the update survive; gateway_data is never wholesale replaced.
func (p *Payment) MergeGatewayData(update map[string]interface{}) {
	merged := map[string]interface{}{}
	if len(p.GatewayData) > 0 {
		_ = json.Unmarshal(p.GatewayData, &merged)
	}
	for k, v := range update {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return
	}
	p.GatewayData = raw
}

// GatewayDataMap decodes gateway_data; returns an empty map when unset.
func (p *Payment) GatewayDataMap() map[string]interface{} {
	out := map[string]interface{}{}
	if len(p.GatewayData) > 0 {
		_ = json.Unmarshal(p.GatewayData, &out)
	}
	return out
}

// GatewayTransactionID returns the recorded gateway transaction id, falling
// back to gateway_data for rows written before the dedicated column existed.
func (p *Payment) GatewayTransactionID() string {
	if p.TransactionID != nil && *p.TransactionID != "" {
		return *p.TransactionID
	}
	if v, ok := p.GatewayDataMap()["transaction_id"].(string); ok {
		return v
	}
	return ""
}

func (p *Payment) MarkCompleted(transactionID string, gatewayResponse json.RawMessage) {
	p.Status = StatusCompleted
	now := time.Now()
	p.CompletedAt = &now
	update := map[string]interface{}{}
	if transactionID != "" {
		p.TransactionID = &transactionID
		update["transaction_id"] = transactionID
	}
	if len(gatewayResponse) > 0 {
		update["response"] = json.RawMessage(gatewayResponse)
	}
	if len(update) > 0 {
		p.MergeGatewayData(update)
	}
}

func (p *Payment) MarkFailed(reason string, gatewayResponse json.RawMessage) {
	p.Status = StatusFailed
	update := map[string]interface{}{
		"failure_reason": reason,
	}
	if len(gatewayResponse) > 0 {
		update["response"] = json.RawMessage(gatewayResponse)
	}
	p.MergeGatewayData(update)
}

// MarkCancelled transitions to cancelled and pulls expires_at to now so the
// status and the TTL never disagree.
func (p *Payment) MarkCancelled(reason string) {
	p.Status = StatusCancelled
	p.MergeGatewayData(map[string]interface{}{
		"cancellation_reason": reason,
	})
	now := time.Now()
	if p.ExpiresAt == nil || p.ExpiresAt.After(now) {
		p.ExpiresAt = &now
	}
}

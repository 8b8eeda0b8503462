package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentCompleted = "payment.completed"
	EventTypePaymentFailed    = "payment.failed"
	EventTypePaymentCancelled = "payment.cancelled"
)

type PaymentCompletedEvent struct {
	BaseEvent
	PaymentKey    string `json:"payment_key"`
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

func NewPaymentCompletedEvent(paymentKey, orderID, transactionID, amount, currency string) *PaymentCompletedEvent {
	return &PaymentCompletedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentCompleted,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_key":    paymentKey,
				"order_id":       orderID,
				"transaction_id": transactionID,
				"amount":         amount,
				"currency":       currency,
			},
		},
		PaymentKey:    paymentKey,
		OrderID:       orderID,
		TransactionID: transactionID,
		Amount:        amount,
		Currency:      currency,
	}
}

type PaymentFailedEvent struct {
	BaseEvent
	PaymentKey    string `json:"payment_key"`
	OrderID       string `json:"order_id"`
	FailureReason string `json:"failure_reason"`
}

func NewPaymentFailedEvent(paymentKey, orderID, failureReason string) *PaymentFailedEvent {
	return &PaymentFailedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentFailed,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_key":    paymentKey,
				"order_id":       orderID,
				"failure_reason": failureReason,
			},
		},
		PaymentKey:    paymentKey,
		OrderID:       orderID,
		FailureReason: failureReason,
	}
}

type PaymentCancelledEvent struct {
	BaseEvent
	PaymentKey  string `json:"payment_key"`
	OrderID     string `json:"order_id"`
	Reason      string `json:"reason"`
	CancelledBy string `json:"cancelled_by"`
	Expired     bool   `json:"expired"`
	Force       bool   `json:"force"`
}

func NewPaymentCancelledEvent(paymentKey, orderID, reason, cancelledBy string, expired, force bool) *PaymentCancelledEvent {
	return &PaymentCancelledEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentCancelled,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_key":  paymentKey,
				"order_id":     orderID,
				"reason":       reason,
				"cancelled_by": cancelledBy,
				"expired":      expired,
				"force":        force,
			},
		},
		PaymentKey:  paymentKey,
		OrderID:     orderID,
		Reason:      reason,
		CancelledBy: cancelledBy,
		Expired:     expired,
		Force:       force,
	}
}

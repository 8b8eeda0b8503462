package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nhatpham/payment-service/internal/core/datamodel/payment"
	"github.com/nhatpham/payment-service/internal/core/events"
	"github.com/nhatpham/payment-service/internal/upstream"
)

// CallbackPreparer is the slice of the order-system client the event handler
// needs: signing durable callback payloads, addressing them, and releasing
// cancelled orders. *upstream.Client satisfies it.
type CallbackPreparer interface {
	Sign(payload []byte) string
	StatusCallbackURL(orderID string) string
	CancelOrder(ctx context.Context, orderID, paymentID, reason string) error
}

// EventHandler turns lifecycle events into durable upstream callbacks. The
// transition is already committed when a handler runs; delivery failures are
// absorbed by the retry ledger, never by the payment row.
type EventHandler struct {
	repo   RepositoryAPI
	client CallbackPreparer
	logger *slog.Logger
}

func NewEventHandler(repo RepositoryAPI, client CallbackPreparer, logger *slog.Logger) *EventHandler {
	return &EventHandler{repo: repo, client: client, logger: logger}
}

func (h *EventHandler) RegisterHandlers(bus *events.EventBus) {
	bus.Subscribe(events.EventTypePaymentCompleted, h.HandlePaymentCompleted)
	bus.Subscribe(events.EventTypePaymentFailed, h.HandlePaymentFailed)
	bus.Subscribe(events.EventTypePaymentCancelled, h.HandlePaymentCancelled)
}

func (h *EventHandler) HandlePaymentCompleted(ctx context.Context, event events.Event) error {
	paymentKey := payloadString(event, "payment_key")
	h.logger.Info("handling payment completed event",
		"event_id", event.EventID(),
		"payment_key", paymentKey)
	return h.enqueueStatusCallback(paymentKey, payment.StatusCompleted)
}

func (h *EventHandler) HandlePaymentFailed(ctx context.Context, event events.Event) error {
	paymentKey := payloadString(event, "payment_key")
	h.logger.Info("handling payment failed event",
		"event_id", event.EventID(),
		"payment_key", paymentKey,
		"failure_reason", payloadString(event, "failure_reason"))
	return h.enqueueStatusCallback(paymentKey, payment.StatusFailed)
}

// HandlePaymentCancelled notifies the order system twice over: the status
// callback goes through the durable retry ledger, while the order release is
// attempted inline and left to the next sweep if it fails.
func (h *EventHandler) HandlePaymentCancelled(ctx context.Context, event events.Event) error {
	paymentKey := payloadString(event, "payment_key")
	orderID := payloadString(event, "order_id")
	reason := payloadString(event, "reason")
	h.logger.Info("handling payment cancelled event",
		"event_id", event.EventID(),
		"payment_key", paymentKey,
		"reason", reason)

	if err := h.enqueueStatusCallback(paymentKey, payment.StatusCancelled); err != nil {
		return err
	}
	if err := h.client.CancelOrder(ctx, orderID, paymentKey, reason); err != nil {
		h.logger.Warn("failed to release order upstream",
			"order_id", orderID,
			"payment_key", paymentKey,
			"error", err)
	}
	return nil
}

// enqueueStatusCallback persists a signed, addressed callback row; the
// dispatcher owns delivery and retries from there.
func (h *EventHandler) enqueueStatusCallback(paymentKey, status string) error {
	p, err := h.repo.GetByIdempotencyKey(paymentKey)
	if err != nil {
		return fmt.Errorf("load payment %s: %w", paymentKey, err)
	}

	update := upstream.StatusUpdate{
		Status:      status,
		CompletedAt: p.CompletedAt,
	}
	if txID := p.GatewayTransactionID(); txID != "" {
		update.TransactionID = txID
	}
	if raw, ok := p.GatewayDataMap()["gateway_response"]; ok {
		if encoded, err := json.Marshal(raw); err == nil {
			update.GatewayResponse = encoded
		}
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode status callback: %w", err)
	}

	cb := &payment.Callback{
		PaymentID:   p.ID,
		CallbackURL: h.client.StatusCallbackURL(p.OrderID),
		Payload:     payload,
		Signature:   h.client.Sign(payload),
		Status:      payment.CallbackStatusPending,
		MaxRetries:  3,
	}
	if err := h.repo.EnqueueCallback(cb); err != nil {
		return fmt.Errorf("enqueue status callback for payment %s: %w", strconv.FormatInt(p.ID, 10), err)
	}
	h.logger.Info("status callback enqueued",
		"payment_key", paymentKey,
		"order_id", p.OrderID,
		"status", status)
	return nil
}

func payloadString(event events.Event, key string) string {
	data, ok := event.Payload().(map[string]interface{})
	if !ok {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

package payment

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nhatpham/payment-service/internal"
	"github.com/nhatpham/payment-service/internal/core/datamodel/payment"
	"github.com/nhatpham/payment-service/internal/core/events"
	"github.com/nhatpham/payment-service/internal/gateway"
	"github.com/nhatpham/payment-service/internal/gateway/bankqr"
)

// Reconciler locates the payment a normalized webhook belongs to. Matching
// is attempted in strict order, stopping at the first hit:
//  1. recorded gateway transaction id
//  2. explicit order id, newest pending attempt first, then newest overall
//  3. provider-specific extraction (composite reference, free-text token)
type Reconciler struct {
	repo   RepositoryAPI
	logger *slog.Logger
}

func NewReconciler(repo RepositoryAPI, logger *slog.Logger) *Reconciler {
	return &Reconciler{repo: repo, logger: logger}
}

// Match returns the matched payment and the strategy that found it, or a
// not-found error when every strategy misses.
func (r *Reconciler) Match(hook *gateway.NormalizedWebhook) (*payment.Payment, string, error) {
	if hook.TransactionID != "" {
		if p, err := r.repo.GetByTransactionID(hook.TransactionID); err == nil {
			return p, "transaction_id", nil
		}
	}
	if hook.OrderID != "" {
		if p, err := r.repo.GetLatestByOrderID(hook.OrderID); err == nil {
			return p, "order_id", nil
		}
	}
	if hook.ExtractedOrderID != "" {
		if p, err := r.repo.GetLatestByOrderID(hook.ExtractedOrderID); err == nil {
			return p, "extracted_order_id", nil
		}
	}
	return nil, "", internal.ErrPaymentNotFound
}

// HandleWebhook reconciles one inbound gateway notification. It never
// returns an error for unmatched or duplicate payloads: gateways expect a
// 200 regardless, and an error response would only trigger gateway-side
// retries of a webhook this service already recorded.
func (s *Service) HandleWebhook(ctx context.Context, gatewayName string, rawBody json.RawMessage, sig string) error {
	method, err := gateway.ParseMethod(gatewayName)
	if err != nil {
		s.logger.Warn("webhook for unsupported gateway dropped", "gateway", gatewayName)
		return nil
	}
	g, err := s.gateways.Get(method)
	if err != nil {
		s.logger.Warn("webhook for unconfigured gateway dropped", "gateway", gatewayName)
		return nil
	}

	// Bank-ledger payloads are persisted verbatim whether or not a payment
	// match succeeds: the audit row is the manual-reconciliation trail.
	var bankTxID *int64
	if method == gateway.MethodBankTransfer {
		if tx, ok := bankqr.ParseLedgerEntry(rawBody); ok {
			tx.Gateway = string(method)
			if err := s.repo.SaveBankTransaction(tx); err != nil {
				s.logger.Error("failed to persist bank transaction", "error", err)
			} else {
				bankTxID = &tx.ID
			}
		}
	}

	record := &payment.Webhook{
		GatewayName: string(method),
		Payload:     rawBody,
		Signature:   sig,
		Status:      payment.WebhookStatusReceived,
	}
	if err := s.repo.SaveWebhook(record); err != nil {
		s.logger.Error("failed to persist webhook record", "error", err, "gateway", gatewayName)
	}

	if !g.VerifySignature(rawBody, sig) {
		s.logger.Warn("webhook signature rejected", "gateway", gatewayName)
		record.MarkFailed("invalid signature")
		s.updateWebhook(record)
		return internal.ErrInvalidSignature
	}

	hook, err := g.NormalizeWebhook(rawBody)
	if err != nil {
		s.logger.Error("webhook normalization failed", "error", err, "gateway", gatewayName)
		record.MarkFailed(err.Error())
		s.updateWebhook(record)
		return nil
	}
	record.EventType = hook.Status

	matched, strategy, err := s.reconciler.Match(hook)
	if err != nil {
		// Best-effort policy: unmatched confirmations are logged with the
		// raw payload retained, never retried or escalated.
		s.logger.Warn("webhook did not match any payment",
			"gateway", gatewayName,
			"transaction_id", hook.TransactionID,
			"order_id", hook.OrderID,
			"extracted_order_id", hook.ExtractedOrderID,
			"payload", string(hook.RawPayload))
		record.MarkProcessed()
		s.updateWebhook(record)
		return nil
	}
	record.PaymentID = &matched.ID
	s.logger.Info("webhook matched payment",
		"gateway", gatewayName,
		"payment_key", matched.IdempotencyKey,
		"strategy", strategy)

	if bankTxID != nil {
		s.appendEvent(s.repo, matched.ID, payment.EventBankTxLogged, map[string]interface{}{
			"bank_transaction_id": *bankTxID,
		}, nil)
	}

	var transitioned bool
	var completed bool
	var orderID, txID, amountStr, currencyStr string
	err = s.repo.WithPaymentForUpdate(matched.IdempotencyKey, func(p *payment.Payment, log EventLog) error {
		s.appendEvent(log, p.ID, payment.EventWebhookReceived, map[string]interface{}{
			"gateway":        gatewayName,
			"status":         hook.Status,
			"transaction_id": hook.TransactionID,
			"strategy":       strategy,
		}, hook.RawPayload)

		if p.IsTerminal() {
			s.appendEvent(log, p.ID, payment.EventDuplicateWebhook, map[string]interface{}{
				"gateway":        gatewayName,
				"status":         p.Status,
				"transaction_id": hook.TransactionID,
			}, nil)
			s.logger.Info("duplicate webhook absorbed",
				"payment_key", p.IdempotencyKey,
				"status", p.Status)
			return nil
		}

		// Deliberate policy: an amount mismatch is warned about and the
		// confirmation still applies; the transfer already happened.
		if hook.Status == gateway.WebhookStatusCompleted && !hook.Amount.IsZero() && !hook.Amount.Equal(p.Amount) {
			s.logger.Warn("webhook amount differs from payment amount",
				"payment_key", p.IdempotencyKey,
				"expected", p.Amount.String(),
				"received", hook.Amount.String())
		}

		switch hook.Status {
		case gateway.WebhookStatusCompleted:
			p.MarkCompleted(hook.TransactionID, hook.RawPayload)
			s.appendEvent(log, p.ID, payment.EventCompleted, map[string]interface{}{
				"transaction_id": hook.TransactionID,
				"gateway":        gatewayName,
			}, nil)
			completed = true
		default:
			p.MarkFailed("gateway_reported_failure", hook.RawPayload)
			s.appendEvent(log, p.ID, payment.EventFailed, map[string]interface{}{
				"transaction_id": hook.TransactionID,
				"gateway":        gatewayName,
			}, nil)
		}
		transitioned = true
		orderID = p.OrderID
		txID = p.GatewayTransactionID()
		amountStr = p.Amount.String()
		currencyStr = p.Currency
		return nil
	})
	if err != nil {
		s.logger.Error("webhook reconciliation failed", "error", err, "payment_key", matched.IdempotencyKey)
		record.MarkFailed(err.Error())
		s.updateWebhook(record)
		return nil
	}

	record.MarkProcessed()
	s.updateWebhook(record)

	// Notification is best-effort and must not roll back the transition;
	// the durable callback queue owns retries.
	if transitioned {
		if completed {
			s.eventBus.Publish(ctx, events.NewPaymentCompletedEvent(matched.IdempotencyKey, orderID, txID, amountStr, currencyStr))
		} else {
			s.eventBus.Publish(ctx, events.NewPaymentFailedEvent(matched.IdempotencyKey, orderID, "gateway_reported_failure"))
		}
	}
	return nil
}

func (s *Service) updateWebhook(record *payment.Webhook) {
	if err := s.repo.UpdateWebhook(record); err != nil {
		s.logger.Error("failed to update webhook record", "error", err, "webhook_id", record.ID)
	}
}

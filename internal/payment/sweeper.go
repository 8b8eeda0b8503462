package payment

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/nhatpham/payment-service/internal/core/datamodel/payment"
)

const sweepReason = "Payment expired and cancelled automatically"

// OrderCanceller releases the upstream order after an expiry cancellation.
type OrderCanceller interface {
	CancelOrder(ctx context.Context, orderID, paymentID, reason string) error
}

// Sweeper drives stale pending payments to cancelled in bounded batches,
// oldest first. It is safe to run concurrently with webhooks, cancellations
// and other sweeps: the absorbing terminal states plus per-record locking
// make the second writer a no-op.
type Sweeper struct {
	repo      RepositoryAPI
	upstream  OrderCanceller
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
}

func NewSweeper(repo RepositoryAPI, upstream OrderCanceller, batchSize int, interval time.Duration, logger *slog.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		repo:      repo,
		upstream:  upstream,
		batchSize: batchSize,
		interval:  interval,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started",
		"interval", s.interval.String(),
		"batch_size", s.batchSize)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce processes one batch. Per-record failures are logged and never
// abort the batch: one bad record cannot block the rest.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	expired, err := s.repo.FindExpiredPending(s.batchSize)
	if err != nil {
		s.logger.Error("failed to scan for expired payments", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}
	s.logger.Info("sweeping expired payments", "count", len(expired))

	var cancelled, failed int
	for _, candidate := range expired {
		if err := s.sweepOne(ctx, candidate); err != nil {
			failed++
			s.logger.Error("failed to sweep expired payment",
				"payment_key", candidate.IdempotencyKey,
				"order_id", candidate.OrderID,
				"error", err)
			continue
		}
		cancelled++
	}
	s.logger.Info("sweep finished", "cancelled", cancelled, "failed", failed)
}

func (s *Sweeper) sweepOne(ctx context.Context, candidate *payment.Payment) error {
	var swept bool
	var paymentID int64
	err := s.repo.WithPaymentForUpdate(candidate.IdempotencyKey, func(p *payment.Payment, log EventLog) error {
		// A webhook or cancellation may have won the race since the scan.
		if !p.IsPending() || !p.IsExpired() {
			return nil
		}
		p.MarkCancelled(sweepReason)
		paymentID = p.ID
		swept = true
		return log.AppendEvent(payment.NewEvent(p.ID, payment.EventCancelled, map[string]interface{}{
			"reason":  sweepReason,
			"expired": true,
		}, nil))
	})
	if err != nil {
		return err
	}
	if !swept {
		return nil
	}

	// Upstream release is best-effort; the cancellation itself is already
	// committed and a repeat sweep will not double-cancel.
	if err := s.upstream.CancelOrder(ctx, candidate.OrderID, strconv.FormatInt(paymentID, 10), sweepReason); err != nil {
		s.logger.Warn("failed to release order upstream",
			"order_id", candidate.OrderID,
			"payment_key", candidate.IdempotencyKey,
			"error", err)
	}
	return nil
}

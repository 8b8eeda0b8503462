package upstream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nhatpham/payment-service/internal"
	"github.com/nhatpham/payment-service/internal/core/datamodel/payment"
)

// CallbackStore is the durable outbound queue the dispatcher drains.
type CallbackStore interface {
	DueCallbacks(limit int) ([]*payment.Callback, error)
	UpdateCallback(callback *payment.Callback) error
}

// Dispatcher drains due callback rows and delivers them to the order system.
// Delivery is best-effort: a failed attempt is rescheduled with exponential
// backoff until the row's retry cap, then parked as dead.
type Dispatcher struct {
	store    CallbackStore
	client   *Client
	logger   *slog.Logger
	interval time.Duration
	workers  int
	batch    int
}

func NewDispatcher(store CallbackStore, client *Client, workers int, interval time.Duration, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		store:    store,
		client:   client,
		logger:   logger,
		interval: interval,
		workers:  workers,
		batch:    50,
	}
}

// Run blocks until ctx is cancelled, draining the queue once per interval.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("callback dispatcher started",
		"interval", d.interval.String(),
		"workers", d.workers)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("callback dispatcher stopped")
			return
		case <-ticker.C:
			d.DrainOnce(ctx)
		}
	}
}

// DrainOnce processes one batch of due callbacks across the worker pool.
func (d *Dispatcher) DrainOnce(ctx context.Context) {
	callbacks, err := d.store.DueCallbacks(d.batch)
	if err != nil {
		d.logger.Error("failed to load due callbacks", "error", err)
		return
	}
	if len(callbacks) == 0 {
		return
	}

	queue := make(chan *payment.Callback)
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cb := range queue {
				d.deliver(ctx, cb)
			}
		}()
	}
	for _, cb := range callbacks {
		queue <- cb
	}
	close(queue)
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, cb *payment.Callback) {
	// One slow upstream response must not stall the whole batch.
	deliverCtx, cancel := internal.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	status, body, err := d.client.Deliver(deliverCtx, cb.CallbackURL, cb.Payload, cb.Signature)
	switch {
	case err != nil:
		cb.MarkFailed(0, err.Error())
		d.logger.Warn("callback delivery failed",
			"callback_id", cb.ID,
			"payment_id", cb.PaymentID,
			"retry_count", cb.RetryCount,
			"error", err)
	case status >= 200 && status < 300:
		cb.MarkSent(status, body)
		d.logger.Info("callback delivered",
			"callback_id", cb.ID,
			"payment_id", cb.PaymentID,
			"status", status)
	default:
		cb.MarkFailed(status, body)
		d.logger.Warn("callback rejected by upstream",
			"callback_id", cb.ID,
			"payment_id", cb.PaymentID,
			"status", status,
			"retry_count", cb.RetryCount)
	}

	if err := d.store.UpdateCallback(cb); err != nil {
		d.logger.Error("failed to persist callback state",
			"callback_id", cb.ID,
			"error", err)
	}
}

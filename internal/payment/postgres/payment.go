package postgres

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nhatpham/payment-service/internal"
	"github.com/nhatpham/payment-service/internal/core/datamodel/payment"
	paymentpkg "github.com/nhatpham/payment-service/internal/payment"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) paymentpkg.RepositoryAPI {
	return &PaymentRepository{
		db: db,
	}
}

// CreateOrFetch relies on the unique index on idempotency_key: the first
// writer inserts, every later writer gets the stored row back. This is the
// serialization point for concurrent admission of the same key.
func (r *PaymentRepository) CreateOrFetch(p *payment.Payment) (*payment.Payment, bool, error) {
	err := r.db.Create(p).Error
	if err == nil {
		return p, true, nil
	}
	if !isDuplicateKey(err) {
		return nil, false, err
	}
	stored, fetchErr := r.GetByIdempotencyKey(p.IdempotencyKey)
	if fetchErr != nil {
		return nil, false, fetchErr
	}
	return stored, false, nil
}

func (r *PaymentRepository) GetByIdempotencyKey(key string) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.Where("idempotency_key = ?", key).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, internal.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) GetByTransactionID(transactionID string) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.Where("transaction_id = ?", transactionID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, internal.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetLatestByOrderID prefers the newest pending attempt: an order can carry
// a failed retry newer than the attempt the customer actually paid, and a
// confirmation must not be absorbed by that terminal row.
func (r *PaymentRepository) GetLatestByOrderID(orderID string) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.Where("order_id = ? AND status = ?", orderID, payment.StatusPending).
		Order("created_at DESC").First(&p).Error
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	err = r.db.Where("order_id = ?", orderID).Order("created_at DESC").First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, internal.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) Save(p *payment.Payment) error {
	return r.db.Save(p).Error
}

// WithPaymentForUpdate locks the row with SELECT ... FOR UPDATE for the span
// of fn, then persists the mutated row in the same transaction. Concurrent
// triggers for one payment serialize here. The closure's event log is bound
// to the transaction: events for a transition that rolls back roll back
// with it.
func (r *PaymentRepository) WithPaymentForUpdate(key string, fn func(p *payment.Payment, log paymentpkg.EventLog) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var p payment.Payment
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("idempotency_key = ?", key).First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return internal.ErrPaymentNotFound
		}
		if err != nil {
			return err
		}
		if err := fn(&p, &PaymentRepository{db: tx}); err != nil {
			return err
		}
		return tx.Save(&p).Error
	})
}

func (r *PaymentRepository) FindExpiredPending(limit int) ([]*payment.Payment, error) {
	var payments []*payment.Payment
	err := r.db.Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?",
		payment.StatusPending, time.Now()).
		Order("created_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) AppendEvent(e *payment.Event) error {
	return r.db.Create(e).Error
}

func (r *PaymentRepository) EventsForPayment(paymentID int64, eventType string) ([]*payment.Event, error) {
	var events []*payment.Event
	q := r.db.Where("payment_id = ?", paymentID)
	if eventType != "" {
		q = q.Where("event_type = ?", eventType)
	}
	err := q.Order("created_at DESC").Find(&events).Error
	return events, err
}

func (r *PaymentRepository) SaveWebhook(w *payment.Webhook) error {
	return r.db.Create(w).Error
}

func (r *PaymentRepository) UpdateWebhook(w *payment.Webhook) error {
	return r.db.Save(w).Error
}

func (r *PaymentRepository) SaveBankTransaction(tx *payment.BankTransaction) error {
	return r.db.Create(tx).Error
}

func (r *PaymentRepository) EnqueueCallback(cb *payment.Callback) error {
	return r.db.Create(cb).Error
}

func (r *PaymentRepository) DueCallbacks(limit int) ([]*payment.Callback, error) {
	var callbacks []*payment.Callback
	err := r.db.Where("status IN ?", []string{payment.CallbackStatusPending, payment.CallbackStatusRetrying}).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", time.Now()).
		Order("created_at ASC").
		Limit(limit).
		Find(&callbacks).Error
	return callbacks, err
}

func (r *PaymentRepository) UpdateCallback(cb *payment.Callback) error {
	return r.db.Save(cb).Error
}

// isDuplicateKey matches unique violations across postgres (SQLSTATE 23505)
// and the sqlite driver used in tests.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

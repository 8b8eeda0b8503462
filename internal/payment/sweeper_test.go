package payment_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	datamodel "github.com/nhatpham/payment-service/internal/core/datamodel/payment"
	"github.com/nhatpham/payment-service/internal/payment"
)

type fakeCanceller struct {
	calls []string
	err   error
}

func (f *fakeCanceller) CancelOrder(_ context.Context, orderID, _, _ string) error {
	f.calls = append(f.calls, orderID)
	return f.err
}

var _ = Describe("Sweeper", func() {
	var (
		repo      *memoryRepository
		canceller *fakeCanceller
		sweeper   *payment.Sweeper
		ctx       context.Context
	)

	seed := func(key, orderID string, expiresAt time.Time, status string) *datamodel.Payment {
		p := &datamodel.Payment{
			IdempotencyKey: key,
			SessionID:      "sess-" + key[:8],
			OrderID:        orderID,
			PaymentMethod:  "bank_transfer",
			Amount:         decimal.NewFromInt(1000),
			Status:         status,
			ExpiresAt:      &expiresAt,
		}
		stored, _, err := repo.CreateOrFetch(p)
		Expect(err).NotTo(HaveOccurred())
		return stored
	}

	BeforeEach(func() {
		ctx = context.Background()
		repo = newMemoryRepository()
		canceller = &fakeCanceller{}
		sweeper = payment.NewSweeper(repo, canceller, 100, time.Minute, testLogger())
	})

	It("cancels expired pending payments and releases their orders", func() {
		expired := seed("aaaa111111111111111111111111111111111111111111111111111111111111", "10", time.Now().Add(-time.Minute), datamodel.StatusPending)
		fresh := seed("aaaa222222222222222222222222222222222222222222222222222222222222", "11", time.Now().Add(10*time.Minute), datamodel.StatusPending)

		sweeper.SweepOnce(ctx)

		swept, err := repo.GetByIdempotencyKey(expired.IdempotencyKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(swept.Status).To(Equal(datamodel.StatusCancelled))
		Expect(repo.eventTypesFor(swept.ID)).To(ContainElement(datamodel.EventCancelled))

		untouched, err := repo.GetByIdempotencyKey(fresh.IdempotencyKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(untouched.Status).To(Equal(datamodel.StatusPending))

		Expect(canceller.calls).To(Equal([]string{"10"}))
	})

	It("skips payments that reached a terminal state since the scan", func() {
		done := seed("aaaa333333333333333333333333333333333333333333333333333333333333", "12", time.Now().Add(-time.Minute), datamodel.StatusCompleted)

		sweeper.SweepOnce(ctx)

		stored, err := repo.GetByIdempotencyKey(done.IdempotencyKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Status).To(Equal(datamodel.StatusCompleted))
		Expect(canceller.calls).To(BeEmpty())
	})

	It("keeps sweeping when the upstream release fails", func() {
		canceller.err = errors.New("order system down")
		first := seed("aaaa444444444444444444444444444444444444444444444444444444444444", "13", time.Now().Add(-2*time.Minute), datamodel.StatusPending)
		second := seed("aaaa555555555555555555555555555555555555555555555555555555555555", "14", time.Now().Add(-time.Minute), datamodel.StatusPending)

		sweeper.SweepOnce(ctx)

		for _, key := range []string{first.IdempotencyKey, second.IdempotencyKey} {
			stored, err := repo.GetByIdempotencyKey(key)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(datamodel.StatusCancelled))
		}
		Expect(canceller.calls).To(HaveLen(2))
	})

	It("does not double-cancel on a repeat sweep", func() {
		seed("aaaa666666666666666666666666666666666666666666666666666666666666", "15", time.Now().Add(-time.Minute), datamodel.StatusPending)

		sweeper.SweepOnce(ctx)
		sweeper.SweepOnce(ctx)

		Expect(canceller.calls).To(HaveLen(1))
	})
})

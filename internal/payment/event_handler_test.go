package payment_test

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	datamodel "github.com/nhatpham/payment-service/internal/core/datamodel/payment"
	"github.com/nhatpham/payment-service/internal/core/events"
	"github.com/nhatpham/payment-service/internal/payment"
	"github.com/nhatpham/payment-service/internal/upstream"
)

type fakePreparer struct {
	cancelled []string
}

func (f *fakePreparer) Sign([]byte) string { return "signed" }

func (f *fakePreparer) StatusCallbackURL(orderID string) string {
	return "http://orders.local/api/payment-service/orders/" + orderID + "/payment-status"
}

func (f *fakePreparer) CancelOrder(_ context.Context, orderID, _, _ string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

var _ = Describe("EventHandler", func() {
	var (
		repo     *memoryRepository
		preparer *fakePreparer
		handler  *payment.EventHandler
		ctx      context.Context
	)

	seedCompleted := func(key, orderID, txID string) *datamodel.Payment {
		now := time.Now()
		p := &datamodel.Payment{
			IdempotencyKey: key,
			SessionID:      "sess-" + key[:8],
			OrderID:        orderID,
			PaymentMethod:  "bank_transfer",
			Amount:         decimal.NewFromInt(100000),
			Currency:       "VND",
			Status:         datamodel.StatusCompleted,
			TransactionID:  &txID,
			CompletedAt:    &now,
		}
		stored, _, err := repo.CreateOrFetch(p)
		Expect(err).NotTo(HaveOccurred())
		return stored
	}

	BeforeEach(func() {
		ctx = context.Background()
		repo = newMemoryRepository()
		preparer = &fakePreparer{}
		handler = payment.NewEventHandler(repo, preparer, testLogger())
	})

	It("enqueues a signed, addressed callback on completion", func() {
		seeded := seedCompleted("eeee111111111111111111111111111111111111111111111111111111111111", "42", "FT1")

		err := handler.HandlePaymentCompleted(ctx,
			events.NewPaymentCompletedEvent(seeded.IdempotencyKey, "42", "FT1", "100000", "VND"))
		Expect(err).NotTo(HaveOccurred())

		Expect(repo.callbacks).To(HaveLen(1))
		cb := repo.callbacks[0]
		Expect(cb.PaymentID).To(Equal(seeded.ID))
		Expect(cb.CallbackURL).To(ContainSubstring("/orders/42/payment-status"))
		Expect(cb.Signature).To(Equal("signed"))
		Expect(cb.Status).To(Equal(datamodel.CallbackStatusPending))

		var update upstream.StatusUpdate
		Expect(json.Unmarshal(cb.Payload, &update)).To(Succeed())
		Expect(update.Status).To(Equal(datamodel.StatusCompleted))
		Expect(update.TransactionID).To(Equal("FT1"))
		Expect(update.CompletedAt).NotTo(BeNil())
	})

	It("releases the order upstream on cancellation", func() {
		seeded := seedCompleted("eeee222222222222222222222222222222222222222222222222222222222222", "77", "FT2")

		err := handler.HandlePaymentCancelled(ctx,
			events.NewPaymentCancelledEvent(seeded.IdempotencyKey, "77", "user_requested", "api", false, false))
		Expect(err).NotTo(HaveOccurred())

		Expect(repo.callbacks).To(HaveLen(1))
		Expect(preparer.cancelled).To(Equal([]string{"77"}))
	})

	It("fails loudly when the payment no longer exists", func() {
		err := handler.HandlePaymentFailed(ctx,
			events.NewPaymentFailedEvent("missing", "1", "gateway_reported_failure"))
		Expect(err).To(HaveOccurred())
	})
})

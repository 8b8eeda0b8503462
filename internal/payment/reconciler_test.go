package payment_test

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/nhatpham/payment-service/internal"
	datamodel "github.com/nhatpham/payment-service/internal/core/datamodel/payment"
	"github.com/nhatpham/payment-service/internal/core/events"
	"github.com/nhatpham/payment-service/internal/gateway"
	"github.com/nhatpham/payment-service/internal/idempotency"
	"github.com/nhatpham/payment-service/internal/payment"
)

var _ = Describe("Service.HandleWebhook", func() {
	var (
		repo    *memoryRepository
		gw      *fakeGateway
		service *payment.Service
		ctx     context.Context
	)

	seedPayment := func(key, orderID, txID string) *datamodel.Payment {
		expires := time.Now().Add(15 * time.Minute)
		p := &datamodel.Payment{
			IdempotencyKey: key,
			SessionID:      "sess-" + key[:8],
			OrderID:        orderID,
			PaymentMethod:  "bank_transfer",
			Amount:         decimal.NewFromInt(100000),
			Currency:       "VND",
			Status:         datamodel.StatusPending,
			ExpiresAt:      &expires,
		}
		if txID != "" {
			p.TransactionID = &txID
		}
		stored, _, err := repo.CreateOrFetch(p)
		Expect(err).NotTo(HaveOccurred())
		return stored
	}

	BeforeEach(func() {
		ctx = context.Background()
		repo = newMemoryRepository()
		gw = &fakeGateway{method: gateway.MethodBankTransfer}
		service = payment.NewService(repo, idempotency.NewMemoryLedger(),
			gateway.NewRegistry(gw), &fakeUpstream{}, events.NewEventBus(testLogger()),
			testConfig(), testLogger())
	})

	It("completes a pending payment matched by the extracted order token", func() {
		seedPayment("1111111111111111111111111111111111111111111111111111111111111111", "42", "")
		gw.hook = &gateway.NormalizedWebhook{
			TransactionID:    "FT2024001",
			Status:           gateway.WebhookStatusCompleted,
			Amount:           decimal.NewFromInt(100000),
			ExtractedOrderID: "42",
		}

		raw := json.RawMessage(`{"referenceCode":"FT2024001","transferAmount":100000,"content":"DH42"}`)
		Expect(service.HandleWebhook(ctx, "bank_transfer", raw, "sig")).To(Succeed())

		stored, err := repo.GetByIdempotencyKey("1111111111111111111111111111111111111111111111111111111111111111")
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Status).To(Equal(datamodel.StatusCompleted))
		Expect(stored.CompletedAt).NotTo(BeNil())
		Expect(stored.GatewayTransactionID()).To(Equal("FT2024001"))
		Expect(repo.eventTypesFor(stored.ID)).To(ContainElements(
			datamodel.EventWebhookReceived, datamodel.EventCompleted))
	})

	It("prefers the transaction id over a recoverable order token", func() {
		byTx := seedPayment("2222222222222222222222222222222222222222222222222222222222222222", "50", "FT777")
		byToken := seedPayment("3333333333333333333333333333333333333333333333333333333333333333", "99", "")
		gw.hook = &gateway.NormalizedWebhook{
			TransactionID:    "FT777",
			Status:           gateway.WebhookStatusCompleted,
			ExtractedOrderID: "99",
		}

		Expect(service.HandleWebhook(ctx, "bank_transfer", json.RawMessage(`{}`), "sig")).To(Succeed())

		matched, err := repo.GetByIdempotencyKey(byTx.IdempotencyKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(matched.Status).To(Equal(datamodel.StatusCompleted))

		other, err := repo.GetByIdempotencyKey(byToken.IdempotencyKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(other.Status).To(Equal(datamodel.StatusPending))
	})

	It("matches the newest payment when an order has several attempts", func() {
		older := seedPayment("4444444444444444444444444444444444444444444444444444444444444444", "60", "")
		time.Sleep(5 * time.Millisecond)
		newer := seedPayment("5555555555555555555555555555555555555555555555555555555555555555", "60", "")
		gw.hook = &gateway.NormalizedWebhook{
			Status:  gateway.WebhookStatusCompleted,
			OrderID: "60",
		}

		Expect(service.HandleWebhook(ctx, "bank_transfer", json.RawMessage(`{}`), "sig")).To(Succeed())

		latest, err := repo.GetByIdempotencyKey(newer.IdempotencyKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(latest.Status).To(Equal(datamodel.StatusCompleted))

		first, err := repo.GetByIdempotencyKey(older.IdempotencyKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Status).To(Equal(datamodel.StatusPending))
	})

	It("completes the pending attempt when a newer attempt already failed", func() {
		pending := seedPayment("8888888888888888888888888888888888888888888888888888888888888888", "61", "")
		time.Sleep(5 * time.Millisecond)
		failed := seedPayment("9999999999999999999999999999999999999999999999999999999999999999", "61", "")
		Expect(repo.WithPaymentForUpdate(failed.IdempotencyKey, func(p *datamodel.Payment, _ payment.EventLog) error {
			p.MarkFailed("gateway_reported_failure", nil)
			return nil
		})).To(Succeed())
		gw.hook = &gateway.NormalizedWebhook{
			Status:  gateway.WebhookStatusCompleted,
			OrderID: "61",
		}

		Expect(service.HandleWebhook(ctx, "bank_transfer", json.RawMessage(`{}`), "sig")).To(Succeed())

		paid, err := repo.GetByIdempotencyKey(pending.IdempotencyKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(paid.Status).To(Equal(datamodel.StatusCompleted))
		Expect(repo.eventTypesFor(paid.ID)).NotTo(ContainElement(datamodel.EventDuplicateWebhook))

		terminal, err := repo.GetByIdempotencyKey(failed.IdempotencyKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(terminal.Status).To(Equal(datamodel.StatusFailed))
	})

	It("absorbs a duplicate confirmation as a no-op", func() {
		seeded := seedPayment("6666666666666666666666666666666666666666666666666666666666666666", "42", "FT1")
		gw.hook = &gateway.NormalizedWebhook{
			TransactionID: "FT1",
			Status:        gateway.WebhookStatusCompleted,
		}

		Expect(service.HandleWebhook(ctx, "bank_transfer", json.RawMessage(`{}`), "sig")).To(Succeed())
		Expect(service.HandleWebhook(ctx, "bank_transfer", json.RawMessage(`{}`), "sig")).To(Succeed())

		stored, err := repo.GetByIdempotencyKey(seeded.IdempotencyKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Status).To(Equal(datamodel.StatusCompleted))
		Expect(repo.eventTypesFor(stored.ID)).To(ContainElement(datamodel.EventDuplicateWebhook))
	})

	It("marks the payment failed on a failure notification", func() {
		seeded := seedPayment("7777777777777777777777777777777777777777777777777777777777777777", "42", "FT2")
		gw.hook = &gateway.NormalizedWebhook{
			TransactionID: "FT2",
			Status:        gateway.WebhookStatusFailed,
		}

		Expect(service.HandleWebhook(ctx, "bank_transfer", json.RawMessage(`{}`), "sig")).To(Succeed())

		stored, err := repo.GetByIdempotencyKey(seeded.IdempotencyKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Status).To(Equal(datamodel.StatusFailed))
	})

	It("rejects an invalid signature and records the webhook as failed", func() {
		gw.rejectSig = true
		err := service.HandleWebhook(ctx, "bank_transfer", json.RawMessage(`{}`), "bogus")
		Expect(err).To(MatchError(internal.ErrInvalidSignature))
		Expect(repo.webhooks).To(HaveLen(1))
		Expect(repo.webhooks[0].Status).To(Equal(datamodel.WebhookStatusFailed))
	})

	It("swallows an unmatched confirmation but keeps the record", func() {
		gw.hook = &gateway.NormalizedWebhook{
			TransactionID: "FT-UNKNOWN",
			Status:        gateway.WebhookStatusCompleted,
		}
		Expect(service.HandleWebhook(ctx, "bank_transfer", json.RawMessage(`{"x":1}`), "sig")).To(Succeed())
		Expect(repo.webhooks).To(HaveLen(1))
	})

	It("drops a webhook for an unsupported gateway without error", func() {
		Expect(service.HandleWebhook(ctx, "crypto", json.RawMessage(`{}`), "sig")).To(Succeed())
		Expect(repo.webhooks).To(BeEmpty())
	})

	It("persists a bank ledger payload verbatim even without a match", func() {
		gw.hook = &gateway.NormalizedWebhook{
			TransactionID: "FT-NOMATCH",
			Status:        gateway.WebhookStatusCompleted,
		}
		raw := json.RawMessage(`{"referenceCode":"FT-NOMATCH","transferAmount":50000,"content":"tien ve"}`)
		Expect(service.HandleWebhook(ctx, "bank_transfer", raw, "sig")).To(Succeed())

		Expect(repo.bankTxs).To(HaveLen(1))
		Expect(repo.bankTxs[0].ReferenceNumber).To(Equal("FT-NOMATCH"))
		Expect(repo.bankTxs[0].AmountIn.String()).To(Equal("50000"))
	})
})

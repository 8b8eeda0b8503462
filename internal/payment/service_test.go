package payment_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
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
	"github.com/nhatpham/payment-service/internal/signature"
	"github.com/nhatpham/payment-service/internal/upstream"
)

const testSecret = "test-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPayment(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Payment Suite")
}

// memoryRepository is an in-memory RepositoryAPI used across the suite.
type memoryRepository struct {
	mu        sync.Mutex
	nextID    int64
	payments  map[string]*datamodel.Payment
	events    []*datamodel.Event
	webhooks  []*datamodel.Webhook
	bankTxs   []*datamodel.BankTransaction
	callbacks []*datamodel.Callback
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{payments: map[string]*datamodel.Payment{}}
}

func (r *memoryRepository) CreateOrFetch(p *datamodel.Payment) (*datamodel.Payment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stored, ok := r.payments[p.IdempotencyKey]; ok {
		return clonePayment(stored), false, nil
	}
	r.nextID++
	p.ID = r.nextID
	p.CreatedAt = time.Now()
	r.payments[p.IdempotencyKey] = clonePayment(p)
	return clonePayment(p), true, nil
}

func (r *memoryRepository) GetByIdempotencyKey(key string) (*datamodel.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stored, ok := r.payments[key]; ok {
		return clonePayment(stored), nil
	}
	return nil, internal.ErrPaymentNotFound
}

func (r *memoryRepository) GetByTransactionID(transactionID string) (*datamodel.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, stored := range r.payments {
		if stored.TransactionID != nil && *stored.TransactionID == transactionID {
			return clonePayment(stored), nil
		}
	}
	return nil, internal.ErrPaymentNotFound
}

func (r *memoryRepository) GetLatestByOrderID(orderID string) (*datamodel.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest, latestPending *datamodel.Payment
	for _, stored := range r.payments {
		if stored.OrderID != orderID {
			continue
		}
		if latest == nil || stored.CreatedAt.After(latest.CreatedAt) {
			latest = stored
		}
		if stored.Status == datamodel.StatusPending &&
			(latestPending == nil || stored.CreatedAt.After(latestPending.CreatedAt)) {
			latestPending = stored
		}
	}
	if latestPending != nil {
		return clonePayment(latestPending), nil
	}
	if latest == nil {
		return nil, internal.ErrPaymentNotFound
	}
	return clonePayment(latest), nil
}

func (r *memoryRepository) Save(p *datamodel.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[p.IdempotencyKey] = clonePayment(p)
	return nil
}

// WithPaymentForUpdate stages events appended inside fn and commits them
// with the row, mirroring the transactional repository: a failed closure
// leaves neither the mutation nor its events behind.
func (r *memoryRepository) WithPaymentForUpdate(key string, fn func(p *datamodel.Payment, log payment.EventLog) error) error {
	r.mu.Lock()
	stored, ok := r.payments[key]
	if !ok {
		r.mu.Unlock()
		return internal.ErrPaymentNotFound
	}
	working := clonePayment(stored)
	r.mu.Unlock()
	staged := &stagedEventLog{}
	if err := fn(working, staged); err != nil {
		return err
	}
	r.mu.Lock()
	r.payments[key] = clonePayment(working)
	r.mu.Unlock()
	for _, e := range staged.events {
		if err := r.AppendEvent(e); err != nil {
			return err
		}
	}
	return nil
}

type stagedEventLog struct {
	events []*datamodel.Event
}

func (l *stagedEventLog) AppendEvent(e *datamodel.Event) error {
	l.events = append(l.events, e)
	return nil
}

func (r *memoryRepository) FindExpiredPending(limit int) ([]*datamodel.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*datamodel.Payment
	for _, stored := range r.payments {
		if stored.Status == datamodel.StatusPending && stored.ExpiresAt != nil && stored.ExpiresAt.Before(time.Now()) {
			out = append(out, clonePayment(stored))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepository) AppendEvent(e *datamodel.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.CreatedAt = time.Now()
	r.events = append(r.events, e)
	return nil
}

func (r *memoryRepository) EventsForPayment(paymentID int64, eventType string) ([]*datamodel.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*datamodel.Event
	for _, e := range r.events {
		if e.PaymentID != paymentID {
			continue
		}
		if eventType != "" && e.EventType != eventType {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryRepository) SaveWebhook(w *datamodel.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.ID = int64(len(r.webhooks) + 1)
	r.webhooks = append(r.webhooks, w)
	return nil
}

func (r *memoryRepository) UpdateWebhook(w *datamodel.Webhook) error {
	return nil
}

func (r *memoryRepository) SaveBankTransaction(tx *datamodel.BankTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx.ID = int64(len(r.bankTxs) + 1)
	r.bankTxs = append(r.bankTxs, tx)
	return nil
}

func (r *memoryRepository) EnqueueCallback(cb *datamodel.Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb.ID = int64(len(r.callbacks) + 1)
	r.callbacks = append(r.callbacks, cb)
	return nil
}

func (r *memoryRepository) DueCallbacks(limit int) ([]*datamodel.Callback, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*datamodel.Callback
	for _, cb := range r.callbacks {
		if cb.Status != datamodel.CallbackStatusPending && cb.Status != datamodel.CallbackStatusRetrying {
			continue
		}
		if cb.NextRetryAt != nil && cb.NextRetryAt.After(time.Now()) {
			continue
		}
		out = append(out, cb)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepository) UpdateCallback(cb *datamodel.Callback) error {
	return nil
}

func (r *memoryRepository) eventTypesFor(paymentID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.PaymentID == paymentID {
			out = append(out, e.EventType)
		}
	}
	return out
}

func clonePayment(p *datamodel.Payment) *datamodel.Payment {
	cp := *p
	if p.TransactionID != nil {
		tx := *p.TransactionID
		cp.TransactionID = &tx
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		cp.ExpiresAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	cp.GatewayData = append(json.RawMessage(nil), p.GatewayData...)
	cp.ResponseData = append(json.RawMessage(nil), p.ResponseData...)
	return &cp
}

// fakeGateway is a scriptable gateway adapter.
type fakeGateway struct {
	method       gateway.Method
	createCalls  int
	createErr    error
	result       *gateway.CreateResult
	hook         *gateway.NormalizedWebhook
	normalizeErr error
	rejectSig    bool
}

func (f *fakeGateway) Method() gateway.Method { return f.method }

func (f *fakeGateway) Create(_ context.Context, req gateway.CreateRequest) (*gateway.CreateResult, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &gateway.CreateResult{
		QRCodeURL:     "https://qr.example.com/img?des=DH" + req.OrderID,
		TransactionID: "TX-" + req.OrderID,
		Status:        datamodel.StatusPending,
	}, nil
}

func (f *fakeGateway) NormalizeWebhook(raw json.RawMessage) (*gateway.NormalizedWebhook, error) {
	if f.normalizeErr != nil {
		return nil, f.normalizeErr
	}
	hook := *f.hook
	hook.RawPayload = raw
	return &hook, nil
}

func (f *fakeGateway) VerifySignature(json.RawMessage, string) bool {
	return !f.rejectSig
}

type fakeUpstream struct {
	order    *upstream.Order
	fetchErr error
}

func (f *fakeUpstream) FetchOrder(context.Context, string) (*upstream.Order, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.order, nil
}

func testConfig() *internal.Config {
	return &internal.Config{
		Server:   internal.ServerConfig{BaseURL: "http://payments.local"},
		Security: internal.SecurityConfig{UpstreamSecret: testSecret, CancelDriftTolerance: 300 * time.Second},
		Payment:  internal.PaymentConfig{TTL: 15 * time.Minute, IdempotencyTTL: 10 * time.Minute},
		Upstream: internal.UpstreamConfig{BaseURL: "http://orders.local"},
	}
}

func signCreation(req *payment.CreatePaymentRequest) string {
	canonical, err := signature.CanonicalCreation(signature.CreationPayload{
		OrderID:        req.OrderID,
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: req.IdempotencyKey,
		Session:        req.Session,
		Amount:         req.Amount,
		Currency:       req.Currency,
		CustomerData:   req.CustomerData,
		Description:    req.Description,
	})
	Expect(err).NotTo(HaveOccurred())
	return signature.Sign(canonical, testSecret)
}

func signCancellation(paymentKey string, req *payment.CancelPaymentRequest) string {
	canonical, err := signature.CanonicalCancellation(signature.CancellationPayload{
		PaymentID:     paymentKey,
		PaymentMethod: req.PaymentMethod,
		Reason:        req.Reason,
		Force:         req.Force,
		CancelledBy:   req.CancelledBy,
		Timestamp:     req.Timestamp,
		Metadata:      req.Metadata,
	})
	Expect(err).NotTo(HaveOccurred())
	return signature.Sign(canonical, testSecret)
}

var _ = Describe("Service.CreatePayment", func() {
	var (
		repo    *memoryRepository
		gw      *fakeGateway
		service *payment.Service
		ctx     context.Context
	)

	newRequest := func() (*payment.CreatePaymentRequest, []byte) {
		req := &payment.CreatePaymentRequest{
			OrderID:        "42",
			PaymentMethod:  "bank_transfer",
			IdempotencyKey: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			Amount:         json.Number("100000"),
			Currency:       "VND",
		}
		rawBody, err := json.Marshal(req)
		Expect(err).NotTo(HaveOccurred())
		return req, rawBody
	}

	BeforeEach(func() {
		ctx = context.Background()
		repo = newMemoryRepository()
		gw = &fakeGateway{method: gateway.MethodBankTransfer}
		service = payment.NewService(repo, idempotency.NewMemoryLedger(),
			gateway.NewRegistry(gw), &fakeUpstream{}, events.NewEventBus(testLogger()),
			testConfig(), testLogger())
	})

	It("admits a signed request and calls the gateway once", func() {
		req, rawBody := newRequest()
		resp, err := service.CreatePayment(ctx, req, rawBody, signCreation(req), "")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(datamodel.StatusPending))
		Expect(resp.QRCodeURL).To(ContainSubstring("DH42"))
		Expect(resp.TransactionID).To(Equal("TX-42"))
		Expect(resp.ExpiresAt).NotTo(BeNil())
		Expect(gw.createCalls).To(Equal(1))
	})

	It("rejects a bad signature before touching any state", func() {
		req, rawBody := newRequest()
		_, err := service.CreatePayment(ctx, req, rawBody, "deadbeef", "")
		Expect(err).To(MatchError(internal.ErrInvalidSignature))
		Expect(gw.createCalls).To(BeZero())
		_, err = repo.GetByIdempotencyKey(req.IdempotencyKey)
		Expect(err).To(MatchError(internal.ErrPaymentNotFound))
	})

	It("serves a byte-identical replay from the ledger without a second gateway call", func() {
		req, rawBody := newRequest()
		sig := signCreation(req)
		first, err := service.CreatePayment(ctx, req, rawBody, sig, "")
		Expect(err).NotTo(HaveOccurred())

		second, err := service.CreatePayment(ctx, req, rawBody, sig, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(second.PaymentID).To(Equal(first.PaymentID))
		Expect(second.SessionID).To(Equal(first.SessionID))
		Expect(second.TransactionID).To(Equal(first.TransactionID))
		Expect(second.Status).To(Equal(first.Status))
		Expect(gw.createCalls).To(Equal(1))

		stored, err := repo.GetByIdempotencyKey(req.IdempotencyKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(repo.eventTypesFor(stored.ID)).To(ContainElement(datamodel.EventIdempotentRequest))
	})

	It("replays from the durable row when the ledger has expired", func() {
		req, rawBody := newRequest()
		sig := signCreation(req)
		first, err := service.CreatePayment(ctx, req, rawBody, sig, "")
		Expect(err).NotTo(HaveOccurred())

		// Fresh service with an empty ledger, same store.
		service = payment.NewService(repo, idempotency.NewMemoryLedger(),
			gateway.NewRegistry(gw), &fakeUpstream{}, events.NewEventBus(testLogger()),
			testConfig(), testLogger())
		second, err := service.CreatePayment(ctx, req, rawBody, sig, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(second.PaymentID).To(Equal(first.PaymentID))
		Expect(second.TransactionID).To(Equal(first.TransactionID))
		Expect(gw.createCalls).To(Equal(1))
	})

	It("rejects a divergent payload under a known key", func() {
		req, rawBody := newRequest()
		_, err := service.CreatePayment(ctx, req, rawBody, signCreation(req), "")
		Expect(err).NotTo(HaveOccurred())

		divergent, divergentBody := newRequest()
		divergent.OrderID = "43"
		divergentBody, err = json.Marshal(divergent)
		Expect(err).NotTo(HaveOccurred())
		_, err = service.CreatePayment(ctx, divergent, divergentBody, signCreation(divergent), "")
		Expect(err).To(MatchError(internal.ErrIdempotencyConflict))
		Expect(gw.createCalls).To(Equal(1))
	})

	It("fails the payment when the gateway is unavailable", func() {
		gw.createErr = internal.ErrGatewayUnavailable
		req, rawBody := newRequest()
		_, err := service.CreatePayment(ctx, req, rawBody, signCreation(req), "")
		Expect(err).To(MatchError(internal.ErrGatewayUnavailable))

		stored, err := repo.GetByIdempotencyKey(req.IdempotencyKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Status).To(Equal(datamodel.StatusFailed))
	})

	It("prices the payment from the order when the request carries no amount", func() {
		service = payment.NewService(repo, idempotency.NewMemoryLedger(),
			gateway.NewRegistry(gw),
			&fakeUpstream{order: &upstream.Order{ID: 42, TotalAmount: decimal.NewFromInt(250000), Currency: "VND"}},
			events.NewEventBus(testLogger()), testConfig(), testLogger())

		req, _ := newRequest()
		req.Amount = ""
		rawBody, err := json.Marshal(req)
		Expect(err).NotTo(HaveOccurred())
		resp, err := service.CreatePayment(ctx, req, rawBody, signCreation(req), "")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Amount).To(Equal("250000"))
	})

	It("rejects an unsupported payment method", func() {
		req, rawBody := newRequest()
		req.PaymentMethod = "crypto"
		_, err := service.CreatePayment(ctx, req, rawBody, signCreation(req), "")
		Expect(err).To(MatchError(internal.ErrUnsupportedPaymentMethod))
	})
})

var _ = Describe("Service.Cancel", func() {
	var (
		repo    *memoryRepository
		gw      *fakeGateway
		service *payment.Service
		ctx     context.Context
		key     string
	)

	BeforeEach(func() {
		ctx = context.Background()
		repo = newMemoryRepository()
		gw = &fakeGateway{method: gateway.MethodBankTransfer}
		service = payment.NewService(repo, idempotency.NewMemoryLedger(),
			gateway.NewRegistry(gw), &fakeUpstream{}, events.NewEventBus(testLogger()),
			testConfig(), testLogger())

		req := &payment.CreatePaymentRequest{
			OrderID:        "42",
			PaymentMethod:  "bank_transfer",
			IdempotencyKey: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
			Amount:         json.Number("100000"),
		}
		rawBody, err := json.Marshal(req)
		Expect(err).NotTo(HaveOccurred())
		_, err = service.CreatePayment(ctx, req, rawBody, signCreation(req), "")
		Expect(err).NotTo(HaveOccurred())
		key = req.IdempotencyKey
	})

	It("cancels a pending payment with a valid signed request", func() {
		req := &payment.CancelPaymentRequest{PaymentMethod: "bank_transfer", Timestamp: time.Now().Unix()}
		Expect(service.Cancel(ctx, key, req, signCancellation(key, req))).To(Succeed())

		stored, err := repo.GetByIdempotencyKey(key)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Status).To(Equal(datamodel.StatusCancelled))
	})

	It("rejects a valid signature over a stale timestamp", func() {
		req := &payment.CancelPaymentRequest{PaymentMethod: "bank_transfer", Timestamp: time.Now().Add(-10 * time.Minute).Unix()}
		err := service.Cancel(ctx, key, req, signCancellation(key, req))
		Expect(err).To(MatchError(internal.ErrSignatureExpired))
	})

	It("rejects a tampered signature", func() {
		req := &payment.CancelPaymentRequest{PaymentMethod: "bank_transfer", Timestamp: time.Now().Unix()}
		err := service.Cancel(ctx, key, req, "deadbeef")
		Expect(err).To(MatchError(internal.ErrInvalidSignature))
	})

	It("rejects a payment method mismatch", func() {
		req := &payment.CancelPaymentRequest{PaymentMethod: "wallet", Timestamp: time.Now().Unix()}
		err := service.Cancel(ctx, key, req, signCancellation(key, req))
		Expect(err).To(MatchError(internal.ErrPaymentMethodMismatch))
	})

	It("absorbs a repeat cancellation as a no-op", func() {
		req := &payment.CancelPaymentRequest{PaymentMethod: "bank_transfer", Timestamp: time.Now().Unix()}
		Expect(service.Cancel(ctx, key, req, signCancellation(key, req))).To(Succeed())

		repeat := &payment.CancelPaymentRequest{PaymentMethod: "bank_transfer", Timestamp: time.Now().Unix()}
		Expect(service.Cancel(ctx, key, repeat, signCancellation(key, repeat))).To(Succeed())

		stored, err := repo.GetByIdempotencyKey(key)
		Expect(err).NotTo(HaveOccurred())
		Expect(repo.eventTypesFor(stored.ID)).To(ContainElement(datamodel.EventIdempotentRequest))
	})
})

var _ = Describe("Service.GetStatus", func() {
	var (
		repo    *memoryRepository
		service *payment.Service
	)

	BeforeEach(func() {
		repo = newMemoryRepository()
		service = payment.NewService(repo, idempotency.NewMemoryLedger(),
			gateway.NewRegistry(&fakeGateway{method: gateway.MethodBankTransfer}),
			&fakeUpstream{}, events.NewEventBus(testLogger()), testConfig(), testLogger())
	})

	It("reports an expired pending payment as expired", func() {
		past := time.Now().Add(-time.Minute)
		_, _, err := repo.CreateOrFetch(&datamodel.Payment{
			IdempotencyKey: "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc",
			SessionID:      "sess-1",
			OrderID:        "7",
			PaymentMethod:  "bank_transfer",
			Amount:         decimal.NewFromInt(1000),
			Status:         datamodel.StatusPending,
			ExpiresAt:      &past,
		})
		Expect(err).NotTo(HaveOccurred())

		_, err = service.GetStatus("cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc")
		Expect(err).To(MatchError(internal.ErrPaymentExpired))
	})

	It("returns not found for an unknown key", func() {
		_, err := service.GetStatus("missing")
		Expect(err).To(MatchError(internal.ErrPaymentNotFound))
	})
})

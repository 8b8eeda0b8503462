package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nhatpham/payment-service/internal"
	"github.com/nhatpham/payment-service/internal/payment"
	"github.com/nhatpham/payment-service/internal/signature"
)

// fakeService scripts the service layer for handler tests.
type fakeService struct {
	createResp  *payment.PaymentResponse
	createErr   error
	statusResp  *payment.StatusResponse
	statusErr   error
	cancelErr   error
	webhookErr  error
	lastGateway string
	lastRawBody []byte
	lastSig     string
	lastHeader  string
}

func (f *fakeService) CreatePayment(_ context.Context, _ *payment.CreatePaymentRequest, rawBody []byte, sig, headerKey string) (*payment.PaymentResponse, error) {
	f.lastRawBody = rawBody
	f.lastSig = sig
	f.lastHeader = headerKey
	return f.createResp, f.createErr
}

func (f *fakeService) GetStatus(string) (*payment.StatusResponse, error) {
	return f.statusResp, f.statusErr
}

func (f *fakeService) Cancel(context.Context, string, *payment.CancelPaymentRequest, string) error {
	return f.cancelErr
}

func (f *fakeService) UpdateStatusFromUpstream(context.Context, string, *payment.StatusUpdateRequest) error {
	return nil
}

func (f *fakeService) HandleWebhook(_ context.Context, gatewayName string, rawBody json.RawMessage, sig string) error {
	f.lastGateway = gatewayName
	f.lastRawBody = rawBody
	f.lastSig = sig
	return f.webhookErr
}

func (f *fakeService) History(string, string) ([]*payment.EventResponse, error) {
	return nil, nil
}

var _ = Describe("Handler", func() {
	var (
		svc    *fakeService
		router *chi.Mux
	)

	BeforeEach(func() {
		svc = &fakeService{
			createResp: &payment.PaymentResponse{PaymentID: "key", Status: "pending"},
			statusResp: &payment.StatusResponse{PaymentID: "key", Status: "pending"},
		}
		handler := payment.NewHandler(svc, nil, testLogger())
		router = chi.NewRouter()
		router.Post("/api/payments", handler.CreatePayment)
		router.Get("/api/payments/{id}/status", handler.GetStatus)
		router.Post("/api/payments/{id}/cancel", handler.Cancel)
		router.Post("/api/payments/webhooks/{gateway}", handler.HandleWebhook)
		router.Post("/api/payments/paypal/orders", handler.CreatePayPalOrder)
	})

	Describe("CreatePayment", func() {
		It("forwards the exact raw body, signature and idempotency header", func() {
			body := []byte(`{"order_id":"42","payment_method":"bank_transfer"}`)
			req := httptest.NewRequest(http.MethodPost, "/api/payments", bytes.NewReader(body))
			req.Header.Set(signature.Header, "sig-value")
			key := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
			req.Header.Set("X-Idempotency-Key", key)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(svc.lastRawBody).To(Equal(body))
			Expect(svc.lastSig).To(Equal("sig-value"))
			Expect(svc.lastHeader).To(Equal(key))
		})

		It("rejects a malformed idempotency key header", func() {
			req := httptest.NewRequest(http.MethodPost, "/api/payments", bytes.NewReader([]byte(`{}`)))
			req.Header.Set("X-Idempotency-Key", "not-hex")
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects a non-JSON body", func() {
			req := httptest.NewRequest(http.MethodPost, "/api/payments", bytes.NewReader([]byte("not json")))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("maps an idempotency conflict to 409", func() {
			svc.createErr = internal.ErrIdempotencyConflict
			req := httptest.NewRequest(http.MethodPost, "/api/payments", bytes.NewReader([]byte(`{}`)))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusConflict))
		})
	})

	Describe("GetStatus", func() {
		It("maps a missing payment to 404", func() {
			svc.statusErr = internal.ErrPaymentNotFound
			req := httptest.NewRequest(http.MethodGet, "/api/payments/key/status", nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("Cancel", func() {
		It("maps an invalid signature to 401", func() {
			svc.cancelErr = internal.ErrInvalidSignature
			req := httptest.NewRequest(http.MethodPost, "/api/payments/key/cancel", bytes.NewReader([]byte(`{"payment_method":"wallet","timestamp":1}`)))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("HandleWebhook", func() {
		It("acknowledges a processed webhook with success", func() {
			req := httptest.NewRequest(http.MethodPost, "/api/payments/webhooks/bank_transfer", bytes.NewReader([]byte(`{"referenceCode":"FT1"}`)))
			req.Header.Set(signature.Header, "hook-sig")
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(svc.lastGateway).To(Equal("bank_transfer"))
			Expect(svc.lastSig).To(Equal("hook-sig"))

			var body map[string]interface{}
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body["success"]).To(BeTrue())
		})

		It("rejects a webhook with an invalid signature", func() {
			svc.webhookErr = internal.ErrInvalidSignature
			req := httptest.NewRequest(http.MethodPost, "/api/payments/webhooks/bank_transfer", bytes.NewReader([]byte(`{}`)))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("falls back to the Authorization header for the signature", func() {
			req := httptest.NewRequest(http.MethodPost, "/api/payments/webhooks/wallet", bytes.NewReader([]byte(`{}`)))
			req.Header.Set("Authorization", "Apikey secret")
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(svc.lastSig).To(Equal("Apikey secret"))
		})
	})

	Describe("CreatePayPalOrder", func() {
		It("reports the method unsupported when paypal is not configured", func() {
			req := httptest.NewRequest(http.MethodPost, "/api/payments/paypal/orders", bytes.NewReader([]byte(`{"order_id":"1","amount":100}`)))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})
})

package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nhatpham/payment-service/internal"
	"github.com/nhatpham/payment-service/internal/core/datamodel/payment"
	"github.com/nhatpham/payment-service/internal/core/events"
	"github.com/nhatpham/payment-service/internal/gateway"
	"github.com/nhatpham/payment-service/internal/idempotency"
	"github.com/nhatpham/payment-service/internal/signature"
	"github.com/nhatpham/payment-service/internal/upstream"
)

// UpstreamAPI is the slice of the order system the creation path needs.
type UpstreamAPI interface {
	FetchOrder(ctx context.Context, orderID string) (*upstream.Order, error)
}

// Service implements the payment core: idempotent admission, the lifecycle
// state machine, webhook reconciliation and the cancellation protocol.
type Service struct {
	repo            RepositoryAPI
	ledger          idempotency.Ledger
	gateways        *gateway.Registry
	upstream        UpstreamAPI
	eventBus        *events.EventBus
	reconciler      *Reconciler
	ttl             time.Duration
	idempotencyTTL  time.Duration
	secret          string
	driftTolerance  time.Duration
	serverBaseURL   string
	upstreamBaseURL string
	logger          *slog.Logger
}

func NewService(
	repo RepositoryAPI,
	ledger idempotency.Ledger,
	gateways *gateway.Registry,
	upstreamClient UpstreamAPI,
	eventBus *events.EventBus,
	cfg *internal.Config,
	logger *slog.Logger,
) *Service {
	return &Service{
		repo:            repo,
		ledger:          ledger,
		gateways:        gateways,
		upstream:        upstreamClient,
		eventBus:        eventBus,
		reconciler:      NewReconciler(repo, logger),
		ttl:             cfg.Payment.TTL,
		idempotencyTTL:  cfg.Payment.IdempotencyTTL,
		secret:          cfg.Security.UpstreamSecret,
		driftTolerance:  cfg.Security.CancelDriftTolerance,
		serverBaseURL:   cfg.Server.BaseURL,
		upstreamBaseURL: cfg.Upstream.BaseURL,
		logger:          logger,
	}
}

// CreatePayment admits a signed creation request exactly once per
// idempotency key: a byte-identical replay returns the cached response, a
// divergent replay is a hard conflict, and only the first admission calls
// the gateway.
func (s *Service) CreatePayment(ctx context.Context, req *CreatePaymentRequest, rawBody []byte, sig, headerKey string) (*PaymentResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	method, err := gateway.ParseMethod(req.PaymentMethod)
	if err != nil {
		return nil, err
	}
	if err := s.verifyCreationSignature(req, sig); err != nil {
		return nil, err
	}

	amount, currency, customerData, description, err := s.resolveOrder(ctx, req)
	if err != nil {
		return nil, err
	}

	key := headerKey
	if key == "" {
		key = req.IdempotencyKey
	}
	if key == "" {
		key = generateIdempotencyKey(req.OrderID, amount)
	}
	session := req.Session
	if session == "" {
		session = uuid.New().String()
	}
	payloadHash := idempotency.HashPayload(rawBody)

	// Ledger first: a fresh replay is served from cache without touching
	// the gateway; a divergent payload under a known key is rejected.
	if entry, err := s.ledger.Get(ctx, key); err != nil {
		s.logger.Warn("idempotency ledger unavailable, falling through to store", "error", err)
	} else if entry != nil {
		if entry.PayloadHash != payloadHash {
			s.logger.Warn("idempotency conflict from ledger", "idempotency_key", key)
			return nil, internal.ErrIdempotencyConflict
		}
		var cached PaymentResponse
		if err := json.Unmarshal(entry.Response, &cached); err == nil {
			if p, err := s.repo.GetByIdempotencyKey(key); err == nil {
				s.appendEvent(s.repo, p.ID, payment.EventIdempotentRequest, map[string]interface{}{"source": "ledger"}, nil)
			}
			s.logger.Info("idempotent replay served from ledger", "idempotency_key", key)
			return &cached, nil
		}
	}

	expiresAt := time.Now().Add(s.ttl)
	entity := &payment.Payment{
		IdempotencyKey: key,
		SessionID:      session,
		OrderID:        req.OrderID,
		PaymentMethod:  string(method),
		Amount:         amount,
		Currency:       currency,
		Status:         payment.StatusPending,
		ExpiresAt:      &expiresAt,
	}
	stored, created, err := s.repo.CreateOrFetch(entity)
	if err != nil {
		s.logger.Error("failed to persist payment", "error", err, "idempotency_key", key)
		return nil, internal.NewInternalError("failed to persist payment", err)
	}
	if !created {
		// The durable row outlives the ledger TTL and takes precedence
		// over an empty cache.
		if stored.OrderID != req.OrderID || stored.PaymentMethod != string(method) {
			s.logger.Warn("idempotency conflict from store",
				"idempotency_key", key,
				"stored_order_id", stored.OrderID,
				"requested_order_id", req.OrderID)
			return nil, internal.ErrIdempotencyConflict
		}
		s.appendEvent(s.repo, stored.ID, payment.EventIdempotentRequest, map[string]interface{}{"source": "store"}, nil)
		s.logger.Info("idempotent replay served from store", "idempotency_key", key)
		return s.replayResponse(stored), nil
	}

	s.appendEvent(s.repo, stored.ID, payment.EventCreated, map[string]interface{}{
		"order_id":       req.OrderID,
		"payment_method": string(method),
		"amount":         amount.String(),
		"currency":       currency,
	}, nil)

	g, err := s.gateways.Get(method)
	if err != nil {
		return nil, err
	}
	result, err := g.Create(ctx, gateway.CreateRequest{
		OrderID:      req.OrderID,
		Amount:       amount,
		Currency:     currency,
		CustomerData: customerData,
		Description:  description,
		ReturnURL:    fmt.Sprintf("%s/thank-you?order_id=%s", s.upstreamBaseURL, req.OrderID),
		NotifyURL:    fmt.Sprintf("%s/api/payments/webhooks/%s", s.serverBaseURL, method),
	})
	if err != nil {
		return nil, s.failCreation(ctx, stored, err)
	}

	resultRaw, _ := json.Marshal(result)
	if result.TransactionID != "" {
		txID := result.TransactionID
		stored.TransactionID = &txID
	}
	stored.MergeGatewayData(map[string]interface{}{
		"transaction_id":   result.TransactionID,
		"gateway_response": json.RawMessage(resultRaw),
	})

	response := &PaymentResponse{
		PaymentID:     stored.IdempotencyKey,
		SessionID:     stored.SessionID,
		OrderID:       stored.OrderID,
		PaymentMethod: stored.PaymentMethod,
		Amount:        amount.String(),
		Currency:      currency,
		Status:        stored.Status,
		PaymentURL:    result.PaymentURL,
		QRCodeURL:     result.QRCodeURL,
		TransactionID: result.TransactionID,
		ExpiresAt:     stored.ExpiresAt,
		CreatedAt:     stored.CreatedAt,
	}
	responseRaw, err := json.Marshal(response)
	if err != nil {
		return nil, internal.NewInternalError("failed to encode payment response", err)
	}
	stored.ResponseData = responseRaw
	if err := s.repo.Save(stored); err != nil {
		s.logger.Error("failed to save gateway result", "error", err, "idempotency_key", key)
		return nil, internal.NewInternalError("failed to persist payment", err)
	}

	s.appendEvent(s.repo, stored.ID, payment.EventInitiated, map[string]interface{}{
		"transaction_id": result.TransactionID,
		"payment_url":    result.PaymentURL,
	}, resultRaw)

	if err := s.ledger.Set(ctx, key, idempotency.Entry{
		PayloadHash: payloadHash,
		Response:    responseRaw,
		StoredAt:    time.Now(),
	}, s.idempotencyTTL); err != nil {
		s.logger.Warn("failed to commit idempotency ledger entry", "error", err, "idempotency_key", key)
	}

	s.logger.Info("payment created",
		"idempotency_key", key,
		"order_id", req.OrderID,
		"payment_method", string(method),
		"amount", amount.String())
	return response, nil
}

// GetStatus hides expired pendings: they read as not found even before the
// sweeper has driven them to cancelled.
func (s *Service) GetStatus(paymentKey string) (*StatusResponse, error) {
	p, err := s.repo.GetByIdempotencyKey(paymentKey)
	if err != nil {
		return nil, err
	}
	if p.IsPending() && p.IsExpired() {
		return nil, internal.ErrPaymentExpired
	}
	return &StatusResponse{
		PaymentID:     p.IdempotencyKey,
		OrderID:       p.OrderID,
		PaymentMethod: p.PaymentMethod,
		Amount:        p.Amount.String(),
		Currency:      p.Currency,
		Status:        p.Status,
		TransactionID: p.GatewayTransactionID(),
		CompletedAt:   p.CompletedAt,
		ExpiresAt:     p.ExpiresAt,
		CreatedAt:     p.CreatedAt,
	}, nil
}

// Cancel is transactional: signature and timestamp drift are checked before
// any state is touched, then the row is locked so a racing webhook and this
// cancellation resolve deterministically.
func (s *Service) Cancel(ctx context.Context, paymentKey string, req *CancelPaymentRequest, sig string) error {
	if err := req.Validate(); err != nil {
		return err
	}
	method, err := gateway.ParseMethod(req.PaymentMethod)
	if err != nil {
		return err
	}
	canonical, err := signature.CanonicalCancellation(signature.CancellationPayload{
		PaymentID:     paymentKey,
		PaymentMethod: req.PaymentMethod,
		Reason:        req.Reason,
		Force:         req.Force,
		CancelledBy:   req.CancelledBy,
		Timestamp:     req.Timestamp,
		Metadata:      req.Metadata,
	})
	if err != nil {
		return internal.NewInternalError("failed to canonicalize cancellation", err)
	}
	if !signature.Verify(canonical, sig, s.secret) {
		s.logger.Warn("cancellation signature rejected", "payment_key", paymentKey)
		return internal.ErrInvalidSignature
	}
	if err := signature.VerifyTimestamp(req.Timestamp, s.driftTolerance); err != nil {
		s.logger.Warn("cancellation timestamp outside drift tolerance",
			"payment_key", paymentKey,
			"timestamp", req.Timestamp)
		return err
	}

	reason := "user_requested"
	if req.Reason != nil && *req.Reason != "" {
		reason = *req.Reason
	}
	cancelledBy := "api"
	if req.CancelledBy != nil && *req.CancelledBy != "" {
		cancelledBy = *req.CancelledBy
	}

	var cancelled, wasExpired bool
	var orderID string
	err = s.repo.WithPaymentForUpdate(paymentKey, func(p *payment.Payment, log EventLog) error {
		if p.PaymentMethod != string(method) {
			return internal.ErrPaymentMethodMismatch
		}
		if p.IsTerminal() {
			// Absorbing terminal state: repeat cancellation is a no-op.
			s.appendEvent(log, p.ID, payment.EventIdempotentRequest, map[string]interface{}{
				"operation": "cancel",
				"status":    p.Status,
			}, nil)
			return nil
		}
		wasExpired = p.IsExpired()
		p.MarkCancelled(reason)
		update := map[string]interface{}{
			"cancellation_source":    cancelledBy,
			"cancellation_timestamp": time.Now().Format(time.RFC3339),
		}
		if len(req.Metadata) > 0 {
			update["cancellation_metadata"] = json.RawMessage(req.Metadata)
		}
		p.MergeGatewayData(update)
		orderID = p.OrderID
		cancelled = true
		s.appendEvent(log, p.ID, payment.EventCancelled, map[string]interface{}{
			"reason":       reason,
			"cancelled_by": cancelledBy,
			"expired":      wasExpired,
			"force":        req.Force,
		}, nil)
		return nil
	})
	if err != nil {
		return err
	}
	if !cancelled {
		return nil
	}

	// The ledger entry is invalidated so a later creation with the same key
	// is treated as new input rather than stale cache.
	if err := s.ledger.Delete(ctx, paymentKey); err != nil {
		s.logger.Warn("failed to invalidate idempotency ledger entry", "error", err, "payment_key", paymentKey)
	}
	s.eventBus.Publish(ctx, events.NewPaymentCancelledEvent(paymentKey, orderID, reason, cancelledBy, wasExpired, req.Force))
	s.logger.Info("payment cancelled",
		"payment_key", paymentKey,
		"reason", reason,
		"cancelled_by", cancelledBy,
		"force", req.Force)
	return nil
}

// UpdateStatusFromUpstream applies an explicit status push from the order
// system, used when a gateway reports through the return URL rather than a
// webhook. Terminal states absorb repeats.
func (s *Service) UpdateStatusFromUpstream(ctx context.Context, paymentKey string, req *StatusUpdateRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	var transitioned bool
	var orderID, txID, amount, currency string
	err := s.repo.WithPaymentForUpdate(paymentKey, func(p *payment.Payment, log EventLog) error {
		if p.IsTerminal() {
			s.appendEvent(log, p.ID, payment.EventIdempotentRequest, map[string]interface{}{
				"operation": "status_update",
				"status":    p.Status,
			}, nil)
			return nil
		}
		switch req.Status {
		case payment.StatusCompleted:
			p.MarkCompleted(req.TransactionID, req.GatewayResponse)
		case payment.StatusFailed:
			p.MarkFailed("reported_failed_by_upstream", req.GatewayResponse)
		case payment.StatusCancelled:
			p.MarkCancelled("cancelled_by_upstream")
		}
		s.appendEvent(log, p.ID, payment.EventStatusUpdated, map[string]interface{}{
			"status":         req.Status,
			"transaction_id": req.TransactionID,
		}, req.GatewayResponse)
		transitioned = true
		orderID = p.OrderID
		txID = p.GatewayTransactionID()
		amount = p.Amount.String()
		currency = p.Currency
		return nil
	})
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}

	switch req.Status {
	case payment.StatusCompleted:
		s.eventBus.Publish(ctx, events.NewPaymentCompletedEvent(paymentKey, orderID, txID, amount, currency))
	case payment.StatusFailed:
		s.eventBus.Publish(ctx, events.NewPaymentFailedEvent(paymentKey, orderID, "reported_failed_by_upstream"))
	case payment.StatusCancelled:
		s.eventBus.Publish(ctx, events.NewPaymentCancelledEvent(paymentKey, orderID, "cancelled_by_upstream", "upstream", false, false))
	}
	s.logger.Info("payment status updated from upstream",
		"payment_key", paymentKey,
		"status", req.Status)
	return nil
}

// History returns the payment's event log, newest first, optionally
// filtered by event type.
func (s *Service) History(paymentKey, eventType string) ([]*EventResponse, error) {
	p, err := s.repo.GetByIdempotencyKey(paymentKey)
	if err != nil {
		return nil, err
	}
	rows, err := s.repo.EventsForPayment(p.ID, eventType)
	if err != nil {
		return nil, internal.NewInternalError("failed to load payment events", err)
	}
	out := make([]*EventResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, &EventResponse{
			EventType: row.EventType,
			EventData: row.EventData,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

func (s *Service) verifyCreationSignature(req *CreatePaymentRequest, sig string) error {
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
	if err != nil {
		return internal.NewInternalError("failed to canonicalize creation request", err)
	}
	if !signature.Verify(canonical, sig, s.secret) {
		s.logger.Warn("creation signature rejected", "order_id", req.OrderID)
		return internal.ErrInvalidSignature
	}
	return nil
}

// resolveOrder takes the amount from the signed request when present (fast
// path); otherwise the order is fetched from the source of truth.
func (s *Service) resolveOrder(ctx context.Context, req *CreatePaymentRequest) (decimal.Decimal, string, json.RawMessage, string, error) {
	currency := req.Currency
	customerData := req.CustomerData
	description := req.Description

	amount, ok := req.AmountDecimal()
	if !ok || !amount.IsPositive() {
		order, err := s.upstream.FetchOrder(ctx, req.OrderID)
		if err != nil {
			s.logger.Error("failed to fetch order", "error", err, "order_id", req.OrderID)
			return decimal.Zero, "", nil, "", err
		}
		amount = order.TotalAmount
		if currency == "" {
			currency = order.Currency
		}
		if len(customerData) == 0 {
			customerData = order.CustomerData
		}
		if description == "" {
			description = order.Description
		}
	}
	if currency == "" {
		currency = "VND"
	}
	if !amount.IsPositive() {
		return decimal.Zero, "", nil, "", internal.NewValidationError("order amount must be positive", internal.ErrCodeInvalidAmount)
	}
	return amount, currency, customerData, description, nil
}

// failCreation converts a gateway failure into a terminal failed state so
// the payment is never left pending indefinitely. A local timeout is logged
// distinctly because the call may have succeeded remotely.
func (s *Service) failCreation(ctx context.Context, p *payment.Payment, cause error) error {
	eventType := payment.EventGatewayError
	retErr := internal.ErrGatewayUnavailable
	if stderrors.Is(cause, internal.ErrGatewayTimeout) {
		eventType = payment.EventGatewayTimeout
		retErr = internal.ErrGatewayTimeout
		s.logger.Error("gateway call timed out locally; remote outcome unknown",
			"idempotency_key", p.IdempotencyKey,
			"order_id", p.OrderID,
			"error", cause)
	} else {
		s.logger.Error("gateway call failed",
			"idempotency_key", p.IdempotencyKey,
			"order_id", p.OrderID,
			"error", cause)
	}

	s.appendEvent(s.repo, p.ID, eventType, map[string]interface{}{"error": cause.Error()}, nil)
	p.MarkFailed("Payment gateway unavailable", nil)
	if err := s.repo.Save(p); err != nil {
		s.logger.Error("failed to persist failed payment", "error", err, "idempotency_key", p.IdempotencyKey)
	}
	s.eventBus.Publish(ctx, events.NewPaymentFailedEvent(p.IdempotencyKey, p.OrderID, "Payment gateway unavailable"))
	return retErr
}

// replayResponse serves the cached creation response for a durable replay;
// rows persisted before the response was cached fall back to entity fields.
func (s *Service) replayResponse(p *payment.Payment) *PaymentResponse {
	if len(p.ResponseData) > 0 {
		var cached PaymentResponse
		if err := json.Unmarshal(p.ResponseData, &cached); err == nil {
			return &cached
		}
	}
	return &PaymentResponse{
		PaymentID:     p.IdempotencyKey,
		SessionID:     p.SessionID,
		OrderID:       p.OrderID,
		PaymentMethod: p.PaymentMethod,
		Amount:        p.Amount.String(),
		Currency:      p.Currency,
		Status:        p.Status,
		TransactionID: p.GatewayTransactionID(),
		ExpiresAt:     p.ExpiresAt,
		CreatedAt:     p.CreatedAt,
	}
}

// appendEvent writes through log: the repository outside a locked section,
// the tx-bound log inside one so the event shares the transition's commit.
func (s *Service) appendEvent(log EventLog, paymentID int64, eventType string, data map[string]interface{}, gatewayResponse json.RawMessage) {
	if err := log.AppendEvent(payment.NewEvent(paymentID, eventType, data, gatewayResponse)); err != nil {
		s.logger.Error("failed to append payment event",
			"payment_id", paymentID,
			"event_type", eventType,
			"error", err)
	}
}

func generateIdempotencyKey(orderID string, amount decimal.Decimal) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", orderID, amount.String(), time.Now().UnixNano())))
	return hex.EncodeToString(sum[:])
}

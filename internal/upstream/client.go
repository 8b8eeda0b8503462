// Package upstream talks to the order system, the source of truth for
// orders. Every call is HMAC-signed over a canonical JSON payload with the
// shared secret; signatures travel in the X-Signature header.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nhatpham/payment-service/internal"
	"github.com/nhatpham/payment-service/internal/signature"
)

// Order is the upstream view of an order being paid for.
type Order struct {
	ID           int64           `json:"id"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Currency     string          `json:"currency"`
	Status       string          `json:"status"`
	CustomerData json.RawMessage `json:"customer_data"`
	Description  string          `json:"description"`
}

// StatusUpdate is the payload posted back on a lifecycle transition. The
// signature covers these exact bytes.
type StatusUpdate struct {
	Status          string          `json:"status"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	GatewayResponse json.RawMessage `json:"gateway_response,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg internal.UpstreamConfig, secret string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// FetchOrder loads the order so a creation request without a trusted amount
// can be priced from the source of truth.
func (c *Client) FetchOrder(ctx context.Context, orderID string) (*Order, error) {
	payload, err := json.Marshal(map[string]string{"order_id": orderID})
	if err != nil {
		return nil, fmt.Errorf("fetch order payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/payment-service/orders/%s", c.baseURL, orderID), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.Header, signature.Sign(payload, c.secret))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch order: %w", internal.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		Order   *Order `json:"order"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("fetch order decode: %w", internal.ErrUpstreamUnavailable)
	}
	if resp.StatusCode != http.StatusOK || !body.Success || body.Order == nil {
		c.logger.Error("order fetch rejected",
			"order_id", orderID,
			"status", resp.StatusCode,
			"error", body.Error)
		return nil, fmt.Errorf("fetch order %s: %w", orderID, internal.ErrUpstreamUnavailable)
	}
	return body.Order, nil
}

// NotifyStatus reports a lifecycle transition. Failures are returned so the
// caller's retry ledger can reschedule; they never roll back the transition.
func (c *Client) NotifyStatus(ctx context.Context, orderID string, update StatusUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("status update payload: %w", err)
	}
	url := fmt.Sprintf("%s/api/payment-service/orders/%s/payment-status", c.baseURL, orderID)
	return c.post(ctx, url, payload, signature.Sign(payload, c.secret))
}

// CancelOrder releases an order after a payment was cancelled or expired.
// The signature covers {"order_id":<numeric id>}, matching the verifier on
// the other side of the boundary.
func (c *Client) CancelOrder(ctx context.Context, orderID, paymentID, reason string) error {
	orderIDInt, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("cancel order: non-numeric order id %q", orderID)
	}
	signPayload, err := json.Marshal(map[string]int64{"order_id": orderIDInt})
	if err != nil {
		return fmt.Errorf("cancel order payload: %w", err)
	}
	body, err := json.Marshal(map[string]string{
		"reason":     reason,
		"payment_id": paymentID,
	})
	if err != nil {
		return fmt.Errorf("cancel order body: %w", err)
	}
	url := fmt.Sprintf("%s/api/payment-service/orders/%s/cancel", c.baseURL, orderID)
	return c.post(ctx, url, body, signature.Sign(signPayload, c.secret))
}

// Deliver posts a durable callback row's payload to its recorded URL with
// its recorded signature, returning the response for the retry bookkeeping.
func (c *Client) Deliver(ctx context.Context, url string, payload json.RawMessage, sig string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.Header, sig)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("callback delivery: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(respBody), nil
}

// Sign exposes the client's signing secret for callers preparing durable
// callback rows ahead of delivery.
func (c *Client) Sign(payload []byte) string {
	return signature.Sign(payload, c.secret)
}

// StatusCallbackURL is where a durable status callback for orderID posts to.
func (c *Client) StatusCallbackURL(orderID string) string {
	return fmt.Sprintf("%s/api/payment-service/orders/%s/payment-status", c.baseURL, orderID)
}

func (c *Client) post(ctx context.Context, url string, payload []byte, sig string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.Header, sig)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream call: %w", internal.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upstream status %d: %w", resp.StatusCode, internal.ErrUpstreamUnavailable)
	}
	return nil
}

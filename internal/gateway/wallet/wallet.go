// Package wallet implements the e-wallet gateway. Creation is a signed API
// call returning a redirect URL; the wallet encodes our order id inside a
// composite reference ORDER_<id>_<timestamp> and reports the outcome through
// a signed webhook.
package wallet

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nhatpham/payment-service/internal"
	"github.com/nhatpham/payment-service/internal/core/datamodel/payment"
	"github.com/nhatpham/payment-service/internal/gateway"
)

var orderRefPattern = regexp.MustCompile(`^ORDER_(\d+)_`)

const requestType = "captureWallet"

type Gateway struct {
	cfg        internal.WalletConfig
	httpClient *http.Client
	logger     *slog.Logger
}

func New(cfg internal.WalletConfig, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

func (g *Gateway) Method() gateway.Method {
	return gateway.MethodWallet
}

type createResponse struct {
	ResultCode int    `json:"resultCode"`
	Message    string `json:"message"`
	PayURL     string `json:"payUrl"`
	Deeplink   string `json:"deeplink"`
}

// Create posts a signed creation request. The request signature covers the
// provider's fixed field order, not alphabetical order.
func (g *Gateway) Create(ctx context.Context, req gateway.CreateRequest) (*gateway.CreateResult, error) {
	ts := time.Now().UnixMilli()
	requestID := fmt.Sprintf("%s%d", g.cfg.PartnerCode, ts)
	orderRef := fmt.Sprintf("ORDER_%s_%d", req.OrderID, ts)
	orderInfo := "Thanh toan don hang " + req.OrderID

	rawSignature := fmt.Sprintf(
		"accessKey=%s&amount=%s&extraData=%s&ipnUrl=%s&orderId=%s&orderInfo=%s&partnerCode=%s&redirectUrl=%s&requestId=%s&requestType=%s",
		g.cfg.AccessKey, req.Amount.String(), "", req.NotifyURL, orderRef, orderInfo,
		g.cfg.PartnerCode, req.ReturnURL, requestID, requestType)
	sig := g.sign(rawSignature)

	body := map[string]interface{}{
		"partnerCode": g.cfg.PartnerCode,
		"requestId":   requestID,
		"amount":      req.Amount.String(),
		"orderId":     orderRef,
		"orderInfo":   orderInfo,
		"redirectUrl": req.ReturnURL,
		"ipnUrl":      req.NotifyURL,
		"requestType": requestType,
		"extraData":   "",
		"lang":        "vi",
		"signature":   sig,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wallet create encode: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("wallet create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			// The provider may still have accepted the request; callers log
			// this case distinctly for manual reconciliation.
			return nil, fmt.Errorf("wallet create: %w", internal.ErrGatewayTimeout)
		}
		return nil, fmt.Errorf("wallet create: %w", internal.ErrGatewayUnavailable)
	}
	defer resp.Body.Close()

	var result createResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("wallet create decode: %w", internal.ErrGatewayUnavailable)
	}
	if result.ResultCode != 0 {
		g.logger.Error("wallet creation rejected",
			"result_code", result.ResultCode,
			"message", result.Message,
			"order_id", req.OrderID)
		return nil, fmt.Errorf("wallet create result %d: %w", result.ResultCode, internal.ErrGatewayUnavailable)
	}
	payURL := result.PayURL
	if payURL == "" {
		payURL = result.Deeplink
	}
	if payURL == "" {
		return nil, fmt.Errorf("wallet create: missing pay url: %w", internal.ErrGatewayUnavailable)
	}

	return &gateway.CreateResult{
		PaymentURL:    payURL,
		TransactionID: orderRef,
		Status:        payment.StatusPending,
	}, nil
}

// NormalizeWebhook maps resultCode 0 to completed, anything else to failed,
// and recovers the internal order id from the composite reference.
func (g *Gateway) NormalizeWebhook(raw json.RawMessage) (*gateway.NormalizedWebhook, error) {
	var p map[string]interface{}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("wallet webhook decode: %w", err)
	}

	status := gateway.WebhookStatusFailed
	if code, ok := resultCode(p); ok && code == 0 {
		status = gateway.WebhookStatusCompleted
	}

	orderRef := paramString(p["orderId"])
	extracted := ""
	if m := orderRefPattern.FindStringSubmatch(orderRef); m != nil {
		extracted = m[1]
	}

	txID := paramString(p["transId"])
	if txID == "" {
		txID = orderRef
	}

	amount := decimal.Zero
	if v, ok := p["amount"]; ok {
		if d, err := decimal.NewFromString(paramString(v)); err == nil {
			amount = d
		}
	}
	currency := paramString(p["currency"])
	if currency == "" {
		currency = "VND"
	}

	return &gateway.NormalizedWebhook{
		TransactionID:    txID,
		Status:           status,
		Amount:           amount,
		Currency:         currency,
		OrderID:          "",
		ExtractedOrderID: extracted,
		RawPayload:       raw,
	}, nil
}

// VerifySignature recomputes the HMAC over the alphabetically sorted
// parameters, excluding the signature field itself. The signature may travel
// in the payload or in the header.
func (g *Gateway) VerifySignature(raw json.RawMessage, signature string) bool {
	var p map[string]interface{}
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	received := paramString(p["signature"])
	if received == "" {
		received = signature
	}
	if received == "" {
		g.logger.Warn("wallet webhook carried no signature")
		return false
	}

	keys := make([]string, 0, len(p))
	for k := range p {
		if k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+paramString(p[k]))
	}
	expected := g.sign(strings.Join(pairs, "&"))
	return hmac.Equal([]byte(expected), []byte(received))
}

func (g *Gateway) sign(raw string) string {
	mac := hmac.New(sha256.New, []byte(g.cfg.SecretKey))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func resultCode(p map[string]interface{}) (int, bool) {
	switch v := p["resultCode"].(type) {
	case float64:
		return int(v), true
	case string:
		var code int
		if _, err := fmt.Sscanf(v, "%d", &code); err == nil {
			return code, true
		}
	}
	return 0, false
}

func paramString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return decimal.NewFromFloat(s).String()
	case bool:
		return fmt.Sprintf("%t", s)
	case nil:
		return ""
	default:
		raw, _ := json.Marshal(s)
		return string(raw)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

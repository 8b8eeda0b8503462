// Package bankqr implements the bank-transfer gateway: payments are settled
// by a manual transfer against a generated QR code, and confirmations arrive
// as bank-ledger webhook entries relayed by the bank's notification service.
package bankqr

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nhatpham/payment-service/internal"
	"github.com/nhatpham/payment-service/internal/core/datamodel/payment"
	"github.com/nhatpham/payment-service/internal/gateway"
)

// Transfer content must carry the order token as DH<order_id>; the bank
// echoes it back inside free-text ledger fields.
var orderTokenPattern = regexp.MustCompile(`(?i)\bDH([A-Za-z0-9_-]+)\b`)

type Gateway struct {
	cfg    internal.BankQRConfig
	logger *slog.Logger
}

func New(cfg internal.BankQRConfig, logger *slog.Logger) *Gateway {
	return &Gateway{cfg: cfg, logger: logger}
}

func (g *Gateway) Method() gateway.Method {
	return gateway.MethodBankTransfer
}

// Create builds the QR image URL. No provider call happens here; the
// transfer itself is asynchronous and confirmed by webhook.
func (g *Gateway) Create(_ context.Context, req gateway.CreateRequest) (*gateway.CreateResult, error) {
	q := url.Values{}
	q.Set("acc", g.cfg.Account)
	q.Set("bank", g.cfg.Bank)
	q.Set("amount", req.Amount.String())
	q.Set("des", "DH"+req.OrderID)
	q.Set("template", "compact")
	qrURL := g.cfg.QRBaseURL + "?" + q.Encode()

	g.logger.Info("bank QR payment created",
		"order_id", req.OrderID,
		"amount", req.Amount.String())

	return &gateway.CreateResult{
		QRCodeURL:     qrURL,
		TransactionID: req.OrderID,
		Status:        payment.StatusPending,
	}, nil
}

// NormalizeWebhook folds a bank-ledger payload into the common shape. The
// order id token is recovered from the free-text fields when the payload
// does not carry an explicit order_id.
func (g *Gateway) NormalizeWebhook(raw json.RawMessage) (*gateway.NormalizedWebhook, error) {
	body := gateway.UnwrapBody(raw)
	var p map[string]interface{}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("bank webhook decode: %w", err)
	}

	txID := stringField(p, "referenceCode")
	if txID == "" {
		txID = stringField(p, "id")
	}

	amount := decimal.Zero
	if v, ok := p["transferAmount"]; ok {
		amount = decimalField(v)
	}

	return &gateway.NormalizedWebhook{
		TransactionID:    txID,
		Status:           gateway.WebhookStatusCompleted,
		Amount:           amount,
		Currency:         "VND",
		OrderID:          stringField(p, "order_id"),
		ExtractedOrderID: ExtractOrderToken(p),
		RawPayload:       body,
	}, nil
}

// ExtractOrderToken scans the candidate free-text fields for a DH<token>
// reference, case-insensitive, first match wins.
func ExtractOrderToken(p map[string]interface{}) string {
	texts := make([]string, 0, 4)
	for _, key := range []string{"content", "description", "transaction_content", "des"} {
		if s := stringField(p, key); s != "" {
			texts = append(texts, s)
		}
	}
	if m := orderTokenPattern.FindStringSubmatch(strings.Join(texts, " | ")); m != nil {
		return m[1]
	}
	return ""
}

// VerifySignature checks the ledger relay's HMAC. Without a configured
// secret verification is skipped; the skip is logged, never silent.
func (g *Gateway) VerifySignature(raw json.RawMessage, signature string) bool {
	if g.cfg.WebhookSecret == "" {
		g.logger.Warn("bank webhook signature verification skipped: no secret configured")
		return true
	}
	if signature == "" {
		return false
	}

	var p map[string]interface{}
	if err := json.Unmarshal(gateway.UnwrapBody(raw), &p); err != nil {
		return false
	}
	rawSignature := fmt.Sprintf(
		"merchantId=%s&amount=%s&extraData=%s&message=%s&orderId=%s&orderInfo=%s&orderType=%s&payType=%s&requestId=%s&responseTime=%s&resultCode=%s&transId=%s",
		stringField(p, "merchantId"), stringField(p, "amount"), stringField(p, "extraData"),
		stringField(p, "message"), stringField(p, "orderId"), stringField(p, "orderInfo"),
		stringField(p, "orderType"), stringField(p, "payType"), stringField(p, "requestId"),
		stringField(p, "responseTime"), stringField(p, "resultCode"), stringField(p, "transId"))

	mac := hmac.New(sha256.New, []byte(g.cfg.WebhookSecret))
	mac.Write([]byte(rawSignature))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ParseLedgerEntry maps a raw payload that looks like a bank-ledger entry
// (reference code or transfer amount present) into an audit row. Returns
// false for payloads that are not ledger-shaped.
func ParseLedgerEntry(raw json.RawMessage) (*payment.BankTransaction, bool) {
	body := gateway.UnwrapBody(raw)
	var p map[string]interface{}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, false
	}

	ref := stringField(p, "referenceCode")
	_, hasAmount := p["transferAmount"]
	if ref == "" && !hasAmount {
		return nil, false
	}

	tx := &payment.BankTransaction{
		Gateway:         stringField(p, "gateway"),
		AccountNumber:   stringField(p, "accountNumber"),
		SubAccount:      stringField(p, "subAccount"),
		Code:            stringField(p, "code"),
		Content:         stringField(p, "content"),
		ReferenceNumber: ref,
		Body:            body,
	}
	if ts := stringField(p, "transactionDate"); ts != "" {
		if parsed, err := time.Parse("2006-01-02 15:04:05", ts); err == nil {
			tx.TransactionDate = parsed
		}
	}
	amount := decimalField(p["transferAmount"])
	if strings.EqualFold(stringField(p, "transferType"), "out") {
		tx.AmountOut = amount
	} else {
		tx.AmountIn = amount
	}
	if v, ok := p["accumulated"]; ok {
		tx.Accumulated = decimalField(v)
	}
	return tx, true
}

func stringField(p map[string]interface{}, key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case float64:
		return decimal.NewFromFloat(v).String()
	default:
		return ""
	}
}

func decimalField(v interface{}) decimal.Decimal {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n)
	case string:
		if d, err := decimal.NewFromString(n); err == nil {
			return d
		}
	case json.Number:
		if d, err := decimal.NewFromString(n.String()); err == nil {
			return d
		}
	}
	return decimal.Zero
}

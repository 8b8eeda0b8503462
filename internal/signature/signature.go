// Package signature implements the HMAC-SHA256 trust layer shared by the
// order system, the gateways and this service. Signing is over a canonical
// ordered-field JSON projection of the security-relevant fields only; field
// order and omission of absent optional fields are part of the contract.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nhatpham/payment-service/internal"
)

// Header carries the hex-encoded signature on every cross-boundary call.
const Header = "X-Signature"

// Sign returns the hex-encoded HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks provided against the expected signature in constant time.
func Verify(payload []byte, provided, secret string) bool {
	if provided == "" {
		return false
	}
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(provided))
}

// VerifyTimestamp bounds the replay window of signed cancellation requests:
// a valid signature over a stale timestamp is still rejected.
func VerifyTimestamp(ts int64, tolerance time.Duration) error {
	drift := time.Since(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return internal.ErrSignatureExpired
	}
	return nil
}

// CreationPayload is the allow-list of signed fields on a creation request.
// Optional fields are included in the canonical form only when present.
type CreationPayload struct {
	OrderID        string
	PaymentMethod  string
	IdempotencyKey string
	Session        string
	Amount         json.Number
	Currency       string
	CustomerData   json.RawMessage
	Description    string
}

// CancellationPayload is the allow-list of signed fields on a cancellation.
// Reason and CancelledBy serialize as null when absent; Metadata is appended
// only when present. Timestamp is unix seconds.
type CancellationPayload struct {
	PaymentID     string
	PaymentMethod string
	Reason        *string
	Force         bool
	CancelledBy   *string
	Timestamp     int64
	Metadata      json.RawMessage
}

// CanonicalCreation serializes the creation allow-list in its fixed order:
// order_id, payment_method, then idempotency_key, session, amount, currency,
// customer_data, description, each only if present.
func CanonicalCreation(p CreationPayload) ([]byte, error) {
	b := newCanonicalBuilder()
	b.field("order_id", p.OrderID)
	b.field("payment_method", p.PaymentMethod)
	if p.IdempotencyKey != "" {
		b.field("idempotency_key", p.IdempotencyKey)
	}
	if p.Session != "" {
		b.field("session", p.Session)
	}
	if p.Amount != "" {
		b.rawField("amount", []byte(p.Amount))
	}
	if p.Currency != "" {
		b.field("currency", p.Currency)
	}
	if len(p.CustomerData) > 0 {
		b.rawField("customer_data", p.CustomerData)
	}
	if p.Description != "" {
		b.field("description", p.Description)
	}
	return b.bytes()
}

// CanonicalCancellation serializes the cancellation allow-list: payment_id,
// payment_method, reason, force, cancelled_by, timestamp, then metadata if
// present.
func CanonicalCancellation(p CancellationPayload) ([]byte, error) {
	b := newCanonicalBuilder()
	b.field("payment_id", p.PaymentID)
	b.field("payment_method", p.PaymentMethod)
	b.nullableField("reason", p.Reason)
	b.field("force", p.Force)
	b.nullableField("cancelled_by", p.CancelledBy)
	b.field("timestamp", p.Timestamp)
	if len(p.Metadata) > 0 {
		b.rawField("metadata", p.Metadata)
	}
	return b.bytes()
}

// canonicalBuilder emits a JSON object whose keys appear in insertion order,
// which encoding/json's map marshalling cannot guarantee.
type canonicalBuilder struct {
	buf   bytes.Buffer
	first bool
	err   error
}

func newCanonicalBuilder() *canonicalBuilder {
	b := &canonicalBuilder{first: true}
	b.buf.WriteByte('{')
	return b
}

func (b *canonicalBuilder) field(key string, value interface{}) {
	raw, err := json.Marshal(value)
	if err != nil {
		b.err = fmt.Errorf("canonical field %s: %w", key, err)
		return
	}
	b.rawField(key, raw)
}

func (b *canonicalBuilder) nullableField(key string, value *string) {
	if value == nil {
		b.rawField(key, []byte("null"))
		return
	}
	b.field(key, *value)
}

func (b *canonicalBuilder) rawField(key string, raw []byte) {
	if b.err != nil {
		return
	}
	if !b.first {
		b.buf.WriteByte(',')
	}
	b.first = false
	b.buf.WriteByte('"')
	b.buf.WriteString(key)
	b.buf.WriteString(`":`)
	b.buf.Write(bytes.TrimSpace(raw))
}

func (b *canonicalBuilder) bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.buf.WriteByte('}')
	return b.buf.Bytes(), nil
}

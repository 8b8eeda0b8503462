// Package idempotency caches creation responses per idempotency key so a
// byte-identical replay inside the TTL window returns the original response
// without a second gateway call. The ledger is a cache over, never a
// substitute for, the durable payment row: an empty ledger always falls
// through to the store.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Entry is one cached admission: the hash of the exact request bytes and the
// response that was served for them.
type Entry struct {
	PayloadHash string          `json:"payload_hash"`
	Response    json.RawMessage `json:"response"`
	StoredAt    time.Time       `json:"stored_at"`
}

// Ledger stores admission entries with a TTL. Get returns (nil, nil) for an
// unknown or expired key.
type Ledger interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// HashPayload fingerprints the raw request body. Two requests with the same
// key are the same request iff their hashes match.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

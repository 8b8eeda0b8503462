package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is an in-process ledger for tests and single-node runs.
// Expired entries are dropped lazily on read.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]memoryEntry)}
}

func (l *MemoryLedger) Get(_ context.Context, key string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, ok := l.entries[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(stored.expiresAt) {
		delete(l.entries, key)
		return nil, nil
	}
	entry := stored.entry
	return &entry, nil
}

func (l *MemoryLedger) Set(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = memoryEntry{entry: entry, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (l *MemoryLedger) Delete(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}

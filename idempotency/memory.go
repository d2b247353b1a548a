package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Key]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]Record), now: time.Now}
}

func (m *MemoryStore) Claim(_ context.Context, rec Record, staleBefore time.Time) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[rec.Key]
	if !ok {
		rec.Status = StatusInProgress
		rec.UpdatedAt = rec.CreatedAt
		m.records[rec.Key] = rec
		return rec, true, nil
	}
	takeover := existing.Fingerprint == rec.Fingerprint &&
		(existing.Status == StatusFailed ||
			(existing.Status == StatusInProgress && existing.UpdatedAt.Before(staleBefore)))
	if !takeover {
		return existing, false, nil
	}
	existing.Status = StatusInProgress
	existing.Error = ""
	existing.UpdatedAt = rec.CreatedAt
	m.records[rec.Key] = existing
	return existing, true, nil
}

func (m *MemoryStore) Complete(_ context.Context, key Key, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[key]
	rec.Status = StatusCompleted
	rec.Result = append(json.RawMessage(nil), result...)
	rec.UpdatedAt = m.now()
	m.records[key] = rec
	return nil
}

func (m *MemoryStore) Fail(_ context.Context, key Key, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[key]
	rec.Status = StatusFailed
	rec.Error = msg
	rec.UpdatedAt = m.now()
	m.records[key] = rec
	return nil
}

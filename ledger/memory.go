package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process ledger. Appends for all tenants share one mutex,
// which trivially serializes appends per tenant.
type Memory struct {
	mu      sync.Mutex
	entries map[string][]Entry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]Entry), now: time.Now}
}

func (m *Memory) Append(_ context.Context, e Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prevHash, prevSeq := GenesisHash, int64(0)
	if chain := m.entries[e.TenantID]; len(chain) > 0 {
		tail := chain[len(chain)-1]
		prevHash, prevSeq = tail.EntryHash, tail.Seq
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	sealed, err := Seal(e, prevHash, prevSeq)
	if err != nil {
		return Entry{}, err
	}
	m.entries[e.TenantID] = append(m.entries[e.TenantID], sealed)
	return sealed, nil
}

func (m *Memory) Entries(_ context.Context, tenantID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries[tenantID]))
	copy(out, m.entries[tenantID])
	return out, nil
}

func (m *Memory) Verify(ctx context.Context, tenantID string) (VerifyResult, error) {
	entries, err := m.Entries(ctx, tenantID)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyChain(tenantID, entries), nil
}

func (m *Memory) CountByAction(ctx context.Context, tenantID string) (ActionCounts, error) {
	entries, err := m.Entries(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return CountActions(entries), nil
}

// tamper rewrites a stored entry in place. Tests use it to simulate corruption.
func (m *Memory) tamper(tenantID string, idx int, fn func(*Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.entries[tenantID][idx])
}

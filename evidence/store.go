package evidence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists packs. Historical packs are kept; Latest returns the newest.
type Store interface {
	Create(ctx context.Context, p Pack) (Pack, error)
	Get(ctx context.Context, tenantID, id string) (Pack, error)
	Latest(ctx context.Context, tenantID, disputeID string) (Pack, error)
	// Update overwrites a pack unless it is already SUBMITTED.
	Update(ctx context.Context, p Pack) (Pack, error)
	MarkSubmitted(ctx context.Context, tenantID, id string, at time.Time) (Pack, error)
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	packs map[string]Pack
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{packs: make(map[string]Pack)}
}

func (m *MemoryStore) Create(_ context.Context, p Pack) (Pack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packs[p.ID] = clonePack(p)
	return p, nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID, id string) (Pack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.packs[id]
	if !ok || p.TenantID != tenantID {
		return Pack{}, ErrNotFound
	}
	return clonePack(p), nil
}

func (m *MemoryStore) Latest(_ context.Context, tenantID, disputeID string) (Pack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []Pack
	for _, p := range m.packs {
		if p.TenantID == tenantID && p.DisputeID == disputeID {
			all = append(all, p)
		}
	}
	if len(all) == 0 {
		return Pack{}, ErrNotFound
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return clonePack(all[0]), nil
}

func (m *MemoryStore) Update(_ context.Context, p Pack) (Pack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.packs[p.ID]
	if !ok || cur.TenantID != p.TenantID {
		return Pack{}, ErrNotFound
	}
	if cur.Status == StatusSubmitted {
		return Pack{}, ErrImmutable
	}
	m.packs[p.ID] = clonePack(p)
	return p, nil
}

func (m *MemoryStore) MarkSubmitted(_ context.Context, tenantID, id string, at time.Time) (Pack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.packs[id]
	if !ok || p.TenantID != tenantID {
		return Pack{}, ErrNotFound
	}
	if p.Status == StatusSubmitted {
		return Pack{}, ErrImmutable
	}
	p.Status = StatusSubmitted
	p.SubmittedAt = &at
	p.UpdatedAt = at
	m.packs[id] = p
	return clonePack(p), nil
}

func clonePack(p Pack) Pack {
	p.Communications = append([]Communication(nil), p.Communications...)
	p.Documents = append([]string(nil), p.Documents...)
	p.Missing = append([]string(nil), p.Missing...)
	return p
}

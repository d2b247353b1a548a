package dispute

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chargeflow/ledger"
)

// MemoryStore keeps disputes in process. Audit entries go to the supplied
// appender while the store lock is held, so a change and its audit entries
// become visible together.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]Dispute
	byCase   map[CaseKey]string
	timeline map[string][]TimelineEvent
	audit    ledger.Appender
}

func NewMemoryStore(audit ledger.Appender) *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]Dispute),
		byCase:   make(map[CaseKey]string),
		timeline: make(map[string][]TimelineEvent),
		audit:    audit,
	}
}

func (s *MemoryStore) Create(ctx context.Context, c Change) (Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := c.After
	if _, exists := s.byCase[d.Key()]; exists {
		return Dispute{}, ErrCaseExists
	}
	d.Version = 1
	if err := s.appendAudit(ctx, c.Audit); err != nil {
		return Dispute{}, err
	}
	s.byID[d.ID] = d
	s.byCase[d.Key()] = d.ID
	s.timeline[d.ID] = append(s.timeline[d.ID], c.Timeline...)
	return d, nil
}

func (s *MemoryStore) Get(_ context.Context, tenantID, id string) (Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	if !ok || d.TenantID != tenantID {
		return Dispute{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) FindByCase(_ context.Context, key CaseKey) (Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCase[key]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	return s.byID[id], nil
}

func (s *MemoryStore) Apply(ctx context.Context, c Change) (Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[c.Before.ID]
	if !ok || current.TenantID != c.Before.TenantID {
		return Dispute{}, ErrNotFound
	}
	if current.Version != c.Before.Version {
		return Dispute{}, fmt.Errorf("%w: have %d want %d", ErrVersionConflict, current.Version, c.Before.Version)
	}
	if err := s.appendAudit(ctx, c.Audit); err != nil {
		return Dispute{}, err
	}
	next := c.After
	next.Version = current.Version + 1
	s.byID[next.ID] = next
	s.timeline[next.ID] = append(s.timeline[next.ID], c.Timeline...)
	return next, nil
}

func (s *MemoryStore) Timeline(_ context.Context, tenantID, disputeID string) ([]TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[disputeID]
	if !ok || d.TenantID != tenantID {
		return nil, ErrNotFound
	}
	out := make([]TimelineEvent, len(s.timeline[disputeID]))
	copy(out, s.timeline[disputeID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, tenantID string, f ListFilter) ([]Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Dispute, 0, len(s.byID))
	for _, d := range s.byID {
		if d.TenantID != tenantID || (f.Status != "" && d.Status != f.Status) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := f.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) appendAudit(ctx context.Context, entries []ledger.Entry) error {
	if s.audit == nil {
		return nil
	}
	for _, e := range entries {
		if _, err := s.audit.Append(ctx, e); err != nil {
			return fmt.Errorf("dispute: append audit: %w", err)
		}
	}
	return nil
}

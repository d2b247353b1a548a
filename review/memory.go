package review

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is the in-process Queue.
type MemoryQueue struct {
	mu    sync.Mutex
	items map[string]Item
	now   func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[string]Item), now: func() time.Time { return time.Now().UTC() }}
}

func (q *MemoryQueue) Enqueue(_ context.Context, item Item) (Item, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.Status == StatusOpen && it.TenantID == item.TenantID && it.DisputeID == item.DisputeID && it.Reason == item.Reason {
			return it, false, nil
		}
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = q.now()
	}
	item.Status = StatusOpen
	q.items[item.ID] = item
	return item, true, nil
}

func (q *MemoryQueue) ListOpen(_ context.Context, tenantID string, limit int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0)
	for _, it := range q.items {
		if it.TenantID == tenantID && it.Status == StatusOpen {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (q *MemoryQueue) Get(_ context.Context, tenantID, itemID string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[itemID]
	if !ok || it.TenantID != tenantID {
		return Item{}, ErrNotFound
	}
	return it, nil
}

func (q *MemoryQueue) Resolve(_ context.Context, tenantID, itemID, resolution, actorID string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[itemID]
	if !ok || it.TenantID != tenantID {
		return Item{}, ErrNotFound
	}
	if it.Status != StatusOpen {
		return Item{}, ErrAlreadyResolved
	}
	q.items[itemID] = q.resolve(it, resolution, actorID)
	return q.items[itemID], nil
}

func (q *MemoryQueue) ResolveForDispute(_ context.Context, tenantID, disputeID, resolution, actorID string) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Item
	for id, it := range q.items {
		if it.TenantID != tenantID || it.DisputeID != disputeID || it.Status != StatusOpen {
			continue
		}
		q.items[id] = q.resolve(it, resolution, actorID)
		out = append(out, q.items[id])
	}
	return out, nil
}

func (q *MemoryQueue) resolve(it Item, resolution, actorID string) Item {
	now := q.now()
	it.Status = StatusResolved
	it.Resolution = resolution
	it.ResolvedBy = actorID
	it.ResolvedAt = &now
	return it
}

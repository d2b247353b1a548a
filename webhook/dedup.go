package webhook

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DedupStore reserves (tenant, processor, external event id) keys. Reserve is
// an atomic insert-or-reject: exactly one concurrent caller gets true.
type DedupStore interface {
	Reserve(ctx context.Context, rec Record) (bool, error)
	// Release removes a reservation whose processing failed for infrastructure
	// reasons, so a provider redelivery is processed again.
	Release(ctx context.Context, rec Record) error
}

type DedupRepository struct {
	pool *pgxpool.Pool
}

func NewDedupRepository(pool *pgxpool.Pool) *DedupRepository {
	return &DedupRepository{pool: pool}
}

func (r *DedupRepository) Reserve(ctx context.Context, rec Record) (bool, error) {
	const insertSQL = `
		INSERT INTO webhook_dedup (tenant_id, processor, external_event_id, external_case_id, payload_type, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, processor, external_event_id) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, insertSQL,
		rec.TenantID, rec.Processor, rec.ExternalEventID, rec.ExternalCaseID, rec.PayloadType, rec.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("webhook: reserve: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *DedupRepository) Release(ctx context.Context, rec Record) error {
	const deleteSQL = `
		DELETE FROM webhook_dedup
		WHERE tenant_id = $1 AND processor = $2 AND external_event_id = $3
	`
	if _, err := r.pool.Exec(ctx, deleteSQL, rec.TenantID, rec.Processor, rec.ExternalEventID); err != nil {
		return fmt.Errorf("webhook: release: %w", err)
	}
	return nil
}

type dedupKey struct {
	tenant, processor, eventID string
}

// MemoryDedup is the in-process DedupStore.
type MemoryDedup struct {
	mu   sync.Mutex
	seen map[dedupKey]Record
}

func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{seen: make(map[dedupKey]Record)}
}

func (m *MemoryDedup) Reserve(_ context.Context, rec Record) (bool, error) {
	k := dedupKey{rec.TenantID, rec.Processor, rec.ExternalEventID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[k]; ok {
		return false, nil
	}
	m.seen[k] = rec
	return true, nil
}

func (m *MemoryDedup) Release(_ context.Context, rec Record) error {
	m.mu.Lock()
	delete(m.seen, dedupKey{rec.TenantID, rec.Processor, rec.ExternalEventID})
	m.mu.Unlock()
	return nil
}

// Len reports the number of reserved keys.
func (m *MemoryDedup) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

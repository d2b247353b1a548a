package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository stores the chain in the audit_log table. Appends for one tenant
// are serialized with a transaction-scoped advisory lock on the tenant id; the
// (tenant_id, seq) primary key rejects any append that slipped past it.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: time.Now}
}

// Append appends e in its own transaction.
func (r *Repository) Append(ctx context.Context, e Entry) (Entry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sealed, err := r.AppendTx(ctx, tx, e)
	if err != nil {
		return Entry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("ledger: commit append: %w", err)
	}
	return sealed, nil
}

// AppendTx appends e inside the caller's transaction so the audit entry
// commits or rolls back together with the change it describes.
func (r *Repository) AppendTx(ctx context.Context, tx pgx.Tx, e Entry) (Entry, error) {
	if e.TenantID == "" {
		return Entry{}, ErrInvalidEntry
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "audit:"+e.TenantID); err != nil {
		return Entry{}, fmt.Errorf("ledger: lock tenant chain: %w", err)
	}

	prevHash, prevSeq := GenesisHash, int64(0)
	err := tx.QueryRow(ctx, `
		SELECT seq, entry_hash
		FROM audit_log
		WHERE tenant_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, e.TenantID).Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fmt.Errorf("ledger: read chain tail: %w", err)
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	sealed, err := Seal(e, prevHash, prevSeq)
	if err != nil {
		return Entry{}, err
	}

	before, after, meta, err := encodeJSONColumns(sealed)
	if err != nil {
		return Entry{}, err
	}

	const insertSQL = `
		INSERT INTO audit_log (id, tenant_id, seq, actor_type, actor_id, action, severity,
		                       ref_type, ref_id, before_snapshot, after_snapshot, metadata,
		                       created_at, prev_hash, entry_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`
	_, err = tx.Exec(ctx, insertSQL,
		sealed.ID, sealed.TenantID, sealed.Seq, sealed.ActorType, sealed.ActorID, sealed.Action,
		sealed.Severity, sealed.RefType, sealed.RefID, before, after, meta,
		sealed.CreatedAt, sealed.PrevHash, sealed.EntryHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Entry{}, ErrChainConflict
		}
		return Entry{}, fmt.Errorf("ledger: insert entry: %w", err)
	}
	return sealed, nil
}

func (r *Repository) Entries(ctx context.Context, tenantID string) ([]Entry, error) {
	const query = `
		SELECT id, tenant_id, seq, actor_type, actor_id, action, severity, ref_type, ref_id,
		       before_snapshot, after_snapshot, metadata, created_at, prev_hash, entry_hash
		FROM audit_log
		WHERE tenant_id = $1
		ORDER BY seq ASC
	`
	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 64)
	for rows.Next() {
		var (
			e                   Entry
			before, after, meta []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Seq, &e.ActorType, &e.ActorID, &e.Action, &e.Severity,
			&e.RefType, &e.RefID, &before, &after, &meta, &e.CreatedAt, &e.PrevHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		if err := decodeJSONColumns(&e, before, after, meta); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate entries: %w", err)
	}
	return out, nil
}

func (r *Repository) Verify(ctx context.Context, tenantID string) (VerifyResult, error) {
	entries, err := r.Entries(ctx, tenantID)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyChain(tenantID, entries), nil
}

func (r *Repository) CountByAction(ctx context.Context, tenantID string) (ActionCounts, error) {
	rows, err := r.pool.Query(ctx, `SELECT action, COUNT(*) FROM audit_log WHERE tenant_id = $1 GROUP BY action`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("ledger: count actions: %w", err)
	}
	defer rows.Close()

	out := make(ActionCounts)
	for rows.Next() {
		var (
			action string
			n      int
		)
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("ledger: scan count: %w", err)
		}
		out[action] = n
	}
	return out, rows.Err()
}

func encodeJSONColumns(e Entry) (before, after, meta []byte, err error) {
	if e.Before != nil {
		if before, err = json.Marshal(e.Before); err != nil {
			return nil, nil, nil, fmt.Errorf("ledger: marshal before: %w", err)
		}
	}
	if e.After != nil {
		if after, err = json.Marshal(e.After); err != nil {
			return nil, nil, nil, fmt.Errorf("ledger: marshal after: %w", err)
		}
	}
	if meta, err = json.Marshal(e.Metadata); err != nil {
		return nil, nil, nil, fmt.Errorf("ledger: marshal metadata: %w", err)
	}
	return before, after, meta, nil
}

func decodeJSONColumns(e *Entry, before, after, meta []byte) error {
	if len(before) > 0 {
		e.Before = &Snapshot{}
		if err := json.Unmarshal(before, e.Before); err != nil {
			return fmt.Errorf("ledger: decode before: %w", err)
		}
	}
	if len(after) > 0 {
		e.After = &Snapshot{}
		if err := json.Unmarshal(after, e.After); err != nil {
			return fmt.Errorf("ledger: decode after: %w", err)
		}
	}
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return fmt.Errorf("ledger: decode metadata: %w", err)
		}
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return nil
}

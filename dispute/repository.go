package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chargeflow/ledger"
)

// TxAppender appends audit entries inside a caller's transaction.
type TxAppender interface {
	AppendTx(ctx context.Context, tx pgx.Tx, e ledger.Entry) (ledger.Entry, error)
}

// Repository is the Postgres Store. Each Change is written in one
// transaction: dispute row, timeline rows and audit entries.
type Repository struct {
	pool  *pgxpool.Pool
	audit TxAppender
}

func NewRepository(pool *pgxpool.Pool, audit TxAppender) *Repository {
	return &Repository{pool: pool, audit: audit}
}

const disputeColumns = `
	id, tenant_id, processor, external_case_id, external_status, status, reason,
	amount_minor, currency, evidence_deadline, order_id, COALESCE(evidence_pack_id::text, ''),
	needs_manual, last_error, COALESCE(duplicate_of::text, ''), version, created_at, updated_at`

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID, &d.TenantID, &d.Processor, &d.ExternalCaseID, &d.ExternalStatus, &d.Status, &d.Reason,
		&d.AmountMinor, &d.Currency, &d.EvidenceDeadline, &d.OrderID, &d.EvidencePackID,
		&d.NeedsManual, &d.LastError, &d.DuplicateOf, &d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}

func (r *Repository) Create(ctx context.Context, c Change) (Dispute, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d := c.After
	insertSQL := `
		INSERT INTO disputes (id, tenant_id, processor, external_case_id, external_status, status, reason,
		                      amount_minor, currency, evidence_deadline, order_id, needs_manual, last_error,
		                      version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,1,$14,$14)
		RETURNING ` + disputeColumns

	created, err := scanDispute(tx.QueryRow(ctx, insertSQL,
		d.ID, d.TenantID, d.Processor, d.ExternalCaseID, d.ExternalStatus, d.Status, d.Reason,
		d.AmountMinor, d.Currency, d.EvidenceDeadline, d.OrderID, d.NeedsManual, d.LastError, d.CreatedAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, ErrCaseExists
		}
		return Dispute{}, fmt.Errorf("dispute: create: %w", err)
	}

	if err := r.writeEntries(ctx, tx, c); err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit create: %w", err)
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, tenantID, id string) (Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE tenant_id = $1 AND id = $2`
	d, err := scanDispute(r.pool.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

func (r *Repository) FindByCase(ctx context.Context, key CaseKey) (Dispute, error) {
	query := `SELECT ` + disputeColumns + `
		FROM disputes
		WHERE tenant_id = $1 AND processor = $2 AND external_case_id = $3`
	d, err := scanDispute(r.pool.QueryRow(ctx, query, key.TenantID, key.Processor, key.ExternalCaseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: find by case: %w", err)
	}
	return d, nil
}

func (r *Repository) Apply(ctx context.Context, c Change) (Dispute, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d := c.After
	updateSQL := `
		UPDATE disputes
		SET external_status = $3,
		    status = $4,
		    reason = $5,
		    amount_minor = $6,
		    currency = $7,
		    evidence_deadline = $8,
		    order_id = $9,
		    evidence_pack_id = NULLIF($10, '')::uuid,
		    needs_manual = $11,
		    last_error = $12,
		    duplicate_of = NULLIF($13, '')::uuid,
		    version = version + 1,
		    updated_at = $14
		WHERE tenant_id = $1 AND id = $2 AND version = $15
		RETURNING ` + disputeColumns

	updated, err := scanDispute(tx.QueryRow(ctx, updateSQL,
		d.TenantID, d.ID, d.ExternalStatus, d.Status, d.Reason, d.AmountMinor, d.Currency,
		d.EvidenceDeadline, d.OrderID, d.EvidencePackID, d.NeedsManual, d.LastError, d.DuplicateOf,
		d.UpdatedAt, c.Before.Version,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.Get(ctx, d.TenantID, d.ID); errors.Is(getErr, ErrNotFound) {
				return Dispute{}, ErrNotFound
			}
			return Dispute{}, ErrVersionConflict
		}
		return Dispute{}, fmt.Errorf("dispute: apply: %w", err)
	}

	if err := r.writeEntries(ctx, tx, c); err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit apply: %w", err)
	}
	return updated, nil
}

func (r *Repository) writeEntries(ctx context.Context, tx pgx.Tx, c Change) error {
	const insertTimeline = `
		INSERT INTO dispute_timeline (id, dispute_id, tenant_id, kind, message, severity, actor_type, actor_id, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	for _, ev := range c.Timeline {
		meta, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("dispute: marshal timeline metadata: %w", err)
		}
		if _, err := tx.Exec(ctx, insertTimeline,
			ev.ID, ev.DisputeID, ev.TenantID, ev.Kind, ev.Message, ev.Severity, ev.ActorType, ev.ActorID, meta, ev.CreatedAt,
		); err != nil {
			return fmt.Errorf("dispute: insert timeline: %w", err)
		}
	}

	for _, e := range c.Audit {
		if _, err := r.audit.AppendTx(ctx, tx, e); err != nil {
			return fmt.Errorf("dispute: append audit: %w", err)
		}
	}
	return nil
}

func (r *Repository) Timeline(ctx context.Context, tenantID, disputeID string) ([]TimelineEvent, error) {
	const query = `
		SELECT id, dispute_id, tenant_id, kind, message, severity, actor_type, actor_id, metadata, created_at
		FROM dispute_timeline
		WHERE tenant_id = $1 AND dispute_id = $2
		ORDER BY created_at ASC, seq ASC
	`
	rows, err := r.pool.Query(ctx, query, tenantID, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: timeline: %w", err)
	}
	defer rows.Close()

	out := make([]TimelineEvent, 0, 8)
	for rows.Next() {
		var (
			ev   TimelineEvent
			meta []byte
		)
		if err := rows.Scan(&ev.ID, &ev.DisputeID, &ev.TenantID, &ev.Kind, &ev.Message, &ev.Severity,
			&ev.ActorType, &ev.ActorID, &meta, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan timeline: %w", err)
		}
		if len(meta) > 0 && string(meta) != "null" {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("dispute: decode timeline metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate timeline: %w", err)
	}
	if len(out) == 0 {
		if _, err := r.Get(ctx, tenantID, disputeID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Repository) List(ctx context.Context, tenantID string, f ListFilter) ([]Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE tenant_id = $1`
	args := []any{tenantID}
	if f.Status != "" {
		query += " AND status = $2"
		args = append(args, f.Status)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", f.limit())

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 8)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

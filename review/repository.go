package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const itemColumns = `id, tenant_id, dispute_id, reason, detail, status, resolution, resolved_by, created_at, resolved_at`

func scanItem(row pgx.Row) (Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.TenantID, &it.DisputeID, &it.Reason, &it.Detail, &it.Status,
		&it.Resolution, &it.ResolvedBy, &it.CreatedAt, &it.ResolvedAt)
	return it, err
}

func (r *Repository) Enqueue(ctx context.Context, item Item) (Item, bool, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	insertSQL := `
		INSERT INTO review_items (id, tenant_id, dispute_id, reason, detail, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'OPEN', $6)
		ON CONFLICT (tenant_id, dispute_id, reason) WHERE status = 'OPEN' DO NOTHING
		RETURNING ` + itemColumns

	created, err := scanItem(r.pool.QueryRow(ctx, insertSQL,
		item.ID, item.TenantID, item.DisputeID, item.Reason, item.Detail, item.CreatedAt))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Item{}, false, fmt.Errorf("review: enqueue: %w", err)
	}

	selectSQL := `SELECT ` + itemColumns + `
		FROM review_items
		WHERE tenant_id = $1 AND dispute_id = $2 AND reason = $3 AND status = 'OPEN'`
	existing, err := scanItem(r.pool.QueryRow(ctx, selectSQL, item.TenantID, item.DisputeID, item.Reason))
	if err != nil {
		return Item{}, false, fmt.Errorf("review: load open item: %w", err)
	}
	return existing, false, nil
}

func (r *Repository) ListOpen(ctx context.Context, tenantID string, limit int) ([]Item, error) {
	query := `SELECT ` + itemColumns + `
		FROM review_items
		WHERE tenant_id = $1 AND status = 'OPEN'
		ORDER BY created_at ASC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, tenantID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("review: list open: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func (r *Repository) Get(ctx context.Context, tenantID, itemID string) (Item, error) {
	it, err := scanItem(r.pool.QueryRow(ctx, `SELECT `+itemColumns+`
		FROM review_items WHERE tenant_id = $1 AND id = $2`, tenantID, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("review: get: %w", err)
	}
	return it, nil
}

func (r *Repository) Resolve(ctx context.Context, tenantID, itemID, resolution, actorID string) (Item, error) {
	updateSQL := `
		UPDATE review_items
		SET status = 'RESOLVED', resolution = $3, resolved_by = $4, resolved_at = now()
		WHERE tenant_id = $1 AND id = $2 AND status = 'OPEN'
		RETURNING ` + itemColumns
	it, err := scanItem(r.pool.QueryRow(ctx, updateSQL, tenantID, itemID, resolution, actorID))
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Item{}, fmt.Errorf("review: resolve: %w", err)
	}

	var status Status
	err = r.pool.QueryRow(ctx, `SELECT status FROM review_items WHERE tenant_id = $1 AND id = $2`, tenantID, itemID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("review: resolve lookup: %w", err)
	}
	return Item{}, ErrAlreadyResolved
}

func (r *Repository) ResolveForDispute(ctx context.Context, tenantID, disputeID, resolution, actorID string) ([]Item, error) {
	updateSQL := `
		UPDATE review_items
		SET status = 'RESOLVED', resolution = $3, resolved_by = $4, resolved_at = now()
		WHERE tenant_id = $1 AND dispute_id = $2 AND status = 'OPEN'
		RETURNING ` + itemColumns
	rows, err := r.pool.Query(ctx, updateSQL, tenantID, disputeID, resolution, actorID)
	if err != nil {
		return nil, fmt.Errorf("review: resolve for dispute: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows pgx.Rows) ([]Item, error) {
	out := make([]Item, 0, 8)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("review: scan: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review: iterate: %w", err)
	}
	return out, nil
}

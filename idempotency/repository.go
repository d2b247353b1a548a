package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Claim(ctx context.Context, rec Record, staleBefore time.Time) (Record, bool, error) {
	const claimSQL = `
		INSERT INTO idempotency_keys (tenant_id, scope, key, fingerprint, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'IN_PROGRESS', $5, $5)
		ON CONFLICT (tenant_id, scope, key) DO UPDATE
		SET status = 'IN_PROGRESS', error = '', updated_at = EXCLUDED.updated_at
		WHERE idempotency_keys.fingerprint = EXCLUDED.fingerprint
		  AND (idempotency_keys.status = 'FAILED'
		       OR (idempotency_keys.status = 'IN_PROGRESS' AND idempotency_keys.updated_at < $6))
		RETURNING fingerprint, status, result, error, created_at, updated_at
	`
	k := rec.Key
	claimed, err := scanRecord(k, r.pool.QueryRow(ctx, claimSQL, k.TenantID, k.Scope, k.Key, rec.Fingerprint, rec.CreatedAt, staleBefore))
	if err == nil {
		return claimed, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, fmt.Errorf("idempotency: claim: %w", err)
	}

	const selectSQL = `
		SELECT fingerprint, status, result, error, created_at, updated_at
		FROM idempotency_keys
		WHERE tenant_id = $1 AND scope = $2 AND key = $3
	`
	existing, err := scanRecord(k, r.pool.QueryRow(ctx, selectSQL, k.TenantID, k.Scope, k.Key))
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: load: %w", err)
	}
	return existing, false, nil
}

func (r *Repository) Complete(ctx context.Context, key Key, result json.RawMessage) error {
	const updateSQL = `
		UPDATE idempotency_keys
		SET status = 'COMPLETED', result = $4, updated_at = now()
		WHERE tenant_id = $1 AND scope = $2 AND key = $3
	`
	if _, err := r.pool.Exec(ctx, updateSQL, key.TenantID, key.Scope, key.Key, []byte(result)); err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	return nil
}

func (r *Repository) Fail(ctx context.Context, key Key, msg string) error {
	const updateSQL = `
		UPDATE idempotency_keys
		SET status = 'FAILED', error = $4, updated_at = now()
		WHERE tenant_id = $1 AND scope = $2 AND key = $3
	`
	if _, err := r.pool.Exec(ctx, updateSQL, key.TenantID, key.Scope, key.Key, msg); err != nil {
		return fmt.Errorf("idempotency: fail: %w", err)
	}
	return nil
}

func scanRecord(k Key, row pgx.Row) (Record, error) {
	rec := Record{Key: k}
	var result []byte
	if err := row.Scan(&rec.Fingerprint, &rec.Status, &result, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	return rec, nil
}

package evidence

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

const packColumns = `
	id, tenant_id, dispute_id, status, tracking_ref, proof_of_delivery_ref, product_description,
	communications, documents, narrative, win_probability, missing, failure_reason,
	created_at, updated_at, submitted_at`

func scanPack(row pgx.Row) (Pack, error) {
	var (
		p                       Pack
		comms, docs, missingRaw []byte
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.DisputeID, &p.Status, &p.TrackingRef, &p.ProofOfDeliveryRef,
		&p.ProductDescription, &comms, &docs, &p.Narrative, &p.WinProbability, &missingRaw, &p.FailureReason,
		&p.CreatedAt, &p.UpdatedAt, &p.SubmittedAt)
	if err != nil {
		return Pack{}, err
	}
	for _, col := range []struct {
		raw []byte
		dst any
	}{{comms, &p.Communications}, {docs, &p.Documents}, {missingRaw, &p.Missing}} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return Pack{}, fmt.Errorf("evidence: decode column: %w", err)
		}
	}
	return p, nil
}

func encodeColumns(p Pack) (comms, docs, missing []byte, err error) {
	if comms, err = json.Marshal(p.Communications); err != nil {
		return nil, nil, nil, fmt.Errorf("evidence: encode communications: %w", err)
	}
	if docs, err = json.Marshal(p.Documents); err != nil {
		return nil, nil, nil, fmt.Errorf("evidence: encode documents: %w", err)
	}
	if missing, err = json.Marshal(p.Missing); err != nil {
		return nil, nil, nil, fmt.Errorf("evidence: encode missing: %w", err)
	}
	return comms, docs, missing, nil
}

func (r *Repository) Create(ctx context.Context, p Pack) (Pack, error) {
	comms, docs, missing, err := encodeColumns(p)
	if err != nil {
		return Pack{}, err
	}
	insertSQL := `
		INSERT INTO evidence_packs (id, tenant_id, dispute_id, status, tracking_ref, proof_of_delivery_ref,
		                            product_description, communications, documents, narrative, win_probability,
		                            missing, failure_reason, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)
		RETURNING ` + packColumns
	created, err := scanPack(r.pool.QueryRow(ctx, insertSQL,
		p.ID, p.TenantID, p.DisputeID, p.Status, p.TrackingRef, p.ProofOfDeliveryRef, p.ProductDescription,
		comms, docs, p.Narrative, p.WinProbability, missing, p.FailureReason, p.CreatedAt,
	))
	if err != nil {
		return Pack{}, fmt.Errorf("evidence: create: %w", err)
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, tenantID, id string) (Pack, error) {
	query := `SELECT ` + packColumns + ` FROM evidence_packs WHERE tenant_id = $1 AND id = $2`
	p, err := scanPack(r.pool.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Pack{}, ErrNotFound
		}
		return Pack{}, fmt.Errorf("evidence: get: %w", err)
	}
	return p, nil
}

func (r *Repository) Latest(ctx context.Context, tenantID, disputeID string) (Pack, error) {
	query := `SELECT ` + packColumns + `
		FROM evidence_packs
		WHERE tenant_id = $1 AND dispute_id = $2
		ORDER BY created_at DESC
		LIMIT 1`
	p, err := scanPack(r.pool.QueryRow(ctx, query, tenantID, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Pack{}, ErrNotFound
		}
		return Pack{}, fmt.Errorf("evidence: latest: %w", err)
	}
	return p, nil
}

func (r *Repository) Update(ctx context.Context, p Pack) (Pack, error) {
	comms, docs, missing, err := encodeColumns(p)
	if err != nil {
		return Pack{}, err
	}
	updateSQL := `
		UPDATE evidence_packs
		SET status = $3, tracking_ref = $4, proof_of_delivery_ref = $5, product_description = $6,
		    communications = $7, documents = $8, narrative = $9, win_probability = $10,
		    missing = $11, failure_reason = $12, updated_at = $13
		WHERE tenant_id = $1 AND id = $2 AND status <> 'SUBMITTED'
		RETURNING ` + packColumns
	updated, err := scanPack(r.pool.QueryRow(ctx, updateSQL,
		p.TenantID, p.ID, p.Status, p.TrackingRef, p.ProofOfDeliveryRef, p.ProductDescription,
		comms, docs, p.Narrative, p.WinProbability, missing, p.FailureReason, p.UpdatedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Pack{}, r.missingOrImmutable(ctx, p.TenantID, p.ID)
		}
		return Pack{}, fmt.Errorf("evidence: update: %w", err)
	}
	return updated, nil
}

func (r *Repository) MarkSubmitted(ctx context.Context, tenantID, id string, at time.Time) (Pack, error) {
	updateSQL := `
		UPDATE evidence_packs
		SET status = 'SUBMITTED', submitted_at = $3, updated_at = $3
		WHERE tenant_id = $1 AND id = $2 AND status <> 'SUBMITTED'
		RETURNING ` + packColumns
	p, err := scanPack(r.pool.QueryRow(ctx, updateSQL, tenantID, id, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Pack{}, r.missingOrImmutable(ctx, tenantID, id)
		}
		return Pack{}, fmt.Errorf("evidence: mark submitted: %w", err)
	}
	return p, nil
}

func (r *Repository) missingOrImmutable(ctx context.Context, tenantID, id string) error {
	if _, err := r.Get(ctx, tenantID, id); err != nil {
		return err
	}
	return ErrImmutable
}

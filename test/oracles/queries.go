package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"chargeflow/ledger"
)

// Oracle is a query that must return no rows.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_dispute_per_case",
			SQL: `SELECT tenant_id, processor, external_case_id, COUNT(*) FROM disputes
                  GROUP BY tenant_id, processor, external_case_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_event_applied_once",
			SQL: `SELECT dispute_id, metadata->>'external_event_id', COUNT(*) FROM dispute_timeline
                  WHERE metadata->>'event' = 'provider_update'
                    AND metadata ? 'external_event_id'
                  GROUP BY dispute_id, metadata->>'external_event_id' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_audit_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT tenant_id, seq,
                             LAG(seq) OVER (PARTITION BY tenant_id ORDER BY seq) AS prev
                      FROM audit_log)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <> prev + 1`,
		},
		{
			Name: "O4_audit_chain_linked",
			SQL: `WITH links AS (
                      SELECT tenant_id, seq, prev_hash,
                             LAG(entry_hash) OVER (PARTITION BY tenant_id ORDER BY seq) AS expected
                      FROM audit_log)
                  SELECT tenant_id, seq FROM links WHERE expected IS NOT NULL AND prev_hash <> expected`,
		},
		{
			Name: "O5_single_open_review_item",
			SQL: `SELECT dispute_id, reason, COUNT(*) FROM review_items
                  WHERE status = 'OPEN'
                  GROUP BY dispute_id, reason HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_duplicate_has_canonical",
			SQL:  `SELECT id FROM disputes WHERE status = 'DUPLICATE' AND duplicate_of IS NULL`,
		},
		{
			Name: "O7_stale_idempotency_keys",
			SQL: `SELECT tenant_id, scope, key FROM idempotency_keys
                  WHERE status = 'IN_PROGRESS' AND now() - updated_at > interval '10 minutes'`,
		},
		{
			Name: "O8_version_matches_history",
			SQL: `SELECT d.id, d.version, COUNT(t.id) FROM disputes d
                  LEFT JOIN dispute_timeline t ON t.dispute_id = d.id
                  GROUP BY d.id, d.version
                  HAVING COUNT(t.id) < d.version`,
		},
		{
			Name: "O9_append_only_guards",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE (SELECT COUNT(*) FROM pg_trigger
                         WHERE tgname IN ('audit_log_append_only','dispute_timeline_append_only')) < 2`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}

// VerifyChains replays every tenant's audit chain through the ledger.
func VerifyChains(ctx context.Context, pool *pgxpool.Pool, audit *ledger.Repository) (string, error) {
	rows, err := pool.Query(ctx, `SELECT DISTINCT tenant_id FROM audit_log`)
	if err != nil {
		return "", fmt.Errorf("list tenants: %w", err)
	}
	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return "", err
		}
		tenants = append(tenants, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", err
	}

	for _, t := range tenants {
		res, err := audit.Verify(ctx, t)
		if err != nil {
			return "", fmt.Errorf("verify %s: %w", t, err)
		}
		if !res.OK {
			return fmt.Sprintf("tenant=%s broken_at=%d reason=%s", t, res.BrokenAt, res.Reason), nil
		}
	}
	return "", nil
}

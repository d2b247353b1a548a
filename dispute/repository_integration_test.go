package dispute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"chargeflow/db"
	"chargeflow/ledger"
)

// TestRepository_Integration connects to a real PostgreSQL via DATABASE_URL and
// checks that a change, its timeline and its audit entry commit together.
func TestRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	audit := ledger.NewRepository(pool)
	repo := NewRepository(pool, audit)

	tenant := fmt.Sprintf("it-%d", time.Now().UnixNano())
	change := newChange(uuid.NewString(), "C-100", time.Now().UTC())
	change.After.TenantID = tenant
	change.Timeline[0].ID = uuid.NewString()
	change.Timeline[0].TenantID = tenant
	change.Timeline[0].DisputeID = change.After.ID
	change.Audit[0].TenantID = tenant
	change.Audit[0].RefID = change.After.ID

	created, err := repo.Create(ctx, change)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Version)
	}

	dup := change
	dup.After.ID = uuid.NewString()
	if _, err := repo.Create(ctx, dup); !errors.Is(err, ErrCaseExists) {
		t.Fatalf("expected ErrCaseExists, got %v", err)
	}

	next := created
	next.Status = StatusEvidenceRequired
	next.UpdatedAt = time.Now().UTC()
	updated, err := repo.Apply(ctx, Change{
		Before: created,
		After:  next,
		Audit:  []ledger.Entry{{TenantID: tenant, Action: "dispute.transition", RefType: "dispute", RefID: created.ID}},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated.Status != StatusEvidenceRequired || updated.Version != 2 {
		t.Fatalf("unexpected record %+v", updated)
	}
	if _, err := repo.Apply(ctx, Change{Before: created, After: next}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	res, err := audit.Verify(ctx, tenant)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.OK || res.Checked != 2 {
		t.Fatalf("expected intact two-entry chain, got %+v", res)
	}
}

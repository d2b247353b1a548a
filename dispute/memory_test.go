package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"chargeflow/ledger"
)

func newChange(id, caseID string, created time.Time) Change {
	d := Dispute{
		ID: id, TenantID: "T1", Processor: "stripe", ExternalCaseID: caseID,
		Status: StatusOpen, CreatedAt: created, UpdatedAt: created,
	}
	return Change{
		After:    d,
		Timeline: []TimelineEvent{{ID: id + "-t", DisputeID: id, TenantID: "T1", Kind: TimelineOpened, CreatedAt: created}},
		Audit:    []ledger.Entry{{TenantID: "T1", Action: "dispute.opened", RefType: "dispute", RefID: id, After: d.Snapshot()}},
	}
}

func TestMemoryStore_CaseKeyIsUnique(t *testing.T) {
	ctx := context.Background()
	audit := ledger.NewMemory()
	store := NewMemoryStore(audit)
	now := time.Now().UTC()

	if _, err := store.Create(ctx, newChange("d1", "C-100", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Create(ctx, newChange("d2", "C-100", now)); !errors.Is(err, ErrCaseExists) {
		t.Fatalf("expected ErrCaseExists, got %v", err)
	}

	entries, err := audit.Entries(ctx, "T1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
}

func TestMemoryStore_ApplyRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ledger.NewMemory())
	now := time.Now().UTC()

	created, err := store.Create(ctx, newChange("d1", "C-1", now))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	next := created
	next.Status = StatusEvidenceRequired
	updated, err := store.Apply(ctx, Change{Before: created, After: next})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated.Version != created.Version+1 {
		t.Fatalf("expected version bump, got %d", updated.Version)
	}

	if _, err := store.Apply(ctx, Change{Before: created, After: next}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestMemoryStore_TenantIsolationAndOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	base := time.Now().UTC()

	for i, id := range []string{"d1", "d2", "d3"} {
		if _, err := store.Create(ctx, newChange(id, "C-"+id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	if _, err := store.Get(ctx, "T2", "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected other tenant lookup to miss, got %v", err)
	}

	list, err := store.List(ctx, "T1", ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "d3" || list[1].ID != "d2" {
		t.Fatalf("expected newest first with limit, got %+v", list)
	}

	timeline, err := store.Timeline(ctx, "T1", "d1")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(timeline) != 1 || timeline[0].Kind != TimelineOpened {
		t.Fatalf("unexpected timeline %+v", timeline)
	}
}

package review

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryQueue_OneOpenItemPerDisputeAndReason(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	first, created, err := q.Enqueue(ctx, Item{TenantID: "T1", DisputeID: "d1", Reason: ReasonNeedsManual})
	if err != nil || !created {
		t.Fatalf("expected created item, got %v %v", created, err)
	}
	again, created, err := q.Enqueue(ctx, Item{TenantID: "T1", DisputeID: "d1", Reason: ReasonNeedsManual})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if created || again.ID != first.ID {
		t.Fatalf("expected existing open item to be returned")
	}

	if _, created, _ := q.Enqueue(ctx, Item{TenantID: "T1", DisputeID: "d1", Reason: ReasonPolicyEscalation}); !created {
		t.Fatalf("expected a different reason to create a new item")
	}

	open, err := q.ListOpen(ctx, "T1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected two open items, got %d", len(open))
	}
}

func TestMemoryQueue_Resolve(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	it, _, _ := q.Enqueue(ctx, Item{TenantID: "T1", DisputeID: "d1", Reason: ReasonNeedsManual})

	if _, err := q.Get(ctx, "T2", it.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Get across tenants, got %v", err)
	}
	if got, err := q.Get(ctx, "T1", it.ID); err != nil || got.DisputeID != "d1" || got.Status != StatusOpen {
		t.Fatalf("get: %+v %v", got, err)
	}
	if _, err := q.Resolve(ctx, "T2", it.ID, "done", "op"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound across tenants, got %v", err)
	}
	resolved, err := q.Resolve(ctx, "T1", it.ID, "refunded", "op-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusResolved || resolved.ResolvedBy != "op-1" || resolved.ResolvedAt == nil {
		t.Fatalf("unexpected item %+v", resolved)
	}
	if _, err := q.Resolve(ctx, "T1", it.ID, "again", "op-1"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}

	// Resolved items no longer block a new one for the same reason.
	if _, created, _ := q.Enqueue(ctx, Item{TenantID: "T1", DisputeID: "d1", Reason: ReasonNeedsManual}); !created {
		t.Fatalf("expected new item after resolution")
	}
	items, err := q.ResolveForDispute(ctx, "T1", "d1", "rejected", "op-2")
	if err != nil || len(items) != 1 {
		t.Fatalf("expected one item resolved, got %d %v", len(items), err)
	}
}

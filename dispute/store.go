package dispute

import (
	"context"
	"errors"

	"chargeflow/ledger"
)

var (
	ErrNotFound = errors.New("dispute: not found")
	// ErrCaseExists signals the (tenant, processor, external case id) key is taken.
	ErrCaseExists = errors.New("dispute: case already exists")
	// ErrVersionConflict signals the record changed since it was loaded.
	ErrVersionConflict = errors.New("dispute: version conflict")
)

// Change is one unit of work: the dispute update plus the timeline and audit
// entries describing it. Stores commit all of it or none of it.
type Change struct {
	Before   Dispute
	After    Dispute
	Timeline []TimelineEvent
	Audit    []ledger.Entry
}

// Store persists disputes and their timelines.
type Store interface {
	// Create inserts a new dispute together with its opening entries.
	Create(ctx context.Context, c Change) (Dispute, error)
	Get(ctx context.Context, tenantID, id string) (Dispute, error)
	FindByCase(ctx context.Context, key CaseKey) (Dispute, error)
	// Apply persists c.After if the stored version still equals c.Before.Version.
	Apply(ctx context.Context, c Change) (Dispute, error)
	Timeline(ctx context.Context, tenantID, disputeID string) ([]TimelineEvent, error)
	// List returns a tenant's disputes, newest first.
	List(ctx context.Context, tenantID string, f ListFilter) ([]Dispute, error)
}

// ListFilter narrows List results.
type ListFilter struct {
	Status Status
	Limit  int
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 100 {
		return 100
	}
	return f.Limit
}

package dispute

import (
	"strconv"
	"time"

	"chargeflow/ledger"
)

// Status is the internal lifecycle status of a dispute.
type Status string

const (
	StatusOpen             Status = "OPEN"
	StatusEvidenceRequired Status = "EVIDENCE_REQUIRED"
	StatusEvidenceBuilding Status = "EVIDENCE_BUILDING"
	StatusEvidenceReady    Status = "EVIDENCE_READY"
	StatusSubmitted        Status = "SUBMITTED"
	StatusWon              Status = "WON"
	StatusLost             Status = "LOST"
	StatusNeedsManual      Status = "NEEDS_MANUAL"
	StatusCanceled         Status = "CANCELED"
	StatusDuplicate        Status = "DUPLICATE"
	StatusClosed           Status = "CLOSED"
)

// AllStatuses lists every status, in lifecycle order.
var AllStatuses = []Status{
	StatusOpen, StatusEvidenceRequired, StatusEvidenceBuilding, StatusEvidenceReady,
	StatusSubmitted, StatusWon, StatusLost, StatusNeedsManual, StatusCanceled,
	StatusDuplicate, StatusClosed,
}

// Terminal reports whether no lifecycle progress is possible from s.
// WON and LOST still allow archival to CLOSED.
func (s Status) Terminal() bool {
	switch s {
	case StatusWon, StatusLost, StatusCanceled, StatusDuplicate, StatusClosed:
		return true
	default:
		return false
	}
}

// CaseKey identifies one external case. It is globally unique.
type CaseKey struct {
	TenantID       string
	Processor      string
	ExternalCaseID string
}

// Dispute mirrors the disputes table.
type Dispute struct {
	ID               string
	TenantID         string
	Processor        string
	ExternalCaseID   string
	ExternalStatus   string
	Status           Status
	Reason           string
	AmountMinor      int64
	Currency         string
	EvidenceDeadline *time.Time
	OrderID          string
	EvidencePackID   string
	NeedsManual      bool
	LastError        string
	DuplicateOf      string
	Version          int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (d Dispute) Key() CaseKey {
	return CaseKey{TenantID: d.TenantID, Processor: d.Processor, ExternalCaseID: d.ExternalCaseID}
}

// Snapshot is the versioned audit image of the dispute.
func (d Dispute) Snapshot() *ledger.Snapshot {
	attrs := ledger.Metadata{
		"external_status": d.ExternalStatus,
		"amount_minor":    strconv.FormatInt(d.AmountMinor, 10),
		"currency":        d.Currency,
		"needs_manual":    strconv.FormatBool(d.NeedsManual),
	}
	if d.EvidenceDeadline != nil {
		attrs["evidence_deadline"] = d.EvidenceDeadline.UTC().Format(time.RFC3339)
	}
	if d.EvidencePackID != "" {
		attrs["evidence_pack_id"] = d.EvidencePackID
	}
	if d.LastError != "" {
		attrs["last_error"] = d.LastError
	}
	if d.DuplicateOf != "" {
		attrs["duplicate_of"] = d.DuplicateOf
	}
	return &ledger.Snapshot{Kind: "dispute", Version: 1, Status: string(d.Status), Attrs: attrs.Bounded()}
}

// Actor identifies who caused a change.
type Actor struct {
	Type ledger.ActorType
	ID   string
}

// SystemActor is used for provider and automation driven changes.
var SystemActor = Actor{Type: ledger.ActorSystem, ID: "chargeflow"}

// TimelineEvent is an append-only, operator-facing history entry.
type TimelineEvent struct {
	ID        string
	DisputeID string
	TenantID  string
	Kind      string
	Message   string
	Severity  ledger.Severity
	ActorType ledger.ActorType
	ActorID   string
	Metadata  ledger.Metadata
	CreatedAt time.Time
}

// Timeline kinds written by the state machine and its callers.
const (
	TimelineOpened             = "opened"
	TimelineStatusChanged      = "status_changed"
	TimelineProviderUpdated    = "provider_updated"
	TimelineTransitionRejected = "transition_rejected"
	TimelineNote               = "note"
)

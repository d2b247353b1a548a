// Package evidence assembles the proof submitted to contest a dispute and
// scores how likely it is to prevail.
package evidence

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("evidence: pack not found")
	// ErrImmutable signals a write to a SUBMITTED pack.
	ErrImmutable = errors.New("evidence: pack already submitted")
	// ErrUnavailable is returned by sources when the requested record does not
	// exist. It is permanent: retrying will not help.
	ErrUnavailable = errors.New("evidence: record unavailable")
)

type Status string

const (
	StatusBuilding  Status = "BUILDING"
	StatusReady     Status = "READY"
	StatusSubmitted Status = "SUBMITTED"
	StatusFailed    Status = "FAILED"
)

// Communication is one excerpt from the customer communication log.
type Communication struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	Author  string    `json:"author"`
	Excerpt string    `json:"excerpt"`
}

type Pack struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenantId"`
	DisputeID          string          `json:"disputeId"`
	Status             Status          `json:"status"`
	TrackingRef        string          `json:"trackingRef,omitempty"`
	ProofOfDeliveryRef string          `json:"proofOfDeliveryRef,omitempty"`
	ProductDescription string          `json:"productDescription,omitempty"`
	Communications     []Communication `json:"communications,omitempty"`
	Documents          []string        `json:"documents,omitempty"`
	// Narrative is untrusted model output. It is stored and shown, never interpreted.
	Narrative      string     `json:"narrative,omitempty"`
	WinProbability float64    `json:"winProbability"`
	Missing        []string   `json:"missing,omitempty"`
	FailureReason  string     `json:"failureReason,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	SubmittedAt    *time.Time `json:"submittedAt,omitempty"`
}

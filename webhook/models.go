// Package webhook receives processor events, rejects redeliveries through an
// atomic dedup reservation and normalizes payloads into dispute events.
package webhook

import (
	"encoding/json"
	"errors"
	"time"

	"chargeflow/dispute"
)

var (
	// ErrInvalidEvent signals an envelope that cannot even be deduplicated.
	ErrInvalidEvent = errors.New("webhook: invalid event")
	// ErrMalformed signals a payload that cannot be normalized.
	ErrMalformed = errors.New("webhook: malformed payload")
)

// Payload types accepted from processors.
const (
	PayloadCreated = "dispute.created"
	PayloadUpdated = "dispute.updated"
	PayloadClosed  = "dispute.closed"
)

// Event is the raw inbound envelope. Signature verification happens upstream.
type Event struct {
	TenantID        string          `json:"tenantId"`
	Processor       string          `json:"processor"`
	ExternalEventID string          `json:"externalEventId"`
	ExternalCaseID  string          `json:"externalCaseId"`
	PayloadType     string          `json:"payloadType"`
	Payload         json.RawMessage `json:"payload"`
	ReceivedAt      time.Time       `json:"-"`
}

// Payload is the processor-independent body under Event.Payload.
type Payload struct {
	Status        string `json:"status"`
	Reason        string `json:"reason"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	EvidenceDueBy string `json:"evidenceDueBy"`
	OrderID       string `json:"orderId"`
}

// Record is one row of the dedup table.
type Record struct {
	TenantID        string
	Processor       string
	ExternalEventID string
	ExternalCaseID  string
	PayloadType     string
	ReceivedAt      time.Time
}

func (e Event) record() Record {
	return Record{
		TenantID:        e.TenantID,
		Processor:       e.Processor,
		ExternalEventID: e.ExternalEventID,
		ExternalCaseID:  e.ExternalCaseID,
		PayloadType:     e.PayloadType,
		ReceivedAt:      e.ReceivedAt,
	}
}

// Key returns the case key the event refers to.
func (e Event) Key() dispute.CaseKey {
	return dispute.CaseKey{TenantID: e.TenantID, Processor: e.Processor, ExternalCaseID: e.ExternalCaseID}
}

// Normalized is an event ready for the state machine.
type Normalized struct {
	Key         dispute.CaseKey
	PayloadType string
	Event       dispute.Event
	// KnownStatus is false when the provider status was not in the mapping table.
	KnownStatus bool
}

// Result is returned to the caller of Ingest.
type Result struct {
	Duplicate    bool           `json:"duplicate"`
	DisputeID    string         `json:"disputeId,omitempty"`
	Status       dispute.Status `json:"status,omitempty"`
	Created      bool           `json:"created"`
	Transitioned bool           `json:"transitioned"`
	Malformed    bool           `json:"malformed"`
}

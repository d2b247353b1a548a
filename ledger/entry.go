// Package ledger keeps the per-tenant, hash-chained audit log. Entries are
// write-once: the package exposes append and read operations only.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrInvalidEntry signals an entry missing the fields needed to chain it.
	ErrInvalidEntry = errors.New("ledger: invalid entry")
	// ErrChainConflict signals a concurrent append observed the same tail.
	ErrChainConflict = errors.New("ledger: chain tail conflict")
)

// GenesisHash is the prevHash of the first entry of every tenant chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityCritical Severity = "CRITICAL"
)

type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorUser   ActorType = "user"
)

// Bounds for free-form metadata kept on entries and timeline events.
const (
	MaxMetadataKeys  = 32
	MaxMetadataValue = 1024
)

// Metadata is a bounded string map. Values longer than MaxMetadataValue are
// truncated on a rune boundary and keys beyond MaxMetadataKeys are dropped by
// Bounded. Invalid UTF-8 is replaced so the hashed form matches what JSONB
// hands back.
type Metadata map[string]string

// Bounded returns a copy of m that respects the metadata limits.
func (m Metadata) Bounded() Metadata {
	if len(m) == 0 {
		return nil
	}
	out := make(Metadata, min(len(m), MaxMetadataKeys))
	for _, k := range sortedKeys(m) {
		if len(out) == MaxMetadataKeys {
			break
		}
		out[validUTF8(k)] = truncate(validUTF8(m[k]), MaxMetadataValue)
	}
	return out
}

func validUTF8(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Snapshot is the versioned before/after image of the referenced entity.
type Snapshot struct {
	Kind    string   `json:"kind,omitempty"`
	Version int      `json:"version,omitempty"`
	Status  string   `json:"status,omitempty"`
	Attrs   Metadata `json:"attrs,omitempty"`
}

// Entry is one audit record. EntryHash = H(PrevHash ‖ canonical(fields)).
type Entry struct {
	ID        string
	TenantID  string
	Seq       int64
	ActorType ActorType
	ActorID   string
	Action    string
	Severity  Severity
	RefType   string
	RefID     string
	Before    *Snapshot
	After     *Snapshot
	Metadata  Metadata
	CreatedAt time.Time
	PrevHash  string
	EntryHash string
}

// Appender appends entries to a tenant chain.
type Appender interface {
	Append(ctx context.Context, e Entry) (Entry, error)
}

// Reader exposes the read side used by verification and stats.
type Reader interface {
	Entries(ctx context.Context, tenantID string) ([]Entry, error)
}

// VerifyResult reports the outcome of replaying a tenant chain.
type VerifyResult struct {
	TenantID string
	Checked  int
	OK       bool
	// BrokenAt is the sequence number of the first entry that failed, 0 when OK.
	BrokenAt int64
	Reason   string
}

// ActionCounts tallies entries per action name.
type ActionCounts map[string]int

// Package idempotency guards administrative commands with caller-supplied
// keys. A replay with the same key and body returns the cached result.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrMissingKey = errors.New("idempotency: missing key")
	// ErrKeyReused signals the key was first used with a different request body.
	ErrKeyReused = errors.New("idempotency: key reused with different request")
	// ErrInProgress signals the first request with this key has not finished.
	ErrInProgress = errors.New("idempotency: request in progress")
)

type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Key scopes a caller-supplied key to a tenant and a command.
type Key struct {
	TenantID string
	Scope    string
	Key      string
}

func (k Key) String() string { return k.TenantID + "/" + k.Scope + "/" + k.Key }

type Record struct {
	Key         Key
	Fingerprint string
	Status      Status
	Result      json.RawMessage
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store persists key records.
type Store interface {
	// Claim inserts an IN_PROGRESS record, or takes over an existing one when it
	// FAILED with the same fingerprint or has been IN_PROGRESS since before
	// staleBefore. It returns the stored record and whether the caller owns it.
	Claim(ctx context.Context, rec Record, staleBefore time.Time) (Record, bool, error)
	Complete(ctx context.Context, key Key, result json.RawMessage) error
	Fail(ctx context.Context, key Key, msg string) error
}

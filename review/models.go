// Package review is the human-operator work queue for escalated disputes.
package review

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("review: item not found")
	ErrAlreadyResolved = errors.New("review: item already resolved")
)

type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusResolved Status = "RESOLVED"
)

// Reasons an item is enqueued.
const (
	ReasonNeedsManual      = "needs_manual"
	ReasonPolicyEscalation = "policy_escalation"
	ReasonAutoActionFailed = "auto_action_failed"
	ReasonMalformedWebhook = "malformed_webhook"
	ReasonOperator         = "operator_escalation"
)

type Item struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenantId"`
	DisputeID  string     `json:"disputeId"`
	Reason     string     `json:"reason"`
	Detail     string     `json:"detail,omitempty"`
	Status     Status     `json:"status"`
	Resolution string     `json:"resolution,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Queue is the review queue contract. At most one OPEN item exists per
// (dispute, reason); enqueueing again returns the open item.
type Queue interface {
	Enqueue(ctx context.Context, item Item) (Item, bool, error)
	ListOpen(ctx context.Context, tenantID string, limit int) ([]Item, error)
	Get(ctx context.Context, tenantID, itemID string) (Item, error)
	Resolve(ctx context.Context, tenantID, itemID, resolution, actorID string) (Item, error)
	// ResolveForDispute resolves every open item of a dispute.
	ResolveForDispute(ctx context.Context, tenantID, disputeID, resolution, actorID string) ([]Item, error)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 200
	}
	return limit
}

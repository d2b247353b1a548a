package lifecycle

import (
	"context"
	"fmt"

	"chargeflow/dispute"
	"chargeflow/evidence"
	"chargeflow/ledger"
	"chargeflow/review"
)

func (c *Coordinator) Get(ctx context.Context, tenantID, id string) (dispute.Dispute, error) {
	return c.disputes.Get(ctx, tenantID, id)
}

// Timeline lists a dispute's history in creation order.
func (c *Coordinator) Timeline(ctx context.Context, tenantID, id string) ([]dispute.TimelineEvent, error) {
	return c.disputes.Timeline(ctx, tenantID, id)
}

func (c *Coordinator) List(ctx context.Context, tenantID string, f dispute.ListFilter) ([]dispute.Dispute, error) {
	return c.disputes.List(ctx, tenantID, f)
}

// EvidencePack returns the dispute's current pack.
func (c *Coordinator) EvidencePack(ctx context.Context, tenantID, disputeID string) (evidence.Pack, error) {
	return c.packs.Latest(ctx, tenantID, disputeID)
}

func (c *Coordinator) ListReview(ctx context.Context, tenantID string, limit int) ([]review.Item, error) {
	return c.review.ListOpen(ctx, tenantID, limit)
}

// ResolveReview closes one review item and notes it on the dispute timeline.
// The item is only closed once the dispute lease is held, so a failed lock
// leaves it open for another attempt.
func (c *Coordinator) ResolveReview(ctx context.Context, tenantID, itemID, resolution string, actor dispute.Actor) (review.Item, error) {
	if resolution == "" {
		return review.Item{}, fmt.Errorf("%w: resolution is required", ErrInvalidCommand)
	}
	item, err := c.review.Get(ctx, tenantID, itemID)
	if err != nil {
		return review.Item{}, err
	}
	if item.Status != review.StatusOpen {
		return review.Item{}, review.ErrAlreadyResolved
	}

	d, err := c.disputes.Get(ctx, tenantID, item.DisputeID)
	if err != nil {
		return review.Item{}, err
	}
	release, err := c.lock(ctx, d.Key())
	if err != nil {
		return review.Item{}, err
	}
	defer release()
	if d, err = c.disputes.Get(ctx, tenantID, item.DisputeID); err != nil {
		return review.Item{}, err
	}
	if item, err = c.review.Resolve(ctx, tenantID, itemID, resolution, actor.ID); err != nil {
		return review.Item{}, err
	}
	meta := ledger.Metadata{"item_id": item.ID, "reason": item.Reason, "resolution": resolution}
	_, err = c.commit(ctx, d, dispute.Event{
		Kind:     dispute.EventAnnotate,
		Actor:    actor,
		Note:     "review item resolved: " + resolution,
		Metadata: meta,
	}, opts{kind: "review_resolved", audit: []ledger.Entry{c.entry(d, actor, ActionReviewResolved, ledger.SeverityInfo, meta)}})
	if err != nil {
		c.log.Error("review item resolved without timeline note", "tenant", tenantID, "item_id", item.ID, "dispute_id", d.ID, "error", err)
	}
	return item, err
}

// VerifyAudit replays the tenant's chain.
func (c *Coordinator) VerifyAudit(ctx context.Context, tenantID string) (ledger.VerifyResult, error) {
	return c.audit.Verify(ctx, tenantID)
}

// Stats are recomputed from the ledger on every call.
type Stats struct {
	TenantID            string              `json:"tenantId"`
	DisputesOpened      int                 `json:"disputesOpened"`
	EvidencePacksBuilt  int                 `json:"evidencePacksBuilt"`
	EvidencePacksFailed int                 `json:"evidencePacksFailed"`
	AutoDecisions       int                 `json:"autoDecisions"`
	Escalations         int                 `json:"escalations"`
	PolicyErrors        int                 `json:"policyErrors"`
	MalformedWebhooks   int                 `json:"malformedWebhooks"`
	RejectedTransitions int                 `json:"rejectedTransitions"`
	Actions             ledger.ActionCounts `json:"actions"`
}

func (c *Coordinator) Stats(ctx context.Context, tenantID string) (Stats, error) {
	counts, err := c.audit.CountByAction(ctx, tenantID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		TenantID:            tenantID,
		DisputesOpened:      counts[ActionOpened],
		EvidencePacksBuilt:  counts[ActionEvidenceBuilt],
		EvidencePacksFailed: counts[ActionEvidenceFailed],
		AutoDecisions:       counts[ActionPolicyAuto],
		Escalations:         counts[ActionPolicyEscalate],
		PolicyErrors:        counts[ActionPolicyError],
		MalformedWebhooks:   counts[ActionWebhookMalformed],
		RejectedTransitions: counts[ActionTransitionRejected],
		Actions:             counts,
	}, nil
}

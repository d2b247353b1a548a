package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"chargeflow/dispute"
	"chargeflow/ledger"
	"chargeflow/review"
	"chargeflow/webhook"
)

var _ webhook.Sink = (*Coordinator)(nil)

// Deliver applies a normalized provider event. The dispute for the case is
// created in OPEN on first sight. Illegal events are recorded, not returned
// as errors: only infrastructure failures reach the caller.
func (c *Coordinator) Deliver(ctx context.Context, n webhook.Normalized) (webhook.Result, error) {
	release, err := c.lock(ctx, n.Key)
	if err != nil {
		return webhook.Result{}, err
	}
	defer release()

	d, created, err := c.findOrOpen(ctx, n.Key, n.Event)
	if err != nil {
		return webhook.Result{}, err
	}

	res, err := c.advance(ctx, d, n.Event, opts{})
	if err != nil {
		return webhook.Result{}, err
	}
	return webhook.Result{
		DisputeID:    res.d.ID,
		Status:       res.d.Status,
		Created:      created,
		Transitioned: res.transitioned(),
	}, nil
}

// Malformed records a payload that could not be normalized. The dedup
// reservation stays, so the provider's redelivery is a no-op; the case is
// routed to a human instead.
func (c *Coordinator) Malformed(ctx context.Context, ev webhook.Event, cause error) (webhook.Result, error) {
	key := ev.Key()
	release, err := c.lock(ctx, key)
	if err != nil {
		return webhook.Result{}, err
	}
	defer release()

	actor := dispute.Actor{Type: ledger.ActorSystem, ID: key.Processor}
	d, created, err := c.findOrOpen(ctx, key, dispute.Event{Actor: actor})
	if err != nil {
		return webhook.Result{}, err
	}

	detail := "malformed webhook: " + cause.Error()
	audit := c.entry(d, actor, ActionWebhookMalformed, ledger.SeverityCritical, ledger.Metadata{
		"external_event_id": ev.ExternalEventID,
		"payload_type":      ev.PayloadType,
		"error":             cause.Error(),
		"payload":           string(ev.Payload),
	})
	c.log.Error("malformed webhook recorded", "tenant", key.TenantID, "dispute_id", d.ID, "event_id", ev.ExternalEventID, "error", cause)

	e := dispute.Event{
		Kind:            dispute.EventEscalate,
		Actor:           actor,
		ExternalEventID: ev.ExternalEventID,
		Note:            detail,
		Severity:        ledger.SeverityCritical,
		Metadata:        ledger.Metadata{"external_event_id": ev.ExternalEventID},
	}
	o := opts{audit: []ledger.Entry{audit}, reviewReason: review.ReasonMalformedWebhook}
	if !dispute.CanTransition(d.Status, dispute.StatusNeedsManual) {
		e.Kind = dispute.EventAnnotate
		o.kind = "webhook_malformed"
	}
	res, err := c.advance(ctx, d, e, o)
	if err != nil {
		return webhook.Result{}, err
	}
	if !res.transitioned() {
		if err := c.enqueue(ctx, res.d, review.ReasonMalformedWebhook, detail); err != nil {
			return webhook.Result{}, err
		}
	}
	return webhook.Result{
		DisputeID:    res.d.ID,
		Status:       res.d.Status,
		Created:      created,
		Transitioned: res.transitioned(),
	}, nil
}

// findOrOpen loads the dispute for key or creates it in OPEN from ev. Losing
// a creation race to another process returns the canonical record.
func (c *Coordinator) findOrOpen(ctx context.Context, key dispute.CaseKey, ev dispute.Event) (dispute.Dispute, bool, error) {
	d, err := c.disputes.FindByCase(ctx, key)
	if err == nil {
		return d, false, nil
	}
	if !errors.Is(err, dispute.ErrNotFound) {
		return dispute.Dispute{}, false, err
	}

	now := c.now()
	d = dispute.Dispute{
		ID:             uuid.NewString(),
		TenantID:       key.TenantID,
		Processor:      key.Processor,
		ExternalCaseID: key.ExternalCaseID,
		ExternalStatus: ev.ExternalStatus,
		Status:         dispute.StatusOpen,
		Reason:         ev.Reason,
		AmountMinor:    ev.AmountMinor,
		Currency:       ev.Currency,
		OrderID:        ev.OrderID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if ev.Deadline != nil {
		deadline := ev.Deadline.UTC()
		d.EvidenceDeadline = &deadline
	}

	actor := ev.Actor
	if actor.Type == "" {
		actor = dispute.SystemActor
	}
	meta := ledger.Metadata{
		"processor":        key.Processor,
		"external_case_id": key.ExternalCaseID,
		"amount_minor":     strconv.FormatInt(d.AmountMinor, 10),
	}
	entry := c.entry(d, actor, ActionOpened, ledger.SeverityInfo, meta)
	entry.After = d.Snapshot()

	saved, err := c.disputes.Create(ctx, dispute.Change{
		After: d,
		Timeline: []dispute.TimelineEvent{c.timeline(d, actor, dispute.TimelineOpened,
			fmt.Sprintf("dispute opened for %s case %s", key.Processor, key.ExternalCaseID), ledger.SeverityInfo, meta)},
		Audit: []ledger.Entry{entry},
	})
	switch {
	case err == nil:
		c.log.Info("dispute opened", "tenant", key.TenantID, "dispute_id", saved.ID, "processor", key.Processor, "case_id", key.ExternalCaseID)
		return saved, true, nil
	case errors.Is(err, dispute.ErrCaseExists):
		d, err = c.disputes.FindByCase(ctx, key)
		if err != nil {
			return dispute.Dispute{}, false, err
		}
		return d, false, nil
	default:
		return dispute.Dispute{}, false, fmt.Errorf("lifecycle: open dispute: %w", err)
	}
}

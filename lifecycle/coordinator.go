// Package lifecycle drives disputes through the state machine. It holds the
// per-dispute lease while a transition commits and while its side effects
// (evidence building, policy evaluation, review enqueue, notification) run.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chargeflow/collab"
	"chargeflow/dispute"
	"chargeflow/evidence"
	"chargeflow/idempotency"
	"chargeflow/lease"
	"chargeflow/ledger"
	"chargeflow/notify"
	"chargeflow/policy"
	"chargeflow/review"
)

// Audit actions written by the coordinator. Stats are recomputed from them.
const (
	ActionOpened             = "dispute.opened"
	ActionStatusChanged      = "dispute.status_changed"
	ActionTransitionRejected = "dispute.transition_rejected"
	ActionEvidenceBuilt      = "evidence.built"
	ActionEvidenceFailed     = "evidence.failed"
	ActionPolicyAuto         = "policy.decision.auto"
	ActionPolicyEscalate     = "policy.decision.escalate"
	ActionPolicyError        = "policy.error"
	ActionAutoActionFailed   = "policy.auto_action_failed"
	ActionWebhookMalformed   = "webhook.malformed"
	ActionEffectFailed       = "dispute.effect_failed"
	ActionReviewResolved     = "review.resolved"
)

const (
	defaultLeaseTTL  = 2 * time.Minute
	defaultLeaseWait = 30 * time.Second
)

// AuditLog is the read side of the ledger the coordinator reports from.
type AuditLog interface {
	Verify(ctx context.Context, tenantID string) (ledger.VerifyResult, error)
	CountByAction(ctx context.Context, tenantID string) (ledger.ActionCounts, error)
}

// Deps wires a Coordinator. Disputes, Audit, Evidence, Review, Leases and
// Guard are required.
type Deps struct {
	Disputes  dispute.Store
	Audit     AuditLog
	Evidence  *evidence.Builder
	Policy    *policy.Engine
	Assessor  policy.Assessor
	Responder collab.Responder
	Review    review.Queue
	Notifier  *notify.Notifier
	Leases    lease.Locker
	Guard     *idempotency.Guard
	LeaseTTL  time.Duration
	LeaseWait time.Duration
	Log       *slog.Logger
}

type Coordinator struct {
	disputes  dispute.Store
	audit     AuditLog
	builder   *evidence.Builder
	packs     evidence.Store
	engine    *policy.Engine
	assessor  policy.Assessor
	responder collab.Responder
	review    review.Queue
	notifier  *notify.Notifier
	leases    lease.Locker
	guard     *idempotency.Guard
	leaseTTL  time.Duration
	leaseWait time.Duration
	log       *slog.Logger
	now       func() time.Time
}

func New(d Deps) (*Coordinator, error) {
	switch {
	case d.Disputes == nil:
		return nil, errors.New("lifecycle: dispute store is required")
	case d.Audit == nil:
		return nil, errors.New("lifecycle: audit log is required")
	case d.Evidence == nil:
		return nil, errors.New("lifecycle: evidence builder is required")
	case d.Review == nil:
		return nil, errors.New("lifecycle: review queue is required")
	case d.Leases == nil:
		return nil, errors.New("lifecycle: lease locker is required")
	case d.Guard == nil:
		return nil, errors.New("lifecycle: idempotency guard is required")
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Policy == nil {
		d.Policy = policy.NewEngine(policy.Config{})
	}
	if d.Assessor == nil {
		d.Assessor = policy.RuleAssessor{}
	}
	if d.Responder == nil {
		d.Responder = collab.LogResponder{Log: d.Log}
	}
	if d.LeaseTTL <= 0 {
		d.LeaseTTL = defaultLeaseTTL
	}
	if d.LeaseWait <= 0 {
		d.LeaseWait = defaultLeaseWait
	}
	return &Coordinator{
		disputes:  d.Disputes,
		audit:     d.Audit,
		builder:   d.Evidence,
		packs:     d.Evidence.Store(),
		engine:    d.Policy,
		assessor:  d.Assessor,
		responder: d.Responder,
		review:    d.Review,
		notifier:  d.Notifier,
		leases:    d.Leases,
		guard:     d.Guard,
		leaseTTL:  d.LeaseTTL,
		leaseWait: d.LeaseWait,
		log:       d.Log,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func leaseKey(k dispute.CaseKey) string {
	return "dispute:" + k.TenantID + "/" + k.Processor + "/" + k.ExternalCaseID
}

// lock takes the exclusive lease for one external case. Waiting is bounded
// by leaseWait.
func (c *Coordinator) lock(ctx context.Context, k dispute.CaseKey) (lease.Release, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.leaseWait)
	defer cancel()
	release, err := c.leases.Acquire(waitCtx, leaseKey(k), c.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: lease %s: %w", leaseKey(k), err)
	}
	return release, nil
}

// opts tunes how one event is recorded.
type opts struct {
	// kind overrides the timeline kind of a refresh.
	kind string
	// audit entries committed together with the change.
	audit []ledger.Entry
	// reviewReason is used when the change enters NEEDS_MANUAL.
	reviewReason string
}

// applied is the result of one event.
type applied struct {
	d    dispute.Dispute
	step dispute.Step
	// rejected is set when the event was illegal and recorded as such.
	rejected error
}

func (a applied) transitioned() bool {
	return !a.step.Noop && a.step.From != a.step.To && a.rejected == nil
}

// commit runs the state machine for ev and persists the result. It never runs
// side effects.
func (c *Coordinator) commit(ctx context.Context, d dispute.Dispute, ev dispute.Event, o opts) (applied, error) {
	if ev.Actor.Type == "" {
		ev.Actor = dispute.SystemActor
	}
	step, terr := dispute.Transition(d.Status, ev)
	if terr != nil {
		if !errors.Is(terr, dispute.ErrIllegalTransition) {
			return applied{}, terr
		}
		saved, err := c.disputes.Apply(ctx, c.rejection(d, ev, terr, o))
		if err != nil {
			return applied{}, fmt.Errorf("lifecycle: record rejected transition: %w", err)
		}
		c.log.Warn("transition rejected", "tenant", d.TenantID, "dispute_id", d.ID, "status", d.Status, "event", ev.Kind, "error", terr)
		return applied{d: saved, step: step, rejected: terr}, nil
	}
	if step.Noop {
		return applied{d: d, step: step}, nil
	}

	next := dispute.Apply(d, ev, step, c.now())
	saved, err := c.disputes.Apply(ctx, c.change(d, next, ev, step, o))
	if err != nil {
		return applied{}, fmt.Errorf("lifecycle: apply %s to %s: %w", ev.Kind, d.ID, err)
	}
	if step.From != step.To {
		c.log.Info("dispute transitioned", "tenant", d.TenantID, "dispute_id", d.ID, "from", step.From, "to", step.To, "event", ev.Kind)
	}
	return applied{d: saved, step: step}, nil
}

// advance commits ev and then runs the effects the step requested. Effects
// may commit further events; the returned dispute is the final state.
func (c *Coordinator) advance(ctx context.Context, d dispute.Dispute, ev dispute.Event, o opts) (applied, error) {
	if ev.Actor.Type == "" {
		ev.Actor = dispute.SystemActor
	}
	res, err := c.commit(ctx, d, ev, o)
	if err != nil || res.rejected != nil || res.step.Noop {
		return res, err
	}
	if res.step.Has(dispute.EffectNotify) {
		c.notify(res.d, res.step, ev.Actor)
	}

	var effErr error
	switch {
	case res.step.Has(dispute.EffectEnqueueReview):
		reason := o.reviewReason
		if reason == "" {
			reason = review.ReasonNeedsManual
		}
		effErr = c.enqueue(ctx, res.d, reason, res.d.LastError)
	case res.step.Has(dispute.EffectBuildEvidence):
		var final dispute.Dispute
		final, effErr = c.buildEvidence(ctx, res.d)
		if effErr == nil {
			res.d = final
		}
	case res.step.Has(dispute.EffectEvaluatePolicy):
		var final dispute.Dispute
		final, effErr = c.resolve(ctx, res.d)
		if effErr == nil {
			res.d = final
		}
	}
	if effErr != nil {
		res.d = c.effectFailed(ctx, res.d, effErr)
	}
	return res, nil
}

// effectFailed records a side effect that could not complete after its
// transition committed. The dispute goes to NEEDS_MANUAL when the table
// allows it.
func (c *Coordinator) effectFailed(ctx context.Context, d dispute.Dispute, cause error) dispute.Dispute {
	c.log.Error("dispute side effect failed", "tenant", d.TenantID, "dispute_id", d.ID, "status", d.Status, "error", cause)
	current, err := c.disputes.Get(ctx, d.TenantID, d.ID)
	if err != nil {
		c.log.Error("reload after side effect failure", "dispute_id", d.ID, "error", err)
		return d
	}
	ev := dispute.Event{
		Kind:     dispute.EventEscalate,
		Note:     "side effect failed: " + cause.Error(),
		Severity: ledger.SeverityWarn,
	}
	o := opts{audit: []ledger.Entry{c.entry(current, dispute.SystemActor, ActionEffectFailed, ledger.SeverityCritical, ledger.Metadata{"error": cause.Error()})}}
	if !dispute.CanTransition(current.Status, dispute.StatusNeedsManual) {
		ev.Kind = dispute.EventAnnotate
		o.kind = "effect_failed"
	}
	res, err := c.advance(ctx, current, ev, o)
	if err != nil {
		c.log.Error("record side effect failure", "dispute_id", d.ID, "error", err)
		return current
	}
	return res.d
}

func (c *Coordinator) enqueue(ctx context.Context, d dispute.Dispute, reason, detail string) error {
	item, created, err := c.review.Enqueue(ctx, review.Item{
		TenantID:  d.TenantID,
		DisputeID: d.ID,
		Reason:    reason,
		Detail:    detail,
		CreatedAt: c.now(),
	})
	if err != nil {
		return fmt.Errorf("lifecycle: enqueue review: %w", err)
	}
	if created {
		c.log.Info("review item enqueued", "tenant", d.TenantID, "dispute_id", d.ID, "item_id", item.ID, "reason", reason)
	}
	return nil
}

func (c *Coordinator) notify(d dispute.Dispute, step dispute.Step, actor dispute.Actor) {
	c.notifier.Notify(notify.StatusChanged{
		EventID:    uuid.NewString(),
		TenantID:   d.TenantID,
		DisputeID:  d.ID,
		From:       string(step.From),
		To:         string(step.To),
		ActorType:  string(actor.Type),
		ActorID:    actor.ID,
		OccurredAt: d.UpdatedAt,
	})
}

// change builds the unit of work for a legal step.
func (c *Coordinator) change(before, after dispute.Dispute, ev dispute.Event, step dispute.Step, o opts) dispute.Change {
	severity := ev.Severity
	if severity == "" {
		severity = ledger.SeverityInfo
	}
	meta := copyMeta(ev.Metadata)
	meta["event"] = string(ev.Kind)

	var kind, message, action string
	switch {
	case step.From != step.To:
		kind, action = dispute.TimelineStatusChanged, ActionStatusChanged
		message = fmt.Sprintf("%s -> %s", step.From, step.To)
		if ev.Note != "" {
			message += ": " + ev.Note
		}
		meta["from"], meta["to"] = string(step.From), string(step.To)
	case o.kind != "":
		kind, message = o.kind, ev.Note
	case ev.Kind == dispute.EventProviderUpdate:
		kind = dispute.TimelineProviderUpdated
		message = fmt.Sprintf("provider status %q", ev.ExternalStatus)
	default:
		kind, message = dispute.TimelineNote, ev.Note
	}
	if action == "" {
		action = "dispute." + kind
	}
	if message == "" {
		message = string(ev.Kind)
	}

	entry := c.entry(after, ev.Actor, action, severity, meta)
	entry.Before = before.Snapshot()
	entry.After = after.Snapshot()

	return dispute.Change{
		Before:   before,
		After:    after,
		Timeline: []dispute.TimelineEvent{c.timeline(after, ev.Actor, kind, message, severity, meta)},
		Audit:    append([]ledger.Entry{entry}, c.fill(after, o.audit)...),
	}
}

// rejection records an illegal event: status and fields stay as they were.
func (c *Coordinator) rejection(d dispute.Dispute, ev dispute.Event, cause error, o opts) dispute.Change {
	meta := copyMeta(ev.Metadata)
	meta["event"] = string(ev.Kind)
	meta["status"] = string(d.Status)
	if ev.Target != "" {
		meta["target"] = string(ev.Target)
	}
	if ev.Note != "" {
		meta["note"] = ev.Note
	}
	after := d
	after.UpdatedAt = c.now()

	entry := c.entry(d, ev.Actor, ActionTransitionRejected, ledger.SeverityWarn, meta)
	entry.Before = d.Snapshot()
	entry.After = d.Snapshot()

	return dispute.Change{
		Before:   d,
		After:    after,
		Timeline: []dispute.TimelineEvent{c.timeline(d, ev.Actor, dispute.TimelineTransitionRejected, cause.Error(), ledger.SeverityWarn, meta)},
		Audit:    append([]ledger.Entry{entry}, c.fill(d, o.audit)...),
	}
}

func (c *Coordinator) timeline(d dispute.Dispute, actor dispute.Actor, kind, message string, severity ledger.Severity, meta ledger.Metadata) dispute.TimelineEvent {
	return dispute.TimelineEvent{
		ID:        uuid.NewString(),
		DisputeID: d.ID,
		TenantID:  d.TenantID,
		Kind:      kind,
		Message:   message,
		Severity:  severity,
		ActorType: actor.Type,
		ActorID:   actor.ID,
		Metadata:  meta.Bounded(),
		CreatedAt: c.now(),
	}
}

func (c *Coordinator) entry(d dispute.Dispute, actor dispute.Actor, action string, severity ledger.Severity, meta ledger.Metadata) ledger.Entry {
	if actor.Type == "" {
		actor = dispute.SystemActor
	}
	return ledger.Entry{
		ID:        uuid.NewString(),
		TenantID:  d.TenantID,
		ActorType: actor.Type,
		ActorID:   actor.ID,
		Action:    action,
		Severity:  severity,
		RefType:   "dispute",
		RefID:     d.ID,
		Metadata:  meta.Bounded(),
		CreatedAt: c.now(),
	}
}

// fill binds extra entries built before the dispute id was known.
func (c *Coordinator) fill(d dispute.Dispute, entries []ledger.Entry) []ledger.Entry {
	out := make([]ledger.Entry, 0, len(entries))
	for _, e := range entries {
		if e.TenantID == "" {
			e.TenantID = d.TenantID
		}
		if e.RefID == "" {
			e.RefType, e.RefID = "dispute", d.ID
		}
		out = append(out, e)
	}
	return out
}

func copyMeta(m ledger.Metadata) ledger.Metadata {
	out := make(ledger.Metadata, len(m)+3)
	for k, v := range m {
		out[k] = v
	}
	return out
}

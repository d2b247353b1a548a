package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"chargeflow/collab"
	"chargeflow/dispute"
	"chargeflow/evidence"
	"chargeflow/ledger"
	"chargeflow/policy"
	"chargeflow/review"
)

// buildEvidence runs the builder for d and feeds its outcome back into the
// state machine. The returned error covers store failures only.
func (c *Coordinator) buildEvidence(ctx context.Context, d dispute.Dispute) (dispute.Dispute, error) {
	return c.buildEvidenceAs(ctx, d, dispute.SystemActor)
}

func (c *Coordinator) buildEvidenceAs(ctx context.Context, d dispute.Dispute, actor dispute.Actor) (dispute.Dispute, error) {
	started := dispute.Event{Kind: dispute.EventEvidenceStarted, Actor: actor}
	if _, err := dispute.Transition(d.Status, started); err != nil {
		res, cerr := c.commit(ctx, d, started, opts{})
		if cerr != nil {
			return d, cerr
		}
		return res.d, res.rejected
	}

	pack, err := c.builder.Start(ctx, d)
	if err != nil {
		return d, fmt.Errorf("lifecycle: start evidence pack: %w", err)
	}
	started.PackID = pack.ID
	started.Note = "evidence pack " + pack.ID
	res, err := c.commit(ctx, d, started, opts{kind: "evidence_restarted"})
	if err != nil {
		return d, err
	}
	if res.step.Has(dispute.EffectNotify) {
		c.notify(res.d, res.step, actor)
	}
	d = res.d

	out, err := c.builder.Build(ctx, d, pack)
	if err != nil {
		return d, fmt.Errorf("lifecycle: build evidence pack: %w", err)
	}

	switch out.Result {
	case evidence.ResultReady:
		meta := ledger.Metadata{
			"pack_id":         out.Pack.ID,
			"win_probability": strconv.FormatFloat(out.Pack.WinProbability, 'f', 4, 64),
		}
		if len(out.Warnings) > 0 {
			meta["warnings"] = strings.Join(out.Warnings, "; ")
		}
		ev := dispute.Event{
			Kind:           dispute.EventEvidenceReady,
			Actor:          actor,
			PackID:         out.Pack.ID,
			WinProbability: out.Pack.WinProbability,
			Metadata:       meta,
		}
		if len(out.Warnings) > 0 {
			ev.Note = "ready with warnings: " + meta["warnings"]
			ev.Severity = ledger.SeverityWarn
		}
		built := c.entry(d, actor, ActionEvidenceBuilt, ledger.SeverityInfo, meta)
		res, err := c.advance(ctx, d, ev, opts{audit: []ledger.Entry{built}})
		return res.d, err

	case evidence.ResultFailed:
		meta := ledger.Metadata{"pack_id": out.Pack.ID, "reason": out.Reason}
		ev := dispute.Event{
			Kind:     dispute.EventEvidenceFailed,
			Actor:    actor,
			PackID:   out.Pack.ID,
			Note:     "evidence failed: " + out.Reason,
			Severity: ledger.SeverityWarn,
			Metadata: meta,
		}
		failed := c.entry(d, actor, ActionEvidenceFailed, ledger.SeverityWarn, meta)
		res, err := c.advance(ctx, d, ev, opts{audit: []ledger.Entry{failed}})
		return res.d, err

	default:
		ev := dispute.Event{
			Kind:     dispute.EventAnnotate,
			Actor:    actor,
			Note:     out.Reason,
			Severity: ledger.SeverityWarn,
			Metadata: ledger.Metadata{"pack_id": out.Pack.ID, "missing": strings.Join(out.Pack.Missing, ",")},
		}
		res, err := c.commit(ctx, d, ev, opts{kind: "evidence_incomplete"})
		return res.d, err
	}
}

// resolve asks the policy engine what to do with an EVIDENCE_READY dispute.
// Auto decisions are executed through the responder; everything else, and
// every failed execution, goes to the review queue with the dispute left in
// EVIDENCE_READY.
func (c *Coordinator) resolve(ctx context.Context, d dispute.Dispute) (dispute.Dispute, error) {
	pack, err := c.packs.Get(ctx, d.TenantID, d.EvidencePackID)
	if err != nil {
		return d, fmt.Errorf("lifecycle: load evidence pack: %w", err)
	}

	decision, aerr := c.engine.Evaluate(ctx, c.assessor, policy.Case{
		DisputeID:      d.ID,
		TenantID:       d.TenantID,
		Reason:         d.Reason,
		AmountMinor:    d.AmountMinor,
		Currency:       d.Currency,
		PackID:         pack.ID,
		WinProbability: pack.WinProbability,
	})

	var entries []ledger.Entry
	if aerr != nil {
		c.log.Error("policy assessor failed", "tenant", d.TenantID, "dispute_id", d.ID, "error", aerr)
		entries = append(entries, c.entry(d, dispute.SystemActor, ActionPolicyError, ledger.SeverityCritical, ledger.Metadata{"error": aerr.Error()}))
	}

	meta := decisionMeta(decision)
	if !decision.Auto() {
		meta["auto_executed"] = "false"
		entries = append(entries, c.entry(d, dispute.SystemActor, ActionPolicyEscalate, ledger.SeverityInfo, meta))
		return c.escalateDecision(ctx, d, review.ReasonPolicyEscalation, "policy escalated: "+decision.Reason, entries)
	}

	receipt, serr := c.responder.Submit(ctx, collab.Resolution{
		TenantID:       d.TenantID,
		DisputeID:      d.ID,
		Processor:      d.Processor,
		ExternalCaseID: d.ExternalCaseID,
		Action:         decision.SuggestedAction,
		AmountMinor:    resolutionAmount(decision, d),
		Currency:       d.Currency,
		EvidencePackID: pack.ID,
		Narrative:      pack.Narrative,
	})
	if serr != nil {
		c.log.Warn("auto action failed", "tenant", d.TenantID, "dispute_id", d.ID, "action", decision.SuggestedAction, "error", serr)
		// Not an auto decision for the stats: only executed ones count.
		meta["auto_executed"] = "false"
		meta["error"] = serr.Error()
		entries = append(entries, c.entry(d, dispute.SystemActor, ActionAutoActionFailed, ledger.SeverityWarn, meta))
		return c.escalateDecision(ctx, d, review.ReasonAutoActionFailed, "auto action failed: "+serr.Error(), entries)
	}

	if decision.SuggestedAction == policy.ActionSubmitEvidence {
		if _, err := c.packs.MarkSubmitted(ctx, d.TenantID, pack.ID, receipt.SubmittedAt); err != nil {
			c.log.Error("mark evidence pack submitted", "dispute_id", d.ID, "pack_id", pack.ID, "error", err)
		}
	}

	meta["auto_executed"] = "true"
	meta["receipt"] = receipt.Reference
	entries = append(entries, c.entry(d, dispute.SystemActor, ActionPolicyAuto, ledger.SeverityInfo, meta))
	res, err := c.advance(ctx, d, dispute.Event{
		Kind:     dispute.EventResolutionSubmitted,
		Actor:    dispute.SystemActor,
		Action:   decision.SuggestedAction,
		Note:     fmt.Sprintf("%s (%s)", decision.Outcome, receipt.Reference),
		Metadata: ledger.Metadata{"action": decision.SuggestedAction, "receipt": receipt.Reference},
	}, opts{audit: entries})
	return res.d, err
}

// escalateDecision records a non-executed decision and hands the dispute to
// an operator. The status does not change.
func (c *Coordinator) escalateDecision(ctx context.Context, d dispute.Dispute, reason, note string, entries []ledger.Entry) (dispute.Dispute, error) {
	res, err := c.commit(ctx, d, dispute.Event{
		Kind:     dispute.EventAnnotate,
		Actor:    dispute.SystemActor,
		Note:     note,
		Severity: ledger.SeverityWarn,
	}, opts{kind: "policy_escalated", audit: entries})
	if err != nil {
		return d, err
	}
	if err := c.enqueue(ctx, res.d, reason, note); err != nil {
		return res.d, err
	}
	return res.d, nil
}

func decisionMeta(d policy.Decision) ledger.Metadata {
	return ledger.Metadata{
		"outcome":    string(d.Outcome),
		"action":     d.SuggestedAction,
		"confidence": strconv.FormatFloat(d.Confidence, 'f', 4, 64),
		"threshold":  strconv.FormatFloat(d.Threshold, 'f', 4, 64),
		"auto":       strconv.FormatBool(d.Auto()),
		"reason":     d.Reason,
	}
}

func resolutionAmount(dec policy.Decision, d dispute.Dispute) int64 {
	switch dec.SuggestedAction {
	case policy.ActionPartialRefund:
		return dec.AmountMinor
	case policy.ActionRefund:
		return d.AmountMinor
	default:
		return 0
	}
}

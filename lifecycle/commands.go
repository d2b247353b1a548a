package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"chargeflow/collab"
	"chargeflow/dispute"
	"chargeflow/evidence"
	"chargeflow/idempotency"
	"chargeflow/ledger"
	"chargeflow/policy"
	"chargeflow/review"
)

// ErrInvalidCommand signals a command that fails validation before anything
// is executed.
var ErrInvalidCommand = errors.New("lifecycle: invalid command")

// Administrative command names. Each is also the idempotency scope.
const (
	CommandAccept           = "accept"
	CommandReject           = "reject"
	CommandEscalate         = "escalate"
	CommandGenerateEvidence = "generate-evidence"
	CommandCancel           = "cancel"
	CommandMarkDuplicate    = "mark-duplicate"
	CommandArchive          = "archive"
)

var commands = map[string]bool{
	CommandAccept: true, CommandReject: true, CommandEscalate: true, CommandGenerateEvidence: true,
	CommandCancel: true, CommandMarkDuplicate: true, CommandArchive: true,
}

// Command is an administrative request against one dispute.
type Command struct {
	Name           string
	TenantID       string
	DisputeID      string
	IdempotencyKey string
	Actor          dispute.Actor
	Body           CommandBody
}

// CommandBody is the caller-supplied part of a command. Its JSON encoding is
// the idempotency fingerprint.
type CommandBody struct {
	Action      string `json:"action,omitempty"`
	AmountMinor int64  `json:"amountMinor,omitempty"`
	Note        string `json:"note,omitempty"`
	CanonicalID string `json:"canonicalId,omitempty"`
}

type fingerprinted struct {
	DisputeID string      `json:"disputeId"`
	Body      CommandBody `json:"body"`
}

// CommandResult is returned by Execute and cached under the idempotency key.
type CommandResult struct {
	Command       string         `json:"command"`
	DisputeID     string         `json:"disputeId"`
	Status        dispute.Status `json:"status"`
	Transitioned  bool           `json:"transitioned"`
	ReviewItemID  string         `json:"reviewItemId,omitempty"`
	ResolvedItems int            `json:"resolvedItems,omitempty"`
	Receipt       string         `json:"receipt,omitempty"`
	Replayed      bool           `json:"replayed"`
}

// Execute runs cmd at most once per idempotency key. A replay with the same
// body returns the first result with Replayed set.
func (c *Coordinator) Execute(ctx context.Context, cmd Command) (CommandResult, error) {
	if !commands[cmd.Name] {
		return CommandResult{}, fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, cmd.Name)
	}
	if strings.TrimSpace(cmd.TenantID) == "" || strings.TrimSpace(cmd.DisputeID) == "" {
		return CommandResult{}, fmt.Errorf("%w: tenant and dispute are required", ErrInvalidCommand)
	}
	if err := validateBody(cmd); err != nil {
		return CommandResult{}, err
	}
	if cmd.Actor.Type == "" {
		cmd.Actor = dispute.Actor{Type: ledger.ActorUser, ID: "operator"}
	}

	key := idempotency.Key{TenantID: cmd.TenantID, Scope: cmd.Name, Key: cmd.IdempotencyKey}
	out, err := c.guard.Do(ctx, key, fingerprinted{DisputeID: cmd.DisputeID, Body: cmd.Body}, func(ctx context.Context) (any, error) {
		return c.run(ctx, cmd)
	})
	if err != nil {
		return CommandResult{}, err
	}
	var res CommandResult
	if err := json.Unmarshal(out.Result, &res); err != nil {
		return CommandResult{}, fmt.Errorf("lifecycle: decode command result: %w", err)
	}
	res.Replayed = out.Replayed
	return res, nil
}

func validateBody(cmd Command) error {
	b := cmd.Body
	switch cmd.Name {
	case CommandAccept:
		switch b.Action {
		case policy.ActionRefund, policy.ActionSubmitEvidence:
		case policy.ActionPartialRefund:
			if b.AmountMinor <= 0 {
				return fmt.Errorf("%w: partial refund needs a positive amount", ErrInvalidCommand)
			}
		default:
			return fmt.Errorf("%w: accept action %q", ErrInvalidCommand, b.Action)
		}
	case CommandMarkDuplicate:
		if strings.TrimSpace(b.CanonicalID) == "" {
			return fmt.Errorf("%w: canonicalId is required", ErrInvalidCommand)
		}
		if b.CanonicalID == cmd.DisputeID {
			return fmt.Errorf("%w: a dispute cannot duplicate itself", ErrInvalidCommand)
		}
	}
	return nil
}

func (c *Coordinator) run(ctx context.Context, cmd Command) (CommandResult, error) {
	d, err := c.disputes.Get(ctx, cmd.TenantID, cmd.DisputeID)
	if err != nil {
		return CommandResult{}, err
	}
	release, err := c.lock(ctx, d.Key())
	if err != nil {
		return CommandResult{}, err
	}
	defer release()
	// Reload under the lease.
	if d, err = c.disputes.Get(ctx, cmd.TenantID, cmd.DisputeID); err != nil {
		return CommandResult{}, err
	}

	c.log.Info("command received", "tenant", cmd.TenantID, "dispute_id", d.ID, "command", cmd.Name, "actor", cmd.Actor.ID)
	res := CommandResult{Command: cmd.Name, DisputeID: d.ID}

	switch cmd.Name {
	case CommandAccept:
		err = c.accept(ctx, d, cmd, &res)
	case CommandReject:
		err = c.reject(ctx, d, cmd, &res)
	case CommandEscalate:
		err = c.escalate(ctx, d, cmd, &res)
	case CommandGenerateEvidence:
		var final dispute.Dispute
		final, err = c.buildEvidenceAs(ctx, d, cmd.Actor)
		res.Status, res.Transitioned = final.Status, final.Status != d.Status
	case CommandCancel:
		err = c.transitionCommand(ctx, d, cmd, dispute.Event{Kind: dispute.EventCancel, Note: cmd.Body.Note}, "canceled", &res)
	case CommandMarkDuplicate:
		err = c.markDuplicate(ctx, d, cmd, &res)
	case CommandArchive:
		err = c.transitionCommand(ctx, d, cmd, dispute.Event{Kind: dispute.EventArchive, Note: cmd.Body.Note}, "", &res)
	}
	if err != nil {
		return CommandResult{}, err
	}
	return res, nil
}

// transitionCommand applies ev for the operator. An illegal event is
// recorded and returned as an error; resolveAs, when set, closes the
// dispute's open review items.
func (c *Coordinator) transitionCommand(ctx context.Context, d dispute.Dispute, cmd Command, ev dispute.Event, resolveAs string, res *CommandResult) error {
	ev.Actor = cmd.Actor
	applied, err := c.advance(ctx, d, ev, opts{})
	if err != nil {
		return err
	}
	if applied.rejected != nil {
		return applied.rejected
	}
	res.Status, res.Transitioned = applied.d.Status, applied.transitioned()
	if resolveAs != "" && res.Transitioned {
		items, err := c.review.ResolveForDispute(ctx, d.TenantID, d.ID, resolveAs, cmd.Actor.ID)
		if err != nil {
			return err
		}
		res.ResolvedItems = len(items)
	}
	return nil
}

// accept executes an operator-chosen resolution.
func (c *Coordinator) accept(ctx context.Context, d dispute.Dispute, cmd Command, res *CommandResult) error {
	ev := dispute.Event{Kind: dispute.EventResolutionSubmitted, Actor: cmd.Actor, Action: cmd.Body.Action, Note: cmd.Body.Note}
	if !dispute.CanTransition(d.Status, dispute.StatusSubmitted) {
		applied, err := c.commit(ctx, d, ev, opts{})
		if err != nil {
			return err
		}
		return applied.rejected
	}

	amount := cmd.Body.AmountMinor
	if cmd.Body.Action == policy.ActionRefund && amount == 0 {
		amount = d.AmountMinor
	}
	var pack evidence.Pack
	if d.EvidencePackID != "" {
		p, err := c.packs.Get(ctx, d.TenantID, d.EvidencePackID)
		if err != nil && !errors.Is(err, evidence.ErrNotFound) {
			return err
		}
		pack = p
	}
	if cmd.Body.Action == policy.ActionSubmitEvidence && pack.Status != evidence.StatusReady {
		return fmt.Errorf("%w: no READY evidence pack to submit", ErrInvalidCommand)
	}

	receipt, err := c.responder.Submit(ctx, collab.Resolution{
		TenantID:       d.TenantID,
		DisputeID:      d.ID,
		Processor:      d.Processor,
		ExternalCaseID: d.ExternalCaseID,
		Action:         cmd.Body.Action,
		AmountMinor:    amount,
		Currency:       d.Currency,
		EvidencePackID: pack.ID,
		Narrative:      pack.Narrative,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: submit resolution: %w", err)
	}
	if cmd.Body.Action == policy.ActionSubmitEvidence {
		if _, err := c.packs.MarkSubmitted(ctx, d.TenantID, pack.ID, receipt.SubmittedAt); err != nil {
			c.log.Error("mark evidence pack submitted", "dispute_id", d.ID, "pack_id", pack.ID, "error", err)
		}
	}

	ev.Metadata = ledger.Metadata{
		"action":       cmd.Body.Action,
		"amount_minor": strconv.FormatInt(amount, 10),
		"receipt":      receipt.Reference,
	}
	if err := c.transitionCommand(ctx, d, cmd, ev, "accepted: "+cmd.Body.Action, res); err != nil {
		return err
	}
	res.Receipt = receipt.Reference
	return nil
}

// reject closes the dispute's open review items without a transition.
func (c *Coordinator) reject(ctx context.Context, d dispute.Dispute, cmd Command, res *CommandResult) error {
	resolution := "rejected"
	if cmd.Body.Note != "" {
		resolution += ": " + cmd.Body.Note
	}
	items, err := c.review.ResolveForDispute(ctx, d.TenantID, d.ID, resolution, cmd.Actor.ID)
	if err != nil {
		return err
	}
	applied, err := c.commit(ctx, d, dispute.Event{
		Kind:     dispute.EventAnnotate,
		Actor:    cmd.Actor,
		Note:     resolution,
		Metadata: ledger.Metadata{"resolved_items": strconv.Itoa(len(items))},
	}, opts{kind: "operator_rejected"})
	if err != nil {
		return err
	}
	res.Status, res.ResolvedItems = applied.d.Status, len(items)
	return nil
}

// escalate hands the dispute to the review queue, moving it to NEEDS_MANUAL
// when the table allows.
func (c *Coordinator) escalate(ctx context.Context, d dispute.Dispute, cmd Command, res *CommandResult) error {
	note := cmd.Body.Note
	if note == "" {
		note = "escalated by operator"
	}
	ev := dispute.Event{Kind: dispute.EventEscalate, Actor: cmd.Actor, Note: note}
	o := opts{reviewReason: review.ReasonOperator}
	if !dispute.CanTransition(d.Status, dispute.StatusNeedsManual) {
		ev.Kind = dispute.EventAnnotate
		o.kind = "operator_escalated"
	}
	applied, err := c.advance(ctx, d, ev, o)
	if err != nil {
		return err
	}
	if applied.rejected != nil {
		return applied.rejected
	}
	item, _, err := c.review.Enqueue(ctx, review.Item{
		TenantID:  d.TenantID,
		DisputeID: d.ID,
		Reason:    review.ReasonOperator,
		Detail:    note,
		CreatedAt: c.now(),
	})
	if err != nil {
		return err
	}
	res.Status, res.Transitioned, res.ReviewItemID = applied.d.Status, applied.transitioned(), item.ID
	return nil
}

// markDuplicate links d to the canonical dispute. The canonical record is
// not modified.
func (c *Coordinator) markDuplicate(ctx context.Context, d dispute.Dispute, cmd Command, res *CommandResult) error {
	canonical, err := c.disputes.Get(ctx, d.TenantID, cmd.Body.CanonicalID)
	if err != nil {
		return fmt.Errorf("lifecycle: canonical dispute: %w", err)
	}
	if canonical.Status == dispute.StatusDuplicate {
		return fmt.Errorf("%w: canonical dispute %s is itself a duplicate", ErrInvalidCommand, canonical.ID)
	}
	ev := dispute.Event{
		Kind:        dispute.EventMarkDuplicate,
		DuplicateOf: canonical.ID,
		Note:        "duplicate of " + canonical.ID,
		Metadata:    ledger.Metadata{"canonical_id": canonical.ID},
	}
	return c.transitionCommand(ctx, d, cmd, ev, "duplicate of "+canonical.ID, res)
}

// Package policy decides whether a dispute is resolved automatically or
// escalated to a human. One threshold and one auto-actionable set govern
// every decision.
package policy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Suggested actions.
const (
	ActionRefund         = "refund"
	ActionPartialRefund  = "partial_refund"
	ActionSubmitEvidence = "submit_evidence"
	ActionReject         = "reject"
)

// Outcome is the engine's decision.
type Outcome string

const (
	AutoSubmitEvidence Outcome = "AUTO_SUBMIT_EVIDENCE"
	AutoRefund         Outcome = "AUTO_REFUND"
	AutoPartialRefund  Outcome = "AUTO_PARTIAL_REFUND"
	Escalate           Outcome = "ESCALATE"
)

// ErrAssessor wraps failures raised by an Assessor, panics included.
var ErrAssessor = errors.New("policy: assessor failed")

const DefaultThreshold = 0.70

// DefaultAutoActions is the pre-approved auto-actionable set.
var DefaultAutoActions = []string{ActionRefund, ActionPartialRefund, ActionSubmitEvidence}

var autoOutcomes = map[string]Outcome{
	ActionRefund:         AutoRefund,
	ActionPartialRefund:  AutoPartialRefund,
	ActionSubmitEvidence: AutoSubmitEvidence,
}

type Config struct {
	Threshold   float64  `yaml:"threshold"`
	AutoActions []string `yaml:"auto_actions"`
}

// Input is what Decide needs.
type Input struct {
	DisputeID       string
	SuggestedAction string
	Confidence      float64
	AmountMinor     int64
}

// Decision records the outcome together with what it was based on.
type Decision struct {
	Outcome         Outcome
	SuggestedAction string
	Confidence      float64
	Threshold       float64
	AmountMinor     int64
	Reason          string
}

// Auto reports whether the decision is executed without a human.
func (d Decision) Auto() bool { return d.Outcome != Escalate }

type Engine struct {
	threshold float64
	auto      map[string]bool
}

// NewEngine builds an engine. Actions outside {refund, partial_refund,
// submit_evidence} are never auto-actionable even when configured.
func NewEngine(cfg Config) *Engine {
	threshold := cfg.Threshold
	if threshold <= 0 || threshold > 1 || math.IsNaN(threshold) {
		threshold = DefaultThreshold
	}
	actions := cfg.AutoActions
	if len(actions) == 0 {
		actions = DefaultAutoActions
	}
	auto := make(map[string]bool, len(actions))
	for _, a := range actions {
		a = normalizeAction(a)
		if _, ok := autoOutcomes[a]; ok {
			auto[a] = true
		}
	}
	return &Engine{threshold: threshold, auto: auto}
}

func (e *Engine) Threshold() float64 { return e.threshold }

// Decide escalates when confidence is below the threshold or the suggested
// action is not auto-actionable. Anything ambiguous escalates.
func (e *Engine) Decide(in Input) Decision {
	action := normalizeAction(in.SuggestedAction)
	d := Decision{
		Outcome:         Escalate,
		SuggestedAction: action,
		Confidence:      in.Confidence,
		Threshold:       e.threshold,
		AmountMinor:     in.AmountMinor,
	}
	switch {
	case math.IsNaN(in.Confidence) || in.Confidence < 0 || in.Confidence > 1:
		d.Reason = fmt.Sprintf("confidence %v out of range", in.Confidence)
	case in.Confidence < e.threshold:
		d.Reason = fmt.Sprintf("confidence %.2f below threshold %.2f", in.Confidence, e.threshold)
	case !e.auto[action]:
		d.Reason = fmt.Sprintf("action %q is not auto-actionable", action)
	case action == ActionPartialRefund && in.AmountMinor <= 0:
		d.Reason = "partial refund without amount"
	default:
		d.Outcome = autoOutcomes[action]
		d.Reason = "auto-approved"
	}
	return d
}

// Evaluate asks the assessor for a suggestion and decides on it. An assessor
// error or panic yields an ESCALATE decision together with an error wrapping
// ErrAssessor.
func (e *Engine) Evaluate(ctx context.Context, a Assessor, c Case) (d Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			d = e.escalateOnError(fmt.Sprintf("panic: %v", r))
			err = fmt.Errorf("%w: panic: %v", ErrAssessor, r)
		}
	}()

	s, aerr := a.Assess(ctx, c)
	if aerr != nil {
		return e.escalateOnError(aerr.Error()), fmt.Errorf("%w: %v", ErrAssessor, aerr)
	}
	return e.Decide(Input{
		DisputeID:       c.DisputeID,
		SuggestedAction: s.Action,
		Confidence:      s.Confidence,
		AmountMinor:     s.AmountMinor,
	}), nil
}

func (e *Engine) escalateOnError(reason string) Decision {
	return Decision{
		Outcome:   Escalate,
		Threshold: e.threshold,
		Reason:    "assessor error: " + reason,
	}
}

func normalizeAction(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

package dispute

import (
	"errors"
	"fmt"
	"time"

	"chargeflow/ledger"
)

// ErrIllegalTransition is returned by Transition for edges outside the table.
var ErrIllegalTransition = errors.New("dispute: illegal transition")

// EventKind enumerates the inputs the state machine understands.
type EventKind string

const (
	EventProviderUpdate      EventKind = "provider_update"
	EventEvidenceStarted     EventKind = "evidence_started"
	EventEvidenceReady       EventKind = "evidence_ready"
	EventEvidenceFailed      EventKind = "evidence_failed"
	EventResolutionSubmitted EventKind = "resolution_submitted"
	EventEscalate            EventKind = "escalate"
	EventCancel              EventKind = "cancel"
	EventMarkDuplicate       EventKind = "mark_duplicate"
	EventArchive             EventKind = "archive"
	// EventAnnotate records a timeline entry without a status change.
	EventAnnotate EventKind = "annotate"
)

// Event is a normalized input: provider webhook, builder signal, policy
// decision or administrative command.
type Event struct {
	Kind  EventKind
	Actor Actor

	// Provider updates.
	Target          Status
	ExternalStatus  string
	ExternalEventID string
	Deadline        *time.Time
	AmountMinor     int64
	Currency        string
	Reason          string
	OrderID         string

	// Evidence and resolution.
	PackID         string
	WinProbability float64
	Action         string

	DuplicateOf string
	// Note is free text: rejection reason, error message, operator note.
	Note     string
	Severity ledger.Severity
	Metadata ledger.Metadata
}

// Effect is a side effect requested by a transition.
type Effect string

const (
	EffectBuildEvidence  Effect = "build_evidence"
	EffectEvaluatePolicy Effect = "evaluate_policy"
	EffectEnqueueReview  Effect = "enqueue_review"
	EffectNotify         Effect = "notify"
)

// Step is the result of Transition.
type Step struct {
	From Status
	To   Status
	// Refresh means fields may change but the status does not.
	Refresh bool
	// Noop means the event must not be applied at all.
	Noop    bool
	Effects []Effect
}

func (s Step) Has(e Effect) bool {
	for _, x := range s.Effects {
		if x == e {
			return true
		}
	}
	return false
}

var transitions = map[Status]map[Status]bool{
	StatusOpen:             {StatusEvidenceRequired: true, StatusNeedsManual: true, StatusCanceled: true, StatusDuplicate: true},
	StatusEvidenceRequired: {StatusEvidenceBuilding: true, StatusNeedsManual: true, StatusCanceled: true, StatusDuplicate: true},
	StatusEvidenceBuilding: {StatusEvidenceReady: true, StatusNeedsManual: true, StatusCanceled: true, StatusDuplicate: true},
	StatusEvidenceReady:    {StatusSubmitted: true, StatusCanceled: true, StatusDuplicate: true},
	StatusSubmitted:        {StatusWon: true, StatusLost: true, StatusCanceled: true, StatusDuplicate: true},
	StatusNeedsManual:      {StatusEvidenceBuilding: true, StatusSubmitted: true, StatusCanceled: true, StatusDuplicate: true},
	StatusWon:              {StatusClosed: true, StatusDuplicate: true},
	StatusLost:             {StatusClosed: true, StatusDuplicate: true},
	StatusCanceled:         {StatusDuplicate: true},
	StatusClosed:           {},
	StatusDuplicate:        {},
}

// mainPath ranks the happy-path statuses; provider updates pointing at or
// behind the current rank are refreshes, not transitions.
var mainPath = map[Status]int{
	StatusOpen:             1,
	StatusEvidenceRequired: 2,
	StatusEvidenceBuilding: 3,
	StatusEvidenceReady:    4,
	StatusSubmitted:        5,
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Transition computes the next status and side effects for ev. It is pure:
// it neither reads nor writes state beyond its arguments.
func Transition(current Status, ev Event) (Step, error) {
	step := Step{From: current, To: current}

	if current == StatusClosed || current == StatusDuplicate {
		if ev.Kind == EventAnnotate {
			step.Refresh = true
			return step, nil
		}
		return step, illegal(current, ev)
	}

	switch ev.Kind {
	case EventAnnotate:
		step.Refresh = true
		return step, nil
	case EventCancel:
		if current == StatusCanceled {
			step.Noop = true
			return step, nil
		}
		return advance(step, StatusCanceled, ev)
	case EventProviderUpdate:
		return providerStep(step, ev)
	case EventEvidenceStarted:
		if current == StatusEvidenceBuilding {
			step.Refresh = true
			return step, nil
		}
		return advance(step, StatusEvidenceBuilding, ev)
	case EventEvidenceReady:
		return advance(step, StatusEvidenceReady, ev)
	case EventEvidenceFailed, EventEscalate:
		return advance(step, StatusNeedsManual, ev)
	case EventResolutionSubmitted:
		return advance(step, StatusSubmitted, ev)
	case EventMarkDuplicate:
		return advance(step, StatusDuplicate, ev)
	case EventArchive:
		return advance(step, StatusClosed, ev)
	default:
		return step, fmt.Errorf("%w: unknown event kind %q", ErrIllegalTransition, ev.Kind)
	}
}

func providerStep(step Step, ev Event) (Step, error) {
	current, target := step.From, ev.Target
	if target == "" {
		return step, fmt.Errorf("%w: provider update without target", ErrIllegalTransition)
	}
	if rank, ok := mainPath[target]; ok {
		if cur, onPath := mainPath[current]; onPath && rank <= cur {
			step.Refresh = true
			return step, nil
		}
		if current == StatusNeedsManual && target != StatusSubmitted {
			step.Refresh = true
			return step, nil
		}
	}
	if target == current {
		step.Refresh = true
		return step, nil
	}
	return advance(step, target, ev)
}

func advance(step Step, to Status, ev Event) (Step, error) {
	if !CanTransition(step.From, to) {
		return step, illegal(step.From, ev, to)
	}
	step.To = to
	step.Effects = append(step.Effects, EffectNotify)
	switch to {
	case StatusEvidenceRequired:
		step.Effects = append(step.Effects, EffectBuildEvidence)
	case StatusEvidenceReady:
		step.Effects = append(step.Effects, EffectEvaluatePolicy)
	case StatusNeedsManual:
		step.Effects = append(step.Effects, EffectEnqueueReview)
	}
	return step, nil
}

func illegal(from Status, ev Event, to ...Status) error {
	if len(to) > 0 {
		return fmt.Errorf("%w: %s -> %s on %s", ErrIllegalTransition, from, to[0], ev.Kind)
	}
	return fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev.Kind, from)
}

// Apply returns d with the fields carried by ev and the status from step.
// Only non-empty event fields overwrite the record.
func Apply(d Dispute, ev Event, step Step, now time.Time) Dispute {
	if ev.Kind == EventProviderUpdate {
		if ev.ExternalStatus != "" {
			d.ExternalStatus = ev.ExternalStatus
		}
		if ev.Deadline != nil {
			deadline := ev.Deadline.UTC()
			d.EvidenceDeadline = &deadline
		}
		if ev.AmountMinor > 0 {
			d.AmountMinor = ev.AmountMinor
		}
		if ev.Currency != "" {
			d.Currency = ev.Currency
		}
		if ev.Reason != "" {
			d.Reason = ev.Reason
		}
		if ev.OrderID != "" {
			d.OrderID = ev.OrderID
		}
	}
	if ev.PackID != "" {
		d.EvidencePackID = ev.PackID
	}
	if ev.Kind == EventMarkDuplicate {
		d.DuplicateOf = ev.DuplicateOf
	}

	d.Status = step.To
	switch {
	case step.To == StatusNeedsManual:
		d.NeedsManual = true
		if ev.Note != "" {
			d.LastError = ev.Note
		}
	case step.From != step.To:
		d.NeedsManual = false
	}
	d.UpdatedAt = now
	return d
}

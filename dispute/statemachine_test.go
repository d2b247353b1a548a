package dispute

import (
	"errors"
	"testing"
	"time"
)

func TestTransition_OnlyTableEdgesAreReachable(t *testing.T) {
	kinds := []EventKind{
		EventEvidenceStarted, EventEvidenceReady, EventEvidenceFailed, EventResolutionSubmitted,
		EventEscalate, EventCancel, EventMarkDuplicate, EventArchive,
	}
	for _, from := range AllStatuses {
		for _, kind := range kinds {
			step, err := Transition(from, Event{Kind: kind})
			if err != nil {
				if !errors.Is(err, ErrIllegalTransition) {
					t.Fatalf("%s on %s: unexpected error %v", kind, from, err)
				}
				if step.To != from {
					t.Errorf("%s on %s: rejected step moved status to %s", kind, from, step.To)
				}
				continue
			}
			if step.Noop || step.Refresh {
				continue
			}
			if !CanTransition(from, step.To) {
				t.Errorf("%s on %s reached %s outside the table", kind, from, step.To)
			}
		}
		for _, target := range AllStatuses {
			step, err := Transition(from, Event{Kind: EventProviderUpdate, Target: target})
			if err != nil || step.Refresh {
				continue
			}
			if !CanTransition(from, step.To) {
				t.Errorf("provider %s on %s reached %s outside the table", target, from, step.To)
			}
		}
	}
}

func TestTransition_ClosedAcceptsOnlyAnnotations(t *testing.T) {
	for _, kind := range []EventKind{EventCancel, EventEscalate, EventEvidenceStarted, EventArchive} {
		if _, err := Transition(StatusClosed, Event{Kind: kind}); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("expected %s on CLOSED to be illegal, got %v", kind, err)
		}
	}
	if _, err := Transition(StatusClosed, Event{Kind: EventProviderUpdate, Target: StatusWon}); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected stale provider update on CLOSED to be illegal, got %v", err)
	}
	step, err := Transition(StatusClosed, Event{Kind: EventAnnotate})
	if err != nil || !step.Refresh {
		t.Fatalf("expected annotate refresh, got %+v %v", step, err)
	}
}

func TestTransition_CancelIsIdempotent(t *testing.T) {
	step, err := Transition(StatusCanceled, Event{Kind: EventCancel})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !step.Noop {
		t.Fatalf("expected cancel on CANCELED to be a no-op")
	}

	for _, from := range []Status{StatusOpen, StatusEvidenceRequired, StatusEvidenceBuilding, StatusEvidenceReady, StatusSubmitted, StatusNeedsManual} {
		step, err := Transition(from, Event{Kind: EventCancel})
		if err != nil || step.To != StatusCanceled {
			t.Errorf("cancel from %s: got %+v %v", from, step, err)
		}
	}
	if _, err := Transition(StatusWon, Event{Kind: EventCancel}); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected cancel on WON to be illegal")
	}
}

func TestTransition_EffectsOnEntry(t *testing.T) {
	step, err := Transition(StatusOpen, Event{Kind: EventProviderUpdate, Target: StatusEvidenceRequired})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if step.To != StatusEvidenceRequired || !step.Has(EffectBuildEvidence) || !step.Has(EffectNotify) {
		t.Fatalf("unexpected step %+v", step)
	}

	step, err = Transition(StatusEvidenceBuilding, Event{Kind: EventEvidenceReady})
	if err != nil || !step.Has(EffectEvaluatePolicy) {
		t.Fatalf("expected evaluate_policy effect, got %+v %v", step, err)
	}

	step, err = Transition(StatusEvidenceBuilding, Event{Kind: EventEvidenceFailed})
	if err != nil || step.To != StatusNeedsManual || !step.Has(EffectEnqueueReview) {
		t.Fatalf("expected enqueue_review effect, got %+v %v", step, err)
	}
}

func TestTransition_StaleProviderUpdateRefreshes(t *testing.T) {
	step, err := Transition(StatusSubmitted, Event{Kind: EventProviderUpdate, Target: StatusEvidenceRequired})
	if err != nil {
		t.Fatalf("expected refresh, got %v", err)
	}
	if !step.Refresh || step.To != StatusSubmitted {
		t.Fatalf("expected refresh keeping SUBMITTED, got %+v", step)
	}

	step, err = Transition(StatusNeedsManual, Event{Kind: EventProviderUpdate, Target: StatusEvidenceRequired})
	if err != nil || !step.Refresh {
		t.Fatalf("expected refresh from NEEDS_MANUAL, got %+v %v", step, err)
	}

	step, err = Transition(StatusSubmitted, Event{Kind: EventProviderUpdate, Target: StatusWon})
	if err != nil || step.To != StatusWon {
		t.Fatalf("expected WON, got %+v %v", step, err)
	}
}

func TestTransition_ProviderDecisionBeforeSubmissionIsIllegal(t *testing.T) {
	_, err := Transition(StatusEvidenceBuilding, Event{Kind: EventProviderUpdate, Target: StatusWon})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
}

func TestApply_CopiesProviderFieldsAndFlags(t *testing.T) {
	deadline := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	now := time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)
	d := Dispute{ID: "d1", TenantID: "T1", Status: StatusOpen, AmountMinor: 1000, Currency: "USD"}

	ev := Event{Kind: EventProviderUpdate, Target: StatusEvidenceRequired, ExternalStatus: "needs_response", Deadline: &deadline}
	step, err := Transition(d.Status, ev)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	next := Apply(d, ev, step, now)
	if next.Status != StatusEvidenceRequired || next.ExternalStatus != "needs_response" {
		t.Fatalf("unexpected record %+v", next)
	}
	if next.EvidenceDeadline == nil || !next.EvidenceDeadline.Equal(deadline) {
		t.Fatalf("expected deadline to be set")
	}
	if next.AmountMinor != 1000 || next.Currency != "USD" {
		t.Fatalf("empty event fields must not overwrite the record")
	}

	fail := Event{Kind: EventEvidenceFailed, Note: "tracking missing"}
	step, _ = Transition(StatusEvidenceBuilding, fail)
	next.Status = StatusEvidenceBuilding
	manual := Apply(next, fail, step, now)
	if !manual.NeedsManual || manual.LastError != "tracking missing" {
		t.Fatalf("expected needs manual with last error, got %+v", manual)
	}

	resume := Event{Kind: EventEvidenceStarted, PackID: "p2"}
	step, _ = Transition(StatusNeedsManual, resume)
	resumed := Apply(manual, resume, step, now)
	if resumed.NeedsManual || resumed.EvidencePackID != "p2" {
		t.Fatalf("expected flag cleared and pack linked, got %+v", resumed)
	}
}

func TestMapProviderStatus(t *testing.T) {
	cases := []struct {
		processor, raw string
		want           Status
		known          bool
	}{
		{"stripe", "needs_response", StatusEvidenceRequired, true},
		{"Stripe", "  WON ", StatusWon, true},
		{"paypal", "resolved_buyer_favour", StatusLost, true},
		{"adyen", "defense_submitted", StatusSubmitted, true},
		{"stripe", "mystery_state", StatusNeedsManual, false},
		{"unknownpay", "won", StatusNeedsManual, false},
	}
	for _, tc := range cases {
		got := MapProviderStatus(tc.processor, tc.raw)
		if got.Target != tc.want || got.Known != tc.known {
			t.Errorf("%s/%s: got %+v", tc.processor, tc.raw, got)
		}
		if !got.Known && got.Raw != tc.raw {
			t.Errorf("%s/%s: raw string not preserved: %q", tc.processor, tc.raw, got.Raw)
		}
	}
}

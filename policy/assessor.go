package policy

import "context"

// Case is the assessor's view of a dispute ready for resolution.
type Case struct {
	DisputeID      string
	TenantID       string
	Reason         string
	AmountMinor    int64
	Currency       string
	PackID         string
	WinProbability float64
}

// Suggestion is an assessor's recommended action and its confidence.
type Suggestion struct {
	Action      string
	Confidence  float64
	AmountMinor int64
	Rationale   string
}

// Assessor suggests an action for a case.
type Assessor interface {
	Assess(ctx context.Context, c Case) (Suggestion, error)
}

const DefaultSmallRefundMinor = 2500

// RuleAssessor derives a suggestion from the evidence win-probability.
// Confidence is the probability that the suggested action is the right call:
// the win-probability for submitting evidence, its complement for refunding.
type RuleAssessor struct {
	SmallRefundMinor int64
}

func (r RuleAssessor) Assess(_ context.Context, c Case) (Suggestion, error) {
	small := r.SmallRefundMinor
	if small <= 0 {
		small = DefaultSmallRefundMinor
	}
	switch {
	case c.WinProbability >= 0.5:
		return Suggestion{
			Action:     ActionSubmitEvidence,
			Confidence: c.WinProbability,
			Rationale:  "evidence likely to prevail",
		}, nil
	case c.AmountMinor <= small:
		return Suggestion{
			Action:      ActionRefund,
			Confidence:  1 - c.WinProbability,
			AmountMinor: c.AmountMinor,
			Rationale:   "weak evidence on a small amount",
		}, nil
	default:
		return Suggestion{
			Action:     ActionReject,
			Confidence: 1 - c.WinProbability,
			Rationale:  "weak evidence on a large amount",
		}, nil
	}
}

// AssessorFunc adapts a function to Assessor.
type AssessorFunc func(ctx context.Context, c Case) (Suggestion, error)

func (f AssessorFunc) Assess(ctx context.Context, c Case) (Suggestion, error) { return f(ctx, c) }

package collab

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Resolution is an action sent to the processor on the merchant's behalf.
type Resolution struct {
	TenantID       string `json:"tenantId"`
	DisputeID      string `json:"disputeId"`
	Processor      string `json:"processor"`
	ExternalCaseID string `json:"externalCaseId"`
	Action         string `json:"action"`
	AmountMinor    int64  `json:"amountMinor,omitempty"`
	Currency       string `json:"currency,omitempty"`
	EvidencePackID string `json:"evidencePackId,omitempty"`
	Narrative      string `json:"narrative,omitempty"`
}

// Receipt acknowledges a submitted resolution.
type Receipt struct {
	Reference   string    `json:"reference"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Responder submits resolutions to the payment processor.
type Responder interface {
	Submit(ctx context.Context, r Resolution) (Receipt, error)
}

// HTTPResponder posts resolutions to the processor gateway.
type HTTPResponder struct {
	c *jsonClient
}

func NewHTTPResponder(cfg Config) (*HTTPResponder, error) {
	c, err := newJSONClient(cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPResponder{c: c}, nil
}

func (h *HTTPResponder) Submit(ctx context.Context, r Resolution) (Receipt, error) {
	path := fmt.Sprintf("/v1/processors/%s/cases/%s/responses", url.PathEscape(r.Processor), url.PathEscape(r.ExternalCaseID))
	var receipt Receipt
	if err := h.c.do(ctx, "POST", path, r, &receipt); err != nil {
		return Receipt{}, err
	}
	if receipt.SubmittedAt.IsZero() {
		receipt.SubmittedAt = time.Now().UTC()
	}
	return receipt, nil
}

// LogResponder accepts every resolution and only logs it. It is used when no
// processor gateway is configured.
type LogResponder struct {
	Log *slog.Logger
}

func (l LogResponder) Submit(_ context.Context, r Resolution) (Receipt, error) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	ref := "local-" + uuid.NewString()
	log.Info("resolution submitted", "tenant", r.TenantID, "dispute_id", r.DisputeID, "action", r.Action, "reference", ref)
	return Receipt{Reference: ref, SubmittedAt: time.Now().UTC()}, nil
}

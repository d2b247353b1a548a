package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chargeflow/dispute"
	"chargeflow/ledger"
)

var deadlineLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"}

// Normalize parses the payload and maps the provider status through the fixed
// table. Unknown statuses are not errors: they normalize to NEEDS_MANUAL with
// the raw string preserved.
func Normalize(ev Event) (Normalized, error) {
	switch ev.PayloadType {
	case PayloadCreated, PayloadUpdated, PayloadClosed:
	default:
		return Normalized{}, fmt.Errorf("%w: unknown payload type %q", ErrMalformed, ev.PayloadType)
	}

	var p Payload
	dec := json.NewDecoder(bytes.NewReader(ev.Payload))
	if err := dec.Decode(&p); err != nil {
		return Normalized{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(p.Status) == "" {
		return Normalized{}, fmt.Errorf("%w: missing status", ErrMalformed)
	}
	if p.Amount < 0 {
		return Normalized{}, fmt.Errorf("%w: negative amount %d", ErrMalformed, p.Amount)
	}

	var deadline *time.Time
	if p.EvidenceDueBy != "" {
		t, err := parseDeadline(p.EvidenceDueBy)
		if err != nil {
			return Normalized{}, fmt.Errorf("%w: evidenceDueBy: %v", ErrMalformed, err)
		}
		deadline = &t
	}

	mapping := dispute.MapProviderStatus(ev.Processor, p.Status)
	meta := ledger.Metadata{
		"payload_type":      ev.PayloadType,
		"external_event_id": ev.ExternalEventID,
	}
	out := dispute.Event{
		Kind:            dispute.EventProviderUpdate,
		Actor:           dispute.Actor{Type: ledger.ActorSystem, ID: ev.Processor},
		Target:          mapping.Target,
		ExternalStatus:  p.Status,
		ExternalEventID: ev.ExternalEventID,
		Deadline:        deadline,
		AmountMinor:     p.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(p.Currency)),
		Reason:          p.Reason,
		OrderID:         p.OrderID,
		Metadata:        meta,
	}
	if !mapping.Known {
		meta["raw_status"] = mapping.Raw
		out.Note = fmt.Sprintf("unknown provider status %q", mapping.Raw)
		out.Severity = ledger.SeverityWarn
	}

	return Normalized{
		Key:         ev.Key(),
		PayloadType: ev.PayloadType,
		Event:       out,
		KnownStatus: mapping.Known,
	}, nil
}

func parseDeadline(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range deadlineLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

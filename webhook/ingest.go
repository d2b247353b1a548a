package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chargeflow/dispute"
)

// Sink consumes what the Ingestor produces. The lifecycle coordinator
// implements it.
type Sink interface {
	Deliver(ctx context.Context, n Normalized) (Result, error)
	// Malformed records a payload that failed normalization for the case.
	Malformed(ctx context.Context, ev Event, cause error) (Result, error)
}

// Ingestor is the ingestion boundary: it never lets a panic escape.
type Ingestor struct {
	dedup DedupStore
	sink  Sink
	log   *slog.Logger
	now   func() time.Time
}

func NewIngestor(dedup DedupStore, sink Sink, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{dedup: dedup, sink: sink, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Ingest reserves the event key, normalizes the payload and hands it to the
// sink. A redelivered event returns Result{Duplicate: true} and has no effect.
func (i *Ingestor) Ingest(ctx context.Context, ev Event) (res Result, err error) {
	ev.Processor = dispute.NormalizeProcessor(ev.Processor)
	ev.ExternalEventID = strings.TrimSpace(ev.ExternalEventID)
	ev.ExternalCaseID = strings.TrimSpace(ev.ExternalCaseID)
	if err := validate(ev); err != nil {
		return Result{}, err
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = i.now()
	}

	logger := i.log.With("tenant", ev.TenantID, "processor", ev.Processor, "event_id", ev.ExternalEventID, "case_id", ev.ExternalCaseID)

	reserved, err := i.dedup.Reserve(ctx, ev.record())
	if err != nil {
		return Result{}, err
	}
	if !reserved {
		logger.Info("webhook duplicate rejected")
		return Result{Duplicate: true}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("webhook processing panicked", "panic", r)
			res, err = Result{}, fmt.Errorf("webhook: processing panicked: %v", r)
			i.release(ev, logger)
		}
	}()

	n, nerr := safeNormalize(ev)
	if nerr != nil {
		logger.Error("webhook payload malformed", "error", nerr)
		res, err = i.sink.Malformed(ctx, ev, nerr)
		if err != nil {
			i.release(ev, logger)
			return Result{}, err
		}
		res.Malformed = true
		return res, nil
	}

	res, err = i.sink.Deliver(ctx, n)
	if err != nil {
		logger.Error("webhook delivery failed", "error", err)
		i.release(ev, logger)
		return Result{}, err
	}
	logger.Info("webhook processed", "dispute_id", res.DisputeID, "status", res.Status, "created", res.Created, "transitioned", res.Transitioned)
	return res, nil
}

// release frees the reservation after an infrastructure failure. It runs on
// a fresh context because the request context may already be done.
func (i *Ingestor) release(ev Event, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := i.dedup.Release(ctx, ev.record()); err != nil {
		logger.Error("webhook dedup release failed", "error", err)
	}
}

func validate(ev Event) error {
	var missing []string
	if strings.TrimSpace(ev.TenantID) == "" {
		missing = append(missing, "tenant")
	}
	if ev.Processor == "" {
		missing = append(missing, "processor")
	}
	if ev.ExternalEventID == "" {
		missing = append(missing, "externalEventId")
	}
	if ev.ExternalCaseID == "" {
		missing = append(missing, "externalCaseId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEvent, strings.Join(missing, ", "))
	}
	return nil
}

func safeNormalize(ev Event) (n Normalized, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: normalizer panicked: %v", ErrMalformed, r)
		}
	}()
	return Normalize(ev)
}

// IsClientError reports whether err was caused by the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidEvent)
}

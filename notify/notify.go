// Package notify publishes "dispute status changed" events. Delivery is
// fire-and-forget: a failure is logged and never reaches the caller.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// StatusChanged is the outbound event.
type StatusChanged struct {
	EventID    string    `json:"eventId"`
	TenantID   string    `json:"tenantId"`
	DisputeID  string    `json:"disputeId"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	ActorType  string    `json:"actorType"`
	ActorID    string    `json:"actorId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Dispatcher delivers one event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev StatusChanged) error
}

// LogDispatcher writes events to the logger. It is used when no broker is configured.
type LogDispatcher struct {
	Log *slog.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, ev StatusChanged) error {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("dispute status changed", "tenant", ev.TenantID, "dispute_id", ev.DisputeID, "from", ev.From, "to", ev.To)
	return nil
}

const defaultTimeout = 5 * time.Second

// Notifier sends events in the background with a bounded timeout.
type Notifier struct {
	d       Dispatcher
	log     *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewNotifier(d Dispatcher, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{d: d, log: log, timeout: defaultTimeout}
}

// Notify returns immediately.
func (n *Notifier) Notify(ev StatusChanged) {
	if n == nil || n.d == nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				n.log.Error("notification dispatcher panicked", "dispute_id", ev.DisputeID, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.d.Dispatch(ctx, ev); err != nil {
			n.log.Warn("notification dispatch failed", "tenant", ev.TenantID, "dispute_id", ev.DisputeID, "to", ev.To, "error", err)
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

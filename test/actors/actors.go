// Package actors drives the dispute pipeline concurrently against a shared
// database. Each actor loops until stop closes or ctx ends.
package actors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"chargeflow/dispute"
	"chargeflow/idempotency"
	"chargeflow/ledger"
	"chargeflow/lifecycle"
	"chargeflow/policy"
	"chargeflow/review"
	"chargeflow/webhook"
)

// Target is the system under test.
type Target struct {
	Ingest *webhook.Ingestor
	Coord  *lifecycle.Coordinator
	Tenant string
	// Cases is the external case id space actors contend over.
	Cases []string
	// Events bounds the per-case event id space so redeliveries are frequent.
	Events int
}

var providerFlow = []struct {
	payloadType string
	status      string
}{
	{webhook.PayloadCreated, "needs_response"},
	{webhook.PayloadUpdated, "warning_needs_response"},
	{webhook.PayloadUpdated, "under_review"},
	{webhook.PayloadClosed, "won"},
	{webhook.PayloadClosed, "lost"},
}

// misuse reports errors no interleaving should produce.
func misuse(err error) bool {
	return errors.Is(err, webhook.ErrInvalidEvent) ||
		errors.Is(err, lifecycle.ErrInvalidCommand) ||
		errors.Is(err, idempotency.ErrMissingKey) ||
		errors.Is(err, idempotency.ErrKeyReused)
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

// WebhookSender delivers provider events, re-sending the same event ids many
// times from many goroutines.
func WebhookSender(ctx context.Context, tgt Target, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		caseID := tgt.Cases[rand.Intn(len(tgt.Cases))]
		n := rand.Intn(tgt.Events)
		step := providerFlow[n%len(providerFlow)]
		payload, _ := json.Marshal(map[string]any{
			"status":        step.status,
			"reason":        "product_not_received",
			"amount":        1000 + 500*n,
			"currency":      "usd",
			"evidenceDueBy": time.Now().Add(14 * 24 * time.Hour).Format("2006-01-02"),
			"orderId":       "O-" + caseID,
		})
		_, err := tgt.Ingest.Ingest(ctx, webhook.Event{
			TenantID:        tgt.Tenant,
			Processor:       "stripe",
			ExternalEventID: fmt.Sprintf("%s-evt-%d", caseID, n),
			ExternalCaseID:  caseID,
			PayloadType:     step.payloadType,
			Payload:         payload,
		})
		if err != nil && misuse(err) {
			return fmt.Errorf("webhook sender: %w", err)
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

var operatorCommands = []string{
	lifecycle.CommandEscalate,
	lifecycle.CommandGenerateEvidence,
	lifecycle.CommandCancel,
	lifecycle.CommandArchive,
	lifecycle.CommandAccept,
}

// Operator issues commands with a small idempotency key space. The body is a
// function of the key, so a reused key always carries the same request.
func Operator(ctx context.Context, tgt Target, id int, stop <-chan struct{}) error {
	actor := dispute.Actor{Type: ledger.ActorUser, ID: fmt.Sprintf("op-%d", id)}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		list, err := tgt.Coord.List(ctx, tgt.Tenant, dispute.ListFilter{Limit: 50})
		if err != nil || len(list) == 0 {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		d := list[rand.Intn(len(list))]
		name := operatorCommands[rand.Intn(len(operatorCommands))]
		key := fmt.Sprintf("%s-%s-%d", d.ID, name, rand.Intn(3))

		body := lifecycle.CommandBody{Note: "stress " + key}
		if name == lifecycle.CommandAccept {
			body.Action = policy.ActionRefund
		}
		_, err = tgt.Coord.Execute(ctx, lifecycle.Command{
			Name:           name,
			TenantID:       tgt.Tenant,
			DisputeID:      d.ID,
			IdempotencyKey: key,
			Actor:          actor,
			Body:           body,
		})
		if err != nil && misuse(err) {
			return fmt.Errorf("operator %s: %w", name, err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Reviewer drains the review queue, racing other reviewers for items.
func Reviewer(ctx context.Context, tgt Target, id int, stop <-chan struct{}) error {
	actor := dispute.Actor{Type: ledger.ActorUser, ID: fmt.Sprintf("reviewer-%d", id)}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		items, err := tgt.Coord.ListReview(ctx, tgt.Tenant, 20)
		if err == nil && len(items) > 0 {
			item := items[rand.Intn(len(items))]
			_, err = tgt.Coord.ResolveReview(ctx, tgt.Tenant, item.ID, "checked by "+actor.ID, actor)
			if err != nil && !errors.Is(err, review.ErrAlreadyResolved) && misuse(err) {
				return fmt.Errorf("reviewer: %w", err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

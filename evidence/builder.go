package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chargeflow/dispute"
)

// Config tunes the builder.
type Config struct {
	Weights        Weights       `yaml:"weights"`
	SafetyMargin   time.Duration `yaml:"safety_margin"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	Retries        int           `yaml:"retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxExcerpts    int           `yaml:"max_excerpts"`
}

func (c Config) withDefaults() Config {
	if len(c.Weights) == 0 {
		c.Weights = DefaultWeights()
	}
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = 48 * time.Hour
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 20 * time.Second
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxExcerpts <= 0 {
		c.MaxExcerpts = 10
	}
	return c
}

const maxExcerptLen = 280

// Result classifies a build.
type Result string

const (
	ResultReady Result = "READY"
	// ResultIncomplete means required facts are missing but the deadline
	// still leaves time; the pack stays BUILDING.
	ResultIncomplete Result = "INCOMPLETE"
	ResultFailed     Result = "FAILED"
)

type Outcome struct {
	Pack     Pack
	Result   Result
	Reason   string
	Warnings []string
}

type Builder struct {
	store    Store
	orders   OrderSource
	comms    CommunicationSource
	narrator NarrativeGenerator
	archive  Archive
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

// NewBuilder wires the builder. narrator and archive may be nil.
func NewBuilder(store Store, orders OrderSource, comms CommunicationSource, narrator NarrativeGenerator, archive Archive, cfg Config, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		store:    store,
		orders:   orders,
		comms:    comms,
		narrator: narrator,
		archive:  archive,
		cfg:      cfg.withDefaults(),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (b *Builder) Store() Store { return b.store }

// Start returns the dispute's BUILDING pack, creating one when the latest
// pack is absent or no longer building.
func (b *Builder) Start(ctx context.Context, d dispute.Dispute) (Pack, error) {
	latest, err := b.store.Latest(ctx, d.TenantID, d.ID)
	switch {
	case err == nil && latest.Status == StatusBuilding:
		return latest, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return Pack{}, err
	}
	now := b.now()
	return b.store.Create(ctx, Pack{
		ID:        uuid.NewString(),
		TenantID:  d.TenantID,
		DisputeID: d.ID,
		Status:    StatusBuilding,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

type gathered struct {
	order    Order
	hasOrder bool
	messages []Message
}

// Build gathers facts for a BUILDING pack and moves it to READY or FAILED, or
// leaves it BUILDING with the missing facts recorded. The returned error is
// reserved for store failures; source failures become FAILED outcomes.
func (b *Builder) Build(ctx context.Context, d dispute.Dispute, pack Pack) (Outcome, error) {
	if pack.Status != StatusBuilding {
		return Outcome{}, fmt.Errorf("evidence: build %s: pack is %s", pack.ID, pack.Status)
	}
	logger := b.log.With("tenant", d.TenantID, "dispute_id", d.ID, "pack_id", pack.ID)

	g, err := b.gather(ctx, d)
	if err != nil {
		logger.Warn("evidence gathering failed", "error", err)
		return b.fail(ctx, pack, "evidence source: "+err.Error())
	}

	pack = b.assemble(pack, g)
	pack.WinProbability = b.cfg.Weights.Score(Present(pack))
	pack.Missing = MissingRequired(pack)

	if len(pack.Missing) > 0 {
		reason := "missing required evidence: " + strings.Join(pack.Missing, ", ")
		if b.pastCutoff(d) {
			return b.fail(ctx, pack, reason)
		}
		pack.UpdatedAt = b.now()
		saved, err := b.store.Update(ctx, pack)
		if err != nil {
			return Outcome{}, err
		}
		logger.Info("evidence incomplete", "missing", pack.Missing)
		return Outcome{Pack: saved, Result: ResultIncomplete, Reason: reason}, nil
	}

	var warnings []string
	if b.narrator != nil {
		narrative, err := retry(ctx, b.cfg.Retries, b.cfg.InitialBackoff, b.cfg.CallTimeout, func(ctx context.Context) (string, error) {
			return b.narrator.Draft(ctx, factsFor(d, pack, g))
		})
		if err != nil {
			logger.Warn("narrative generation failed", "error", err)
			return b.fail(ctx, pack, "text generation: "+err.Error())
		}
		pack.Narrative = narrative
	}

	pack.Status = StatusReady
	pack.FailureReason = ""
	if b.archive != nil {
		ref, err := retry(ctx, b.cfg.Retries, b.cfg.InitialBackoff, b.cfg.CallTimeout, func(ctx context.Context) (string, error) {
			return b.archive.Put(ctx, pack)
		})
		if err != nil {
			logger.Warn("evidence archive failed", "error", err)
			warnings = append(warnings, "archive: "+err.Error())
		} else {
			pack.Documents = append(pack.Documents, ref)
		}
	}

	pack.UpdatedAt = b.now()
	saved, err := b.store.Update(ctx, pack)
	if err != nil {
		return Outcome{}, err
	}
	logger.Info("evidence ready", "win_probability", saved.WinProbability)
	return Outcome{Pack: saved, Result: ResultReady, Warnings: warnings}, nil
}

func (b *Builder) gather(ctx context.Context, d dispute.Dispute) (gathered, error) {
	var out gathered
	eg, egCtx := errgroup.WithContext(ctx)

	if d.OrderID != "" && b.orders != nil {
		eg.Go(func() error {
			o, err := retry(egCtx, b.cfg.Retries, b.cfg.InitialBackoff, b.cfg.CallTimeout, func(ctx context.Context) (Order, error) {
				return b.orders.Order(ctx, d.TenantID, d.OrderID)
			})
			if errors.Is(err, ErrUnavailable) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("order %s: %w", d.OrderID, err)
			}
			out.order, out.hasOrder = o, true
			return nil
		})
	}
	if b.comms != nil {
		eg.Go(func() error {
			msgs, err := retry(egCtx, b.cfg.Retries, b.cfg.InitialBackoff, b.cfg.CallTimeout, func(ctx context.Context) ([]Message, error) {
				return b.comms.Messages(ctx, d.TenantID, d.ID, d.OrderID)
			})
			if errors.Is(err, ErrUnavailable) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("communications: %w", err)
			}
			out.messages = msgs
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return gathered{}, err
	}
	return out, nil
}

func (b *Builder) assemble(pack Pack, g gathered) Pack {
	if g.hasOrder {
		pack.TrackingRef = g.order.TrackingRef
		pack.ProofOfDeliveryRef = g.order.ProofOfDeliveryRef
		pack.ProductDescription = strings.TrimSpace(g.order.ProductDescription)
		pack.Documents = append([]string(nil), g.order.Documents...)
	}

	msgs := append([]Message(nil), g.messages...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].At.Before(msgs[j].At) })
	if len(msgs) > b.cfg.MaxExcerpts {
		msgs = msgs[len(msgs)-b.cfg.MaxExcerpts:]
	}
	pack.Communications = nil
	for _, m := range msgs {
		pack.Communications = append(pack.Communications, Communication{
			At:      m.At.UTC(),
			Channel: m.Channel,
			Author:  m.Author,
			Excerpt: excerpt(m.Body),
		})
	}
	return pack
}

// pastCutoff reports whether now is within the safety margin of the
// deadline. A dispute without a deadline always has time left.
func (b *Builder) pastCutoff(d dispute.Dispute) bool {
	if d.EvidenceDeadline == nil {
		return false
	}
	return !b.now().Before(d.EvidenceDeadline.Add(-b.cfg.SafetyMargin))
}

func (b *Builder) fail(ctx context.Context, pack Pack, reason string) (Outcome, error) {
	pack.Status = StatusFailed
	pack.FailureReason = reason
	pack.UpdatedAt = b.now()
	saved, err := b.store.Update(ctx, pack)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Pack: saved, Result: ResultFailed, Reason: reason}, nil
}

func factsFor(d dispute.Dispute, p Pack, g gathered) Facts {
	f := Facts{
		DisputeReason:      d.Reason,
		AmountMinor:        d.AmountMinor,
		Currency:           d.Currency,
		OrderID:            d.OrderID,
		TrackingRef:        p.TrackingRef,
		HasProofOfDelivery: p.ProofOfDeliveryRef != "",
		ProductDescription: p.ProductDescription,
		MessageCount:       len(g.messages),
	}
	if g.hasOrder {
		f.Carrier = g.order.Carrier
		f.DeliveredAt = g.order.DeliveredAt
	}
	for _, c := range p.Communications {
		f.Excerpts = append(f.Excerpts, c.Excerpt)
	}
	return f
}

func excerpt(body string) string {
	runes := []rune(strings.Join(strings.Fields(body), " "))
	if len(runes) <= maxExcerptLen {
		return string(runes)
	}
	return string(runes[:maxExcerptLen]) + "…"
}

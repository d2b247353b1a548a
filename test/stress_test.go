package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"chargeflow/collab"
	"chargeflow/dispute"
	"chargeflow/evidence"
	"chargeflow/idempotency"
	"chargeflow/lease"
	"chargeflow/ledger"
	"chargeflow/lifecycle"
	"chargeflow/notify"
	"chargeflow/policy"
	"chargeflow/review"
	"chargeflow/test/actors"
	"chargeflow/test/chaos"
	"chargeflow/test/infra"
	"chargeflow/test/oracles"
	"chargeflow/textgen"
	"chargeflow/webhook"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends during the run")
)

func TestDisputePipelineConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	seed := *flSeed
	rand.Seed(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	pool, shutdown := bootstrap(t, ctx)
	defer shutdown()

	tgt, audit := buildTarget(t, pool)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// Twice as many senders as operators so redeliveries overlap.
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.WebhookSender(ctx2, tgt, stop) })
		g.Go(func() error { return actors.WebhookSender(ctx2, tgt, stop) })
		g.Go(func() error { return actors.Operator(ctx2, tgt, i, stop) })
	}
	for i := 0; i < 2; i++ {
		g.Go(func() error { return actors.Reviewer(ctx2, tgt, i, stop) })
	}
	killed := make(chan int, 1)
	if *flChaos {
		go func() { killed <- chaos.TerminateRandomBackend(ctx2, pool, "", stop) }()
	} else {
		killed <- 0
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// A chaos kill can land on the oracle's own connection.
				t.Logf("oracle %s errored: %v", name, err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}
	t.Logf("chaos terminated %d backends", <-killed)

	// Final pass on a quiet database.
	finalCtx, finalCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer finalCancel()
	if name, row, err := oracles.Run(finalCtx, pool); err != nil || name != "" {
		t.Fatalf("final oracle %s failed: row=%s err=%v (seed=%d)", name, row, err, seed)
	}
	broken, err := oracles.VerifyChains(finalCtx, pool, audit)
	if err != nil {
		t.Fatalf("verify chains: %v", err)
	}
	if broken != "" {
		t.Fatalf("audit chain broken: %s (seed=%d)", broken, seed)
	}
}

// bootstrap picks a database: -dsn, STRESS_TEST_PG_DSN, a container, or a
// local server, in that order.
func bootstrap(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	t.Helper()
	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	switch {
	case *flDSN != "":
		dsn, usedShared, pgC = *flDSN, true, &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn, usedShared, pgC = os.Getenv("STRESS_TEST_PG_DSN"), true, &infra.PGContainer{}
	case dockerAvailable(ctx):
		pgC, dsn, err = infra.StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	default:
		dsn, err = infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("no database available: %v", err)
		}
		pgC = &infra.PGContainer{}
	}

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		_ = pgC.Terminate(context.Background())
		t.Fatalf("apply migrations: %v", err)
	}
	return pool, func() {
		pool.Close()
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
		_ = pgC.Terminate(context.Background())
	}
}

// stressOrders knows every order the senders reference.
type stressOrders struct{}

func (stressOrders) Order(_ context.Context, _, orderID string) (evidence.Order, error) {
	delivered := time.Now().Add(-72 * time.Hour).UTC()
	return evidence.Order{
		OrderID:            orderID,
		Carrier:            "UPS",
		TrackingRef:        "1Z" + orderID,
		ProofOfDeliveryRef: "pod-" + orderID,
		DeliveredAt:        &delivered,
		ProductDescription: "stress widget",
		Documents:          []string{"invoice-" + orderID + ".pdf"},
	}, nil
}

func buildTarget(t *testing.T, pool *pgxpool.Pool) (actors.Target, *ledger.Repository) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	audit := ledger.NewRepository(pool)
	packs := evidence.NewRepository(pool)
	guard, err := idempotency.NewGuard(idempotency.NewRepository(pool), 256, log)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	coord, err := lifecycle.New(lifecycle.Deps{
		Disputes:  dispute.NewRepository(pool, audit),
		Audit:     audit,
		Evidence:  evidence.NewBuilder(packs, stressOrders{}, nil, textgen.Template{}, nil, evidence.Config{}, log),
		Policy:    policy.NewEngine(policy.Config{}),
		Responder: collab.LogResponder{Log: log},
		Review:    review.NewRepository(pool),
		Notifier:  notify.NewNotifier(notify.LogDispatcher{Log: log}, log),
		Leases:    lease.NewLocal(),
		Guard:     guard,
		LeaseWait: 5 * time.Second,
		Log:       log,
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}

	cases := make([]string, 6)
	for i := range cases {
		cases[i] = fmt.Sprintf("C-%d", i)
	}
	return actors.Target{
		Ingest: webhook.NewIngestor(webhook.NewDedupRepository(pool), coord, log),
		Coord:  coord,
		Tenant: fmt.Sprintf("stress-%d", time.Now().UnixNano()),
		Cases:  cases,
		Events: 12,
	}, audit
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"disputes", `SELECT id, external_case_id, status, version, updated_at FROM disputes ORDER BY updated_at DESC LIMIT 50`},
		{"dispute_timeline", `SELECT seq, dispute_id, kind, severity, metadata FROM dispute_timeline ORDER BY seq DESC LIMIT 50`},
		{"audit_log", `SELECT tenant_id, seq, action, severity, ref_id FROM audit_log ORDER BY created_at DESC LIMIT 50`},
		{"review_items", `SELECT id, dispute_id, reason, status FROM review_items ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}

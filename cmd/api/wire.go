package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chargeflow/auth"
	"chargeflow/collab"
	"chargeflow/config"
	"chargeflow/db"
	"chargeflow/dispute"
	"chargeflow/evidence"
	"chargeflow/idempotency"
	"chargeflow/lease"
	"chargeflow/ledger"
	"chargeflow/lifecycle"
	"chargeflow/notify"
	"chargeflow/policy"
	"chargeflow/review"
	"chargeflow/textgen"
	"chargeflow/webhook"
)

type stores struct {
	disputes dispute.Store
	audit    lifecycle.AuditLog
	dedup    webhook.DedupStore
	packs    evidence.Store
	review   review.Queue
	keys     idempotency.Store
}

// build assembles the server from cfg. The returned cleanup closes every
// connection opened along the way, in reverse order.
func build(ctx context.Context, cfg config.Config, log *slog.Logger) (*Server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Server, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	st, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeStores)

	var locker lease.Locker = lease.NewLocal()
	if cfg.Lease.RedisURL != "" {
		client, err := lease.Connect(ctx, cfg.Lease.RedisURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = client.Close() })
		locker = lease.NewRedis(client, "chargeflow:lease:", log)
		log.Info("redis leases enabled")
	}

	var dispatcher notify.Dispatcher = notify.LogDispatcher{Log: log}
	if len(cfg.Kafka.Brokers) > 0 {
		kd, err := notify.NewKafkaDispatcher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = kd.Close() })
		dispatcher = kd
		log.Info("kafka notifications enabled", "topic", cfg.Kafka.Topic)
	}
	notifier := notify.NewNotifier(dispatcher, log)
	closers = append(closers, notifier.Wait)

	var narrator evidence.NarrativeGenerator = textgen.Template{}
	if cfg.TextGen.APIKey != "" {
		g, err := textgen.NewGemini(ctx, cfg.TextGen.APIKey, cfg.TextGen.Model)
		if err != nil {
			return fail(err)
		}
		narrator = g
	}

	var archive evidence.Archive
	if cfg.Archive.Endpoint != "" {
		a, err := evidence.NewObjectArchive(cfg.Archive)
		if err != nil {
			return fail(err)
		}
		archive = a
	}

	var orders evidence.OrderSource
	if cfg.Orders.BaseURL != "" {
		oc, err := collab.NewOrderClient(cfg.Orders)
		if err != nil {
			return fail(err)
		}
		orders = oc
	}
	var comms evidence.CommunicationSource
	if cfg.Comms.BaseURL != "" {
		cc, err := collab.NewCommsClient(cfg.Comms)
		if err != nil {
			return fail(err)
		}
		comms = cc
	}
	var responder collab.Responder = collab.LogResponder{Log: log}
	if cfg.Processor.BaseURL != "" {
		hr, err := collab.NewHTTPResponder(cfg.Processor)
		if err != nil {
			return fail(err)
		}
		responder = hr
	}

	guard, err := idempotency.NewGuard(st.keys, cfg.Idempotency.CacheSize, log)
	if err != nil {
		return fail(err)
	}

	coord, err := lifecycle.New(lifecycle.Deps{
		Disputes:  st.disputes,
		Audit:     st.audit,
		Evidence:  evidence.NewBuilder(st.packs, orders, comms, narrator, archive, cfg.Evidence, log),
		Policy:    policy.NewEngine(cfg.Policy.Config),
		Assessor:  policy.RuleAssessor{SmallRefundMinor: cfg.Policy.SmallRefundMinor},
		Responder: responder,
		Review:    st.review,
		Notifier:  notifier,
		Leases:    locker,
		Guard:     guard,
		LeaseTTL:  cfg.Lease.TTL,
		LeaseWait: cfg.Lease.Wait,
		Log:       log,
	})
	if err != nil {
		return fail(err)
	}

	return &Server{
		coord:  coord,
		ingest: webhook.NewIngestor(st.dedup, coord, log),
		auth:   auth.NewService(cfg.Auth.OperatorJWTSecret),
		log:    log,
	}, cleanup, nil
}

func openStores(ctx context.Context, cfg config.Config, log *slog.Logger) (stores, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		audit := ledger.NewMemory()
		log.Warn("using in-memory storage, state is lost on restart")
		return stores{
			disputes: dispute.NewMemoryStore(audit),
			audit:    audit,
			dedup:    webhook.NewMemoryDedup(),
			packs:    evidence.NewMemoryStore(),
			review:   review.NewMemoryQueue(),
			keys:     idempotency.NewMemoryStore(),
		}, func() {}, nil
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.Storage.DatabaseURL, cfg.Storage.MaxConns)
		if err != nil {
			return stores{}, nil, fmt.Errorf("bootstrap database pool: %w", err)
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return stores{}, nil, fmt.Errorf("migrate: %w", err)
		}
		audit := ledger.NewRepository(pool)
		return stores{
			disputes: dispute.NewRepository(pool, audit),
			audit:    audit,
			dedup:    webhook.NewDedupRepository(pool),
			packs:    evidence.NewRepository(pool),
			review:   review.NewRepository(pool),
			keys:     idempotency.NewRepository(pool),
		}, pool.Close, nil
	default:
		return stores{}, nil, errors.New("unknown storage driver " + cfg.Storage.Driver)
	}
}

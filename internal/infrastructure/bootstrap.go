package infrastructure

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"tokenmeter/internal/catalog"
	"tokenmeter/internal/config"
	"tokenmeter/internal/executor"
	"tokenmeter/internal/fulfillment"
	"tokenmeter/internal/lock"
	"tokenmeter/internal/repository"
	"tokenmeter/internal/service"
	"tokenmeter/internal/sweeper"
	transportGRPC "tokenmeter/internal/transport/grpc"
	transportHTTP "tokenmeter/internal/transport/http"
	transportNATS "tokenmeter/internal/transport/nats"
	"tokenmeter/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context, cfg *config.Config) (*App, func(), error) {
	db, err := connectPostgres(ctx, cfg.DSN())
	if err != nil {
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, db.Close)

	var rdb *redis.Client
	if addr := cfg.RedisAddr(); addr != "" {
		rdb, err = connectRedis(ctx, addr, cfg.LedgerStore == "redis")
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })
	}

	cat, err := catalog.Load(cfg.CatalogFile, cfg.FulfillmentTimeout, cfg.MaxFulfillmentTimeout)
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}

	adapters := buildAdapters(cfg, db)
	for _, d := range cat.List() {
		if !adapters.Exists(d.Fulfillment) {
			slog.Warn("catalog action has no configured adapter and will be unavailable",
				"kind", d.Kind, "fulfillment", d.Fulfillment)
		}
	}

	// ── Infrastructure wiring ──────────────────────────────────────────────────
	var bus repository.MessageBus
	var servers []Server

	// 1. Bus setup
	var natsServers func(svc service.MeterService) []Server
	switch cfg.BusProvider {
	case "nats":
		nc, err := connectNats(cfg.NatsAddr())
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		natsBus := transportNATS.NewBus(nc)
		bus = natsBus
		cleanupFns = append(cleanupFns, natsBus.Close)

		natsServers = func(svc service.MeterService) []Server {
			var out []Server
			// If worker is NATS, add the journal worker
			if cfg.WorkerProvider == "nats" {
				out = append(out, worker.NewJournalWorker(svc, nc))
			}
			// NATS can also handle commands
			return append(out, transportNATS.NewHandler(svc, nc))
		}

	case "grpc":
		grpcBus, cleanup, err := transportGRPC.NewGrpcBusFromAddr(cfg.GRPCAddr(), cfg.BusBufferSize)
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		bus = grpcBus
		cleanupFns = append(cleanupFns, cleanup)
	}

	// 2. Ledger, executor and service
	store, err := newLedgerStore(cfg, db, rdb)
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	ledger := repository.NewPublishingLedger(store, bus)
	exec := executor.New(cat, ledger, adapters)
	journal := repository.NewJournalRepo(db, cfg.LedgerStore == "redis")
	svc := service.NewMeter(exec, ledger, cat, journal)

	// 3. Transports and background jobs
	if natsServers != nil {
		servers = append(servers, natsServers(svc)...)
	}
	// gRPC server acts as worker if WorkerProvider is "grpc" (handled in Server.Publish)
	servers = append(servers, transportGRPC.NewServer(cfg.GRPCListenAddr(), svc))

	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		limiter := transportHTTP.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		servers = append(servers, transportHTTP.NewServer(addr, svc, limiter, cfg.MaxFulfillmentTimeout))
	} else {
		slog.Info("HTTP API not started", "reason", apiErr)
	}

	var locker sweeper.Locker
	if l := lock.NewLocker(rdb); l != nil {
		locker = l
	}
	servers = append(servers, sweeper.New(ledger, locker, cat, sweeper.Config{
		Schedule:  cfg.SweepSchedule,
		HeldAfter: cfg.SweepHeldAfter,
		BatchSize: cfg.SweepBatchSize,
	}))

	slog.Info("application wired",
		"ledger_store", cfg.LedgerStore,
		"bus", cfg.BusProvider,
		"worker", cfg.WorkerProvider,
		"adapters", adapters.Names(),
	)

	return NewApp(servers), runCleanup(cleanupFns), nil
}

func newLedgerStore(cfg *config.Config, db *pgxpool.Pool, rdb *redis.Client) (repository.Ledger, error) {
	switch cfg.LedgerStore {
	case "redis":
		return repository.NewRedisLedger(rdb, db), nil
	case "memory":
		if cfg.IsProduction() {
			slog.Warn("in-memory ledger selected in production; balances will not survive a restart")
		}
		return repository.NewMemoryLedger(), nil
	default:
		return repository.NewPostgresLedger(db), nil
	}
}

// buildAdapters registers the gallery adapter and every HTTP provider that
// has a base URL configured.
func buildAdapters(cfg *config.Config, db *pgxpool.Pool) *fulfillment.Registry {
	client := &http.Client{}
	registry := fulfillment.NewRegistry().Register("gallery", fulfillment.NewGalleryAdapter(db))

	if p := fulfillment.NewProvider("chat", cfg.Chat.BaseURL, cfg.Chat.APIKey, client); p != nil {
		registry.Register("chat", fulfillment.NewChatAdapter(p, cfg.Chat.Model))
	}
	if p := fulfillment.NewProvider("image", cfg.Image.BaseURL, cfg.Image.APIKey, client); p != nil {
		registry.Register("image", fulfillment.NewImageAdapter(p, cfg.Image.Model))
	}
	if p := fulfillment.NewProvider("speech", cfg.Speech.BaseURL, cfg.Speech.APIKey, client); p != nil {
		registry.Register("speech", fulfillment.NewSpeechAdapter(p, cfg.Speech.Model, cfg.Speech.Voice))
	}
	return registry
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/soltixdb/searchcoord/internal/accounting"
	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/coordinator"
	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/eventbus"
	"github.com/soltixdb/searchcoord/internal/events"
	"github.com/soltixdb/searchcoord/internal/failure"
	"github.com/soltixdb/searchcoord/internal/features"
	"github.com/soltixdb/searchcoord/internal/grpc"
	"github.com/soltixdb/searchcoord/internal/ingest"
	"github.com/soltixdb/searchcoord/internal/jobs"
	"github.com/soltixdb/searchcoord/internal/lease"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/metadata"
	"github.com/soltixdb/searchcoord/internal/registry"
	"github.com/soltixdb/searchcoord/internal/rollout"
	"github.com/soltixdb/searchcoord/internal/router"
	"github.com/soltixdb/searchcoord/internal/scheduling"
	"github.com/soltixdb/searchcoord/internal/store"
	"github.com/soltixdb/searchcoord/internal/tasks"
	"github.com/soltixdb/searchcoord/internal/utils"
	"github.com/soltixdb/searchcoord/internal/watermark"
)

var (
	Version   = "dev"     // Injected via ldflags during build
	GitCommit = "unknown" // Injected via ldflags during build
	BuildTime = "unknown" // Injected via ldflags during build
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Feature flags follow file edits; everything else needs a restart
	var provider *features.Provider
	cfg, err := config.Watch(*configPath, func(next *config.Config) {
		if provider != nil {
			provider.Reload(next)
		}
	}, func(err error) {
		logging.Global().Error("Config reload rejected", "error", err)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewFromConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	logger.Info("Coordinator starting...",
		"version", Version, "commit", GitCommit, "build time", BuildTime)

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Fatal("Failed to create directories", "error", err)
	}

	// Registry
	db, err := store.Open(cfg.Registry.Path)
	if err != nil {
		logger.Fatal("Failed to open registry", "path", cfg.Registry.Path, "error", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.Migrate(); err != nil {
		logger.Fatal("Failed to migrate registry", "error", err)
	}
	logger.Info("Registry ready", "path", cfg.Registry.Path, "schema_version", store.SchemaVersion)

	// Fleet metadata: etcd when enabled, otherwise in-process
	var (
		meta       metadata.Manager
		etcdClient *clientv3.Client
	)
	if cfg.Etcd.Enabled {
		logger.Info("Connecting to etcd", "endpoints", cfg.Etcd.Endpoints)
		em, err := metadata.NewEtcdManager(cfg.Etcd)
		if err != nil {
			logger.Fatal("Failed to connect to etcd", "error", err)
		}
		meta, etcdClient = em, em.Client()
	} else {
		logger.Warn("etcd disabled, node announcements and setting overrides are process-local")
		meta = metadata.NewMemoryManager()
	}
	defer func() { _ = meta.Close() }()

	provider = features.NewProvider(cfg.Features, meta, logger)

	// Event bus
	logger.Info("Connecting to event bus", "type", cfg.Queue.Type, "url", cfg.Queue.URL)
	bus, err := eventbus.New(cfg.Queue)
	if err != nil {
		logger.Fatal("Failed to connect to event bus", "error", err)
	}
	defer func() { _ = bus.Close() }()
	publisher := events.NewEmitter(bus, cfg.Queue.Subject)

	locker, err := lease.New(cfg.Lease, etcdClient)
	if err != nil {
		logger.Fatal("Failed to create lease backend", "backend", cfg.Lease.Backend, "error", err)
	}
	dedup, err := ingest.NewDedupStore(cfg.Dedup)
	if err != nil {
		logger.Fatal("Failed to create dedup store", "backend", cfg.Dedup.Backend, "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := jobs.NewRunner(ctx, jobs.ConfigFromIndexing(cfg.Indexing), logger)

	// Domain services
	tracker := errs.NewLogTracker(logger)
	generator := tasks.NewGenerator(db, coordinator.NewRouter(db, logger), cfg.Indexing.RepositoryRetries, tracker, logger)
	scheduler := rollout.NewScheduler(
		coordinator.NewRolloutService(db, cfg.Rollout, cfg.Indexing.RepositoryRetries, logger),
		locker, runner, provider, cfg.Rollout, tracker, logger.With("component", "rollout"))

	handlers := &ingest.Handlers{
		DB:        db,
		Tasks:     generator,
		Watermark: watermark.NewController(db, publisher, cfg.Watermark.EvictionBatchSize, logger),
		Failure:   failure.NewHandler(db, generator, cfg.Indexing.RetryDelay, logger),
		Refresher: accounting.NewRefresher(db, publisher, cfg.Accounting, logger),
		Rollout:   scheduler,
		Publisher: publisher,
		Config:    cfg.Indexing,
		Logger:    logger.With("component", "ingest"),
	}
	dispatcher := ingest.NewDispatcher(provider, logger.With("component", "dispatcher"))
	handlers.Register(dispatcher, ingest.Decorators{
		Health:        db,
		Dedup:         dedup,
		DedupTTL:      cfg.Dedup.TTL,
		DedupRetry:    cfg.Dedup.TTL,
		HealthBackoff: cfg.Indexing.HealthDeferralDelay,
	})
	if err := dispatcher.Subscribe(ctx, bus, cfg.Queue.Subject); err != nil {
		logger.Fatal("Failed to subscribe event handlers", "error", err)
	}

	// Periodic work
	scheduling.NewService(db, publisher, generator, provider, cfg.Indexing, cfg.Rollout, logger).Start(runner)
	registry.NewNodeSync(meta, db, cfg.Nodes, logger).Start(runner)

	pool := grpc.NewConnectionPool(logger)
	defer pool.Close()
	grpc.NewNodeProber(pool, db, cfg.Nodes, logger).Start(runner)

	if cfg.Auth.Enabled {
		logger.Info("API key authentication enabled",
			"admin_keys", len(cfg.Auth.APIKeys), "node_keys", len(cfg.Auth.NodeAPIKeys))
	} else {
		logger.Warn("API key authentication DISABLED - all requests will be allowed")
	}

	app := router.New(logger, db, publisher, *cfg)
	go func() {
		addr := cfg.GetServerAddress()
		logger.Info("Server listening", "address", addr)
		if err := app.Listen(addr); err != nil {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down coordinator...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), utils.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	cancel()
	runner.Stop()

	stats := runner.Stats()
	logger.Info("Coordinator exited",
		"jobs_succeeded", stats.Succeeded,
		"jobs_failed", stats.Failed,
		"jobs_retried", stats.Retried)
}

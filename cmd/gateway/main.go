// Command gateway starts the aicarpool AI service gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aicarpool/gateway/internal/adapter/cache/rediscache"
	"github.com/aicarpool/gateway/internal/adapter/events/kafka"
	"github.com/aicarpool/gateway/internal/adapter/httpserver"
	"github.com/aicarpool/gateway/internal/adapter/observability"
	"github.com/aicarpool/gateway/internal/adapter/provider"
	"github.com/aicarpool/gateway/internal/adapter/repo/postgres"
	"github.com/aicarpool/gateway/internal/adapter/secrets"
	"github.com/aicarpool/gateway/internal/app"
	"github.com/aicarpool/gateway/internal/config"
	"github.com/aicarpool/gateway/internal/domain"
	"github.com/aicarpool/gateway/internal/service/accountpool"
	"github.com/aicarpool/gateway/internal/service/flags"
	"github.com/aicarpool/gateway/internal/service/health"
	"github.com/aicarpool/gateway/internal/service/monitor"
	"github.com/aicarpool/gateway/internal/service/router"
	"github.com/aicarpool/gateway/internal/service/scheduler"
	"github.com/aicarpool/gateway/internal/service/tasks"
	"github.com/aicarpool/gateway/internal/service/tokenest"
	"github.com/aicarpool/gateway/internal/service/usagequeue"
	"github.com/aicarpool/gateway/internal/service/validator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so /metrics exposes
	// HTTP, validator, router, queue and job instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	// Infra: cache first; every optimized path hangs off it.
	rdb, err := rediscache.Dial(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	cache := rediscache.New(rdb, cfg.CachePrefix)

	// The performance monitor observes cache lookups and store queries from
	// the first connection on.
	perfMon := monitor.New(cfg, cache, logger)
	cache.SetLookupObserver(perfMon.RecordCacheLookup)

	pool, err := postgres.NewPool(ctx, cfg.DBURL, perfMon.ObserveDBQuery)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories
	keyRepo := postgres.NewAPIKeyRepo(pool)
	accountRepo := postgres.NewAccountRepo(pool)
	bindingRepo := postgres.NewBindingRepo(pool)
	usageRepo := postgres.NewUsageRepo(pool)
	healthRepo := postgres.NewHealthRepo(pool)
	maint := postgres.NewMaintenance(pool)

	cipher, err := secrets.NewCipher(cfg.CredentialKey)
	if err != nil {
		slog.Error("credential key invalid", slog.Any("error", err))
		os.Exit(1)
	}
	if cipher == nil && cfg.IsProd() {
		slog.Warn("credential encryption disabled; upstream credentials stored in the clear")
	}

	// Feature flags: write the configured defaults only where no flag
	// exists yet, so operator changes survive restarts.
	flagSvc := flags.New(cache)
	if err := flagSvc.InitDefaults(ctx, map[string]bool{
		domain.FlagAPIKeyCache:           cfg.EnableAPIKeyCache,
		domain.FlagSmartRouter:           cfg.EnableSmartRouter,
		domain.FlagPrecomputedPool:       cfg.EnablePrecomputedPool,
		domain.FlagAsyncUsageRecording:   cfg.EnableAsyncUsage,
		domain.FlagFallbackRouter:        cfg.FallbackToOriginalRouter,
		domain.FlagFallbackKeyValidation: cfg.FallbackToOriginalKeys,
	}); err != nil {
		slog.Error("feature flag init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Detached-task pool for async cache fills and projections.
	taskPool := tasks.NewPool(tasks.DefaultTimeout)

	healthTracker := health.New(cfg, cache, healthRepo, taskPool, logger)
	pools := accountpool.New(cfg, cache, accountRepo, healthRepo, taskPool)

	// Optional usage-event export.
	var pub usagequeue.EventPublisher
	var kafkaPub *kafka.Publisher
	if cfg.UsageEventsEnabled() {
		kafkaPub, err = kafka.NewPublisher(ctx, cfg.UsageEventsBrokers, cfg.UsageEventsTopic, logger)
		if err != nil {
			slog.Error("usage event publisher connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		pub = kafkaPub
	}

	queue := usagequeue.New(cfg.QueueTuning(), cache, usageRepo, keyRepo, accountRepo, flagSvc, pub, logger)
	queue.SetPerfSink(perfMon)
	perfMon.BindQueue(queue)

	keyValidator := validator.New(cfg, cache, keyRepo, usageRepo, flagSvc, taskPool)

	catalog, err := config.LoadModelCatalog(cfg.ModelCatalogPath)
	if err != nil {
		slog.Error("model catalog load failed", slog.Any("error", err))
		os.Exit(1)
	}
	registry, clientPool := provider.DefaultRegistry(cfg, catalog)

	dispatcher := router.New(cfg, router.Deps{
		Catalog:   catalog,
		Cache:     cache,
		Bindings:  bindingRepo,
		Accounts:  accountRepo,
		Usage:     usageRepo,
		Adapters:  registry,
		Cipher:    cipher,
		Pool:      pools,
		Sink:      queue,
		Health:    healthTracker,
		Flags:     flagSvc,
		Tokens:    keyValidator,
		Estimator: tokenest.New(),
		Tasks:     taskPool,
		Logger:    logger,
	})

	sched := scheduler.New(cfg, logger)
	for _, job := range scheduler.Defaults(cfg, scheduler.Deps{
		Cache:    cache,
		Accounts: accountRepo,
		Creds:    accountRepo,
		Usage:    usageRepo,
		Health:   healthRepo,
		Tracker:  healthTracker,
		Adapters: registry,
		Cipher:   cipher,
		Pools:    pools,
		Queue:    queue,
		Monitor:  perfMon,
		Maint:    maint,
		Logger:   logger,
	}) {
		if err := sched.Register(job); err != nil {
			slog.Error("job registration failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Background machinery. The queue drains its DLQ before accepting new
	// records; the monitor snapshots on its own cadence.
	perfMon.Start(ctx)
	queue.Start(ctx)
	sched.Start(ctx)

	// HTTP surface
	dbCheck, redisCheck := app.BuildReadinessChecks(pool, cache)
	srv := httpserver.NewServer(cfg, keyValidator, dispatcher, perfMon, dbCheck, redisCheck)
	var admin *httpserver.Admin
	if cfg.AdminEnabled() {
		admin = httpserver.NewAdmin(cfg, queue, pools, flagSvc, perfMon, sched, logger)
	}
	handler := app.BuildRouter(cfg, srv, admin)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway starting",
			slog.Int("port", cfg.Port),
			slog.Bool("admin", cfg.AdminEnabled()),
			slog.Bool("usage_events", cfg.UsageEventsEnabled()))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	// Shutdown order: stop accepting requests, then flush usage, apply the
	// router's pending load decrements, stop jobs and the monitor, and only
	// then drop connections.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	if err := queue.Stop(shutdownCtx); err != nil {
		slog.Error("usage queue stop failed", slog.Any("error", err))
	}
	dispatcher.Stop(shutdownCtx)
	sched.Stop(shutdownCtx)
	perfMon.Stop(shutdownCtx)
	if err := taskPool.Close(shutdownCtx); err != nil {
		slog.Warn("detached tasks abandoned", slog.Any("error", err))
	}
	if kafkaPub != nil {
		kafkaPub.Close()
	}
	clientPool.Close()
	pool.Close()
	_ = rdb.Close()
	slog.Info("gateway stopped")
}

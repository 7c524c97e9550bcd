package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ViljarVoidula/graphql-gateway/internal/app/migrate"
	"github.com/ViljarVoidula/graphql-gateway/internal/domain"
	httpx "github.com/ViljarVoidula/graphql-gateway/internal/http"
	"github.com/ViljarVoidula/graphql-gateway/internal/identity"
	"github.com/ViljarVoidula/graphql-gateway/internal/repository/postgres"
	"github.com/ViljarVoidula/graphql-gateway/internal/service/lifecycle"
	"github.com/ViljarVoidula/graphql-gateway/internal/service/tracking"
	"github.com/ViljarVoidula/graphql-gateway/internal/settings"
	"github.com/ViljarVoidula/graphql-gateway/internal/ws"
	"github.com/ViljarVoidula/graphql-gateway/pkg/config"
	"github.com/ViljarVoidula/graphql-gateway/pkg/logger"
)

func main() {
	cfg := config.LoadGatewayConfig()
	log := logger.New("gateway", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	store := buildSettingsStore(cfg, log)
	repo := postgres.New(pool)

	// The migration seeds an initial partition window; extend it now in case
	// the process was down long enough for that window to lapse.
	if store.Retention(ctx).PartitioningEnabled {
		if _, err := repo.EnsureFuturePartitions(ctx, time.Now(), cfg.LifecyclePartitionDays); err != nil {
			log.Warn("partition maintenance at startup failed", "error", err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sampler := tracking.NewSampler(tracking.SamplerConfig{
		BaseRate:          cfg.SamplingBaseRate,
		ErrorRate:         cfg.SamplingErrorRate,
		SlowThresholdMS:   cfg.SamplingSlowMS,
		Window:            cfg.SamplingWindow,
		CleanupEvery:      cfg.SamplingCleanupEvery,
		ReservoirCapacity: cfg.ReservoirCapacity,
	}, log)
	go sampler.Run(ctx)

	writer := tracking.NewBatchWriter(repo, tracking.BatchWriterConfig{
		BatchSize:      cfg.BatchSize,
		FlushInterval:  cfg.BatchFlushEvery,
		FailureLimit:   cfg.BatchFailureLimit,
		MaxBufferBytes: cfg.BatchMaxBufferBytes,
		ShutdownGrace:  cfg.BatchShutdownGrace,
	}, log)
	go writer.Run(ctx)

	var emitter *tracking.Emitter
	if cfg.TelemetryEnabled {
		emitter = tracking.NewEmitter(registry, tracking.EmitterConfig{
			SampleRate:      cfg.TelemetryRate,
			ErrorSampleRate: cfg.TelemetryErrRate,
			PoolLimit:       cfg.TelemetryPoolLimit,
		}, log)
	}

	hub := ws.NewHub()
	tracker := tracking.NewTracker(tracking.TrackerConfig{
		DispatchLimit: cfg.StreamDispatchLimit,
	}, sampler, writer, emitter, identity.ContextResolver{}, store, hub, log)

	lifecycleMgr := lifecycle.New(repo, store, lifecycle.Config{
		Interval:           cfg.LifecycleEvery,
		InitialDelay:       cfg.LifecycleInitialDelay,
		DeleteBatchSize:    cfg.LifecycleBatchSize,
		BatchPause:         cfg.LifecycleBatchPause,
		PartitionDaysAhead: cfg.LifecyclePartitionDays,
		CompressAfter:      cfg.LifecycleCompressAfter,
	}, log)
	go lifecycleMgr.Run(ctx)

	router := httpx.NewRouter(log, sampler, writer, emitter, tracker, lifecycleMgr, store, hub, registry, cfg.OperatorToken, pool.Ping)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("gateway telemetry server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		writer.Shutdown()
		log.Info("gateway telemetry server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func buildSettingsStore(cfg config.GatewayConfig, log *slog.Logger) *settings.Store {
	defaults := settings.Defaults{
		Tracking: domain.TrackingSettings{
			Enabled:          true,
			BaseSampleRate:   cfg.SamplingBaseRate,
			ErrorSampleRate:  cfg.SamplingErrorRate,
			SlowThresholdMS:  cfg.SamplingSlowMS,
			TelemetryEnabled: cfg.TelemetryEnabled,
			TelemetryRate:    cfg.TelemetryRate,
			TelemetryErrRate: cfg.TelemetryErrRate,
		},
		Retention: domain.RetentionPolicy{
			Days:                30,
			CompressionEnabled:  true,
			PartitioningEnabled: true,
		},
	}
	if addr := strings.TrimSpace(cfg.SettingsRedisAddr); addr != "" {
		client, err := settings.NewClient(addr, cfg.SettingsRedisPass, cfg.SettingsRedisDB)
		if err != nil {
			log.Warn("settings store unavailable, using defaults", "error", err)
		} else {
			return settings.New(client, defaults, cfg.SettingsCacheTTL, log)
		}
	}
	return settings.New(nil, defaults, cfg.SettingsCacheTTL, log)
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/skralg/heimdall/internal/app"
	"github.com/skralg/heimdall/internal/auth"
	"github.com/skralg/heimdall/internal/config"
	"github.com/skralg/heimdall/internal/kv"
	"github.com/skralg/heimdall/internal/server"
	"github.com/skralg/heimdall/internal/storage/sqlite"
	"github.com/skralg/heimdall/internal/telemetry"
	"github.com/skralg/heimdall/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	slog.Info("starting heimdall", "version", version, "addr", cfg.ListenAddr)

	store, err := sqlite.New(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	kvStore, err := kv.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer kvStore.Close()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.NewMetrics(reg)

	// Services
	keys := app.NewKeyManager(store, kvStore, logger)
	router := app.NewRouter(store, kvStore, logger)
	catalog := app.NewCatalog(store, router, logger)

	// Cache warm-up: drop and repopulate both keyspaces from the store.
	if err := keys.WarmupAuthCache(ctx); err != nil {
		return err
	}
	if err := router.WarmupRoutes(ctx); err != nil {
		return err
	}

	// Workers
	accountant := worker.NewAccountant(store, store, metrics)
	sweeper := worker.NewRetentionSweeper(store, int64(cfg.LogRetentionDays), metrics)
	runner := worker.NewRunner(accountant, sweeper)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	workersDone := make(chan error, 1)
	go func() {
		workersDone <- runner.Run(workerCtx)
	}()

	// Upstream HTTP client with DNS caching.
	resolver := &dnscache.Resolver{}
	upstream := &http.Client{Transport: server.NewUpstreamTransport(resolver)}

	handler := server.New(server.Deps{
		Auth:            auth.NewAPIKeyAuth(store, kvStore, logger),
		Admin:           auth.NewAdminAuth(cfg.AdminKey),
		Keys:            keys,
		Catalog:         catalog,
		Router:          router,
		Logs:            store,
		Usage:           accountant,
		Upstream:        upstream,
		Metrics:         metrics,
		MetricsHandler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadyChecks:     []server.ReadyChecker{store.Ping, kvStore.Ping},
		AllowedOrigins:  cfg.AllowedOrigins(),
		LogRequestBody:  cfg.LogRequestBody,
		LogResponseBody: cfg.LogResponseBody,
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("heimdall ready", "addr", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		stopWorkers()
		<-workersDone
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop workers after the server so in-flight requests can still enqueue
	// accounting records; the accountant drains its queue on cancel.
	stopWorkers()
	<-workersDone

	slog.Info("heimdall stopped")
	return nil
}

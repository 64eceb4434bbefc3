// Package main provides the operator HTTP API over reference data timelines, loads and the outbox.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jnst/bitemporal-refdata/internal/config"
	"github.com/jnst/bitemporal-refdata/internal/database"
	"github.com/jnst/bitemporal-refdata/internal/loader"
	"github.com/jnst/bitemporal-refdata/internal/logger"
	"github.com/jnst/bitemporal-refdata/internal/metrics"
	"github.com/jnst/bitemporal-refdata/internal/repository"
	"github.com/jnst/bitemporal-refdata/internal/service"
)

const (
	exitCode          = 1
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

func setupServer(cfg *config.Config, dbPool *pgxpool.Pool) (*APIServer, *prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	recordRepo := repository.NewRecordRepositoryImpl(dbPool)
	outboxRepo := repository.NewOutboxRepositoryImpl(dbPool)
	resultRepo := repository.NewResultRepositoryImpl(dbPool)

	timelines := service.NewTimelineServiceImpl(recordRepo, cfg.TimelineCacheSize, cfg.TimelineCacheTTL, m)
	changeRequests := service.NewChangeRequestServiceImpl(cfg.ChangeRequestURL, nil, recordRepo, slog.Default())
	// The API never publishes; it only inspects and requeues events.
	outbox := service.NewOutboxServiceImpl(outboxRepo, nil,
		service.WithMaxRetries(cfg.PublisherMaxRetries),
		service.WithLogger(slog.Default()),
	)

	deps := loader.Deps{
		Records:        recordRepo,
		Staging:        repository.NewStagingRepositoryImpl(dbPool),
		Outbox:         outboxRepo,
		Results:        resultRepo,
		Tx:             repository.NewTransactionManagerImpl(dbPool),
		ChangeRequests: changeRequests,
		Invalidator:    timelines,
		Metrics:        m,
		Logger:         slog.Default(),
	}

	opts := loader.DefaultOptions()
	opts.PublishEvents = cfg.LoaderPublishEvents
	opts.Actor = cfg.LoaderActor

	jobs := make(map[string]loader.Job, len(loader.Datasets()))
	for _, name := range loader.Datasets() {
		job, err := loader.NewJob(name, loader.SourceConfig{}, deps, opts)
		if err != nil {
			return nil, nil, err
		}

		jobs[name] = job
	}

	return NewAPIServer(timelines, changeRequests, outbox, resultRepo, jobs, slog.Default()), reg, nil
}

func setupSignalHandling() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func run(cfg *config.Config) error {
	ctx, cancel := setupSignalHandling()
	defer cancel()

	if cfg.MigrateOnStart {
		if err := database.Migrate(cfg.DatabaseURL, slog.Default()); err != nil {
			return err
		}
	}

	dbPool, err := database.Connect(ctx, cfg.DatabaseURL, slog.Default())
	if err != nil {
		return err
	}
	defer dbPool.Close()

	server, reg, err := setupServer(cfg, dbPool)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		slog.Info("starting API server", slog.String("service", "api"), slog.String("port", cfg.Port))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping API server")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	return srv.Shutdown(shutdownCtx)
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	slog.SetDefault(logger.Setup(cfg.LogLevel, cfg.LogFormat))

	if err := run(cfg); err != nil {
		slog.Error("API server failed", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
}

// Package main runs one load execution of a reference dataset.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/jnst/bitemporal-refdata/internal/config"
	"github.com/jnst/bitemporal-refdata/internal/database"
	"github.com/jnst/bitemporal-refdata/internal/loader"
	"github.com/jnst/bitemporal-refdata/internal/logger"
	"github.com/jnst/bitemporal-refdata/internal/metrics"
	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/repository"
	"github.com/jnst/bitemporal-refdata/internal/service"
)

const (
	exitCode          = 1
	sourceHTTPTimeout = 2 * time.Minute
	pushJobName       = "refdata_loader"
)

type flags struct {
	dataset string
	mode    model.LoadMode
}

func parseFlags(args []string) (flags, error) {
	fs := flag.NewFlagSet("loader", flag.ContinueOnError)

	dataset := fs.String("dataset", "", "dataset to load: "+strings.Join(loader.Datasets(), ", "))
	mode := fs.String("mode", "full", "load mode: full or incremental")

	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}

	var f flags

	f.dataset = *dataset
	if f.dataset == "" {
		return flags{}, fmt.Errorf("-dataset is required (%s)", strings.Join(loader.Datasets(), ", "))
	}

	switch strings.ToLower(*mode) {
	case "full":
		f.mode = model.LoadModeFull
	case "incremental":
		f.mode = model.LoadModeIncremental
	default:
		return flags{}, fmt.Errorf("unknown mode %q", *mode)
	}

	return f, nil
}

func loaderOptions(cfg *config.Config, mode model.LoadMode) loader.Options {
	opts := loader.DefaultOptions()
	opts.BatchSize = cfg.LoaderBatchSize
	opts.Workers = cfg.LoaderWorkers
	opts.AutoApply = cfg.LoaderAutoApply
	opts.PublishEvents = cfg.LoaderPublishEvents
	opts.FailOnValidationError = cfg.LoaderFailOnValidationError
	opts.IsolateRecordFailures = cfg.LoaderIsolateRecordFailures
	opts.Actor = cfg.LoaderActor
	opts.Mode = mode

	return opts
}

func setupSignalHandling() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func pushMetrics(ctx context.Context, url, dataset string, reg *prometheus.Registry) {
	if url == "" {
		return
	}

	err := push.New(url, pushJobName).
		Gatherer(reg).
		Grouping("dataset", dataset).
		PushContext(ctx)
	if err != nil {
		slog.Warn("failed to push metrics", slog.String("url", url), slog.String("error", err.Error()))
	}
}

func run(cfg *config.Config, f flags) (*model.LoaderResult, error) {
	ctx, cancel := setupSignalHandling()
	defer cancel()

	if cfg.MigrateOnStart {
		if err := database.Migrate(cfg.DatabaseURL, slog.Default()); err != nil {
			return nil, err
		}
	}

	dbPool, err := database.Connect(ctx, cfg.DatabaseURL, slog.Default())
	if err != nil {
		return nil, err
	}
	defer dbPool.Close()

	reg := prometheus.NewRegistry()

	recordRepo := repository.NewRecordRepositoryImpl(dbPool)
	deps := loader.Deps{
		Records:        recordRepo,
		Staging:        repository.NewStagingRepositoryImpl(dbPool),
		Outbox:         repository.NewOutboxRepositoryImpl(dbPool),
		Results:        repository.NewResultRepositoryImpl(dbPool),
		Tx:             repository.NewTransactionManagerImpl(dbPool),
		ChangeRequests: service.NewChangeRequestServiceImpl(cfg.ChangeRequestURL, nil, recordRepo, slog.Default()),
		Metrics:        metrics.New(reg),
		Logger:         slog.Default(),
	}

	src := loader.SourceConfig{
		Path:   cfg.LoaderSourcePath,
		URL:    cfg.LoaderSourceURL,
		Client: &http.Client{Timeout: sourceHTTPTimeout},
	}

	job, err := loader.NewJob(f.dataset, src, deps, loaderOptions(cfg, f.mode))
	if err != nil {
		return nil, err
	}

	slog.Info("starting load",
		slog.String("dataset", f.dataset),
		slog.String("mode", string(f.mode)),
		slog.Bool("auto_apply", cfg.LoaderAutoApply),
		slog.Int("workers", cfg.LoaderWorkers),
	)

	res, err := job.Run(ctx)

	pushMetrics(ctx, cfg.LoaderPushgatewayURL, f.dataset, reg)

	return res, err
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	slog.SetDefault(logger.Setup(cfg.LogLevel, cfg.LogFormat))

	res, err := run(cfg, f)
	if err != nil {
		slog.Error("loader failed", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	if !res.Succeeded() {
		os.Exit(exitCode)
	}

	slog.Info("load succeeded",
		slog.String("execution_id", res.ExecutionID.String()),
		slog.String("status", string(res.Status)),
		slog.Float64("success_rate", res.SuccessRate()),
	)
}

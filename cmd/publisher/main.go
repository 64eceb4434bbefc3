// Package main provides the outbox publisher that polls pending events and publishes them to the message bus.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/rueidis"

	"github.com/jnst/bitemporal-refdata/internal/bus"
	"github.com/jnst/bitemporal-refdata/internal/config"
	"github.com/jnst/bitemporal-refdata/internal/database"
	"github.com/jnst/bitemporal-refdata/internal/logger"
	"github.com/jnst/bitemporal-refdata/internal/metrics"
	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/repository"
	"github.com/jnst/bitemporal-refdata/internal/service"
)

const (
	signalBufferSize  = 1
	exitCode          = 1
	kafkaPartitions   = 6
	kafkaReplication  = 1
	metricsReadHeader = 5 * time.Second
)

func setupRedisBroker(cfg *config.Config) (bus.Broker, error) {
	redisClient, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.RedisAddr},
	})
	if err != nil {
		return nil, err
	}

	return bus.NewRedisStreamBroker(redisClient), nil
}

func setupKafkaBroker(ctx context.Context, cfg *config.Config) (bus.Broker, error) {
	broker, err := bus.NewKafkaBroker(cfg.KafkaBrokers)
	if err != nil {
		return nil, err
	}

	topics := make([]string, 0, 4)
	for _, entityType := range []model.EntityType{
		model.EntityTypeCountry, model.EntityTypePort, model.EntityTypeAirport, model.EntityTypeCodeMapping,
	} {
		topics = append(topics, bus.Topic(cfg.TopicPrefix, string(entityType)))
	}

	if err := broker.EnsureTopics(ctx, kafkaPartitions, kafkaReplication, topics...); err != nil {
		broker.Close()
		return nil, err
	}

	return broker, nil
}

func setupBroker(ctx context.Context, cfg *config.Config) (bus.Broker, error) {
	switch cfg.BusDriver {
	case config.BusDriverKafka:
		return setupKafkaBroker(ctx, cfg)
	case config.BusDriverRedis:
		return setupRedisBroker(cfg)
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
	}
}

func setupMetricsServer(port string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeader,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()

	return srv
}

func setupPublisherSignalHandling() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, signalBufferSize)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received, stopping publisher")
		cancel()
	}()

	return ctx, cancel
}

func runPublisherLoop(ctx context.Context, outboxService service.OutboxService, cfg *config.Config) {
	ticker := time.NewTicker(cfg.PublisherPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("publisher stopped")
			return
		case <-ticker.C:
			if _, err := outboxService.ReclaimStale(ctx, cfg.PublisherClaimTimeout); err != nil {
				slog.Error("failed to reclaim stale events", slog.String("error", err.Error()))
			}

			res, err := outboxService.ProcessPendingEvents(ctx, cfg.PublisherBatchSize)
			if err != nil {
				slog.Error("error processing outbox events", slog.String("error", err.Error()))
				continue
			}

			if res.Polled > 0 {
				slog.Info("outbox batch processed",
					slog.Int("polled", res.Polled),
					slog.Int("published", res.Published),
					slog.Int("retried", res.Retried),
					slog.Int("failed", res.Failed),
					slog.Int("deferred", res.Deferred),
					slog.Int("skipped", res.Skipped),
				)
			}
		}
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := setupPublisherSignalHandling()
	defer cancel()

	dbPool, err := database.Connect(ctx, cfg.DatabaseURL, slog.Default())
	if err != nil {
		return err
	}
	defer dbPool.Close()

	broker, err := setupBroker(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to %s bus: %w", cfg.BusDriver, err)
	}
	defer broker.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	metricsServer := setupMetricsServer(cfg.Port, reg)
	defer func() { _ = metricsServer.Shutdown(context.Background()) }()

	outboxRepo := repository.NewOutboxRepositoryImpl(dbPool)
	outboxService := service.NewOutboxServiceImpl(outboxRepo, broker,
		service.WithMaxRetries(cfg.PublisherMaxRetries),
		service.WithTopicPrefix(cfg.TopicPrefix),
		service.WithLogger(slog.Default()),
		service.WithMetrics(m),
	)

	slog.Info("starting outbox publisher",
		slog.String("bus", cfg.BusDriver),
		slog.Duration("poll_interval", cfg.PublisherPollInterval),
		slog.Int("batch_size", cfg.PublisherBatchSize),
		slog.Int("max_retries", cfg.PublisherMaxRetries),
	)

	runPublisherLoop(ctx, outboxService, cfg)

	return nil
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	slog.SetDefault(logger.Setup(cfg.LogLevel, cfg.LogFormat))

	if err := run(cfg); err != nil {
		slog.Error("publisher failed", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
}

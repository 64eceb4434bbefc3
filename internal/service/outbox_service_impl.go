package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jnst/bitemporal-refdata/internal/bus"
	"github.com/jnst/bitemporal-refdata/internal/metrics"
	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/repository"
)

const defaultMaxRetries = 3

// BatchResult counts what one ProcessPendingEvents call did.
type BatchResult struct {
	Polled    int
	Published int
	Retried   int
	Failed    int
	// Deferred events belong to an aggregate whose earlier event was not
	// published in this batch; they stay PENDING for the next poll.
	Deferred int
	// Skipped events were claimed by another publisher first.
	Skipped int
}

// OutboxServiceImpl implements OutboxService for processing outbox events.
type OutboxServiceImpl struct {
	outboxRepo  repository.OutboxRepository
	broker      bus.Broker
	maxRetries  int
	topicPrefix string
	now         func() time.Time
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

// OutboxOption configures an OutboxServiceImpl.
type OutboxOption func(*OutboxServiceImpl)

// WithMaxRetries sets the number of failed sends after which an event is FAILED.
func WithMaxRetries(n int) OutboxOption {
	return func(s *OutboxServiceImpl) { s.maxRetries = n }
}

// WithTopicPrefix sets the prefix of the per-aggregate-type topics.
func WithTopicPrefix(prefix string) OutboxOption {
	return func(s *OutboxServiceImpl) { s.topicPrefix = prefix }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) OutboxOption {
	return func(s *OutboxServiceImpl) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) OutboxOption {
	return func(s *OutboxServiceImpl) { s.logger = logger }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) OutboxOption {
	return func(s *OutboxServiceImpl) { s.metrics = m }
}

// NewOutboxServiceImpl creates a new OutboxService implementation.
func NewOutboxServiceImpl(outboxRepo repository.OutboxRepository, broker bus.Broker, opts ...OutboxOption) OutboxService {
	s := &OutboxServiceImpl{
		outboxRepo: outboxRepo,
		broker:     broker,
		maxRetries: defaultMaxRetries,
		now:        time.Now,
		logger:     slog.Default(),
		tracer:     otel.Tracer("github.com/jnst/bitemporal-refdata/internal/service"),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ProcessPendingEvents publishes PENDING outbox events oldest first.
func (s *OutboxServiceImpl) ProcessPendingEvents(ctx context.Context, limit int) (*BatchResult, error) {
	events, err := s.outboxRepo.GetPendingEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending events: %w", err)
	}

	res := &BatchResult{Polled: len(events)}
	blocked := make(map[string]bool)

	for _, event := range events {
		if blocked[event.AggregateID] {
			res.Deferred++
			continue
		}

		if !s.processEvent(ctx, event, res) {
			blocked[event.AggregateID] = true
		}
	}

	if res.Polled > 0 {
		s.logger.Info("processed outbox batch",
			slog.Int("polled", res.Polled),
			slog.Int("published", res.Published),
			slog.Int("retried", res.Retried),
			slog.Int("failed", res.Failed),
			slog.Int("deferred", res.Deferred),
			slog.Int("skipped", res.Skipped),
		)
	}

	return res, nil
}

// processEvent claims, sends and settles one event. It reports whether the
// event was published, so later events of the same aggregate may follow.
func (s *OutboxServiceImpl) processEvent(ctx context.Context, event *model.OutboxEvent, res *BatchResult) bool {
	ctx, span := s.tracer.Start(ctx, "outbox.publish", trace.WithAttributes(
		attribute.String("outbox.event_id", event.ID.String()),
		attribute.String("outbox.aggregate_id", event.AggregateID),
		attribute.String("outbox.event_type", event.EventType),
	))
	defer span.End()

	log := s.logger.With(
		slog.String("event_id", event.ID.String()),
		slog.String("aggregate_id", event.AggregateID),
		slog.String("event_type", event.EventType),
	)

	claimedAt := s.now()

	claimed, err := s.outboxRepo.ClaimEvent(ctx, event.ID, claimedAt)
	if err != nil {
		log.Warn("failed to claim event", slog.String("error", err.Error()))
		span.RecordError(err)

		return false
	}

	if !claimed {
		log.Debug("event claimed by another publisher")
		res.Skipped++

		return false
	}

	inFlight, err := event.Claim(claimedAt)
	if err != nil {
		log.Error("claimed event in unexpected state", slog.String("error", err.Error()))
		return false
	}

	sendErr := s.broker.Publish(ctx, bus.MessageFor(s.topicPrefix, &inFlight))
	if sendErr == nil {
		return s.complete(ctx, log, &inFlight, res)
	}

	span.RecordError(sendErr)
	span.SetStatus(codes.Error, sendErr.Error())
	s.fail(ctx, log, &inFlight, sendErr, res)

	return false
}

func (s *OutboxServiceImpl) complete(
	ctx context.Context, log *slog.Logger, inFlight *model.OutboxEvent, res *BatchResult,
) bool {
	done, err := inFlight.Complete(s.now())
	if err != nil {
		log.Error("failed to complete event", slog.String("error", err.Error()))
		return false
	}

	// The send already happened; if this write is lost the claim goes stale and
	// ReclaimStale re-sends it. Consumers de-duplicate.
	if err := s.outboxRepo.SaveTransition(ctx, &done, model.OutboxStatusProcessing); err != nil {
		log.Error("failed to mark event as processed", slog.String("error", err.Error()))
		return false
	}

	res.Published++
	s.metrics.IncPublished(done.AggregateType)
	log.Debug("published event")

	return true
}

func (s *OutboxServiceImpl) fail(
	ctx context.Context, log *slog.Logger, inFlight *model.OutboxEvent, sendErr error, res *BatchResult,
) {
	next, err := inFlight.Fail(sendErr, s.maxRetries)
	if err != nil {
		log.Error("failed to record send failure", slog.String("error", err.Error()))
		return
	}

	if err := s.outboxRepo.SaveTransition(ctx, &next, model.OutboxStatusProcessing); err != nil {
		log.Error("failed to persist send failure",
			slog.String("send_error", sendErr.Error()),
			slog.String("error", err.Error()),
		)

		return
	}

	terminal := next.Status == model.OutboxStatusFailed
	s.metrics.IncPublishFailure(next.AggregateType, terminal)

	if terminal {
		res.Failed++
		log.Error("event failed permanently",
			slog.Int("retry_count", next.RetryCount),
			slog.String("error", sendErr.Error()),
		)

		return
	}

	res.Retried++
	log.Warn("failed to publish event, will retry",
		slog.Int("retry_count", next.RetryCount),
		slog.String("error", sendErr.Error()),
	)
}

// ReclaimStale hands abandoned claims back for another attempt. An expired
// claim uses up a retry like a failed send does.
func (s *OutboxServiceImpl) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.outboxRepo.ReleaseStaleClaims(ctx, s.now().Add(-olderThan), s.maxRetries)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		s.metrics.AddReclaimed(n)
		s.logger.Warn("released stale outbox claims", slog.Int64("count", n))
	}

	return n, nil
}

// ListFailed returns FAILED events oldest first.
func (s *OutboxServiceImpl) ListFailed(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	return s.outboxRepo.ListByStatus(ctx, model.OutboxStatusFailed, limit)
}

// RetryFailed requeues one FAILED event.
func (s *OutboxServiceImpl) RetryFailed(ctx context.Context, id uuid.UUID) (*model.OutboxEvent, error) {
	event, err := s.outboxRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := event.Requeue()
	if err != nil {
		return nil, err
	}

	if err := s.outboxRepo.SaveTransition(ctx, &next, model.OutboxStatusFailed); err != nil {
		return nil, err
	}

	s.logger.Info("requeued failed event",
		slog.String("event_id", id.String()),
		slog.String("aggregate_id", next.AggregateID),
	)

	return &next, nil
}

// Stats counts events per status.
func (s *OutboxServiceImpl) Stats(ctx context.Context) (map[model.OutboxStatus]int64, error) {
	return s.outboxRepo.CountByStatus(ctx)
}

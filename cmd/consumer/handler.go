package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/rueidis"

	"github.com/jnst/bitemporal-refdata/internal/model"
)

const dedupKeyPrefix = "refdata:consumed:"

var errMalformedEvent = errors.New("malformed event")

// Deduplicator remembers which events were already handled.
type Deduplicator interface {
	// MarkSeen records key and reports whether this is its first delivery.
	MarkSeen(ctx context.Context, key string) (bool, error)
	// Forget drops key so a redelivery is handled again.
	Forget(ctx context.Context, key string) error
}

// RedisDeduplicator keeps one SET NX marker per event with a TTL.
type RedisDeduplicator struct {
	client rueidis.Client
	ttl    time.Duration
}

// NewRedisDeduplicator creates a Deduplicator on client.
func NewRedisDeduplicator(client rueidis.Client, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, ttl: ttl}
}

func (d *RedisDeduplicator) MarkSeen(ctx context.Context, key string) (bool, error) {
	cmd := d.client.B().Set().Key(dedupKeyPrefix + key).Value("1").Nx().ExSeconds(int64(d.ttl / time.Second)).Build()

	err := d.client.Do(ctx, cmd).Error()
	if rueidis.IsRedisNil(err) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to mark %s as seen: %w", key, err)
	}

	return true, nil
}

func (d *RedisDeduplicator) Forget(ctx context.Context, key string) error {
	return d.client.Do(ctx, d.client.B().Del().Key(dedupKeyPrefix+key).Build()).Error()
}

// Stats counts handled, duplicate and malformed deliveries.
type Stats struct {
	Handled    int
	Duplicates int
	Malformed  int
}

// MessageHandler processes reference data change events.
type MessageHandler struct {
	dedup  Deduplicator
	logger *slog.Logger
	stats  Stats
}

// NewMessageHandler creates a new message handler instance.
func NewMessageHandler(dedup Deduplicator, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{dedup: dedup, logger: logger}
}

// Handle decodes one event payload and processes it unless it was seen
// before. A nil error means the message can be acknowledged.
func (h *MessageHandler) Handle(ctx context.Context, payload []byte) error {
	env, err := decodeEnvelope(payload)
	if err != nil {
		return err
	}

	key := env.DedupKey()

	first, err := h.dedup.MarkSeen(ctx, key)
	if err != nil {
		return err
	}

	if !first {
		h.stats.Duplicates++
		h.logger.Debug("skipping duplicate event",
			slog.String("event_id", env.EventID.String()),
			slog.String("dedup_key", key),
		)

		return nil
	}

	if err := h.apply(ctx, env); err != nil {
		if ferr := h.dedup.Forget(ctx, key); ferr != nil {
			err = errors.Join(err, ferr)
		}

		return err
	}

	h.stats.Handled++

	return nil
}

// Settle handles payload and reports whether the delivery may be acknowledged.
// Malformed events are acknowledged and counted because no redelivery can fix
// them. Any other failure leaves the delivery to be read again.
func (h *MessageHandler) Settle(ctx context.Context, payload []byte, attrs ...any) bool {
	err := h.Handle(ctx, payload)

	switch {
	case err == nil:
		return true
	case errors.Is(err, errMalformedEvent):
		h.stats.Malformed++
		h.logger.Error("dropping malformed event", append(attrs, slog.String("error", err.Error()))...)

		return true
	default:
		h.logger.Error("failed to process event, leaving it for redelivery",
			append(attrs, slog.String("error", err.Error()))...)

		return false
	}
}

// Stats returns the counters since start.
func (h *MessageHandler) Stats() Stats {
	return h.stats
}

func (h *MessageHandler) apply(_ context.Context, env model.EventEnvelope) error {
	attrs := []any{
		slog.String("event_id", env.EventID.String()),
		slog.String("event_type", string(env.EventType)),
		slog.String("aggregate_type", string(env.AggregateType)),
		slog.String("aggregate_id", env.AggregateID),
		slog.Int64("version", env.Version),
		slog.String("valid_from", env.ValidFrom),
		slog.Bool("is_correction", env.IsCorrection),
	}

	if env.PreviousVersion != nil {
		attrs = append(attrs, slog.Int64("previous_version", *env.PreviousVersion))
	}

	if env.ValidTo != nil {
		attrs = append(attrs, slog.String("valid_to", *env.ValidTo))
	}

	if env.ChangeRequestID != nil {
		attrs = append(attrs, slog.String("change_request_id", *env.ChangeRequestID))
	}

	h.logger.Info("reference data changed", attrs...)

	return nil
}

func decodeEnvelope(payload []byte) (model.EventEnvelope, error) {
	var env model.EventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, fmt.Errorf("%w: %w", errMalformedEvent, err)
	}

	if env.AggregateID == "" || env.EventType == "" || env.Version <= 0 {
		return env, fmt.Errorf("%w: missing aggregateId, eventType or version", errMalformedEvent)
	}

	return env, nil
}

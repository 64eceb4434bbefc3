// Package main provides the reference data change consumer for the outbox message bus.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/rueidis"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/jnst/bitemporal-refdata/internal/bus"
	"github.com/jnst/bitemporal-refdata/internal/config"
	"github.com/jnst/bitemporal-refdata/internal/logger"
	"github.com/jnst/bitemporal-refdata/internal/model"
)

const (
	redisBlockTimeout = 1000 // milliseconds
	readCount         = 10
	errorRetryDelay   = 1 * time.Second
	signalBufferSize  = 1
	exitCode          = 1
)

var entityTypes = []model.EntityType{
	model.EntityTypeCountry, model.EntityTypePort, model.EntityTypeAirport, model.EntityTypeCodeMapping,
}

func topics(prefix string) []string {
	names := make([]string, 0, len(entityTypes))
	for _, entityType := range entityTypes {
		names = append(names, bus.Topic(prefix, string(entityType)))
	}

	return names
}

func setupRedisClient(cfg *config.Config) (rueidis.Client, error) {
	redisClient, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.RedisAddr},
	})
	if err != nil {
		return nil, err
	}

	return redisClient, nil
}

func setupSignalHandling() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, signalBufferSize)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received, stopping consumer")
		cancel()
	}()

	return ctx, cancel
}

// StreamConsumer reads the Redis streams of every entity type with a consumer group.
type StreamConsumer struct {
	redisClient  rueidis.Client
	handler      *MessageHandler
	streams      []string
	groupName    string
	consumerName string
}

func (c *StreamConsumer) createConsumerGroups(ctx context.Context) {
	for _, stream := range c.streams {
		cmd := c.redisClient.B().XgroupCreate().Key(stream).Group(c.groupName).Id("0").Mkstream().Build()
		if err := c.redisClient.Do(ctx, cmd).Error(); err != nil {
			slog.Info("consumer group creation result (may already exist)",
				slog.String("stream", stream),
				slog.String("error", err.Error()),
			)
		}
	}
}

// readMessages reads new entries, or the entries this consumer was given but
// never acknowledged while backlog is set.
func (c *StreamConsumer) readMessages(ctx context.Context, backlog bool) (map[string][]rueidis.XRangeEntry, error) {
	from := ">"
	if backlog {
		from = "0"
	}

	ids := make([]string, len(c.streams))
	for i := range ids {
		ids[i] = from
	}

	readCmd := c.redisClient.B().Xreadgroup().Group(c.groupName, c.consumerName).
		Count(readCount).
		Block(redisBlockTimeout).
		Streams().
		Key(c.streams...).
		Id(ids...).
		Build()

	result := c.redisClient.Do(ctx, readCmd)
	if err := result.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}

		return nil, err
	}

	return result.AsXRead()
}

func (c *StreamConsumer) acknowledgeMessages(ctx context.Context, stream string, messageIDs ...string) {
	ackCmd := c.redisClient.B().Xack().Key(stream).Group(c.groupName).Id(messageIDs...).Build()
	if err := c.redisClient.Do(ctx, ackCmd).Error(); err != nil {
		slog.Error("failed to ACK messages",
			slog.String("stream", stream),
			slog.Any("message_ids", messageIDs),
			slog.String("error", err.Error()),
		)
	} else {
		slog.Debug("ACKed messages", slog.String("stream", stream), slog.Int("count", len(messageIDs)))
	}
}

// settleStreams handles a read batch and returns the entry IDs to acknowledge
// per stream. A stream stops at its first unsettled entry so later changes of
// the same aggregate are not applied ahead of it; stalled reports whether
// that happened anywhere.
func settleStreams(
	ctx context.Context, handler *MessageHandler, batch map[string][]rueidis.XRangeEntry,
) (acks map[string][]string, stalled bool) {
	acks = make(map[string][]string, len(batch))

	for stream, messages := range batch {
		for _, message := range messages {
			payload, ok := message.FieldValues[bus.FieldPayload]
			if !ok {
				slog.Warn("missing payload in message", slog.String("message_id", message.ID))
			}

			if !handler.Settle(ctx, []byte(payload),
				slog.String("stream", stream), slog.String("message_id", message.ID)) {
				stalled = true
				break
			}

			acks[stream] = append(acks[stream], message.ID)
		}
	}

	return acks, stalled
}

// consumeMessages runs one read. It reports whether the pending backlog still
// needs another pass.
func (c *StreamConsumer) consumeMessages(ctx context.Context, backlog bool) (bool, error) {
	batch, err := c.readMessages(ctx, backlog)
	if err != nil {
		return backlog, err
	}

	acks, stalled := settleStreams(ctx, c.handler, batch)
	for stream, ids := range acks {
		if len(ids) > 0 {
			c.acknowledgeMessages(ctx, stream, ids...)
		}
	}

	if stalled {
		return true, nil
	}

	if !backlog {
		return false, nil
	}

	// The backlog is drained once a pass returns nothing.
	for _, messages := range batch {
		if len(messages) > 0 {
			return true, nil
		}
	}

	return false, nil
}

func (c *StreamConsumer) Run(ctx context.Context) {
	c.createConsumerGroups(ctx)

	// Entries delivered before a restart and never acknowledged come first.
	backlog := true

	for {
		select {
		case <-ctx.Done():
			slog.Info("consumer stopped", slog.Any("stats", c.handler.Stats()))
			return
		default:
			wasBacklog := backlog

			var err error

			backlog, err = c.consumeMessages(ctx, backlog)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("error consuming messages", slog.String("error", err.Error()))
				sleep(ctx, errorRetryDelay)

				continue
			}

			// A backlog read does not block, so wait before retrying a stalled entry.
			if backlog && wasBacklog {
				sleep(ctx, errorRetryDelay)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// KafkaConsumer reads the Kafka topics of every entity type in a consumer
// group. Offsets are committed only for settled records; a partition whose
// record failed is rewound to it.
type KafkaConsumer struct {
	client  *kgo.Client
	handler *MessageHandler
}

func newKafkaConsumer(cfg *config.Config, handler *MessageHandler) (*KafkaConsumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(topics(cfg.TopicPrefix)...),
		kgo.ClientID(cfg.ConsumerName),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, err
	}

	return &KafkaConsumer{client: client, handler: handler}, nil
}

// settlePartition handles the records of one partition in order. It returns
// the records to commit and the first record that must be read again, if any.
func settlePartition(ctx context.Context, handler *MessageHandler, records []*kgo.Record) ([]*kgo.Record, *kgo.Record) {
	for i, record := range records {
		if !handler.Settle(ctx, record.Value,
			slog.String("topic", record.Topic),
			slog.Int("partition", int(record.Partition)),
			slog.Int64("offset", record.Offset),
		) {
			return records[:i], record
		}
	}

	return records, nil
}

func (c *KafkaConsumer) Run(ctx context.Context) {
	defer c.client.Close()

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			slog.Info("consumer stopped", slog.Any("stats", c.handler.Stats()))
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.String("error", err.Error()),
			)
		})

		var handled []*kgo.Record

		rewind := make(map[string]map[int32]kgo.EpochOffset)

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			done, failed := settlePartition(ctx, c.handler, p.Records)
			handled = append(handled, done...)

			if failed != nil {
				if rewind[failed.Topic] == nil {
					rewind[failed.Topic] = make(map[int32]kgo.EpochOffset)
				}

				rewind[failed.Topic][failed.Partition] = kgo.EpochOffset{Epoch: failed.LeaderEpoch, Offset: failed.Offset}
			}
		})

		if len(handled) > 0 {
			if err := c.client.CommitRecords(ctx, handled...); err != nil {
				slog.Error("failed to commit offsets", slog.String("error", err.Error()))
			}
		}

		if len(rewind) > 0 {
			// The next poll starts again at the failed record of each partition.
			c.client.SetOffsets(rewind)
			sleep(ctx, errorRetryDelay)
		}
	}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	slog.SetDefault(logger.Setup(cfg.LogLevel, cfg.LogFormat))

	redisClient, err := setupRedisClient(cfg)
	if err != nil {
		slog.Error("failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer redisClient.Close()

	handler := NewMessageHandler(NewRedisDeduplicator(redisClient, cfg.ConsumerDedupTTL), slog.Default())

	ctx, cancel := setupSignalHandling()
	defer cancel()

	slog.Info("starting message consumer",
		slog.String("service", "consumer"),
		slog.String("bus", cfg.BusDriver),
		slog.Any("topics", topics(cfg.TopicPrefix)),
		slog.String("group", cfg.ConsumerGroup),
		slog.String("consumer", cfg.ConsumerName),
	)

	if cfg.BusDriver == config.BusDriverKafka {
		consumer, err := newKafkaConsumer(cfg, handler)
		if err != nil {
			slog.Error("failed to create kafka consumer", slog.String("error", err.Error()))
			os.Exit(exitCode)
		}

		consumer.Run(ctx)

		return
	}

	consumer := &StreamConsumer{
		redisClient:  redisClient,
		handler:      handler,
		streams:      topics(cfg.TopicPrefix),
		groupName:    cfg.ConsumerGroup,
		consumerName: cfg.ConsumerName,
	}
	consumer.Run(ctx)
}

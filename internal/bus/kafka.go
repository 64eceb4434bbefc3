package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Header keys of a Kafka record.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
)

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaBroker produces keyed records; the aggregate id key keeps every event
// of one entity on one partition.
type KafkaBroker struct {
	producer producer
	client   *kgo.Client
}

// NewKafkaBroker connects to the seed brokers with an idempotent producer
// that waits for all in-sync replicas.
func NewKafkaBroker(brokers []string, opts ...kgo.Opt) (*KafkaBroker, error) {
	opts = append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}, opts...)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &KafkaBroker{producer: client, client: client}, nil
}

// Publish produces msg synchronously.
func (b *KafkaBroker) Publish(ctx context.Context, msg Message) error {
	record := &kgo.Record{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Payload,
		Headers: []kgo.RecordHeader{
			{Key: HeaderEventID, Value: []byte(msg.EventID)},
			{Key: HeaderEventType, Value: []byte(msg.EventType)},
			{Key: HeaderAggregateType, Value: []byte(msg.AggregateType)},
		},
	}

	if err := b.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce event %s to %s: %w", msg.EventID, msg.Topic, err)
	}

	return nil
}

// EnsureTopics creates the topics that do not exist yet.
func (b *KafkaBroker) EnsureTopics(ctx context.Context, partitions int32, replicationFactor int16, topics ...string) error {
	if b.client == nil {
		return errors.New("kafka broker has no admin client")
	}

	resps, err := kadm.NewClient(b.client).CreateTopics(ctx, partitions, replicationFactor, nil, topics...)
	if err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}

	for _, resp := range resps.Sorted() {
		if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("failed to create topic %s: %w", resp.Topic, resp.Err)
		}
	}

	return nil
}

// Close releases the client.
func (b *KafkaBroker) Close() {
	b.producer.Close()
}

package bus

import (
	"context"
	"fmt"

	"github.com/redis/rueidis"
)

// RedisStreamBroker appends messages to a Redis stream named after the topic.
type RedisStreamBroker struct {
	client rueidis.Client
	maxLen int64
}

// RedisOption configures a RedisStreamBroker.
type RedisOption func(*RedisStreamBroker)

// WithMaxLen caps every stream at roughly n entries (XADD MAXLEN ~).
func WithMaxLen(n int64) RedisOption {
	return func(b *RedisStreamBroker) { b.maxLen = n }
}

// NewRedisStreamBroker creates a broker on an existing rueidis client. The
// client stays owned by the caller until Close.
func NewRedisStreamBroker(client rueidis.Client, opts ...RedisOption) *RedisStreamBroker {
	b := &RedisStreamBroker{client: client}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Publish runs XADD and waits for the entry id.
func (b *RedisStreamBroker) Publish(ctx context.Context, msg Message) error {
	var cmd rueidis.Completed
	if b.maxLen > 0 {
		cmd = b.client.B().Xadd().Key(msg.Topic).Maxlen().Almost().Threshold(fmt.Sprint(b.maxLen)).Id("*").
			FieldValue().FieldValue(FieldEventID, msg.EventID).
			FieldValue(FieldEventType, msg.EventType).
			FieldValue(FieldAggregateID, msg.AggregateID).
			FieldValue(FieldAggregateType, msg.AggregateType).
			FieldValue(FieldPayload, string(msg.Payload)).
			Build()
	} else {
		cmd = b.client.B().Xadd().Key(msg.Topic).Id("*").
			FieldValue().FieldValue(FieldEventID, msg.EventID).
			FieldValue(FieldEventType, msg.EventType).
			FieldValue(FieldAggregateID, msg.AggregateID).
			FieldValue(FieldAggregateType, msg.AggregateType).
			FieldValue(FieldPayload, string(msg.Payload)).
			Build()
	}

	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to XADD event %s to %s: %w", msg.EventID, msg.Topic, err)
	}

	return nil
}

// Close closes the underlying client.
func (b *RedisStreamBroker) Close() {
	b.client.Close()
}

// Package bus delivers outbox events to the message bus.
package bus

import (
	"context"
	"strings"

	"github.com/jnst/bitemporal-refdata/internal/model"
)

//go:generate mockgen -source=broker.go -destination=mocks/mocks.go -package=mocks Broker

// Message is one outbox event addressed to a topic. Key is the partition key;
// every event of one aggregate carries the same key.
type Message struct {
	Topic         string
	Key           string
	EventID       string
	EventType     string
	AggregateID   string
	AggregateType string
	Payload       []byte
}

// Broker publishes messages to the bus. Publish returns only after the bus
// acknowledged the message.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	Close()
}

// Topic names the stream or topic events of an aggregate type are sent to,
// e.g. "refdata.country" or "refdata.code_mapping".
func Topic(prefix, aggregateType string) string {
	name := strings.ToLower(aggregateType)
	if prefix == "" {
		return name
	}

	return prefix + "." + name
}

// MessageFor addresses an outbox event, keyed by its aggregate id.
func MessageFor(prefix string, event *model.OutboxEvent) Message {
	return Message{
		Topic:         Topic(prefix, event.AggregateType),
		Key:           event.AggregateID,
		EventID:       event.ID.String(),
		EventType:     event.EventType,
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		Payload:       event.Payload,
	}
}

// Field names of a stream entry.
const (
	FieldEventID       = "event_id"
	FieldEventType     = "event_type"
	FieldAggregateID   = "aggregate_id"
	FieldAggregateType = "aggregate_type"
	FieldPayload       = "payload"
)

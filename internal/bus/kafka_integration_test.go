//go:build integration

package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/jnst/bitemporal-refdata/internal/bus"
)

func TestKafkaBrokerRoundTrip(t *testing.T) {
	ctx := context.Background()

	container, err := redpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:v24.2.4")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	seed, err := container.KafkaSeedBroker(ctx)
	require.NoError(t, err)

	broker, err := bus.NewKafkaBroker([]string{seed})
	require.NoError(t, err)
	t.Cleanup(broker.Close)

	require.NoError(t, broker.EnsureTopics(ctx, 3, 1, "refdata.airport"))
	require.NoError(t, broker.EnsureTopics(ctx, 3, 1, "refdata.airport"), "existing topics are not an error")

	msg := bus.Message{
		Topic:         "refdata.airport",
		Key:           "IATA:AMS",
		EventID:       "7d0c8c9e-0000-4000-8000-000000000002",
		EventType:     "CREATED",
		AggregateID:   "IATA:AMS",
		AggregateType: "AIRPORT",
		Payload:       []byte(`{"aggregateId":"IATA:AMS","version":1}`),
	}
	require.NoError(t, broker.Publish(ctx, msg))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(seed),
		kgo.ConsumeTopics("refdata.airport"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	t.Cleanup(consumer.Close)

	pollCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var records []*kgo.Record
	for len(records) == 0 && pollCtx.Err() == nil {
		fetches := consumer.PollFetches(pollCtx)
		records = append(records, fetches.Records()...)
	}
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "IATA:AMS", string(rec.Key))
	assert.JSONEq(t, string(msg.Payload), string(rec.Value))

	headers := make(map[string]string, len(rec.Headers))
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}

	assert.Equal(t, msg.EventID, headers[bus.HeaderEventID])
	assert.Equal(t, "CREATED", headers[bus.HeaderEventType])
	assert.Equal(t, "AIRPORT", headers[bus.HeaderAggregateType])
}

package eventbus

import (
	"context"
	"errors"
	"testing"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/stayledger/pkg/config"
	"github.com/angelmondragon/stayledger/pkg/kafka"
	"github.com/angelmondragon/stayledger/pkg/outbox/registry"
)

type fakePubSubClient struct {
	closed bool
}

func (f *fakePubSubClient) Ping(context.Context) error            { return nil }
func (f *fakePubSubClient) Close() error                          { f.closed = true; return nil }
func (f *fakePubSubClient) Publisher(string) *gcppubsub.Publisher { return nil }

type fakePublisher struct {
	err      error
	messages []*gcppubsub.Message
	stopped  bool
}

func (f *fakePublisher) Publish(_ context.Context, msg *gcppubsub.Message) publishResult {
	f.messages = append(f.messages, msg)
	return fakeResult{err: f.err}
}

func (f *fakePublisher) Stop() { f.stopped = true }

type fakeResult struct {
	err error
}

func (r fakeResult) Get(context.Context) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return "server-id", nil
}

func TestPubSubBusPublishesWithAttributes(t *testing.T) {
	pub := &fakePublisher{}
	created := 0
	client := &fakePubSubClient{}
	bus := newPubSubBus(client, func(topic string) publisher {
		created++
		return pub
	})

	msg := Message{Topic: "inventory-events", Key: "agg-1", Data: []byte(`{}`), Attributes: map[string]string{"event_type": "INVENTORY_RESERVED"}}
	require.NoError(t, bus.Publish(context.Background(), msg))
	require.NoError(t, bus.Publish(context.Background(), msg))

	require.Equal(t, 1, created, "publisher is cached per topic")
	require.Len(t, pub.messages, 2)
	require.Equal(t, "agg-1", pub.messages[0].Attributes["key"])
	require.Equal(t, "INVENTORY_RESERVED", pub.messages[0].Attributes["event_type"])

	require.NoError(t, bus.Close())
	require.True(t, pub.stopped)
	require.True(t, client.closed)
}

func TestPubSubBusClassifiesErrors(t *testing.T) {
	cases := []struct {
		name         string
		err          error
		nonRetryable bool
	}{
		{"not found", status.Error(codes.NotFound, "topic gone"), true},
		{"permission", status.Error(codes.PermissionDenied, "nope"), true},
		{"unavailable", status.Error(codes.Unavailable, "later"), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bus := newPubSubBus(&fakePubSubClient{}, func(string) publisher { return &fakePublisher{err: tc.err} })
			err := bus.Publish(context.Background(), Message{Topic: "t"})
			require.Error(t, err)
			var nonRetry registry.NonRetryableError
			require.Equal(t, tc.nonRetryable, errors.As(err, &nonRetry))
		})
	}
}

func TestPubSubBusMissingPublisherIsNonRetryable(t *testing.T) {
	bus := NewPubSubBus(&fakePubSubClient{})
	err := bus.Publish(context.Background(), Message{Topic: "t"})
	var nonRetry registry.NonRetryableError
	require.ErrorAs(t, err, &nonRetry)
}

type fakeKafkaWriter struct {
	err     error
	written []kafka.Message
}

func (f *fakeKafkaWriter) Write(_ context.Context, msgs ...kafka.Message) error {
	f.written = append(f.written, msgs...)
	return f.err
}
func (f *fakeKafkaWriter) Ping(context.Context) error { return nil }
func (f *fakeKafkaWriter) Close() error               { return nil }

func TestKafkaBusMapsMessage(t *testing.T) {
	w := &fakeKafkaWriter{}
	bus := NewKafkaBus(w)
	err := bus.Publish(context.Background(), Message{
		Topic:      "inventory-hold-events",
		Key:        "hold-1",
		Data:       []byte(`{"a":1}`),
		Attributes: map[string]string{"event_id": "e1"},
	})
	require.NoError(t, err)
	require.Len(t, w.written, 1)
	got := w.written[0]
	require.Equal(t, "inventory-hold-events", got.Topic)
	require.Equal(t, []byte("hold-1"), got.Key)
	require.Equal(t, []byte(`{"a":1}`), got.Value)
	require.Equal(t, []kafka.Header{{Key: "event_id", Value: []byte("e1")}}, got.Headers)
}

func TestKafkaBusPermanentErrors(t *testing.T) {
	bus := NewKafkaBus(&fakeKafkaWriter{err: kafkago.MessageSizeTooLarge})
	err := bus.Publish(context.Background(), Message{Topic: "t"})
	var nonRetry registry.NonRetryableError
	require.ErrorAs(t, err, &nonRetry)

	bus = NewKafkaBus(&fakeKafkaWriter{err: kafkago.LeaderNotAvailable})
	err = bus.Publish(context.Background(), Message{Topic: "t"})
	require.Error(t, err)
	require.False(t, errors.As(err, &nonRetry))
}

func TestNewSelectsLogBus(t *testing.T) {
	cfg := &config.Config{EventBus: config.EventBusConfig{Driver: "LOG"}}
	bus, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.Equal(t, "log", bus.Name())
	require.NoError(t, bus.Publish(context.Background(), Message{Topic: "t"}))
	require.NoError(t, bus.Ping(context.Background()))

	_, err = New(context.Background(), &config.Config{EventBus: config.EventBusConfig{Driver: "carrier-pigeon"}}, nil)
	require.Error(t, err)
}

func TestTopics(t *testing.T) {
	got := Topics(config.EventBusConfig{InventoryTopic: "a", HoldsTopic: "b", AllotmentTopic: "c"})
	require.Equal(t, []string{"a", "b", "c"}, got)
}

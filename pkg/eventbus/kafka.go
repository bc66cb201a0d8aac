package eventbus

import (
	"context"

	"github.com/angelmondragon/stayledger/pkg/kafka"
	"github.com/angelmondragon/stayledger/pkg/outbox/registry"
)

type kafkaWriter interface {
	Write(ctx context.Context, msgs ...kafka.Message) error
	Ping(ctx context.Context) error
	Close() error
}

// KafkaBus writes each message to its topic keyed by aggregate, so events for
// one aggregate land on one partition in order.
type KafkaBus struct {
	writer kafkaWriter
}

func NewKafkaBus(writer kafkaWriter) *KafkaBus {
	return &KafkaBus{writer: writer}
}

func (b *KafkaBus) Name() string { return "kafka" }

func (b *KafkaBus) Publish(ctx context.Context, msg Message) error {
	headers := make([]kafka.Header, 0, len(msg.Attributes))
	for k, v := range msg.Attributes {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	err := b.writer.Write(ctx, kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Data,
		Headers: headers,
	})
	if err != nil && kafka.IsPermanent(err) {
		return registry.NewNonRetryableError(err)
	}
	return err
}

func (b *KafkaBus) Ping(ctx context.Context) error {
	return b.writer.Ping(ctx)
}

func (b *KafkaBus) Close() error {
	return b.writer.Close()
}

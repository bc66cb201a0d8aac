package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/stayledger/pkg/outbox/registry"
)

const defaultPublishTimeout = 15 * time.Second

type pubSubClient interface {
	Ping(context.Context) error
	Close() error
	Publisher(name string) *gcppubsub.Publisher
}

type publisherFactory func(topic string) publisher

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
	Stop()
}

type publishResult interface {
	Get(context.Context) (string, error)
}

// PubSubBus publishes through Google Cloud Pub/Sub, one publisher per topic.
type PubSubBus struct {
	client  pubSubClient
	factory publisherFactory

	mu         sync.Mutex
	publishers map[string]publisher
}

func NewPubSubBus(client pubSubClient) *PubSubBus {
	return newPubSubBus(client, func(topic string) publisher {
		return newGCPPublisher(client.Publisher(topic))
	})
}

func newPubSubBus(client pubSubClient, factory publisherFactory) *PubSubBus {
	return &PubSubBus{
		client:     client,
		factory:    factory,
		publishers: map[string]publisher{},
	}
}

func (b *PubSubBus) Name() string { return "pubsub" }

func (b *PubSubBus) Publish(ctx context.Context, msg Message) error {
	pub := b.publisher(msg.Topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher not configured for topic %s", msg.Topic))
	}

	attrs := make(map[string]string, len(msg.Attributes)+1)
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	if msg.Key != "" {
		attrs["key"] = msg.Key
	}

	publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	result := pub.Publish(publishCtx, &gcppubsub.Message{Data: msg.Data, Attributes: attrs})
	if result == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher returned nil for topic %s", msg.Topic))
	}
	if _, err := result.Get(publishCtx); err != nil {
		return classifyPubSubError(err)
	}
	return nil
}

func (b *PubSubBus) publisher(topic string) publisher {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pub, ok := b.publishers[topic]; ok {
		return pub
	}
	pub := b.factory(topic)
	if pub == nil {
		return nil
	}
	b.publishers[topic] = pub
	return pub
}

func classifyPubSubError(err error) error {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied:
		return registry.NewNonRetryableError(err)
	}
	return err
}

func (b *PubSubBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx)
}

// Close flushes and stops every topic publisher before closing the client.
func (b *PubSubBus) Close() error {
	b.mu.Lock()
	for topic, pub := range b.publishers {
		pub.Stop()
		delete(b.publishers, topic)
	}
	b.mu.Unlock()
	return b.client.Close()
}

func newGCPPublisher(p *gcppubsub.Publisher) publisher {
	if p == nil {
		return nil
	}
	return &gcpPublisher{Publisher: p}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}

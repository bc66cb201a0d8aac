// Package eventbus hides the concrete transport inventory events are
// delivered over. The outbox publisher only sees Bus.
package eventbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/angelmondragon/stayledger/pkg/config"
	"github.com/angelmondragon/stayledger/pkg/kafka"
	"github.com/angelmondragon/stayledger/pkg/logger"
	"github.com/angelmondragon/stayledger/pkg/pubsub"
)

// Message is one delivery. Key groups events that share an aggregate.
type Message struct {
	Topic      string
	Key        string
	Data       []byte
	Attributes map[string]string
}

// Bus delivers messages synchronously. Errors wrapped in
// registry.NonRetryableError must not be retried.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Ping(ctx context.Context) error
	Close() error
	Name() string
}

// Topics lists the configured topics.
func Topics(cfg config.EventBusConfig) []string {
	return []string{cfg.InventoryTopic, cfg.HoldsTopic, cfg.AllotmentTopic}
}

// New builds the transport selected by EventBus.Driver.
func New(ctx context.Context, cfg *config.Config, logg *logger.Logger) (Bus, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.EventBus.Driver)) {
	case config.EventBusDriverPubSub:
		client, err := pubsub.NewClient(ctx, cfg.GCP, Topics(cfg.EventBus), logg)
		if err != nil {
			return nil, err
		}
		return NewPubSubBus(client), nil
	case config.EventBusDriverKafka:
		writer, err := kafka.NewWriter(ctx, cfg.Kafka, logg)
		if err != nil {
			return nil, err
		}
		return NewKafkaBus(writer), nil
	case config.EventBusDriverLog:
		return NewLogBus(logg), nil
	default:
		return nil, fmt.Errorf("unsupported event bus driver %q", cfg.EventBus.Driver)
	}
}

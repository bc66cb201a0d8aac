package eventbus

import (
	"context"

	"github.com/angelmondragon/stayledger/pkg/logger"
)

// LogBus records deliveries in the structured log. Used in development and
// wherever no broker is provisioned.
type LogBus struct {
	logg *logger.Logger
}

func NewLogBus(logg *logger.Logger) *LogBus {
	return &LogBus{logg: logg}
}

func (b *LogBus) Name() string { return "log" }

func (b *LogBus) Publish(ctx context.Context, msg Message) error {
	if b.logg == nil {
		return nil
	}
	fields := map[string]any{
		"topic":      msg.Topic,
		"key":        msg.Key,
		"bytes":      len(msg.Data),
		"attributes": msg.Attributes,
	}
	b.logg.Info(b.logg.WithFields(ctx, fields), "event delivered to log bus")
	return nil
}

func (b *LogBus) Ping(context.Context) error { return nil }

func (b *LogBus) Close() error { return nil }

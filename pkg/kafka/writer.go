package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/angelmondragon/stayledger/pkg/config"
	"github.com/angelmondragon/stayledger/pkg/logger"
)

// Header is re-exported so callers do not import kafka-go directly.
type Header = kafkago.Header

// Message is re-exported so callers do not import kafka-go directly.
type Message = kafkago.Message

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer publishes keyed messages to any topic through a single kafka-go
// writer. Messages carry their own topic.
type Writer struct {
	writer  messageWriter
	brokers []string
	timeout time.Duration
}

var errNoBrokers = errors.New("kafka brokers are required")

// NewWriter builds a writer that hashes keys across partitions and waits for
// all in-sync replicas.
func NewWriter(ctx context.Context, cfg config.KafkaConfig, logg *logger.Logger) (*Writer, error) {
	brokers := brokerList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errNoBrokers
	}

	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Transport: &kafkago.Transport{
			ClientID: cfg.ClientID,
		},
	}

	if logg != nil {
		logg.Info(logg.WithField(ctx, "brokers", brokers), "kafka writer initialized")
	}
	return &Writer{writer: w, brokers: brokers, timeout: cfg.WriteTimeout}, nil
}

func brokerList(raw []string) []string {
	out := []string{}
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

// Write sends the messages synchronously.
func (w *Writer) Write(ctx context.Context, msgs ...Message) error {
	if w == nil || w.writer == nil {
		return errors.New("kafka writer not initialized")
	}
	for _, msg := range msgs {
		if strings.TrimSpace(msg.Topic) == "" {
			return errors.New("kafka message topic is required")
		}
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

// Ping dials the first reachable broker.
func (w *Writer) Ping(ctx context.Context) error {
	if w == nil {
		return errors.New("kafka writer not initialized")
	}
	dialer := &net.Dialer{Timeout: w.dialTimeout()}
	var lastErr error
	for _, broker := range w.brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

func (w *Writer) dialTimeout() time.Duration {
	if w.timeout > 0 {
		return w.timeout
	}
	return 5 * time.Second
}

func (w *Writer) Close() error {
	if w == nil || w.writer == nil {
		return nil
	}
	return w.writer.Close()
}

// IsPermanent reports broker errors that no retry will fix.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var writeErrs kafkago.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, werr := range writeErrs {
			if werr != nil && !IsPermanent(werr) {
				return false
			}
		}
		return writeErrs.Count() > 0
	}
	var kerr kafkago.Error
	if !errors.As(err, &kerr) {
		return false
	}
	switch kerr {
	case kafkago.InvalidMessage,
		kafkago.MessageSizeTooLarge,
		kafkago.InvalidTopic,
		kafkago.TopicAuthorizationFailed:
		return true
	}
	return false
}

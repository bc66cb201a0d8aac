// Package publisher delivers committed outbox rows to the event bus. The
// dispatcher is the fast path fed by post-commit hooks; the relay re-drives
// whatever the fast path left behind.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/angelmondragon/stayledger/internal/uow"
	"github.com/angelmondragon/stayledger/pkg/config"
	"github.com/angelmondragon/stayledger/pkg/db"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	"github.com/angelmondragon/stayledger/pkg/enums"
	"github.com/angelmondragon/stayledger/pkg/eventbus"
	"github.com/angelmondragon/stayledger/pkg/logger"
	"github.com/angelmondragon/stayledger/pkg/metrics"
	"github.com/angelmondragon/stayledger/pkg/outbox"
	"github.com/angelmondragon/stayledger/pkg/outbox/registry"
)

const (
	tracerName         = "github.com/angelmondragon/stayledger/internal/publisher"
	defaultMaxAttempts = 10
	markTimeout        = 5 * time.Second
)

type outboxRepository interface {
	FetchUnpublishedForPublish(tx *gorm.DB, createdBefore time.Time, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID, attempts int) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, attempts int, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

// Claimer hands out short-lived delivery claims. *idempotency.Manager
// satisfies it.
type Claimer interface {
	Claim(ctx context.Context, publisher string, eventID uuid.UUID) (bool, error)
	Release(ctx context.Context, publisher string, eventID uuid.UUID) error
}

// RetryPolicy bounds in-process publish retries for one delivery.
type RetryPolicy struct {
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func PolicyFromConfig(cfg config.OutboxConfig) RetryPolicy {
	return RetryPolicy{
		Retries:   cfg.PublishRetries,
		BaseDelay: cfg.PublishBaseDelay,
		MaxDelay:  cfg.PublishMaxDelay,
	}
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	b := retry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	b = retry.WithJitterPercent(20, b)
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	return retry.WithMaxRetries(uint64(retries), b)
}

type Params struct {
	Name        string
	Runner      uow.Runner
	Repository  outboxRepository
	DLQ         dlqRepository
	Registry    registryResolver
	Bus         eventbus.Bus
	Claims      Claimer
	Retry       RetryPolicy
	MaxAttempts int
	Metrics     *metrics.PublisherMetrics
	Logger      *logger.Logger
	Tracer      trace.Tracer
}

// Publisher performs one delivery of an outbox row: resolve, publish with
// bounded retries, then mark the row published or park it in the DLQ.
type Publisher struct {
	name        string
	runner      uow.Runner
	repo        outboxRepository
	dlq         dlqRepository
	registry    registryResolver
	bus         eventbus.Bus
	claims      Claimer
	retry       RetryPolicy
	maxAttempts int
	metrics     *metrics.PublisherMetrics
	logg        *logger.Logger
	tracer      trace.Tracer
}

func New(params Params) (*Publisher, error) {
	if params.Runner == nil {
		return nil, errors.New("transaction runner is required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if params.DLQ == nil {
		return nil, errors.New("dlq repository is required")
	}
	if params.Registry == nil {
		return nil, errors.New("event registry is required")
	}
	if params.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	name := params.Name
	if name == "" {
		name = params.Bus.Name()
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	tracer := params.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Publisher{
		name:        name,
		runner:      params.Runner,
		repo:        params.Repository,
		dlq:         params.DLQ,
		registry:    params.Registry,
		bus:         params.Bus,
		claims:      params.Claims,
		retry:       params.Retry,
		maxAttempts: maxAttempts,
		metrics:     params.Metrics,
		logg:        params.Logger,
		tracer:      tracer,
	}, nil
}

// Deliver publishes one committed outbox row using its own connections.
func (p *Publisher) Deliver(ctx context.Context, event models.OutboxEvent) error {
	_, err := p.deliver(ctx, nil, event)
	return err
}

// deliver publishes event. When tx is non-nil all bookkeeping goes through it,
// which the relay needs because it holds row locks on the batch. skipped is
// true when another path owns the delivery claim.
func (p *Publisher) deliver(ctx context.Context, tx *gorm.DB, event models.OutboxEvent) (skipped bool, err error) {
	ctx, span := p.tracer.Start(ctx, "outbox.deliver", trace.WithAttributes(
		attribute.String("outbox.id", event.ID.String()),
		attribute.String("event.type", string(event.EventType)),
	))
	defer span.End()

	if p.claims != nil {
		owned, err := p.claims.Claim(ctx, p.name, event.ID)
		if err != nil {
			p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "delivery claim unavailable, publishing unclaimed")
		} else if !owned {
			p.metrics.Inc(metrics.PublishSkipped)
			span.SetAttributes(attribute.Bool("outbox.skipped", true))
			return true, nil
		} else {
			defer func() {
				if err := p.claims.Release(context.WithoutCancel(ctx), p.name, event.ID); err != nil {
					p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "delivery claim release failed")
				}
			}()
		}
	}

	resolved, resolveErr := p.registry.Resolve(event)
	if resolveErr != nil {
		span.RecordError(resolveErr)
		span.SetStatus(codes.Error, "resolve failed")
		return false, p.park(ctx, tx, event, enums.OutboxDLQReasonNonRetryable, resolveErr, 0, nil)
	}

	topic := resolved.Descriptor.Topic
	fields := eventFields(event, resolved.Envelope, topic)
	msg := eventbus.Message{
		Topic: topic,
		Key:   event.AggregateID.String(),
		Data:  event.Payload,
		Attributes: map[string]string{
			"event_id":       resolved.Envelope.EventID,
			"event_type":     string(event.EventType),
			"aggregate_type": string(event.AggregateType),
			"aggregate_id":   event.AggregateID.String(),
			"correlation_id": resolved.Payload.CorrelationID,
			"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
		},
	}

	attempts := 0
	publishErr := retry.Do(ctx, p.retry.backoff(), func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			p.metrics.Inc(metrics.PublishRetried)
		}
		err := p.bus.Publish(ctx, msg)
		if err == nil {
			return nil
		}
		var nonRetry registry.NonRetryableError
		if errors.As(err, &nonRetry) {
			return err
		}
		return retry.RetryableError(err)
	})

	if publishErr == nil {
		if err := p.withTx(ctx, tx, func(conn *gorm.DB) error {
			return p.repo.MarkPublishedTx(conn, event.ID, attempts)
		}); err != nil {
			span.RecordError(err)
			return false, fmt.Errorf("mark published %s: %w", event.ID, err)
		}
		p.metrics.Inc(metrics.PublishDelivered)
		fields["attempts"] = attempts
		p.logg.Debug(p.logg.WithFields(ctx, fields), "outbox event published")
		span.SetStatus(codes.Ok, "")
		return false, nil
	}

	span.RecordError(publishErr)
	span.SetStatus(codes.Error, "publish failed")

	var nonRetry registry.NonRetryableError
	if errors.As(publishErr, &nonRetry) {
		return false, p.park(ctx, tx, event, enums.OutboxDLQReasonNonRetryable, publishErr, attempts, fields)
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the budget: record progress and leave the row
		// for the relay.
		markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
		defer cancel()
		if err := p.withTx(markCtx, tx, func(conn *gorm.DB) error {
			return p.repo.MarkFailedTx(conn, event.ID, attempts, publishErr)
		}); err != nil {
			return false, fmt.Errorf("mark failure %s: %w", event.ID, err)
		}
		return false, ctx.Err()
	}

	reason := enums.OutboxDLQReasonRetryBudget
	if event.AttemptCount+attempts >= p.maxAttempts {
		reason = enums.OutboxDLQReasonMaxAttempts
	}
	return false, p.park(ctx, tx, event, reason, fmt.Errorf("publish retries exhausted after %d attempts: %w", attempts, publishErr), attempts, fields)
}

// park moves the event to the DLQ and takes the outbox row out of rotation.
func (p *Publisher) park(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error, attempts int, fields map[string]any) error {
	if fields == nil {
		fields = eventFields(event, outbox.PayloadEnvelope{}, event.Topic)
	}
	fields["error_reason"] = reason
	fields["attempt_count"] = event.AttemptCount + attempts
	logCtx := p.logg.WithField(p.logg.WithFields(ctx, fields), "error", cause.Error())
	p.logg.Warn(logCtx, "outbox event dead-lettered")

	topic := event.Topic
	if t, ok := fields["topic"].(string); ok && t != "" {
		topic = t
	}
	entry := models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Topic:         topic,
		Payload:       event.Payload,
		ErrorReason:   reason,
		ErrorMessage:  dlqErrorMessage(cause),
		AttemptCount:  event.AttemptCount + attempts,
		FailedAt:      time.Now().UTC(),
	}
	err := p.withTx(ctx, tx, func(conn *gorm.DB) error {
		if err := p.dlq.InsertTx(conn, entry); err != nil {
			return fmt.Errorf("insert dlq %s: %w", event.ID, err)
		}
		if err := p.repo.MarkTerminalTx(conn, event.ID, cause, p.maxAttempts); err != nil {
			return fmt.Errorf("mark terminal %s: %w", event.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.metrics.Inc(metrics.PublishParked)
	return nil
}

func (p *Publisher) withTx(ctx context.Context, tx *gorm.DB, fn func(conn *gorm.DB) error) error {
	if tx != nil {
		return fn(tx)
	}
	return p.runner.InTx(ctx, func(t *db.Tx) error {
		return fn(t.DB())
	})
}

func dlqErrorMessage(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}

func eventFields(event models.OutboxEvent, envelope outbox.PayloadEnvelope, topic string) map[string]any {
	fields := map[string]any{
		"outbox_id":      event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID.String(),
		"attempt_count":  event.AttemptCount,
	}
	if envelope.EventID != "" {
		fields["event_id"] = envelope.EventID
		fields["occurred_at"] = envelope.OccurredAt.Format(time.RFC3339Nano)
	}
	if topic != "" {
		fields["topic"] = topic
	}
	if event.LastError != nil {
		fields["last_error"] = *event.LastError
	}
	return fields
}

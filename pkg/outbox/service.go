package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stayledger/pkg/db/models"
	"github.com/angelmondragon/stayledger/pkg/enums"
	"github.com/angelmondragon/stayledger/pkg/logger"
)

// Route names the aggregate and topic an event type is published under.
type Route struct {
	AggregateType enums.OutboxAggregateType
	Topic         string
}

// Router resolves routes for event types.
type Router interface {
	Route(eventType enums.InventoryEventType) (Route, error)
}

type Service struct {
	repo   *Repository
	router Router
	logg   *logger.Logger
}

func NewService(repo *Repository, router Router, logg *logger.Logger) *Service {
	return &Service{repo: repo, router: router, logg: logg}
}

// Emit writes the outbox row for a journal entry inside the caller's transaction.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, entry *models.InventoryEvent, aggregateID uuid.UUID) (*models.OutboxEvent, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	if entry == nil || entry.ID == uuid.Nil {
		return nil, errors.New("journal entry must be persisted before emit")
	}
	route, err := s.router.Route(entry.EventType)
	if err != nil {
		return nil, err
	}

	occurredAt := entry.CreatedAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	envelope := PayloadEnvelope{
		Version:    envelopeVersion,
		EventID:    entry.ID.String(),
		OccurredAt: occurredAt,
		Data:       entry.Payload,
	}
	payloadJSON, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}

	row := &models.OutboxEvent{
		JournalID:     entry.ID,
		EventType:     entry.EventType,
		AggregateType: route.AggregateType,
		AggregateID:   aggregateID,
		Topic:         route.Topic,
		Payload:       json.RawMessage(payloadJSON),
	}
	if err := s.repo.Insert(tx.WithContext(ctx), row); err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"event_id":       envelope.EventID,
			"event_type":     entry.EventType,
			"aggregate_type": route.AggregateType,
			"topic":          route.Topic,
		})
		s.logg.Debug(logCtx, "outbox event queued")
	}
	return row, nil
}

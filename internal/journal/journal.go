package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stayledger/internal/ledger"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	"github.com/angelmondragon/stayledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/stayledger/pkg/errors"
	"github.com/angelmondragon/stayledger/pkg/outbox/payloads"
)

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, entry *models.InventoryEvent, aggregateID uuid.UUID) (*models.OutboxEvent, error)
}

// Journal is the transactional record of what happened. Every mutation writes
// exactly one entry per stay date, paired with its outbox row.
type Journal struct {
	repo   Repository
	outbox outboxEmitter
}

// Recorded is a committed-to-be entry and its delivery row.
type Recorded struct {
	Entry  *models.InventoryEvent
	Outbox *models.OutboxEvent
}

func New(repo Repository, outbox outboxEmitter) (*Journal, error) {
	if repo == nil {
		return nil, fmt.Errorf("journal repository required")
	}
	if outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	return &Journal{repo: repo, outbox: outbox}, nil
}

// Prior looks up the idempotency key. It returns the recorded entry when the
// same operation already ran, nil when the key is unused, and
// IDEMPOTENCY_KEY_REUSED when the key belongs to a different operation.
func (j *Journal) Prior(ctx context.Context, tx *gorm.DB, eventType enums.InventoryEventType, correlationID string, stayDate time.Time) (*models.InventoryEvent, error) {
	entry, err := j.repo.WithTx(tx).FindByKey(ctx, correlationID, stayDate)
	if err != nil || entry == nil {
		return nil, err
	}
	if entry.EventType != eventType {
		return nil, pkgerrors.New(pkgerrors.CodeIdempotency, "correlation id already used for a different operation").WithDetails(map[string]any{
			"correlation_id": correlationID,
			"stay_date":      ledger.FormatDay(stayDate),
			"recorded_type":  entry.EventType,
		})
	}
	return entry, nil
}

// Record validates the payload and appends the entry plus its outbox row in tx.
func (j *Journal) Record(ctx context.Context, tx *gorm.DB, payload payloads.InventoryEvent, aggregateID uuid.UUID) (*Recorded, error) {
	built, err := payloads.New(payload)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "invalid journal payload")
	}
	data, err := json.Marshal(built)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode journal payload")
	}
	stayDate, _ := ledger.ParseDay(built.StayDate)

	entry := &models.InventoryEvent{
		EventType:          built.EventType,
		CorrelationID:      built.CorrelationID,
		StayDate:           stayDate,
		PropertyID:         built.PropertyID,
		RoomTypeID:         built.RoomTypeID,
		Delta:              built.Delta,
		ResultingAvailable: built.ResultingAvailableCount,
		Payload:            data,
		CreatedAt:          built.OccurredAt,
	}
	if err := j.repo.WithTx(tx).Append(ctx, entry); err != nil {
		return nil, err
	}

	row, err := j.outbox.Emit(ctx, tx, entry, aggregateID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit outbox row")
	}
	return &Recorded{Entry: entry, Outbox: row}, nil
}

// Decode returns the typed payload of a recorded entry.
func Decode(entry models.InventoryEvent) (payloads.InventoryEvent, error) {
	var payload payloads.InventoryEvent
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return payloads.InventoryEvent{}, fmt.Errorf("decode journal payload %s: %w", entry.ID, err)
	}
	return payload, nil
}

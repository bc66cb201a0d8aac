package journal

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/stayledger/internal/ledger"
	"github.com/angelmondragon/stayledger/pkg/db"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/stayledger/pkg/errors"
)

const idempotencyConstraint = "ux_inventory_events_correlation_date"

// Repository persists journal entries. Entries are append-only: there is no
// update or delete.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Append(ctx context.Context, entry *models.InventoryEvent) error
	FindByKey(ctx context.Context, correlationID string, stayDate time.Time) (*models.InventoryEvent, error)
	ListByCorrelation(ctx context.Context, correlationID string) ([]models.InventoryEvent, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a journal repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Append inserts the entry. A concurrent writer that recorded the same
// idempotency key first surfaces as LockContention so the whole unit of work
// is retried and then observes the recorded entry.
func (r *repository) Append(ctx context.Context, entry *models.InventoryEvent) error {
	entry.StayDate = ledger.Day(entry.StayDate)
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		if db.IsUniqueViolation(err, idempotencyConstraint) {
			return pkgerrors.Wrap(pkgerrors.CodeLockContention, err, "idempotency key recorded concurrently")
		}
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "append journal entry")
	}
	return nil
}

// FindByKey returns nil when no entry exists for the key.
func (r *repository) FindByKey(ctx context.Context, correlationID string, stayDate time.Time) (*models.InventoryEvent, error) {
	var entry models.InventoryEvent
	err := r.db.WithContext(ctx).
		Where("correlation_id = ? AND stay_date = ?", correlationID, ledger.Day(stayDate)).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load journal entry")
	}
	return &entry, nil
}

func (r *repository) ListByCorrelation(ctx context.Context, correlationID string) ([]models.InventoryEvent, error) {
	var entries []models.InventoryEvent
	if err := r.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("stay_date ASC").
		Find(&entries).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list journal entries")
	}
	return entries, nil
}

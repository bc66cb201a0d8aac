package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/stayledger/pkg/db"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/stayledger/pkg/errors"
)

// LockCoordinator takes exclusive, non-blocking row locks scoped to a
// transaction. A row already locked by another transaction fails immediately
// with LockContention; retrying is the caller's concern.
type LockCoordinator struct{}

func NewLockCoordinator() *LockCoordinator {
	return &LockCoordinator{}
}

// Acquire locks and returns the ledger row for key.
func (c *LockCoordinator) Acquire(ctx context.Context, tx *db.Tx, key Key) (*models.AvailabilityLedger, error) {
	query := tx.DB().WithContext(ctx)
	// sqlite serialises writers on its own and has no row locks.
	if tx.Dialect() != db.DialectSQLite {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "NOWAIT"})
	}

	var row models.AvailabilityLedger
	err := query.
		Where("property_id = ? AND room_type_id = ? AND stay_date = ?", key.PropertyID, key.RoomTypeID, Day(key.StayDate)).
		First(&row).Error
	if err != nil {
		if db.IsLockNotAvailable(err) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeLockContention, err, "ledger row locked").WithDetails(map[string]any{
				"stay_date": FormatDay(key.StayDate),
			})
		}
		return nil, mapFindError(err, key)
	}
	return &row, nil
}

// AcquireRange locks every row in the inclusive range in ascending date order.
// Every stay date must already be loaded.
func (c *LockCoordinator) AcquireRange(ctx context.Context, tx *db.Tx, propertyID, roomTypeID uuid.UUID, start, end time.Time) ([]*models.AvailabilityLedger, error) {
	dates := Dates(start, end)
	rows := make([]*models.AvailabilityLedger, 0, len(dates))
	for _, day := range dates {
		row, err := c.Acquire(ctx, tx, Key{PropertyID: propertyID, RoomTypeID: roomTypeID, StayDate: day})
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

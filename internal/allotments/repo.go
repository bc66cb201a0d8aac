package allotments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/stayledger/internal/ledger"
	"github.com/angelmondragon/stayledger/pkg/db"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/stayledger/pkg/errors"
)

// BlockRef names an allotment block.
type BlockRef struct {
	Code       string    `json:"code" validate:"required,max=64"`
	PropertyID uuid.UUID `json:"property_id" validate:"required"`
	RoomTypeID uuid.UUID `json:"room_type_id" validate:"required"`
}

// Repository persists allotment block rows.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	InsertBlock(ctx context.Context, rows []models.Allotment) error
	List(ctx context.Context, ref BlockRef) ([]models.Allotment, error)
	// Lock takes NOWAIT row locks on the block dates in [start, end]. Zero
	// start and end lock the whole block.
	Lock(ctx context.Context, ref BlockRef, start, end time.Time) ([]*models.Allotment, error)
	Update(ctx context.Context, row *models.Allotment) error
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) InsertBlock(ctx context.Context, rows []models.Allotment) error {
	if len(rows) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&rows).Error; err != nil {
		if db.IsUniqueViolation(err, "ux_allotments_block_date") {
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "allotment block already covers stay date")
		}
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "insert allotment block")
	}
	return nil
}

func (r *repository) List(ctx context.Context, ref BlockRef) ([]models.Allotment, error) {
	var rows []models.Allotment
	if err := r.scope(r.db.WithContext(ctx), ref).Order("stay_date ASC").Find(&rows).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list allotment block")
	}
	return rows, nil
}

func (r *repository) Lock(ctx context.Context, ref BlockRef, start, end time.Time) ([]*models.Allotment, error) {
	query := r.scope(r.db.WithContext(ctx), ref)
	if r.db.Dialector.Name() != db.DialectSQLite {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "NOWAIT"})
	}
	whole := start.IsZero() && end.IsZero()
	if !whole {
		query = query.Where("stay_date >= ? AND stay_date <= ?", ledger.Day(start), ledger.Day(end))
	}

	var rows []*models.Allotment
	if err := query.Order("stay_date ASC").Find(&rows).Error; err != nil {
		if db.IsLockNotAvailable(err) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeLockContention, err, "allotment block locked")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock allotment block")
	}
	if len(rows) == 0 || (!whole && len(rows) != len(ledger.Dates(start, end))) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "allotment block does not cover the requested dates").WithDetails(map[string]any{
			"code": ref.Code,
		})
	}
	return rows, nil
}

// Update persists the row guarded by its version and bumps it.
func (r *repository) Update(ctx context.Context, row *models.Allotment) error {
	next := row.Version + 1
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&models.Allotment{}).
		Where("id = ? AND version = ?", row.ID, row.Version).
		Updates(map[string]any{
			"allotment_type":  row.Type,
			"total_rooms":     row.TotalRooms,
			"picked_up_rooms": row.PickedUpRooms,
			"version":         next,
			"updated_at":      now,
		})
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, res.Error, "update allotment")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeLockContention, "allotment row version changed")
	}
	row.Version = next
	row.UpdatedAt = now
	return nil
}

func (r *repository) scope(q *gorm.DB, ref BlockRef) *gorm.DB {
	return q.Where("code = ? AND property_id = ? AND room_type_id = ?", ref.Code, ref.PropertyID, ref.RoomTypeID)
}

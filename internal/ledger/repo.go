package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/stayledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/stayledger/pkg/errors"
)

// ErrVersionConflict means the row moved between read and write.
var ErrVersionConflict = pkgerrors.New(pkgerrors.CodeLockContention, "ledger row version changed")

// Stamp is a ledger key at the row version a mutation committed.
type Stamp struct {
	Key
	Version int64
}

func StampOf(row *models.AvailabilityLedger) Stamp {
	return Stamp{
		Key:     Key{PropertyID: row.PropertyID, RoomTypeID: row.RoomTypeID, StayDate: Day(row.StayDate)},
		Version: row.Version,
	}
}

// Repository manages persistence for availability ledger rows.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Find(ctx context.Context, key Key) (*models.AvailabilityLedger, error)
	ListRange(ctx context.Context, propertyID, roomTypeID uuid.UUID, start, end time.Time) ([]models.AvailabilityLedger, error)
	InsertIfAbsent(ctx context.Context, row *models.AvailabilityLedger) (bool, error)
	UpdateCounters(ctx context.Context, row *models.AvailabilityLedger) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Find(ctx context.Context, key Key) (*models.AvailabilityLedger, error) {
	var row models.AvailabilityLedger
	err := r.db.WithContext(ctx).
		Where("property_id = ? AND room_type_id = ? AND stay_date = ?", key.PropertyID, key.RoomTypeID, Day(key.StayDate)).
		First(&row).Error
	if err != nil {
		return nil, mapFindError(err, key)
	}
	return &row, nil
}

func (r *repository) ListRange(ctx context.Context, propertyID, roomTypeID uuid.UUID, start, end time.Time) ([]models.AvailabilityLedger, error) {
	var rows []models.AvailabilityLedger
	if err := r.db.WithContext(ctx).
		Where("property_id = ? AND room_type_id = ? AND stay_date >= ? AND stay_date <= ?", propertyID, roomTypeID, Day(start), Day(end)).
		Order("stay_date ASC").
		Find(&rows).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list ledger rows")
	}
	return rows, nil
}

// InsertIfAbsent creates the row unless its key already exists and reports whether it did.
func (r *repository) InsertIfAbsent(ctx context.Context, row *models.AvailabilityLedger) (bool, error) {
	row.StayDate = Day(row.StayDate)
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "property_id"}, {Name: "room_type_id"}, {Name: "stay_date"}},
			DoNothing: true,
		}).
		Create(row)
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, res.Error, "insert ledger row")
	}
	return res.RowsAffected == 1, nil
}

// UpdateCounters persists the row counters guarded by its current version and
// bumps the version on success.
func (r *repository) UpdateCounters(ctx context.Context, row *models.AvailabilityLedger) error {
	next := row.Version + 1
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&models.AvailabilityLedger{}).
		Where("id = ? AND version = ?", row.ID, row.Version).
		Updates(map[string]any{
			"physical_count":     row.PhysicalCount,
			"sold_count":         row.SoldCount,
			"held_count":         row.HeldCount,
			"out_of_order_count": row.OutOfOrderCount,
			"overbooking_limit":  row.OverbookingLimit,
			"version":            next,
			"updated_at":         now,
		})
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, res.Error, "update ledger row")
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	row.Version = next
	row.UpdatedAt = now
	return nil
}

func mapFindError(err error, key Key) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "inventory not loaded for stay date").WithDetails(map[string]any{
			"property_id":  key.PropertyID,
			"room_type_id": key.RoomTypeID,
			"stay_date":    FormatDay(key.StayDate),
		})
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load ledger row")
}

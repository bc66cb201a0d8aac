package holds

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stayledger/pkg/db"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/stayledger/pkg/errors"
)

// Repository persists holds.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, hold *models.Hold) error
	FindByReference(ctx context.Context, referenceID string) (*models.Hold, error)
	MarkReleased(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Hold, error)
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

func (r *repository) Insert(ctx context.Context, hold *models.Hold) error {
	if err := r.db.WithContext(ctx).Create(hold).Error; err != nil {
		if db.IsUniqueViolation(err, "ux_inventory_holds_reference") {
			// Another transaction created the hold first; the retry replays it.
			return pkgerrors.Wrap(pkgerrors.CodeLockContention, err, "hold reference taken concurrently")
		}
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "insert hold")
	}
	return nil
}

// FindByReference returns nil, nil when no hold carries the reference.
func (r *repository) FindByReference(ctx context.Context, referenceID string) (*models.Hold, error) {
	var hold models.Hold
	err := r.db.WithContext(ctx).Where("reference_id = ?", referenceID).First(&hold).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load hold")
	}
	return &hold, nil
}

// MarkReleased sets released_at once. It reports false when the hold was
// already released.
func (r *repository) MarkReleased(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Hold{}).
		Where("id = ? AND released_at IS NULL", id).
		Updates(map[string]any{"released_at": at, "updated_at": at})
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, res.Error, "release hold")
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Hold, error) {
	if limit <= 0 {
		limit = 100
	}
	var holds []models.Hold
	if err := r.db.WithContext(ctx).
		Where("released_at IS NULL AND expires_at < ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&holds).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list expired holds")
	}
	return holds, nil
}

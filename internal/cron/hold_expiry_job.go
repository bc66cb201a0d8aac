package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/stayledger/internal/holds"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	"github.com/angelmondragon/stayledger/pkg/logger"
)

const (
	defaultHoldSweepBatch = 200
	maxHoldSweepPasses    = 20
)

// holdReleaser is the public hold surface of the inventory service.
type holdReleaser interface {
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Hold, error)
	ReleaseHold(ctx context.Context, referenceID string) (*holds.ReleaseResult, error)
}

type HoldExpiryJobParams struct {
	Logger    *logger.Logger
	Inventory holdReleaser
	BatchSize int
}

func NewHoldExpiryJob(params HoldExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Inventory == nil {
		return nil, fmt.Errorf("inventory service required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultHoldSweepBatch
	}
	return &holdExpiryJob{
		logg:      params.Logger,
		inventory: params.Inventory,
		batch:     batch,
		now:       time.Now,
	}, nil
}

type holdExpiryJob struct {
	logg      *logger.Logger
	inventory holdReleaser
	batch     int
	now       func() time.Time
}

func (j *holdExpiryJob) Name() string { return "hold-expiry" }

// Run releases every hold whose TTL elapsed. A pass that hits failures stops
// the sweep so the failing holds are retried next cycle instead of looping.
func (j *holdExpiryJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	var (
		released int
		skipped  int
		errs     error
	)
	for pass := 0; pass < maxHoldSweepPasses; pass++ {
		expired, err := j.inventory.ListExpiredHolds(ctx, now, j.batch)
		if err != nil {
			return fmt.Errorf("list expired holds: %w", err)
		}
		failed := 0
		for _, hold := range expired {
			holdCtx := j.logg.WithReferenceID(ctx, hold.ReferenceID)
			res, err := j.inventory.ReleaseHold(holdCtx, hold.ReferenceID)
			if err != nil {
				failed++
				errs = multierr.Append(errs, fmt.Errorf("release hold %s: %w", hold.ReferenceID, err))
				continue
			}
			if res != nil && res.AlreadyReleased {
				skipped++
				continue
			}
			released++
		}
		if failed > 0 || len(expired) < j.batch {
			break
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"holds_released": released,
		"holds_skipped":  skipped,
		"holds_failed":   len(multierr.Errors(errs)),
		"expired_before": now,
	})
	if released > 0 || errs != nil {
		j.logg.Info(logCtx, "hold expiry sweep complete")
	}
	return errs
}

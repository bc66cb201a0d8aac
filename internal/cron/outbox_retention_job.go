package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/stayledger/pkg/logger"
)

const (
	defaultRetentionDays  = 30
	defaultRetentionBatch = 500
	maxRetentionBatches   = 100
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type publishedPruner interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) (int64, error)
}

type OutboxRetentionJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Repository publishedPruner
	Retention  int
	BatchSize  int
	Clock      func() time.Time
}

func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	job := &outboxRetentionJob{
		logg:  params.Logger,
		db:    params.DB,
		repo:  params.Repository,
		keep:  time.Duration(defaultRetentionDays) * 24 * time.Hour,
		batch: defaultRetentionBatch,
		clock: time.Now,
	}
	if params.Retention > 0 {
		job.keep = time.Duration(params.Retention) * 24 * time.Hour
	}
	if params.BatchSize > 0 {
		job.batch = params.BatchSize
	}
	if params.Clock != nil {
		job.clock = params.Clock
	}
	return job, nil
}

// outboxRetentionJob prunes delivered outbox rows in short transactions so
// the relay's row locks are never held behind one large delete. The journal
// is the permanent record and is never pruned.
type outboxRetentionJob struct {
	logg  *logger.Logger
	db    txRunner
	repo  publishedPruner
	keep  time.Duration
	batch int
	clock func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.clock().UTC().Add(-j.keep)
	var total int64
	batches := 0
	for batches < maxRetentionBatches {
		if err := ctx.Err(); err != nil {
			return err
		}
		var deleted int64
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			rows, err := j.repo.DeletePublishedBefore(ctx, tx, cutoff, j.batch)
			deleted = rows
			return err
		})
		if err != nil {
			return fmt.Errorf("outbox retention batch %d: %w", batches+1, err)
		}
		batches++
		total += deleted
		if deleted < int64(j.batch) {
			break
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"batches":      batches,
		"rows_deleted": total,
	})
	j.logg.Info(logCtx, "outbox retention cleanup complete")
	return nil
}

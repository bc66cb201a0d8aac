package cron

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/stayledger/pkg/db/models"
	"github.com/angelmondragon/stayledger/pkg/logger"
)

const defaultRedriveBatch = 100

type dlqStore interface {
	ListRedriveRequested(ctx context.Context, limit int) ([]models.OutboxDLQ, error)
	DeleteTx(tx *gorm.DB, id uuid.UUID) error
}

type outboxRequeuer interface {
	RequeueTx(tx *gorm.DB, id uuid.UUID) error
}

type DLQRedriveJobParams struct {
	Logger    *logger.Logger
	DB        txRunner
	DLQ       dlqStore
	Outbox    outboxRequeuer
	BatchSize int
}

func NewDLQRedriveJob(params DLQRedriveJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.DLQ == nil {
		return nil, fmt.Errorf("dlq repository required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultRedriveBatch
	}
	return &dlqRedriveJob{
		logg:   params.Logger,
		db:     params.DB,
		dlq:    params.DLQ,
		outbox: params.Outbox,
		batch:  batch,
	}, nil
}

// dlqRedriveJob hands parked events flagged for redrive back to the relay by
// resetting their outbox attempt budget.
type dlqRedriveJob struct {
	logg   *logger.Logger
	db     txRunner
	dlq    dlqStore
	outbox outboxRequeuer
	batch  int
}

func (j *dlqRedriveJob) Name() string { return "dlq-redrive" }

func (j *dlqRedriveJob) Run(ctx context.Context) error {
	entries, err := j.dlq.ListRedriveRequested(ctx, j.batch)
	if err != nil {
		return fmt.Errorf("list redrive requests: %w", err)
	}
	var (
		requeued int
		errs     error
	)
	for _, entry := range entries {
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			if err := j.outbox.RequeueTx(tx, entry.EventID); err != nil {
				return err
			}
			return j.dlq.DeleteTx(tx, entry.ID)
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("redrive %s: %w", entry.EventID, err))
			continue
		}
		requeued++
	}
	if len(entries) > 0 {
		logCtx := j.logg.WithFields(ctx, map[string]any{
			"requested": len(entries),
			"requeued":  requeued,
		})
		j.logg.Info(logCtx, "dlq redrive complete")
	}
	return errs
}

package uow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"github.com/angelmondragon/stayledger/internal/ledger"
	"github.com/angelmondragon/stayledger/pkg/config"
	"github.com/angelmondragon/stayledger/pkg/db"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/stayledger/pkg/errors"
	"github.com/angelmondragon/stayledger/pkg/logger"
	"github.com/angelmondragon/stayledger/pkg/metrics"
)

// Runner opens scoped transactions. *db.Client satisfies it.
type Runner interface {
	InTx(ctx context.Context, fn func(tx *db.Tx) error) error
}

// Dispatcher receives outbox rows once their transaction has committed.
type Dispatcher interface {
	Enqueue(ctx context.Context, events ...models.OutboxEvent)
}

// Invalidator retires cached point snapshots older than the committed rows.
type Invalidator interface {
	InvalidatePoints(ctx context.Context, stamps []ledger.Stamp)
}

// RetryPolicy bounds how often a unit of work is re-run after lock contention.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    time.Duration
}

func PolicyFromConfig(cfg config.InventoryConfig) RetryPolicy {
	return RetryPolicy{
		Attempts:  cfg.LockRetryAttempts,
		BaseDelay: cfg.LockRetryBaseDelay,
		MaxDelay:  cfg.LockRetryMaxDelay,
		Jitter:    cfg.LockRetryJitter,
	}
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = 10 * time.Millisecond
	}
	b := retry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	if p.Jitter > 0 {
		b = retry.WithJitter(p.Jitter, b)
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

type Options struct {
	Retry      RetryPolicy
	Dispatcher Dispatcher
	Cache      Invalidator
	Metrics    *metrics.InventoryMetrics
	Logger     *logger.Logger
}

// Executor runs units of work in a scoped transaction, re-runs them on lock
// contention and, after commit only, hands emitted events to the dispatcher
// and drops the touched cache keys.
type Executor struct {
	runner     Runner
	retry      RetryPolicy
	dispatcher Dispatcher
	cache      Invalidator
	metrics    *metrics.InventoryMetrics
	logg       *logger.Logger
}

func NewExecutor(runner Runner, opts Options) (*Executor, error) {
	if runner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &Executor{
		runner:     runner,
		retry:      opts.Retry,
		dispatcher: opts.Dispatcher,
		cache:      opts.Cache,
		metrics:    opts.Metrics,
		logg:       opts.Logger,
	}, nil
}

// Work is the state of one transaction attempt.
type Work struct {
	tx      *db.Tx
	touched []ledger.Stamp
	events  []models.OutboxEvent
}

func (w *Work) Tx() *db.Tx { return w.tx }

func (w *Work) DB() *gorm.DB { return w.tx.DB() }

// Touch marks rows whose cached snapshots must be retired after commit. Call
// it once the row carries its new version.
func (w *Work) Touch(rows ...*models.AvailabilityLedger) {
	for _, row := range rows {
		w.touched = append(w.touched, ledger.StampOf(row))
	}
}

// Emitted queues outbox rows for post-commit dispatch.
func (w *Work) Emitted(events ...*models.OutboxEvent) {
	for _, event := range events {
		if event != nil {
			w.events = append(w.events, *event)
		}
	}
}

// Run executes fn. LockContention is retried with capped exponential backoff
// and jitter; when attempts run out the caller gets BUSY. Every other error is
// returned as is after the transaction rolled back.
func (e *Executor) Run(ctx context.Context, operation string, fn func(ctx context.Context, w *Work) error) error {
	attempt := 0
	err := retry.Do(ctx, e.retry.backoff(), func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			e.metrics.IncLockRetry(operation)
		}
		err := e.runner.InTx(ctx, func(tx *db.Tx) error {
			w := &Work{tx: tx}
			if err := fn(ctx, w); err != nil {
				return err
			}
			tx.AfterCommit(func(ctx context.Context) {
				e.afterCommit(ctx, w)
			})
			return nil
		})
		if IsContention(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if IsContention(err) {
		if e.logg != nil {
			logCtx := e.logg.WithFields(ctx, map[string]any{"operation": operation, "attempts": attempt})
			e.logg.Warn(logCtx, "lock retries exhausted")
		}
		return pkgerrors.Wrap(pkgerrors.CodeBusy, err, "inventory busy, retry later").WithDetails(map[string]any{
			"attempts": attempt,
		})
	}
	if e.logg != nil && !isDomainError(err) {
		logCtx := e.logg.WithFields(ctx, pkgerrors.Dump(err).Fields())
		e.logg.Error(e.logg.WithField(logCtx, "operation", operation), "unit of work failed", err)
	}
	return err
}

// isDomainError reports errors that already carry a caller-facing code.
func isDomainError(err error) bool {
	te := pkgerrors.As(err)
	return te != nil && te.Code() != pkgerrors.CodeInternal
}

func (e *Executor) afterCommit(ctx context.Context, w *Work) {
	if e.cache != nil && len(w.touched) > 0 {
		e.cache.InvalidatePoints(ctx, w.touched)
	}
	if e.dispatcher != nil && len(w.events) > 0 {
		e.dispatcher.Enqueue(ctx, w.events...)
	}
}

// IsContention reports whether err means a row was owned by another
// transaction or moved underneath this one.
func IsContention(err error) bool {
	if err == nil {
		return false
	}
	if pkgerrors.IsCode(err, pkgerrors.CodeLockContention) {
		return true
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if db.IsLockNotAvailable(e) {
			return true
		}
	}
	return false
}

// Outcome maps an operation result to its metric label.
func Outcome(err error) string {
	if err == nil {
		return metrics.OutcomeSuccess
	}
	switch pkgerrors.As(err).Code() {
	case pkgerrors.CodeInsufficientInventory:
		return metrics.OutcomeInsufficient
	case pkgerrors.CodeBusy:
		return metrics.OutcomeBusy
	case pkgerrors.CodeValidation, pkgerrors.CodeNotFound, pkgerrors.CodeConflict, pkgerrors.CodeIdempotency:
		return metrics.OutcomeRejected
	}
	return metrics.OutcomeError
}

package publisher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/angelmondragon/stayledger/internal/uow"
	"github.com/angelmondragon/stayledger/pkg/config"
	"github.com/angelmondragon/stayledger/pkg/db"
	"github.com/angelmondragon/stayledger/pkg/logger"
)

const (
	defaultBatchSize = 50
	defaultPollMs    = 500
	maxBackoff       = 10 * time.Second
	jitterWindow     = 250 * time.Millisecond
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

// Pinger is a dependency checked before the relay starts.
type Pinger interface {
	Ping(context.Context) error
}

type RelayParams struct {
	Config     config.OutboxConfig
	Logger     *logger.Logger
	Runner     uow.Runner
	Repository outboxRepository
	Publisher  *Publisher
	Pingers    map[string]Pinger
	Clock      func() time.Time
}

// Relay polls for rows the dispatcher never delivered (crash, full queue,
// interrupted retries) and re-drives them through the Publisher.
type Relay struct {
	logg         *logger.Logger
	runner       uow.Runner
	repo         outboxRepository
	publisher    *Publisher
	pingers      map[string]Pinger
	clock        func() time.Time
	batchSize    int
	maxAttempts  int
	grace        time.Duration
	pollInterval time.Duration
}

func NewRelay(params RelayParams) (*Relay, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Runner == nil {
		return nil, errors.New("transaction runner is required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if params.Publisher == nil {
		return nil, errors.New("publisher is required")
	}

	batch := params.Config.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pollMs := params.Config.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}
	maxAttempts := params.Config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Relay{
		logg:         params.Logger,
		runner:       params.Runner,
		repo:         params.Repository,
		publisher:    params.Publisher,
		pingers:      params.Pingers,
		clock:        clock,
		batchSize:    batch,
		maxAttempts:  maxAttempts,
		grace:        params.Config.RelayGrace,
		pollInterval: time.Duration(pollMs) * time.Millisecond,
	}, nil
}

func (r *Relay) ensureReadiness(ctx context.Context) error {
	for name, pinger := range r.pingers {
		if err := pingDependency(ctx, r.logg, name, pinger.Ping); err != nil {
			return err
		}
	}
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run polls until ctx is cancelled. Full batches are followed immediately by
// the next poll; batch errors back off exponentially.
func (r *Relay) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := r.ensureReadiness(ctx); err != nil {
		return err
	}

	interval := r.pollInterval
	backoff := interval

	for {
		select {
		case <-ctx.Done():
			r.logg.Info(ctx, "outbox relay context canceled")
			return ctx.Err()
		default:
		}

		processed, err := r.ProcessBatch(ctx)
		if err != nil {
			r.logg.Error(ctx, "outbox relay batch error", err)
			backoff = nextBackoff(backoff, interval, maxBackoff)
			if err := sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = interval

		if processed {
			continue
		}

		if err := sleep(ctx, withJitter(interval)); err != nil {
			return err
		}
	}
}

// ProcessBatch delivers one batch of overdue rows. It reports whether any row
// was handled; rows claimed by the dispatcher do not count.
func (r *Relay) ProcessBatch(ctx context.Context) (bool, error) {
	processed := false
	cutoff := r.clock().UTC().Add(-r.grace)
	err := r.runner.InTx(ctx, func(tx *db.Tx) error {
		events, err := r.repo.FetchUnpublishedForPublish(tx.DB(), cutoff, r.batchSize, r.maxAttempts)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		for _, event := range events {
			skipped, err := r.publisher.deliver(ctx, tx.DB(), event)
			if err != nil {
				return err
			}
			if !skipped {
				processed = true
			}
		}
		return nil
	})
	return processed, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}

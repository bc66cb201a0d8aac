package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/stayledger/pkg/logger"
	"github.com/angelmondragon/stayledger/pkg/metrics"
)

const defaultInterval = time.Minute

type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.SweepMetrics
	Interval time.Duration
	// JobTimeout bounds one job run. Zero uses the interval.
	JobTimeout time.Duration
}

// Cycle is the outcome of one scheduled pass.
type Cycle struct {
	Skipped bool
	Ran     []string
	Err     error
}

// Service runs the registered sweeps on a fixed cadence. Only the worker that
// holds the sweep lock runs a cycle.
type Service struct {
	logg       *logger.Logger
	registry   *Registry
	lock       Lock
	metrics    *metrics.SweepMetrics
	interval   time.Duration
	jobTimeout time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	jobTimeout := params.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = interval
	}
	return &Service{
		logg:       params.Logger,
		registry:   registry,
		lock:       params.Lock,
		metrics:    params.Metrics,
		interval:   interval,
		jobTimeout: jobTimeout,
	}, nil
}

// Run executes a cycle immediately and then once per interval until ctx is
// cancelled. Cycle failures are logged and never stop the loop.
func (s *Service) Run(ctx context.Context) error {
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"jobs":     s.registry.Names(),
		"interval": s.interval.String(),
	}), "sweep scheduler starting")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if cycle := s.RunOnce(ctx); cycle.Err != nil && !errors.Is(cycle.Err, context.Canceled) {
			s.logg.Error(ctx, "sweep cycle failed", cycle.Err)
		}
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "sweep scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce runs every job in registration order when the lock is won. A failing
// job does not stop the jobs after it; all failures are joined into Err.
func (s *Service) RunOnce(ctx context.Context) Cycle {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return Cycle{Err: fmt.Errorf("lock acquire: %w", err)}
	}
	if !locked {
		s.metrics.IncSkipped()
		s.logg.Debug(ctx, "sweep lock held elsewhere, skipping cycle")
		return Cycle{Skipped: true}
	}
	defer func() {
		if relErr := s.lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			s.logg.Error(ctx, "failed to release sweep lock", relErr)
		}
	}()

	var cycle Cycle
	for _, job := range s.registry.Jobs() {
		if err := ctx.Err(); err != nil {
			cycle.Err = multierr.Append(cycle.Err, err)
			return cycle
		}
		cycle.Ran = append(cycle.Ran, job.Name())
		if err := s.runJob(ctx, job); err != nil {
			cycle.Err = multierr.Append(cycle.Err, fmt.Errorf("%s: %w", job.Name(), err))
		}
	}
	return cycle
}

func (s *Service) runJob(ctx context.Context, job Job) error {
	jobCtx, cancel := context.WithTimeout(s.logg.WithField(ctx, "job", job.Name()), s.jobTimeout)
	defer cancel()

	start := time.Now()
	err := job.Run(jobCtx)
	elapsed := time.Since(start)
	s.metrics.Observe(job.Name(), err, elapsed)

	logCtx := s.logg.WithField(jobCtx, "duration_ms", elapsed.Milliseconds())
	if err != nil {
		s.logg.Error(logCtx, "sweep failed", err)
		return err
	}
	s.logg.Debug(logCtx, "sweep completed")
	return nil
}

package cron

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/stayledger/pkg/logger"
)

type fakeLock struct {
	held     bool
	acquires int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	f.acquires++
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error {
	f.held = false
	return nil
}

type stubJob struct {
	name string
	err  error
	runs int
	wait time.Duration
}

func (j *stubJob) Name() string { return j.name }

func (j *stubJob) Run(ctx context.Context) error {
	j.runs++
	if j.wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(j.wait):
		}
	}
	return j.err
}

func newTestService(t *testing.T, lock Lock, params ServiceParams, jobs ...Job) *Service {
	t.Helper()
	params.Logger = logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard})
	params.Registry = NewRegistry(jobs...)
	params.Lock = lock
	service, err := NewService(params)
	require.NoError(t, err)
	return service
}

func TestRunOnceContinuesPastFailingJob(t *testing.T) {
	failing := &stubJob{name: "hold-expiry", err: errors.New("boom")}
	after := &stubJob{name: "outbox-retention"}
	service := newTestService(t, &fakeLock{}, ServiceParams{}, failing, after)

	cycle := service.RunOnce(context.Background())

	require.False(t, cycle.Skipped)
	require.Equal(t, []string{"hold-expiry", "outbox-retention"}, cycle.Ran)
	require.ErrorContains(t, cycle.Err, "hold-expiry: boom")
	require.Equal(t, 1, after.runs)
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	job := &stubJob{name: "hold-expiry"}
	service := newTestService(t, &fakeLock{held: true}, ServiceParams{}, job)

	cycle := service.RunOnce(context.Background())

	require.True(t, cycle.Skipped)
	require.NoError(t, cycle.Err)
	require.Zero(t, job.runs)
}

func TestRunOnceReleasesLock(t *testing.T) {
	lock := &fakeLock{}
	service := newTestService(t, lock, ServiceParams{}, &stubJob{name: "a"})

	require.NoError(t, service.RunOnce(context.Background()).Err)
	require.False(t, lock.held)
}

func TestRunOnceBoundsSlowJobs(t *testing.T) {
	slow := &stubJob{name: "slow", wait: time.Second}
	service := newTestService(t, &fakeLock{}, ServiceParams{JobTimeout: 10 * time.Millisecond}, slow)

	cycle := service.RunOnce(context.Background())
	require.ErrorIs(t, cycle.Err, context.DeadlineExceeded)
}

func TestRunStopsOnCancel(t *testing.T) {
	lock := &fakeLock{}
	job := &stubJob{name: "a"}
	service := newTestService(t, lock, ServiceParams{Interval: 5 * time.Millisecond}, job)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := service.Run(ctx)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.GreaterOrEqual(t, job.runs, 2)
}

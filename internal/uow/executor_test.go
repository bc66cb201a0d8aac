package uow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/stayledger/internal/ledger"
	"github.com/angelmondragon/stayledger/pkg/db"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/stayledger/pkg/errors"
	"github.com/angelmondragon/stayledger/pkg/metrics"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []models.OutboxEvent
}

func (d *recordingDispatcher) Enqueue(_ context.Context, events ...models.OutboxEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, events...)
}

type recordingCache struct {
	stamps []ledger.Stamp
}

func (c *recordingCache) InvalidatePoints(_ context.Context, stamps []ledger.Stamp) {
	c.stamps = append(c.stamps, stamps...)
}

func newTestClient(t *testing.T) *db.Client {
	t.Helper()
	dsn := fmt.Sprintf("file:uow_%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true, NowFunc: func() time.Time { return time.Now().UTC() }})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.AvailabilityLedger{}))
	sqlDB, _ := conn.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db.NewFromConn(conn)
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRunDispatchesAfterCommit(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	cache := &recordingCache{}
	exec, err := NewExecutor(newTestClient(t), Options{Retry: fastPolicy(3), Dispatcher: dispatcher, Cache: cache})
	require.NoError(t, err)

	row := &models.AvailabilityLedger{PropertyID: uuid.New(), RoomTypeID: uuid.New(), StayDate: time.Now(), Version: 4}
	eventID := uuid.New()
	err = exec.Run(context.Background(), "reserve", func(ctx context.Context, w *Work) error {
		w.Touch(row)
		w.Emitted(&models.OutboxEvent{ID: eventID}, nil)
		require.Empty(t, dispatcher.events, "dispatch must wait for commit")
		return nil
	})
	require.NoError(t, err)
	require.Len(t, dispatcher.events, 1)
	require.Equal(t, eventID, dispatcher.events[0].ID)
	require.Len(t, cache.stamps, 1)
	require.Equal(t, row.PropertyID, cache.stamps[0].PropertyID)
	require.Equal(t, ledger.Day(row.StayDate), cache.stamps[0].StayDate)
	require.Equal(t, int64(4), cache.stamps[0].Version)
}

func TestRunRollbackNeverDispatches(t *testing.T) {
	client := newTestClient(t)
	dispatcher := &recordingDispatcher{}
	cache := &recordingCache{}
	exec, err := NewExecutor(client, Options{Retry: fastPolicy(3), Dispatcher: dispatcher, Cache: cache})
	require.NoError(t, err)

	boom := pkgerrors.New(pkgerrors.CodeInsufficientInventory, "insufficient inventory")
	err = exec.Run(context.Background(), "reserve", func(ctx context.Context, w *Work) error {
		row := &models.AvailabilityLedger{PropertyID: uuid.New(), RoomTypeID: uuid.New(), StayDate: ledger.Day(time.Now()), PhysicalCount: 1, Version: 1}
		require.NoError(t, w.DB().Create(row).Error)
		w.Touch(row)
		w.Emitted(&models.OutboxEvent{ID: uuid.New()})
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Empty(t, dispatcher.events)
	require.Empty(t, cache.stamps)

	var count int64
	require.NoError(t, client.DB().Model(&models.AvailabilityLedger{}).Count(&count).Error)
	require.Zero(t, count, "rolled back writes must not be visible")
}

func TestRunRetriesContentionThenSucceeds(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	inv := metrics.NewInventoryMetrics(nil)
	exec, err := NewExecutor(newTestClient(t), Options{Retry: fastPolicy(5), Dispatcher: dispatcher, Metrics: inv})
	require.NoError(t, err)

	calls := 0
	err = exec.Run(context.Background(), "reserve", func(ctx context.Context, w *Work) error {
		calls++
		w.Emitted(&models.OutboxEvent{ID: uuid.New()})
		if calls < 3 {
			return ledger.ErrVersionConflict
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Len(t, dispatcher.events, 1, "only the committed attempt dispatches")
}

func TestRunSurfacesBusyWhenRetriesExhausted(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	exec, err := NewExecutor(newTestClient(t), Options{Retry: fastPolicy(3), Dispatcher: dispatcher})
	require.NoError(t, err)

	calls := 0
	err = exec.Run(context.Background(), "reserve", func(ctx context.Context, w *Work) error {
		calls++
		return pkgerrors.New(pkgerrors.CodeLockContention, "ledger row locked")
	})
	require.Equal(t, 3, calls)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeBusy), "expected BUSY, got %v", err)
	require.Empty(t, dispatcher.events)
}

func TestRunDoesNotRetryBusinessErrors(t *testing.T) {
	exec, err := NewExecutor(newTestClient(t), Options{Retry: fastPolicy(5)})
	require.NoError(t, err)

	calls := 0
	err = exec.Run(context.Background(), "reserve", func(ctx context.Context, w *Work) error {
		calls++
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	})
	require.Equal(t, 1, calls)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestIsContention(t *testing.T) {
	require.False(t, IsContention(nil))
	require.True(t, IsContention(ledger.ErrVersionConflict))
	require.True(t, IsContention(pkgerrors.Wrap(pkgerrors.CodeInternal, errors.New("database is locked"), "update ledger row")))
	require.False(t, IsContention(errors.New("no such table")))
}

func TestOutcome(t *testing.T) {
	require.Equal(t, metrics.OutcomeSuccess, Outcome(nil))
	require.Equal(t, metrics.OutcomeInsufficient, Outcome(pkgerrors.New(pkgerrors.CodeInsufficientInventory, "x")))
	require.Equal(t, metrics.OutcomeBusy, Outcome(pkgerrors.New(pkgerrors.CodeBusy, "x")))
	require.Equal(t, metrics.OutcomeRejected, Outcome(pkgerrors.New(pkgerrors.CodeIdempotency, "x")))
	require.Equal(t, metrics.OutcomeError, Outcome(errors.New("x")))
}

func TestNewExecutorRequiresRunner(t *testing.T) {
	_, err := NewExecutor(nil, Options{})
	require.Error(t, err)
}

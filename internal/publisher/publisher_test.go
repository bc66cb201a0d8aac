package publisher

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/stayledger/internal/testutil"
	"github.com/angelmondragon/stayledger/pkg/db"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	"github.com/angelmondragon/stayledger/pkg/enums"
	"github.com/angelmondragon/stayledger/pkg/eventbus"
	"github.com/angelmondragon/stayledger/pkg/logger"
	"github.com/angelmondragon/stayledger/pkg/outbox/payloads"
	"github.com/angelmondragon/stayledger/pkg/outbox/registry"
)

type fakeBus struct {
	mu       sync.Mutex
	failures []error
	messages []eventbus.Message
	calls    int
}

func (b *fakeBus) Publish(_ context.Context, msg eventbus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if len(b.failures) > 0 {
		err := b.failures[0]
		if len(b.failures) > 1 {
			b.failures = b.failures[1:]
		}
		if err != nil {
			return err
		}
	}
	b.messages = append(b.messages, msg)
	return nil
}

func (b *fakeBus) Ping(context.Context) error { return nil }
func (b *fakeBus) Close() error               { return nil }
func (b *fakeBus) Name() string               { return "fake" }

func (b *fakeBus) published() []eventbus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]eventbus.Message(nil), b.messages...)
}

type fakeClaims struct {
	owned    bool
	released int
}

func (c *fakeClaims) Claim(context.Context, string, uuid.UUID) (bool, error) { return c.owned, nil }
func (c *fakeClaims) Release(context.Context, string, uuid.UUID) error {
	c.released++
	return nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func newTestPublisher(t *testing.T, h *testutil.Harness, bus eventbus.Bus, retries int) *Publisher {
	t.Helper()
	p, err := New(Params{
		Runner:      h.Client,
		Repository:  h.Outbox,
		DLQ:         h.DLQ,
		Registry:    h.Registry,
		Bus:         bus,
		Retry:       RetryPolicy{Retries: retries, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		MaxAttempts: 10,
		Logger:      testLogger(),
	})
	require.NoError(t, err)
	return p
}

// recordEvent commits one journal entry and returns its outbox row.
func recordEvent(t *testing.T, h *testutil.Harness) models.OutboxEvent {
	t.Helper()
	var row models.OutboxEvent
	err := h.Client.InTx(context.Background(), func(tx *db.Tx) error {
		rec, err := h.Journal.Record(context.Background(), tx.DB(), payloads.InventoryEvent{
			EventType:               enums.EventInventoryPreloaded,
			CorrelationID:           "preload:" + uuid.NewString(),
			PropertyID:              uuid.New(),
			RoomTypeID:              uuid.New(),
			StayDate:                "2026-12-24",
			Delta:                   10,
			ResultingAvailableCount: 10,
		}, uuid.New())
		if err != nil {
			return err
		}
		row = *rec.Outbox
		return nil
	})
	require.NoError(t, err)
	return row
}

func loadRow(t *testing.T, h *testutil.Harness, id uuid.UUID) models.OutboxEvent {
	t.Helper()
	row, err := h.Outbox.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, row)
	return *row
}

func TestDeliverMarksPublished(t *testing.T) {
	h := testutil.NewHarness(t)
	bus := &fakeBus{}
	p := newTestPublisher(t, h, bus, 2)
	event := recordEvent(t, h)

	require.NoError(t, p.Deliver(context.Background(), event))

	msgs := bus.published()
	require.Len(t, msgs, 1)
	require.Equal(t, "inventory-events", msgs[0].Topic)
	require.Equal(t, event.AggregateID.String(), msgs[0].Key)
	require.Equal(t, string(enums.EventInventoryPreloaded), msgs[0].Attributes["event_type"])
	require.Equal(t, event.JournalID.String(), msgs[0].Attributes["event_id"])
	require.NotEmpty(t, msgs[0].Attributes["correlation_id"])

	row := loadRow(t, h, event.ID)
	require.NotNil(t, row.PublishedAt)
	require.Equal(t, 1, row.AttemptCount)
}

func TestDeliverRetriesTransientFailures(t *testing.T) {
	h := testutil.NewHarness(t)
	bus := &fakeBus{failures: []error{errors.New("unavailable"), errors.New("unavailable"), nil}}
	p := newTestPublisher(t, h, bus, 3)
	event := recordEvent(t, h)

	require.NoError(t, p.Deliver(context.Background(), event))
	require.Equal(t, 3, bus.calls)

	row := loadRow(t, h, event.ID)
	require.NotNil(t, row.PublishedAt)
	require.Equal(t, 3, row.AttemptCount)
}

func TestDeliverParksWhenRetriesExhausted(t *testing.T) {
	h := testutil.NewHarness(t)
	bus := &fakeBus{failures: []error{errors.New("broker down")}}
	p := newTestPublisher(t, h, bus, 2)
	event := recordEvent(t, h)

	require.NoError(t, p.Deliver(context.Background(), event))
	require.Equal(t, 3, bus.calls)

	parked, err := h.DLQ.FindByEventID(context.Background(), event.ID)
	require.NoError(t, err)
	require.NotNil(t, parked)
	require.Equal(t, enums.OutboxDLQReasonRetryBudget, parked.ErrorReason)
	require.Equal(t, 3, parked.AttemptCount)
	require.Equal(t, "inventory-events", parked.Topic)

	row := loadRow(t, h, event.ID)
	require.Nil(t, row.PublishedAt)
	require.Equal(t, 10, row.AttemptCount, "parked rows leave relay rotation")
}

func TestDeliverDoesNotRetryNonRetryableErrors(t *testing.T) {
	h := testutil.NewHarness(t)
	bus := &fakeBus{failures: []error{registry.NewNonRetryableError(errors.New("topic missing"))}}
	p := newTestPublisher(t, h, bus, 5)
	event := recordEvent(t, h)

	require.NoError(t, p.Deliver(context.Background(), event))
	require.Equal(t, 1, bus.calls)

	parked, err := h.DLQ.FindByEventID(context.Background(), event.ID)
	require.NoError(t, err)
	require.NotNil(t, parked)
	require.Equal(t, enums.OutboxDLQReasonNonRetryable, parked.ErrorReason)
}

func TestDeliverParksUnresolvableRows(t *testing.T) {
	h := testutil.NewHarness(t)
	bus := &fakeBus{}
	p := newTestPublisher(t, h, bus, 1)
	event := recordEvent(t, h)
	event.AggregateType = enums.AggregateHold

	require.NoError(t, p.Deliver(context.Background(), event))
	require.Zero(t, bus.calls)

	parked, err := h.DLQ.FindByEventID(context.Background(), event.ID)
	require.NoError(t, err)
	require.NotNil(t, parked)
	require.Equal(t, enums.OutboxDLQReasonNonRetryable, parked.ErrorReason)
}

func TestDeliverSkipsEventsClaimedElsewhere(t *testing.T) {
	h := testutil.NewHarness(t)
	bus := &fakeBus{}
	p := newTestPublisher(t, h, bus, 1)
	claims := &fakeClaims{owned: false}
	p.claims = claims
	event := recordEvent(t, h)

	skipped, err := p.deliver(context.Background(), nil, event)
	require.NoError(t, err)
	require.True(t, skipped)
	require.Zero(t, bus.calls)
	require.Nil(t, loadRow(t, h, event.ID).PublishedAt)

	claims.owned = true
	require.NoError(t, p.Deliver(context.Background(), event))
	require.Equal(t, 1, bus.calls)
	require.Equal(t, 1, claims.released)
}

func TestDeliverCancelledLeavesRowForRelay(t *testing.T) {
	h := testutil.NewHarness(t)
	bus := &fakeBus{failures: []error{errors.New("broker down")}}
	p := newTestPublisher(t, h, bus, 50)
	p.retry.BaseDelay = 50 * time.Millisecond
	event := recordEvent(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Deliver(ctx, event)
	require.Error(t, err)

	parked, err := h.DLQ.FindByEventID(context.Background(), event.ID)
	require.NoError(t, err)
	require.Nil(t, parked)

	row := loadRow(t, h, event.ID)
	require.Nil(t, row.PublishedAt)
	require.GreaterOrEqual(t, row.AttemptCount, 1)
	require.NotNil(t, row.LastError)
}

package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/stayledger/internal/testutil"
	"github.com/angelmondragon/stayledger/pkg/config"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	"github.com/angelmondragon/stayledger/pkg/metrics"
)

type recordingDeliverer struct {
	mu     sync.Mutex
	events []uuid.UUID
}

func (r *recordingDeliverer) Deliver(_ context.Context, event models.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event.ID)
	return nil
}

func (r *recordingDeliverer) delivered() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.events...)
}

func TestDispatcherDeliversEveryEnqueuedEvent(t *testing.T) {
	d := &recordingDeliverer{}
	dispatcher, err := NewDispatcher(d, DispatcherOptions{Workers: 3, QueueSize: 16})
	require.NoError(t, err)
	dispatcher.Start(context.Background())

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		dispatcher.Enqueue(context.Background(), models.OutboxEvent{ID: id})
	}
	dispatcher.Stop()

	require.ElementsMatch(t, ids, d.delivered())
}

func TestDispatcherDropsWhenQueueIsFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := &recordingDeliverer{}
	dispatcher, err := NewDispatcher(d, DispatcherOptions{
		Workers:   1,
		QueueSize: 1,
		Metrics:   metrics.NewPublisherMetrics(reg),
		Logger:    testLogger(),
	})
	require.NoError(t, err)

	first, second := uuid.New(), uuid.New()
	dispatcher.Enqueue(context.Background(), models.OutboxEvent{ID: first}, models.OutboxEvent{ID: second})

	dispatcher.Start(context.Background())
	dispatcher.Stop()

	require.Equal(t, []uuid.UUID{first}, d.delivered())
	require.Equal(t, float64(1), publishCount(t, reg, metrics.PublishDropped))
}

func TestDispatcherEnqueueAfterStopIsDropped(t *testing.T) {
	d := &recordingDeliverer{}
	dispatcher, err := NewDispatcher(d, DispatcherOptions{})
	require.NoError(t, err)
	dispatcher.Start(context.Background())
	dispatcher.Stop()
	dispatcher.Stop()

	require.NotPanics(t, func() {
		dispatcher.Enqueue(context.Background(), models.OutboxEvent{ID: uuid.New()})
	})
	require.Empty(t, d.delivered())
}

func TestDispatcherPublishesCommittedEvents(t *testing.T) {
	h := testutil.NewHarness(t)
	bus := &fakeBus{}
	p := newTestPublisher(t, h, bus, 1)
	dispatcher, err := NewDispatcher(p, DispatcherOptions{Workers: 2, QueueSize: 8})
	require.NoError(t, err)
	dispatcher.Start(context.Background())

	first := recordEvent(t, h)
	second := recordEvent(t, h)
	dispatcher.Enqueue(context.Background(), first, second)
	dispatcher.Stop()

	require.Len(t, bus.published(), 2)
	require.NotNil(t, loadRow(t, h, first.ID).PublishedAt)
	require.NotNil(t, loadRow(t, h, second.ID).PublishedAt)
}

func TestRelayRedrivesRowsPastGrace(t *testing.T) {
	h := testutil.NewHarness(t)
	bus := &fakeBus{}
	p := newTestPublisher(t, h, bus, 1)
	now := time.Now().UTC()
	relay, err := NewRelay(RelayParams{
		Config:     config.OutboxConfig{BatchSize: 10, MaxAttempts: 10, RelayGrace: time.Minute},
		Logger:     testLogger(),
		Runner:     h.Client,
		Repository: h.Outbox,
		Publisher:  p,
		Clock:      func() time.Time { return now },
	})
	require.NoError(t, err)

	event := recordEvent(t, h)

	processed, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.False(t, processed, "rows inside the grace window belong to the dispatcher")
	require.Empty(t, bus.published())

	now = now.Add(2 * time.Minute)
	processed, err = relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	require.Len(t, bus.published(), 1)
	require.NotNil(t, loadRow(t, h, event.ID).PublishedAt)

	processed, err = relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.False(t, processed)
}

func TestRelayParksFailingRowsInsideBatch(t *testing.T) {
	h := testutil.NewHarness(t)
	bus := &fakeBus{failures: []error{context.DeadlineExceeded}}
	p := newTestPublisher(t, h, bus, 1)
	relay, err := NewRelay(RelayParams{
		Config:     config.OutboxConfig{BatchSize: 10, MaxAttempts: 10},
		Logger:     testLogger(),
		Runner:     h.Client,
		Repository: h.Outbox,
		Publisher:  p,
		Clock:      func() time.Time { return time.Now().Add(time.Second) },
	})
	require.NoError(t, err)

	event := recordEvent(t, h)
	processed, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	parked, err := h.DLQ.FindByEventID(context.Background(), event.ID)
	require.NoError(t, err)
	require.NotNil(t, parked)

	processed, err = relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.False(t, processed, "parked rows are not fetched again")
}

func TestNextBackoffIsCapped(t *testing.T) {
	require.Equal(t, 2*time.Second, nextBackoff(time.Second, time.Second, 10*time.Second))
	require.Equal(t, 10*time.Second, nextBackoff(8*time.Second, time.Second, 10*time.Second))
	require.Equal(t, 2*time.Second, nextBackoff(0, time.Second, 10*time.Second))
}

func publishCount(t *testing.T, reg *prometheus.Registry, outcome string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "inventory_publish_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			if hasLabel(m.GetLabel(), "outcome", outcome) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func hasLabel(pairs []*dto.LabelPair, name, value string) bool {
	for _, pair := range pairs {
		if pair.GetName() == name && pair.GetValue() == value {
			return true
		}
	}
	return false
}

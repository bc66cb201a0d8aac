package engine

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/stayledger/internal/inventory"
	"github.com/angelmondragon/stayledger/internal/testutil"
	"github.com/angelmondragon/stayledger/pkg/config"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	"github.com/angelmondragon/stayledger/pkg/eventbus"
	"github.com/angelmondragon/stayledger/pkg/logger"
)

type memoryBus struct {
	mu   sync.Mutex
	msgs []eventbus.Message
}

func (b *memoryBus) Publish(_ context.Context, msg eventbus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *memoryBus) Ping(context.Context) error { return nil }
func (b *memoryBus) Close() error               { return nil }
func (b *memoryBus) Name() string               { return "memory" }

func (b *memoryBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func testConfig() *config.Config {
	return &config.Config{
		EventBus:  testutil.EventBus(),
		Inventory: testutil.Inventory(),
		Outbox: config.OutboxConfig{
			BatchSize:        10,
			MaxAttempts:      10,
			PublishRetries:   1,
			PublishBaseDelay: time.Millisecond,
			PublishMaxDelay:  2 * time.Millisecond,
			Workers:          1,
			QueueSize:        16,
		},
	}
}

func TestEnginePublishesPreloadedInventory(t *testing.T) {
	h := testutil.NewHarness(t)
	bus := &memoryBus{}
	e, err := New(Params{
		Config:     testConfig(),
		Logger:     logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		DB:         h.Client,
		Bus:        bus,
		Registerer: prometheus.NewRegistry(),
		Name:       "test",
	})
	require.NoError(t, err)
	e.Start(context.Background())

	start := time.Date(2026, 12, 24, 0, 0, 0, 0, time.UTC)
	res, err := e.Inventory.PreloadInventory(context.Background(), inventory.PreloadRequest{
		RangeQuery: inventory.RangeQuery{
			PropertyID: uuid.New(),
			RoomTypeID: uuid.New(),
			StartDate:  start,
			EndDate:    start.AddDate(0, 0, 2),
		},
		PhysicalCount: 10,
	})
	require.NoError(t, err)
	require.Equal(t, 3, res.Created)

	e.Stop()
	require.Equal(t, 3, bus.count())

	var pending int64
	require.NoError(t, h.Client.DB().Model(&models.OutboxEvent{}).Where("published_at IS NULL").Count(&pending).Error)
	require.Zero(t, pending)
}

func TestEngineRelayDrainsUndeliveredRows(t *testing.T) {
	h := testutil.NewHarness(t)
	bus := &memoryBus{}
	cfg := testConfig()
	e, err := New(Params{
		Config: cfg,
		Logger: logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		DB:     h.Client,
		Bus:    bus,
	})
	require.NoError(t, err)

	start := time.Date(2026, 12, 24, 0, 0, 0, 0, time.UTC)
	_, err = e.Inventory.PreloadInventory(context.Background(), inventory.PreloadRequest{
		RangeQuery: inventory.RangeQuery{
			PropertyID: uuid.New(),
			RoomTypeID: uuid.New(),
			StartDate:  start,
			EndDate:    start,
		},
		PhysicalCount: 4,
	})
	require.NoError(t, err)
	e.Stop()
	require.Zero(t, bus.count(), "dispatcher was never started")

	relay, err := e.Relay(nil)
	require.NoError(t, err)
	processed, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	require.Equal(t, 1, bus.count())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Params{})
	require.Error(t, err)
}

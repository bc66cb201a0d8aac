// Package testutil wires the storage-backed collaborators against an
// in-memory sqlite database for package tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/stayledger/internal/journal"
	"github.com/angelmondragon/stayledger/internal/ledger"
	"github.com/angelmondragon/stayledger/internal/uow"
	"github.com/angelmondragon/stayledger/pkg/config"
	"github.com/angelmondragon/stayledger/pkg/db"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	"github.com/angelmondragon/stayledger/pkg/outbox"
	"github.com/angelmondragon/stayledger/pkg/outbox/payloads"
	"github.com/angelmondragon/stayledger/pkg/outbox/registry"
)

// EventBus returns the topic configuration used across tests.
func EventBus() config.EventBusConfig {
	return config.EventBusConfig{
		Driver:         config.EventBusDriverLog,
		InventoryTopic: "inventory-events",
		HoldsTopic:     "inventory-hold-events",
		AllotmentTopic: "inventory-allotment-events",
	}
}

// Inventory returns a policy with fast retries.
func Inventory() config.InventoryConfig {
	return config.InventoryConfig{
		LockRetryAttempts:      3,
		LockRetryBaseDelay:     time.Millisecond,
		LockRetryMaxDelay:      2 * time.Millisecond,
		OverbookingCoversHolds: true,
		DefaultHoldTTL:         15 * time.Minute,
		MaxHoldTTL:             24 * time.Hour,
		MaxRangeDays:           366,
	}
}

// RecordingDispatcher collects post-commit events.
type RecordingDispatcher struct {
	mu     sync.Mutex
	events []models.OutboxEvent
}

func (d *RecordingDispatcher) Enqueue(_ context.Context, events ...models.OutboxEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, events...)
}

func (d *RecordingDispatcher) Events() []models.OutboxEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.OutboxEvent(nil), d.events...)
}

type Harness struct {
	Client     *db.Client
	Ledger     ledger.Repository
	Locks      *ledger.LockCoordinator
	Journal    *journal.Journal
	Outbox     *outbox.Repository
	DLQ        *outbox.DLQRepository
	Registry   *registry.EventRegistry
	Dispatcher *RecordingDispatcher
	Executor   *uow.Executor
}

// NewHarness opens a fresh in-memory database with every table migrated. The
// pool is capped at one connection so concurrent transactions serialise.
func NewHarness(t testing.TB) *Harness {
	t.Helper()
	dsn := fmt.Sprintf("file:harness_%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true, NowFunc: func() time.Time { return time.Now().UTC() }})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(
		&models.AvailabilityLedger{},
		&models.InventoryEvent{},
		&models.Hold{},
		&models.Allotment{},
		&models.OutboxEvent{},
		&models.OutboxDLQ{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	reg, err := registry.NewEventRegistry(EventBus())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	outboxRepo := outbox.NewRepository(conn)
	j, err := journal.New(journal.NewRepository(conn), outbox.NewService(outboxRepo, reg, nil))
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	client := db.NewFromConn(conn)
	dispatcher := &RecordingDispatcher{}
	exec, err := uow.NewExecutor(client, uow.Options{
		Retry:      uow.PolicyFromConfig(Inventory()),
		Dispatcher: dispatcher,
	})
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	return &Harness{
		Client:     client,
		Ledger:     ledger.NewRepository(conn),
		Locks:      ledger.NewLockCoordinator(),
		Journal:    j,
		Outbox:     outboxRepo,
		DLQ:        outbox.NewDLQRepository(conn),
		Registry:   reg,
		Dispatcher: dispatcher,
		Executor:   exec,
	}
}

// Seed loads ledger rows for the inclusive range.
func (h *Harness) Seed(t testing.TB, propertyID, roomTypeID uuid.UUID, start, end time.Time, physical, overbooking int) {
	t.Helper()
	for _, day := range ledger.Dates(start, end) {
		row := &models.AvailabilityLedger{
			PropertyID:       propertyID,
			RoomTypeID:       roomTypeID,
			StayDate:         day,
			PhysicalCount:    physical,
			OverbookingLimit: overbooking,
			Version:          1,
		}
		if _, err := h.Ledger.InsertIfAbsent(context.Background(), row); err != nil {
			t.Fatalf("seed ledger row: %v", err)
		}
	}
}

// Row loads the committed ledger row.
func (h *Harness) Row(t testing.TB, propertyID, roomTypeID uuid.UUID, day time.Time) models.AvailabilityLedger {
	t.Helper()
	row, err := h.Ledger.Find(context.Background(), ledger.Key{PropertyID: propertyID, RoomTypeID: roomTypeID, StayDate: day})
	if err != nil {
		t.Fatalf("load ledger row: %v", err)
	}
	return *row
}

// CountEvents counts journal entries, optionally filtered by correlation id.
func (h *Harness) CountEvents(t testing.TB, correlationID string) int64 {
	t.Helper()
	q := h.Client.DB().Model(&models.InventoryEvent{})
	if correlationID != "" {
		q = q.Where("correlation_id = ?", correlationID)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	return count
}

// Events decodes the journal payloads recorded under correlationID in stay
// date order.
func (h *Harness) Events(t testing.TB, correlationID string) []payloads.InventoryEvent {
	t.Helper()
	var entries []models.InventoryEvent
	if err := h.Client.DB().Where("correlation_id = ?", correlationID).Order("stay_date").Find(&entries).Error; err != nil {
		t.Fatalf("list events: %v", err)
	}
	out := make([]payloads.InventoryEvent, 0, len(entries))
	for _, entry := range entries {
		payload, err := journal.Decode(entry)
		if err != nil {
			t.Fatalf("decode event: %v", err)
		}
		out = append(out, payload)
	}
	return out
}

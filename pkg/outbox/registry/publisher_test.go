package registry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/stayledger/pkg/config"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	"github.com/angelmondragon/stayledger/pkg/enums"
	"github.com/angelmondragon/stayledger/pkg/outbox"
	"github.com/angelmondragon/stayledger/pkg/outbox/payloads"
)

func newTestEventRegistry(t *testing.T) *EventRegistry {
	t.Helper()
	reg, err := NewEventRegistry(config.EventBusConfig{
		InventoryTopic: "inventory-topic",
		HoldsTopic:     "holds-topic",
		AllotmentTopic: "allotment-topic",
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}

func mustEnvelope(t *testing.T, payload payloads.InventoryEvent) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	envelope, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    1,
		EventID:    uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Data:       data,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return envelope
}

func heldPayload() payloads.InventoryEvent {
	return payloads.InventoryEvent{
		EventType:               enums.EventInventoryHeld,
		CorrelationID:           "hold:cart-1",
		PropertyID:              uuid.New(),
		RoomTypeID:              uuid.New(),
		StayDate:                "2026-04-10",
		Delta:                   2,
		ResultingAvailableCount: 5,
		OccurredAt:              time.Now().UTC(),
		ReferenceID:             "cart-1",
	}
}

func TestEventRegistryResolveSuccess(t *testing.T) {
	reg := newTestEventRegistry(t)

	payload := heldPayload()
	event := models.OutboxEvent{
		EventType:     enums.EventInventoryHeld,
		AggregateType: enums.AggregateHold,
		AggregateID:   uuid.New(),
		Payload:       mustEnvelope(t, payload),
	}

	resolved, err := reg.Resolve(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Descriptor.Topic != "holds-topic" {
		t.Fatalf("unexpected topic %q", resolved.Descriptor.Topic)
	}
	if resolved.Payload.ReferenceID != "cart-1" || resolved.Payload.Delta != 2 {
		t.Fatalf("payload mismatch %+v", resolved.Payload)
	}
	if resolved.Envelope.EventID == "" {
		t.Fatalf("envelope missing event id")
	}
}

func TestEventRegistryTopics(t *testing.T) {
	reg := newTestEventRegistry(t)
	cases := map[enums.InventoryEventType]string{
		enums.EventInventoryReserved:   "inventory-topic",
		enums.EventInventoryPreloaded:  "inventory-topic",
		enums.EventHoldReleased:        "holds-topic",
		enums.EventAllotmentPickupBack: "allotment-topic",
	}
	for eventType, topic := range cases {
		desc, err := reg.Describe(eventType)
		if err != nil {
			t.Fatalf("describe %s: %v", eventType, err)
		}
		if desc.Topic != topic {
			t.Fatalf("%s: expected topic %s got %s", eventType, topic, desc.Topic)
		}
	}
}

func TestEventRegistryResolveNonRetryable(t *testing.T) {
	reg := newTestEventRegistry(t)
	valid := heldPayload()

	invalid := heldPayload()
	invalid.ReferenceID = ""

	cases := []struct {
		name  string
		event models.OutboxEvent
	}{
		{"unknown event", models.OutboxEvent{EventType: "ROOM_SWAPPED", AggregateType: enums.AggregateHold, AggregateID: uuid.New(), Payload: mustEnvelope(t, valid)}},
		{"aggregate mismatch", models.OutboxEvent{EventType: enums.EventInventoryHeld, AggregateType: enums.AggregateLedgerRow, AggregateID: uuid.New(), Payload: mustEnvelope(t, valid)}},
		{"missing aggregate", models.OutboxEvent{EventType: enums.EventInventoryHeld, AggregateType: enums.AggregateHold, Payload: mustEnvelope(t, valid)}},
		{"bad envelope", models.OutboxEvent{EventType: enums.EventInventoryHeld, AggregateType: enums.AggregateHold, AggregateID: uuid.New(), Payload: json.RawMessage(`{`)}},
		{"invalid payload", models.OutboxEvent{EventType: enums.EventInventoryHeld, AggregateType: enums.AggregateHold, AggregateID: uuid.New(), Payload: mustEnvelope(t, invalid)}},
		{"type mismatch", models.OutboxEvent{EventType: enums.EventHoldReleased, AggregateType: enums.AggregateHold, AggregateID: uuid.New(), Payload: mustEnvelope(t, valid)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Resolve(tc.event)
			var nonRetryable NonRetryableError
			if !errors.As(err, &nonRetryable) {
				t.Fatalf("expected non-retryable error, got %v", err)
			}
		})
	}
}

func TestNewEventRegistryRequiresTopics(t *testing.T) {
	if _, err := NewEventRegistry(config.EventBusConfig{InventoryTopic: "a", HoldsTopic: "b"}); err == nil {
		t.Fatalf("expected missing allotment topic to fail")
	}
}

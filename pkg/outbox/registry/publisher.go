package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/stayledger/pkg/config"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	"github.com/angelmondragon/stayledger/pkg/enums"
	"github.com/angelmondragon/stayledger/pkg/outbox"
	"github.com/angelmondragon/stayledger/pkg/outbox/payloads"
)

// EventDescriptor links an event type to its aggregate and topic.
type EventDescriptor struct {
	EventType     enums.InventoryEventType
	AggregateType enums.OutboxAggregateType
	Topic         string
}

// ResolvedEvent is the result of decoding an outbox row.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    payloads.InventoryEvent
}

// EventRegistry maps each supported event type to its descriptor.
type EventRegistry struct {
	entries map[enums.InventoryEventType]EventDescriptor
}

// NonRetryableError signals the dispatcher should stop retrying a row.
type NonRetryableError struct {
	Err error
}

// Error implements error.
func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

// Unwrap exposes the wrapped error.
func (e NonRetryableError) Unwrap() error {
	return e.Err
}

// NewEventRegistry builds the registry with the configured topic names.
func NewEventRegistry(cfg config.EventBusConfig) (*EventRegistry, error) {
	if cfg.InventoryTopic == "" {
		return nil, fmt.Errorf("inventory topic is required")
	}
	if cfg.HoldsTopic == "" {
		return nil, fmt.Errorf("holds topic is required")
	}
	if cfg.AllotmentTopic == "" {
		return nil, fmt.Errorf("allotment topic is required")
	}

	reg := &EventRegistry{entries: make(map[enums.InventoryEventType]EventDescriptor)}
	for _, eventType := range []enums.InventoryEventType{
		enums.EventInventoryPreloaded,
		enums.EventInventoryReserved,
		enums.EventInventoryReleased,
		enums.EventInventoryAdjusted,
	} {
		reg.register(EventDescriptor{EventType: eventType, AggregateType: enums.AggregateLedgerRow, Topic: cfg.InventoryTopic})
	}
	for _, eventType := range []enums.InventoryEventType{enums.EventInventoryHeld, enums.EventHoldReleased} {
		reg.register(EventDescriptor{EventType: eventType, AggregateType: enums.AggregateHold, Topic: cfg.HoldsTopic})
	}
	for _, eventType := range []enums.InventoryEventType{enums.EventAllotmentPickedUp, enums.EventAllotmentPickupBack} {
		reg.register(EventDescriptor{EventType: eventType, AggregateType: enums.AggregateAllotment, Topic: cfg.AllotmentTopic})
	}
	return reg, nil
}

func (r *EventRegistry) register(desc EventDescriptor) {
	r.entries[desc.EventType] = desc
}

// Describe returns the descriptor registered for eventType.
func (r *EventRegistry) Describe(eventType enums.InventoryEventType) (EventDescriptor, error) {
	desc, ok := r.entries[eventType]
	if !ok {
		return EventDescriptor{}, fmt.Errorf("unsupported event type %s", eventType)
	}
	return desc, nil
}

// Route implements outbox.Router.
func (r *EventRegistry) Route(eventType enums.InventoryEventType) (outbox.Route, error) {
	desc, err := r.Describe(eventType)
	if err != nil {
		return outbox.Route{}, err
	}
	return outbox.Route{AggregateType: desc.AggregateType, Topic: desc.Topic}, nil
}

// Resolve validates the row and decodes its typed payload.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[event.EventType]
	if !ok {
		return nil, NewNonRetryableError(fmt.Errorf("unsupported event type %s", event.EventType))
	}
	if desc.AggregateType != event.AggregateType {
		return nil, NewNonRetryableError(fmt.Errorf("aggregate mismatch: expected %s got %s", desc.AggregateType, event.AggregateType))
	}
	if event.AggregateID == uuid.Nil {
		return nil, NewNonRetryableError(fmt.Errorf("missing aggregate_id"))
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode envelope: %w", err))
	}

	trimmed := bytes.TrimSpace(envelope.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, NewNonRetryableError(fmt.Errorf("payload missing for %s", event.EventType))
	}

	var payload payloads.InventoryEvent
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode %s payload: %w", event.EventType, err))
	}
	if payload.EventType != event.EventType {
		return nil, NewNonRetryableError(fmt.Errorf("payload type %s does not match row type %s", payload.EventType, event.EventType))
	}
	if err := payload.Validate(); err != nil {
		return nil, NewNonRetryableError(err)
	}

	return &ResolvedEvent{
		Descriptor: desc,
		Envelope:   envelope,
		Payload:    payload,
	}, nil
}

// NewNonRetryableError wraps an error to signal no retries.
func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

package payloads

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/stayledger/pkg/enums"
)

// InventoryEvent is the fixed payload shape emitted for every journal entry.
//
// Delta is the signed change applied to the counter the event type targets:
// sold_count for reserve/release, held_count for hold events, picked_up_rooms
// for allotment events and available count for preload/adjust.
type InventoryEvent struct {
	EventType               enums.InventoryEventType `json:"event_type"`
	CorrelationID           string                   `json:"correlation_id"`
	PropertyID              uuid.UUID                `json:"property_id"`
	RoomTypeID              uuid.UUID                `json:"room_type_id"`
	StayDate                string                   `json:"stay_date"`
	Delta                   int                      `json:"delta"`
	ResultingAvailableCount int                      `json:"resulting_available_count"`
	OccurredAt              time.Time                `json:"occurred_at"`

	Adjustment    *AdjustmentDetail `json:"adjustment,omitempty"`
	ReferenceID   string            `json:"reference_id,omitempty"`
	AllotmentCode string            `json:"allotment_code,omitempty"`
	// LedgerOverflow is set on allotment events whose pickup spilled onto or
	// back from the ledger row.
	LedgerOverflow *LedgerOverflow `json:"ledger_overflow,omitempty"`
}

// LedgerOverflow carries the ledger side of an ELASTIC pickup change. Delta is
// the change in sold_count.
type LedgerOverflow struct {
	Delta                   int `json:"delta"`
	ResultingAvailableCount int `json:"resulting_available_count"`
}

// AdjustmentDetail records the administrative deltas behind INVENTORY_ADJUSTED.
type AdjustmentDetail struct {
	PhysicalDelta    int `json:"physical_delta"`
	OverbookingDelta int `json:"overbooking_delta"`
	OutOfOrderDelta  int `json:"out_of_order_delta"`
}

type deltaSign int

const (
	signAny deltaSign = iota
	signPositive
	signNonPositive
	signNonNegative
)

type variant struct {
	sign          deltaSign
	adjustment    bool
	referenceID   bool
	allotmentCode bool
}

var variants = map[enums.InventoryEventType]variant{
	enums.EventInventoryPreloaded:  {sign: signNonNegative},
	enums.EventInventoryReserved:   {sign: signPositive},
	enums.EventInventoryReleased:   {sign: signNonPositive},
	enums.EventInventoryAdjusted:   {sign: signAny, adjustment: true},
	enums.EventInventoryHeld:       {sign: signPositive, referenceID: true},
	enums.EventHoldReleased:        {sign: signNonPositive, referenceID: true},
	enums.EventAllotmentPickedUp:   {sign: signPositive, allotmentCode: true},
	enums.EventAllotmentPickupBack: {sign: signNonPositive, allotmentCode: true},
}

// Validate enforces the field set of the event's variant.
func (e InventoryEvent) Validate() error {
	v, ok := variants[e.EventType]
	if !ok {
		return fmt.Errorf("unsupported event type %q", e.EventType)
	}
	if e.CorrelationID == "" {
		return fmt.Errorf("%s: correlation_id is required", e.EventType)
	}
	if e.PropertyID == uuid.Nil || e.RoomTypeID == uuid.Nil {
		return fmt.Errorf("%s: property_id and room_type_id are required", e.EventType)
	}
	if _, err := time.Parse("2006-01-02", e.StayDate); err != nil {
		return fmt.Errorf("%s: invalid stay_date %q", e.EventType, e.StayDate)
	}
	if e.ResultingAvailableCount < 0 {
		return fmt.Errorf("%s: resulting_available_count cannot be negative", e.EventType)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%s: occurred_at is required", e.EventType)
	}

	switch v.sign {
	case signPositive:
		if e.Delta <= 0 {
			return fmt.Errorf("%s: delta must be positive", e.EventType)
		}
	case signNonPositive:
		if e.Delta > 0 {
			return fmt.Errorf("%s: delta cannot be positive", e.EventType)
		}
	case signNonNegative:
		if e.Delta < 0 {
			return fmt.Errorf("%s: delta cannot be negative", e.EventType)
		}
	}

	if v.adjustment != (e.Adjustment != nil) {
		return fmt.Errorf("%s: adjustment detail mismatch", e.EventType)
	}
	if v.referenceID != (e.ReferenceID != "") {
		return fmt.Errorf("%s: reference_id mismatch", e.EventType)
	}
	if v.allotmentCode != (e.AllotmentCode != "") {
		return fmt.Errorf("%s: allotment_code mismatch", e.EventType)
	}
	if e.LedgerOverflow != nil {
		if !v.allotmentCode {
			return fmt.Errorf("%s: ledger_overflow is only valid on allotment events", e.EventType)
		}
		if e.LedgerOverflow.Delta == 0 {
			return fmt.Errorf("%s: ledger_overflow delta cannot be zero", e.EventType)
		}
		if e.LedgerOverflow.ResultingAvailableCount < 0 {
			return fmt.Errorf("%s: ledger_overflow resulting_available_count cannot be negative", e.EventType)
		}
	}
	return nil
}

// New builds and validates a payload.
func New(event InventoryEvent) (InventoryEvent, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return InventoryEvent{}, err
	}
	return event, nil
}

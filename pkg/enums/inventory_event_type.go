package enums

import "fmt"

// InventoryEventType names what a journal entry recorded.
type InventoryEventType string

const (
	EventInventoryPreloaded  InventoryEventType = "INVENTORY_PRELOADED"
	EventInventoryReserved   InventoryEventType = "INVENTORY_RESERVED"
	EventInventoryReleased   InventoryEventType = "INVENTORY_RELEASED"
	EventInventoryAdjusted   InventoryEventType = "INVENTORY_ADJUSTED"
	EventInventoryHeld       InventoryEventType = "INVENTORY_HELD"
	EventHoldReleased        InventoryEventType = "HOLD_RELEASED"
	EventAllotmentPickedUp   InventoryEventType = "ALLOTMENT_PICKED_UP"
	EventAllotmentPickupBack InventoryEventType = "ALLOTMENT_PICKUP_RELEASED"
)

var validInventoryEventTypes = []InventoryEventType{
	EventInventoryPreloaded,
	EventInventoryReserved,
	EventInventoryReleased,
	EventInventoryAdjusted,
	EventInventoryHeld,
	EventHoldReleased,
	EventAllotmentPickedUp,
	EventAllotmentPickupBack,
}

// IsValid reports whether the value is one of the closed set of event types.
func (e InventoryEventType) IsValid() bool {
	for _, candidate := range validInventoryEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseInventoryEventType converts raw input into InventoryEventType.
func ParseInventoryEventType(value string) (InventoryEventType, error) {
	for _, candidate := range validInventoryEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid inventory event type %q", value)
}

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stayledger/pkg/enums"
)

// InventoryEvent is an immutable journal entry. (correlation_id, stay_date) is
// the idempotency key.
type InventoryEvent struct {
	ID                 uuid.UUID                `gorm:"column:id;type:uuid;primaryKey"`
	EventType          enums.InventoryEventType `gorm:"column:event_type;type:text;not null"`
	CorrelationID      string                   `gorm:"column:correlation_id;type:text;not null;uniqueIndex:ux_inventory_events_correlation_date,priority:1"`
	StayDate           time.Time                `gorm:"column:stay_date;type:date;not null;uniqueIndex:ux_inventory_events_correlation_date,priority:2"`
	PropertyID         uuid.UUID                `gorm:"column:property_id;type:uuid;not null"`
	RoomTypeID         uuid.UUID                `gorm:"column:room_type_id;type:uuid;not null"`
	Delta              int                      `gorm:"column:delta;not null"`
	ResultingAvailable int                      `gorm:"column:resulting_available_count;not null"`
	Payload            json.RawMessage          `gorm:"column:payload;type:jsonb;not null"`
	CreatedAt          time.Time                `gorm:"column:created_at;autoCreateTime"`
}

func (InventoryEvent) TableName() string { return "inventory_events" }

func (e *InventoryEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

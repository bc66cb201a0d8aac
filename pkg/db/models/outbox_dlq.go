package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stayledger/pkg/enums"
)

// OutboxDLQ parks events whose publish budget ran out, for manual or scheduled redrive.
type OutboxDLQ struct {
	ID                 uuid.UUID                  `gorm:"column:id;type:uuid;primaryKey"`
	EventID            uuid.UUID                  `gorm:"column:event_id;type:uuid;not null;uniqueIndex:ux_inventory_event_dlq_event"`
	EventType          enums.InventoryEventType   `gorm:"column:event_type;type:text;not null"`
	AggregateType      enums.OutboxAggregateType  `gorm:"column:aggregate_type;type:text;not null"`
	AggregateID        uuid.UUID                  `gorm:"column:aggregate_id;type:uuid;not null"`
	Topic              string                     `gorm:"column:topic;type:text;not null"`
	Payload            json.RawMessage            `gorm:"column:payload_json;type:jsonb;not null"`
	ErrorReason        enums.OutboxDLQErrorReason `gorm:"column:error_reason;type:text;not null"`
	ErrorMessage       *string                    `gorm:"column:error_message"`
	AttemptCount       int                        `gorm:"column:attempt_count;not null;default:0"`
	FailedAt           time.Time                  `gorm:"column:failed_at;not null"`
	RedriveRequestedAt *time.Time                 `gorm:"column:redrive_requested_at"`
	CreatedAt          time.Time                  `gorm:"column:created_at;autoCreateTime"`
}

func (OutboxDLQ) TableName() string { return "inventory_event_dlq" }

func (d *OutboxDLQ) BeforeCreate(*gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

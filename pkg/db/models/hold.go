package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Hold is a temporary soft reservation owned by the caller supplied reference id.
type Hold struct {
	ID          uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	ReferenceID string     `gorm:"column:reference_id;type:text;not null;uniqueIndex:ux_inventory_holds_reference"`
	PropertyID  uuid.UUID  `gorm:"column:property_id;type:uuid;not null"`
	RoomTypeID  uuid.UUID  `gorm:"column:room_type_id;type:uuid;not null"`
	StartDate   time.Time  `gorm:"column:start_date;type:date;not null"`
	EndDate     time.Time  `gorm:"column:end_date;type:date;not null"`
	Quantity    int        `gorm:"column:quantity;not null"`
	ExpiresAt   time.Time  `gorm:"column:expires_at;not null;index:ix_inventory_holds_expiry"`
	ReleasedAt  *time.Time `gorm:"column:released_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (Hold) TableName() string { return "inventory_holds" }

func (h *Hold) BeforeCreate(*gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}

// Active reports whether the hold still occupies inventory.
func (h Hold) Active() bool {
	return h.ReleasedAt == nil
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stayledger/pkg/enums"
)

// Allotment is one stay date of a contracted room block. Rows sharing a Code
// form the block.
type Allotment struct {
	ID            uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	Code          string              `gorm:"column:code;type:text;not null;uniqueIndex:ux_allotments_block_date,priority:1"`
	PropertyID    uuid.UUID           `gorm:"column:property_id;type:uuid;not null;uniqueIndex:ux_allotments_block_date,priority:2"`
	RoomTypeID    uuid.UUID           `gorm:"column:room_type_id;type:uuid;not null;uniqueIndex:ux_allotments_block_date,priority:3"`
	StayDate      time.Time           `gorm:"column:stay_date;type:date;not null;uniqueIndex:ux_allotments_block_date,priority:4"`
	Type          enums.AllotmentType `gorm:"column:allotment_type;type:text;not null"`
	TotalRooms    int                 `gorm:"column:total_rooms;not null"`
	PickedUpRooms int                 `gorm:"column:picked_up_rooms;not null;default:0"`
	Version       int64               `gorm:"column:version;not null;default:1"`
	CreatedAt     time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (Allotment) TableName() string { return "allotments" }

func (a *Allotment) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Overflow is the number of picked up rooms above the contracted block.
func (a Allotment) Overflow() int {
	if a.PickedUpRooms > a.TotalRooms {
		return a.PickedUpRooms - a.TotalRooms
	}
	return 0
}

// Remaining is the unpicked part of the block, never negative.
func (a Allotment) Remaining() int {
	if a.PickedUpRooms >= a.TotalRooms {
		return 0
	}
	return a.TotalRooms - a.PickedUpRooms
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AvailabilityLedger is the per (property, room type, stay date) inventory
// counter row and the unit of locking.
type AvailabilityLedger struct {
	ID               uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	PropertyID       uuid.UUID `gorm:"column:property_id;type:uuid;not null;uniqueIndex:ux_availability_ledger_key,priority:1"`
	RoomTypeID       uuid.UUID `gorm:"column:room_type_id;type:uuid;not null;uniqueIndex:ux_availability_ledger_key,priority:2"`
	StayDate         time.Time `gorm:"column:stay_date;type:date;not null;uniqueIndex:ux_availability_ledger_key,priority:3"`
	PhysicalCount    int       `gorm:"column:physical_count;not null;default:0"`
	SoldCount        int       `gorm:"column:sold_count;not null;default:0"`
	HeldCount        int       `gorm:"column:held_count;not null;default:0"`
	OutOfOrderCount  int       `gorm:"column:out_of_order_count;not null;default:0"`
	OverbookingLimit int       `gorm:"column:overbooking_limit;not null;default:0"`
	Version          int64     `gorm:"column:version;not null;default:1"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (AvailabilityLedger) TableName() string { return "availability_ledger" }

func (l *AvailabilityLedger) BeforeCreate(*gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// Capacity is the sellable ceiling: physical rooms plus overbooking headroom.
func (l AvailabilityLedger) Capacity() int {
	return l.PhysicalCount + l.OverbookingLimit
}

// Committed is everything currently consuming capacity.
func (l AvailabilityLedger) Committed() int {
	return l.SoldCount + l.HeldCount + l.OutOfOrderCount
}

// Available is clamped at zero whatever the stored counters say.
func (l AvailabilityLedger) Available() int {
	available := l.Capacity() - l.Committed()
	if available < 0 {
		return 0
	}
	return available
}

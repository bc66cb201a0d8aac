package inventory

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/stayledger/internal/cache"
	"github.com/angelmondragon/stayledger/internal/ledger"
)

// RangeQuery addresses an inclusive range of stay dates.
type RangeQuery struct {
	PropertyID uuid.UUID `json:"property_id" validate:"required"`
	RoomTypeID uuid.UUID `json:"room_type_id" validate:"required"`
	StartDate  time.Time `json:"start_date" validate:"required"`
	EndDate    time.Time `json:"end_date" validate:"required"`
}

type CheckRequest struct {
	RangeQuery
	// Quantity is optional; when set the result reports whether every date can take it.
	Quantity int `json:"quantity" validate:"gte=0"`
}

type PreloadRequest struct {
	RangeQuery
	PhysicalCount    int `json:"physical_count" validate:"gte=0"`
	OverbookingLimit int `json:"overbooking_limit" validate:"gte=0"`
}

// MutationRequest is the shape of reserve and release.
type MutationRequest struct {
	RangeQuery
	Quantity      int    `json:"quantity" validate:"min=1"`
	CorrelationID string `json:"correlation_id" validate:"required,max=128"`
}

type AdjustRequest struct {
	PropertyID uuid.UUID         `json:"property_id" validate:"required"`
	RoomTypeID uuid.UUID         `json:"room_type_id" validate:"required"`
	StayDate   time.Time         `json:"stay_date" validate:"required"`
	Deltas     ledger.Adjustment `json:"deltas"`
	// CorrelationID is generated when empty; adjustments are not retried by callers.
	CorrelationID string `json:"correlation_id" validate:"max=128"`
}

type AvailabilityResult struct {
	Dates []cache.Snapshot `json:"dates"`
	// Satisfiable is set when a quantity was requested and every date can take it.
	Satisfiable bool `json:"satisfiable"`
}

type PreloadResult struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// DateOutcome is the recorded result of a mutation on one stay date.
type DateOutcome struct {
	StayDate  string `json:"stay_date"`
	Delta     int    `json:"delta"`
	Available int    `json:"resulting_available_count"`
	Duplicate bool   `json:"duplicate"`
}

type MutationResult struct {
	CorrelationID string        `json:"correlation_id"`
	Dates         []DateOutcome `json:"dates"`
}

// Duplicate reports whether every date replayed a prior outcome.
func (r MutationResult) Duplicate() bool {
	if len(r.Dates) == 0 {
		return false
	}
	for _, d := range r.Dates {
		if !d.Duplicate {
			return false
		}
	}
	return true
}

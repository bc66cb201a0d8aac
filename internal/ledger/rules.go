package ledger

import (
	"github.com/angelmondragon/stayledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/stayledger/pkg/errors"
)

// Policy carries the tunable capacity rules applied to every mutation.
type Policy struct {
	// OverbookingCoversHolds lets holds consume overbooking headroom. When
	// false, holds are capped at physical - sold - out of order.
	OverbookingCoversHolds bool
}

// Adjustment holds administrative deltas. Zero fields leave the counter untouched.
type Adjustment struct {
	Physical         int `json:"physical_delta"`
	OverbookingLimit int `json:"overbooking_delta"`
	OutOfOrder       int `json:"out_of_order_delta"`
}

func (a Adjustment) IsZero() bool {
	return a.Physical == 0 && a.OverbookingLimit == 0 && a.OutOfOrder == 0
}

// CheckInvariant fails when the row consumes more than its capacity or carries negative counters.
func CheckInvariant(row models.AvailabilityLedger) error {
	if row.PhysicalCount < 0 || row.SoldCount < 0 || row.HeldCount < 0 || row.OutOfOrderCount < 0 || row.OverbookingLimit < 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "ledger counters cannot be negative")
	}
	if row.Committed() > row.Capacity() {
		return insufficient(row, 0)
	}
	return nil
}

// Reserve sells qty rooms on the row.
func (p Policy) Reserve(row *models.AvailabilityLedger, qty int) error {
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	if row.Committed()+qty > row.Capacity() {
		return insufficient(*row, qty)
	}
	row.SoldCount += qty
	return nil
}

// Release returns up to qty sold rooms, clamped at zero, and reports how many were returned.
func (p Policy) Release(row *models.AvailabilityLedger, qty int) int {
	released := min(qty, row.SoldCount)
	if released < 0 {
		released = 0
	}
	row.SoldCount -= released
	return released
}

// Hold places qty rooms on hold.
func (p Policy) Hold(row *models.AvailabilityLedger, qty int) error {
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	if row.Committed()+qty > row.Capacity() {
		return insufficient(*row, qty)
	}
	if !p.OverbookingCoversHolds && row.SoldCount+row.OutOfOrderCount+row.HeldCount+qty > row.PhysicalCount {
		return insufficient(*row, qty)
	}
	row.HeldCount += qty
	return nil
}

// ReleaseHold drops up to qty held rooms, clamped at zero.
func (p Policy) ReleaseHold(row *models.AvailabilityLedger, qty int) int {
	released := min(qty, row.HeldCount)
	if released < 0 {
		released = 0
	}
	row.HeldCount -= released
	return released
}

// Adjust applies administrative deltas, rejecting results that break the row invariant.
func (p Policy) Adjust(row *models.AvailabilityLedger, adj Adjustment) error {
	if adj.IsZero() {
		return pkgerrors.New(pkgerrors.CodeValidation, "adjustment has no deltas")
	}
	next := *row
	next.PhysicalCount += adj.Physical
	next.OverbookingLimit += adj.OverbookingLimit
	next.OutOfOrderCount += adj.OutOfOrder
	if err := CheckInvariant(next); err != nil {
		return err
	}
	*row = next
	return nil
}

func insufficient(row models.AvailabilityLedger, requested int) error {
	return pkgerrors.New(pkgerrors.CodeInsufficientInventory, "insufficient inventory").WithDetails(map[string]any{
		"stay_date": FormatDay(row.StayDate),
		"requested": requested,
		"available": row.Available(),
	})
}

package ledger

import (
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/stayledger/pkg/errors"
)

const dayLayout = "2006-01-02"

// Key addresses one ledger row.
type Key struct {
	PropertyID uuid.UUID
	RoomTypeID uuid.UUID
	StayDate   time.Time
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDay renders a stay date the way keys and payloads carry it.
func FormatDay(t time.Time) string {
	return Day(t).Format(dayLayout)
}

// ParseDay parses a YYYY-MM-DD stay date.
func ParseDay(value string) (time.Time, error) {
	parsed, err := time.Parse(dayLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return Day(parsed), nil
}

// Dates expands the inclusive range [start, end] into ascending stay dates.
// Lock acquisition relies on this order.
func Dates(start, end time.Time) []time.Time {
	from, to := Day(start), Day(end)
	if to.Before(from) {
		return nil
	}
	out := make([]time.Time, 0, DayCount(from, to))
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// DayCount is the number of stay dates in the inclusive range [start, end],
// or zero for an inverted range. It never materialises the dates.
func DayCount(start, end time.Time) int {
	from, to := Day(start), Day(end)
	if to.Before(from) {
		return 0
	}
	return int((to.Unix()-from.Unix())/86400) + 1
}

// ValidateRange rejects inverted ranges and ranges longer than maxDays. A
// non-positive maxDays disables the length check.
func ValidateRange(start, end time.Time, maxDays int) error {
	days := DayCount(start, end)
	if days == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "end_date must not be before start_date").WithDetails(map[string]any{
			"start_date": FormatDay(start),
			"end_date":   FormatDay(end),
		})
	}
	if maxDays > 0 && days > maxDays {
		return pkgerrors.New(pkgerrors.CodeValidation, "date range too long").WithDetails(map[string]any{
			"days":     days,
			"max_days": maxDays,
		})
	}
	return nil
}

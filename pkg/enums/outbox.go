package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type column of outbox rows.
type OutboxAggregateType string

const (
	AggregateLedgerRow OutboxAggregateType = "ledger_row"
	AggregateHold      OutboxAggregateType = "hold"
	AggregateAllotment OutboxAggregateType = "allotment"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateLedgerRow,
	AggregateHold,
	AggregateAllotment,
}

// IsValid reports whether the value matches a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

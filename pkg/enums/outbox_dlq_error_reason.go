package enums

import "fmt"

// OutboxDLQErrorReason records why the publisher parked an outbox row.
type OutboxDLQErrorReason string

const (
	// OutboxDLQReasonMaxAttempts: the row exhausted its lifetime attempt budget.
	OutboxDLQReasonMaxAttempts OutboxDLQErrorReason = "max_attempts"
	// OutboxDLQReasonNonRetryable: the broker or routing rejected the event outright.
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
	// OutboxDLQReasonRetryBudget: a single delivery ran out of in-process retries.
	OutboxDLQReasonRetryBudget OutboxDLQErrorReason = "retry_budget_exhausted"
)

var outboxDLQReasonLabels = map[OutboxDLQErrorReason]string{
	OutboxDLQReasonMaxAttempts:  "attempt budget exhausted",
	OutboxDLQReasonNonRetryable: "rejected as non-retryable",
	OutboxDLQReasonRetryBudget:  "delivery retries exhausted",
}

func (r OutboxDLQErrorReason) IsValid() bool {
	_, ok := outboxDLQReasonLabels[r]
	return ok
}

// Transient reports whether the failure may clear without operator changes.
// Non-retryable rows usually need a routing or payload fix before a redrive.
func (r OutboxDLQErrorReason) Transient() bool {
	return r == OutboxDLQReasonMaxAttempts || r == OutboxDLQReasonRetryBudget
}

func (r OutboxDLQErrorReason) Label() string {
	if label, ok := outboxDLQReasonLabels[r]; ok {
		return label
	}
	return string(r)
}

func ParseOutboxDLQErrorReason(value string) (OutboxDLQErrorReason, error) {
	reason := OutboxDLQErrorReason(value)
	if !reason.IsValid() {
		return "", fmt.Errorf("invalid dlq error reason %q", value)
	}
	return reason, nil
}

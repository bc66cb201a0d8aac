package enums

import "testing"

func TestInventoryEventTypeParse(t *testing.T) {
	got, err := ParseInventoryEventType("INVENTORY_RESERVED")
	if err != nil || got != EventInventoryReserved {
		t.Fatalf("unexpected parse result %q err=%v", got, err)
	}
	if _, err := ParseInventoryEventType("inventory_reserved"); err == nil {
		t.Fatalf("parsing is case sensitive")
	}
	if InventoryEventType("BOGUS").IsValid() {
		t.Fatalf("unexpected valid type")
	}
}

func TestAllotmentTypeParse(t *testing.T) {
	for _, raw := range []string{"ELASTIC", "NON_ELASTIC", "COMMITTED", "TENTATIVE"} {
		parsed, err := ParseAllotmentType(raw)
		if err != nil || !parsed.IsValid() {
			t.Fatalf("expected %s to parse, err=%v", raw, err)
		}
	}
	if _, err := ParseAllotmentType("FLEXIBLE"); err == nil {
		t.Fatalf("expected error for unknown allotment type")
	}
}

func TestOutboxAggregateType(t *testing.T) {
	if !AggregateLedgerRow.IsValid() || OutboxAggregateType("vendor_order").IsValid() {
		t.Fatalf("unexpected aggregate validity")
	}
	if !OutboxDLQReasonRetryBudget.IsValid() {
		t.Fatalf("retry budget reason should be valid")
	}
}

func TestOutboxDLQErrorReason(t *testing.T) {
	parsed, err := ParseOutboxDLQErrorReason("non_retryable")
	if err != nil || parsed != OutboxDLQReasonNonRetryable {
		t.Fatalf("unexpected parse result %q err=%v", parsed, err)
	}
	if parsed.Transient() {
		t.Fatalf("non-retryable rows are not transient")
	}
	if !OutboxDLQReasonMaxAttempts.Transient() || !OutboxDLQReasonRetryBudget.Transient() {
		t.Fatalf("budget reasons should be transient")
	}
	if _, err := ParseOutboxDLQErrorReason("timeout"); err == nil {
		t.Fatalf("expected error for unknown reason")
	}
	if OutboxDLQErrorReason("timeout").Label() != "timeout" {
		t.Fatalf("unknown reasons label as themselves")
	}
}

package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestSweepMetricsRecordOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSweepMetrics(reg)
	m.Observe("hold-expiry", nil, 250*time.Millisecond)
	m.Observe("hold-expiry", errors.New("boom"), time.Millisecond)
	m.IncSkipped()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	runs := findMetricFamily(mfs, "inventory_sweep_runs_total")
	if runs == nil || len(runs.GetMetric()) != 2 {
		t.Fatalf("expected success and failure series, got %v", runs)
	}
	for _, metric := range runs.GetMetric() {
		if !matchesLabel(metric.GetLabel(), "job", "hold-expiry") || metric.GetCounter().GetValue() != 1 {
			t.Fatalf("unexpected run series %v", metric)
		}
	}
	if got, err := fetchHistogramSum(mfs, "inventory_sweep_duration_seconds", "job", "hold-expiry"); err != nil || got <= 0.25 {
		t.Fatalf("expected duration sum above 0.25s, got %f err=%v", got, err)
	}
	last := findMetricFamily(mfs, "inventory_sweep_last_success_timestamp_seconds")
	if last == nil || last.GetMetric()[0].GetGauge().GetValue() <= 0 {
		t.Fatalf("expected last success timestamp, got %v", last)
	}
	skipped := findMetricFamily(mfs, "inventory_sweep_cycles_skipped_total")
	if skipped == nil || skipped.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Fatalf("expected one skipped cycle, got %v", skipped)
	}
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetHistogram().GetSampleSum(), nil
		}
	}
	return 0, fmt.Errorf("histogram %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}

func TestInventoryMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	inv := NewInventoryMetrics(reg)
	pub := NewPublisherMetrics(reg)

	inv.Observe("reserve", OutcomeSuccess, 10*time.Millisecond)
	inv.Observe("reserve", OutcomeSuccess, 5*time.Millisecond)
	inv.IncLockRetry("reserve")
	pub.Inc(PublishDelivered)
	pub.SetQueueDepth(3)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchCounterValue(mfs, "inventory_lock_retries_total", "operation", "reserve"); err != nil || got != 1 {
		t.Fatalf("expected 1 lock retry, got %f err=%v", got, err)
	}
	if got, err := fetchCounterValue(mfs, "inventory_publish_total", "outcome", PublishDelivered); err != nil || got != 1 {
		t.Fatalf("expected 1 delivered publish, got %f err=%v", got, err)
	}
	ops := findMetricFamily(mfs, "inventory_operations_total")
	if ops == nil || len(ops.GetMetric()) != 1 || ops.GetMetric()[0].GetCounter().GetValue() != 2 {
		t.Fatalf("unexpected operations family %v", ops)
	}
	depth := findMetricFamily(mfs, "inventory_publish_queue_depth")
	if depth == nil || depth.GetMetric()[0].GetGauge().GetValue() != 3 {
		t.Fatalf("unexpected queue depth %v", depth)
	}
}

func TestNilRegistererIsNoop(t *testing.T) {
	var inv *InventoryMetrics
	inv.Observe("reserve", OutcomeBusy, time.Millisecond)
	NewInventoryMetrics(nil).IncLockRetry("reserve")
	NewPublisherMetrics(nil).Inc(PublishParked)
	var sweeps *SweepMetrics
	sweeps.Observe("hold-expiry", nil, time.Second)
	NewSweepMetrics(nil).IncSkipped()
}

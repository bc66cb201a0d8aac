package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeDuplicate    = "duplicate"
	OutcomeInsufficient = "insufficient"
	OutcomeBusy         = "busy"
	OutcomeRejected     = "rejected"
	OutcomeError        = "error"
)

// InventoryMetrics instruments inventory use cases.
type InventoryMetrics struct {
	operations  *prometheus.CounterVec
	lockRetries *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewInventoryMetrics registers the inventory collectors. A nil registerer
// yields a no-op recorder.
func NewInventoryMetrics(reg prometheus.Registerer) *InventoryMetrics {
	if reg == nil {
		return &InventoryMetrics{}
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_operations_total",
		Help: "Inventory use case executions by outcome.",
	}, []string{"operation", "outcome"})
	lockRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_lock_retries_total",
		Help: "Units of work retried after lock contention.",
	}, []string{"operation"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inventory_operation_duration_seconds",
		Help:    "Wall time of inventory use cases including retries.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"operation"})
	reg.MustRegister(operations, lockRetries, duration)
	return &InventoryMetrics{operations: operations, lockRetries: lockRetries, duration: duration}
}

func (m *InventoryMetrics) Observe(operation, outcome string, elapsed time.Duration) {
	if m == nil || m.operations == nil {
		return
	}
	m.operations.WithLabelValues(normalizeLabel(operation), outcome).Inc()
	m.duration.WithLabelValues(normalizeLabel(operation)).Observe(elapsed.Seconds())
}

func (m *InventoryMetrics) IncLockRetry(operation string) {
	if m == nil || m.lockRetries == nil {
		return
	}
	m.lockRetries.WithLabelValues(normalizeLabel(operation)).Inc()
}

// PublisherMetrics instruments event delivery.
type PublisherMetrics struct {
	publishes  *prometheus.CounterVec
	queueDepth prometheus.Gauge
}

// Publish outcomes.
const (
	PublishDelivered = "delivered"
	PublishRetried   = "retried"
	PublishParked    = "dead_lettered"
	PublishDropped   = "queue_full"
	PublishSkipped   = "claimed_elsewhere"
)

func NewPublisherMetrics(reg prometheus.Registerer) *PublisherMetrics {
	if reg == nil {
		return &PublisherMetrics{}
	}
	publishes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_publish_total",
		Help: "Event publish attempts by outcome.",
	}, []string{"outcome"})
	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "inventory_publish_queue_depth",
		Help: "Committed events waiting for a dispatcher worker.",
	})
	reg.MustRegister(publishes, queueDepth)
	return &PublisherMetrics{publishes: publishes, queueDepth: queueDepth}
}

func (m *PublisherMetrics) Inc(outcome string) {
	if m == nil || m.publishes == nil {
		return
	}
	m.publishes.WithLabelValues(outcome).Inc()
}

func (m *PublisherMetrics) SetQueueDepth(depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

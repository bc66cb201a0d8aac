package publisher

import (
	"context"
	"errors"
	"sync"

	"github.com/angelmondragon/stayledger/pkg/db/models"
	"github.com/angelmondragon/stayledger/pkg/logger"
	"github.com/angelmondragon/stayledger/pkg/metrics"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 1024
)

type deliverer interface {
	Deliver(ctx context.Context, event models.OutboxEvent) error
}

type DispatcherOptions struct {
	Workers   int
	QueueSize int
	Metrics   *metrics.PublisherMetrics
	Logger    *logger.Logger
}

// Dispatcher is the post-commit fast path. Enqueue never blocks the caller;
// when the queue is full the event is dropped and the relay picks the row up
// after its grace period.
type Dispatcher struct {
	deliver deliverer
	workers int
	metrics *metrics.PublisherMetrics
	logg    *logger.Logger

	mu      sync.RWMutex
	queue   chan models.OutboxEvent
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func NewDispatcher(d deliverer, opts DispatcherOptions) (*Dispatcher, error) {
	if d == nil {
		return nil, errors.New("deliverer is required")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Dispatcher{
		deliver: d,
		workers: workers,
		metrics: opts.Metrics,
		logg:    opts.Logger,
		queue:   make(chan models.OutboxEvent, size),
	}, nil
}

// Start launches the workers. Deliveries run under ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for event := range d.queue {
		d.metrics.SetQueueDepth(len(d.queue))
		if err := d.deliver.Deliver(ctx, event); err != nil && d.logg != nil {
			logCtx := d.logg.WithField(ctx, "outbox_id", event.ID.String())
			d.logg.Error(logCtx, "post-commit delivery failed", err)
		}
	}
}

// Enqueue implements uow.Dispatcher.
func (d *Dispatcher) Enqueue(ctx context.Context, events ...models.OutboxEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, event := range events {
		if d.closed {
			d.drop(ctx, event, "dispatcher stopped")
			continue
		}
		select {
		case d.queue <- event:
			d.metrics.SetQueueDepth(len(d.queue))
		default:
			d.drop(ctx, event, "dispatch queue full")
		}
	}
}

func (d *Dispatcher) drop(ctx context.Context, event models.OutboxEvent, msg string) {
	d.metrics.Inc(metrics.PublishDropped)
	if d.logg == nil {
		return
	}
	logCtx := d.logg.WithFields(ctx, map[string]any{
		"outbox_id":  event.ID.String(),
		"event_type": event.EventType,
	})
	d.logg.Warn(logCtx, msg+", leaving event for the relay")
}

// Stop refuses new events, drains the queue and waits for the workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()
	if started {
		d.wg.Wait()
	}
}

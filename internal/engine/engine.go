// Package engine assembles the inventory service graph shared by the worker
// binaries: repositories, the unit-of-work executor, the post-commit
// dispatcher and the publisher that feeds the event bus.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/stayledger/internal/allotments"
	"github.com/angelmondragon/stayledger/internal/cache"
	"github.com/angelmondragon/stayledger/internal/holds"
	"github.com/angelmondragon/stayledger/internal/inventory"
	"github.com/angelmondragon/stayledger/internal/journal"
	"github.com/angelmondragon/stayledger/internal/ledger"
	"github.com/angelmondragon/stayledger/internal/publisher"
	"github.com/angelmondragon/stayledger/internal/uow"
	"github.com/angelmondragon/stayledger/pkg/config"
	"github.com/angelmondragon/stayledger/pkg/db"
	"github.com/angelmondragon/stayledger/pkg/eventbus"
	"github.com/angelmondragon/stayledger/pkg/instance"
	"github.com/angelmondragon/stayledger/pkg/logger"
	"github.com/angelmondragon/stayledger/pkg/metrics"
	"github.com/angelmondragon/stayledger/pkg/outbox"
	"github.com/angelmondragon/stayledger/pkg/outbox/idempotency"
	"github.com/angelmondragon/stayledger/pkg/outbox/registry"
	"github.com/angelmondragon/stayledger/pkg/redis"
)

type Params struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         *db.Client
	Bus        eventbus.Bus
	Redis      *redis.Client
	Registerer prometheus.Registerer
	// Name identifies this process in delivery claims and logs.
	Name string
}

// Engine is the wired service graph. Start the dispatcher before mutating and
// Stop it before closing the database.
type Engine struct {
	Inventory  *inventory.Service
	Allotments *allotments.Service
	Holds      *holds.Manager
	Publisher  *publisher.Publisher
	Dispatcher *publisher.Dispatcher
	Outbox     *outbox.Repository
	DLQ        *outbox.DLQRepository
	Registry   *registry.EventRegistry

	cfg  *config.Config
	logg *logger.Logger
	db   *db.Client
}

func New(p Params) (*Engine, error) {
	switch {
	case p.Config == nil:
		return nil, errors.New("config is required")
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	case p.DB == nil:
		return nil, errors.New("database client is required")
	case p.Bus == nil:
		return nil, errors.New("event bus is required")
	}
	cfg := p.Config
	conn := p.DB.DB()

	eventRegistry, err := registry.NewEventRegistry(cfg.EventBus)
	if err != nil {
		return nil, fmt.Errorf("event registry: %w", err)
	}
	outboxRepo := outbox.NewRepository(conn)
	dlqRepo := outbox.NewDLQRepository(conn)
	j, err := journal.New(journal.NewRepository(conn), outbox.NewService(outboxRepo, eventRegistry, p.Logger))
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}

	var (
		claims     publisher.Claimer
		cacheStore cache.Store
	)
	if p.Redis != nil {
		manager, err := idempotency.NewManager(p.Redis, instance.GetID(), cfg.Outbox.ClaimTTL)
		if err != nil {
			return nil, fmt.Errorf("delivery claims: %w", err)
		}
		claims = manager
		cacheStore = p.Redis
	}

	publisherMetrics := metrics.NewPublisherMetrics(p.Registerer)
	pub, err := publisher.New(publisher.Params{
		Name:        p.Name,
		Runner:      p.DB,
		Repository:  outboxRepo,
		DLQ:         dlqRepo,
		Registry:    eventRegistry,
		Bus:         p.Bus,
		Claims:      claims,
		Retry:       publisher.PolicyFromConfig(cfg.Outbox),
		MaxAttempts: cfg.Outbox.MaxAttempts,
		Metrics:     publisherMetrics,
		Logger:      p.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("publisher: %w", err)
	}
	dispatcher, err := publisher.NewDispatcher(pub, publisher.DispatcherOptions{
		Workers:   cfg.Outbox.Workers,
		QueueSize: cfg.Outbox.QueueSize,
		Metrics:   publisherMetrics,
		Logger:    p.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	inventoryMetrics := metrics.NewInventoryMetrics(p.Registerer)
	cacheLayer := cache.New(cacheStore, cfg.Cache, p.Logger)
	exec, err := uow.NewExecutor(p.DB, uow.Options{
		Retry:      uow.PolicyFromConfig(cfg.Inventory),
		Dispatcher: dispatcher,
		Cache:      cacheLayer,
		Metrics:    inventoryMetrics,
		Logger:     p.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}

	ledgerRepo := ledger.NewRepository(conn)
	locks := ledger.NewLockCoordinator()
	holdManager, err := holds.NewManager(holds.Deps{
		Repo:     holds.NewRepository(conn),
		Ledger:   ledgerRepo,
		Locks:    locks,
		Journal:  j,
		Executor: exec,
		Config:   cfg.Inventory,
		Logger:   p.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("hold manager: %w", err)
	}
	inventoryService, err := inventory.NewService(inventory.Deps{
		Ledger:   ledgerRepo,
		Locks:    locks,
		Journal:  j,
		Executor: exec,
		Holds:    holdManager,
		Cache:    cacheLayer,
		Config:   cfg.Inventory,
		Metrics:  inventoryMetrics,
		Logger:   p.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("inventory service: %w", err)
	}
	allotmentService, err := allotments.NewService(allotments.Deps{
		Repo:     allotments.NewRepository(conn),
		Ledger:   ledgerRepo,
		Locks:    locks,
		Journal:  j,
		Executor: exec,
		Config:   cfg.Inventory,
		Logger:   p.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("allotment service: %w", err)
	}

	return &Engine{
		Inventory:  inventoryService,
		Allotments: allotmentService,
		Holds:      holdManager,
		Publisher:  pub,
		Dispatcher: dispatcher,
		Outbox:     outboxRepo,
		DLQ:        dlqRepo,
		Registry:   eventRegistry,
		cfg:        cfg,
		logg:       p.Logger,
		db:         p.DB,
	}, nil
}

// Start launches the dispatcher workers.
func (e *Engine) Start(ctx context.Context) {
	e.Dispatcher.Start(ctx)
}

// Stop drains the dispatcher. Events still queued are delivered first.
func (e *Engine) Stop() {
	e.Dispatcher.Stop()
}

// Relay builds the outbox relay over this engine's publisher.
func (e *Engine) Relay(pingers map[string]publisher.Pinger) (*publisher.Relay, error) {
	return publisher.NewRelay(publisher.RelayParams{
		Config:     e.cfg.Outbox,
		Logger:     e.logg,
		Runner:     e.db,
		Repository: e.Outbox,
		Publisher:  e.Publisher,
		Pingers:    pingers,
	})
}

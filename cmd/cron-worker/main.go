package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/stayledger/internal/cron"
	"github.com/angelmondragon/stayledger/internal/engine"
	"github.com/angelmondragon/stayledger/internal/ops"
	"github.com/angelmondragon/stayledger/pkg/config"
	"github.com/angelmondragon/stayledger/pkg/db"
	"github.com/angelmondragon/stayledger/pkg/eventbus"
	"github.com/angelmondragon/stayledger/pkg/instance"
	"github.com/angelmondragon/stayledger/pkg/logger"
	"github.com/angelmondragon/stayledger/pkg/metrics"
	"github.com/angelmondragon/stayledger/pkg/migrate"
	"github.com/angelmondragon/stayledger/pkg/redis"
)

const serviceKind = "cron-worker"

func main() {
	once := flag.Bool("once", false, "run every sweep a single time and exit")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: serviceKind})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = serviceKind

	logg = logger.New(logger.Options{
		ServiceName: serviceKind,
		Level:       cfg.App.LogLevel,
		Format:      cfg.App.LogFormat(),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	bus, err := eventbus.New(context.Background(), cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap event bus", err)
		os.Exit(1)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logg.Error(context.Background(), "error closing event bus", err)
		}
	}()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eng, err := engine.New(engine.Params{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Bus:        bus,
		Redis:      redisClient,
		Registerer: promRegistry,
		Name:       serviceKind,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to wire inventory engine", err)
		os.Exit(1)
	}

	service, err := buildService(cfg, logg, dbClient, redisClient, eng, promRegistry)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"workerID":    instance.GetID(),
	})

	eng.Start(context.WithoutCancel(ctx))
	defer eng.Stop()

	if *once {
		cycle := service.RunOnce(ctx)
		if cycle.Skipped {
			logg.Warn(ctx, "sweep lock held by another worker, nothing ran")
		}
		if cycle.Err != nil {
			logg.Error(ctx, "sweep cycle failed", cycle.Err)
			eng.Stop()
			os.Exit(1)
		}
		return
	}

	router := ops.NewRouter(ops.RouterParams{
		Env:         cfg.App.Env,
		ServiceKind: serviceKind,
		Logger:      logg,
		Pingers: map[string]ops.Pinger{
			"database": dbClient,
			"redis":    redisClient,
			"eventbus": bus,
		},
		Gatherer: promRegistry,
	})

	logg.Info(ctx, "starting cron worker")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return service.Run(groupCtx) })
	group.Go(func() error { return ops.Serve(groupCtx, cfg.App.OpsPort, router, logg) })

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		eng.Stop()
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func buildService(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client, eng *engine.Engine, reg prometheus.Registerer) (*cron.Service, error) {
	holdExpiry, err := cron.NewHoldExpiryJob(cron.HoldExpiryJobParams{
		Logger:    logg,
		Inventory: eng.Inventory,
		BatchSize: cfg.Cron.HoldSweepBatch,
	})
	if err != nil {
		return nil, err
	}
	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: eng.Outbox,
		Retention:  cfg.Outbox.RetentionDays,
	})
	if err != nil {
		return nil, err
	}
	redrive, err := cron.NewDLQRedriveJob(cron.DLQRedriveJobParams{
		Logger: logg,
		DB:     dbClient,
		DLQ:    eng.DLQ,
		Outbox: eng.Outbox,
	})
	if err != nil {
		return nil, err
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(lockName(cfg.App.Env)), instance.GetID(), cfg.Cron.LockTTL)
	if err != nil {
		return nil, err
	}

	return cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(holdExpiry, retention, redrive),
		Lock:     lock,
		Metrics:  metrics.NewSweepMetrics(reg),
		Interval: cfg.Cron.Interval,
	})
}

func lockName(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf("cron-worker:%s", env)
}

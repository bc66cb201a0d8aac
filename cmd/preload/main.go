package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/angelmondragon/stayledger/internal/engine"
	"github.com/angelmondragon/stayledger/internal/inventory"
	"github.com/angelmondragon/stayledger/internal/ledger"
	"github.com/angelmondragon/stayledger/pkg/config"
	"github.com/angelmondragon/stayledger/pkg/db"
	pkgerrors "github.com/angelmondragon/stayledger/pkg/errors"
	"github.com/angelmondragon/stayledger/pkg/eventbus"
	"github.com/angelmondragon/stayledger/pkg/logger"
	"github.com/angelmondragon/stayledger/pkg/redis"
)

const serviceKind = "preload"

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: serviceKind})

	_ = godotenv.Load()

	property := flag.String("property", "", "property id (uuid)")
	roomType := flag.String("room-type", "", "room type id (uuid)")
	start := flag.String("start", "", "first stay date (YYYY-MM-DD)")
	end := flag.String("end", "", "last stay date, inclusive (YYYY-MM-DD)")
	physical := flag.Int("physical", 0, "physical room count per date")
	overbooking := flag.Int("overbooking", 0, "overbooking limit per date")
	flag.Parse()

	req, err := buildRequest(*property, *roomType, *start, *end, *physical, *overbooking)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid arguments: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)
	cfg.Service.Kind = serviceKind

	logg = logger.New(logger.Options{
		ServiceName: serviceKind,
		Level:       cfg.App.LogLevel,
		Format:      cfg.App.LogFormat(),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx = logg.WithLedgerKey(ctx, req.PropertyID.String(), req.RoomTypeID.String())

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer dbClient.Close()

	bus, err := eventbus.New(ctx, cfg, logg)
	requireResource(ctx, logg, "event bus", err)
	defer bus.Close()

	var redisClient *redis.Client
	if cfg.Redis.Configured() {
		redisClient, err = redis.New(ctx, cfg.Redis, logg)
		requireResource(ctx, logg, "redis", err)
		defer redisClient.Close()
	}

	eng, err := engine.New(engine.Params{
		Config: cfg,
		Logger: logg,
		DB:     dbClient,
		Bus:    bus,
		Redis:  redisClient,
		Name:   serviceKind,
	})
	requireResource(ctx, logg, "inventory engine", err)
	eng.Start(ctx)

	res, err := eng.Inventory.PreloadInventory(ctx, req)
	eng.Stop()
	if err != nil {
		logg.Error(ctx, "preload failed", err)
		os.Exit(reportFailure(os.Stderr, err))
	}

	out, _ := json.Marshal(res)
	fmt.Println(string(out))
}

// reportFailure prints the caller-safe error and returns the exit status for its code.
func reportFailure(w io.Writer, err error) int {
	out, _ := json.Marshal(map[string]any{"error": pkgerrors.PublicFor(err)})
	fmt.Fprintln(w, string(out))
	return pkgerrors.MetadataFor(pkgerrors.CodeOf(err)).ExitCode
}

func buildRequest(property, roomType, start, end string, physical, overbooking int) (inventory.PreloadRequest, error) {
	var req inventory.PreloadRequest
	propertyID, err := uuid.Parse(property)
	if err != nil {
		return req, fmt.Errorf("property: %w", err)
	}
	roomTypeID, err := uuid.Parse(roomType)
	if err != nil {
		return req, fmt.Errorf("room-type: %w", err)
	}
	startDate, err := ledger.ParseDay(start)
	if err != nil {
		return req, fmt.Errorf("start: %w", err)
	}
	endDate := startDate
	if end != "" {
		if endDate, err = ledger.ParseDay(end); err != nil {
			return req, fmt.Errorf("end: %w", err)
		}
	}
	return inventory.PreloadRequest{
		RangeQuery: inventory.RangeQuery{
			PropertyID: propertyID,
			RoomTypeID: roomTypeID,
			StartDate:  startDate,
			EndDate:    endDate,
		},
		PhysicalCount:    physical,
		OverbookingLimit: overbooking,
	}, nil
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}

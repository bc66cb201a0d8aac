package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"github.com/angelmondragon/stayledger/pkg/config"
	"github.com/angelmondragon/stayledger/pkg/db"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	"github.com/angelmondragon/stayledger/pkg/enums"
	"github.com/angelmondragon/stayledger/pkg/logger"
	"github.com/angelmondragon/stayledger/pkg/outbox"
)

type dlqAdmin interface {
	List(ctx context.Context, limit int) ([]models.OutboxDLQ, error)
	FindByEventID(ctx context.Context, eventID uuid.UUID) (*models.OutboxDLQ, error)
	RequestRedrive(ctx context.Context, eventID uuid.UUID) error
}

type options struct {
	cmd    string
	limit  int
	event  string
	reason string
	force  bool
}

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "outbox-dlq"})

	_ = godotenv.Load()

	cmd := flag.String("cmd", "list", "dlq command: list|redrive")
	limit := flag.Int("limit", 50, "rows to show for -cmd=list")
	event := flag.String("event", "", "outbox event id to redrive for -cmd=redrive")
	reason := flag.String("reason", "", "only list rows parked for this reason")
	force := flag.Bool("force", false, "redrive rows parked as non-retryable")
	flag.Parse()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "outbox-dlq",
		Level:       cfg.App.LogLevel,
		Format:      cfg.App.LogFormat(),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "cmd": *cmd})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer dbClient.Close()

	opts := options{cmd: *cmd, limit: *limit, event: *event, reason: *reason, force: *force}
	if err := run(ctx, outbox.NewDLQRepository(dbClient.DB()), opts, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		dbClient.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, repo dlqAdmin, opts options, out io.Writer) error {
	switch opts.cmd {
	case "list":
		return list(ctx, repo, opts, out)
	case "redrive":
		return redrive(ctx, repo, opts, out)
	default:
		return fmt.Errorf("unknown -cmd value: %s", opts.cmd)
	}
}

func list(ctx context.Context, repo dlqAdmin, opts options, out io.Writer) error {
	var filter enums.OutboxDLQErrorReason
	if opts.reason != "" {
		parsed, err := enums.ParseOutboxDLQErrorReason(opts.reason)
		if err != nil {
			return err
		}
		filter = parsed
	}

	rows, err := repo.List(ctx, opts.limit)
	if err != nil {
		return fmt.Errorf("list dlq: %w", err)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EVENT_ID\tEVENT_TYPE\tTOPIC\tREASON\tATTEMPTS\tFAILED_AT\tREDRIVE")
	for _, row := range rows {
		if filter != "" && row.ErrorReason != filter {
			continue
		}
		redrive := "-"
		if row.RedriveRequestedAt != nil {
			redrive = row.RedriveRequestedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			row.EventID, row.EventType, row.Topic, row.ErrorReason.Label(), row.AttemptCount,
			row.FailedAt.Format(time.RFC3339), redrive)
	}
	return w.Flush()
}

func redrive(ctx context.Context, repo dlqAdmin, opts options, out io.Writer) error {
	id, err := uuid.Parse(opts.event)
	if err != nil {
		return fmt.Errorf("invalid -event %q: %w", opts.event, err)
	}
	entry, err := repo.FindByEventID(ctx, id)
	if err != nil {
		return fmt.Errorf("load dlq entry: %w", err)
	}
	if entry == nil {
		return fmt.Errorf("event %s is not dead-lettered", id)
	}
	if !entry.ErrorReason.Transient() && !opts.force {
		return fmt.Errorf("event %s was %s; pass -force to redrive it", id, entry.ErrorReason.Label())
	}
	if err := repo.RequestRedrive(ctx, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("event %s is not dead-lettered", id)
		}
		return fmt.Errorf("request redrive: %w", err)
	}
	fmt.Fprintf(out, "redrive requested for %s\n", id)
	return nil
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}

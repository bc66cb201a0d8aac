package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/angelmondragon/stayledger/internal/cache"
	"github.com/angelmondragon/stayledger/internal/holds"
	"github.com/angelmondragon/stayledger/internal/journal"
	"github.com/angelmondragon/stayledger/internal/ledger"
	"github.com/angelmondragon/stayledger/internal/uow"
	"github.com/angelmondragon/stayledger/pkg/config"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	"github.com/angelmondragon/stayledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/stayledger/pkg/errors"
	"github.com/angelmondragon/stayledger/pkg/logger"
	"github.com/angelmondragon/stayledger/pkg/metrics"
	"github.com/angelmondragon/stayledger/pkg/outbox/payloads"
	"github.com/angelmondragon/stayledger/pkg/validators"
)

const (
	opCheck       = "check_availability"
	opSnapshot    = "get_snapshot"
	opPreload     = "preload_inventory"
	opReserve     = "reserve"
	opRelease     = "release"
	opAdjust      = "adjust_inventory"
	opCreateHold  = "create_hold"
	opReleaseHold = "release_hold"

	tracerName = "github.com/angelmondragon/stayledger/internal/inventory"
)

// Deps carries the collaborators of Service.
type Deps struct {
	Ledger   ledger.Repository
	Locks    *ledger.LockCoordinator
	Journal  *journal.Journal
	Executor *uow.Executor
	Holds    *holds.Manager
	Cache    *cache.Layer
	Config   config.InventoryConfig
	Metrics  *metrics.InventoryMetrics
	Logger   *logger.Logger
	Tracer   trace.Tracer
}

// Service orchestrates the inventory use cases. Every mutation locks the
// affected ledger rows, checks the row invariant, writes the ledger and the
// journal in one transaction, and only publishes and invalidates caches
// after commit.
type Service struct {
	ledger  ledger.Repository
	locks   *ledger.LockCoordinator
	journal *journal.Journal
	exec    *uow.Executor
	holds   *holds.Manager
	cache   *cache.Layer
	policy  ledger.Policy
	cfg     config.InventoryConfig
	metrics *metrics.InventoryMetrics
	logg    *logger.Logger
	tracer  trace.Tracer
}

func NewService(d Deps) (*Service, error) {
	switch {
	case d.Ledger == nil:
		return nil, fmt.Errorf("ledger repository required")
	case d.Locks == nil:
		return nil, fmt.Errorf("lock coordinator required")
	case d.Journal == nil:
		return nil, fmt.Errorf("journal required")
	case d.Executor == nil:
		return nil, fmt.Errorf("executor required")
	case d.Holds == nil:
		return nil, fmt.Errorf("hold manager required")
	}
	tracer := d.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Service{
		ledger:  d.Ledger,
		locks:   d.Locks,
		journal: d.Journal,
		exec:    d.Executor,
		holds:   d.Holds,
		cache:   d.Cache,
		policy:  ledger.Policy{OverbookingCoversHolds: d.Config.OverbookingCoversHolds},
		cfg:     d.Config,
		metrics: d.Metrics,
		logg:    d.Logger,
		tracer:  tracer,
	}, nil
}

// CheckAvailability reads committed state without taking locks. Range results
// may be served from a cache entry up to the range TTL old.
func (s *Service) CheckAvailability(ctx context.Context, req CheckRequest) (res *AvailabilityResult, err error) {
	ctx, finish := s.begin(ctx, opCheck, req.PropertyID, req.RoomTypeID)
	defer func() { finish(err) }()

	if err := s.validateRange(req, req.RangeQuery); err != nil {
		return nil, err
	}

	snaps, hit := s.cache.GetRange(ctx, req.PropertyID, req.RoomTypeID, req.StartDate, req.EndDate)
	if !hit {
		rows, err := s.ledger.ListRange(ctx, req.PropertyID, req.RoomTypeID, req.StartDate, req.EndDate)
		if err != nil {
			return nil, err
		}
		if missing := missingDates(rows, req.StartDate, req.EndDate); len(missing) > 0 {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "inventory not loaded for stay date").WithDetails(map[string]any{
				"missing_dates": missing,
			})
		}
		snaps = make([]cache.Snapshot, 0, len(rows))
		for _, row := range rows {
			snaps = append(snaps, cache.SnapshotFromRow(row))
		}
		s.cache.PutRange(ctx, req.PropertyID, req.RoomTypeID, req.StartDate, req.EndDate, snaps)
	}

	res = &AvailabilityResult{Dates: snaps}
	if req.Quantity > 0 {
		res.Satisfiable = true
		for _, snap := range snaps {
			if snap.Available < req.Quantity {
				res.Satisfiable = false
				break
			}
		}
	}
	return res, nil
}

// GetSnapshot returns one stay date through the point cache.
func (s *Service) GetSnapshot(ctx context.Context, propertyID, roomTypeID uuid.UUID, stayDate time.Time) (snap *cache.Snapshot, err error) {
	ctx, finish := s.begin(ctx, opSnapshot, propertyID, roomTypeID)
	defer func() { finish(err) }()

	if propertyID == uuid.Nil || roomTypeID == uuid.Nil || stayDate.IsZero() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "property_id, room_type_id and stay_date are required")
	}
	key := ledger.Key{PropertyID: propertyID, RoomTypeID: roomTypeID, StayDate: ledger.Day(stayDate)}
	if cached, ok := s.cache.GetPoint(ctx, key); ok {
		return cached, nil
	}
	row, err := s.ledger.Find(ctx, key)
	if err != nil {
		return nil, err
	}
	fresh := cache.SnapshotFromRow(*row)
	s.cache.PutPoint(ctx, fresh)
	return &fresh, nil
}

// PreloadInventory creates the rows of the range that do not exist yet.
// Existing dates are skipped untouched.
func (s *Service) PreloadInventory(ctx context.Context, req PreloadRequest) (res *PreloadResult, err error) {
	ctx, finish := s.begin(ctx, opPreload, req.PropertyID, req.RoomTypeID)
	defer func() { finish(err) }()

	if err := s.validateRange(req, req.RangeQuery); err != nil {
		return nil, err
	}
	correlationID := fmt.Sprintf("preload:%s:%s", req.PropertyID, req.RoomTypeID)

	err = s.exec.Run(ctx, opPreload, func(ctx context.Context, w *uow.Work) error {
		res = &PreloadResult{}
		repo := s.ledger.WithTx(w.DB())
		for _, day := range ledger.Dates(req.StartDate, req.EndDate) {
			row := &models.AvailabilityLedger{
				PropertyID:       req.PropertyID,
				RoomTypeID:       req.RoomTypeID,
				StayDate:         day,
				PhysicalCount:    req.PhysicalCount,
				OverbookingLimit: req.OverbookingLimit,
				Version:          1,
			}
			created, err := repo.InsertIfAbsent(ctx, row)
			if err != nil {
				return err
			}
			if !created {
				res.Skipped++
				continue
			}
			recorded, err := s.journal.Record(ctx, w.DB(), payloads.InventoryEvent{
				EventType:               enums.EventInventoryPreloaded,
				CorrelationID:           correlationID,
				PropertyID:              row.PropertyID,
				RoomTypeID:              row.RoomTypeID,
				StayDate:                ledger.FormatDay(day),
				Delta:                   row.Available(),
				ResultingAvailableCount: row.Available(),
			}, row.ID)
			if err != nil {
				return err
			}
			w.Emitted(recorded.Outbox)
			w.Touch(row)
			res.Created++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{"created": res.Created, "skipped": res.Skipped})
		s.logg.Info(logCtx, "inventory preloaded")
	}
	return res, nil
}

// Reserve sells quantity rooms on every date of the range, all or nothing.
// Replaying a correlation id returns the recorded outcome without mutating.
func (s *Service) Reserve(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	return s.mutateSold(ctx, opReserve, enums.EventInventoryReserved, req, func(row *models.AvailabilityLedger) (int, error) {
		if err := s.policy.Reserve(row, req.Quantity); err != nil {
			return 0, err
		}
		return req.Quantity, nil
	})
}

// Release returns sold rooms, clamped at zero, with the same idempotency as Reserve.
func (s *Service) Release(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	return s.mutateSold(ctx, opRelease, enums.EventInventoryReleased, req, func(row *models.AvailabilityLedger) (int, error) {
		return -s.policy.Release(row, req.Quantity), nil
	})
}

func (s *Service) mutateSold(ctx context.Context, operation string, eventType enums.InventoryEventType, req MutationRequest, mutate func(row *models.AvailabilityLedger) (int, error)) (res *MutationResult, err error) {
	req.CorrelationID = validators.SanitizeString(req.CorrelationID, 0)
	ctx, finish := s.begin(ctx, operation, req.PropertyID, req.RoomTypeID)
	defer func() { finish(err) }()
	if s.logg != nil {
		ctx = s.logg.WithCorrelationID(ctx, req.CorrelationID)
	}

	if err := s.validateRange(req, req.RangeQuery); err != nil {
		return nil, err
	}

	err = s.exec.Run(ctx, operation, func(ctx context.Context, w *uow.Work) error {
		res = &MutationResult{CorrelationID: req.CorrelationID}
		rows, err := s.locks.AcquireRange(ctx, w.Tx(), req.PropertyID, req.RoomTypeID, req.StartDate, req.EndDate)
		if err != nil {
			return err
		}
		for _, row := range rows {
			outcome, err := s.apply(ctx, w, eventType, req.CorrelationID, row, func() (int, *payloads.AdjustmentDetail, error) {
				delta, err := mutate(row)
				return delta, nil, err
			})
			if err != nil {
				return err
			}
			res.Dates = append(res.Dates, outcome)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Duplicate() && s.logg != nil {
		s.logg.Info(ctx, "replayed recorded outcome")
	}
	return res, nil
}

// AdjustInventory applies administrative deltas to one stay date.
func (s *Service) AdjustInventory(ctx context.Context, req AdjustRequest) (res *DateOutcome, err error) {
	ctx, finish := s.begin(ctx, opAdjust, req.PropertyID, req.RoomTypeID)
	defer func() { finish(err) }()

	if err := validators.Struct(req); err != nil {
		return nil, err
	}
	if req.Deltas.IsZero() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "adjustment has no deltas")
	}
	correlationID := validators.SanitizeString(req.CorrelationID, 0)
	if correlationID == "" {
		correlationID = "adjust:" + uuid.NewString()
	}
	key := ledger.Key{PropertyID: req.PropertyID, RoomTypeID: req.RoomTypeID, StayDate: ledger.Day(req.StayDate)}

	err = s.exec.Run(ctx, opAdjust, func(ctx context.Context, w *uow.Work) error {
		row, err := s.locks.Acquire(ctx, w.Tx(), key)
		if err != nil {
			return err
		}
		outcome, err := s.apply(ctx, w, enums.EventInventoryAdjusted, correlationID, row, func() (int, *payloads.AdjustmentDetail, error) {
			before := row.Available()
			if err := s.policy.Adjust(row, req.Deltas); err != nil {
				return 0, nil, err
			}
			return row.Available() - before, &payloads.AdjustmentDetail{
				PhysicalDelta:    req.Deltas.Physical,
				OverbookingDelta: req.Deltas.OverbookingLimit,
				OutOfOrderDelta:  req.Deltas.OutOfOrder,
			}, nil
		})
		if err != nil {
			return err
		}
		res = &outcome
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// apply runs one locked row through the idempotency check, the mutation, the
// versioned write and the journal append.
func (s *Service) apply(ctx context.Context, w *uow.Work, eventType enums.InventoryEventType, correlationID string, row *models.AvailabilityLedger, mutate func() (int, *payloads.AdjustmentDetail, error)) (DateOutcome, error) {
	day := ledger.FormatDay(row.StayDate)
	prior, err := s.journal.Prior(ctx, w.DB(), eventType, correlationID, row.StayDate)
	if err != nil {
		return DateOutcome{}, err
	}
	if prior != nil {
		return DateOutcome{StayDate: day, Delta: prior.Delta, Available: prior.ResultingAvailable, Duplicate: true}, nil
	}

	delta, adjustment, err := mutate()
	if err != nil {
		return DateOutcome{}, err
	}
	if err := ledger.CheckInvariant(*row); err != nil {
		return DateOutcome{}, err
	}
	if err := s.ledger.WithTx(w.DB()).UpdateCounters(ctx, row); err != nil {
		return DateOutcome{}, err
	}
	recorded, err := s.journal.Record(ctx, w.DB(), payloads.InventoryEvent{
		EventType:               eventType,
		CorrelationID:           correlationID,
		PropertyID:              row.PropertyID,
		RoomTypeID:              row.RoomTypeID,
		StayDate:                day,
		Delta:                   delta,
		ResultingAvailableCount: row.Available(),
		Adjustment:              adjustment,
	}, row.ID)
	if err != nil {
		return DateOutcome{}, err
	}
	w.Emitted(recorded.Outbox)
	w.Touch(row)
	return DateOutcome{StayDate: day, Delta: delta, Available: row.Available()}, nil
}

// CreateHold places a temporary hold. See holds.Manager.
func (s *Service) CreateHold(ctx context.Context, req holds.CreateHoldRequest) (hold *models.Hold, err error) {
	ctx, finish := s.begin(ctx, opCreateHold, req.PropertyID, req.RoomTypeID)
	defer func() { finish(err) }()
	return s.holds.CreateHold(ctx, req)
}

// ReleaseHold releases a hold; releasing twice is a no-op success.
func (s *Service) ReleaseHold(ctx context.Context, referenceID string) (res *holds.ReleaseResult, err error) {
	ctx, finish := s.begin(ctx, opReleaseHold, uuid.Nil, uuid.Nil)
	defer func() { finish(err) }()
	return s.holds.ReleaseHold(ctx, referenceID)
}

func (s *Service) GetHold(ctx context.Context, referenceID string) (*models.Hold, error) {
	return s.holds.GetHold(ctx, referenceID)
}

// ListExpiredHolds returns unreleased holds whose TTL elapsed before now.
func (s *Service) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Hold, error) {
	return s.holds.ListExpiredHolds(ctx, now, limit)
}

func (s *Service) validateRange(req any, q RangeQuery) error {
	if err := validators.Struct(req); err != nil {
		return err
	}
	return ledger.ValidateRange(q.StartDate, q.EndDate, s.cfg.MaxRangeDays)
}

// begin opens the span and log scope of a use case. The returned func closes
// both and records the outcome metric.
func (s *Service) begin(ctx context.Context, operation string, propertyID, roomTypeID uuid.UUID) (context.Context, func(error)) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "inventory."+operation)
	if propertyID != uuid.Nil {
		span.SetAttributes(
			attribute.String("inventory.property_id", propertyID.String()),
			attribute.String("inventory.room_type_id", roomTypeID.String()),
		)
	}
	if s.logg != nil {
		ctx = s.logg.WithOperation(ctx, operation)
		if propertyID != uuid.Nil {
			ctx = s.logg.WithLedgerKey(ctx, propertyID.String(), roomTypeID.String())
		}
	}
	return ctx, func(err error) {
		outcome := uow.Outcome(err)
		s.metrics.Observe(operation, outcome, time.Since(started))
		span.SetAttributes(attribute.String("inventory.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if s.logg != nil && outcome == metrics.OutcomeError {
				s.logg.Error(ctx, "inventory operation failed", err)
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func missingDates(rows []models.AvailabilityLedger, start, end time.Time) []string {
	loaded := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		loaded[ledger.FormatDay(row.StayDate)] = struct{}{}
	}
	var missing []string
	for _, day := range ledger.Dates(start, end) {
		if _, ok := loaded[ledger.FormatDay(day)]; !ok {
			missing = append(missing, ledger.FormatDay(day))
		}
	}
	return missing
}

package allotments

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/stayledger/internal/journal"
	"github.com/angelmondragon/stayledger/internal/ledger"
	"github.com/angelmondragon/stayledger/internal/uow"
	"github.com/angelmondragon/stayledger/pkg/config"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	"github.com/angelmondragon/stayledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/stayledger/pkg/errors"
	"github.com/angelmondragon/stayledger/pkg/logger"
	"github.com/angelmondragon/stayledger/pkg/outbox/payloads"
	"github.com/angelmondragon/stayledger/pkg/validators"
)

const (
	opCreate          = "create_allotment"
	opPickup          = "pickup_allotment"
	opReleasePickup   = "release_allotment_pickup"
	opConfirm         = "confirm_allotment"
	opReleaseUnpicked = "release_unpicked_allotment"
)

type CreateRequest struct {
	BlockRef
	StartDate  time.Time `json:"start_date" validate:"required"`
	EndDate    time.Time `json:"end_date" validate:"required"`
	Type       string    `json:"allotment_type" validate:"required"`
	TotalRooms int       `json:"total_rooms" validate:"min=1"`
}

type PickupRequest struct {
	BlockRef
	StartDate     time.Time `json:"start_date" validate:"required"`
	EndDate       time.Time `json:"end_date" validate:"required"`
	Quantity      int       `json:"quantity" validate:"min=1"`
	CorrelationID string    `json:"correlation_id" validate:"required,max=128"`
}

// DateOutcome is the block state of one stay date after a pickup change.
type DateOutcome struct {
	StayDate  string `json:"stay_date"`
	Delta     int    `json:"delta"`
	Remaining int    `json:"remaining"`
	Overflow  int    `json:"overflow"`
	Duplicate bool   `json:"duplicate"`
}

type PickupResult struct {
	CorrelationID string        `json:"correlation_id"`
	Dates         []DateOutcome `json:"dates"`
}

type Deps struct {
	Repo     Repository
	Ledger   ledger.Repository
	Locks    *ledger.LockCoordinator
	Journal  *journal.Journal
	Executor *uow.Executor
	Config   config.InventoryConfig
	Logger   *logger.Logger
}

// Service keeps allotment pickup accounting on its own rows. Only ELASTIC
// overflow above the contracted block consumes ledger inventory.
type Service struct {
	repo    Repository
	ledger  ledger.Repository
	locks   *ledger.LockCoordinator
	journal *journal.Journal
	exec    *uow.Executor
	policy  ledger.Policy
	cfg     config.InventoryConfig
	logg    *logger.Logger
}

func NewService(d Deps) (*Service, error) {
	switch {
	case d.Repo == nil:
		return nil, fmt.Errorf("allotment repository required")
	case d.Ledger == nil:
		return nil, fmt.Errorf("ledger repository required")
	case d.Locks == nil:
		return nil, fmt.Errorf("lock coordinator required")
	case d.Journal == nil:
		return nil, fmt.Errorf("journal required")
	case d.Executor == nil:
		return nil, fmt.Errorf("executor required")
	}
	return &Service{
		repo:    d.Repo,
		ledger:  d.Ledger,
		locks:   d.Locks,
		journal: d.Journal,
		exec:    d.Executor,
		policy:  ledger.Policy{OverbookingCoversHolds: d.Config.OverbookingCoversHolds},
		cfg:     d.Config,
		logg:    d.Logger,
	}, nil
}

func (s *Service) CreateAllotment(ctx context.Context, req CreateRequest) ([]models.Allotment, error) {
	if err := validators.Struct(req); err != nil {
		return nil, err
	}
	allotmentType, err := enums.ParseAllotmentType(req.Type)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid allotment_type")
	}
	if err := ledger.ValidateRange(req.StartDate, req.EndDate, s.cfg.MaxRangeDays); err != nil {
		return nil, err
	}

	dates := ledger.Dates(req.StartDate, req.EndDate)
	rows := make([]models.Allotment, 0, len(dates))
	for _, day := range dates {
		rows = append(rows, models.Allotment{
			Code:       req.Code,
			PropertyID: req.PropertyID,
			RoomTypeID: req.RoomTypeID,
			StayDate:   day,
			Type:       allotmentType,
			TotalRooms: req.TotalRooms,
			Version:    1,
		})
	}
	err = s.exec.Run(ctx, opCreate, func(ctx context.Context, w *uow.Work) error {
		return s.repo.WithTx(w.DB()).InsertBlock(ctx, rows)
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// PickupAllotment books quantity rooms against the block on every date.
// TENTATIVE blocks are not pickable; NON_ELASTIC and COMMITTED blocks cap at
// total_rooms; ELASTIC blocks take the excess from the ledger row.
func (s *Service) PickupAllotment(ctx context.Context, req PickupRequest) (*PickupResult, error) {
	return s.changePickup(ctx, opPickup, enums.EventAllotmentPickedUp, req, func(w *uow.Work, a *models.Allotment) (int, *payloads.LedgerOverflow, error) {
		switch a.Type {
		case enums.AllotmentTentative:
			return 0, nil, pkgerrors.New(pkgerrors.CodeConflict, "allotment is tentative and must be confirmed before pickup").WithDetails(map[string]any{"code": a.Code})
		case enums.AllotmentNonElastic, enums.AllotmentCommitted:
			if a.PickedUpRooms+req.Quantity > a.TotalRooms {
				return 0, nil, pkgerrors.New(pkgerrors.CodeInsufficientInventory, "allotment block exhausted").WithDetails(map[string]any{
					"stay_date": ledger.FormatDay(a.StayDate),
					"remaining": a.Remaining(),
					"requested": req.Quantity,
				})
			}
		}
		before := a.Overflow()
		a.PickedUpRooms += req.Quantity
		var overflow *payloads.LedgerOverflow
		if extra := a.Overflow() - before; extra > 0 {
			moved, err := s.moveOverflow(ctx, w, a, func(row *models.AvailabilityLedger) error {
				return s.policy.Reserve(row, extra)
			})
			if err != nil {
				return 0, nil, err
			}
			overflow = moved
		}
		return req.Quantity, overflow, nil
	})
}

// ReleaseAllotmentPickup hands picked up rooms back to the block, clamped at
// zero. Overflow rooms go back to the ledger first.
func (s *Service) ReleaseAllotmentPickup(ctx context.Context, req PickupRequest) (*PickupResult, error) {
	return s.changePickup(ctx, opReleasePickup, enums.EventAllotmentPickupBack, req, func(w *uow.Work, a *models.Allotment) (int, *payloads.LedgerOverflow, error) {
		released := min(req.Quantity, a.PickedUpRooms)
		before := a.Overflow()
		a.PickedUpRooms -= released
		var overflow *payloads.LedgerOverflow
		if returned := before - a.Overflow(); returned > 0 {
			moved, err := s.moveOverflow(ctx, w, a, func(row *models.AvailabilityLedger) error {
				s.policy.Release(row, returned)
				return nil
			})
			if err != nil {
				return 0, nil, err
			}
			overflow = moved
		}
		return -released, overflow, nil
	})
}

func (s *Service) changePickup(ctx context.Context, operation string, eventType enums.InventoryEventType, req PickupRequest, apply func(w *uow.Work, a *models.Allotment) (int, *payloads.LedgerOverflow, error)) (*PickupResult, error) {
	req.CorrelationID = validators.SanitizeString(req.CorrelationID, 0)
	if err := validators.Struct(req); err != nil {
		return nil, err
	}
	if err := ledger.ValidateRange(req.StartDate, req.EndDate, s.cfg.MaxRangeDays); err != nil {
		return nil, err
	}
	if s.logg != nil {
		ctx = s.logg.WithCorrelationID(s.logg.WithLedgerKey(ctx, req.PropertyID.String(), req.RoomTypeID.String()), req.CorrelationID)
	}

	var result *PickupResult
	err := s.exec.Run(ctx, operation, func(ctx context.Context, w *uow.Work) error {
		result = &PickupResult{CorrelationID: req.CorrelationID}
		rows, err := s.repo.WithTx(w.DB()).Lock(ctx, req.BlockRef, req.StartDate, req.EndDate)
		if err != nil {
			return err
		}
		for _, a := range rows {
			prior, err := s.journal.Prior(ctx, w.DB(), eventType, req.CorrelationID, a.StayDate)
			if err != nil {
				return err
			}
			if prior != nil {
				result.Dates = append(result.Dates, DateOutcome{
					StayDate:  ledger.FormatDay(a.StayDate),
					Delta:     prior.Delta,
					Remaining: prior.ResultingAvailable,
					Overflow:  a.Overflow(),
					Duplicate: true,
				})
				continue
			}
			delta, overflow, err := apply(w, a)
			if err != nil {
				return err
			}
			if err := s.repo.WithTx(w.DB()).Update(ctx, a); err != nil {
				return err
			}
			recorded, err := s.journal.Record(ctx, w.DB(), payloads.InventoryEvent{
				EventType:               eventType,
				CorrelationID:           req.CorrelationID,
				PropertyID:              a.PropertyID,
				RoomTypeID:              a.RoomTypeID,
				StayDate:                ledger.FormatDay(a.StayDate),
				Delta:                   delta,
				ResultingAvailableCount: a.Remaining(),
				AllotmentCode:           a.Code,
				LedgerOverflow:          overflow,
			}, a.ID)
			if err != nil {
				return err
			}
			w.Emitted(recorded.Outbox)
			result.Dates = append(result.Dates, DateOutcome{
				StayDate:  ledger.FormatDay(a.StayDate),
				Delta:     delta,
				Remaining: a.Remaining(),
				Overflow:  a.Overflow(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// moveOverflow applies mutate to the block's ledger row and reports the
// resulting sold_count change and availability for the allotment event.
func (s *Service) moveOverflow(ctx context.Context, w *uow.Work, a *models.Allotment, mutate func(row *models.AvailabilityLedger) error) (*payloads.LedgerOverflow, error) {
	key := ledger.Key{PropertyID: a.PropertyID, RoomTypeID: a.RoomTypeID, StayDate: a.StayDate}
	row, err := s.locks.Acquire(ctx, w.Tx(), key)
	if err != nil {
		return nil, err
	}
	soldBefore := row.SoldCount
	if err := mutate(row); err != nil {
		return nil, err
	}
	if err := s.ledger.WithTx(w.DB()).UpdateCounters(ctx, row); err != nil {
		return nil, err
	}
	w.Touch(row)
	if row.SoldCount == soldBefore {
		return nil, nil
	}
	return &payloads.LedgerOverflow{Delta: row.SoldCount - soldBefore, ResultingAvailableCount: row.Available()}, nil
}

// ConfirmAllotment converts a TENTATIVE block into a pickable type.
func (s *Service) ConfirmAllotment(ctx context.Context, ref BlockRef, target string) ([]models.Allotment, error) {
	if err := validators.Struct(ref); err != nil {
		return nil, err
	}
	targetType, err := enums.ParseAllotmentType(target)
	if err != nil || targetType == enums.AllotmentTentative {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "confirmed type must be ELASTIC, NON_ELASTIC or COMMITTED")
	}

	var out []models.Allotment
	err = s.exec.Run(ctx, opConfirm, func(ctx context.Context, w *uow.Work) error {
		repo := s.repo.WithTx(w.DB())
		rows, err := repo.Lock(ctx, ref, time.Time{}, time.Time{})
		if err != nil {
			return err
		}
		out = make([]models.Allotment, 0, len(rows))
		for _, a := range rows {
			if a.Type != enums.AllotmentTentative {
				return pkgerrors.New(pkgerrors.CodeConflict, "allotment is already confirmed").WithDetails(map[string]any{
					"code": ref.Code,
					"type": a.Type,
				})
			}
			a.Type = targetType
			if err := repo.Update(ctx, a); err != nil {
				return err
			}
			out = append(out, *a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseUnpicked shrinks the block to what was picked up and reports how many
// rooms were returned. COMMITTED blocks never give rooms back.
func (s *Service) ReleaseUnpicked(ctx context.Context, ref BlockRef) (int, error) {
	if err := validators.Struct(ref); err != nil {
		return 0, err
	}

	released := 0
	err := s.exec.Run(ctx, opReleaseUnpicked, func(ctx context.Context, w *uow.Work) error {
		released = 0
		repo := s.repo.WithTx(w.DB())
		rows, err := repo.Lock(ctx, ref, time.Time{}, time.Time{})
		if err != nil {
			return err
		}
		for _, a := range rows {
			if a.Type == enums.AllotmentCommitted {
				return pkgerrors.New(pkgerrors.CodeConflict, "committed allotments never release unpicked rooms").WithDetails(map[string]any{"code": ref.Code})
			}
			remaining := a.Remaining()
			if remaining == 0 {
				continue
			}
			a.TotalRooms -= remaining
			if err := repo.Update(ctx, a); err != nil {
				return err
			}
			released += remaining
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{"code": ref.Code, "released_rooms": released})
		s.logg.Info(logCtx, "allotment unpicked rooms released")
	}
	return released, nil
}

// PickupRatio is picked up rooms over contracted rooms across the block,
// rounded to four places.
func (s *Service) PickupRatio(ctx context.Context, ref BlockRef) (decimal.Decimal, error) {
	rows, err := s.repo.List(ctx, ref)
	if err != nil {
		return decimal.Zero, err
	}
	if len(rows) == 0 {
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeNotFound, "allotment block not found").WithDetails(map[string]any{"code": ref.Code})
	}
	var picked, total int64
	for _, a := range rows {
		picked += int64(a.PickedUpRooms)
		total += int64(a.TotalRooms)
	}
	if total == 0 {
		return decimal.Zero, nil
	}
	return decimal.NewFromInt(picked).DivRound(decimal.NewFromInt(total), 4), nil
}

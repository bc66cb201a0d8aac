package holds

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

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
	opCreateHold  = "create_hold"
	opReleaseHold = "release_hold"

	holdCorrelationPrefix    = "hold:"
	releaseCorrelationPrefix = "hold-release:"
)

type CreateHoldRequest struct {
	PropertyID  uuid.UUID     `json:"property_id" validate:"required"`
	RoomTypeID  uuid.UUID     `json:"room_type_id" validate:"required"`
	StartDate   time.Time     `json:"start_date" validate:"required"`
	EndDate     time.Time     `json:"end_date" validate:"required"`
	Quantity    int           `json:"quantity" validate:"min=1"`
	ReferenceID string        `json:"reference_id" validate:"required,max=128"`
	TTL         time.Duration `json:"ttl" validate:"gte=0"`
}

type ReleaseResult struct {
	Hold            *models.Hold
	AlreadyReleased bool
}

type Deps struct {
	Repo     Repository
	Ledger   ledger.Repository
	Locks    *ledger.LockCoordinator
	Journal  *journal.Journal
	Executor *uow.Executor
	Config   config.InventoryConfig
	Logger   *logger.Logger
	Clock    func() time.Time
}

// Manager owns temporary soft reservations. Holds move held_count on the
// ledger under the same lock discipline as sales.
type Manager struct {
	repo    Repository
	ledger  ledger.Repository
	locks   *ledger.LockCoordinator
	journal *journal.Journal
	exec    *uow.Executor
	policy  ledger.Policy
	cfg     config.InventoryConfig
	logg    *logger.Logger
	now     func() time.Time
}

func NewManager(d Deps) (*Manager, error) {
	switch {
	case d.Repo == nil:
		return nil, fmt.Errorf("hold repository required")
	case d.Ledger == nil:
		return nil, fmt.Errorf("ledger repository required")
	case d.Locks == nil:
		return nil, fmt.Errorf("lock coordinator required")
	case d.Journal == nil:
		return nil, fmt.Errorf("journal required")
	case d.Executor == nil:
		return nil, fmt.Errorf("executor required")
	}
	now := d.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		repo:    d.Repo,
		ledger:  d.Ledger,
		locks:   d.Locks,
		journal: d.Journal,
		exec:    d.Executor,
		policy:  ledger.Policy{OverbookingCoversHolds: d.Config.OverbookingCoversHolds},
		cfg:     d.Config,
		logg:    d.Logger,
		now:     now,
	}, nil
}

// CreateHold places quantity rooms on hold for every date in the range.
// Repeating the call with the same reference and shape returns the existing
// hold while it is active. A released reference cannot be reused.
func (m *Manager) CreateHold(ctx context.Context, req CreateHoldRequest) (*models.Hold, error) {
	req.ReferenceID = validators.SanitizeString(req.ReferenceID, 0)
	if err := validators.Struct(req); err != nil {
		return nil, err
	}
	if err := ledger.ValidateRange(req.StartDate, req.EndDate, m.cfg.MaxRangeDays); err != nil {
		return nil, err
	}
	ttl, err := m.ttl(req.TTL)
	if err != nil {
		return nil, err
	}
	if m.logg != nil {
		ctx = m.logg.WithReferenceID(m.logg.WithLedgerKey(ctx, req.PropertyID.String(), req.RoomTypeID.String()), req.ReferenceID)
	}

	var out *models.Hold
	err = m.exec.Run(ctx, opCreateHold, func(ctx context.Context, w *uow.Work) error {
		repo := m.repo.WithTx(w.DB())
		existing, err := repo.FindByReference(ctx, req.ReferenceID)
		if err != nil {
			return err
		}
		if existing != nil {
			if !sameShape(*existing, req) {
				return pkgerrors.New(pkgerrors.CodeIdempotency, "reference id already used for a different hold").WithDetails(map[string]any{
					"reference_id": req.ReferenceID,
				})
			}
			if !existing.Active() {
				return pkgerrors.New(pkgerrors.CodeConflict, "hold for this reference id was already released").WithDetails(map[string]any{
					"reference_id": req.ReferenceID,
					"released_at":  existing.ReleasedAt.UTC(),
				})
			}
			out = existing
			return nil
		}

		rows, err := m.locks.AcquireRange(ctx, w.Tx(), req.PropertyID, req.RoomTypeID, req.StartDate, req.EndDate)
		if err != nil {
			return err
		}
		hold := &models.Hold{
			ID:          uuid.New(),
			ReferenceID: req.ReferenceID,
			PropertyID:  req.PropertyID,
			RoomTypeID:  req.RoomTypeID,
			StartDate:   ledger.Day(req.StartDate),
			EndDate:     ledger.Day(req.EndDate),
			Quantity:    req.Quantity,
			ExpiresAt:   m.now().Add(ttl),
		}
		for _, row := range rows {
			if err := m.policy.Hold(row, req.Quantity); err != nil {
				return err
			}
			if err := m.ledger.WithTx(w.DB()).UpdateCounters(ctx, row); err != nil {
				return err
			}
			recorded, err := m.journal.Record(ctx, w.DB(), payloads.InventoryEvent{
				EventType:               enums.EventInventoryHeld,
				CorrelationID:           holdCorrelationPrefix + hold.ReferenceID,
				PropertyID:              row.PropertyID,
				RoomTypeID:              row.RoomTypeID,
				StayDate:                ledger.FormatDay(row.StayDate),
				Delta:                   req.Quantity,
				ResultingAvailableCount: row.Available(),
				ReferenceID:             hold.ReferenceID,
			}, hold.ID)
			if err != nil {
				return err
			}
			w.Emitted(recorded.Outbox)
			w.Touch(row)
		}
		if err := repo.Insert(ctx, hold); err != nil {
			return err
		}
		out = hold
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseHold returns a hold's rooms to the ledger. Releasing an already
// released hold is a successful no-op. The expiry sweep calls this same
// operation.
func (m *Manager) ReleaseHold(ctx context.Context, referenceID string) (*ReleaseResult, error) {
	referenceID = validators.SanitizeString(referenceID, 0)
	if referenceID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reference_id is required")
	}
	if m.logg != nil {
		ctx = m.logg.WithReferenceID(ctx, referenceID)
	}

	var out *ReleaseResult
	err := m.exec.Run(ctx, opReleaseHold, func(ctx context.Context, w *uow.Work) error {
		repo := m.repo.WithTx(w.DB())
		hold, err := repo.FindByReference(ctx, referenceID)
		if err != nil {
			return err
		}
		if hold == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "hold not found").WithDetails(map[string]any{"reference_id": referenceID})
		}
		if !hold.Active() {
			out = &ReleaseResult{Hold: hold, AlreadyReleased: true}
			return nil
		}

		rows, err := m.locks.AcquireRange(ctx, w.Tx(), hold.PropertyID, hold.RoomTypeID, hold.StartDate, hold.EndDate)
		if err != nil {
			return err
		}
		correlationID := releaseCorrelationPrefix + hold.ReferenceID
		for _, row := range rows {
			prior, err := m.journal.Prior(ctx, w.DB(), enums.EventHoldReleased, correlationID, row.StayDate)
			if err != nil {
				return err
			}
			if prior != nil {
				continue
			}
			released := m.policy.ReleaseHold(row, hold.Quantity)
			if err := m.ledger.WithTx(w.DB()).UpdateCounters(ctx, row); err != nil {
				return err
			}
			recorded, err := m.journal.Record(ctx, w.DB(), payloads.InventoryEvent{
				EventType:               enums.EventHoldReleased,
				CorrelationID:           correlationID,
				PropertyID:              row.PropertyID,
				RoomTypeID:              row.RoomTypeID,
				StayDate:                ledger.FormatDay(row.StayDate),
				Delta:                   -released,
				ResultingAvailableCount: row.Available(),
				ReferenceID:             hold.ReferenceID,
			}, hold.ID)
			if err != nil {
				return err
			}
			w.Emitted(recorded.Outbox)
			w.Touch(row)
		}

		at := m.now()
		marked, err := repo.MarkReleased(ctx, hold.ID, at)
		if err != nil {
			return err
		}
		if !marked {
			return ledger.ErrVersionConflict
		}
		hold.ReleasedAt = &at
		out = &ReleaseResult{Hold: hold}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) GetHold(ctx context.Context, referenceID string) (*models.Hold, error) {
	hold, err := m.repo.FindByReference(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	if hold == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "hold not found").WithDetails(map[string]any{"reference_id": referenceID})
	}
	return hold, nil
}

// ListExpiredHolds returns active holds whose expiry passed before now, oldest first.
func (m *Manager) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Hold, error) {
	return m.repo.ListExpired(ctx, now, limit)
}

func (m *Manager) ttl(requested time.Duration) (time.Duration, error) {
	ttl := requested
	if ttl == 0 {
		ttl = m.cfg.DefaultHoldTTL
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if m.cfg.MaxHoldTTL > 0 && ttl > m.cfg.MaxHoldTTL {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "hold ttl too long").WithDetails(map[string]any{
			"ttl":     ttl.String(),
			"max_ttl": m.cfg.MaxHoldTTL.String(),
		})
	}
	return ttl, nil
}

func sameShape(h models.Hold, req CreateHoldRequest) bool {
	return h.PropertyID == req.PropertyID &&
		h.RoomTypeID == req.RoomTypeID &&
		ledger.Day(h.StartDate).Equal(ledger.Day(req.StartDate)) &&
		ledger.Day(h.EndDate).Equal(ledger.Day(req.EndDate)) &&
		h.Quantity == req.Quantity
}

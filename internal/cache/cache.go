package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/stayledger/internal/ledger"
	"github.com/angelmondragon/stayledger/pkg/config"
	"github.com/angelmondragon/stayledger/pkg/db/models"
	"github.com/angelmondragon/stayledger/pkg/logger"
	"github.com/angelmondragon/stayledger/pkg/redis"
)

// Store is the redis surface the cache needs.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	SetIfNewer(ctx context.Context, key string, version int64, value string, ttl time.Duration) (bool, error)
	GetVersioned(ctx context.Context, key string) (int64, string, error)
	Del(ctx context.Context, keys ...string) error
	CacheKey(parts ...string) string
}

// Snapshot is the cached view of one ledger row.
type Snapshot struct {
	PropertyID       uuid.UUID `json:"property_id"`
	RoomTypeID       uuid.UUID `json:"room_type_id"`
	StayDate         string    `json:"stay_date"`
	Physical         int       `json:"physical"`
	Sold             int       `json:"sold"`
	Held             int       `json:"held"`
	OutOfOrder       int       `json:"out_of_order"`
	OverbookingLimit int       `json:"overbooking_limit"`
	Available        int       `json:"available"`
	Version          int64     `json:"version"`
}

func SnapshotFromRow(row models.AvailabilityLedger) Snapshot {
	return Snapshot{
		PropertyID:       row.PropertyID,
		RoomTypeID:       row.RoomTypeID,
		StayDate:         ledger.FormatDay(row.StayDate),
		Physical:         row.PhysicalCount,
		Sold:             row.SoldCount,
		Held:             row.HeldCount,
		OutOfOrder:       row.OutOfOrderCount,
		OverbookingLimit: row.OverbookingLimit,
		Available:        row.Available(),
		Version:          row.Version,
	}
}

// Layer is a best-effort read-through cache. Point keys are retired after
// every committed mutation; range keys only expire by TTL. Store failures are
// logged and treated as misses.
type Layer struct {
	store    Store
	enabled  bool
	pointTTL time.Duration
	rangeTTL time.Duration
	logg     *logger.Logger
}

// New returns a cache layer. A nil store disables caching.
func New(store Store, cfg config.CacheConfig, logg *logger.Logger) *Layer {
	return &Layer{
		store:    store,
		enabled:  cfg.Enabled && store != nil,
		pointTTL: cfg.PointTTL,
		rangeTTL: cfg.RangeTTL,
		logg:     logg,
	}
}

func (l *Layer) Enabled() bool {
	return l != nil && l.enabled
}

func (l *Layer) PointKey(key ledger.Key) string {
	return l.store.CacheKey("avail", key.PropertyID.String(), key.RoomTypeID.String(), ledger.FormatDay(key.StayDate))
}

func (l *Layer) RangeKey(propertyID, roomTypeID uuid.UUID, start, end time.Time) string {
	return l.store.CacheKey("avail-range", propertyID.String(), roomTypeID.String(), ledger.FormatDay(start), ledger.FormatDay(end))
}

// GetPoint returns the cached snapshot for key, if any.
func (l *Layer) GetPoint(ctx context.Context, key ledger.Key) (*Snapshot, bool) {
	if !l.Enabled() {
		return nil, false
	}
	_, raw, err := l.store.GetVersioned(ctx, l.PointKey(key))
	if err != nil {
		l.warn(ctx, "cache point read failed", err)
		return nil, false
	}
	if raw == "" {
		return nil, false
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		l.warn(ctx, "cache point decode failed", err)
		return nil, false
	}
	return &snap, true
}

// PutPoint stores snap unless a newer version is already cached.
func (l *Layer) PutPoint(ctx context.Context, snap Snapshot) {
	if !l.Enabled() {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	key := ledger.Key{PropertyID: snap.PropertyID, RoomTypeID: snap.RoomTypeID}
	key.StayDate, _ = ledger.ParseDay(snap.StayDate)
	if _, err := l.store.SetIfNewer(ctx, l.PointKey(key), snap.Version, string(data), l.pointTTL); err != nil {
		l.warn(ctx, "cache point write failed", err)
	}
}

// InvalidatePoints replaces the point keys touched by a committed mutation
// with empty entries at the committed version. The entry keeps the version
// watermark, so a reader that loaded an older row before the commit cannot
// put it back.
func (l *Layer) InvalidatePoints(ctx context.Context, stamps []ledger.Stamp) {
	if !l.Enabled() {
		return
	}
	for _, stamp := range stamps {
		if _, err := l.store.SetIfNewer(ctx, l.PointKey(stamp.Key), stamp.Version, "", l.pointTTL); err != nil {
			l.warn(ctx, "cache invalidation failed", err)
			l.drop(ctx, stamp.Key)
		}
	}
}

// drop deletes a point key whose tombstone could not be written.
func (l *Layer) drop(ctx context.Context, key ledger.Key) {
	if err := l.store.Del(ctx, l.PointKey(key)); err != nil {
		l.warn(ctx, "cache point delete failed", err)
	}
}

// GetRange returns the cached snapshots for an inclusive range.
func (l *Layer) GetRange(ctx context.Context, propertyID, roomTypeID uuid.UUID, start, end time.Time) ([]Snapshot, bool) {
	if !l.Enabled() {
		return nil, false
	}
	raw, err := l.store.Get(ctx, l.RangeKey(propertyID, roomTypeID, start, end))
	if err != nil {
		l.warn(ctx, "cache range read failed", err)
		return nil, false
	}
	var snaps []Snapshot
	if err := json.Unmarshal([]byte(raw), &snaps); err != nil {
		l.warn(ctx, "cache range decode failed", err)
		return nil, false
	}
	return snaps, true
}

// PutRange caches snapshots for the range. The entry is never invalidated and
// lives for the range TTL.
func (l *Layer) PutRange(ctx context.Context, propertyID, roomTypeID uuid.UUID, start, end time.Time, snaps []Snapshot) {
	if !l.Enabled() || l.rangeTTL <= 0 {
		return
	}
	data, err := json.Marshal(snaps)
	if err != nil {
		return
	}
	if err := l.store.Set(ctx, l.RangeKey(propertyID, roomTypeID, start, end), string(data), l.rangeTTL); err != nil {
		l.warn(ctx, "cache range write failed", err)
	}
}

func (l *Layer) warn(ctx context.Context, msg string, err error) {
	if errors.Is(err, redis.Nil) || l.logg == nil {
		return
	}
	ctx = l.logg.WithField(ctx, "error", err.Error())
	l.logg.Warn(ctx, msg)
}


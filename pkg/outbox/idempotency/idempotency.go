package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/stayledger/pkg/redis"
)

// Manager hands out short-lived delivery claims per event so the post-commit
// dispatcher and the outbox relay do not publish the same event concurrently.
// Keys follow the `sl:idempotency:evt:inflight:<publisher>:<event_id>` pattern
// and hold the owning instance id.
type Manager struct {
	store redis.IdempotencyStore
	owner string
	ttl   time.Duration
}

// NewManager builds a claim manager for owner whose claims expire after ttl.
func NewManager(store redis.IdempotencyStore, owner string, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if owner == "" {
		return nil, errors.New("claim owner is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	return &Manager{store: store, owner: owner, ttl: ttl}, nil
}

// Claim returns true when the caller now owns delivery of the event.
func (m *Manager) Claim(ctx context.Context, publisher string, eventID uuid.UUID) (bool, error) {
	key, err := m.inflightKey(publisher, eventID)
	if err != nil {
		return false, err
	}
	return m.store.SetNX(ctx, key, m.owner, m.ttl)
}

// Release drops the claim if this owner still holds it. A claim that expired
// and was taken by another instance is left alone.
func (m *Manager) Release(ctx context.Context, publisher string, eventID uuid.UUID) error {
	key, err := m.inflightKey(publisher, eventID)
	if err != nil {
		return err
	}
	if _, err := m.store.CompareAndDelete(ctx, key, m.owner); err != nil {
		return fmt.Errorf("release claim %s: %w", eventID, err)
	}
	return nil
}

func (m *Manager) inflightKey(publisher string, eventID uuid.UUID) (string, error) {
	if publisher == "" {
		return "", errors.New("publisher name is required")
	}
	if eventID == uuid.Nil {
		return "", errors.New("event id is required")
	}
	return m.store.IdempotencyKey("evt:inflight:"+publisher, eventID.String()), nil
}

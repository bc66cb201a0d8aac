package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu      sync.Mutex
	values  map[string]string
	ttls    map[string]time.Duration
	failSet error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet != nil {
		return false, m.failSet
	}
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	m.ttls[key] = ttl
	return true, nil
}

func (m *memoryStore) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[key] != value {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func (m *memoryStore) IdempotencyKey(scope, id string) string {
	return "sl:idempotency:" + scope + ":" + id
}

// expire simulates the claim ttl running out.
func (m *memoryStore) expire(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}

func TestClaimStoresOwnerUnderInflightKey(t *testing.T) {
	store := newMemoryStore()
	manager, err := NewManager(store, "worker-a", 30*time.Second)
	require.NoError(t, err)

	eventID := uuid.New()
	claimed, err := manager.Claim(context.Background(), "outbox", eventID)
	require.NoError(t, err)
	require.True(t, claimed)

	key := "sl:idempotency:evt:inflight:outbox:" + eventID.String()
	require.Equal(t, "worker-a", store.values[key])
	require.Equal(t, 30*time.Second, store.ttls[key])

	claimed, err = manager.Claim(context.Background(), "outbox", eventID)
	require.NoError(t, err)
	require.False(t, claimed, "second claim while in flight")
}

func TestReleaseOnlyDropsOwnClaim(t *testing.T) {
	store := newMemoryStore()
	first, err := NewManager(store, "worker-a", time.Minute)
	require.NoError(t, err)
	second, err := NewManager(store, "worker-b", time.Minute)
	require.NoError(t, err)

	eventID := uuid.New()
	key := store.IdempotencyKey("evt:inflight:outbox", eventID.String())

	claimed, err := first.Claim(context.Background(), "outbox", eventID)
	require.NoError(t, err)
	require.True(t, claimed)

	store.expire(key)
	claimed, err = second.Claim(context.Background(), "outbox", eventID)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, first.Release(context.Background(), "outbox", eventID))
	require.Equal(t, "worker-b", store.values[key], "stale owner must not drop the new claim")

	require.NoError(t, second.Release(context.Background(), "outbox", eventID))
	require.NotContains(t, store.values, key)
}

func TestClaimErrors(t *testing.T) {
	store := newMemoryStore()
	store.failSet = errors.New("boom")
	manager, err := NewManager(store, "worker-a", time.Minute)
	require.NoError(t, err)

	_, err = manager.Claim(context.Background(), "outbox", uuid.New())
	require.Error(t, err)
	_, err = manager.Claim(context.Background(), "", uuid.New())
	require.Error(t, err)
	_, err = manager.Claim(context.Background(), "outbox", uuid.Nil)
	require.Error(t, err)
}

func TestNewManagerValidates(t *testing.T) {
	_, err := NewManager(nil, "worker-a", time.Minute)
	require.Error(t, err)
	_, err = NewManager(newMemoryStore(), "", time.Minute)
	require.Error(t, err)
	_, err = NewManager(newMemoryStore(), "worker-a", 0)
	require.Error(t, err)
}

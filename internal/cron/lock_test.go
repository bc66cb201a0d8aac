package cron

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	values map[string]string
}

func newMemoryStore() *memoryStore { return &memoryStore{values: map[string]string{}} }

func (m *memoryStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	return true, nil
}

func (m *memoryStore) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	if m.values[key] != value {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func TestRedisLockIsExclusive(t *testing.T) {
	store := newMemoryStore()
	a, err := NewRedisLock(store, "sl:lock:cron", "worker-a", time.Minute)
	require.NoError(t, err)
	b, err := NewRedisLock(store, "sl:lock:cron", "worker-b", time.Minute)
	require.NoError(t, err)

	ok, err := a.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(store.values["sl:lock:cron"], "worker-a/"))

	ok, err = b.Acquire(context.Background())
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.Release(context.Background()))
	require.Contains(t, store.values, "sl:lock:cron", "non-owner release keeps the lock")

	require.NoError(t, a.Release(context.Background()))
	require.NotContains(t, store.values, "sl:lock:cron")

	ok, err = b.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisLockReleaseAfterExpiry(t *testing.T) {
	store := newMemoryStore()
	a, err := NewRedisLock(store, "k", "a", time.Minute)
	require.NoError(t, err)
	ok, err := a.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	delete(store.values, "k")
	store.values["k"] = "someone-else/1"
	require.NoError(t, a.Release(context.Background()))
	require.Equal(t, "someone-else/1", store.values["k"])
}

package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestSetIfNewerNeverDowngrades(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}
	key := client.CacheKey("point", "p", "rt", "2026-03-01")

	written, err := client.SetIfNewer(ctx, key, 3, `{"available":4}`, time.Minute)
	if err != nil || !written {
		t.Fatalf("first write: written=%v err=%v", written, err)
	}

	written, err = client.SetIfNewer(ctx, key, 2, `{"available":9}`, time.Minute)
	if err != nil {
		t.Fatalf("stale write: %v", err)
	}
	if written {
		t.Fatalf("expected stale version to be rejected")
	}

	version, value, err := client.GetVersioned(ctx, key)
	if err != nil {
		t.Fatalf("get versioned: %v", err)
	}
	if version != 3 || value != `{"available":4}` {
		t.Fatalf("unexpected cached value v%d %s", version, value)
	}

	written, err = client.SetIfNewer(ctx, key, 4, `{"available":2}`, time.Minute)
	if err != nil || !written {
		t.Fatalf("newer write: written=%v err=%v", written, err)
	}
	if mock.ttl[key] != time.Minute {
		t.Fatalf("expected ttl to be forwarded, got %v", mock.ttl[key])
	}
}

func TestGetVersionedRejectsPlainValues(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}
	if err := client.Set(ctx, "plain", "hello", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, _, err := client.GetVersioned(ctx, "plain"); err == nil {
		t.Fatalf("expected unversioned value to fail")
	}
	if _, _, err := client.GetVersioned(ctx, "missing"); err != redis.Nil {
		t.Fatalf("expected redis.Nil for missing key, got %v", err)
	}
}

func TestDelAndSetNX(t *testing.T) {
	ctx := context.Background()
	client := &Client{store: newMockCmdable()}

	ok, err := client.SetNX(ctx, "k", "owner-a", time.Second)
	if err != nil || !ok {
		t.Fatalf("first setnx: ok=%v err=%v", ok, err)
	}
	ok, _ = client.SetNX(ctx, "k", "owner-b", time.Second)
	if ok {
		t.Fatalf("second setnx should fail")
	}
	if err := client.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if err := client.Del(ctx); err != nil {
		t.Fatalf("empty del: %v", err)
	}
	if _, err := client.Get(ctx, "k"); err != redis.Nil {
		t.Fatalf("expected key deleted, got %v", err)
	}
}

func TestKeyBuilders(t *testing.T) {
	client := &Client{}
	if got := client.IdempotencyKey("scope", "id"); got != "sl:idempotency:scope:id" {
		t.Fatalf("unexpected idempotency key %s", got)
	}
	if got := client.CacheKey("range", "p", "", "rt"); got != "sl:cache:range:p:rt" {
		t.Fatalf("cache key should skip empty parts, got %s", got)
	}
	if got := client.LockKey("cron"); got != "sl:lock:cron" {
		t.Fatalf("unexpected lock key %s", got)
	}
}

func TestUninitializedClient(t *testing.T) {
	client := &Client{}
	if err := client.Ping(context.Background()); err == nil {
		t.Fatalf("expected error for uninitialized client")
	}
	if _, err := client.SetIfNewer(context.Background(), "k", 1, "v", time.Second); err == nil {
		t.Fatalf("expected error for uninitialized client")
	}
}

func TestCompareAndDeleteOnlyRemovesOwnedValue(t *testing.T) {
	mock := newMockCmdable()
	client := &Client{store: mock}
	mock.data["sl:lock:cron"] = "worker-a/1"

	removed, err := client.CompareAndDelete(context.Background(), "sl:lock:cron", "worker-b/2")
	if err != nil || removed {
		t.Fatalf("expected foreign value to survive, removed=%v err=%v", removed, err)
	}
	removed, err = client.CompareAndDelete(context.Background(), "sl:lock:cron", "worker-a/1")
	if err != nil || !removed {
		t.Fatalf("expected owned value to be removed, removed=%v err=%v", removed, err)
	}
	if _, ok := mock.data["sl:lock:cron"]; ok {
		t.Fatalf("key still present")
	}
}

type mockCmdable struct {
	data map[string]string
	ttl  map[string]time.Duration
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{
		data: make(map[string]string),
		ttl:  make(map[string]time.Duration),
	}
}

func (m *mockCmdable) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockCmdable) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	m.data[key] = fmt.Sprint(value)
	m.ttl[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (m *mockCmdable) Get(ctx context.Context, key string) *redis.StringCmd {
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockCmdable) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	if _, exists := m.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, key := range keys {
		delete(m.data, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

// Eval emulates setIfNewerScript and compareAndDeleteScript.
func (m *mockCmdable) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	if script == compareAndDeleteScript {
		if current, ok := m.data[keys[0]]; ok && current == args[0].(string) {
			delete(m.data, keys[0])
			return redis.NewCmdResult(int64(1), nil)
		}
		return redis.NewCmdResult(int64(0), nil)
	}
	version := args[0].(int64)
	if current, ok := m.data[keys[0]]; ok {
		if idx := strings.IndexByte(current, '|'); idx > 0 {
			if v, err := strconv.ParseInt(current[:idx], 10, 64); err == nil && v > version {
				return redis.NewCmdResult(int64(0), nil)
			}
		}
	}
	m.data[keys[0]] = fmt.Sprintf("%d|%s", version, args[1])
	m.ttl[keys[0]] = time.Duration(args[2].(int64)) * time.Millisecond
	return redis.NewCmdResult(int64(1), nil)
}

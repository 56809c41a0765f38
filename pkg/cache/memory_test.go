package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gati-run/gati/pkg/config"
)

func testCacheConfig() *config.CacheConfig {
	return &config.CacheConfig{
		Driver:     "redis",
		Host:       "redis.local",
		Port:       6379,
		DefaultTTL: 2 * time.Minute,
		MaxEntries: 100,
	}
}

func newTestMemoryCache(t *testing.T, opts *Options) *MemoryCache {
	t.Helper()
	c := NewMemoryCache(opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestMemoryCache_SetGet(t *testing.T) {
	c := newTestMemoryCache(t, nil)
	ctx := context.Background()

	if err := c.Set(ctx, SecretKey("db"), []byte("hunter2"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := c.Get(ctx, SecretKey("db"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hunter2" {
		t.Errorf("value = %q", got)
	}

	if _, err := c.Get(ctx, SecretKey("missing")); err != ErrKeyNotFound {
		t.Errorf("missing key error = %v, want ErrKeyNotFound", err)
	}
}

func TestMemoryCache_ValueIsolation(t *testing.T) {
	c := newTestMemoryCache(t, nil)
	ctx := context.Background()

	original := []byte("abc")
	_ = c.Set(ctx, "k", original, time.Minute)
	original[0] = 'X' // мутация снаружи не должна попасть в кэш

	got, _ := c.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("stored value mutated: %q", got)
	}

	got[0] = 'Y' // и обратно тоже
	again, _ := c.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("returned value aliases storage: %q", again)
	}
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	c := newTestMemoryCache(t, &Options{DefaultTTL: time.Minute})
	ctx := context.Background()

	_ = c.Set(ctx, "short", []byte("v"), 20*time.Millisecond)
	if ok, _ := c.Exists(ctx, "short"); !ok {
		t.Fatal("key must exist before expiry")
	}

	time.Sleep(40 * time.Millisecond)
	if _, err := c.Get(ctx, "short"); err != ErrKeyNotFound {
		t.Errorf("expired key error = %v, want ErrKeyNotFound", err)
	}
}

func TestMemoryCache_FIFOEvictionAtCap(t *testing.T) {
	c := newTestMemoryCache(t, &Options{MaxEntries: 3})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = c.Set(ctx, fmt.Sprintf("k%d", i), []byte{byte(i)}, time.Minute)
	}

	if ok, _ := c.Exists(ctx, "k0"); ok {
		t.Error("oldest inserted key must be evicted at capacity")
	}
	for i := 1; i < 4; i++ {
		if ok, _ := c.Exists(ctx, fmt.Sprintf("k%d", i)); !ok {
			t.Errorf("k%d must survive eviction", i)
		}
	}
}

func TestMemoryCache_GetWithTTL(t *testing.T) {
	c := newTestMemoryCache(t, nil)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	value, ttl, err := c.GetWithTTL(ctx, "k")
	if err != nil {
		t.Fatalf("GetWithTTL: %v", err)
	}
	if string(value) != "v" {
		t.Errorf("value = %q", value)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl = %v, want (0, 1m]", ttl)
	}
}

func TestMemoryCache_StatsAndClear(t *testing.T) {
	c := newTestMemoryCache(t, nil)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	_, _ = c.Get(ctx, "k")       // hit
	_, _ = c.Get(ctx, "missing") // miss

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalKeys != 1 || stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("hit rate = %v, want 0.5", stats.HitRate)
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	stats, _ = c.Stats(ctx)
	if stats.TotalKeys != 0 {
		t.Errorf("keys after Clear = %d", stats.TotalKeys)
	}
}

func TestMemoryCache_Closed(t *testing.T) {
	c := NewMemoryCache(nil)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := c.Get(context.Background(), "k"); err != ErrCacheClosed {
		t.Errorf("Get after Close = %v, want ErrCacheClosed", err)
	}
	if err := c.Set(context.Background(), "k", nil, 0); err != ErrCacheClosed {
		t.Errorf("Set after Close = %v, want ErrCacheClosed", err)
	}
}

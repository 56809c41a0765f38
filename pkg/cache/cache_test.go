package cache

import (
	"testing"
	"time"
)

func TestKeyNamespaces(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{SecretKey("db-password"), "secret:db-password"},
		{ModuleHealthKey("mod-db"), "module-health:mod-db"},
		{VersionKey("/posts", "v2"), "version:/posts:v2"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestFromConfig(t *testing.T) {
	cfg := testCacheConfig()
	opts := FromConfig(cfg)

	if opts.Backend != "redis" {
		t.Errorf("backend = %q, want redis", opts.Backend)
	}
	if opts.RedisAddr != "redis.local:6379" {
		t.Errorf("addr = %q", opts.RedisAddr)
	}
	if opts.DefaultTTL != 2*time.Minute {
		t.Errorf("ttl = %v", opts.DefaultTTL)
	}
}

func TestOptionsNormalize(t *testing.T) {
	opts := &Options{}
	opts.normalize()

	if opts.DefaultTTL <= 0 || opts.MaxEntries <= 0 || opts.CleanupInterval <= 0 {
		t.Errorf("normalize left zero fields: %+v", opts)
	}
}

func TestNewPicksMemoryByDefault(t *testing.T) {
	c, err := New(nil)
	if err != nil {
		t.Fatalf("New(nil): %v", err)
	}
	defer c.Close()
	if _, ok := c.(*MemoryCache); !ok {
		t.Errorf("New(nil) = %T, want *MemoryCache", c)
	}
}

func TestNewRedisWithoutServerFails(t *testing.T) {
	_, err := New(&Options{Backend: BackendRedis, RedisAddr: "127.0.0.1:1"})
	if err == nil {
		t.Error("redis backend without a server must fail at construction")
	}
}

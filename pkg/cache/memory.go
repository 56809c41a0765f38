package cache

// In-memory бэкенд. Пара map + очередь вставки: при переполнении
// вытесняется самый старый вставленный ключ (FIFO), просроченные записи
// убирает фоновая уборка. Этого достаточно для секретов и health-кэша,
// где значения маленькие и TTL короткие.

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryCache — кэш одного процесса.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	order   []string // порядок вставки, для вытеснения по переполнению
	opts    *Options

	hits   int64
	misses int64

	stop   chan struct{}
	closed bool
}

// NewMemoryCache создаёт кэш и запускает фоновую уборку просроченного.
func NewMemoryCache(opts *Options) *MemoryCache {
	if opts == nil {
		opts = DefaultOptions()
	}
	opts.normalize()

	c := &MemoryCache{
		entries: make(map[string]*memoryEntry),
		opts:    opts,
		stop:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Get реализует Cache.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCacheClosed
	}

	e, ok := c.entries[key]
	if !ok || e.expired(time.Now()) {
		c.misses++
		if ok {
			c.removeLocked(key)
		}
		return nil, ErrKeyNotFound
	}
	c.hits++
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set реализует Cache.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	if _, exists := c.entries[key]; !exists {
		if len(c.entries) >= c.opts.MaxEntries {
			c.evictOldestLocked()
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = &memoryEntry{value: stored, expiresAt: time.Now().Add(ttl)}
	return nil
}

// evictOldestLocked выбрасывает самый старый ещё живой ключ.
func (c *MemoryCache) evictOldestLocked() {
	for len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			return
		}
	}
}

func (c *MemoryCache) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Delete реализует Cache.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	c.removeLocked(key)
	return nil
}

// Exists реализует Cache.
func (c *MemoryCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrCacheClosed
	}
	e, ok := c.entries[key]
	return ok && !e.expired(time.Now()), nil
}

// GetWithTTL реализует Cache.
func (c *MemoryCache) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	var remaining time.Duration
	if ok {
		remaining = time.Until(e.expiresAt)
	}
	c.mu.Unlock()

	value, err := c.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	return value, remaining, nil
}

// Stats реализует Cache.
func (c *MemoryCache) Stats(_ context.Context) (*Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCacheClosed
	}

	stats := &Stats{
		TotalKeys: int64(len(c.entries)),
		Hits:      c.hits,
		Misses:    c.misses,
		Backend:   BackendMemory,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats, nil
}

// Clear реализует Cache.
func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	c.entries = make(map[string]*memoryEntry)
	c.order = nil
	return nil
}

// Close реализует Cache.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.stop)
	c.entries = nil
	c.order = nil
	return nil
}

// janitor периодически убирает просроченные записи.
func (c *MemoryCache) janitor() {
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			for key, e := range c.entries {
				if e.expired(now) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

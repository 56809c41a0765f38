// Package cache хранит межзапросные справочные данные рантайма: секреты
// Global Context, результаты health-опросов модулей и другие значения,
// которые дорого добывать на каждый конверт. Memory-бэкенд живёт в одном
// процессе; Redis разделяет значения между репликами рантайма.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/gati-run/gati/pkg/config"
)

// Backend types for cache implementations.
const (
	// BackendMemory specifies an in-memory cache backend.
	BackendMemory = "memory"
	// BackendRedis specifies a Redis cache backend.
	BackendRedis = "redis"
)

// Standard errors returned by cache operations.
var (
	// ErrKeyNotFound is returned when a requested key does not exist in the cache.
	ErrKeyNotFound = errors.New("key not found")
	// ErrCacheClosed is returned when an operation is attempted on a closed cache.
	ErrCacheClosed = errors.New("cache is closed")
)

// Пространства ключей рантайма. Все ключи проходят через эти конструкторы,
// чтобы memory и redis бэкенды видели одинаковую раскладку и Clear мог
// чистить только свой префикс.

// SecretKey — ключ закэшированного секрета Global Context.
func SecretKey(name string) string { return "secret:" + name }

// ModuleHealthKey — ключ результата health-опроса модуля.
func ModuleHealthKey(moduleID string) string { return "module-health:" + moduleID }

// VersionKey — ключ закэшированного результата резолвинга версии маршрута.
func VersionKey(path, preference string) string { return "version:" + path + ":" + preference }

// Cache — операции, которые нужны рантайму. Это сознательно меньше, чем
// умеет произвольный кэш: нет пакетных операций и обхода по маске, потому
// что ни один компонент ядра их не использует.
type Cache interface {
	// Get возвращает значение ключа, либо ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set сохраняет значение с TTL; ttl <= 0 берёт DefaultTTL бэкенда.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete удаляет ключ; отсутствие ключа не ошибка.
	Delete(ctx context.Context, key string) error
	// Exists сообщает, есть ли ключ.
	Exists(ctx context.Context, key string) (bool, error)
	// GetWithTTL возвращает значение и остаток его TTL.
	GetWithTTL(ctx context.Context, key string) (value []byte, ttl time.Duration, err error)
	// Stats возвращает счётчики попаданий/промахов.
	Stats(ctx context.Context) (*Stats, error)
	// Clear удаляет все ключи рантайма.
	Clear(ctx context.Context) error
	// Close останавливает бэкенд.
	Close() error
}

// Stats — счётчики одного бэкенда.
type Stats struct {
	TotalKeys int64   `json:"total_keys"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Backend   string  `json:"backend"`
}

// Options параметры создания кэша.
type Options struct {
	Backend    string
	DefaultTTL time.Duration

	// Memory
	MaxEntries      int
	CleanupInterval time.Duration

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
}

// DefaultOptions возвращает параметры по умолчанию.
func DefaultOptions() *Options {
	return &Options{
		Backend:         BackendMemory,
		DefaultTTL:      5 * time.Minute,
		MaxEntries:      10000,
		CleanupInterval: time.Minute,
		RedisAddr:       "localhost:6379",
		RedisPoolSize:   10,
	}
}

func (o *Options) normalize() {
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = 5 * time.Minute
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = 10000
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Minute
	}
	if o.RedisPoolSize <= 0 {
		o.RedisPoolSize = 10
	}
}

// FromConfig создаёт опции из секции cache конфигурации рантайма.
func FromConfig(cfg *config.CacheConfig) *Options {
	return &Options{
		Backend:       cfg.Driver,
		DefaultTTL:    cfg.DefaultTTL,
		MaxEntries:    cfg.MaxEntries,
		RedisAddr:     cfg.Address(),
		RedisPassword: cfg.Password,
		RedisDB:       cfg.DB,
	}
}

// New создаёт кэш выбранного бэкенда.
func New(opts *Options) (Cache, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	opts.normalize()

	if opts.Backend == BackendRedis {
		return NewRedisCache(opts)
	}
	return NewMemoryCache(opts), nil
}

// MustNew создаёт кэш или паникует; для стартовой инициализации.
func MustNew(opts *Options) Cache {
	c, err := New(opts)
	if err != nil {
		panic(err)
	}
	return c
}

// Package ratelimit реализует внешний token bucket, к которому Route Manager
// обращается на шаге проверки политик: манифест обработчика объявляет
// rate_limit_key, а лимит считается по паре (ключ политики, клиент).
// Ядро лимиты только консультирует; решение всегда «да/нет», без очередей.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Стандартные ошибки
var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrLimiterClosed     = errors.New("limiter is closed")
)

// PolicyKey идентифицирует один счётчик лимита: ключ политики из манифеста
// плюс идентификатор клиента из auth-контекста конверта. Пустой Client
// означает общий лимит на всю политику.
type PolicyKey struct {
	Policy string
	Client string
}

// String возвращает каноническую форму ключа для бэкенда.
func (k PolicyKey) String() string {
	if k.Client == "" {
		return k.Policy
	}
	return k.Policy + "/" + k.Client
}

// Limiter — интерфейс бэкенда лимитов. Allow принимает уже свёрнутый
// строковый ключ; AllowPolicy — типизированный вход для Route Manager.
type Limiter interface {
	// Allow проверяет и списывает один запрос по ключу
	Allow(ctx context.Context, key string) (bool, error)

	// AllowPolicy проверяет лимит для политики манифеста
	AllowPolicy(ctx context.Context, key PolicyKey) (bool, error)

	// GetInfo возвращает текущее состояние счётчика
	GetInfo(ctx context.Context, key string) (*LimitInfo, error)

	// Reset сбрасывает счётчик ключа
	Reset(ctx context.Context, key string) error

	// Close останавливает бэкенд
	Close() error
}

// LimitInfo — состояние одного счётчика, отдаётся в заголовках отказа.
type LimitInfo struct {
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Config конфигурация лимитера. Requests и Window задают базовую норму;
// BurstSize добавляется к ёмкости token bucket.
type Config struct {
	Requests        int           `koanf:"requests"`
	Window          time.Duration `koanf:"window"`
	Strategy        string        `koanf:"strategy"` // sliding_window, token_bucket
	Backend         string        `koanf:"backend"`  // memory, redis
	BurstSize       int           `koanf:"burst_size"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
}

// normalize подставляет безопасные значения вместо нулевых.
func (c *Config) normalize() {
	if c.Requests <= 0 {
		c.Requests = 100
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.BurstSize < 0 {
		c.BurstSize = 0
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.Strategy == "" {
		c.Strategy = "sliding_window"
	}
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() *Config {
	cfg := &Config{
		Strategy:  "sliding_window",
		Backend:   "memory",
		BurstSize: 10,
	}
	cfg.normalize()
	return cfg
}

// New создаёт лимитер для выбранного бэкенда.
func New(cfg *Config) (Limiter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()

	if cfg.Backend == "redis" {
		return NewRedisLimiter(cfg)
	}
	return NewMemoryLimiter(cfg), nil
}

// KeyExtractor сворачивает входящий вызов в ключ лимита. metadata — плоская
// карта заголовков/метаданных в нижнем регистре.
type KeyExtractor func(ctx context.Context, method string, metadata map[string]string) string

// DefaultKeyExtractor строит ключ по клиенту конверта: сначала auth-subject
// (x-client-id), затем адрес клиента. Метод не участвует: лимит политики
// общий на все версии маршрута.
func DefaultKeyExtractor(_ context.Context, _ string, metadata map[string]string) string {
	for _, header := range []string{"x-client-id", "x-forwarded-for", "x-real-ip", ":authority"} {
		if v := metadata[header]; v != "" {
			return v
		}
	}
	return "anonymous"
}

// PolicyKeyExtractor строит ключ из метаданных вызова: ключ политики кладёт
// Route Manager (x-gati-policy), клиента — admission. Без политики лимит
// считается по имени метода.
func PolicyKeyExtractor(_ context.Context, method string, metadata map[string]string) string {
	key := PolicyKey{
		Policy: metadata["x-gati-policy"],
		Client: metadata["x-client-id"],
	}
	if key.Policy == "" {
		key.Policy = method
	}
	return key.String()
}

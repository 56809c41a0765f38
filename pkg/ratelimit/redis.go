package ratelimit

// Redis бэкенд. Использует ту же схему двух смежных окон, что и in-memory
// вариант: на каждое окно — свой ключ-счётчик (INCR + EXPIRE), предыдущее
// окно учитывается с весом оставшейся доли. Никаких ZSET: счётчики дешевле
// и переживают рестарт рантайма, что и требуется от распределённого лимита.

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter — лимитер поверх общего Redis.
type RedisLimiter struct {
	client *redis.Client
	cfg    *Config
}

// NewRedisLimiter подключается к Redis и проверяет доступность.
func NewRedisLimiter(cfg *Config) (*RedisLimiter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisLimiter{client: client, cfg: cfg}, nil
}

// windowKey формирует ключ одного окна: gati:ratelimit:<policy>:<номер окна>.
func (l *RedisLimiter) windowKey(key string, window int64) string {
	return fmt.Sprintf("gati:ratelimit:%s:%d", key, window)
}

// Allow реализует Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	windowNs := l.cfg.Window.Nanoseconds()
	windowNo := now.UnixNano() / windowNs
	fraction := float64(now.UnixNano()%windowNs) / float64(windowNs)

	curKey := l.windowKey(key, windowNo)
	prevKey := l.windowKey(key, windowNo-1)

	pipe := l.client.Pipeline()
	curCmd := pipe.Get(ctx, curKey)
	prevCmd := pipe.Get(ctx, prevKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, fmt.Errorf("reading rate counters: %w", err)
	}

	current, _ := curCmd.Int()
	previous, _ := prevCmd.Int()

	weighted := float64(previous)*(1-fraction) + float64(current)
	if weighted+1 > float64(l.cfg.Requests) {
		return false, nil
	}

	// Списываем: инкремент текущего окна, TTL на два окна, чтобы ключ
	// дожил до роли «предыдущего».
	pipe = l.client.Pipeline()
	pipe.Incr(ctx, curKey)
	pipe.Expire(ctx, curKey, 2*l.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("charging rate counter: %w", err)
	}
	return true, nil
}

// AllowPolicy реализует Limiter.
func (l *RedisLimiter) AllowPolicy(ctx context.Context, key PolicyKey) (bool, error) {
	return l.Allow(ctx, key.String())
}

// GetInfo реализует Limiter.
func (l *RedisLimiter) GetInfo(ctx context.Context, key string) (*LimitInfo, error) {
	now := time.Now()
	windowNs := l.cfg.Window.Nanoseconds()
	windowNo := now.UnixNano() / windowNs

	current, err := l.client.Get(ctx, l.windowKey(key, windowNo)).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("reading rate counter: %w", err)
	}

	resetAt := time.Unix(0, (windowNo+1)*windowNs)
	info := &LimitInfo{
		Limit:     l.cfg.Requests,
		Remaining: l.cfg.Requests - current,
		ResetAt:   resetAt,
	}
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	if info.Remaining == 0 {
		info.RetryAfter = time.Until(resetAt)
	}
	return info, nil
}

// Reset реализует Limiter: удаляет оба окна ключа.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	windowNo := time.Now().UnixNano() / l.cfg.Window.Nanoseconds()
	return l.client.Del(ctx,
		l.windowKey(key, windowNo),
		l.windowKey(key, windowNo-1),
	).Err()
}

// Close реализует Limiter.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

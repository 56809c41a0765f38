package cache

// Redis бэкенд. Все ключи рантайма живут под префиксом gati:cache:, чтобы
// Clear не трогал чужие данные в общем Redis (лимиты, очереди других
// систем). Счётчики hit/miss локальные: они описывают эту реплику.

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisNamespace — префикс всех ключей этого кэша в общем Redis.
const redisNamespace = "gati:cache:"

// RedisCache — кэш, разделяемый репликами рантайма.
type RedisCache struct {
	client *redis.Client
	opts   *Options

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCache подключается к Redis и проверяет доступность.
func NewRedisCache(opts *Options) (*RedisCache, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	opts.normalize()

	client := redis.NewClient(&redis.Options{
		Addr:     opts.RedisAddr,
		Password: opts.RedisPassword,
		DB:       opts.RedisDB,
		PoolSize: opts.RedisPoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisCache{client: client, opts: opts}, nil
}

func (c *RedisCache) namespaced(key string) string {
	return redisNamespace + key
}

// Get реализует Cache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.client.Get(ctx, c.namespaced(key)).Bytes()
	if err == redis.Nil {
		c.misses.Add(1)
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	c.hits.Add(1)
	return value, nil
}

// Set реализует Cache.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	if err := c.client.Set(ctx, c.namespaced(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete реализует Cache.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.namespaced(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Exists реализует Cache.
func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.namespaced(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// GetWithTTL реализует Cache.
func (c *RedisCache) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, error) {
	nk := c.namespaced(key)

	pipe := c.client.Pipeline()
	getCmd := pipe.Get(ctx, nk)
	ttlCmd := pipe.TTL(ctx, nk)
	if _, err := pipe.Exec(ctx); err != nil {
		if err == redis.Nil {
			c.misses.Add(1)
			return nil, 0, ErrKeyNotFound
		}
		return nil, 0, fmt.Errorf("redis get+ttl: %w", err)
	}

	value, err := getCmd.Bytes()
	if err == redis.Nil {
		c.misses.Add(1)
		return nil, 0, ErrKeyNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("redis get: %w", err)
	}
	c.hits.Add(1)
	return value, ttlCmd.Val(), nil
}

// Stats реализует Cache. TotalKeys считается по префиксу рантайма.
func (c *RedisCache) Stats(ctx context.Context) (*Stats, error) {
	var total int64
	iter := c.client.Scan(ctx, 0, redisNamespace+"*", 1000).Iterator()
	for iter.Next(ctx) {
		total++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}

	hits := c.hits.Load()
	misses := c.misses.Load()
	stats := &Stats{
		TotalKeys: total,
		Hits:      hits,
		Misses:    misses,
		Backend:   BackendRedis,
	}
	if sum := hits + misses; sum > 0 {
		stats.HitRate = float64(hits) / float64(sum)
	}
	return stats, nil
}

// Clear реализует Cache: удаляет только ключи под префиксом рантайма.
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, redisNamespace+"*", 1000).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis del batch: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis del batch: %w", err)
		}
	}
	return nil
}

// Close реализует Cache.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

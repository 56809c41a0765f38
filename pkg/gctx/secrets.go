package gctx

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/gati-run/gati/pkg/cache"
)

// EnvSecrets is the default SecretsAccessor: it resolves named secrets from
// the process environment, with a cache in front so repeated lookups (and,
// with a Redis-backed cache, lookups shared across replicas) skip the
// backend. Names are mapped to environment variables as
// PREFIX + upper-snake(name).
type EnvSecrets struct {
	prefix string
	cache  cache.Cache
	ttl    time.Duration
}

// NewEnvSecrets creates an accessor. c may be nil to disable caching.
func NewEnvSecrets(prefix string, c cache.Cache, ttl time.Duration) *EnvSecrets {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &EnvSecrets{prefix: prefix, cache: c, ttl: ttl}
}

// Get implements SecretsAccessor.
func (s *EnvSecrets) Get(ctx context.Context, name string) (string, bool, error) {
	cacheKey := cache.SecretKey(name)
	if s.cache != nil {
		if v, err := s.cache.Get(ctx, cacheKey); err == nil {
			return string(v), true, nil
		} else if !errors.Is(err, cache.ErrKeyNotFound) {
			return "", false, err
		}
	}

	envName := s.prefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	value, ok := os.LookupEnv(envName)
	if !ok {
		return "", false, nil
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, []byte(value), s.ttl); err != nil {
			return value, true, nil // cache failures never mask the secret
		}
	}
	return value, true, nil
}

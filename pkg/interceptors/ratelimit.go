package interceptors

// Rate limit на gRPC поверхности. Ключ по умолчанию складывается из
// политики и клиента конверта (ratelimit.PolicyKeyExtractor); лимитер тот
// же, что консультирует Route Manager, так что HTTP и gRPC плоскости
// делят одну норму. Ошибка бэкенда пропускает вызов (fail open):
// недоступный Redis не должен ронять маршрутизацию.

import (
	"context"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/gati-run/gati/pkg/logger"
	"github.com/gati-run/gati/pkg/ratelimit"
)

// flattenMetadata сводит multi-value метаданные к первой записи.
func flattenMetadata(ctx context.Context) map[string]string {
	flat := make(map[string]string)
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return flat
	}
	for k, v := range md {
		if len(v) > 0 {
			flat[k] = v[0]
		}
	}
	return flat
}

// denyExceeded формирует отказ с заголовками состояния лимита.
func denyExceeded(ctx context.Context, limiter ratelimit.Limiter, key string) error {
	info, err := limiter.GetInfo(ctx, key)
	if err != nil {
		logger.Log.Warn("Failed to get rate limit info", "error", err, "key", key)
		info = &ratelimit.LimitInfo{ResetAt: time.Now().Add(time.Minute)}
	}

	header := metadata.Pairs(
		"x-ratelimit-limit", strconv.Itoa(info.Limit),
		"x-ratelimit-remaining", strconv.Itoa(info.Remaining),
		"x-ratelimit-reset", info.ResetAt.Format(time.RFC3339),
	)
	if err := grpc.SetHeader(ctx, header); err != nil {
		logger.Log.Debug("Failed to set rate limit headers", "error", err)
	}

	logger.Log.Warn("Rate limit exceeded", "key", key, "limit", info.Limit)
	return status.Errorf(codes.ResourceExhausted,
		"rate limit exceeded: %d requests per window, retry after %s",
		info.Limit, time.Until(info.ResetAt).Round(time.Second))
}

// RateLimitInterceptor ограничивает unary вызовы.
func RateLimitInterceptor(limiter ratelimit.Limiter, keyExtractor ratelimit.KeyExtractor) grpc.UnaryServerInterceptor {
	if keyExtractor == nil {
		keyExtractor = ratelimit.PolicyKeyExtractor
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		key := keyExtractor(ctx, info.FullMethod, flattenMetadata(ctx))

		allowed, err := limiter.Allow(ctx, key)
		if err != nil {
			logger.Log.Warn("Rate limit check failed, failing open", "error", err, "key", key)
			return handler(ctx, req)
		}
		if !allowed {
			return nil, denyExceeded(ctx, limiter, key)
		}
		return handler(ctx, req)
	}
}

// StreamRateLimitInterceptor ограничивает stream вызовы.
func StreamRateLimitInterceptor(limiter ratelimit.Limiter, keyExtractor ratelimit.KeyExtractor) grpc.StreamServerInterceptor {
	if keyExtractor == nil {
		keyExtractor = ratelimit.PolicyKeyExtractor
	}

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		key := keyExtractor(ctx, info.FullMethod, flattenMetadata(ctx))

		allowed, err := limiter.Allow(ctx, key)
		if err != nil {
			return handler(srv, ss)
		}
		if !allowed {
			return status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(srv, ss)
	}
}

// Package interceptors — серверная цепочка для gRPC поверхностей рантайма:
// Route Manager (remote mode), module RPC dispatch и сборщик аудита.
// Порядок фиксирован: recovery — rate limit — tracing — metrics — logging —
// validation — audit; аудит последним, чтобы видеть итог вызова.
package interceptors

import (
	"google.golang.org/grpc"

	"github.com/gati-run/gati/pkg/audit"
	"github.com/gati-run/gati/pkg/ratelimit"
	"github.com/gati-run/gati/pkg/telemetry"
)

// ServerConfig описывает, какие звенья включить и чем их снабдить.
type ServerConfig struct {
	ServiceName   string
	EnableTracing bool
	EnableAudit   bool
	RateLimiter   ratelimit.Limiter
	AuditLogger   audit.Logger
	AuditExclude  map[string]bool
	KeyExtractor  ratelimit.KeyExtractor
}

// UnaryServerInterceptors собирает unary цепочку по конфигурации.
func UnaryServerInterceptors(cfg *ServerConfig) grpc.UnaryServerInterceptor {
	chain := []grpc.UnaryServerInterceptor{RecoveryInterceptor()}

	if cfg.RateLimiter != nil {
		chain = append(chain, RateLimitInterceptor(cfg.RateLimiter, cfg.KeyExtractor))
	}
	if cfg.EnableTracing {
		chain = append(chain, telemetry.UnaryServerInterceptor())
	}
	chain = append(chain,
		MetricsInterceptor(cfg.ServiceName),
		LoggingInterceptor(),
		ValidationInterceptor(),
	)
	if cfg.EnableAudit && cfg.AuditLogger != nil {
		chain = append(chain, AuditInterceptor(&AuditConfig{
			ServiceName:    cfg.ServiceName,
			ExcludeMethods: cfg.AuditExclude,
			Logger:         cfg.AuditLogger,
		}))
	}

	return chainUnaryInterceptors(chain...)
}

// StreamServerInterceptors собирает stream цепочку по той же схеме.
func StreamServerInterceptors(cfg *ServerConfig) grpc.StreamServerInterceptor {
	chain := []grpc.StreamServerInterceptor{StreamRecoveryInterceptor()}

	if cfg.RateLimiter != nil {
		chain = append(chain, StreamRateLimitInterceptor(cfg.RateLimiter, cfg.KeyExtractor))
	}
	if cfg.EnableTracing {
		chain = append(chain, telemetry.StreamServerInterceptor())
	}
	chain = append(chain,
		StreamMetricsInterceptor(cfg.ServiceName),
		StreamLoggingInterceptor(),
	)
	if cfg.EnableAudit && cfg.AuditLogger != nil {
		chain = append(chain, StreamAuditInterceptor(&AuditConfig{
			ServiceName:    cfg.ServiceName,
			ExcludeMethods: cfg.AuditExclude,
			Logger:         cfg.AuditLogger,
		}))
	}

	return chainStreamInterceptors(chain...)
}

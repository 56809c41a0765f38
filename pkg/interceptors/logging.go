package interceptors

// Логирование вызовов. Строки несут те же корреляционные идентификаторы,
// что и логи Local Context: request id вытаскивается из метаданных вызова,
// так что gRPC-плоскость склеивается с HTTP-плоскостью по x-request-id.

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/gati-run/gati/pkg/logger"
)

// LoggingInterceptor логирует unary вызовы с корреляцией по конверту.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		log := logger.Log
		if rid := extractRequestID(ctx); rid != "" {
			log = logger.WithRequestID(rid)
		}

		st, _ := status.FromError(err)
		attrs := []any{
			"method", info.FullMethod,
			"code", st.Code().String(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if err != nil {
			log.Error("gRPC request failed", append(attrs, "error", err.Error())...)
		} else {
			log.Info("gRPC request completed", attrs...)
		}
		return resp, err
	}
}

// StreamLoggingInterceptor логирует stream вызовы.
func StreamLoggingInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)

		log := logger.Log
		if rid := extractRequestID(ss.Context()); rid != "" {
			log = logger.WithRequestID(rid)
		}

		attrs := []any{
			"method", info.FullMethod,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if err != nil {
			log.Error("gRPC stream failed", append(attrs, "error", err.Error())...)
		} else {
			log.Info("gRPC stream completed", attrs...)
		}
		return err
	}
}

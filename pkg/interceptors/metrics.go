package interceptors

// Метрики gRPC плоскости. Пишут в те же семейства, что и остальной рантайм
// (metrics.Metrics): общий счётчик/гистограмма по методам плюс gauge
// вызовов в полёте через RequestTracker.

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/gati-run/gati/pkg/metrics"
)

// MetricsInterceptor записывает метрики unary вызовов.
func MetricsInterceptor(_ string) grpc.UnaryServerInterceptor {
	m := metrics.Get()
	tracker := metrics.NewRequestTracker(m.GRPCRequestsInFlight)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		tracker.Start(info.FullMethod)
		defer tracker.End(info.FullMethod)

		start := time.Now()
		resp, err := handler(ctx, req)

		st, _ := status.FromError(err)
		m.RecordGRPCRequest(info.FullMethod, st.Code().String(), time.Since(start))
		return resp, err
	}
}

// StreamMetricsInterceptor записывает метрики stream вызовов.
func StreamMetricsInterceptor(_ string) grpc.StreamServerInterceptor {
	m := metrics.Get()
	tracker := metrics.NewRequestTracker(m.GRPCRequestsInFlight)

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		tracker.Start(info.FullMethod)
		defer tracker.End(info.FullMethod)

		start := time.Now()
		err := handler(srv, ss)

		code := "OK"
		if err != nil {
			st, _ := status.FromError(err)
			code = st.Code().String()
		}
		m.RecordGRPCRequest(info.FullMethod, code, time.Since(start))
		return err
	}
}

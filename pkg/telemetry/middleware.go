package telemetry

// Интерсепторы для gRPC поверхностей рантайма (Route Manager, module RPC).
// Спаны получают корреляционные атрибуты из метаданных вызова: ingress и
// клиенты кладут x-request-id / x-client-id, так что трейс склеивается с
// логами по тем же идентификаторам.

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// correlationAttrs вытягивает идентификаторы конверта из метаданных вызова.
func correlationAttrs(ctx context.Context, method string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("rpc.method", method)}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return attrs
	}
	if v := md.Get("x-request-id"); len(v) > 0 {
		attrs = append(attrs, attribute.String(AttrRequestID, v[0]))
	}
	if v := md.Get("x-client-id"); len(v) > 0 {
		attrs = append(attrs, attribute.String(AttrClientID, v[0]))
	}
	return attrs
}

// finishSpan закрывает span по результату вызова.
func finishSpan(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	st, _ := status.FromError(err)
	span.SetStatus(codes.Error, st.Message())
	span.SetAttributes(attribute.String("rpc.grpc.status_code", st.Code().String()))
	span.RecordError(err)
}

// UnaryServerInterceptor трейсит unary вызовы Route Manager и module RPC.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, span := StartSpan(ctx, info.FullMethod,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(correlationAttrs(ctx, info.FullMethod)...),
		)
		defer span.End()

		resp, err := handler(ctx, req)
		finishSpan(span, err)
		return resp, err
	}
}

// StreamServerInterceptor трейсит stream вызовы.
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, span := StartSpan(ss.Context(), info.FullMethod,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(correlationAttrs(ss.Context(), info.FullMethod)...),
		)
		span.SetAttributes(attribute.Bool("rpc.stream", true))
		defer span.End()

		err := handler(srv, &tracedServerStream{ServerStream: ss, ctx: ctx})
		finishSpan(span, err)
		return err
	}
}

// tracedServerStream подменяет контекст stream-а на контекст со span-ом.
type tracedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedServerStream) Context() context.Context {
	return s.ctx
}

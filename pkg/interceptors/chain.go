package interceptors

// Свёртка цепочки. Интерсепторы компонуются справа налево: последний в
// списке ближе всего к бизнес-обработчику, первый видит вызов раньше всех.

import (
	"context"

	"google.golang.org/grpc"
)

// chainUnaryInterceptors сворачивает список в один unary интерсептор.
func chainUnaryInterceptors(chain ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		wrapped := handler
		for i := len(chain) - 1; i >= 0; i-- {
			ic, next := chain[i], wrapped
			wrapped = func(ctx context.Context, req any) (any, error) {
				return ic(ctx, req, info, next)
			}
		}
		return wrapped(ctx, req)
	}
}

// chainStreamInterceptors сворачивает список в один stream интерсептор.
func chainStreamInterceptors(chain ...grpc.StreamServerInterceptor) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		wrapped := handler
		for i := len(chain) - 1; i >= 0; i-- {
			ic, next := chain[i], wrapped
			wrapped = func(srv any, ss grpc.ServerStream) error {
				return ic(srv, ss, info, next)
			}
		}
		return wrapped(srv, ss)
	}
}

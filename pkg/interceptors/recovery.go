package interceptors

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"

	"github.com/gati-run/gati/pkg/logger"
)

// recoveryHandler превращает панику в Internal и логирует её
func recoveryHandler(p any) error {
	logger.Log.Error("Recovered from panic in gRPC handler", "panic", p)
	return status.Errorf(codes.Internal, "internal server error")
}

// RecoveryInterceptor перехватывает паники в unary обработчиках
func RecoveryInterceptor() grpc.UnaryServerInterceptor {
	return recovery.UnaryServerInterceptor(
		recovery.WithRecoveryHandler(recoveryHandler),
	)
}

// StreamRecoveryInterceptor перехватывает паники в stream обработчиках
func StreamRecoveryInterceptor() grpc.StreamServerInterceptor {
	return recovery.StreamServerInterceptor(
		recovery.WithRecoveryHandler(recoveryHandler),
	)
}

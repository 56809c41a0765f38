package interceptors

// Валидация на границе gRPC. Вызовы рантайма возят structpb.Struct, поэтому
// кроме опционального интерфейса Validator проверяется каркас самого
// конверта: Route ожидает request_id/method/path, module Call — module_id
// и method. Пустой каркас отбрасывается до бизнес-обработчика.

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Validator — опциональный интерфейс самопроверки запроса.
type Validator interface {
	Validate() error
}

// requiredWireFields — обязательные поля по суффиксу метода.
var requiredWireFields = map[string][]string{
	"/Route": {"request_id", "method", "path"},
	"/Call":  {"module_id", "method"},
}

// validateWireStruct проверяет каркас structpb-конверта для известных
// методов; незнакомые методы пропускаются без проверки.
func validateWireStruct(fullMethod string, s *structpb.Struct) error {
	var required []string
	for suffix, fields := range requiredWireFields {
		if strings.HasSuffix(fullMethod, suffix) {
			required = fields
			break
		}
	}
	if required == nil {
		return nil
	}

	fields := s.GetFields()
	for _, name := range required {
		if fields[name].GetStringValue() == "" {
			return status.Errorf(codes.InvalidArgument, "missing required field %q", name)
		}
	}
	return nil
}

// ValidationInterceptor валидирует входящие запросы до обработчика.
func ValidationInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if v, ok := req.(Validator); ok {
			if err := v.Validate(); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "validation error: %v", err)
			}
		}
		if s, ok := req.(*structpb.Struct); ok {
			if err := validateWireStruct(info.FullMethod, s); err != nil {
				return nil, err
			}
		}
		return handler(ctx, req)
	}
}

// Package modulerpc implements the typed, pooled, retrying Module RPC Client:
// the proxy handlers use to call methods on user modules (in-process,
// sandboxed, or remote), plus the wire service a remote module exposes.
package modulerpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// serviceName is the gRPC service path for the hand-rolled Module RPC wire
// contract. There is no generated stub: requests and responses are boxed
// into structpb.Struct, a real proto.Message, so the default grpc proto
// codec handles the framing without a .proto-generated type.
const serviceName = "gati.modulerpc.ModuleRPC"

// Server is implemented by whatever dispatches an incoming Call to the
// in-process module method table.
type Server interface {
	Call(ctx context.Context, moduleID, method string, args *structpb.Struct, attempt int32) (*structpb.Struct, *CallError, error)
}

// CallError is the structured error a module method returns, carried over
// the wire distinctly from a transport-level error.
type CallError struct {
	Retryable bool
	Message   string
}

func packCallError(e *CallError) *structpb.Struct {
	if e == nil {
		return nil
	}
	s, _ := structpb.NewStruct(map[string]any{
		"retryable": e.Retryable,
		"message":   e.Message,
	})
	return s
}

func unpackCallError(s *structpb.Struct) *CallError {
	if s == nil {
		return nil
	}
	fields := s.GetFields()
	return &CallError{
		Retryable: fields["retryable"].GetBoolValue(),
		Message:   fields["message"].GetStringValue(),
	}
}

// ServiceDesc is the hand-written grpc.ServiceDesc for the Module RPC wire
// service — equivalent to what protoc-gen-go-grpc would emit for a one-RPC
// service, written by hand since no .proto pipeline is part of this core.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "modulerpc.proto",
}

type callEnvelope struct {
	ModuleID string
	Method   string
	Args     *structpb.Struct
	Attempt  int32
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(structpb.Struct)
	if err := dec(req); err != nil {
		return nil, err
	}
	fields := req.GetFields()
	env := callEnvelope{
		ModuleID: fields["module_id"].GetStringValue(),
		Method:   fields["method"].GetStringValue(),
		Args:     fields["args"].GetStructValue(),
		Attempt:  int32(fields["attempt"].GetNumberValue()),
	}

	handle := func(ctx context.Context, _ any) (any, error) {
		result, callErr, err := srv.(Server).Call(ctx, env.ModuleID, env.Method, env.Args, env.Attempt)
		if err != nil {
			return nil, err
		}
		resp, buildErr := structpb.NewStruct(map[string]any{})
		if buildErr != nil {
			return nil, buildErr
		}
		if result != nil {
			resp.Fields["result"] = structpb.NewStructValue(result)
		}
		if callErr != nil {
			resp.Fields["error"] = structpb.NewStructValue(packCallError(callErr))
		}
		return resp, nil
	}

	if interceptor == nil {
		return handle(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fmt.Sprintf("/%s/Call", serviceName)}
	return interceptor(ctx, req, info, handle)
}

// encodeRequest boxes a call into the wire struct sent by the client.
func encodeRequest(moduleID, method string, args *structpb.Struct, attempt int) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"module_id": moduleID,
		"method":    method,
		"args":      structOrEmpty(args),
		"attempt":   float64(attempt),
	})
}

func structOrEmpty(s *structpb.Struct) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return s.AsMap()
}

// decodeResponse unpacks the wire struct returned by the server.
func decodeResponse(resp *structpb.Struct) (*structpb.Struct, *CallError) {
	fields := resp.GetFields()
	result := fields["result"].GetStructValue()
	callErr := unpackCallError(fields["error"].GetStructValue())
	return result, callErr
}

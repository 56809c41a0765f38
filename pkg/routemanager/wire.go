package routemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gati-run/gati/pkg/apperror"
	"github.com/gati-run/gati/pkg/envelope"
)

// wireServiceName is the gRPC service path for the Route Manager's remote
// mode. As with the module RPC contract, requests and responses are boxed
// into structpb.Struct so the default proto codec provides the
// length-delimited framing without a generated stub.
const wireServiceName = "gati.routemanager.RouteManager"

// wireEnvelope is the JSON shape a request envelope crosses the wire as.
// time.Time fields round-trip as RFC 3339 strings.
type wireEnvelope struct {
	RequestID  string              `json:"request_id"`
	TraceID    string              `json:"trace_id,omitempty"`
	ClientID   string              `json:"client_id,omitempty"`
	Method     string              `json:"method"`
	Path       string              `json:"path"`
	Headers    map[string][]string `json:"headers,omitempty"`
	ReceivedAt time.Time           `json:"received_at"`
	Body       []byte              `json:"body,omitempty"`
	ClientIP   string              `json:"client_ip,omitempty"`
	Semantic   string              `json:"version_semantic,omitempty"`
	Timestamp  *time.Time          `json:"version_timestamp,omitempty"`
	Direct     string              `json:"version_direct,omitempty"`
	Priority   int                 `json:"priority"`
	Flags      map[string]bool     `json:"flags,omitempty"`
	Auth       *envelope.AuthContext `json:"auth,omitempty"`
	Deadline   time.Time           `json:"deadline,omitzero"`
}

type wireDecision struct {
	Kind             string              `json:"kind"`
	Status           int                 `json:"status,omitempty"`
	Body             []byte              `json:"body,omitempty"`
	Headers          map[string][]string `json:"headers,omitempty"`
	HandlerID        string              `json:"handler_id,omitempty"`
	VersionID        string              `json:"version_id,omitempty"`
	Params           map[string]string   `json:"params,omitempty"`
	ModuleEndpoints  map[string]string   `json:"module_endpoints,omitempty"`
	TransformerChain []string            `json:"transformer_chain,omitempty"`
	Reason           string              `json:"reason,omitempty"`
}

func encodeEnvelope(env *envelope.Request) (*structpb.Struct, error) {
	w := wireEnvelope{
		RequestID:  env.RequestID,
		TraceID:    env.TraceID,
		ClientID:   env.ClientID,
		Method:     env.Method,
		Path:       env.Path,
		Headers:    env.Headers,
		ReceivedAt: env.ReceivedAt,
		Body:       env.Body,
		ClientIP:   env.ClientIP,
		Semantic:   env.Version.Semantic,
		Timestamp:  env.Version.Timestamp,
		Direct:     env.Version.Direct,
		Priority:   int(env.Priority),
		Flags:      env.Flags,
		Auth:       env.Auth,
		Deadline:   env.Deadline,
	}
	return jsonToStruct(w)
}

func decodeEnvelope(s *structpb.Struct) (*envelope.Request, error) {
	var w wireEnvelope
	if err := structToJSON(s, &w); err != nil {
		return nil, err
	}
	return &envelope.Request{
		RequestID:  w.RequestID,
		TraceID:    w.TraceID,
		ClientID:   w.ClientID,
		Method:     w.Method,
		Path:       w.Path,
		Headers:    envelope.Header(w.Headers),
		ReceivedAt: w.ReceivedAt,
		Body:       w.Body,
		ClientIP:   w.ClientIP,
		Version: envelope.VersionPreference{
			Semantic:  w.Semantic,
			Timestamp: w.Timestamp,
			Direct:    w.Direct,
		},
		Priority: envelope.Priority(w.Priority).Clamp(),
		Flags:    w.Flags,
		Auth:     w.Auth,
		Deadline: w.Deadline,
	}, nil
}

func encodeDecision(d *Decision) (*structpb.Struct, error) {
	return jsonToStruct(wireDecision{
		Kind:             string(d.Kind),
		Status:           d.Status,
		Body:             d.Body,
		Headers:          d.Headers,
		HandlerID:        d.HandlerID,
		VersionID:        d.VersionID,
		Params:           d.Params,
		ModuleEndpoints:  d.ModuleEndpoints,
		TransformerChain: d.TransformerChain,
		Reason:           d.Reason,
	})
}

func decodeDecision(s *structpb.Struct) (*Decision, error) {
	var w wireDecision
	if err := structToJSON(s, &w); err != nil {
		return nil, err
	}
	return &Decision{
		Kind:             Kind(w.Kind),
		Status:           w.Status,
		Body:             w.Body,
		Headers:          envelope.Header(w.Headers),
		HandlerID:        w.HandlerID,
		VersionID:        w.VersionID,
		Params:           w.Params,
		ModuleEndpoints:  w.ModuleEndpoints,
		TransformerChain: w.TransformerChain,
		Reason:           w.Reason,
	}, nil
}

func jsonToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func structToJSON(s *structpb.Struct, out any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// WireServer is implemented by the decision engine the remote service hosts.
type WireServer interface {
	Route(ctx context.Context, env *envelope.Request) (*Decision, error)
}

// managerWire adapts a Manager to the wire contract.
type managerWire struct {
	m *Manager
}

// NewWireServer wraps m for registration on a gRPC server via ServiceDesc.
func NewWireServer(m *Manager) WireServer {
	return &managerWire{m: m}
}

func (w *managerWire) Route(ctx context.Context, env *envelope.Request) (*Decision, error) {
	return w.m.Decide(ctx, env), nil
}

// ServiceDesc is the hand-written grpc.ServiceDesc for the Route Manager
// wire service, mirroring the module RPC pattern.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: wireServiceName,
	HandlerType: (*WireServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Route", Handler: routeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "routemanager.proto",
}

func routeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(structpb.Struct)
	if err := dec(req); err != nil {
		return nil, err
	}

	handle := func(ctx context.Context, _ any) (any, error) {
		env, err := decodeEnvelope(req)
		if err != nil {
			return nil, apperror.ToGRPC(apperror.Wrap(err, apperror.CodeAdmissionSyntax, "decoding route request"))
		}
		decision, err := srv.(WireServer).Route(ctx, env)
		if err != nil {
			return nil, apperror.ToGRPC(err)
		}
		return encodeDecision(decision)
	}

	if interceptor == nil {
		return handle(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fmt.Sprintf("/%s/Route", wireServiceName)}
	return interceptor(ctx, req, info, handle)
}

// Client calls a remote Route Manager over a persistent gRPC connection.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewClient wraps an established connection. timeout bounds each Route call;
// zero means the caller's context deadline alone applies.
func NewClient(conn *grpc.ClientConn, timeout time.Duration) *Client {
	return &Client{conn: conn, timeout: timeout}
}

// Route resolves env against the remote Route Manager.
func (c *Client) Route(ctx context.Context, env *envelope.Request) (*Decision, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := encodeEnvelope(env)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeRPCSerialization, "encoding route request")
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+wireServiceName+"/Route", req, resp); err != nil {
		return nil, apperror.FromGRPC(err)
	}
	d, err := decodeDecision(resp)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeRPCSerialization, "decoding route response")
	}
	return d, nil
}

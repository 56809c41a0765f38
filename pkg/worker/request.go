// Package worker executes a resolved handler under a deadline, with an
// isolated error surface and response-envelope production. The handler sees
// an immutable request view and a single-assignment response builder.
package worker

import (
	"encoding/json"

	"github.com/gati-run/gati/pkg/envelope"
)

// Request is the immutable view of a request envelope a handler receives:
// the envelope plus matched path parameters and the parsed body.
type Request struct {
	env *envelope.Request
}

// NewRequest wraps env. The envelope must already carry its path parameters.
func NewRequest(env *envelope.Request) *Request {
	return &Request{env: env}
}

// ID returns the request id.
func (r *Request) ID() string { return r.env.RequestID }

// TraceID returns the trace id.
func (r *Request) TraceID() string { return r.env.TraceID }

// Method returns the HTTP method.
func (r *Request) Method() string { return r.env.Method }

// Path returns the normalized path.
func (r *Request) Path() string { return r.env.Path }

// Param returns the named path parameter, or "".
func (r *Request) Param(name string) string { return r.env.PathParams[name] }

// Params returns a copy of the path-parameter map.
func (r *Request) Params() map[string]string {
	out := make(map[string]string, len(r.env.PathParams))
	for k, v := range r.env.PathParams {
		out[k] = v
	}
	return out
}

// Header returns the first value of the named header.
func (r *Request) Header(name string) string { return r.env.Headers.Get(name) }

// Body returns the raw request body.
func (r *Request) Body() []byte { return r.env.Body }

// ParsedBody returns the body parsed by ingress, if any.
func (r *Request) ParsedBody() any { return r.env.ParsedBody }

// BindJSON unmarshals the raw body into v.
func (r *Request) BindJSON(v any) error { return json.Unmarshal(r.env.Body, v) }

// Auth returns the admission-produced auth context.
func (r *Request) Auth() *envelope.AuthContext { return r.env.Auth }

// ClientIP returns the client address recorded by ingress.
func (r *Request) ClientIP() string { return r.env.ClientIP }

// Envelope returns the underlying envelope. Callers must not mutate it.
func (r *Request) Envelope() *envelope.Request { return r.env }

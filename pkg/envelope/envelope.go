// Package envelope defines the immutable request and response envelopes that
// cross every internal boundary of the runtime: ingress, queue fabric, route
// manager, LCC, handler worker, and back.
package envelope

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority is a delivery priority on the Queue Fabric. 1 is highest, 10 is lowest.
type Priority int

const (
	PriorityHighest Priority = 1
	PriorityDefault Priority = 5
	PriorityLowest  Priority = 10
)

// Clamp folds p into the valid [PriorityHighest, PriorityLowest] range.
func (p Priority) Clamp() Priority {
	switch {
	case p < PriorityHighest:
		return PriorityHighest
	case p > PriorityLowest:
		return PriorityLowest
	default:
		return p
	}
}

// Header is a case-insensitive header map. Keys are stored lower-cased.
type Header map[string][]string

// NewHeader creates an empty Header map.
func NewHeader() Header {
	return make(Header)
}

// Set replaces all values for key.
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = []string{value}
}

// Add appends a value for key.
func (h Header) Add(key, value string) {
	k := strings.ToLower(key)
	h[k] = append(h[k], value)
}

// Get returns the first value for key, or "" if absent.
func (h Header) Get(key string) string {
	vs := h[strings.ToLower(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns all values for key.
func (h Header) Values(key string) []string {
	return h[strings.ToLower(key)]
}

// Clone returns a deep copy of h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, v := range h {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// AuthContext is the opaque result of ingress admission. Handlers and policy
// checks read Roles/Subject; the concrete verification mechanism
// (none/api-key/bearer) lives in the ingress adapter.
type AuthContext struct {
	Authenticated bool
	Subject       string
	Roles         []string
	Claims        map[string]any
}

// HasRole reports whether the context carries role.
func (a *AuthContext) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// VersionPreference is how a client asked for a specific handler version.
// Exactly one of the fields is set.
type VersionPreference struct {
	Semantic  string     // e.g. "v2", "2.1.0"
	Timestamp *time.Time // ISO-8601 timestamp preference
	Direct    string     // opaque version identifier
}

// IsZero reports whether no preference was supplied.
func (v VersionPreference) IsZero() bool {
	return v.Semantic == "" && v.Timestamp == nil && v.Direct == ""
}

// Request is the canonical, immutable request envelope. Every transformation
// (normalization, version resolution, parameter binding) produces a new value;
// nothing here is mutated in place after publish.
type Request struct {
	RequestID    string
	TraceID      string
	ClientID     string
	Method       string
	Path         string // normalized: leading slash, no ./.., trailing slash trimmed except root
	Headers      Header
	ReceivedAt   time.Time
	Body         []byte
	ParsedBody   any
	ClientIP     string
	Version      VersionPreference
	Priority     Priority
	Flags        map[string]bool
	Auth         *AuthContext
	Deadline     time.Time
	PathParams   map[string]string // filled in by the Route Matcher, not by ingress
}

// NewRequest builds a Request with a generated request id if none is supplied,
// and a normalized path.
func NewRequest(method, path string) *Request {
	return &Request{
		RequestID:  uuid.NewString(),
		Method:     method,
		Path:       NormalizePath(path),
		Headers:    NewHeader(),
		ReceivedAt: time.Now(),
		Priority:   PriorityDefault,
		Flags:      make(map[string]bool),
	}
}

// WithParams returns a shallow copy of r carrying the given path parameters.
// Used by the Route Matcher to attach the match result without mutating the
// published envelope other callers may still hold a reference to.
func (r *Request) WithParams(params map[string]string) *Request {
	cp := *r
	cp.PathParams = params
	return &cp
}

// NormalizePath enforces: leading slash, no "." or ".." segments, trailing
// slash trimmed except for the root path.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	segments := strings.Split(p, "/")
	cleaned := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(cleaned) > 0 {
				cleaned = cleaned[:len(cleaned)-1]
			}
		default:
			cleaned = append(cleaned, seg)
		}
	}
	if len(cleaned) == 0 {
		return "/"
	}
	return "/" + strings.Join(cleaned, "/")
}

// Warning is a non-fatal note attached to a Response.
type Warning struct {
	Code    string
	Message string
}

// Response is the canonical response envelope. At most one is produced per
// request id; duplicates are dropped by whoever correlates delivery.
type Response struct {
	RequestID  string
	Status     int
	ProducedAt time.Time
	Headers    Header
	Body       []byte
	Warnings   []Warning
}

// NewResponse builds a Response correlated to requestID.
func NewResponse(requestID string, status int) *Response {
	return &Response{
		RequestID:  requestID,
		Status:     status,
		ProducedAt: time.Now(),
		Headers:    NewHeader(),
	}
}

// Clone returns a deep copy, used whenever a Response crosses a phase
// boundary that must not observe later mutation (snapshotting, delivery).
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Headers = r.Headers.Clone()
	if r.Body != nil {
		cp.Body = append([]byte(nil), r.Body...)
	}
	cp.Warnings = append([]Warning(nil), r.Warnings...)
	return &cp
}

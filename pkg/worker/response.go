package worker

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gati-run/gati/pkg/envelope"
)

// ResponseBuilder stages status, headers, and body for one request and
// freezes on the first terminal call. Terminal calls after the freeze are
// ignored and logged; the first response always wins.
type ResponseBuilder struct {
	mu        sync.Mutex
	requestID string
	status    int
	headers   envelope.Header
	body      []byte
	warnings  []envelope.Warning
	frozen    bool
	result    *envelope.Response
	logger    *slog.Logger
}

// NewResponseBuilder creates a builder correlated to requestID.
func NewResponseBuilder(requestID string, logger *slog.Logger) *ResponseBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseBuilder{
		requestID: requestID,
		status:    http.StatusOK,
		headers:   envelope.NewHeader(),
		logger:    logger,
	}
}

// Status stages the response status code.
func (b *ResponseBuilder) Status(code int) *ResponseBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.frozen {
		b.status = code
	}
	return b
}

// Header stages a response header.
func (b *ResponseBuilder) Header(key, value string) *ResponseBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.frozen {
		b.headers.Set(key, value)
	}
	return b
}

// Warn attaches a non-fatal warning to the response.
func (b *ResponseBuilder) Warn(code, message string) *ResponseBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.frozen {
		b.warnings = append(b.warnings, envelope.Warning{Code: code, Message: message})
	}
	return b
}

// Send is a terminal call: it freezes the response with the staged status
// and headers and the given raw body.
func (b *ResponseBuilder) Send(body []byte) *envelope.Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		b.logger.Warn("response already finalized, terminal call ignored", "request_id", b.requestID)
		return b.result
	}
	b.body = body
	return b.freezeLocked()
}

// JSON is a terminal call: it marshals v, sets the content type, and freezes.
// A marshal failure freezes a 500 response instead.
func (b *ResponseBuilder) JSON(v any) *envelope.Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		b.logger.Warn("response already finalized, terminal call ignored", "request_id", b.requestID)
		return b.result
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("encoding response body", "request_id", b.requestID, "error", err)
		b.status = http.StatusInternalServerError
		b.body = []byte(`{"error":"response encoding failed"}`)
	} else {
		b.body = data
	}
	b.headers.Set("Content-Type", "application/json")
	return b.freezeLocked()
}

// Finalize is a terminal call freezing whatever has been staged so far.
func (b *ResponseBuilder) Finalize() *envelope.Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		b.logger.Warn("response already finalized, terminal call ignored", "request_id", b.requestID)
		return b.result
	}
	return b.freezeLocked()
}

func (b *ResponseBuilder) freezeLocked() *envelope.Response {
	resp := envelope.NewResponse(b.requestID, b.status)
	resp.Headers = b.headers.Clone()
	resp.Body = b.body
	resp.Warnings = append([]envelope.Warning(nil), b.warnings...)
	b.frozen = true
	b.result = resp
	return resp
}

// Frozen reports whether a terminal call has already happened.
func (b *ResponseBuilder) Frozen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frozen
}

// Response returns the frozen response, or nil before any terminal call.
func (b *ResponseBuilder) Response() *envelope.Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result
}

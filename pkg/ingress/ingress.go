// Package ingress implements the Ingress Adapter: it translates inbound
// HTTP requests into canonical request envelopes, enforces admission (auth,
// size, request id), publishes to the routing topic with backpressure
// handling, and writes the correlated response envelope back as HTTP.
package ingress

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gati-run/gati/pkg/audit"
	"github.com/gati-run/gati/pkg/envelope"
	"github.com/gati-run/gati/pkg/queuefabric"
)

// requestIDPattern is the syntactic check a caller-supplied request id must
// pass before it is trusted for correlation.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Metrics is the subset of the metrics sink ingress drives.
type Metrics interface {
	RecordHTTPRequest(route, status string, duration time.Duration)
	RecordAdmissionRejected(reason string)
}

// Options configures an Adapter.
type Options struct {
	Topic             string
	BodyMaxBytes      int64
	MaxHeaderCount    int
	RequestTimeout    time.Duration
	RequestIDHeader   string
	CorrelationHeader string
	VersionHeader     string
	VersionQueryKey   string
	PriorityHeader    string
	ServedVersionHdr  string
	Auth              Authenticator
	Audit             audit.Logger
	Metrics           Metrics
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Topic == "" {
		o.Topic = RoutingTopic
	}
	if o.BodyMaxBytes <= 0 {
		o.BodyMaxBytes = 1 << 20
	}
	if o.MaxHeaderCount <= 0 {
		o.MaxHeaderCount = 100
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.RequestIDHeader == "" {
		o.RequestIDHeader = "X-Request-Id"
	}
	if o.CorrelationHeader == "" {
		o.CorrelationHeader = "X-Request-Id"
	}
	if o.VersionHeader == "" {
		o.VersionHeader = "X-Gati-Version"
	}
	if o.VersionQueryKey == "" {
		o.VersionQueryKey = "version"
	}
	if o.PriorityHeader == "" {
		o.PriorityHeader = "X-Gati-Priority"
	}
	if o.ServedVersionHdr == "" {
		o.ServedVersionHdr = "X-Gati-Served-Version"
	}
	if o.Auth == nil {
		o.Auth = NoneAuthenticator{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// RoutingTopic is the default queue fabric topic envelopes are published to.
const RoutingTopic = "gati.routing"

// Adapter is the HTTP front door. It implements http.Handler.
type Adapter struct {
	fabric *queuefabric.Fabric
	opts   Options
}

// New creates an Adapter publishing to fabric.
func New(fabric *queuefabric.Fabric, opts Options) *Adapter {
	return &Adapter{fabric: fabric, opts: opts.withDefaults()}
}

// ServeHTTP runs the full admission and correlation path for one request.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := a.requestID(r)
	w.Header().Set(a.opts.CorrelationHeader, requestID)

	env, admitErr := a.admit(r, requestID)
	if admitErr != nil {
		a.rejectAdmission(w, r, requestID, admitErr, start)
		return
	}

	deadline := time.Now().Add(a.opts.RequestTimeout)
	env.Deadline = deadline

	// Register before publish so no delivery can race the registration.
	resultCh := make(chan *envelope.Response, 1)
	a.fabric.RegisterResultHandler(requestID, func(resp *envelope.Response) {
		resultCh <- resp
	})

	_, err := a.fabric.Publish(a.opts.Topic, env, queuefabric.Metadata{
		MessageID: requestID,
		Priority:  int(env.Priority),
		Semantics: queuefabric.ExactlyOnce,
	}, deadline)
	if err != nil {
		a.fabric.UnregisterResultHandler(requestID)
		var bp *queuefabric.Backpressure
		if errors.As(err, &bp) {
			a.recordRejected("backpressure")
			w.Header().Set("Retry-After", "1")
			a.writeError(w, http.StatusServiceUnavailable, "queue.backpressure", requestID)
			a.recordRequest(r, http.StatusServiceUnavailable, start)
			return
		}
		a.opts.Logger.Error("publishing envelope", "request_id", requestID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "internal", requestID)
		a.recordRequest(r, http.StatusInternalServerError, start)
		return
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case resp := <-resultCh:
		a.writeResponse(w, resp)
		a.recordRequest(r, resp.Status, start)
	case <-timer.C:
		// Unregister first so a late response is dropped, then 504.
		a.fabric.UnregisterResultHandler(requestID)
		a.writeError(w, http.StatusGatewayTimeout, "handler.timeout", requestID)
		a.recordRequest(r, http.StatusGatewayTimeout, start)
	case <-r.Context().Done():
		a.fabric.UnregisterResultHandler(requestID)
		a.recordRequest(r, 499, start)
	}
}

// admit builds the request envelope, or returns the admission error that
// must be surfaced without touching the fabric.
func (a *Adapter) admit(r *http.Request, requestID string) (*envelope.Request, *admissionError) {
	if len(r.Header) > a.opts.MaxHeaderCount {
		return nil, &admissionError{status: http.StatusBadRequest, code: "admission.invalid_syntax", reason: "header_count"}
	}

	auth, err := a.opts.Auth.Authenticate(r)
	if err != nil {
		return nil, &admissionError{status: http.StatusUnauthorized, code: "admission.unauthenticated", reason: "auth", cause: err}
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(http.MaxBytesReader(nil, r.Body, a.opts.BodyMaxBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, &admissionError{status: http.StatusRequestEntityTooLarge, code: "admission.too_large", reason: "body_size"}
			}
			return nil, &admissionError{status: http.StatusBadRequest, code: "admission.invalid_syntax", reason: "body_read", cause: err}
		}
	}

	var parsed any
	if len(body) > 0 {
		if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "application/json" {
			if err := json.Unmarshal(body, &parsed); err != nil {
				return nil, &admissionError{status: http.StatusBadRequest, code: "admission.invalid_syntax", reason: "body_json", cause: err}
			}
		}
	}

	headers := envelope.NewHeader()
	for k, vs := range r.Header {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}

	env := &envelope.Request{
		RequestID:  requestID,
		TraceID:    uuid.NewString(),
		ClientID:   clientID(r, auth),
		Method:     r.Method,
		Path:       envelope.NormalizePath(r.URL.Path),
		Headers:    headers,
		ReceivedAt: time.Now(),
		Body:       body,
		ParsedBody: parsed,
		ClientIP:   clientIP(r),
		Version:    a.versionPreference(r),
		Priority:   a.priority(r),
		Flags:      map[string]bool{},
		Auth:       auth,
	}
	return env, nil
}

func (a *Adapter) requestID(r *http.Request) string {
	if supplied := r.Header.Get(a.opts.RequestIDHeader); supplied != "" && requestIDPattern.MatchString(supplied) {
		return supplied
	}
	return uuid.NewString()
}

// versionPreference reads the version preference from the query key first,
// then the header. An ISO-8601 value becomes a timestamp preference; any
// other value is treated as a semantic tag or opaque version id.
func (a *Adapter) versionPreference(r *http.Request) envelope.VersionPreference {
	raw := r.URL.Query().Get(a.opts.VersionQueryKey)
	if raw == "" {
		raw = r.Header.Get(a.opts.VersionHeader)
	}
	if raw == "" {
		return envelope.VersionPreference{}
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return envelope.VersionPreference{Timestamp: &ts}
	}
	return envelope.VersionPreference{Semantic: raw}
}

func (a *Adapter) priority(r *http.Request) envelope.Priority {
	raw := r.Header.Get(a.opts.PriorityHeader)
	if raw == "" {
		return envelope.PriorityDefault
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return envelope.PriorityDefault
	}
	return envelope.Priority(n).Clamp()
}

type admissionError struct {
	status int
	code   string
	reason string
	cause  error
}

func (a *Adapter) rejectAdmission(w http.ResponseWriter, r *http.Request, requestID string, admitErr *admissionError, start time.Time) {
	a.recordRejected(admitErr.reason)
	if a.opts.Audit != nil {
		entry := audit.AdmissionDenied(r.Method, r.URL.Path, requestID, admitErr.code, admitErr.reason).
			Client(clientIP(r), r.UserAgent())
		if err := a.opts.Audit.Log(r.Context(), entry.Build()); err != nil {
			a.opts.Logger.Warn("audit log failed", "error", err)
		}
	}
	a.writeError(w, admitErr.status, admitErr.code, requestID)
	a.recordRequest(r, admitErr.status, start)
}

func (a *Adapter) writeResponse(w http.ResponseWriter, resp *envelope.Response) {
	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(http.CanonicalHeaderKey(k), v)
		}
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

func (a *Adapter) writeError(w http.ResponseWriter, status int, code, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", code)
	w.WriteHeader(status)
	body, err := json.Marshal(map[string]any{"error": code, "request_id": requestID})
	if err != nil {
		return
	}
	_, _ = w.Write(body)
}

func (a *Adapter) recordRequest(r *http.Request, status int, start time.Time) {
	if a.opts.Metrics != nil {
		a.opts.Metrics.RecordHTTPRequest(r.Method+" "+r.URL.Path, strconv.Itoa(status), time.Since(start))
	}
}

func (a *Adapter) recordRejected(reason string) {
	if a.opts.Metrics != nil {
		a.opts.Metrics.RecordAdmissionRejected(reason)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientID(r *http.Request, auth *envelope.AuthContext) string {
	if auth != nil && auth.Subject != "" {
		return auth.Subject
	}
	return clientIP(r)
}

package ingress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gati-run/gati/pkg/envelope"
	"github.com/gati-run/gati/pkg/passhash"
	"github.com/gati-run/gati/pkg/queuefabric"
)

type recordingMetrics struct {
	mu       sync.Mutex
	rejected map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{rejected: make(map[string]int)}
}

func (m *recordingMetrics) RecordHTTPRequest(string, string, time.Duration) {}

func (m *recordingMetrics) RecordAdmissionRejected(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[reason]++
}

func newFabric() *queuefabric.Fabric {
	return queuefabric.New(queuefabric.Options{MaxDepth: 100, WorkerPoolSize: 2})
}

func TestServeHTTPSuccess(t *testing.T) {
	fabric := newFabric()
	defer fabric.Shutdown()
	fabric.Subscribe(RoutingTopic, queuefabric.ExactlyOnce, func(ctx context.Context, msg *queuefabric.Message) error {
		env := msg.Payload.(*envelope.Request)
		resp := envelope.NewResponse(env.RequestID, http.StatusOK)
		resp.Headers.Set("Content-Type", "application/json")
		resp.Body = []byte(`{"ok":true}`)
		fabric.DeliverResult(env.RequestID, resp)
		return nil
	})

	a := New(fabric, Options{RequestTimeout: time.Second})
	req := httptest.NewRequest("GET", "/echo", nil)
	req.Header.Set("X-Request-Id", "my-stable-id")
	rec := httptest.NewRecorder()

	a.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") != "my-stable-id" {
		t.Errorf("correlation header = %q, want the caller-supplied id", rec.Header().Get("X-Request-Id"))
	}
}

func TestMalformedRequestIDIsReplaced(t *testing.T) {
	fabric := newFabric()
	defer fabric.Shutdown()
	var seenID string
	fabric.Subscribe(RoutingTopic, queuefabric.ExactlyOnce, func(ctx context.Context, msg *queuefabric.Message) error {
		env := msg.Payload.(*envelope.Request)
		seenID = env.RequestID
		fabric.DeliverResult(env.RequestID, envelope.NewResponse(env.RequestID, http.StatusOK))
		return nil
	})

	a := New(fabric, Options{RequestTimeout: time.Second})
	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("X-Request-Id", "bad id with spaces!!")
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)

	if seenID == "bad id with spaces!!" || seenID == "" {
		t.Errorf("malformed caller id must be replaced, got %q", seenID)
	}
}

func TestBodyTooLarge(t *testing.T) {
	fabric := newFabric()
	defer fabric.Shutdown()
	metrics := newRecordingMetrics()
	a := New(fabric, Options{BodyMaxBytes: 10, RequestTimeout: time.Second, Metrics: metrics})

	req := httptest.NewRequest("POST", "/big", strings.NewReader(strings.Repeat("x", 100)))
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if metrics.rejected["body_size"] != 1 {
		t.Error("admission rejection metric not recorded")
	}
}

func TestMalformedJSONBodyRejected(t *testing.T) {
	fabric := newFabric()
	defer fabric.Shutdown()
	a := New(fabric, Options{RequestTimeout: time.Second})

	req := httptest.NewRequest("POST", "/x", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	fabric := newFabric()
	defer fabric.Shutdown()
	fabric.Subscribe(RoutingTopic, queuefabric.ExactlyOnce, func(ctx context.Context, msg *queuefabric.Message) error {
		env := msg.Payload.(*envelope.Request)
		fabric.DeliverResult(env.RequestID, envelope.NewResponse(env.RequestID, http.StatusOK))
		return nil
	})
	a := New(fabric, Options{
		RequestTimeout: time.Second,
		Auth:           &APIKeyAuthenticator{Header: "X-Api-Key", Secret: "sekret"},
	})

	req := httptest.NewRequest("GET", "/x", nil)
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("X-Api-Key", "sekret")
	rec = httptest.NewRecorder()
	a.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with key = %d, want 200", rec.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	fabric := newFabric()
	defer fabric.Shutdown()
	var roles []string
	fabric.Subscribe(RoutingTopic, queuefabric.ExactlyOnce, func(ctx context.Context, msg *queuefabric.Message) error {
		env := msg.Payload.(*envelope.Request)
		roles = env.Auth.Roles
		fabric.DeliverResult(env.RequestID, envelope.NewResponse(env.RequestID, http.StatusOK))
		return nil
	})

	manager := passhash.NewJWTManager(&passhash.JWTConfig{
		SecretKey:         "test-secret",
		AccessTokenExpiry: time.Minute,
		Issuer:            "gati-auth",
	})
	token, err := manager.GenerateAccessToken("u-1", "ada", []string{"admin"})
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	a := New(fabric, Options{RequestTimeout: time.Second, Auth: &BearerAuthenticator{Manager: manager}})

	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(roles) != 1 || roles[0] != "admin" {
		t.Errorf("auth roles = %v, want [admin]", roles)
	}
}

func TestRequestTimeoutWrites504(t *testing.T) {
	fabric := newFabric()
	defer fabric.Shutdown()
	// No subscriber ever answers.
	a := New(fabric, Options{RequestTimeout: 50 * time.Millisecond})

	req := httptest.NewRequest("GET", "/slow", nil)
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if rec.Header().Get("X-Error-Code") != "handler.timeout" {
		t.Errorf("error code = %q", rec.Header().Get("X-Error-Code"))
	}
}

func TestBackpressureWrites503WithRetryAfter(t *testing.T) {
	fabric := queuefabric.New(queuefabric.Options{MaxDepth: 1, WorkerPoolSize: 1})
	defer fabric.Shutdown()
	metrics := newRecordingMetrics()
	a := New(fabric, Options{RequestTimeout: time.Second, Metrics: metrics})

	// Fill the topic; no subscriber drains it.
	if _, err := fabric.Publish(RoutingTopic, "filler", queuefabric.Metadata{MessageID: "m1", Priority: 5}, time.Time{}); err != nil {
		t.Fatalf("priming publish: %v", err)
	}

	req := httptest.NewRequest("GET", "/x", nil)
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("503 must carry a Retry-After hint")
	}
}

func TestVersionAndPriorityParsing(t *testing.T) {
	fabric := newFabric()
	defer fabric.Shutdown()
	var got *envelope.Request
	fabric.Subscribe(RoutingTopic, queuefabric.ExactlyOnce, func(ctx context.Context, msg *queuefabric.Message) error {
		got = msg.Payload.(*envelope.Request)
		fabric.DeliverResult(got.RequestID, envelope.NewResponse(got.RequestID, http.StatusOK))
		return nil
	})
	a := New(fabric, Options{RequestTimeout: time.Second})

	req := httptest.NewRequest("GET", "/posts?version=v2", nil)
	req.Header.Set("X-Gati-Priority", "99")
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)

	if got == nil {
		t.Fatal("envelope never reached the fabric")
	}
	if got.Version.Semantic != "v2" {
		t.Errorf("version preference = %+v, want semantic v2", got.Version)
	}
	if got.Priority != envelope.PriorityLowest {
		t.Errorf("priority = %d, want clamped to 10", got.Priority)
	}
}

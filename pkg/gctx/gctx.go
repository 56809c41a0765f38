// Package gctx implements the Global Context: a process-wide, read-mostly
// facade created once at startup and shared by every request, exposing
// modules, secrets, metrics, tracing, logging, version resolution, and a
// process-wide event bus publish.
package gctx

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/gati-run/gati/pkg/manifest"
	"github.com/gati-run/gati/pkg/modulerpc"
	"github.com/gati-run/gati/pkg/queuefabric"
)

// SecretsAccessor resolves a named secret, possibly hitting a backend.
// Failures propagate to the caller.
type SecretsAccessor interface {
	Get(ctx context.Context, name string) (string, bool, error)
}

// MetricsSink is the facade's counter/gauge/histogram surface for user code.
type MetricsSink interface {
	IncCounter(name string, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}

// Tracer is the facade's span-creation surface for user code.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, trace.Span)
	WithSpan(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// VersionResolver resolves a version preference to a concrete version id for
// a given route path.
type VersionResolver interface {
	Resolve(path string, pref VersionPreference) (string, error)
}

// VersionPreference mirrors envelope.VersionPreference without importing it,
// keeping gctx decoupled from the envelope package's full surface.
type VersionPreference struct {
	Semantic  string
	Timestamp *time.Time
	Direct    string
}

// Context is the process-wide Global Context. Concurrent read access is
// safe after initialization. Registration of new modules is append-only
// after startup; a hot reload replaces the whole registry atomically via
// pointer swap.
type Context struct {
	modules   atomic.Pointer[modulerpc.Registry]
	secrets   SecretsAccessor
	metrics   MetricsSink
	tracer    Tracer
	logger    *slog.Logger
	versions  VersionResolver
	fabric    *queuefabric.Fabric
	store     *manifest.Store

	mu        sync.RWMutex
	config    map[string]any
}

// New constructs a Global Context. modules, secrets, metrics, tracer, or
// versions may be nil if the corresponding facility is unused by the caller.
func New(
	modules *modulerpc.Registry,
	secrets SecretsAccessor,
	metrics MetricsSink,
	tracer Tracer,
	logger *slog.Logger,
	versions VersionResolver,
	fabric *queuefabric.Fabric,
	store *manifest.Store,
) *Context {
	c := &Context{
		secrets:  secrets,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger,
		versions: versions,
		fabric:   fabric,
		store:    store,
		config:   make(map[string]any),
	}
	c.modules.Store(modules)
	return c
}

// ReplaceModuleRegistry atomically swaps in a freshly built registry — the
// hot-reload path; in-flight calls against the old registry keep running
// against the pointer they already captured.
func (c *Context) ReplaceModuleRegistry(r *modulerpc.Registry) {
	c.modules.Store(r)
}

// Module returns the typed RPC client for moduleID.
func (c *Context) Module(moduleID string) (*modulerpc.Client, bool) {
	reg := c.modules.Load()
	if reg == nil {
		return nil, false
	}
	return reg.Get(moduleID)
}

// Modules returns the current module registry snapshot, for health sweeps.
func (c *Context) Modules() *modulerpc.Registry {
	return c.modules.Load()
}

// Secret resolves a named secret.
func (c *Context) Secret(ctx context.Context, name string) (string, bool, error) {
	if c.secrets == nil {
		return "", false, nil
	}
	return c.secrets.Get(ctx, name)
}

// Metrics exposes the counter/gauge/histogram surface, or a no-op sink.
func (c *Context) Metrics() MetricsSink {
	if c.metrics == nil {
		return noopMetrics{}
	}
	return c.metrics
}

// Tracing exposes the span-creation surface, or a no-op tracer.
func (c *Context) Tracing() Tracer {
	if c.tracer == nil {
		return noopTracer{}
	}
	return c.tracer
}

// Logger returns the process-wide base logger.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// ResolveVersion resolves pref to a concrete version id for path.
func (c *Context) ResolveVersion(path string, pref VersionPreference) (string, error) {
	if c.versions == nil {
		return "", nil
	}
	return c.versions.Resolve(path, pref)
}

// Publish emits a process-wide event on topic via the queue fabric.
func (c *Context) Publish(topic string, payload any, messageID string) error {
	_, err := c.fabric.Publish(topic, payload, queuefabric.Metadata{
		MessageID: messageID,
		Priority:  5,
		Semantics: queuefabric.AtLeastOnce,
	}, time.Time{})
	return err
}

// Store returns the process-wide manifest and version store.
func (c *Context) Store() *manifest.Store {
	return c.store
}

// ConfigValue reads a process-wide configuration value registered at startup.
func (c *Context) ConfigValue(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.config[key]
	return v, ok
}

// SetConfigValue registers a process-wide configuration value. Intended for
// startup wiring only; the core does not guard against concurrent writers
// because writes never overlap request processing in practice.
func (c *Context) SetConfigValue(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config[key] = value
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, map[string]string)            {}
func (noopMetrics) SetGauge(string, float64, map[string]string)     {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func (noopTracer) WithSpan(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

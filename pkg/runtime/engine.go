// Package runtime assembles the request-processing engine: queue fabric,
// route manager, LCC, handler worker, and ingress adapter, wired into one
// process. It is the composition root the launcher and the end-to-end tests
// share.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gati-run/gati/pkg/audit"
	"github.com/gati-run/gati/pkg/config"
	"github.com/gati-run/gati/pkg/envelope"
	"github.com/gati-run/gati/pkg/gctx"
	"github.com/gati-run/gati/pkg/ingress"
	"github.com/gati-run/gati/pkg/lcc"
	"github.com/gati-run/gati/pkg/manifest"
	"github.com/gati-run/gati/pkg/metrics"
	"github.com/gati-run/gati/pkg/modulerpc"
	"github.com/gati-run/gati/pkg/passhash"
	"github.com/gati-run/gati/pkg/queuefabric"
	"github.com/gati-run/gati/pkg/ratelimit"
	"github.com/gati-run/gati/pkg/routemanager"
	"github.com/gati-run/gati/pkg/routematcher"
	"github.com/gati-run/gati/pkg/worker"
)

// Router resolves an envelope to a routing decision. The local mode wraps a
// Manager in-process; the remote mode wraps a routemanager.Client over gRPC.
// The contract is identical in both.
type Router interface {
	Route(ctx context.Context, env *envelope.Request) (*routemanager.Decision, error)
}

// Options configures an Engine. Zero values fall back to the defaults of
// the underlying components (the §6 environment contract).
type Options struct {
	Config      *config.Config
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Audit       audit.Logger
	RateLimiter ratelimit.Limiter
	Modules     *modulerpc.Registry
	Secrets     gctx.SecretsAccessor
	Tracer      gctx.Tracer
	// Router overrides the engine's local Route Manager, for remote mode.
	Router Router
}

// Engine is one process's request-processing core.
type Engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	fabric   *queuefabric.Fabric
	store    *manifest.Store
	matcher  *routematcher.Matcher
	handlers *worker.Registry
	hooks    *lcc.Registry
	manager  *routemanager.Manager
	router   Router
	ctrl     *lcc.Controller
	gc       *gctx.Context
	adapter  *ingress.Adapter
	sub      *queuefabric.SubscriptionHandle
}

// New builds an Engine. The engine does not listen on any port itself; the
// caller mounts HTTPHandler on a server and calls Start to attach the
// routing plane to the fabric.
func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var fabricMetrics queuefabric.Metrics
	if opts.Metrics != nil {
		fabricMetrics = opts.Metrics
	}
	fabric := queuefabric.New(queuefabric.Options{
		MaxDepth:               cfg.Queue.MaxDepth,
		BackpressureLowWater:   cfg.Queue.BackpressureLowWater,
		WorkerPoolSize:         cfg.Queue.WorkerPoolSize,
		AtLeastOnceMaxAttempts: cfg.Queue.AtLeastOnceMaxAttempts,
		DedupRingSize:          cfg.Queue.ExactlyOnceRingSize,
		Metrics:                fabricMetrics,
	})

	store := manifest.NewStore()
	matcher := routematcher.New()
	handlers := worker.NewRegistry()
	hooks := lcc.NewRegistry()

	modules := opts.Modules
	if modules == nil {
		modules = modulerpc.NewRegistry()
	}

	var managerMetrics routemanager.Metrics
	if opts.Metrics != nil {
		managerMetrics = opts.Metrics
	}
	manager := routemanager.New(store, matcher, modules, nil, routemanager.Options{
		TransformerChainMax: cfg.Version.TransformerChainMax,
		CanaryHealthFloor:   cfg.RouteMgr.CanaryHealthFloor,
		RateLimiter:         opts.RateLimiter,
		Audit:               opts.Audit,
		Metrics:             managerMetrics,
		Logger:              logger,
	})

	router := opts.Router
	if router == nil {
		router = routemanager.NewWireServer(manager)
	}

	gc := gctx.New(modules, opts.Secrets, gctxMetrics(opts.Metrics), opts.Tracer, logger,
		routemanager.NewResolver(store), fabric, store)

	var workerMetrics worker.Metrics
	if opts.Metrics != nil {
		workerMetrics = opts.Metrics
	}
	wk := worker.New(handlers, worker.Options{
		Timeout: time.Duration(cfg.Handler.TimeoutMS) * time.Millisecond,
		Guard:   time.Duration(cfg.Handler.GuardMS) * time.Millisecond,
		Metrics: workerMetrics,
		Logger:  logger,
	})

	var lccMetrics lcc.Metrics
	if opts.Metrics != nil {
		lccMetrics = opts.Metrics
	}
	ctrl := lcc.New(hooks, wk, gc, lcc.Options{
		HookTimeout:    time.Duration(cfg.Hook.TimeoutMS) * time.Millisecond,
		CleanupTimeout: time.Duration(cfg.Cleanup.TimeoutMS) * time.Millisecond,
		SettleTimeout:  time.Duration(cfg.Cleanup.SettleMS) * time.Millisecond,
		MaxSnapshots:   cfg.Cleanup.MaxSnapshots,
		Metrics:        lccMetrics,
		Logger:         logger,
	})

	var ingressMetrics ingress.Metrics
	if opts.Metrics != nil {
		ingressMetrics = opts.Metrics
	}
	adapter := ingress.New(fabric, ingress.Options{
		BodyMaxBytes:      cfg.Ingress.BodyMaxBytes,
		MaxHeaderCount:    cfg.Ingress.MaxHeaderCount,
		RequestTimeout:    cfg.Ingress.RequestTimeout,
		RequestIDHeader:   cfg.Ingress.RequestIDHeader,
		CorrelationHeader: cfg.Ingress.CorrelationHeader,
		VersionHeader:     cfg.Ingress.VersionHeader,
		VersionQueryKey:   cfg.Ingress.VersionQueryKey,
		PriorityHeader:    cfg.Ingress.PriorityHeader,
		Auth:              authenticatorFor(cfg.Ingress),
		Audit:             opts.Audit,
		Metrics:           ingressMetrics,
		Logger:            logger,
	})

	return &Engine{
		cfg:      cfg,
		logger:   logger,
		fabric:   fabric,
		store:    store,
		matcher:  matcher,
		handlers: handlers,
		hooks:    hooks,
		manager:  manager,
		router:   router,
		ctrl:     ctrl,
		gc:       gc,
		adapter:  adapter,
	}
}

func authenticatorFor(cfg config.IngressConfig) ingress.Authenticator {
	switch cfg.AuthMethod {
	case "api_key":
		return &ingress.APIKeyAuthenticator{
			Header:     cfg.APIKeyHeader,
			SecretHash: cfg.APIKeyHash,
			Secret:     cfg.APIKeySecret,
		}
	case "bearer":
		return &ingress.BearerAuthenticator{Manager: passhash.NewJWTManager(&passhash.JWTConfig{
			SecretKey: cfg.JWTSecret,
			Issuer:    cfg.JWTIssuer,
		})}
	default:
		return ingress.NoneAuthenticator{}
	}
}

// gctxMetrics adapts the prometheus-backed metrics to the Global Context's
// generic sink for user code. A nil input stays nil (the facade no-ops).
func gctxMetrics(m *metrics.Metrics) gctx.MetricsSink {
	if m == nil {
		return nil
	}
	return &userMetrics{m: m}
}

type userMetrics struct {
	m *metrics.Metrics
}

func (u *userMetrics) IncCounter(name string, labels map[string]string) {
	u.m.RecordUserCounter(name, labels)
}
func (u *userMetrics) SetGauge(name string, value float64, labels map[string]string) {
	u.m.SetUserGauge(name, value, labels)
}
func (u *userMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	u.m.ObserveUserHistogram(name, value, labels)
}

// RegisterHandler stores the handler manifest, registers its route pattern,
// and binds its function. Manifests with module dependencies must be
// registered after their modules exist in the store.
func (e *Engine) RegisterHandler(man *manifest.Handler, fn worker.HandlerFunc) error {
	if man.CreatedAt.IsZero() {
		man.CreatedAt = time.Now()
	}
	if err := e.store.StoreManifest(man); err != nil {
		return err
	}
	e.matcher.Register(man.Method, man.Path, man.ID)
	e.handlers.Register(man.ID, fn)
	return nil
}

// Hooks exposes the hook registry for startup wiring.
func (e *Engine) Hooks() *lcc.Registry { return e.hooks }

// Store exposes the manifest and version store.
func (e *Engine) Store() *manifest.Store { return e.store }

// Fabric exposes the queue fabric.
func (e *Engine) Fabric() *queuefabric.Fabric { return e.fabric }

// Manager exposes the local Route Manager (nil router overrides excepted).
func (e *Engine) Manager() *routemanager.Manager { return e.manager }

// GlobalContext exposes the process-wide context handed to handlers.
func (e *Engine) GlobalContext() *gctx.Context { return e.gc }

// HTTPHandler returns the ingress front door.
func (e *Engine) HTTPHandler() http.Handler { return e.adapter }

// Start attaches the routing/execution plane to the fabric's routing topic.
func (e *Engine) Start() {
	e.sub = e.fabric.Subscribe(ingress.RoutingTopic, queuefabric.ExactlyOnce, e.process)
}

// process consumes one envelope off the routing topic: route, execute,
// deliver. It never returns an error; every outcome is a delivered response.
func (e *Engine) process(ctx context.Context, msg *queuefabric.Message) error {
	env, ok := msg.Payload.(*envelope.Request)
	if !ok {
		e.logger.Error("non-envelope payload on routing topic", "topic", msg.Topic)
		return nil
	}

	decision, err := e.router.Route(ctx, env)
	if err != nil {
		e.logger.Error("route decision failed", "request_id", env.RequestID, "error", err)
		e.deliverError(env, http.StatusServiceUnavailable, "route.unavailable")
		return nil
	}

	switch decision.Kind {
	case routemanager.KindHandled:
		resp := envelope.NewResponse(env.RequestID, decision.Status)
		resp.Headers = decision.Headers.Clone()
		resp.Body = decision.Body
		e.fabric.DeliverResult(env.RequestID, resp)

	case routemanager.KindUnavailable:
		e.deliverError(env, http.StatusServiceUnavailable, "route."+decision.Reason)

	case routemanager.KindForward:
		man, ok := e.store.GetManifest(decision.HandlerID)
		if !ok {
			e.deliverError(env, http.StatusServiceUnavailable, "route.handler_missing")
			return nil
		}
		routed := env.WithParams(decision.Params)
		e.ctrl.Run(ctx, routed, man, func(resp *envelope.Response) {
			resp.Headers.Set("X-Gati-Served-Version", decision.VersionID)
			e.manager.Health().Record(env.Method, env.Path, decision.VersionID, resp.Status < http.StatusInternalServerError)
			e.fabric.DeliverResult(env.RequestID, resp)
		})

	default:
		e.deliverError(env, http.StatusServiceUnavailable, "route.unknown_decision")
	}
	return nil
}

func (e *Engine) deliverError(env *envelope.Request, status int, code string) {
	resp := envelope.NewResponse(env.RequestID, status)
	resp.Headers.Set("Content-Type", "application/json")
	resp.Headers.Set("X-Error-Code", code)
	body, err := json.Marshal(map[string]any{"error": code, "request_id": env.RequestID})
	if err != nil {
		body = []byte(fmt.Sprintf(`{"error":%q}`, code))
	}
	resp.Body = body
	e.fabric.DeliverResult(env.RequestID, resp)
}

// Shutdown detaches the routing plane and stops the fabric.
func (e *Engine) Shutdown(ctx context.Context) {
	if e.sub != nil {
		e.sub.Unsubscribe()
	}
	e.fabric.Shutdown()
	_ = ctx
}

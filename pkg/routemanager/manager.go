package routemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gati-run/gati/pkg/audit"
	"github.com/gati-run/gati/pkg/envelope"
	"github.com/gati-run/gati/pkg/manifest"
	"github.com/gati-run/gati/pkg/modulerpc"
	"github.com/gati-run/gati/pkg/ratelimit"
	"github.com/gati-run/gati/pkg/routematcher"
)

// ModuleRegistry is the Global Context's module registry surface the manager
// consults for health.
type ModuleRegistry interface {
	Get(moduleID string) (*modulerpc.Client, bool)
	CheckHealth(ctx context.Context) map[string]modulerpc.ModuleHealth
}

// Metrics is the subset of the metrics sink the manager drives.
type Metrics interface {
	RecordRouteDecision(outcome string, duration time.Duration)
	RecordVersionSplit(handler, version string)
}

// Options configures a Manager.
type Options struct {
	TransformerChainMax int
	CanaryHealthFloor   float64 // success-rate floor below which a version is excluded
	HealthCacheTTL      time.Duration
	RateLimiter         ratelimit.Limiter
	Audit               audit.Logger
	Metrics             Metrics
	Logger              *slog.Logger
	// ModuleEndpoints maps module ids to their dialable addresses, carried
	// into Forward decisions for the execution plane.
	ModuleEndpoints map[string]string
}

func (o Options) withDefaults() Options {
	if o.TransformerChainMax <= 0 {
		o.TransformerChainMax = 10
	}
	if o.CanaryHealthFloor <= 0 {
		o.CanaryHealthFloor = 0.5
	}
	if o.HealthCacheTTL <= 0 {
		o.HealthCacheTTL = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Manager is the Route Manager service. Decisions are deterministic: the
// same envelope against the same store snapshot and registry state yields
// the same decision, and weighted selection hashes the request id so retries
// and replays route identically.
type Manager struct {
	store   *manifest.Store
	matcher *routematcher.Matcher
	modules ModuleRegistry
	health  *HealthTracker
	opts    Options

	healthMu      sync.Mutex
	healthAsOf    time.Time
	healthResults map[string]modulerpc.ModuleHealth
}

// New creates a Manager. modules may be nil when no module health gating is
// wanted (tests, single-binary setups with in-process modules only).
func New(store *manifest.Store, matcher *routematcher.Matcher, modules ModuleRegistry, health *HealthTracker, opts Options) *Manager {
	if health == nil {
		health = NewHealthTracker(time.Minute, 10)
	}
	return &Manager{
		store:   store,
		matcher: matcher,
		modules: modules,
		health:  health,
		opts:    opts.withDefaults(),
	}
}

// Health returns the canary health tracker, so the execution plane can feed
// outcomes back into selection.
func (m *Manager) Health() *HealthTracker { return m.health }

// Decide resolves env to a routing decision.
func (m *Manager) Decide(ctx context.Context, env *envelope.Request) *Decision {
	start := time.Now()
	d := m.decide(ctx, env)
	m.record(env, d, time.Since(start))
	return d
}

func (m *Manager) decide(ctx context.Context, env *envelope.Request) *Decision {
	path := envelope.NormalizePath(env.Path)

	// Route match.
	match, err := m.matcher.Match(env.Method, path)
	if err != nil {
		switch e := err.(type) {
		case *routematcher.NoMatch:
			return handledError(http.StatusNotFound, "route.no_match", env.RequestID, nil)
		case *routematcher.MethodNotAllowed:
			sort.Strings(e.Allowed)
			d := handledError(http.StatusMethodNotAllowed, "route.method_not_allowed", env.RequestID, nil)
			d.Headers.Set("Allow", strings.Join(e.Allowed, ", "))
			return d
		default:
			return Unavailable("route_error")
		}
	}

	// Version resolution.
	// Versions are stored under the registered pattern, not the concrete path.
	chosen, chain, ok := m.resolveVersion(env, env.Method, match.Pattern)
	if !ok {
		return Unavailable("version_unresolved")
	}

	// Policy: roles, then the external rate-limit token bucket.
	for _, role := range chosen.Policy.RequiredRoles {
		if !env.Auth.HasRole(role) {
			return handledError(http.StatusForbidden, "route.policy_denied", env.RequestID, nil)
		}
	}
	if m.opts.RateLimiter != nil && chosen.Policy.RateLimitKey != "" {
		key := ratelimit.PolicyKey{Policy: chosen.Policy.RateLimitKey, Client: env.ClientID}
		allowed, rlErr := m.opts.RateLimiter.AllowPolicy(ctx, key)
		if rlErr != nil {
			m.opts.Logger.Warn("rate limiter unavailable, allowing request", "key", key.String(), "error", rlErr)
		} else if !allowed {
			return handledError(http.StatusTooManyRequests, "route.rate_limited", env.RequestID, nil)
		}
	}

	// Module health.
	if unhealthy := m.unhealthyModules(ctx, chosen.ModuleDeps); len(unhealthy) > 0 {
		m.opts.Logger.Warn("required modules unhealthy", "handler_id", chosen.ID, "modules", unhealthy)
		return Unavailable("no_healthy_module")
	}

	endpoints := make(map[string]string, len(chosen.ModuleDeps))
	for _, dep := range chosen.ModuleDeps {
		if addr, ok := m.opts.ModuleEndpoints[dep]; ok {
			endpoints[dep] = addr
		}
	}

	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordVersionSplit(chosen.ID, chosen.Version)
	}
	return &Decision{
		Kind:             KindForward,
		HandlerID:        chosen.ID,
		VersionID:        chosen.Version,
		Params:           match.Params,
		ModuleEndpoints:  endpoints,
		TransformerChain: chain,
	}
}

// resolveVersion picks the manifest serving env on (method, path): a direct
// preference match when one exists, a transformer-chain fallback when the
// preferred version is absent but reachable, or the weighted deterministic
// pick among active versions when no preference was given.
func (m *Manager) resolveVersion(env *envelope.Request, method, path string) (*manifest.Handler, []string, bool) {
	list := m.store.ListRoute(method, path)
	if len(list) == 0 {
		return nil, nil, false
	}

	pref := env.Version
	if pref.IsZero() {
		return m.pickActive(env, method, path, list), nil, true
	}

	if pref.Timestamp != nil {
		// Latest version created at or before the preferred timestamp.
		var best *manifest.Handler
		for _, h := range list {
			if !h.CreatedAt.After(*pref.Timestamp) {
				best = h
			}
		}
		if best == nil {
			best = list[0]
		}
		return best, nil, true
	}

	want := pref.Direct
	if want == "" {
		want = pref.Semantic
	}
	for _, h := range list {
		if h.Version == want {
			return h, nil, true
		}
	}

	// Preference absent in the graph: reach the nearest (latest) version
	// through the transformer chain if one exists within the length cap.
	target := list[len(list)-1]
	chain, ok := m.store.TransformerChain(method, path, want, target.Version, m.opts.TransformerChainMax)
	if !ok {
		return nil, nil, false
	}
	return target, chain, true
}

// pickActive selects among versions sharing a path. With explicit weights,
// the pick is a weighted deterministic hash of the request id, skipping
// canaries whose health fell below the floor; otherwise the latest wins.
func (m *Manager) pickActive(env *envelope.Request, method, path string, list []*manifest.Handler) *manifest.Handler {
	var weighted []*manifest.Handler
	total := 0
	for _, h := range list {
		if h.Policy.Weight <= 0 {
			continue
		}
		if m.health.Unhealthy(method, path, h.Version, m.opts.CanaryHealthFloor) {
			m.opts.Logger.Debug("canary excluded from selection",
				"path", path, "version", h.Version)
			continue
		}
		weighted = append(weighted, h)
		total += int(h.Policy.Weight * 1000)
	}
	if len(weighted) == 0 || total == 0 {
		return list[len(list)-1]
	}
	if len(weighted) == 1 {
		return weighted[0]
	}

	// FNV-1a of the request id: a stable, documented hash family, so the
	// same request id always lands on the same version.
	h := fnv.New64a()
	_, _ = h.Write([]byte(env.RequestID))
	point := int(h.Sum64() % uint64(total))
	for _, cand := range weighted {
		point -= int(cand.Policy.Weight * 1000)
		if point < 0 {
			return cand
		}
	}
	return weighted[len(weighted)-1]
}

// unhealthyModules returns the subset of deps with no healthy endpoint,
// using a short-lived cache over the registry's health sweep.
func (m *Manager) unhealthyModules(ctx context.Context, deps []string) []string {
	if len(deps) == 0 || m.modules == nil {
		return nil
	}

	m.healthMu.Lock()
	if time.Since(m.healthAsOf) > m.opts.HealthCacheTTL {
		m.healthResults = m.modules.CheckHealth(ctx)
		m.healthAsOf = time.Now()
	}
	results := m.healthResults
	m.healthMu.Unlock()

	var unhealthy []string
	for _, dep := range deps {
		res, ok := results[dep]
		if !ok || !res.Healthy {
			unhealthy = append(unhealthy, dep)
		}
	}
	return unhealthy
}

func (m *Manager) record(env *envelope.Request, d *Decision, took time.Duration) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordRouteDecision(string(d.Kind), took)
	}
	if m.opts.Audit == nil {
		return
	}
	outcome := audit.OutcomeSuccess
	if d.Kind != KindForward {
		outcome = audit.OutcomeDenied
	}
	entry := audit.RouteDecision(env.Method, env.Path, env.RequestID).
		Outcome(outcome).
		Duration(took).
		Meta("kind", string(d.Kind))
	if d.Kind == KindForward {
		entry = entry.Resource("handler", d.HandlerID).Meta("version", d.VersionID)
	} else if d.Reason != "" {
		entry = entry.Meta("reason", d.Reason)
	}
	if err := m.opts.Audit.Log(context.Background(), entry.Build()); err != nil {
		m.opts.Logger.Warn("audit log failed", "error", err)
	}
}

// handledError builds a Handled decision with the runtime's standard error
// body: machine-readable code plus the echoed request id.
func handledError(status int, code, requestID string, extra map[string]any) *Decision {
	payload := map[string]any{
		"error":      code,
		"request_id": requestID,
	}
	for k, v := range extra {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte(fmt.Sprintf(`{"error":%q,"request_id":%q}`, code, requestID))
	}
	d := Handled(status, body)
	d.Headers.Set("Content-Type", "application/json")
	d.Headers.Set("X-Error-Code", code)
	return d
}

package modulerpc

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc/health/grpc_health_v1"
)

// RegistryEntry bundles a module's pool and typed client.
type RegistryEntry struct {
	Pool   *Pool
	Client *Client
}

// Registry is the Global Context's module registry: module id -> RPC client.
// Registration is append-only after startup; a hot reload replaces the whole
// registry atomically via pointer swap (the caller builds a new Registry and
// swaps the Global Context's reference, per the process-wide config model).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*RegistryEntry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*RegistryEntry)}
}

// Register adds or replaces a module's client.
func (r *Registry) Register(moduleID string, entry *RegistryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[moduleID] = entry
}

// Get returns the typed client for moduleID.
func (r *Registry) Get(moduleID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[moduleID]
	if !ok {
		return nil, false
	}
	return e.Client, true
}

// ModuleHealth reports one module's health check result.
type ModuleHealth struct {
	ModuleID string
	Healthy  bool
	Err      error
}

// CheckHealth sweeps every registered module's gRPC health endpoint
// concurrently, returning a healthy/unhealthy verdict per module id. The
// Route Manager consults this to reject a Forward decision whose handler
// depends on a module with no healthy endpoint.
func (r *Registry) CheckHealth(ctx context.Context) map[string]ModuleHealth {
	r.mu.RLock()
	entries := make(map[string]*RegistryEntry, len(r.entries))
	for k, v := range r.entries {
		entries[k] = v
	}
	r.mu.RUnlock()

	results := make(map[string]ModuleHealth, len(entries))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for moduleID, entry := range entries {
		wg.Add(1)
		go func(moduleID string, entry *RegistryEntry) {
			defer wg.Done()
			h := checkOne(ctx, moduleID, entry)
			mu.Lock()
			results[moduleID] = h
			mu.Unlock()
		}(moduleID, entry)
	}
	wg.Wait()
	return results
}

func checkOne(ctx context.Context, moduleID string, entry *RegistryEntry) ModuleHealth {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, release, err := entry.Pool.Acquire(checkCtx)
	if err != nil {
		return ModuleHealth{ModuleID: moduleID, Healthy: false, Err: err}
	}
	defer release()

	client := grpc_health_v1.NewHealthClient(conn)
	resp, err := client.Check(checkCtx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return ModuleHealth{ModuleID: moduleID, Healthy: false, Err: err}
	}
	return ModuleHealth{ModuleID: moduleID, Healthy: resp.Status == grpc_health_v1.HealthCheckResponse_SERVING}
}

// Close closes every module's connection pool.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		_ = e.Pool.Close()
	}
	return nil
}

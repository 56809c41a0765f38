// Package lcc implements the local-context controller: the orchestrator that
// sequences before, handler, after, catch, and finalize for one request,
// converts thrown errors into the catch chain, and guarantees finalization.
package lcc

import (
	"sync"

	"github.com/gati-run/gati/pkg/lctx"
)

// scopedHook is one named hook in a global phase list.
type scopedHook struct {
	id   string
	hook lctx.Hook
}

type scopedCatch struct {
	id   string
	hook lctx.CatchHook
}

// Registry holds named hooks (referenced by manifests as route-scoped hook
// ids) and the globally registered phase lists. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu sync.RWMutex

	named      map[string]lctx.Hook
	namedCatch map[string]lctx.CatchHook

	globalBefore []scopedHook
	globalAfter  []scopedHook
	globalCatch  []scopedCatch
}

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{
		named:      make(map[string]lctx.Hook),
		namedCatch: make(map[string]lctx.CatchHook),
	}
}

// RegisterNamed binds a before/after hook id, so manifests can reference it
// as a route-scoped hook.
func (r *Registry) RegisterNamed(id string, h lctx.Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.named[id] = h
}

// RegisterNamedCatch binds a catch hook id.
func (r *Registry) RegisterNamedCatch(id string, h lctx.CatchHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.namedCatch[id] = h
}

// RegisterGlobalBefore appends a process-wide before-hook. Global hooks run
// first, in registration order.
func (r *Registry) RegisterGlobalBefore(id string, h lctx.Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalBefore = append(r.globalBefore, scopedHook{id: id, hook: h})
}

// RegisterGlobalAfter appends a process-wide after-hook.
func (r *Registry) RegisterGlobalAfter(id string, h lctx.Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalAfter = append(r.globalAfter, scopedHook{id: id, hook: h})
}

// RegisterGlobalCatch appends a process-wide catch-hook. Global catch-hooks
// are the outermost link of the catch chain.
func (r *Registry) RegisterGlobalCatch(id string, h lctx.CatchHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalCatch = append(r.globalCatch, scopedCatch{id: id, hook: h})
}

func (r *Registry) globalBeforeHooks() []scopedHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]scopedHook(nil), r.globalBefore...)
}

func (r *Registry) globalAfterHooks() []scopedHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]scopedHook(nil), r.globalAfter...)
}

func (r *Registry) globalCatchHooks() []scopedCatch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]scopedCatch(nil), r.globalCatch...)
}

// resolve returns the named before/after hooks for the given ids, skipping
// unknown ids (a manifest may reference hooks an operator chose not to load;
// the controller logs the gap).
func (r *Registry) resolve(ids []string) ([]scopedHook, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []scopedHook
	var missing []string
	for _, id := range ids {
		h, ok := r.named[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, scopedHook{id: id, hook: h})
	}
	return out, missing
}

func (r *Registry) resolveCatch(ids []string) ([]scopedCatch, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []scopedCatch
	var missing []string
	for _, id := range ids {
		h, ok := r.namedCatch[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, scopedCatch{id: id, hook: h})
	}
	return out, missing
}

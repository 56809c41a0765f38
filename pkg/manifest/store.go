package manifest

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gati-run/gati/pkg/apperror"
)

// routeKey identifies a (method, path) pair in the version-graph index.
type routeKey struct {
	method string
	path   string
}

// snapshot is the immutable value readers observe. Writers build a new
// snapshot and swap the Store's atomic pointer; old snapshots are dropped
// once no reader references them (ordinary GC, no explicit refcounting).
type snapshot struct {
	handlers map[string]*Handler               // handler id -> manifest
	byRoute  map[routeKey][]*Handler            // (method, path) -> manifests ordered by CreatedAt
	modules  map[string]*Module                 // module id -> manifest
	edges    map[routeKey][]*Edge                // (method, path) -> version edges
}

func emptySnapshot() *snapshot {
	return &snapshot{
		handlers: make(map[string]*Handler),
		byRoute:  make(map[routeKey][]*Handler),
		modules:  make(map[string]*Module),
		edges:    make(map[routeKey][]*Edge),
	}
}

func (s *snapshot) clone() *snapshot {
	cp := &snapshot{
		handlers: make(map[string]*Handler, len(s.handlers)),
		byRoute:  make(map[routeKey][]*Handler, len(s.byRoute)),
		modules:  make(map[string]*Module, len(s.modules)),
		edges:    make(map[routeKey][]*Edge, len(s.edges)),
	}
	for k, v := range s.handlers {
		cp.handlers[k] = v
	}
	for k, v := range s.byRoute {
		cp.byRoute[k] = append([]*Handler(nil), v...)
	}
	for k, v := range s.modules {
		cp.modules[k] = v
	}
	for k, v := range s.edges {
		cp.edges[k] = append([]*Edge(nil), v...)
	}
	return cp
}

// Store is the Manifest & Version Store. Reads go through an atomic pointer
// to an immutable snapshot (lock-free); writes are serialized by a single
// writer mutex and publish a new snapshot atomically.
type Store struct {
	ptr    atomic.Pointer[snapshot]
	wmu    sync.Mutex // single-writer lock
}

// NewStore creates an empty Store.
func NewStore() *Store {
	s := &Store{}
	s.ptr.Store(emptySnapshot())
	return s
}

func (s *Store) current() *snapshot { return s.ptr.Load() }

// StoreManifest adds or replaces a handler manifest. The replacement
// validates that every declared module dependency already resolves in the
// store; otherwise the write fails with UnresolvedDependency and the prior
// snapshot remains live.
func (s *Store) StoreManifest(h *Handler) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if h.ContentHash != "" && h.ContentHash != h.ComputeHash() {
		return apperror.New(apperror.CodeUnresolvedDependency,
			fmt.Sprintf("handler %q declared content hash mismatches its content", h.ID))
	}

	cur := s.current()
	for _, dep := range h.ModuleDeps {
		if _, ok := cur.modules[dep]; !ok {
			return apperror.New(apperror.CodeUnresolvedDependency,
				fmt.Sprintf("handler %q depends on unknown module %q", h.ID, dep))
		}
	}

	next := cur.clone()
	if existing, ok := next.handlers[h.ID]; ok {
		next.byRoute[routeKeyOf(existing)] = removeHandler(next.byRoute[routeKeyOf(existing)], existing.ID)
	}
	next.handlers[h.ID] = h
	key := routeKeyOf(h)
	list := append(removeHandler(next.byRoute[key], h.ID), h)
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	next.byRoute[key] = list

	s.ptr.Store(next)
	return nil
}

func removeHandler(list []*Handler, id string) []*Handler {
	out := list[:0:0]
	for _, h := range list {
		if h.ID != id {
			out = append(out, h)
		}
	}
	return out
}

func routeKeyOf(h *Handler) routeKey {
	return routeKey{method: h.Method, path: h.Path}
}

// GetManifest returns the handler manifest for id. Ids are unique, so this
// is a direct lookup; no version selection happens here (see
// GetManifestByRoute for that).
func (s *Store) GetManifest(id string) (*Handler, bool) {
	h, ok := s.current().handlers[id]
	return h, ok
}

// GetManifestByRoute returns the manifest for (method, path) at the given
// version. An empty version returns the latest by creation timestamp.
func (s *Store) GetManifestByRoute(method, path, version string) (*Handler, bool) {
	list := s.current().byRoute[routeKey{method: method, path: path}]
	if len(list) == 0 {
		return nil, false
	}
	if version == "" {
		return list[len(list)-1], true
	}
	for _, h := range list {
		if h.Version == version {
			return h, true
		}
	}
	return nil, false
}

// ListRoute returns the manifests registered for (method, path), ordered by
// creation timestamp. The returned slice is the snapshot's own ordering and
// must not be mutated.
func (s *Store) ListRoute(method, path string) []*Handler {
	return s.current().byRoute[routeKey{method: method, path: path}]
}

// ListVersions returns every handler manifest registered for path, across
// all HTTP methods, ordered by creation timestamp.
func (s *Store) ListVersions(path string) []*Handler {
	cur := s.current()
	var out []*Handler
	for k, v := range cur.byRoute {
		if k.path == path {
			out = append(out, v...)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AllHandlers returns every handler manifest in the store, ordered by
// creation timestamp. Used by startup wiring to rebuild the route matcher.
func (s *Store) AllHandlers() []*Handler {
	cur := s.current()
	out := make([]*Handler, 0, len(cur.handlers))
	for _, h := range cur.handlers {
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// StoreModule adds or replaces a module manifest.
func (s *Store) StoreModule(m *Module) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	next := s.current().clone()
	next.modules[m.ID] = m
	s.ptr.Store(next)
	return nil
}

// GetModule returns the module manifest for id.
func (s *Store) GetModule(id string) (*Module, bool) {
	m, ok := s.current().modules[id]
	return m, ok
}

// StoreVersionEdge records the transformer available between two adjacent
// versions of the same (method, path).
func (s *Store) StoreVersionEdge(method, path string, edge *Edge) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	next := s.current().clone()
	key := routeKey{method: method, path: path}
	next.edges[key] = append(next.edges[key], edge)
	s.ptr.Store(next)
	return nil
}

// Edges returns the version-graph edges registered for (method, path).
func (s *Store) Edges(method, path string) []*Edge {
	return s.current().edges[routeKey{method: method, path: path}]
}

// TransformerChain finds the shortest edge chain from fromVersion to
// toVersion, following forward edges only, up to maxHops. It returns the
// ordered list of transformer refs, or ok=false if no chain within maxHops
// exists.
func (s *Store) TransformerChain(method, path, fromVersion, toVersion string, maxHops int) ([]string, bool) {
	edges := s.Edges(method, path)
	if fromVersion == toVersion {
		return nil, true
	}

	type frontierEntry struct {
		version string
		chain   []string
	}
	visited := map[string]bool{fromVersion: true}
	frontier := []frontierEntry{{version: fromVersion}}

	for hop := 0; hop < maxHops; hop++ {
		var next []frontierEntry
		for _, f := range frontier {
			for _, e := range edges {
				if e.From != f.version || !e.HasForward || visited[e.To] {
					continue
				}
				chain := append(append([]string(nil), f.chain...), e.TransformerRef)
				if e.To == toVersion {
					return chain, true
				}
				visited[e.To] = true
				next = append(next, frontierEntry{version: e.To, chain: chain})
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}
	return nil, false
}

// Package routematcher pattern-matches (method, path) pairs against a set of
// registered patterns, with path-parameter extraction. Patterns support
// literal segments and single-segment named parameters (":name"); there is no
// regex and no greedy wildcard support.
package routematcher

import (
	"fmt"
	"strings"
	"sync"
)

// NoMatch is returned when no registered pattern matches the path at all.
type NoMatch struct {
	Path string
}

func (e *NoMatch) Error() string { return fmt.Sprintf("routematcher: no match for path %q", e.Path) }

// MethodNotAllowed is returned when a pattern matches the path but not the method.
type MethodNotAllowed struct {
	Path    string
	Allowed []string
}

func (e *MethodNotAllowed) Error() string {
	return fmt.Sprintf("routematcher: method not allowed for path %q (allowed: %s)", e.Path, strings.Join(e.Allowed, ", "))
}

// Result is a successful match.
type Result struct {
	HandlerID string
	Params    map[string]string
	Pattern   string
}

type route struct {
	method     string
	pattern    string
	segments   []string
	handlerID  string
	registered int // insertion order, for stable tie-breaking
}

func (r *route) isParam(i int) bool {
	return strings.HasPrefix(r.segments[i], ":")
}

// literalDepth counts the leading literal (non-parameterized) segments,
// used for disambiguation rule (1): exact literal patterns precede
// parameterized ones at the same depth.
func (r *route) literalPrefixLen() int {
	n := 0
	for _, s := range r.segments {
		if strings.HasPrefix(s, ":") {
			break
		}
		n++
	}
	return n
}

// Matcher is safe for concurrent registration and lookup.
type Matcher struct {
	mu     sync.RWMutex
	routes []*route
	seq    int
}

// New creates an empty Matcher.
func New() *Matcher {
	return &Matcher{}
}

// Register adds a pattern for method at path, mapped to handlerID. Patterns
// use ":name" for a single path segment parameter.
func (m *Matcher) Register(method, pattern, handlerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.routes = append(m.routes, &route{
		method:     strings.ToUpper(method),
		pattern:    pattern,
		segments:   splitPath(pattern),
		handlerID:  handlerID,
		registered: m.seq,
	})
}

// Unregister removes every pattern previously registered for handlerID.
func (m *Matcher) Unregister(handlerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.routes[:0]
	for _, r := range m.routes {
		if r.handlerID != handlerID {
			kept = append(kept, r)
		}
	}
	m.routes = kept
}

// Match resolves (method, path) to a handler id and parameter map.
//
// Disambiguation order: (1) exact literal patterns precede parameterized ones
// at the same depth; (2) longer literal prefix wins; (3) the earliest
// registered wins among otherwise equal patterns.
func (m *Matcher) Match(method, path string) (*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	segments := splitPath(path)

	var (
		best          *route
		bestParams    map[string]string
		pathMatched   bool
		allowedMethod = make(map[string]struct{})
	)

	for _, r := range m.routes {
		params, ok := matchSegments(r.segments, segments)
		if !ok {
			continue
		}
		pathMatched = true
		allowedMethod[r.method] = struct{}{}
		if r.method != strings.ToUpper(method) {
			continue
		}
		if best == nil || better(r, best) {
			best = r
			bestParams = params
		}
	}

	if best != nil {
		return &Result{HandlerID: best.handlerID, Params: bestParams, Pattern: best.pattern}, nil
	}
	if pathMatched {
		allowed := make([]string, 0, len(allowedMethod))
		for meth := range allowedMethod {
			allowed = append(allowed, meth)
		}
		return nil, &MethodNotAllowed{Path: path, Allowed: allowed}
	}
	return nil, &NoMatch{Path: path}
}

// better reports whether candidate should win over incumbent under the
// disambiguation rules.
func better(candidate, incumbent *route) bool {
	candLiteral := candidate.literalPrefixLen() == len(candidate.segments)
	incLiteral := incumbent.literalPrefixLen() == len(incumbent.segments)
	if candLiteral != incLiteral {
		return candLiteral // (1) exact literal wins over parameterized
	}
	candPrefix := candidate.literalPrefixLen()
	incPrefix := incumbent.literalPrefixLen()
	if candPrefix != incPrefix {
		return candPrefix > incPrefix // (2) longer literal prefix wins
	}
	return candidate.registered < incumbent.registered // (3) earliest registered wins
}

func matchSegments(pattern, path []string) (map[string]string, bool) {
	if len(pattern) != len(path) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range pattern {
		if strings.HasPrefix(seg, ":") {
			if params == nil {
				params = make(map[string]string)
			}
			params[seg[1:]] = path[i]
			continue
		}
		if seg != path[i] {
			return nil, false
		}
	}
	if params == nil {
		params = map[string]string{}
	}
	return params, true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return []string{}
	}
	return strings.Split(p, "/")
}

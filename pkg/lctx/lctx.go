// Package lctx implements the Local Context: the per-request scratchpad the
// LCC hands to every hook and handler. It carries request-scoped user state,
// hook registrations, a bounded snapshot history, a request-scoped event bus,
// a correlated logger, and the outstanding-promise counter the finalize phase
// settles on.
package lctx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mitchellh/copystructure"

	"github.com/gati-run/gati/pkg/envelope"
	"github.com/gati-run/gati/pkg/gctx"
)

// Phase marks where a request currently is in its lifecycle.
type Phase string

const (
	PhaseReceived  Phase = "received"
	PhaseBefore    Phase = "before"
	PhaseHandler   Phase = "handler"
	PhaseAfter     Phase = "after"
	PhaseCatch     Phase = "catch"
	PhaseFinalized Phase = "finalized"
)

// Hook runs in the before or after phase. A returned error aborts the phase
// and enters the catch chain.
type Hook func(ctx context.Context, req *envelope.Request, gc *gctx.Context, lc *Context) error

// CatchHook runs in the catch phase with the error that triggered it. A
// non-nil returned Response is a recovery: it wins and short-circuits the
// remaining catch chain.
type CatchHook func(ctx context.Context, req *envelope.Request, gc *gctx.Context, lc *Context, cause error) (*envelope.Response, error)

// Cleanup is a finalize-phase callback. Cleanups run in reverse registration
// order; one that returns an error is logged and swallowed.
type Cleanup func(ctx context.Context) error

// Registration identifies a hook registered on this context.
type Registration int

// SnapshotToken identifies one entry in the snapshot history.
type SnapshotToken int

// Cursors are the per-phase hook indexes captured by a snapshot, so debug
// tooling can replay from mid-phase.
type Cursors struct {
	Before int
	After  int
	Catch  int
}

type hookEntry struct {
	reg  Registration
	hook Hook
}

type catchEntry struct {
	reg  Registration
	hook CatchHook
}

type snapshot struct {
	token    SnapshotToken
	keys     []string
	values   map[string]any
	cursors  Cursors
	phase    Phase
	promises int
}

// Context is one request's local context. It is exclusively owned by the
// request's task; other tasks must not touch it except through Snapshot,
// which deep-copies.
type Context struct {
	RequestID string
	TraceID   string
	ClientID  string

	mu       sync.Mutex
	phase    Phase
	keys     []string // insertion order of user state, relevant for snapshot replay
	state    map[string]any
	cursors  Cursors
	regSeq   Registration
	before   []hookEntry
	after    []hookEntry
	catches  []catchEntry
	cleanups []Cleanup

	snapSeq      SnapshotToken
	snapshots    []snapshot // bounded LIFO
	maxSnapshots int

	promises    int
	promiseCond *sync.Cond

	localSubs map[string][]func(payload any)

	response *envelope.Response

	logger *slog.Logger
}

// Options configures a new Context.
type Options struct {
	MaxSnapshots int
	Logger       *slog.Logger
}

// New builds a Context for the given correlation ids, in phase "received".
// The logger is wrapped in a child carrying request_id, trace_id, and
// client_id so every line this request emits is correlated.
func New(requestID, traceID, clientID string, opts Options) *Context {
	if opts.MaxSnapshots <= 0 {
		opts.MaxSnapshots = 10
	}
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	c := &Context{
		RequestID:    requestID,
		TraceID:      traceID,
		ClientID:     clientID,
		phase:        PhaseReceived,
		state:        make(map[string]any),
		maxSnapshots: opts.MaxSnapshots,
		localSubs:    make(map[string][]func(any)),
		logger: base.With(
			"request_id", requestID,
			"trace_id", traceID,
			"client_id", clientID,
		),
	}
	c.promiseCond = sync.NewCond(&c.mu)
	return c
}

// Phase returns the current lifecycle phase.
func (c *Context) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// SetPhase advances the lifecycle phase. Called by the LCC only.
func (c *Context) SetPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// Get returns the user-state value for key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.state[key]
	return v, ok
}

// Set stores a user-state value. First insertion of a key fixes its position
// in the snapshot replay order.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.state[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.state[key] = value
}

// Delete removes a user-state key.
func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.state[key]; !ok {
		return
	}
	delete(c.state, key)
	for i, k := range c.keys {
		if k == key {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			break
		}
	}
}

// Clean clears all user state. Metadata (ids, phase, hooks, snapshots,
// promise counter) is untouched.
func (c *Context) Clean() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = nil
	c.state = make(map[string]any)
}

// Keys returns the user-state keys in insertion order.
func (c *Context) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...)
}

// RegisterBefore adds a locally registered before-hook. Registrations live
// until the request terminates.
func (c *Context) RegisterBefore(h Hook) Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regSeq++
	c.before = append(c.before, hookEntry{reg: c.regSeq, hook: h})
	return c.regSeq
}

// RegisterAfter adds a locally registered after-hook.
func (c *Context) RegisterAfter(h Hook) Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regSeq++
	c.after = append(c.after, hookEntry{reg: c.regSeq, hook: h})
	return c.regSeq
}

// RegisterCatch adds a locally registered catch-hook.
func (c *Context) RegisterCatch(h CatchHook) Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regSeq++
	c.catches = append(c.catches, catchEntry{reg: c.regSeq, hook: h})
	return c.regSeq
}

// BeforeHooks returns the locally registered before-hooks in registration order.
func (c *Context) BeforeHooks() []Hook {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Hook, len(c.before))
	for i, e := range c.before {
		out[i] = e.hook
	}
	return out
}

// AfterHooks returns the locally registered after-hooks in registration order.
func (c *Context) AfterHooks() []Hook {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Hook, len(c.after))
	for i, e := range c.after {
		out[i] = e.hook
	}
	return out
}

// CatchHooks returns the locally registered catch-hooks in registration order.
func (c *Context) CatchHooks() []CatchHook {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CatchHook, len(c.catches))
	for i, e := range c.catches {
		out[i] = e.hook
	}
	return out
}

// RegisterCleanup adds a finalize-phase cleanup. Cleanups run in reverse
// registration order.
func (c *Context) RegisterCleanup(fn Cleanup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups = append(c.cleanups, fn)
}

// Cleanups returns the registered cleanups in registration order; the caller
// runs them back to front.
func (c *Context) Cleanups() []Cleanup {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Cleanup(nil), c.cleanups...)
}

// SetCursors records the per-phase hook indexes, captured by snapshots.
func (c *Context) SetCursors(cur Cursors) {
	c.mu.Lock()
	c.cursors = cur
	c.mu.Unlock()
}

// CurrentCursors returns the per-phase hook indexes.
func (c *Context) CurrentCursors() Cursors {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors
}

// Snapshot captures a deep, value-only copy of the user state (ordered), the
// hook cursors, the phase marker, and the outstanding-promise counter. The
// history is a bounded LIFO; the oldest entry is evicted beyond the cap.
func (c *Context) Snapshot() (SnapshotToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	copied, err := copystructure.Copy(c.state)
	if err != nil {
		return 0, fmt.Errorf("lctx: deep-copying state: %w", err)
	}

	c.snapSeq++
	snap := snapshot{
		token:    c.snapSeq,
		keys:     append([]string(nil), c.keys...),
		values:   copied.(map[string]any),
		cursors:  c.cursors,
		phase:    c.phase,
		promises: c.promises,
	}
	c.snapshots = append(c.snapshots, snap)
	if len(c.snapshots) > c.maxSnapshots {
		c.snapshots = c.snapshots[1:]
	}
	return snap.token, nil
}

// Restore reinstalls the user state, cursors, and phase captured by token.
// The promise counter in the snapshot is advisory and not reinstalled. The
// restored entry and anything above it stay in the history so a restore can
// be repeated.
func (c *Context) Restore(token SnapshotToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.snapshots) - 1; i >= 0; i-- {
		snap := c.snapshots[i]
		if snap.token != token {
			continue
		}
		copied, err := copystructure.Copy(snap.values)
		if err != nil {
			return fmt.Errorf("lctx: deep-copying snapshot: %w", err)
		}
		c.keys = append([]string(nil), snap.keys...)
		c.state = copied.(map[string]any)
		c.cursors = snap.cursors
		c.phase = snap.phase
		return nil
	}
	return fmt.Errorf("lctx: snapshot %d not found (evicted or never taken)", token)
}

// SnapshotCount returns how many snapshots are currently retained.
func (c *Context) SnapshotCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snapshots)
}

// AddPromise increments the outstanding-promise counter. User code that
// launches background work inside a hook calls this, and SettlePromise when
// the work lands, so finalize can wait for it.
func (c *Context) AddPromise() {
	c.mu.Lock()
	c.promises++
	c.mu.Unlock()
}

// SettlePromise decrements the outstanding-promise counter.
func (c *Context) SettlePromise() {
	c.mu.Lock()
	if c.promises > 0 {
		c.promises--
	}
	if c.promises == 0 {
		c.promiseCond.Broadcast()
	}
	c.mu.Unlock()
}

// OutstandingPromises returns the current counter value.
func (c *Context) OutstandingPromises() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.promises
}

// WaitSettled blocks until the promise counter reaches zero or ctx expires.
// It returns ctx.Err() on expiry.
func (c *Context) WaitSettled(ctx context.Context) error {
	var abort bool
	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		for c.promises > 0 && !abort {
			c.promiseCond.Wait()
		}
		c.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		abort = true
		c.promiseCond.Broadcast()
		c.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// SubscribeLocal registers a callback on the request-scoped event bus. The
// bus is request-only: events never cross into other requests or into
// descendant tasks.
func (c *Context) SubscribeLocal(topic string, fn func(payload any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localSubs[topic] = append(c.localSubs[topic], fn)
}

// PublishLocal delivers payload synchronously to every local subscriber of
// topic, in subscription order.
func (c *Context) PublishLocal(topic string, payload any) {
	c.mu.Lock()
	subs := append([]func(any){}, c.localSubs[topic]...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(payload)
	}
}

// SetResponse installs the handler's response envelope so after-hooks can
// amend headers or status through the shared reference. After-hooks must not
// change the request id; the LCC checks.
func (c *Context) SetResponse(resp *envelope.Response) {
	c.mu.Lock()
	c.response = resp
	c.mu.Unlock()
}

// Response returns the in-flight response envelope, nil before the handler
// phase completes.
func (c *Context) Response() *envelope.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

// Logger returns the correlated child logger for this request.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// Log emits a structured log line tagged with the request's correlation ids.
func (c *Context) Log(level slog.Level, msg string, args ...any) {
	c.logger.Log(context.Background(), level, msg, args...)
}

package lcc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gati-run/gati/pkg/apperror"
	"github.com/gati-run/gati/pkg/envelope"
	"github.com/gati-run/gati/pkg/gctx"
	"github.com/gati-run/gati/pkg/lctx"
	"github.com/gati-run/gati/pkg/manifest"
	"github.com/gati-run/gati/pkg/worker"
)

// origin names the phase a thrown error came from, carried into the catch chain.
type origin string

const (
	originBefore  origin = "before"
	originHandler origin = "handler"
	originAfter   origin = "after"
)

// Metrics is the subset of the metrics sink the controller drives.
type Metrics interface {
	RecordHookTimeout(phase string)
	RecordPhaseDuration(phase string, duration time.Duration)
}

// Options configures a Controller.
type Options struct {
	HookTimeout    time.Duration // per-hook deadline
	CleanupTimeout time.Duration // per-cleanup deadline
	SettleTimeout  time.Duration // bound on waiting for the promise counter
	MaxSnapshots   int
	Metrics        Metrics
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.HookTimeout <= 0 {
		o.HookTimeout = 5 * time.Second
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = time.Second
	}
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = o.CleanupTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Controller sequences the phases of one request: before, handler, after (or
// catch), finalize. Phase ordering is strict; finalize runs exactly once.
type Controller struct {
	registry *Registry
	worker   *worker.Worker
	gc       *gctx.Context
	opts     Options
}

// New creates a Controller dispatching handlers through w.
func New(registry *Registry, w *worker.Worker, gc *gctx.Context, opts Options) *Controller {
	return &Controller{registry: registry, worker: w, gc: gc, opts: opts.withDefaults()}
}

// Run processes one Forward decision: it builds the Local Context, runs the
// phase sequence, hands the terminal response to deliver (the HTTP write
// path), and finalizes afterwards, so cleanup cannot invalidate buffers the
// write still reads. It always produces exactly one terminal response.
func (c *Controller) Run(ctx context.Context, env *envelope.Request, man *manifest.Handler, deliver func(*envelope.Response)) {
	lc := lctx.New(env.RequestID, env.TraceID, env.ClientID, lctx.Options{
		MaxSnapshots: c.opts.MaxSnapshots,
		Logger:       c.opts.Logger,
	})

	resp := c.execute(ctx, env, man, lc)
	deliver(resp)
	c.finalize(lc)
}

func (c *Controller) execute(ctx context.Context, env *envelope.Request, man *manifest.Handler, lc *lctx.Context) *envelope.Response {
	// Before phase: global, then route-scoped, then locally registered.
	lc.SetPhase(lctx.PhaseBefore)
	start := time.Now()
	if cause := c.runHookPhase(ctx, env, man, lc, lctx.PhaseBefore); cause != nil {
		c.recordPhase("before", start)
		return c.catchPhase(ctx, env, man, lc, cause, originBefore)
	}
	c.recordPhase("before", start)

	// Handler-boundary validation: the manifest's request schema gates entry
	// into the handler phase.
	if man.RequestSchema != nil {
		if err := man.RequestSchema.Validate(env.ParsedBody, nil); err != nil {
			return c.catchPhase(ctx, env, man, lc,
				apperror.Wrap(err, apperror.CodeAdmissionSyntax, "request body failed schema validation"), originBefore)
		}
	}

	// Handler phase.
	lc.SetPhase(lctx.PhaseHandler)
	start = time.Now()
	resp, err := c.worker.Execute(ctx, man.ID, env, c.gc, lc)
	c.recordPhase("handler", start)
	if err != nil {
		return c.catchPhase(ctx, env, man, lc, err, originHandler)
	}
	lc.SetResponse(resp)

	// After phase: same ordering as before. The response is shared by
	// reference; hooks may amend headers or status but not the request id.
	lc.SetPhase(lctx.PhaseAfter)
	start = time.Now()
	if cause := c.runHookPhase(ctx, env, man, lc, lctx.PhaseAfter); cause != nil {
		c.recordPhase("after", start)
		return c.catchPhase(ctx, env, man, lc, cause, originAfter)
	}
	c.recordPhase("after", start)

	if resp.RequestID != env.RequestID {
		lc.Log(slog.LevelError, "after-hook changed the request id, restoring", "got", resp.RequestID)
		resp.RequestID = env.RequestID
	}
	return resp
}

// runHookPhase runs one phase's hook chain in scope order: global, then
// route-scoped from the manifest, then local. Local registrations made by
// earlier hooks in the same phase are picked up.
func (c *Controller) runHookPhase(ctx context.Context, env *envelope.Request, man *manifest.Handler, lc *lctx.Context, phase lctx.Phase) error {
	var global []scopedHook
	var routeIDs []string
	switch phase {
	case lctx.PhaseBefore:
		global = c.registry.globalBeforeHooks()
		routeIDs = man.Hooks[manifest.PhaseBefore]
	case lctx.PhaseAfter:
		global = c.registry.globalAfterHooks()
		routeIDs = man.Hooks[manifest.PhaseAfter]
	}
	routeScoped, missing := c.registry.resolve(routeIDs)
	for _, id := range missing {
		lc.Log(slog.LevelWarn, "manifest references unknown hook", "hook_id", id, "phase", string(phase))
	}

	cursor := 0
	advance := func() {
		cursor++
		cur := lc.CurrentCursors()
		switch phase {
		case lctx.PhaseBefore:
			cur.Before = cursor
		case lctx.PhaseAfter:
			cur.After = cursor
		}
		lc.SetCursors(cur)
	}

	for _, sh := range global {
		if err := c.runHook(ctx, string(phase), sh.id, env, lc, sh.hook); err != nil {
			return err
		}
		advance()
	}
	for _, sh := range routeScoped {
		if err := c.runHook(ctx, string(phase), sh.id, env, lc, sh.hook); err != nil {
			return err
		}
		advance()
	}

	var locals []lctx.Hook
	switch phase {
	case lctx.PhaseBefore:
		locals = lc.BeforeHooks()
	case lctx.PhaseAfter:
		locals = lc.AfterHooks()
	}
	for i := 0; i < len(locals); i++ {
		if err := c.runHook(ctx, string(phase), fmt.Sprintf("local[%d]", i), env, lc, locals[i]); err != nil {
			return err
		}
		advance()
		switch phase {
		case lctx.PhaseBefore:
			locals = lc.BeforeHooks()
		case lctx.PhaseAfter:
			locals = lc.AfterHooks()
		}
	}
	return nil
}

// runHook executes one hook under the per-hook deadline. A hook that exceeds
// it is cancelled and reported as HookTimeout; a cancelled request skips
// not-yet-started hooks via the parent context.
func (c *Controller) runHook(ctx context.Context, phase, id string, env *envelope.Request, lc *lctx.Context, fn lctx.Hook) error {
	if err := ctx.Err(); err != nil {
		return apperror.Wrap(err, apperror.CodeHandlerTimeout, "request cancelled, skipping remaining hooks")
	}

	hctx, cancel := context.WithTimeout(ctx, c.opts.HookTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- apperror.New(apperror.CodeHandlerError, fmt.Sprintf("hook %q panicked: %v", id, r))
			}
		}()
		done <- fn(hctx, env, c.gc, lc)
	}()

	hookTimeout := func() error {
		if c.opts.Metrics != nil {
			c.opts.Metrics.RecordHookTimeout(phase)
		}
		lc.Log(slog.LevelWarn, "hook deadline exceeded", "hook_id", id, "phase", phase)
		return apperror.New(apperror.CodeHookTimeout, fmt.Sprintf("hook %q exceeded its deadline in %s phase", id, phase))
	}

	select {
	case err := <-done:
		// A hook returning its own expired ctx error is a timeout too.
		if err != nil && hctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return hookTimeout()
		}
		return err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return apperror.Wrap(ctx.Err(), apperror.CodeHandlerTimeout, "request cancelled during hook")
		}
		return hookTimeout()
	}
}

// catchPhase runs the catch chain from innermost (local) through
// route-scoped to outermost (global). The first non-nil recovery response
// wins and short-circuits the rest; with no recovery, the cause is mapped to
// an error envelope.
func (c *Controller) catchPhase(ctx context.Context, env *envelope.Request, man *manifest.Handler, lc *lctx.Context, cause error, from origin) *envelope.Response {
	lc.SetPhase(lctx.PhaseCatch)
	start := time.Now()
	defer c.recordPhase("catch", start)
	lc.Log(slog.LevelDebug, "entering catch phase", "origin", string(from), "cause", cause.Error())

	routeScoped, missing := c.registry.resolveCatch(man.Hooks[manifest.PhaseCatch])
	for _, id := range missing {
		lc.Log(slog.LevelWarn, "manifest references unknown catch hook", "hook_id", id)
	}

	var chain []scopedCatch
	for i, h := range lc.CatchHooks() {
		chain = append(chain, scopedCatch{id: fmt.Sprintf("local[%d]", i), hook: h})
	}
	chain = append(chain, routeScoped...)
	chain = append(chain, c.registry.globalCatchHooks()...)

	cursor := 0
	for _, sc := range chain {
		recovery, err := c.runCatchHook(ctx, sc.id, env, lc, sc.hook, cause)
		cursor++
		cur := lc.CurrentCursors()
		cur.Catch = cursor
		lc.SetCursors(cur)
		if recovery != nil {
			recovery.RequestID = env.RequestID
			return recovery
		}
		if err != nil {
			lc.Log(slog.LevelWarn, "catch hook failed, continuing the chain", "hook_id", sc.id, "error", err.Error())
		}
	}

	return c.errorEnvelope(env, cause)
}

func (c *Controller) runCatchHook(ctx context.Context, id string, env *envelope.Request, lc *lctx.Context, fn lctx.CatchHook, cause error) (*envelope.Response, error) {
	hctx, cancel := context.WithTimeout(ctx, c.opts.HookTimeout)
	defer cancel()

	type result struct {
		resp *envelope.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("catch hook %q panicked: %v", id, r)}
			}
		}()
		resp, err := fn(hctx, env, c.gc, lc, cause)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-hctx.Done():
		if c.opts.Metrics != nil {
			c.opts.Metrics.RecordHookTimeout("catch")
		}
		return nil, apperror.New(apperror.CodeHookTimeout, fmt.Sprintf("catch hook %q exceeded its deadline", id))
	}
}

// errorEnvelope maps an unrecovered cause to a terminal response envelope
// carrying the machine-readable code and echoing the request id.
func (c *Controller) errorEnvelope(env *envelope.Request, cause error) *envelope.Response {
	code := apperror.Code(cause)
	resp := envelope.NewResponse(env.RequestID, apperror.ToHTTPStatus(cause))
	resp.Headers.Set("Content-Type", "application/json")
	resp.Headers.Set("X-Error-Code", string(code))
	body, err := json.Marshal(map[string]any{
		"error":      string(code),
		"message":    cause.Error(),
		"request_id": env.RequestID,
	})
	if err != nil {
		body = []byte(fmt.Sprintf(`{"error":%q,"request_id":%q}`, code, env.RequestID))
	}
	resp.Body = body
	return resp
}

// finalize runs exactly once per request: it waits (bounded) for outstanding
// promises to settle, then runs cleanups in reverse registration order, each
// under the cleanup deadline. A cleanup that fails is logged and swallowed.
func (c *Controller) finalize(lc *lctx.Context) {
	start := time.Now()
	defer func() {
		lc.SetPhase(lctx.PhaseFinalized)
		c.recordPhase("finalize", start)
	}()

	settleCtx, cancel := context.WithTimeout(context.Background(), c.opts.SettleTimeout)
	if err := lc.WaitSettled(settleCtx); err != nil {
		lc.Log(slog.LevelWarn, "CleanupTimeout: outstanding promises never settled, finalizing regardless",
			"outstanding", lc.OutstandingPromises())
	}
	cancel()

	cleanups := lc.Cleanups()
	for i := len(cleanups) - 1; i >= 0; i-- {
		func() {
			cctx, ccancel := context.WithTimeout(context.Background(), c.opts.CleanupTimeout)
			defer ccancel()
			defer func() {
				if r := recover(); r != nil {
					lc.Log(slog.LevelWarn, "cleanup panicked", "index", i, "panic", fmt.Sprint(r))
				}
			}()
			if err := cleanups[i](cctx); err != nil {
				lc.Log(slog.LevelWarn, "cleanup failed", "index", i, "error", err.Error())
			}
		}()
	}
}

func (c *Controller) recordPhase(phase string, start time.Time) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordPhaseDuration(phase, time.Since(start))
	}
}

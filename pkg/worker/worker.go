package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gati-run/gati/pkg/apperror"
	"github.com/gati-run/gati/pkg/envelope"
	"github.com/gati-run/gati/pkg/gctx"
	"github.com/gati-run/gati/pkg/lctx"
)

// HandlerFunc is a user-authored handler. It reads the immutable request
// view, calls modules through the Global Context, and produces its response
// through the builder's terminal calls (or by returning an error).
type HandlerFunc func(ctx context.Context, req *Request, res *ResponseBuilder, gc *gctx.Context, lc *lctx.Context) error

// Registry maps handler ids to their functions. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds fn to handlerID, replacing any previous binding.
func (r *Registry) Register(handlerID string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handlerID] = fn
}

// Get returns the handler bound to handlerID.
func (r *Registry) Get(handlerID string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[handlerID]
	return fn, ok
}

// Metrics is the subset of the metrics sink the worker drives.
type Metrics interface {
	RecordHandlerTimeout(handler string)
}

// Options configures a Worker.
type Options struct {
	Timeout time.Duration // HANDLER_TIMEOUT_MS: ceiling when the envelope carries no deadline
	Guard   time.Duration // reserved for after-hooks and finalize
	Metrics Metrics
	Logger  *slog.Logger
}

// Worker executes resolved handlers under a deadline derived from the
// envelope's remaining budget minus the guard band.
type Worker struct {
	registry *Registry
	opts     Options
}

// New creates a Worker dispatching into registry.
func New(registry *Registry, opts Options) *Worker {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{registry: registry, opts: opts}
}

// Execute runs the handler bound to handlerID against env. On deadline
// exceeded it returns HandlerTimeout; the in-flight handler keeps the
// cancellation signal and any terminal call it makes after the deadline is
// dropped (the builder freezes to a response nobody reads).
func (w *Worker) Execute(ctx context.Context, handlerID string, env *envelope.Request, gc *gctx.Context, lc *lctx.Context) (*envelope.Response, error) {
	fn, ok := w.registry.Get(handlerID)
	if !ok {
		return nil, apperror.New(apperror.CodeHandlerError, fmt.Sprintf("handler %q is not registered", handlerID))
	}

	deadline := time.Now().Add(w.opts.Timeout)
	if !env.Deadline.IsZero() {
		budget := env.Deadline.Add(-w.opts.Guard)
		if budget.Before(deadline) {
			deadline = budget
		}
	}
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	req := NewRequest(env)
	builder := NewResponseBuilder(env.RequestID, lc.Logger())

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- apperror.New(apperror.CodeHandlerError, fmt.Sprintf("handler panicked: %v", r))
			}
		}()
		done <- fn(runCtx, req, builder, gc, lc)
	}()

	select {
	case err := <-done:
		if err != nil {
			// A handler that observed the cancellation and returned ctx.Err()
			// is a timeout, not a handler fault.
			if runCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
				if w.opts.Metrics != nil {
					w.opts.Metrics.RecordHandlerTimeout(handlerID)
				}
				return nil, apperror.New(apperror.CodeHandlerTimeout,
					fmt.Sprintf("handler %q exceeded its deadline", handlerID))
			}
			var appErr *apperror.Error
			if !errors.As(err, &appErr) {
				err = apperror.Wrap(err, apperror.CodeHandlerError, err.Error())
			}
			return nil, err
		}
		if resp := builder.Response(); resp != nil {
			return resp, nil
		}
		// Handler returned without a terminal call: freeze the staged state.
		return builder.Finalize(), nil
	case <-runCtx.Done():
		if w.opts.Metrics != nil {
			w.opts.Metrics.RecordHandlerTimeout(handlerID)
		}
		lc.Log(slog.LevelWarn, "handler deadline exceeded", "handler_id", handlerID)
		return nil, apperror.New(apperror.CodeHandlerTimeout,
			fmt.Sprintf("handler %q exceeded its deadline", handlerID))
	}
}

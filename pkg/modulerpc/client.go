package modulerpc

import (
	"context"
	"errors"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gati-run/gati/pkg/apperror"
)

// RetryPolicy configures exponential backoff for a module's RPC calls.
type RetryPolicy struct {
	MaxRetries       int
	InitialDelay     time.Duration
	Multiplier       float64
	MaxDelay         time.Duration
	RetryOnTimeout   bool
}

// Metrics is the subset of the metrics sink the client drives.
type Metrics interface {
	SetRPCPoolStats(module string, total, inUse int)
	RecordRPCCall(module, status string, retries int, duration time.Duration)
}

// Client is a typed, pooled, retrying proxy for one module's RPC methods.
type Client struct {
	ModuleID string
	pool     *Pool
	retry    RetryPolicy
	timeout  time.Duration
	metrics  Metrics
}

// NewClient creates a client backed by pool for moduleID.
func NewClient(moduleID string, pool *Pool, retry RetryPolicy, timeout time.Duration, metrics Metrics) *Client {
	if retry.Multiplier <= 0 {
		retry.Multiplier = 2.0
	}
	return &Client{ModuleID: moduleID, pool: pool, retry: retry, timeout: timeout, metrics: metrics}
}

// Call invokes method on the module with args, returning the decoded result
// as a map. The overall call deadline is min(ctx deadline, c.timeout).
// Serialization failures never retry; transport failures and explicit retry
// hints are retried with exponential backoff up to MaxRetries or until the
// deadline expires, whichever comes first.
func (c *Client) Call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	start := time.Now()
	callCtx := ctx
	var cancel context.CancelFunc
	if c.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	argsStruct, err := structpb.NewStruct(args)
	if err != nil {
		c.record("serialization_error", 0, start)
		return nil, apperror.New(apperror.CodeRPCSerialization, "encoding call arguments: "+err.Error())
	}

	delay := c.retry.InitialDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= c.retry.MaxRetries+1; attempt++ {
		attempts = attempt
		result, callErr, err := c.attempt(callCtx, method, argsStruct, attempt)
		if err == nil && callErr == nil {
			c.record("ok", attempt-1, start)
			return result, nil
		}

		mapped, retryable := c.classify(err, callErr, callCtx)
		lastErr = mapped
		if !retryable || attempt > c.retry.MaxRetries || callCtx.Err() != nil {
			break
		}

		select {
		case <-callCtx.Done():
			lastErr = c.timeoutError(method)
		case <-time.After(delay):
		}
		if callCtx.Err() != nil {
			break
		}
		delay = time.Duration(math.Min(float64(delay)*c.retry.Multiplier, float64(maxOr(c.retry.MaxDelay, 10*time.Second))))
	}

	c.record(statusOf(lastErr), attempts-1, start)
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, method string, args *structpb.Struct, attempt int) (map[string]any, *CallError, error) {
	conn, release, err := c.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, nil, apperror.New(apperror.CodeRPCTransport, "connection timeout")
		}
		return nil, nil, apperror.New(apperror.CodeRPCTransport, "acquiring connection: "+err.Error())
	}
	defer release()
	if c.metrics != nil {
		st := c.pool.Stats()
		c.metrics.SetRPCPoolStats(c.ModuleID, st.Total, st.InUse)
	}

	req, err := encodeRequest(c.ModuleID, method, args, attempt)
	if err != nil {
		return nil, nil, apperror.New(apperror.CodeRPCSerialization, "encoding request: "+err.Error())
	}

	resp := new(structpb.Struct)
	if err := conn.Invoke(ctx, "/"+serviceName+"/Call", req, resp); err != nil {
		return nil, nil, apperror.New(apperror.CodeRPCTransport, "transport: "+err.Error())
	}

	result, callErr := decodeResponse(resp)
	var resultMap map[string]any
	if result != nil {
		resultMap = result.AsMap()
	}
	return resultMap, callErr, nil
}

// classify maps a transport/call error to the taxonomy and decides whether
// it is retryable.
func (c *Client) classify(err error, callErr *CallError, ctx context.Context) (error, bool) {
	if ctx.Err() != nil {
		return c.timeoutError("") , c.retry.RetryOnTimeout
	}
	if callErr != nil {
		return apperror.New(apperror.CodeRPCTransport, callErr.Message), callErr.Retryable
	}
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case apperror.CodeRPCSerialization:
			return appErr, false
		case apperror.CodeRPCTransport:
			return appErr, true
		}
	}
	return err, true
}

func (c *Client) timeoutError(method string) *apperror.Error {
	return apperror.New(apperror.CodeRPCTimeout, "module "+c.ModuleID+" method "+method+" exceeded deadline")
}

func (c *Client) record(status string, retries int, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordRPCCall(c.ModuleID, status, retries, time.Since(start))
	}
}

func statusOf(err error) string {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return string(appErr.Code)
	}
	return "error"
}

func maxOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

package modulerpc

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// flakyModule fails the first failures calls with a retryable error, then
// succeeds, counting every attempt it sees.
type flakyModule struct {
	failures int32
	calls    atomic.Int32
}

func (m *flakyModule) Call(_ context.Context, moduleID, method string, args *structpb.Struct, _ int32) (*structpb.Struct, *CallError, error) {
	n := m.calls.Add(1)
	if n <= m.failures {
		return nil, &CallError{Retryable: true, Message: "transient transport glitch"}, nil
	}
	out, err := structpb.NewStruct(map[string]any{
		"module": moduleID,
		"method": method,
		"echo":   args.AsMap(),
	})
	if err != nil {
		return nil, nil, err
	}
	return out, nil, nil
}

func startModuleServer(t *testing.T, impl Server) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	srv.RegisterService(&ServiceDesc, impl)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestCall_RetriesTransientFailuresThenSucceeds(t *testing.T) {
	module := &flakyModule{failures: 2}
	addr := startModuleServer(t, module)

	pool, err := NewPool(context.Background(), PoolConfig{Address: addr, Max: 2, Min: 1})
	require.NoError(t, err)
	defer pool.Close()

	initial := 20 * time.Millisecond
	c := NewClient("mod1", pool, RetryPolicy{
		MaxRetries:   3,
		InitialDelay: initial,
		Multiplier:   2.0,
	}, 5*time.Second, nil)

	start := time.Now()
	result, err := c.Call(context.Background(), "DoThing", map[string]any{"x": float64(1)})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "mod1", result["module"])
	assert.Equal(t, int32(3), module.calls.Load(), "exactly 3 attempts: two failures, one success")
	// Backoff between attempts: initial, then initial*multiplier.
	assert.GreaterOrEqual(t, elapsed, initial+initial*2)
}

func TestCall_AttemptCeilingRespected(t *testing.T) {
	module := &flakyModule{failures: 100}
	addr := startModuleServer(t, module)

	pool, err := NewPool(context.Background(), PoolConfig{Address: addr, Max: 1, Min: 1})
	require.NoError(t, err)
	defer pool.Close()

	c := NewClient("mod1", pool, RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond}, 5*time.Second, nil)

	_, err = c.Call(context.Background(), "DoThing", map[string]any{"x": float64(1)})
	require.Error(t, err)
	assert.Equal(t, int32(3), module.calls.Load(), "attempts must not exceed MaxRetries+1")
}

func TestPool_ReusesConnectionsAcrossCalls(t *testing.T) {
	module := &flakyModule{}
	addr := startModuleServer(t, module)

	pool, err := NewPool(context.Background(), PoolConfig{Address: addr, Max: 2, Min: 1})
	require.NoError(t, err)
	defer pool.Close()

	c := NewClient("mod1", pool, RetryPolicy{}, time.Second, nil)
	for i := 0; i < 5; i++ {
		_, err := c.Call(context.Background(), "DoThing", map[string]any{"i": float64(i)})
		require.NoError(t, err)
	}

	stats := pool.Stats()
	assert.LessOrEqual(t, stats.Total, 2)
	assert.Equal(t, 0, stats.InUse)
}

package queuefabric

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gati-run/gati/pkg/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe_Basic(t *testing.T) {
	f := New(Options{MaxDepth: 10, WorkerPoolSize: 2})
	var got int32
	var wg sync.WaitGroup
	wg.Add(1)
	f.Subscribe("topic.a", AtLeastOnce, func(ctx context.Context, msg *Message) error {
		atomic.AddInt32(&got, 1)
		wg.Done()
		return nil
	})

	_, err := f.Publish("topic.a", "hello", Metadata{MessageID: "m1", Priority: 5}, time.Time{})
	require.NoError(t, err)

	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&got))
	f.Shutdown()
}

func TestBackpressure_ActivatesAndClears(t *testing.T) {
	f := New(Options{MaxDepth: 2, BackpressureLowWater: 0.5, WorkerPoolSize: 1})

	_, err := f.Publish("topic.b", "1", Metadata{MessageID: "m1", Priority: 5}, time.Time{})
	require.NoError(t, err)
	_, err = f.Publish("topic.b", "2", Metadata{MessageID: "m2", Priority: 5}, time.Time{})
	require.NoError(t, err)

	_, err = f.Publish("topic.b", "3", Metadata{MessageID: "m3", Priority: 5}, time.Time{})
	require.Error(t, err)
	var bp *Backpressure
	require.ErrorAs(t, err, &bp)

	blockCh := make(chan struct{})
	f.Subscribe("topic.b", AtLeastOnce, func(ctx context.Context, msg *Message) error {
		<-blockCh
		return nil
	})
	close(blockCh)

	require.Eventually(t, func() bool { return f.Depth("topic.b") == 0 }, time.Second, 5*time.Millisecond)
	_, err = f.Publish("topic.b", "4", Metadata{MessageID: "m4", Priority: 5}, time.Time{})
	require.NoError(t, err)

	f.Shutdown()
}

func TestExactlyOnce_DropsDuplicateMessageID(t *testing.T) {
	f := New(Options{MaxDepth: 10, WorkerPoolSize: 1})
	var count int32
	f.Subscribe("topic.c", ExactlyOnce, func(ctx context.Context, msg *Message) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	_, _ = f.Publish("topic.c", "a", Metadata{MessageID: "dup", Priority: 5}, time.Time{})
	time.Sleep(50 * time.Millisecond)
	_, _ = f.Publish("topic.c", "a", Metadata{MessageID: "dup", Priority: 5}, time.Time{})
	time.Sleep(50 * time.Millisecond)

	assert.EqualValues(t, 1, atomic.LoadInt32(&count))
	f.Shutdown()
}

func TestPriorityOrdering(t *testing.T) {
	f := New(Options{MaxDepth: 100, WorkerPoolSize: 1})

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	// Enqueue everything before attaching the consumer, so the single worker
	// observes the fully populated priority queue.
	_, _ = f.Publish("topic.d", "low", Metadata{MessageID: "m-low", Priority: 10}, time.Time{})
	_, _ = f.Publish("topic.d", "high", Metadata{MessageID: "m-high", Priority: 1}, time.Time{})
	_, _ = f.Publish("topic.d", "mid", Metadata{MessageID: "m-mid", Priority: 5}, time.Time{})

	f.Subscribe("topic.d", AtLeastOnce, func(ctx context.Context, msg *Message) error {
		mu.Lock()
		order = append(order, msg.Payload.(string))
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "mid", "low"}, order)
	f.Shutdown()
}

func TestResultCorrelation_DeliveredOnce(t *testing.T) {
	f := New(Options{MaxDepth: 10})
	var calls int32
	f.RegisterResultHandler("req-1", func(resp *envelope.Response) {
		atomic.AddInt32(&calls, 1)
	})

	delivered := f.DeliverResult("req-1", envelope.NewResponse("req-1", 200))
	assert.True(t, delivered)

	// Second delivery for the same request id finds no handler registered.
	delivered = f.DeliverResult("req-1", envelope.NewResponse("req-1", 200))
	assert.False(t, delivered)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

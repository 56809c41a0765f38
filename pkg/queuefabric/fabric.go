// Package queuefabric implements the in-process, priority, backpressured
// pub/sub that decouples the ingress front door from the routing and
// execution plane. Topics are competing-consumer queues: each message is
// dispensed to exactly one subscriber, never broadcast to all.
package queuefabric

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gati-run/gati/pkg/apperror"
	"github.com/gati-run/gati/pkg/envelope"
)

// Backpressure is returned by Publish when a topic's depth is saturated.
type Backpressure struct {
	Topic string
	Depth int
}

func (e *Backpressure) Error() string {
	return fmt.Sprintf("queuefabric: topic %q under backpressure (depth=%d)", e.Topic, e.Depth)
}

// Handler processes one dispensed message. Returning an error nacks the
// message: under at-least-once semantics it is redelivered (up to the
// attempt ceiling, then dead-lettered); under exactly-once semantics a nack
// is still subject to the dedup ring on redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Metrics is the subset of the metrics sink the fabric drives. Passing nil
// disables metrics recording.
type Metrics interface {
	SetQueueDepth(topic string, depth int, backpressure bool)
	RecordEnqueued(topic, priority string)
	RecordDedupHit(topic string)
}

// Options configures a Fabric.
type Options struct {
	MaxDepth               int
	BackpressureLowWater   float64 // fraction of MaxDepth; hysteresis low-watermark
	WorkerPoolSize         int
	AtLeastOnceMaxAttempts int
	DedupRingSize          int
	Metrics                Metrics
}

func (o Options) withDefaults() Options {
	if o.MaxDepth <= 0 {
		o.MaxDepth = 10000
	}
	if o.BackpressureLowWater <= 0 || o.BackpressureLowWater >= 1 {
		o.BackpressureLowWater = 0.8
	}
	if o.WorkerPoolSize <= 0 {
		o.WorkerPoolSize = 16
	}
	if o.AtLeastOnceMaxAttempts <= 0 {
		o.AtLeastOnceMaxAttempts = 3
	}
	if o.DedupRingSize <= 0 {
		o.DedupRingSize = 50000
	}
	return o
}

// SubscriptionHandle lets a caller stop receiving messages for a subscription.
type SubscriptionHandle struct {
	topic string
	id    int
	f     *Fabric
}

// Unsubscribe stops the subscription's dispatcher goroutines.
func (h *SubscriptionHandle) Unsubscribe() {
	h.f.unsubscribe(h.topic, h.id)
}

type subscription struct {
	id        int
	handler   Handler
	semantics DeliverySemantics
	dedup     *dedupRing
	stop      chan struct{}
	wg        sync.WaitGroup
}

type topic struct {
	name  string
	queue *priorityQueue

	mu                  sync.Mutex
	subs                map[int]*subscription
	nextSubID           int
	backpressureActive  bool

	wake chan struct{} // non-blocking signal to dispatcher loops
}

func newTopic(name string, maxDepth int) *topic {
	return &topic{
		name:  name,
		queue: newPriorityQueue(maxDepth),
		subs:  make(map[int]*subscription),
		wake:  make(chan struct{}, 1),
	}
}

func (t *topic) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Fabric is the process-wide queue fabric instance.
type Fabric struct {
	opts Options

	mu     sync.Mutex
	topics map[string]*topic

	resultMu sync.Mutex
	results  map[string]func(*envelope.Response)

	attempts map[string]int // messageID -> delivery attempt count (at-least-once)
	attemptsMu sync.Mutex

	closed bool
}

// New creates a Fabric with the given options.
func New(opts Options) *Fabric {
	return &Fabric{
		opts:     opts.withDefaults(),
		topics:   make(map[string]*topic),
		results:  make(map[string]func(*envelope.Response)),
		attempts: make(map[string]int),
	}
}

func (f *Fabric) topicFor(name string) *topic {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.topics[name]
	if !ok {
		t = newTopic(name, f.opts.MaxDepth)
		f.topics[name] = t
	}
	return t
}

// PublishResult is returned by a successful Publish.
type PublishResult struct {
	MessageID string
}

// Publish enqueues payload on topic. If the topic's depth is saturated,
// Publish fails immediately with Backpressure; callers choose their own
// shed policy. deadline, if non-zero, is the point after which the message
// is dropped while still queued.
func (f *Fabric) Publish(topic string, payload any, meta Metadata, deadline time.Time) (*PublishResult, error) {
	if meta.MessageID == "" {
		return nil, apperror.New(apperror.CodeInternal, "queuefabric: message id is required")
	}
	meta.EnqueuedAt = time.Now()
	meta.Deadline = deadline
	meta.Attempt = 1

	t := f.topicFor(topic)
	msg := &Message{Topic: topic, Payload: payload, Metadata: meta}
	if !t.queue.push(msg) {
		depth := t.queue.len()
		f.recordDepth(topic, depth, true)
		return nil, &Backpressure{Topic: topic, Depth: depth}
	}

	depth := t.queue.len()
	backpressure := f.updateBackpressure(t, depth)
	f.recordDepth(topic, depth, backpressure)
	if f.opts.Metrics != nil {
		f.opts.Metrics.RecordEnqueued(topic, fmt.Sprintf("%d", clampPriority(meta.Priority)))
	}
	t.signal()
	return &PublishResult{MessageID: meta.MessageID}, nil
}

func (f *Fabric) updateBackpressure(t *topic, depth int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	high := f.opts.MaxDepth
	low := int(float64(high) * f.opts.BackpressureLowWater)
	if depth >= high {
		t.backpressureActive = true
	} else if depth < low {
		t.backpressureActive = false
	}
	return t.backpressureActive
}

func (f *Fabric) recordDepth(topicName string, depth int, backpressure bool) {
	if f.opts.Metrics != nil {
		f.opts.Metrics.SetQueueDepth(topicName, depth, backpressure)
	}
}

// Subscribe registers handler as a competing consumer of topic, running on
// the fabric's worker pool. Each message is dispensed to exactly one
// subscriber handler invocation.
func (f *Fabric) Subscribe(topicName string, semantics DeliverySemantics, handler Handler) *SubscriptionHandle {
	t := f.topicFor(topicName)

	t.mu.Lock()
	t.nextSubID++
	id := t.nextSubID
	sub := &subscription{
		id:        id,
		handler:   handler,
		semantics: semantics,
		dedup:     newDedupRing(f.opts.DedupRingSize),
		stop:      make(chan struct{}),
	}
	t.subs[id] = sub
	t.mu.Unlock()

	workers := f.opts.WorkerPoolSize
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		sub.wg.Add(1)
		go f.dispatchLoop(t, sub)
	}

	return &SubscriptionHandle{topic: topicName, id: id, f: f}
}

func (f *Fabric) unsubscribe(topicName string, id int) {
	t := f.topicFor(topicName)
	t.mu.Lock()
	sub, ok := t.subs[id]
	if ok {
		delete(t.subs, id)
	}
	t.mu.Unlock()
	if ok {
		close(sub.stop)
		sub.wg.Wait()
	}
}

func (f *Fabric) dispatchLoop(t *topic, sub *subscription) {
	defer sub.wg.Done()
	for {
		select {
		case <-sub.stop:
			return
		default:
		}

		msg, dropped := t.queue.pop(time.Now())
		f.notifyExpired(dropped)

		if msg == nil {
			select {
			case <-sub.stop:
				return
			case <-t.wake:
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		depth := t.queue.len()
		backpressure := f.updateBackpressure(t, depth)
		f.recordDepth(t.name, depth, backpressure)

		if sub.semantics == ExactlyOnce && sub.dedup.seenBefore(msg.Metadata.MessageID) {
			if f.opts.Metrics != nil {
				f.opts.Metrics.RecordDedupHit(t.name)
			}
			continue
		}

		f.deliver(t, sub, msg)
	}
}

func (f *Fabric) deliver(t *topic, sub *subscription, msg *Message) {
	ctx := context.Background()
	if !msg.Metadata.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, msg.Metadata.Deadline)
		defer cancel()
	}

	err := sub.handler(ctx, msg)
	if err == nil {
		return
	}

	if sub.semantics != AtLeastOnce {
		return // exactly-once subscribers do not get automatic redelivery on error
	}

	maxAttempts := f.opts.AtLeastOnceMaxAttempts
	if msg.Metadata.Attempt >= maxAttempts {
		f.deadLetter(t, msg, err)
		return
	}

	redelivered := *msg
	redelivered.Metadata.Attempt++
	t.queue.push(&redelivered)
	t.signal()
}

func (f *Fabric) deadLetter(t *topic, msg *Message, cause error) {
	// Dead-lettering is a terminal, best-effort notification: if a result
	// handler is registered for this message, it is notified with an error
	// response rather than left to hang until the ingress deadline.
	if req, ok := msg.Payload.(*envelope.Request); ok {
		f.DeliverResult(req.RequestID, errorResponse(req.RequestID, apperror.New(
			apperror.CodeHandlerError, fmt.Sprintf("dead-lettered after %d attempts: %v", msg.Metadata.Attempt, cause))))
	}
}

func (f *Fabric) notifyExpired(dropped []*Message) {
	for _, m := range dropped {
		if req, ok := m.Payload.(*envelope.Request); ok {
			f.DeliverResult(req.RequestID, errorResponse(req.RequestID, apperror.New(
				apperror.CodeHandlerTimeout, "message expired while queued")))
		}
	}
}

func errorResponse(requestID string, err *apperror.Error) *envelope.Response {
	resp := envelope.NewResponse(requestID, err.HTTPStatus())
	resp.Headers.Set("X-Error-Code", string(err.Code))
	resp.Body = []byte(err.Message)
	return resp
}

// RegisterResultHandler registers callback to be invoked at most once when a
// response envelope for requestID is delivered. Must be called before
// Publish so no delivery races the registration.
func (f *Fabric) RegisterResultHandler(requestID string, callback func(*envelope.Response)) {
	f.resultMu.Lock()
	defer f.resultMu.Unlock()
	f.results[requestID] = callback
}

// DeliverResult looks up the result handler for resp's request id, invokes it
// at most once, and removes the registration. If no handler is registered
// (already delivered, expired, or never registered), the result is dropped.
func (f *Fabric) DeliverResult(requestID string, resp *envelope.Response) bool {
	f.resultMu.Lock()
	cb, ok := f.results[requestID]
	if ok {
		delete(f.results, requestID)
	}
	f.resultMu.Unlock()
	if !ok {
		return false
	}
	cb(resp)
	return true
}

// UnregisterResultHandler removes a pending registration without delivering
// anything, used by ingress on its own request-timeout path.
func (f *Fabric) UnregisterResultHandler(requestID string) {
	f.resultMu.Lock()
	defer f.resultMu.Unlock()
	delete(f.results, requestID)
}

// Depth returns topic's current queue depth.
func (f *Fabric) Depth(topicName string) int {
	return f.topicFor(topicName).queue.len()
}

// Shutdown stops every subscription's dispatcher goroutines.
func (f *Fabric) Shutdown() {
	f.mu.Lock()
	topics := make([]*topic, 0, len(f.topics))
	for _, t := range f.topics {
		topics = append(topics, t)
	}
	f.closed = true
	f.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		subs := make([]*subscription, 0, len(t.subs))
		for _, s := range t.subs {
			subs = append(subs, s)
		}
		t.subs = make(map[int]*subscription)
		t.mu.Unlock()

		for _, s := range subs {
			close(s.stop)
			s.wg.Wait()
		}
	}
}

// Package bus implements the in-process publish/subscribe fabric every other
// agentops component stands on (spec §4.1). It fans a published Event out to
// every handler registered for its event type, running handlers
// concurrently and isolating handler failures so one misbehaving subscriber
// can never block or break another.
package bus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetops/agentops/events"
	"github.com/fleetops/agentops/telemetry"
)

type (
	// Handler reacts to a published Event. HandleEvent should return an
	// error only to report a handler-internal failure for logging and
	// counting purposes; the error never propagates to the publisher and
	// never stops delivery to other handlers (spec §4.1, §7 HandlerFailure).
	Handler interface {
		HandleEvent(ctx context.Context, evt events.Event) error
	}

	// HandlerFunc adapts a plain function to the Handler interface.
	HandlerFunc func(ctx context.Context, evt events.Event) error

	// Stats summarizes bus activity since construction (spec §4.1
	// "stats()"). SubscribersByType is a snapshot and may be stale by the
	// time the caller reads it.
	Stats struct {
		EventsPublished    int64
		HandlerErrors      int64
		SubscribersByType  map[events.EventType]int
	}

	// Subscription represents one active (event_type, handler) registration.
	// Closing it is equivalent to calling Bus.Unsubscribe with the original
	// arguments; Close is idempotent.
	Subscription interface {
		Close() bool
	}

	// Bus is the Event Bus contract from spec §4.1.
	Bus interface {
		// Subscribe registers handler for eventType. Subscribing the same
		// (eventType, handler) pair more than once is idempotent: the
		// handler still receives each matching event exactly once.
		Subscribe(eventType events.EventType, handler Handler) Subscription

		// Unsubscribe removes handler's registration for eventType and
		// reports whether a registration was actually removed.
		Unsubscribe(eventType events.EventType, handler Handler) bool

		// Publish enqueues evt for dispatch and returns immediately; it does
		// not wait for any handler to run.
		Publish(ctx context.Context, evt events.Event) error

		// PublishAndWait dispatches evt and blocks until every handler
		// currently registered for evt.Type() has been invoked.
		PublishAndWait(ctx context.Context, evt events.Event) error

		// SubscriberCount reports how many handlers are currently
		// registered for eventType.
		SubscriberCount(eventType events.EventType) int

		// Stats returns a snapshot of cumulative bus activity.
		Stats() Stats

		// Close stops all per-session dispatch workers. Events already
		// queued are delivered before workers exit. Close is idempotent.
		Close()
	}
)

// HandleEvent implements Handler by calling f.
func (f HandlerFunc) HandleEvent(ctx context.Context, evt events.Event) error { return f(ctx, evt) }

// handlerKey derives a comparable identity for a Handler so Subscribe can be
// idempotent and Unsubscribe can find the right registration even when
// handler is a function value (func values are not comparable with ==, so a
// bare interface comparison would panic for HandlerFunc).
func handlerKey(h Handler) any {
	v := reflect.ValueOf(h)
	if v.Kind() == reflect.Func {
		return v.Pointer()
	}
	if v.Comparable() {
		return h
	}
	return v.Pointer()
}

type dispatchJob struct {
	eventType events.EventType
	ctx       context.Context
	evt       events.Event
	done      chan struct{} // non-nil only for PublishAndWait
}

// sessionQueue serializes dispatch for one session so that two events
// published in order by a single publisher are observed in that order by
// every handler (spec §4.1, §5, testable property 4), even though handlers
// for a single event run concurrently with each other.
type sessionQueue struct {
	jobs chan dispatchJob
	done chan struct{}
}

type bus struct {
	mu          sync.RWMutex
	subscribers map[events.EventType]map[any]Handler

	sessionsMu sync.Mutex
	sessions   map[string]*sessionQueue

	published atomic.Int64
	errors    atomic.Int64

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures a Bus at construction.
type Option func(*bus)

// WithLogger overrides the default no-op logger.
func WithLogger(l telemetry.Logger) Option { return func(b *bus) { b.logger = l } }

// WithMetrics overrides the default no-op metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(b *bus) { b.metrics = m } }

// WithTracer overrides the default no-op tracer. Every Publish/PublishAndWait
// call is wrapped in a span from this tracer (spec §4.1).
func WithTracer(t telemetry.Tracer) Option { return func(b *bus) { b.tracer = t } }

// New constructs a ready-to-use Bus.
func New(opts ...Option) Bus {
	b := &bus{
		subscribers: make(map[events.EventType]map[any]Handler),
		sessions:    make(map[string]*sessionQueue),
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		tracer:      telemetry.NewNoopTracer(),
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *bus) Subscribe(eventType events.EventType, handler Handler) Subscription {
	key := handlerKey(handler)
	b.mu.Lock()
	m, ok := b.subscribers[eventType]
	if !ok {
		m = make(map[any]Handler)
		b.subscribers[eventType] = m
	}
	m[key] = handler
	b.mu.Unlock()
	b.logger.Debug(context.Background(), "bus: subscribed", "event_type", string(eventType))
	return &subscription{bus: b, eventType: eventType, key: key}
}

func (b *bus) Unsubscribe(eventType events.EventType, handler Handler) bool {
	return b.unsubscribeKey(eventType, handlerKey(handler))
}

func (b *bus) unsubscribeKey(eventType events.EventType, key any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.subscribers[eventType]
	if !ok {
		return false
	}
	if _, ok := m[key]; !ok {
		return false
	}
	delete(m, key)
	b.logger.Debug(context.Background(), "bus: unsubscribed", "event_type", string(eventType))
	return true
}

func (b *bus) subscribersFor(eventType events.EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m := b.subscribers[eventType]
	out := make([]Handler, 0, len(m))
	for _, h := range m {
		out = append(out, h)
	}
	return out
}

func (b *bus) SubscriberCount(eventType events.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

func (b *bus) Stats() Stats {
	b.mu.RLock()
	byType := make(map[events.EventType]int, len(b.subscribers))
	for t, m := range b.subscribers {
		byType[t] = len(m)
	}
	b.mu.RUnlock()
	return Stats{
		EventsPublished:   b.published.Load(),
		HandlerErrors:     b.errors.Load(),
		SubscribersByType: byType,
	}
}

func (b *bus) queueFor(sessionID string) *sessionQueue {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	q, ok := b.sessions[sessionID]
	if ok {
		return q
	}
	q = &sessionQueue{jobs: make(chan dispatchJob, 256), done: make(chan struct{})}
	b.sessions[sessionID] = q
	go b.runSessionQueue(q)
	return q
}

func (b *bus) runSessionQueue(q *sessionQueue) {
	defer close(q.done)
	for job := range q.jobs {
		b.dispatch(job.ctx, job.eventType, job.evt)
		if job.done != nil {
			close(job.done)
		}
	}
}

// dispatch fans evt out to every handler currently subscribed to eventType,
// concurrently, isolating panics and errors from each handler.
func (b *bus) dispatch(ctx context.Context, eventType events.EventType, evt events.Event) {
	handlers := b.subscribersFor(eventType)
	b.published.Add(1)
	if len(handlers) == 0 {
		return
	}
	var wg sync.WaitGroup
	wg.Add(len(handlers))
	for _, h := range handlers {
		go func(h Handler) {
			defer wg.Done()
			b.invoke(ctx, h, evt)
		}(h)
	}
	wg.Wait()
}

func (b *bus) invoke(ctx context.Context, h Handler, evt events.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.errors.Add(1)
			b.metrics.IncCounter("bus.handler_errors", 1, "event_type", string(evt.Type()))
			b.logger.Warn(ctx, "bus: handler panicked", "event_type", string(evt.Type()), "panic", fmt.Sprintf("%v", r))
		}
	}()
	start := time.Now()
	if err := h.HandleEvent(ctx, evt); err != nil {
		b.errors.Add(1)
		b.metrics.IncCounter("bus.handler_errors", 1, "event_type", string(evt.Type()))
		b.logger.Warn(ctx, "bus: handler error", "event_type", string(evt.Type()), "error", err.Error())
		return
	}
	b.metrics.RecordTimer("bus.handler_duration", time.Since(start), "event_type", string(evt.Type()))
}

func (b *bus) Publish(ctx context.Context, evt events.Event) error {
	ctx, span := b.tracer.Start(ctx, "bus.publish")
	defer span.End()
	span.AddEvent("enqueue", "event_type", string(evt.Type()), "session_id", evt.SessionID())

	q := b.queueFor(evt.SessionID())
	select {
	case q.jobs <- dispatchJob{eventType: evt.Type(), ctx: ctx, evt: evt}:
	case <-b.closed:
	}
	return nil
}

func (b *bus) PublishAndWait(ctx context.Context, evt events.Event) error {
	ctx, span := b.tracer.Start(ctx, "bus.publish_and_wait")
	defer span.End()
	span.AddEvent("enqueue", "event_type", string(evt.Type()), "session_id", evt.SessionID())

	q := b.queueFor(evt.SessionID())
	done := make(chan struct{})
	select {
	case q.jobs <- dispatchJob{eventType: evt.Type(), ctx: ctx, evt: evt, done: done}:
	case <-b.closed:
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		return ctx.Err()
	}
	return nil
}

func (b *bus) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.sessionsMu.Lock()
		queues := make([]*sessionQueue, 0, len(b.sessions))
		for _, q := range b.sessions {
			queues = append(queues, q)
		}
		b.sessionsMu.Unlock()
		for _, q := range queues {
			close(q.jobs)
			<-q.done
		}
	})
}

type subscription struct {
	bus       *bus
	eventType events.EventType
	key       any
	once      sync.Once
	removed   bool
}

func (s *subscription) Close() bool {
	result := false
	s.once.Do(func() {
		result = s.bus.unsubscribeKey(s.eventType, s.key)
		s.removed = result
	})
	return result
}

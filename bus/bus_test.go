package bus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetops/agentops/bus"
	"github.com/fleetops/agentops/events"
	"github.com/fleetops/agentops/telemetry"
)

// fakeTracer records every span name it is asked to Start, for asserting
// that Publish/PublishAndWait wrap themselves in a span (spec §4.1).
type fakeTracer struct {
	mu    sync.Mutex
	names []string
}

func (t *fakeTracer) Start(ctx context.Context, name string, _ ...trace.SpanStartOption) (context.Context, telemetry.Span) {
	t.mu.Lock()
	t.names = append(t.names, name)
	t.mu.Unlock()
	return ctx, fakeSpan{}
}

func (t *fakeTracer) Span(ctx context.Context) telemetry.Span { return fakeSpan{} }

func (t *fakeTracer) spanNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.names...)
}

type fakeSpan struct{}

func (fakeSpan) End(...trace.SpanEndOption)              {}
func (fakeSpan) AddEvent(string, ...any)                 {}
func (fakeSpan) SetStatus(codes.Code, string)             {}
func (fakeSpan) RecordError(error, ...trace.EventOption) {}

func mustEvent(t *testing.T, eventType events.EventType, sessionID string, seq int) events.Event {
	t.Helper()
	evt, err := events.New(eventType, sessionID, "", events.SessionPayload{SessionID: sessionID, Extra: map[string]any{"seq": seq}})
	require.NoError(t, err)
	return evt
}

func TestPublishAndWaitDeliversToAllHandlers(t *testing.T) {
	b := bus.New()
	defer b.Close()

	var calls int32
	var mu sync.Mutex
	seen := make([]string, 0, 2)
	record := func(name string) bus.HandlerFunc {
		return func(_ context.Context, _ events.Event) error {
			mu.Lock()
			seen = append(seen, name)
			mu.Unlock()
			return nil
		}
	}
	b.Subscribe(events.SessionStarted, record("first"))
	b.Subscribe(events.SessionStarted, record("second"))

	evt := mustEvent(t, events.SessionStarted, "session-1", 0)
	require.NoError(t, b.PublishAndWait(context.Background(), evt))

	_ = calls
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"first", "second"}, seen)
}

func TestHandlerErrorIsIsolatedAndCounted(t *testing.T) {
	b := bus.New()
	defer b.Close()

	var goodCalled bool
	b.Subscribe(events.SessionStarted, bus.HandlerFunc(func(context.Context, events.Event) error {
		return errors.New("boom")
	}))
	b.Subscribe(events.SessionStarted, bus.HandlerFunc(func(context.Context, events.Event) error {
		goodCalled = true
		return nil
	}))

	evt := mustEvent(t, events.SessionStarted, "session-1", 0)
	require.NoError(t, b.PublishAndWait(context.Background(), evt))

	assert.True(t, goodCalled, "a failing handler must not prevent other handlers from running")
	stats := b.Stats()
	assert.Equal(t, int64(1), stats.HandlerErrors)
	assert.Equal(t, int64(1), stats.EventsPublished)
}

func TestHandlerPanicIsIsolatedAndCounted(t *testing.T) {
	b := bus.New()
	defer b.Close()

	var goodCalled bool
	b.Subscribe(events.SessionStarted, bus.HandlerFunc(func(context.Context, events.Event) error {
		panic("kaboom")
	}))
	b.Subscribe(events.SessionStarted, bus.HandlerFunc(func(context.Context, events.Event) error {
		goodCalled = true
		return nil
	}))

	evt := mustEvent(t, events.SessionStarted, "session-1", 0)
	require.NoError(t, b.PublishAndWait(context.Background(), evt))

	assert.True(t, goodCalled)
	assert.Equal(t, int64(1), b.Stats().HandlerErrors)
}

func TestPerSessionOrderingPreservedAcrossHandlers(t *testing.T) {
	b := bus.New()
	defer b.Close()

	var mu sync.Mutex
	var orderA, orderB []int

	slow := bus.HandlerFunc(func(_ context.Context, evt events.Event) error {
		payload := evt.Payload().(events.SessionPayload)
		seq := payload.Extra["seq"].(int)
		if seq == 0 {
			time.Sleep(20 * time.Millisecond)
		}
		mu.Lock()
		orderA = append(orderA, seq)
		mu.Unlock()
		return nil
	})
	fast := bus.HandlerFunc(func(_ context.Context, evt events.Event) error {
		payload := evt.Payload().(events.SessionPayload)
		seq := payload.Extra["seq"].(int)
		mu.Lock()
		orderB = append(orderB, seq)
		mu.Unlock()
		return nil
	})
	b.Subscribe(events.SessionStarted, slow)
	b.Subscribe(events.SessionStarted, fast)

	evt0 := mustEvent(t, events.SessionStarted, "session-x", 0)
	evt1 := mustEvent(t, events.SessionStarted, "session-x", 1)
	require.NoError(t, b.Publish(context.Background(), evt0))
	require.NoError(t, b.PublishAndWait(context.Background(), evt1))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1}, orderA)
	assert.Equal(t, []int{0, 1}, orderB)
}

func TestSubscribeIsIdempotentForFuncHandlers(t *testing.T) {
	b := bus.New()
	defer b.Close()

	var count int32
	var mu sync.Mutex
	handler := bus.HandlerFunc(func(context.Context, events.Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	b.Subscribe(events.SessionStarted, handler)
	b.Subscribe(events.SessionStarted, handler)

	assert.Equal(t, 1, b.SubscriberCount(events.SessionStarted))

	evt := mustEvent(t, events.SessionStarted, "session-1", 0)
	require.NoError(t, b.PublishAndWait(context.Background(), evt))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), count)
}

type countingHandler struct {
	mu    sync.Mutex
	count int
}

func (h *countingHandler) HandleEvent(context.Context, events.Event) error {
	h.mu.Lock()
	h.count++
	h.mu.Unlock()
	return nil
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := bus.New()
	defer b.Close()

	h := &countingHandler{}
	sub := b.Subscribe(events.SessionStarted, h)

	evt := mustEvent(t, events.SessionStarted, "session-1", 0)
	require.NoError(t, b.PublishAndWait(context.Background(), evt))

	removed := sub.Close()
	assert.True(t, removed)
	assert.False(t, sub.Close(), "second Close must report no-op")

	require.NoError(t, b.PublishAndWait(context.Background(), mustEvent(t, events.SessionStarted, "session-1", 1)))

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 1, h.count)
}

func TestPublishDoesNotBlockCaller(t *testing.T) {
	b := bus.New()
	defer b.Close()

	release := make(chan struct{})
	b.Subscribe(events.SessionStarted, bus.HandlerFunc(func(context.Context, events.Event) error {
		<-release
		return nil
	}))

	evt := mustEvent(t, events.SessionStarted, "session-1", 0)
	done := make(chan struct{})
	go func() {
		_ = b.Publish(context.Background(), evt)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow handler")
	}
	close(release)
}

func TestSubscriberCountAndStatsReflectRegistrations(t *testing.T) {
	b := bus.New()
	defer b.Close()

	assert.Equal(t, 0, b.SubscriberCount(events.AgentInvoked))
	h1 := &countingHandler{}
	h2 := &countingHandler{}
	b.Subscribe(events.AgentInvoked, h1)
	b.Subscribe(events.AgentInvoked, h2)

	assert.Equal(t, 2, b.SubscriberCount(events.AgentInvoked))
	stats := b.Stats()
	assert.Equal(t, 2, stats.SubscribersByType[events.AgentInvoked])
}

func TestPublishAndPublishAndWaitEachStartASpan(t *testing.T) {
	tracer := &fakeTracer{}
	b := bus.New(bus.WithTracer(tracer))
	defer b.Close()

	require.NoError(t, b.Publish(context.Background(), mustEvent(t, events.AgentInvoked, "s1", 1)))
	require.NoError(t, b.PublishAndWait(context.Background(), mustEvent(t, events.AgentInvoked, "s1", 2)))

	assert.Equal(t, []string{"bus.publish", "bus.publish_and_wait"}, tracer.spanNames())
}

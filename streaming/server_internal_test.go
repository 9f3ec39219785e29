package streaming

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/agentops/bus"
	"github.com/fleetops/agentops/events"
	"github.com/fleetops/agentops/telemetry"
)

// temporaryErr implements net.Error with Temporary() true, simulating a
// transient Accept failure (e.g. "too many open files").
type temporaryErr struct{}

func (temporaryErr) Error() string   { return "temporary accept failure" }
func (temporaryErr) Timeout() bool   { return false }
func (temporaryErr) Temporary() bool { return true }

// fakeConn is the minimal net.Conn a successful Accept needs to return.
type fakeConn struct{ net.Conn }

// fakeListener replays a scripted sequence of Accept results.
type fakeListener struct {
	mu      sync.Mutex
	results []func() (net.Conn, error)
}

func (l *fakeListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.results) == 0 {
		return nil, temporaryErr{}
	}
	next := l.results[0]
	l.results = l.results[1:]
	return next()
}

func (l *fakeListener) Close() error   { return nil }
func (l *fakeListener) Addr() net.Addr { return &net.TCPAddr{} }

type recordingHandler struct {
	mu     sync.Mutex
	events []events.Event
}

func (h *recordingHandler) HandleEvent(_ context.Context, evt events.Event) error {
	h.mu.Lock()
	h.events = append(h.events, evt)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) received() []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.Event(nil), h.events...)
}

func TestRetryingListenerPublishesErrorRaisedOnAcceptFailure(t *testing.T) {
	b := bus.New()
	defer b.Close()

	handler := &recordingHandler{}
	b.Subscribe(events.ErrorRaised, handler)

	fl := &fakeListener{results: []func() (net.Conn, error){
		func() (net.Conn, error) { return nil, temporaryErr{} },
		func() (net.Conn, error) { return &fakeConn{}, nil },
	}}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 5 },
	})
	rl := &retryingListener{
		Listener:   fl,
		breaker:    breaker,
		maxBackoff: 10 * time.Millisecond,
		logger:     telemetry.NewNoopLogger(),
		bus:        b,
	}

	conn, err := rl.Accept()
	require.NoError(t, err)
	require.NotNil(t, conn)

	require.Eventually(t, func() bool {
		return len(handler.received()) == 1
	}, time.Second, 5*time.Millisecond)

	evt := handler.received()[0]
	require.Equal(t, events.ErrorRaised, evt.Type())
	payload, ok := evt.Payload().(events.ErrorPayload)
	require.True(t, ok)
	require.Equal(t, "streaming.listener_accept_failed", payload.Kind)
}

func TestRetryingListenerAcceptWithoutBusStillRetries(t *testing.T) {
	fl := &fakeListener{results: []func() (net.Conn, error){
		func() (net.Conn, error) { return nil, temporaryErr{} },
		func() (net.Conn, error) { return &fakeConn{}, nil },
	}}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 5 },
	})
	rl := &retryingListener{
		Listener:   fl,
		breaker:    breaker,
		maxBackoff: 10 * time.Millisecond,
		logger:     telemetry.NewNoopLogger(),
	}

	conn, err := rl.Accept()
	require.NoError(t, err)
	require.NotNil(t, conn)
}

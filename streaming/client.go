package streaming

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is a connection's position in the per-connection state machine
// (spec §4.2 "CONNECTED -> SUBSCRIBED -> (SUBSCRIBED | DISCONNECTING) ->
// CLOSED").
type State string

const (
	StateConnected    State = "CONNECTED"
	StateSubscribed   State = "SUBSCRIBED"
	StateDisconnecting State = "DISCONNECTING"
	StateClosed       State = "CLOSED"
)

// Client is the Streaming Server's per-connection state: the "Client
// Subscription" from spec §3, plus the bounded outbound queue spec §4.2
// requires for backpressure handling.
type Client struct {
	ID          string
	ConnectedAt time.Time

	mu         sync.RWMutex
	state      State
	filters    []Filter
	subscribed bool

	eventsSent int64

	outbox chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewClient constructs a Client in CONNECTED state with a bounded outbound
// queue of capacity sendQueueMax.
func NewClient(id string, sendQueueMax int, connectedAt time.Time) *Client {
	if sendQueueMax <= 0 {
		sendQueueMax = 1
	}
	return &Client{
		ID:          id,
		ConnectedAt: connectedAt,
		state:       StateConnected,
		outbox:      make(chan []byte, sendQueueMax),
		closed:      make(chan struct{}),
	}
}

// State returns the client's current state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Subscribe records filters and transitions the client to SUBSCRIBED. It
// is valid from CONNECTED or SUBSCRIBED (a client may re-subscribe with a
// new filter set at any time before disconnecting).
func (c *Client) Subscribe(filters []Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnecting || c.state == StateClosed {
		return
	}
	c.filters = filters
	c.subscribed = true
	c.state = StateSubscribed
}

// Unsubscribe clears the client's active filter set. The connection
// itself is not closed; the client simply stops receiving events until it
// subscribes again.
func (c *Client) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = nil
	c.subscribed = false
}

// Disconnecting marks the client as entering DISCONNECTING, e.g. on
// transport error or a backpressure timeout (spec §4.2).
func (c *Client) Disconnecting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		c.state = StateDisconnecting
	}
}

// Close transitions the client to CLOSED and releases its outbound queue.
// Close is idempotent.
func (c *Client) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		close(c.closed)
	})
}

// Done reports a channel closed once Close has run, for send-loop teardown.
func (c *Client) Done() <-chan struct{} { return c.closed }

// Matches reports whether evt should be delivered to this client: it must
// be in SUBSCRIBED state (or have been, and not yet explicitly
// unsubscribed) and satisfy every active filter.
func (c *Client) Matches(evtMatch func([]Filter) bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.subscribed {
		return false
	}
	return evtMatch(c.filters)
}

// Enqueue attempts to place a pre-marshaled frame on the client's outbound
// queue. It never blocks: a full queue means the client has fallen behind,
// and the caller is responsible for treating that as a drop (spec §4.2).
func (c *Client) Enqueue(frame []byte) bool {
	select {
	case c.outbox <- frame:
		atomic.AddInt64(&c.eventsSent, 1)
		return true
	default:
		return false
	}
}

// Outbox exposes the send channel for the connection's write pump.
func (c *Client) Outbox() <-chan []byte { return c.outbox }

// EventsSent reports how many frames have been successfully enqueued for
// this client (spec §4.2 "per-client events_sent").
func (c *Client) EventsSent() int64 { return atomic.LoadInt64(&c.eventsSent) }

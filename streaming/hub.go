package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/fleetops/agentops/bus"
	"github.com/fleetops/agentops/events"
	"github.com/fleetops/agentops/telemetry"
)

// Stats is the aggregate streaming-server counters from spec §4.2.
type Stats struct {
	ConnectionCount int64
	EventsStreamed  int64
	BytesSent       int64
}

// Hub fans out Event Bus events to every matching connected Client,
// dropping clients whose outbound queue is saturated (spec §4.2). It is
// transport-agnostic: Server (server.go) owns the HTTP/WebSocket plumbing
// and registers/removes Clients here.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	connectionCount int64
	eventsStreamed  int64
	bytesSent       int64

	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// HubOption configures a Hub at construction.
type HubOption func(*Hub)

// WithHubLogger overrides the default no-op logger.
func WithHubLogger(l telemetry.Logger) HubOption { return func(h *Hub) { h.logger = l } }

// WithHubMetrics overrides the default no-op metrics recorder.
func WithHubMetrics(m telemetry.Metrics) HubOption { return func(h *Hub) { h.metrics = m } }

// NewHub constructs an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients: make(map[string]*Client),
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds c to the set of connections the hub dispatches to.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	atomic.AddInt64(&h.connectionCount, 1)
}

// Remove drops c from the dispatch set and closes it.
func (h *Hub) Remove(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Client looks up a registered client by id.
func (h *Hub) Client(clientID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[clientID]
	return c, ok
}

// Subscribe registers the hub's dispatch handler against every event type
// in the closed catalog (spec §4.2 "evaluate filters on each Event Bus
// event").
func (h *Hub) Subscribe(b bus.Bus) []bus.Subscription {
	handler := bus.HandlerFunc(func(_ context.Context, evt events.Event) error {
		h.Dispatch(evt)
		return nil
	})
	types := events.AllTypes()
	subs := make([]bus.Subscription, 0, len(types))
	for _, et := range types {
		subs = append(subs, b.Subscribe(et, handler))
	}
	return subs
}

// Dispatch evaluates evt against every registered client's filters and
// enqueues the wire frame for each match. Per spec §4.2, clients whose
// send queue rejects the frame are transitioned to DISCONNECTING and
// removed; this never affects delivery to any other client.
func (h *Hub) Dispatch(evt events.Event) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.Matches(func(filters []Filter) bool { return Matches(filters, evt) }) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	envelope, err := events.MarshalEnvelope(evt)
	if err != nil {
		h.logger.Warn(context.Background(), "streaming: failed to marshal event", "error", err.Error())
		return
	}
	frame, err := marshalEventFrame(envelope)
	if err != nil {
		h.logger.Warn(context.Background(), "streaming: failed to marshal frame", "error", err.Error())
		return
	}

	var dropped []string
	for _, c := range targets {
		if c.Enqueue(frame) {
			atomic.AddInt64(&h.eventsStreamed, 1)
			atomic.AddInt64(&h.bytesSent, int64(len(frame)))
			h.metrics.IncCounter("streaming.events_sent", 1, "client_id", c.ID)
		} else {
			dropped = append(dropped, c.ID)
		}
	}
	for _, id := range dropped {
		h.logger.Warn(context.Background(), "streaming: client send queue full, dropping", "client_id", id)
		if c, ok := h.Client(id); ok {
			c.Disconnecting()
		}
		h.Remove(id)
	}
}

// Stats returns a snapshot of the hub's aggregate counters.
func (h *Hub) Stats() Stats {
	return Stats{
		ConnectionCount: atomic.LoadInt64(&h.connectionCount),
		EventsStreamed:  atomic.LoadInt64(&h.eventsStreamed),
		BytesSent:       atomic.LoadInt64(&h.bytesSent),
	}
}

func marshalEventFrame(envelope []byte) ([]byte, error) {
	frame := ServerEventFrame{Type: MsgEvent, V: events.CatalogVersion, Event: envelope}
	return json.Marshal(frame)
}

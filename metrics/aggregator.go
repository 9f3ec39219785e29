package metrics

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fleetops/agentops/bus"
	"github.com/fleetops/agentops/events"
	"github.com/fleetops/agentops/telemetry"
)

// Snapshot is a read-only view of aggregator state over a trailing window of
// WindowSeconds (spec §3 "Metrics Snapshot").
type Snapshot struct {
	WindowSeconds   float64
	TotalEvents     int64
	EventsByType    map[string]int64
	AgentsActive    int
	WorkflowsActive int
	MeanDurationMs  float64
	P50DurationMs   float64
	P95DurationMs   float64
	P99DurationMs   float64
	TotalTokens     int64
	TotalCost       float64
	EventsPerSecond float64
	AgentsPerMinute float64
	TokensPerSecond float64
	CostPerHour     float64
}

// Cumulative is the set of totals tracked since process start, never
// windowed (spec §4.3 "cumulative()").
type Cumulative struct {
	TotalEvents  int64
	EventsByType map[string]int64
	TotalTokens  int64
	TotalCost    float64
}

// clock lets tests control "now" deterministically; defaults to time.Now.
type clock func() time.Time

// Aggregator is the C3 Metrics Aggregator. It is safe for concurrent use and
// is normally driven by subscribing it to the bus (see Subscribe).
type Aggregator struct {
	mu         sync.Mutex
	records    []Record
	head       int
	count      int
	maxRecords int

	activeAgents    map[string]struct{}
	activeWorkflows map[string]struct{}

	cumTotal   int64
	cumByType  map[string]int64
	cumTokens  int64
	cumCost    float64

	now     clock
	metrics telemetry.Metrics
}

// Option configures an Aggregator at construction.
type Option func(*Aggregator)

// WithMetrics attaches a telemetry.Metrics sink (Prometheus in production)
// so cumulative and per-record values are exported on every record() call.
func WithMetrics(m telemetry.Metrics) Option { return func(a *Aggregator) { a.metrics = m } }

// withClock overrides the time source; used by tests.
func withClock(c clock) Option { return func(a *Aggregator) { a.now = c } }

// New constructs an Aggregator with a FIFO of the given capacity. maxRecords
// <= 0 defaults to 10000 per spec §3.
func New(maxRecords int, opts ...Option) *Aggregator {
	if maxRecords <= 0 {
		maxRecords = 10000
	}
	a := &Aggregator{
		records:         make([]Record, maxRecords),
		maxRecords:      maxRecords,
		activeAgents:    make(map[string]struct{}),
		activeWorkflows: make(map[string]struct{}),
		cumByType:       make(map[string]int64),
		now:             time.Now,
		metrics:         telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Subscribe registers the aggregator on b for every event type it derives
// metrics from, returning the resulting Subscriptions so the caller can
// unsubscribe all of them (e.g. on shutdown) via a single call.
func (a *Aggregator) Subscribe(b bus.Bus) []bus.Subscription {
	handler := bus.HandlerFunc(func(_ context.Context, evt events.Event) error {
		a.Record(evt)
		return nil
	})
	types := []events.EventType{
		events.AgentInvoked, events.AgentCompleted, events.AgentFailed,
		events.ToolInvoked, events.ToolCompleted, events.ToolFailed,
		events.WorkflowStarted, events.WorkflowCompleted, events.WorkflowFailed,
	}
	subs := make([]bus.Subscription, 0, len(types))
	for _, t := range types {
		subs = append(subs, b.Subscribe(t, handler))
	}
	return subs
}

// Record derives an Event Record from evt, appends it (evicting the oldest
// on overflow), and updates the active-agent/workflow indices (spec §4.3
// "record(event)").
func (a *Aggregator) Record(evt events.Event) {
	rec := Record{Timestamp: evt.Timestamp(), EventType: string(evt.Type())}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch evt.Type() {
	case events.AgentInvoked:
		if p, ok := evt.Payload().(events.AgentInvokedPayload); ok {
			rec.Agent = p.AgentName
			a.activeAgents[agentKey(evt.SessionID(), p.AgentName)] = struct{}{}
		}
	case events.AgentCompleted:
		if p, ok := evt.Payload().(events.AgentCompletedPayload); ok {
			rec.Agent = p.AgentName
			rec.DurationMs = p.DurationMs
			rec.Success = true
			if p.Tokens != nil {
				rec.HasTokens = true
				rec.Tokens = int64(*p.Tokens)
			}
			if p.Cost != nil {
				rec.HasCost = true
				rec.Cost = *p.Cost
			}
			delete(a.activeAgents, agentKey(evt.SessionID(), p.AgentName))
		}
	case events.AgentFailed:
		if p, ok := evt.Payload().(events.AgentFailedPayload); ok {
			rec.Agent = p.AgentName
			rec.DurationMs = p.DurationMs
			rec.Success = false
			delete(a.activeAgents, agentKey(evt.SessionID(), p.AgentName))
		}
	case events.WorkflowStarted:
		if p, ok := evt.Payload().(events.WorkflowPayload); ok {
			a.activeWorkflows[p.WorkflowID] = struct{}{}
		}
	case events.WorkflowCompleted, events.WorkflowFailed:
		if p, ok := evt.Payload().(events.WorkflowPayload); ok {
			delete(a.activeWorkflows, p.WorkflowID)
		}
	}

	a.push(rec)

	a.cumTotal++
	a.cumByType[rec.EventType]++
	if rec.HasTokens {
		a.cumTokens += rec.Tokens
	}
	if rec.HasCost {
		a.cumCost += rec.Cost
	}

	a.metrics.IncCounter("metrics.events_total", 1, "event_type", rec.EventType)
	if rec.DurationMs > 0 {
		a.metrics.RecordTimer("metrics.agent_duration", time.Duration(rec.DurationMs)*time.Millisecond, "agent", rec.Agent)
	}
	a.metrics.RecordGauge("metrics.agents_active", float64(len(a.activeAgents)))
	a.metrics.RecordGauge("metrics.workflows_active", float64(len(a.activeWorkflows)))
}

// agentKey scopes an active-agent entry by session so two sessions running
// an agent of the same name don't collide in the active index. An
// agent.completed/failed arriving without a matching invoked leaves the
// index unaffected, per spec §4.3's "close without open" tolerance.
func agentKey(sessionID, agentName string) string { return sessionID + "\x00" + agentName }

// push appends rec to the ring buffer, evicting the oldest entry silently
// once the buffer is full (spec §3 "evictions are silent").
func (a *Aggregator) push(rec Record) {
	idx := (a.head + a.count) % a.maxRecords
	a.records[idx] = rec
	if a.count < a.maxRecords {
		a.count++
	} else {
		a.head = (a.head + 1) % a.maxRecords
	}
}

// windowTail returns the records whose Timestamp falls within
// [now-window, now], oldest first.
func (a *Aggregator) windowTail(window time.Duration) []Record {
	cutoff := a.now().Add(-window)
	out := make([]Record, 0, a.count)
	for i := 0; i < a.count; i++ {
		rec := a.records[(a.head+i)%a.maxRecords]
		if !rec.Timestamp.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

// Snapshot computes a Metrics Snapshot over the trailing windowSeconds
// (spec §4.3 "snapshot(window_seconds)").
func (a *Aggregator) Snapshot(windowSeconds float64) Snapshot {
	a.mu.Lock()
	records := a.windowTail(time.Duration(windowSeconds * float64(time.Second)))
	activeAgents := len(a.activeAgents)
	activeWorkflows := len(a.activeWorkflows)
	a.mu.Unlock()

	snap := Snapshot{
		WindowSeconds:   windowSeconds,
		EventsByType:    make(map[string]int64),
		AgentsActive:    activeAgents,
		WorkflowsActive: activeWorkflows,
	}

	var durations []float64
	var tokenTotal int64
	var costTotal float64
	var completedAgents int64

	for _, rec := range records {
		snap.TotalEvents++
		snap.EventsByType[rec.EventType]++
		if rec.EventType == string(events.AgentCompleted) {
			durations = append(durations, float64(rec.DurationMs))
			completedAgents++
		}
		if rec.HasTokens {
			tokenTotal += rec.Tokens
		}
		if rec.HasCost {
			costTotal += rec.Cost
		}
	}
	snap.TotalTokens = tokenTotal
	snap.TotalCost = costTotal

	if len(durations) > 0 {
		sort.Float64s(durations)
		sum := 0.0
		for _, d := range durations {
			sum += d
		}
		snap.MeanDurationMs = sum / float64(len(durations))
		snap.P50DurationMs = percentile(durations, 0.50)
		snap.P95DurationMs = percentile(durations, 0.95)
		snap.P99DurationMs = percentile(durations, 0.99)
	}

	if windowSeconds > 0 {
		snap.EventsPerSecond = float64(snap.TotalEvents) / windowSeconds
		snap.AgentsPerMinute = float64(completedAgents) / windowSeconds * 60
		snap.TokensPerSecond = float64(tokenTotal) / windowSeconds
		snap.CostPerHour = costTotal / windowSeconds * 3600
	}
	return snap
}

// percentile computes the nearest-rank percentile of sorted (ascending)
// values: index ⌈p·n⌉−1, clamped to [0, n-1] (spec §4.3).
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// AllSnapshots computes a Snapshot for every window in windowsSeconds, in
// the order given (spec §4.3 "all_snapshots(windows)").
func (a *Aggregator) AllSnapshots(windowsSeconds []float64) []Snapshot {
	out := make([]Snapshot, len(windowsSeconds))
	for i, w := range windowsSeconds {
		out[i] = a.Snapshot(w)
	}
	return out
}

// Cumulative returns totals since construction, never windowed (spec §4.3
// "cumulative()").
func (a *Aggregator) Cumulative() Cumulative {
	a.mu.Lock()
	defer a.mu.Unlock()
	byType := make(map[string]int64, len(a.cumByType))
	for k, v := range a.cumByType {
		byType[k] = v
	}
	return Cumulative{
		TotalEvents:  a.cumTotal,
		EventsByType: byType,
		TotalTokens:  a.cumTokens,
		TotalCost:    a.cumCost,
	}
}

// Len reports the current FIFO occupancy (never exceeds maxRecords; spec
// testable property 11).
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

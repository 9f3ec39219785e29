// Package fleet implements the Fleet Tracker (spec §4.6): a bus subscriber
// that derives per-workflow execution state from the event stream and
// exposes bottleneck and aggregate statistics over it. Everything the
// tracker reports is derived, not authoritative — the coordinator's own
// Outcome remains the source of truth for a workflow's real status.
package fleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleetops/agentops/bus"
	"github.com/fleetops/agentops/events"
)

// WorkflowStatus is the tracker's own view of a workflow's lifecycle,
// derived purely from the events it has observed.
type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "ACTIVE"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	WorkflowFailed    WorkflowStatus = "FAILED"
)

// AgentExecutionRecord is one agent invocation within a workflow (spec §3
// "Agent Execution Record"). Derived, not authoritative.
type AgentExecutionRecord struct {
	WorkflowID string
	AgentName  string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	DurationMs int64
	Tokens     *int
	Cost       *float64
}

// Bottlenecks is the result of running bottleneck analysis over a
// workflow's records (spec §4.6).
type Bottlenecks struct {
	SlowAgents            []string
	ParallelizationRatio  float64
	Sequential            bool
}

// WorkflowRecord is the tracker's complete view of one workflow.
type WorkflowRecord struct {
	WorkflowID string
	Status     WorkflowStatus
	StartedAt  time.Time
	FinishedAt time.Time

	// ExecutionOrder is agent_name in the order agent.invoked events for
	// this workflow were observed.
	ExecutionOrder []string
	// Running is the set of agents currently between agent.invoked and a
	// matching agent.completed/agent.failed.
	Running map[string]struct{}
	Records []AgentExecutionRecord
}

func newWorkflowRecord(workflowID string, startedAt time.Time) *WorkflowRecord {
	return &WorkflowRecord{
		WorkflowID: workflowID,
		Status:     WorkflowActive,
		StartedAt:  startedAt,
		Running:    make(map[string]struct{}),
	}
}

// snapshot returns a deep-enough copy safe to hand to a caller outside the
// tracker's lock.
func (w *WorkflowRecord) snapshot() WorkflowRecord {
	order := make([]string, len(w.ExecutionOrder))
	copy(order, w.ExecutionOrder)
	running := make(map[string]struct{}, len(w.Running))
	for k := range w.Running {
		running[k] = struct{}{}
	}
	records := make([]AgentExecutionRecord, len(w.Records))
	copy(records, w.Records)
	return WorkflowRecord{
		WorkflowID:     w.WorkflowID,
		Status:         w.Status,
		StartedAt:      w.StartedAt,
		FinishedAt:     w.FinishedAt,
		ExecutionOrder: order,
		Running:        running,
		Records:        records,
	}
}

// Stats is the aggregate fleet-wide summary (spec §4.6 "Aggregate fleet
// statistics").
type Stats struct {
	ActiveWorkflows    int
	CompletedWorkflows int
	FailedWorkflows    int

	AgentCounts       map[string]int64
	AgentAvgDurations map[string]float64

	TotalTokens int64
	TotalCost   float64
}

// Tracker is the C7 Fleet Tracker.
type Tracker struct {
	mu        sync.Mutex
	workflows map[string]*WorkflowRecord

	totalTokens int64
	totalCost   float64
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{workflows: make(map[string]*WorkflowRecord)}
}

// Subscribe registers the tracker's handler for every event type it cares
// about (spec §4.6) and returns the resulting subscriptions for later
// Close/Unsubscribe.
func (t *Tracker) Subscribe(b bus.Bus) []bus.Subscription {
	h := bus.HandlerFunc(func(_ context.Context, evt events.Event) error {
		t.Record(evt)
		return nil
	})
	types := []events.EventType{
		events.AgentInvoked, events.AgentCompleted, events.AgentFailed,
		events.WorkflowStarted, events.WorkflowCompleted, events.WorkflowFailed,
	}
	subs := make([]bus.Subscription, 0, len(types))
	for _, et := range types {
		subs = append(subs, b.Subscribe(et, h))
	}
	return subs
}

// Record updates tracker state from a single event. Events for event types
// the tracker doesn't subscribe to, or carrying an unrecognized payload
// shape, are ignored.
func (t *Tracker) Record(evt events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch evt.Type() {
	case events.WorkflowStarted:
		payload, ok := evt.Payload().(events.WorkflowPayload)
		if !ok {
			return
		}
		wf := t.workflowLocked(payload.WorkflowID)
		wf.StartedAt = evt.Timestamp()

	case events.WorkflowCompleted:
		payload, ok := evt.Payload().(events.WorkflowPayload)
		if !ok {
			return
		}
		wf := t.workflowLocked(payload.WorkflowID)
		wf.Status = WorkflowCompleted
		wf.FinishedAt = evt.Timestamp()

	case events.WorkflowFailed:
		payload, ok := evt.Payload().(events.WorkflowPayload)
		if !ok {
			return
		}
		wf := t.workflowLocked(payload.WorkflowID)
		wf.Status = WorkflowFailed
		wf.FinishedAt = evt.Timestamp()

	case events.AgentInvoked:
		payload, ok := evt.Payload().(events.AgentInvokedPayload)
		if !ok {
			return
		}
		wf := t.workflowLocked(evt.SessionID())
		wf.ExecutionOrder = append(wf.ExecutionOrder, payload.AgentName)
		wf.Running[payload.AgentName] = struct{}{}
		wf.Records = append(wf.Records, AgentExecutionRecord{
			WorkflowID: evt.SessionID(),
			AgentName:  payload.AgentName,
			Status:     "RUNNING",
			StartedAt:  evt.Timestamp(),
		})

	case events.AgentCompleted:
		payload, ok := evt.Payload().(events.AgentCompletedPayload)
		if !ok {
			return
		}
		wf := t.workflowLocked(evt.SessionID())
		delete(wf.Running, payload.AgentName)
		t.closeRecordLocked(wf, payload.AgentName, "COMPLETED", evt.Timestamp(), payload.DurationMs, payload.Tokens, payload.Cost)
		if payload.Tokens != nil {
			t.totalTokens += int64(*payload.Tokens)
		}
		if payload.Cost != nil {
			t.totalCost += *payload.Cost
		}

	case events.AgentFailed:
		payload, ok := evt.Payload().(events.AgentFailedPayload)
		if !ok {
			return
		}
		wf := t.workflowLocked(evt.SessionID())
		delete(wf.Running, payload.AgentName)
		t.closeRecordLocked(wf, payload.AgentName, "FAILED", evt.Timestamp(), payload.DurationMs, nil, nil)
	}
}

// workflowLocked returns the WorkflowRecord for workflowID, creating it on
// first reference. Caller must hold t.mu.
func (t *Tracker) workflowLocked(workflowID string) *WorkflowRecord {
	wf, ok := t.workflows[workflowID]
	if !ok {
		wf = newWorkflowRecord(workflowID, time.Now())
		t.workflows[workflowID] = wf
	}
	return wf
}

// closeRecordLocked finds the most recent RUNNING record for agentName in
// wf and terminates it. If no matching open record exists (a close arrived
// without a matching open), a terminal record is appended directly so the
// close is still reflected in the record list.
func (t *Tracker) closeRecordLocked(wf *WorkflowRecord, agentName, status string, at time.Time, durationMs int64, tokens *int, cost *float64) {
	for i := len(wf.Records) - 1; i >= 0; i-- {
		if wf.Records[i].AgentName == agentName && wf.Records[i].Status == "RUNNING" {
			wf.Records[i].Status = status
			wf.Records[i].FinishedAt = at
			wf.Records[i].DurationMs = durationMs
			wf.Records[i].Tokens = tokens
			wf.Records[i].Cost = cost
			return
		}
	}
	wf.Records = append(wf.Records, AgentExecutionRecord{
		WorkflowID: wf.WorkflowID,
		AgentName:  agentName,
		Status:     status,
		FinishedAt: at,
		DurationMs: durationMs,
		Tokens:     tokens,
		Cost:       cost,
	})
}

// Workflow returns a snapshot of one tracked workflow and whether it was
// found (spec.md SUPPLEMENT "Workflow(id) lookup").
func (t *Tracker) Workflow(workflowID string) (WorkflowRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wf, ok := t.workflows[workflowID]
	if !ok {
		return WorkflowRecord{}, false
	}
	return wf.snapshot(), true
}

// Workflows returns every tracked workflow's snapshot, sorted by start time
// (spec.md SUPPLEMENT "Workflows() query ... sorted by start time").
func (t *Tracker) Workflows() []WorkflowRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]WorkflowRecord, 0, len(t.workflows))
	for _, wf := range t.workflows {
		out = append(out, wf.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Bottlenecks runs the pure bottleneck analysis defined in spec §4.6 over
// one workflow's current records.
func (t *Tracker) Bottlenecks(workflowID string) (Bottlenecks, bool) {
	wf, ok := t.Workflow(workflowID)
	if !ok {
		return Bottlenecks{}, false
	}
	return AnalyzeBottlenecks(wf), true
}

// AnalyzeBottlenecks is the pure bottleneck-analysis function from spec
// §4.6, exposed standalone so it can be exercised or reused without a
// Tracker instance.
func AnalyzeBottlenecks(wf WorkflowRecord) Bottlenecks {
	var sumDuration int64
	for _, r := range wf.Records {
		sumDuration += r.DurationMs
	}
	result := Bottlenecks{}
	if sumDuration == 0 {
		return result
	}
	for _, r := range wf.Records {
		if float64(r.DurationMs)/float64(sumDuration) > 0.30 {
			result.SlowAgents = append(result.SlowAgents, r.AgentName)
		}
	}

	wallClockMs := wallClock(wf)
	if wallClockMs > 0 {
		result.ParallelizationRatio = 1 - (float64(wallClockMs) / float64(sumDuration))
	}
	result.Sequential = result.ParallelizationRatio < 0.30
	return result
}

// wallClock is the elapsed time between the workflow's first recorded
// start and its last recorded finish.
func wallClock(wf WorkflowRecord) int64 {
	if len(wf.Records) == 0 {
		return 0
	}
	var earliest, latest time.Time
	for _, r := range wf.Records {
		if earliest.IsZero() || (!r.StartedAt.IsZero() && r.StartedAt.Before(earliest)) {
			earliest = r.StartedAt
		}
		if r.FinishedAt.After(latest) {
			latest = r.FinishedAt
		}
	}
	if earliest.IsZero() || latest.IsZero() || !latest.After(earliest) {
		return 0
	}
	return latest.Sub(earliest).Milliseconds()
}

// Stats computes the aggregate fleet-wide statistics (spec §4.6).
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Stats{
		AgentCounts:       make(map[string]int64),
		AgentAvgDurations: make(map[string]float64),
		TotalTokens:       t.totalTokens,
		TotalCost:         t.totalCost,
	}
	durationSums := make(map[string]int64)
	for _, wf := range t.workflows {
		switch wf.Status {
		case WorkflowActive:
			stats.ActiveWorkflows++
		case WorkflowCompleted:
			stats.CompletedWorkflows++
		case WorkflowFailed:
			stats.FailedWorkflows++
		}
		for _, r := range wf.Records {
			stats.AgentCounts[r.AgentName]++
			durationSums[r.AgentName] += r.DurationMs
		}
	}
	for agent, count := range stats.AgentCounts {
		if count > 0 {
			stats.AgentAvgDurations[agent] = float64(durationSums[agent]) / float64(count)
		}
	}
	return stats
}

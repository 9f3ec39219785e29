// Package events defines the closed catalog of runtime event types and the
// immutable Event envelope every other component in agentops communicates
// through. Events are constructed once, validated at construction time, and
// never mutated afterward; components that need to derive new state from an
// event (the metrics aggregator, the fleet tracker, the streaming server)
// read it through the accessor methods below.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies one entry in the closed event catalog (spec §3, §6).
// The runtime never publishes a type outside this catalog; New rejects
// unknown types (via IsValid) so a typo in a publisher cannot silently create a new,
// unindexed event family.
type EventType string

// The closed event catalog, versioned as v1. Every subscriber in agentops
// (metrics aggregator, streaming server, fleet tracker, router subscriber,
// persistent log, query store) is written against this exact set.
const (
	AgentInvoked  EventType = "agent.invoked"
	AgentCompleted EventType = "agent.completed"
	AgentFailed   EventType = "agent.failed"

	ToolInvoked   EventType = "tool.invoked"
	ToolCompleted EventType = "tool.completed"
	ToolFailed    EventType = "tool.failed"

	WorkflowStarted   EventType = "workflow.started"
	WorkflowCompleted EventType = "workflow.completed"
	WorkflowFailed    EventType = "workflow.failed"

	PhaseStarted   EventType = "phase.started"
	PhaseCompleted EventType = "phase.completed"

	ModelSelected     EventType = "model.selected"
	ModelTierUpgraded EventType = "model.tier_upgraded"
	ModelDegraded     EventType = "model.degraded"

	CostRecorded       EventType = "cost.recorded"
	CostBudgetWarning  EventType = "cost.budget_warning"
	CostBudgetExceeded EventType = "cost.budget_exceeded"

	SnapshotCreated  EventType = "snapshot.created"
	SnapshotRestored EventType = "snapshot.restored"

	SessionStarted     EventType = "session.started"
	SessionEnded       EventType = "session.ended"
	SessionTokenWarning EventType = "session.token_warning"

	ErrorRaised    EventType = "error.raised"
	ErrorRecovered EventType = "error.recovered"
)

// CatalogVersion is the wire version tag attached to every persisted or
// streamed event (spec §6).
const CatalogVersion = 1

// catalog is the closed set of valid event types, used by IsValid.
var catalog = map[EventType]struct{}{
	AgentInvoked: {}, AgentCompleted: {}, AgentFailed: {},
	ToolInvoked: {}, ToolCompleted: {}, ToolFailed: {},
	WorkflowStarted: {}, WorkflowCompleted: {}, WorkflowFailed: {},
	PhaseStarted: {}, PhaseCompleted: {},
	ModelSelected: {}, ModelTierUpgraded: {}, ModelDegraded: {},
	CostRecorded: {}, CostBudgetWarning: {}, CostBudgetExceeded: {},
	SnapshotCreated: {}, SnapshotRestored: {},
	SessionStarted: {}, SessionEnded: {}, SessionTokenWarning: {},
	ErrorRaised: {}, ErrorRecovered: {},
}

// AllTypes returns every entry in the closed event catalog, in no
// particular order. Used by subscribers (the streaming server, the
// persistent log, the query store) that must register for every event
// type rather than an explicit subset.
func AllTypes() []EventType {
	out := make([]EventType, 0, len(catalog))
	for t := range catalog {
		out = append(out, t)
	}
	return out
}

// IsValid reports whether t is a member of the closed event catalog.
func (t EventType) IsValid() bool {
	_, ok := catalog[t]
	return ok
}

// ErrInvalidEvent is returned by New when an event is missing a required
// identity field or uses an event type outside the closed catalog. It is
// never recoverable: the caller must fix the call site, not retry.
var ErrInvalidEvent = errors.New("events: invalid event")

// Event is an immutable value: every field is populated at construction and
// never changes afterward. Two events sharing TraceID form a causal chain
// (spec §3).
type Event struct {
	eventType EventType
	timestamp time.Time
	payload   any
	traceID   string
	sessionID string
}

// New constructs an Event, validating that eventType is in the closed
// catalog and that sessionID is non-empty. If traceID is empty, a fresh
// UUIDv4 is generated so every event can still anchor a causal chain.
// Timestamp is stamped at construction, in UTC.
//
// New fails with ErrInvalidEvent for any caller error; the event is never
// partially constructed.
func New(eventType EventType, sessionID, traceID string, payload any) (Event, error) {
	if !eventType.IsValid() {
		return Event{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, eventType)
	}
	if sessionID == "" {
		return Event{}, fmt.Errorf("%w: session_id is required", ErrInvalidEvent)
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return Event{
		eventType: eventType,
		timestamp: time.Now().UTC(),
		payload:   payload,
		traceID:   traceID,
		sessionID: sessionID,
	}, nil
}

// NewAt is New with an explicit timestamp, used by tests and by replay
// tooling that reconstructs events from a persisted log.
func NewAt(eventType EventType, sessionID, traceID string, at time.Time, payload any) (Event, error) {
	evt, err := New(eventType, sessionID, traceID, payload)
	if err != nil {
		return Event{}, err
	}
	evt.timestamp = at.UTC()
	return evt, nil
}

// Type returns the event's position in the closed catalog.
func (e Event) Type() EventType { return e.eventType }

// Timestamp returns the UTC instant the event was constructed.
func (e Event) Timestamp() time.Time { return e.timestamp }

// Payload returns the event's type-specific payload. Callers that need
// structured field access type-assert to the concrete payload type declared
// alongside the event's EventType (see payloads.go); callers that only need
// generic serialization can pass it straight to json.Marshal.
func (e Event) Payload() any { return e.payload }

// TraceID returns the identifier linking this event to other causally
// related events.
func (e Event) TraceID() string { return e.traceID }

// SessionID returns the logical session this event belongs to. SessionID is
// the unit of ordering: two events published by the same publisher within
// one session are delivered to every handler in publish order.
func (e Event) SessionID() string { return e.sessionID }

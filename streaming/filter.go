package streaming

import "github.com/fleetops/agentops/events"

// FilterType is the kind of attribute a Filter matches against (spec §3
// "Client Subscription").
type FilterType string

const (
	FilterEventType FilterType = "event_type"
	FilterAgent     FilterType = "agent"
	FilterSeverity  FilterType = "severity"
	FilterWorkflow  FilterType = "workflow"
)

// Filter is one (filter_type, values) pair from a client's subscribe
// message. An event matches a Filter if it matches any one of Values (OR
// within a filter); a Client matches an event only if it matches every one
// of its Filters (AND across filters).
type Filter struct {
	Type   FilterType `json:"filter_type"`
	Values []string   `json:"values"`
}

// defaultSeverity is assigned to events whose payload carries no explicit
// severity tag (spec §4.2 "a missing tag is treated as info").
const defaultSeverity = "info"

// Matches reports whether evt satisfies every filter in filters (spec §4.2
// "AND across distinct filter types, OR within values"). An empty filter
// list accepts everything (spec §3 "Empty filter list = accept all").
func Matches(filters []Filter, evt events.Event) bool {
	for _, f := range filters {
		if !matchesOne(f, evt) {
			return false
		}
	}
	return true
}

func matchesOne(f Filter, evt events.Event) bool {
	if len(f.Values) == 0 {
		return true
	}
	switch f.Type {
	case FilterEventType:
		return containsString(f.Values, string(evt.Type()))
	case FilterAgent:
		agent, ok := agentNameOf(evt)
		if !ok {
			// spec §4.2: an event with no agent never matches a non-empty
			// agent filter.
			return false
		}
		return containsString(f.Values, agent)
	case FilterSeverity:
		return containsString(f.Values, severityOf(evt))
	case FilterWorkflow:
		return containsString(f.Values, workflowIDOf(evt))
	default:
		return false
	}
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// agentNameOf extracts the agent_name field from the payload shapes that
// carry one; events with no agent concept (workflow.*, phase.*, model.*,
// cost.*, ...) report ok=false.
func agentNameOf(evt events.Event) (string, bool) {
	switch p := evt.Payload().(type) {
	case events.AgentInvokedPayload:
		return p.AgentName, true
	case events.AgentCompletedPayload:
		return p.AgentName, true
	case events.AgentFailedPayload:
		return p.AgentName, true
	case events.ToolInvokedPayload:
		if p.AgentName == "" {
			return "", false
		}
		return p.AgentName, true
	default:
		return "", false
	}
}

// severityOf extracts the "severity" key from a payload's Extra map, if
// the payload type carries one, defaulting to "info" (spec §4.2).
func severityOf(evt events.Event) string {
	extra := extraOf(evt)
	if extra == nil {
		return defaultSeverity
	}
	v, ok := extra["severity"]
	if !ok {
		return defaultSeverity
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return defaultSeverity
	}
	return s
}

func extraOf(evt events.Event) map[string]any {
	switch p := evt.Payload().(type) {
	case events.AgentInvokedPayload:
		return p.Extra
	case events.AgentCompletedPayload:
		return p.Extra
	case events.AgentFailedPayload:
		return p.Extra
	case events.ToolInvokedPayload:
		return p.Extra
	case events.ToolCompletedPayload:
		return p.Extra
	case events.ToolFailedPayload:
		return p.Extra
	case events.WorkflowPayload:
		return p.Extra
	case events.PhasePayload:
		return p.Extra
	case events.ModelSelectedPayload:
		return p.Extra
	case events.ModelTierUpgradedPayload:
		return p.Extra
	case events.ModelDegradedPayload:
		return p.Extra
	case events.CostPayload:
		return p.Extra
	case events.SnapshotPayload:
		return p.Extra
	case events.SessionPayload:
		return p.Extra
	case events.ErrorPayload:
		return p.Extra
	default:
		return nil
	}
}

// workflowIDOf reports the identifier a "workflow" filter matches against.
// Every event's SessionID doubles as its workflow/session correlation key
// (events.Event docs: "the unit of ordering"), so it is used uniformly
// rather than type-switching on payloads that happen to also carry a
// workflow_id field.
func workflowIDOf(evt events.Event) string {
	return evt.SessionID()
}

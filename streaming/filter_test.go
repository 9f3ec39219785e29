package streaming_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetops/agentops/events"
	"github.com/fleetops/agentops/streaming"
)

func TestMatchesEmptyFilterListAcceptsEverything(t *testing.T) {
	evt := mustEvent(t, events.AgentInvoked, "sess-1", events.AgentInvokedPayload{AgentName: "reviewer"})
	require.True(t, streaming.Matches(nil, evt))
}

func TestMatchesAgentFilterRejectsEventsWithNoAgent(t *testing.T) {
	evt := mustEvent(t, events.WorkflowStarted, "sess-1", events.WorkflowPayload{WorkflowID: "wf-1"})
	filters := []streaming.Filter{{Type: streaming.FilterAgent, Values: []string{"reviewer"}}}
	require.False(t, streaming.Matches(filters, evt))
}

func TestMatchesAgentFilterOrsWithinValues(t *testing.T) {
	evt := mustEvent(t, events.AgentInvoked, "sess-1", events.AgentInvokedPayload{AgentName: "reviewer"})
	filters := []streaming.Filter{{Type: streaming.FilterAgent, Values: []string{"planner", "reviewer"}}}
	require.True(t, streaming.Matches(filters, evt))
}

func TestMatchesAndsAcrossFilterTypes(t *testing.T) {
	evt := mustEvent(t, events.AgentInvoked, "sess-1", events.AgentInvokedPayload{AgentName: "reviewer"})
	filters := []streaming.Filter{
		{Type: streaming.FilterAgent, Values: []string{"reviewer"}},
		{Type: streaming.FilterEventType, Values: []string{"agent.completed"}},
	}
	require.False(t, streaming.Matches(filters, evt), "event_type filter excludes agent.invoked")
}

func TestMatchesSeverityDefaultsToInfo(t *testing.T) {
	evt := mustEvent(t, events.ErrorRaised, "sess-1", events.ErrorPayload{Message: "boom"})
	filters := []streaming.Filter{{Type: streaming.FilterSeverity, Values: []string{"info"}}}
	require.True(t, streaming.Matches(filters, evt))

	filters = []streaming.Filter{{Type: streaming.FilterSeverity, Values: []string{"critical"}}}
	require.False(t, streaming.Matches(filters, evt))
}

func TestMatchesSeverityHonorsExtraTag(t *testing.T) {
	evt := mustEvent(t, events.ErrorRaised, "sess-1", events.ErrorPayload{
		Message: "boom",
		Extra:   map[string]any{"severity": "critical"},
	})
	filters := []streaming.Filter{{Type: streaming.FilterSeverity, Values: []string{"critical"}}}
	require.True(t, streaming.Matches(filters, evt))
}

func TestMatchesWorkflowFilterUsesSessionID(t *testing.T) {
	evt := mustEvent(t, events.WorkflowStarted, "wf-42", events.WorkflowPayload{WorkflowID: "wf-42"})
	require.True(t, streaming.Matches([]streaming.Filter{{Type: streaming.FilterWorkflow, Values: []string{"wf-42"}}}, evt))
	require.False(t, streaming.Matches([]streaming.Filter{{Type: streaming.FilterWorkflow, Values: []string{"wf-99"}}}, evt))
}

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(EventType("bogus.type"), "sess-1", "", AgentInvokedPayload{AgentName: "scout"})
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestNewRejectsEmptySessionID(t *testing.T) {
	_, err := New(AgentInvoked, "", "", AgentInvokedPayload{AgentName: "scout"})
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestNewGeneratesTraceIDWhenEmpty(t *testing.T) {
	evt, err := New(AgentInvoked, "sess-1", "", AgentInvokedPayload{AgentName: "scout"})
	require.NoError(t, err)
	assert.NotEmpty(t, evt.TraceID())
}

func TestNewPreservesCallerTraceID(t *testing.T) {
	evt, err := New(AgentInvoked, "sess-1", "trace-123", AgentInvokedPayload{AgentName: "scout"})
	require.NoError(t, err)
	assert.Equal(t, "trace-123", evt.TraceID())
}

func TestEventIsImmutableValue(t *testing.T) {
	payload := AgentInvokedPayload{AgentName: "scout"}
	evt, err := New(AgentInvoked, "sess-1", "", payload)
	require.NoError(t, err)

	// Mutating the caller's copy must not affect the constructed event: Event
	// stores payload by value for structs, so later mutation of the local
	// variable is invisible to evt.
	payload.AgentName = "mutated"
	got := evt.Payload().(AgentInvokedPayload)
	assert.Equal(t, "scout", got.AgentName)
}

func TestMarshalEnvelopeRoundTrips(t *testing.T) {
	evt, err := New(ModelSelected, "sess-1", "trace-1", ModelSelectedPayload{
		Model: "claude-haiku", Tier: "weak", ComplexityScore: 1, RoutingReason: "score<=3", FreeTier: true,
	})
	require.NoError(t, err)
	b, err := MarshalEnvelope(evt)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"event_type":"model.selected"`)
	assert.Contains(t, string(b), `"session_id":"sess-1"`)

	decoded, err := DecodeEnvelope(b)
	require.NoError(t, err)
	assert.Equal(t, evt.Type(), decoded.Type())
	assert.Equal(t, evt.SessionID(), decoded.SessionID())
	assert.Equal(t, evt.TraceID(), decoded.TraceID())
	assert.True(t, evt.Timestamp().Equal(decoded.Timestamp()))
	assert.Equal(t, evt.Payload(), decoded.Payload())
}

package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/agentops/events"
)

func agentCompleted(t *testing.T, agent string, durationMs int64, at time.Time) events.Event {
	t.Helper()
	evt, err := events.NewAt(events.AgentCompleted, "session-1", "", at, events.AgentCompletedPayload{
		AgentName:  agent,
		DurationMs: durationMs,
	})
	require.NoError(t, err)
	return evt
}

// TestSnapshotWindowS9 reproduces spec scenario S9: 100 agent.completed
// events with durations 1..100ms published within 10s, snapshotted with a
// 60s window.
func TestSnapshotWindowS9(t *testing.T) {
	base := time.Now()
	a := New(10000, withClock(func() time.Time { return base }))
	for i := 1; i <= 100; i++ {
		at := base.Add(-time.Duration(100-i) * 100 * time.Millisecond)
		a.Record(agentCompleted(t, "scout", int64(i), at))
	}

	snap := a.Snapshot(60)
	assert.Equal(t, int64(100), snap.TotalEvents)
	assert.InDelta(t, 50, snap.P50DurationMs, 1)
	assert.InDelta(t, 95, snap.P95DurationMs, 1)
	assert.InDelta(t, 99, snap.P99DurationMs, 1)
	assert.InDelta(t, float64(100)/60, snap.EventsPerSecond, 1e-9)
}

func TestFIFOBoundedAtMaxRecords(t *testing.T) {
	base := time.Now()
	a := New(5, withClock(func() time.Time { return base }))
	for i := 0; i < 20; i++ {
		a.Record(agentCompleted(t, "scout", int64(i), base))
	}
	assert.Equal(t, 5, a.Len())
}

func TestActiveAgentIndexTracksInvokedAndCompleted(t *testing.T) {
	a := New(100)
	invoked, err := events.New(events.AgentInvoked, "session-1", "", events.AgentInvokedPayload{AgentName: "scout"})
	require.NoError(t, err)
	a.Record(invoked)

	snap := a.Snapshot(60)
	assert.Equal(t, 1, snap.AgentsActive)

	completed, err := events.New(events.AgentCompleted, "session-1", "", events.AgentCompletedPayload{AgentName: "scout", DurationMs: 10})
	require.NoError(t, err)
	a.Record(completed)

	snap = a.Snapshot(60)
	assert.Equal(t, 0, snap.AgentsActive)
}

func TestCloseWithoutOpenIsIgnoredForActiveCountButStillRecorded(t *testing.T) {
	a := New(100)
	completed, err := events.New(events.AgentCompleted, "session-1", "", events.AgentCompletedPayload{AgentName: "ghost", DurationMs: 10})
	require.NoError(t, err)
	a.Record(completed)

	snap := a.Snapshot(60)
	assert.Equal(t, 0, snap.AgentsActive)
	assert.Equal(t, int64(1), snap.TotalEvents)
}

func TestCumulativeIsNeverWindowed(t *testing.T) {
	base := time.Now()
	a := New(100, withClock(func() time.Time { return base }))
	old := base.Add(-time.Hour)
	a.Record(agentCompleted(t, "scout", 5, old))

	cum := a.Cumulative()
	assert.Equal(t, int64(1), cum.TotalEvents)

	snap := a.Snapshot(60)
	assert.Equal(t, int64(0), snap.TotalEvents)
}

func TestEmptyWindowYieldsZeroPercentiles(t *testing.T) {
	a := New(100)
	snap := a.Snapshot(60)
	assert.Equal(t, 0.0, snap.P50DurationMs)
	assert.Equal(t, 0.0, snap.P95DurationMs)
	assert.Equal(t, 0.0, snap.P99DurationMs)
}

package routing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetops/agentops/bus"
	"github.com/fleetops/agentops/events"
	"github.com/fleetops/agentops/router"
	"github.com/fleetops/agentops/subscribers/routing"
)

func testRouterConfig() router.Config {
	return router.Config{
		Tiers: map[router.Tier]router.TierConfig{
			router.TierWeak: {
				Name: router.TierWeak,
				Candidates: []router.Candidate{
					{Name: "claude-haiku", Priority: 0, CostMultiplier: 0.25},
					{Name: "gemini-2.5-flash", Priority: 1, CostMultiplier: 0.0},
				},
			},
			router.TierBase: {
				Name: router.TierBase,
				Candidates: []router.Candidate{
					{Name: "claude-sonnet", Priority: 0, CostMultiplier: 1.0},
					{Name: "gemini-2.5-pro", Priority: 1, CostMultiplier: 0.0},
				},
			},
			router.TierStrong: {
				Name: router.TierStrong,
				Candidates: []router.Candidate{
					{Name: "claude-opus", Priority: 0, CostMultiplier: 5.0},
				},
			},
		},
		DefaultTier:        router.TierBase,
		PreferFreeTier:     false,
		UpgradeOnFailure:   true,
		MaxUpgradeAttempts: 2,
	}
}

type collector struct {
	mu   sync.Mutex
	evts []events.Event
}

func (c *collector) HandleEvent(_ context.Context, evt events.Event) error {
	c.mu.Lock()
	c.evts = append(c.evts, evt)
	c.mu.Unlock()
	return nil
}

func (c *collector) find(t events.EventType) (events.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.evts {
		if e.Type() == t {
			return e, true
		}
	}
	return events.Event{}, false
}

func newHarness(t *testing.T) (bus.Bus, *router.Router, *collector) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	rtr, err := router.New(testRouterConfig())
	require.NoError(t, err)
	c := &collector{}
	for _, et := range []events.EventType{
		events.ModelSelected, events.ModelTierUpgraded, events.ModelDegraded,
	} {
		b.Subscribe(et, c)
	}
	return b, rtr, c
}

// findEventually polls for an event of type et, since the subscriber
// publishes its model.* decisions via bus.Publish (fire-and-forget,
// queued on the same session worker rather than synchronously delivered
// within the triggering PublishAndWait call).
func findEventually(t *testing.T, c *collector, et events.EventType) events.Event {
	t.Helper()
	var found events.Event
	require.Eventually(t, func() bool {
		e, ok := c.find(et)
		if ok {
			found = e
		}
		return ok
	}, time.Second, time.Millisecond)
	return found
}

func invoked(t *testing.T, sessionID, traceID, taskType string, contextTokens int, files []string) events.Event {
	t.Helper()
	evt, err := events.New(events.AgentInvoked, sessionID, traceID, events.AgentInvokedPayload{
		AgentName: "impl", TaskType: taskType, ContextTokens: contextTokens, Files: files,
	})
	require.NoError(t, err)
	return evt
}

func TestAgentInvokedPublishesModelSelected(t *testing.T) {
	b, rtr, c := newHarness(t)
	sub := routing.New(b, rtr)
	sub.Subscribe()

	evt := invoked(t, "sess-1", "trace-1", "log_summary", 5000, []string{"app.log"})
	require.NoError(t, b.PublishAndWait(context.Background(), evt))

	selected := findEventually(t, c, events.ModelSelected)
	payload := selected.Payload().(events.ModelSelectedPayload)
	require.Equal(t, "claude-haiku", payload.Model, "PreferFreeTier is false, so the highest-priority candidate wins absent budget pressure")
	require.Equal(t, string(router.TierWeak), payload.Tier)
}

func TestBudgetWarningForcesPreferFreeForSession(t *testing.T) {
	b, rtr, c := newHarness(t)
	sub := routing.New(b, rtr)
	sub.Subscribe()

	warnEvt, err := events.New(events.CostBudgetWarning, "sess-1", "", events.CostPayload{SessionID: "sess-1"})
	require.NoError(t, err)
	require.NoError(t, b.PublishAndWait(context.Background(), warnEvt))

	evt := invoked(t, "sess-1", "trace-1", "log_summary", 5000, []string{"app.log"})
	require.NoError(t, b.PublishAndWait(context.Background(), evt))

	selected := findEventually(t, c, events.ModelSelected)
	payload := selected.Payload().(events.ModelSelectedPayload)
	require.Equal(t, "gemini-2.5-flash", payload.Model)
	require.True(t, payload.FreeTier)
}

func TestBudgetExceededRestrictsToFreeAndDegradesWhenTierDrops(t *testing.T) {
	b, rtr, c := newHarness(t)
	sub := routing.New(b, rtr)
	sub.Subscribe()

	exceededEvt, err := events.New(events.CostBudgetExceeded, "sess-1", "", events.CostPayload{SessionID: "sess-1"})
	require.NoError(t, err)
	require.NoError(t, b.PublishAndWait(context.Background(), exceededEvt))

	// Strong tier has no free candidate at all, so the budget-exceeded
	// path must fall back to a lower tier's free model and report it as
	// degraded.
	evt := invoked(t, "sess-1", "trace-1", "strategic_decision", 5000, nil)
	require.NoError(t, b.PublishAndWait(context.Background(), evt))

	selected := findEventually(t, c, events.ModelSelected)
	selPayload := selected.Payload().(events.ModelSelectedPayload)
	require.True(t, selPayload.FreeTier)
	require.NotEqual(t, string(router.TierStrong), selPayload.Tier)

	degraded := findEventually(t, c, events.ModelDegraded)
	degPayload := degraded.Payload().(events.ModelDegradedPayload)
	require.Equal(t, string(router.TierStrong), degPayload.RequestedTier)
	require.Equal(t, selPayload.Tier, degPayload.AppliedTier)
}

func TestQualityFailureRecordsAndPublishesTierUpgrade(t *testing.T) {
	b, rtr, c := newHarness(t)
	sub := routing.New(b, rtr)
	sub.Subscribe()

	invokedEvt := invoked(t, "sess-1", "trace-1", "code_review", 5000, nil)
	require.NoError(t, b.PublishAndWait(context.Background(), invokedEvt))

	selected := findEventually(t, c, events.ModelSelected)
	fromTier := selected.Payload().(events.ModelSelectedPayload).Tier

	failedEvt, err := events.New(events.AgentFailed, "sess-1", "trace-1", events.AgentFailedPayload{
		AgentName: "impl", ErrorKind: "QualityFailure", ErrorMessage: "low score", Cause: routing.CauseQualityFailure,
	})
	require.NoError(t, err)
	require.NoError(t, b.PublishAndWait(context.Background(), failedEvt))

	upgraded := findEventually(t, c, events.ModelTierUpgraded)
	payload := upgraded.Payload().(events.ModelTierUpgradedPayload)
	require.Equal(t, "code_review", payload.TaskType)
	require.Equal(t, fromTier, payload.FromTier)
	require.NotEqual(t, fromTier, payload.ToTier)

	stats := rtr.Stats()
	require.EqualValues(t, 1, stats.Upgrades)
}

func TestAgentFailedWithoutQualityFailureCauseIsIgnored(t *testing.T) {
	b, rtr, c := newHarness(t)
	sub := routing.New(b, rtr)
	sub.Subscribe()

	invokedEvt := invoked(t, "sess-1", "trace-1", "code_review", 5000, nil)
	require.NoError(t, b.PublishAndWait(context.Background(), invokedEvt))

	failedEvt, err := events.New(events.AgentFailed, "sess-1", "trace-1", events.AgentFailedPayload{
		AgentName: "impl", ErrorKind: "Timeout", ErrorMessage: "deadline exceeded",
	})
	require.NoError(t, err)
	require.NoError(t, b.PublishAndWait(context.Background(), failedEvt))

	_, ok := c.find(events.ModelTierUpgraded)
	require.False(t, ok)
}

func TestSessionEndedClearsBudgetState(t *testing.T) {
	b, rtr, c := newHarness(t)
	sub := routing.New(b, rtr)
	sub.Subscribe()

	exceededEvt, err := events.New(events.CostBudgetExceeded, "sess-1", "", events.CostPayload{SessionID: "sess-1"})
	require.NoError(t, err)
	require.NoError(t, b.PublishAndWait(context.Background(), exceededEvt))

	endedEvt, err := events.New(events.SessionEnded, "sess-1", "", events.SessionPayload{SessionID: "sess-1"})
	require.NoError(t, err)
	require.NoError(t, b.PublishAndWait(context.Background(), endedEvt))

	evt := invoked(t, "sess-1", "trace-2", "log_summary", 5000, []string{"app.log"})
	require.NoError(t, b.PublishAndWait(context.Background(), evt))

	selected := findEventually(t, c, events.ModelSelected)
	payload := selected.Payload().(events.ModelSelectedPayload)
	require.Equal(t, "claude-haiku", payload.Model, "budget state must be cleared once the session has ended")
}

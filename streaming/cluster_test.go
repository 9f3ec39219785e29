package streaming_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/agentops/bus"
	"github.com/fleetops/agentops/events"
	"github.com/fleetops/agentops/streaming"
)

func newMiniredisClient(t *testing.T) *redis.Client {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func waitForHubDispatch(t *testing.T, client *streaming.Client) {
	t.Helper()
	select {
	case <-client.Outbox():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cluster bridge to forward the remote event")
	}
}

// TestClusterBridgeForwardsRemoteEventsToHub verifies a ClusterBridge
// subscribed against one Redis channel delivers an event published by a
// *different* bridge instance (i.e. a different fleetd process) straight
// into its local Hub.
func TestClusterBridgeForwardsRemoteEventsToHub(t *testing.T) {
	client := newMiniredisClient(t)
	cfg := streaming.ClusterBridgeConfig{Channel: "agentops:events:test"}

	localBus := bus.New()
	defer localBus.Close()
	localHub := streaming.NewHub()
	localBridge := streaming.NewClusterBridge(client, cfg, localHub)
	subs := localBridge.Subscribe(localBus)
	defer func() {
		for _, s := range subs {
			s.Close()
		}
		localBridge.Close()
	}()

	cl := streaming.NewClient("client-1", 16, time.Now())
	cl.Subscribe(nil)
	localHub.Register(cl)

	remoteBus := bus.New()
	defer remoteBus.Close()
	remoteHub := streaming.NewHub()
	remoteBridge := streaming.NewClusterBridge(client, cfg, remoteHub)
	remoteSubs := remoteBridge.Subscribe(remoteBus)
	defer func() {
		for _, s := range remoteSubs {
			s.Close()
		}
		remoteBridge.Close()
	}()

	evt, err := events.New(events.SessionStarted, "session-remote", "", events.SessionPayload{SessionID: "session-remote"})
	require.NoError(t, err)
	require.NoError(t, remoteBus.Publish(context.Background(), evt))

	waitForHubDispatch(t, cl)
}

// TestClusterBridgeDropsItsOwnEcho verifies a bridge does not re-dispatch
// its own locally-originated event after it round-trips through Redis.
func TestClusterBridgeDropsItsOwnEcho(t *testing.T) {
	client := newMiniredisClient(t)
	cfg := streaming.ClusterBridgeConfig{Channel: "agentops:events:echo-test"}

	b := bus.New()
	defer b.Close()
	hub := streaming.NewHub()
	bridge := streaming.NewClusterBridge(client, cfg, hub)
	subs := bridge.Subscribe(b)
	defer func() {
		for _, s := range subs {
			s.Close()
		}
		bridge.Close()
	}()

	cl := streaming.NewClient("client-1", 16, time.Now())
	cl.Subscribe(nil)
	hub.Register(cl)

	evt, err := events.New(events.SessionStarted, "session-local", "", events.SessionPayload{SessionID: "session-local"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), evt))

	// Give the echo a chance to arrive; the local Hub.Subscribe path (wired
	// separately in runtimecore) would have already delivered this event, so
	// the bridge forwarding it again would double-deliver. Since this test
	// wires only the bridge (not Hub.Subscribe), any dispatch at all here
	// would have to come from the echo, so we assert none arrives.
	select {
	case <-cl.Outbox():
		t.Fatal("cluster bridge re-dispatched its own event instead of dropping the echo")
	case <-time.After(200 * time.Millisecond):
	}
}

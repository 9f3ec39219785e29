package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fleetops/agentops/bus"
	"github.com/fleetops/agentops/events"
	"github.com/fleetops/agentops/telemetry"
)

// DefaultClusterChannel is the Redis pub/sub channel ClusterBridge uses when
// ClusterBridgeConfig.Channel is left empty.
const DefaultClusterChannel = "agentops:events"

// ClusterBridgeConfig configures the Redis-backed cross-instance event
// bridge (SPEC_FULL §5: multiple fleetd instances sharing one Streaming
// Server Hub view).
type ClusterBridgeConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Channel  string `yaml:"channel" mapstructure:"channel"`
}

// clusterMessage wraps a marshaled event envelope with the publishing
// instance's id, so a bridge can recognize and drop its own echo coming back
// off the shared Redis channel instead of re-dispatching it a second time.
type clusterMessage struct {
	Origin   string          `json:"origin"`
	Envelope json.RawMessage `json:"envelope"`
}

// ClusterBridge fans every local Event Bus event out to a Redis pub/sub
// channel, and forwards events published by other fleetd instances straight
// into a local Hub (bypassing the local Event Bus entirely, so a forwarded
// remote event is never re-published back onto Redis). This lets several
// fleetd instances behind a load balancer present one consistent stream of
// fleet-wide events to every connected streaming client, grounded on the
// teacher's direct *redis.Client usage in registry/result_stream.go.
type ClusterBridge struct {
	rdb        *redis.Client
	channel    string
	instanceID string
	hub        *Hub
	logger     telemetry.Logger

	sub *redis.PubSub

	wg   sync.WaitGroup
	stop chan struct{}
}

// ClusterBridgeOption configures a ClusterBridge at construction.
type ClusterBridgeOption func(*ClusterBridge)

// WithClusterBridgeLogger overrides the default no-op logger.
func WithClusterBridgeLogger(l telemetry.Logger) ClusterBridgeOption {
	return func(cb *ClusterBridge) { cb.logger = l }
}

// NewClusterBridge constructs a ClusterBridge. rdb is owned by the caller;
// Close does not close it.
func NewClusterBridge(rdb *redis.Client, cfg ClusterBridgeConfig, hub *Hub, opts ...ClusterBridgeOption) *ClusterBridge {
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultClusterChannel
	}
	cb := &ClusterBridge{
		rdb:        rdb,
		channel:    channel,
		instanceID: uuid.NewString(),
		hub:        hub,
		logger:     telemetry.NewNoopLogger(),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Subscribe registers the bridge's publish-side handler against every event
// type in the closed catalog and starts the receive-side goroutine that
// forwards remote instances' events into the local Hub. The returned
// Subscriptions control only the publish side; call Close to stop the
// receive-side goroutine and the underlying Redis subscription.
func (cb *ClusterBridge) Subscribe(b bus.Bus) []bus.Subscription {
	cb.sub = cb.rdb.Subscribe(context.Background(), cb.channel)
	cb.wg.Add(1)
	go cb.receiveLoop()

	handler := bus.HandlerFunc(func(ctx context.Context, evt events.Event) error {
		return cb.publish(ctx, evt)
	})
	types := events.AllTypes()
	subs := make([]bus.Subscription, 0, len(types))
	for _, et := range types {
		subs = append(subs, b.Subscribe(et, handler))
	}
	return subs
}

func (cb *ClusterBridge) publish(ctx context.Context, evt events.Event) error {
	envelope, err := events.MarshalEnvelope(evt)
	if err != nil {
		return fmt.Errorf("streaming: cluster bridge marshal event: %w", err)
	}
	msg, err := json.Marshal(clusterMessage{Origin: cb.instanceID, Envelope: envelope})
	if err != nil {
		return fmt.Errorf("streaming: cluster bridge marshal message: %w", err)
	}
	if err := cb.rdb.Publish(ctx, cb.channel, msg).Err(); err != nil {
		cb.logger.Warn(ctx, "streaming: cluster bridge publish failed", "error", err.Error())
		return err
	}
	return nil
}

// receiveLoop drains the Redis channel until Close is called, dispatching
// every non-self event directly onto the Hub.
func (cb *ClusterBridge) receiveLoop() {
	defer cb.wg.Done()
	ch := cb.sub.Channel()
	for {
		select {
		case redisMsg, ok := <-ch:
			if !ok {
				return
			}
			cb.handleMessage(redisMsg.Payload)
		case <-cb.stop:
			return
		}
	}
}

func (cb *ClusterBridge) handleMessage(payload string) {
	var msg clusterMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		cb.logger.Warn(context.Background(), "streaming: cluster bridge received malformed message", "error", err.Error())
		return
	}
	if msg.Origin == cb.instanceID {
		return
	}
	evt, err := events.DecodeEnvelope(msg.Envelope)
	if err != nil {
		cb.logger.Warn(context.Background(), "streaming: cluster bridge failed to decode remote event", "error", err.Error())
		return
	}
	cb.hub.Dispatch(evt)
}

// Close stops the receive loop and the underlying Redis subscription. It is
// not safe to call Close more than once.
func (cb *ClusterBridge) Close() error {
	close(cb.stop)
	err := cb.sub.Close()
	cb.wg.Wait()
	return err
}

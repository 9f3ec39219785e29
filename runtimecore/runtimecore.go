// Package runtimecore wires every component into one running system:
// Event Bus, Metrics Aggregator, Fleet Tracker, Router Subscriber,
// Coordinator, and Streaming Server, initialized once and torn down in
// reverse dependency order (SPEC_FULL §5).
package runtimecore

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the "postgres" driver sqlx.Connect dials through
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fleetops/agentops/bus"
	"github.com/fleetops/agentops/config"
	"github.com/fleetops/agentops/coordinator"
	"github.com/fleetops/agentops/fleet"
	"github.com/fleetops/agentops/metrics"
	"github.com/fleetops/agentops/router"
	"github.com/fleetops/agentops/streaming"
	"github.com/fleetops/agentops/subscribers/journal"
	"github.com/fleetops/agentops/subscribers/querystore"
	"github.com/fleetops/agentops/subscribers/routing"
	"github.com/fleetops/agentops/telemetry"
)

// Components is every singleton runtimecore constructs and owns. Callers
// use it to register agent handlers on the coordinator, read metrics
// snapshots, or query fleet state; runtimecore itself only manages
// lifecycle.
type Components struct {
	Bus         bus.Bus
	Metrics     *metrics.Aggregator
	Fleet       *fleet.Tracker
	Router      *router.Router
	Routing     *routing.Subscriber
	Coordinator *coordinator.Coordinator
	Journal     *journal.Journal
	QueryStore  *querystore.Subscriber
	Streaming   *streaming.Server
	Cluster     *streaming.ClusterBridge

	promMetrics *telemetry.PrometheusMetrics
	db          *sqlx.DB
	redis       *redis.Client

	subs        []bus.Subscription
	cancelQuery context.CancelFunc
	runDone     chan struct{}
}

var (
	mu        sync.Mutex
	singleton *Components
)

// Initialize builds every component from cfg and starts the background
// loops that need one (the query store's flush loop, the streaming
// server's accept loop). It is idempotent: a second call while a runtime
// is already active returns the existing Components unchanged.
func Initialize(ctx context.Context, cfg config.Config, logger telemetry.Logger) (*Components, error) {
	mu.Lock()
	defer mu.Unlock()
	if singleton != nil {
		return singleton, nil
	}

	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	promMetrics := telemetry.NewPrometheusMetrics(cfg.Metrics.Namespace)
	tracer := telemetry.NewClueTracer()

	b := bus.New(bus.WithLogger(logger), bus.WithMetrics(promMetrics), bus.WithTracer(tracer))

	agg := metrics.New(cfg.Metrics.MaxRecords, metrics.WithMetrics(promMetrics))
	tracker := fleet.New()

	routerCfg, err := cfg.Router.ToRouterConfig()
	if err != nil {
		return nil, fmt.Errorf("runtimecore: router config: %w", err)
	}
	rtr, err := router.New(routerCfg, router.WithLogger(logger), router.WithMetrics(promMetrics))
	if err != nil {
		return nil, fmt.Errorf("runtimecore: construct router: %w", err)
	}
	routingSub := routing.New(b, rtr, routing.WithLogger(logger), routing.WithMetrics(promMetrics))

	coord := coordinator.New(b, cfg.Coordinator, coordinator.WithLogger(logger), coordinator.WithMetrics(promMetrics))

	jrn := journal.New(cfg.Journal, journal.WithLogger(logger), journal.WithMetrics(promMetrics))

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.QueryStore.DSN)
	if err != nil {
		return nil, fmt.Errorf("runtimecore: connect querystore: %w", err)
	}
	if _, err := db.ExecContext(ctx, querystore.Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("runtimecore: apply querystore schema: %w", err)
	}
	qs := querystore.New(db, cfg.QueryStore.ToQueryStoreConfig(), querystore.WithLogger(logger), querystore.WithMetrics(promMetrics))

	hub := streaming.NewHub(streaming.WithHubLogger(logger), streaming.WithHubMetrics(promMetrics))
	metricsHandler := promhttp.HandlerFor(promMetrics.Registry(), promhttp.HandlerOpts{})
	srv := streaming.NewServer(cfg.Streaming, hub, streaming.WithLogger(logger), streaming.WithMetricsHandler(metricsHandler), streaming.WithBus(b))

	c := &Components{
		Bus:         b,
		Metrics:     agg,
		Fleet:       tracker,
		Router:      rtr,
		Routing:     routingSub,
		Coordinator: coord,
		Journal:     jrn,
		QueryStore:  qs,
		Streaming:   srv,
		promMetrics: promMetrics,
		db:          db,
		runDone:     make(chan struct{}),
	}

	if cfg.Cluster.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Cluster.Redis.Addr,
			Password: cfg.Cluster.Redis.Password,
			DB:       cfg.Cluster.Redis.DB,
		})
		c.redis = rdb
		c.Cluster = streaming.NewClusterBridge(rdb, cfg.Cluster.Redis, hub, streaming.WithClusterBridgeLogger(logger))
		c.subs = append(c.subs, c.Cluster.Subscribe(b)...)
	}

	c.subs = append(c.subs, agg.Subscribe(b)...)
	c.subs = append(c.subs, tracker.Subscribe(b)...)
	c.subs = append(c.subs, routingSub.Subscribe()...)
	c.subs = append(c.subs, jrn.Subscribe(b)...)
	c.subs = append(c.subs, qs.Subscribe(b)...)
	c.subs = append(c.subs, hub.Subscribe(b)...)

	queryCtx, cancel := context.WithCancel(context.Background())
	c.cancelQuery = cancel
	go func() {
		defer close(c.runDone)
		qs.Run(queryCtx)
	}()

	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			logger.Error(ctx, "runtimecore: streaming server exited", "error", err.Error())
		}
	}()

	singleton = c
	return c, nil
}

// Shutdown tears the active runtime down in reverse dependency order:
// Streaming Server → Coordinator → Router Subscriber → Fleet Tracker →
// Metrics Aggregator → Event Bus (SPEC_FULL §5). It is safe to call more
// than once; subsequent calls are no-ops.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	c := singleton
	singleton = nil
	mu.Unlock()
	if c == nil {
		return nil
	}

	// Streaming Server: ListenAndServe's own ctx (passed by the caller of
	// Initialize) governs the accept loop's lifetime; Shutdown does not
	// forcibly close live WebSocket connections. The Coordinator has no
	// globally running state of its own between Execute calls — each
	// in-flight Execute owns its own cancellation via the ctx the caller
	// passed it — so there is nothing coordinator-level left to cancel
	// here beyond unsubscribing it below.

	for i := len(c.subs) - 1; i >= 0; i-- {
		c.subs[i].Close()
	}

	if c.Cluster != nil {
		if err := c.Cluster.Close(); err != nil {
			return fmt.Errorf("runtimecore: close cluster bridge: %w", err)
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			return fmt.Errorf("runtimecore: close redis client: %w", err)
		}
	}

	c.cancelQuery()
	<-c.runDone
	c.QueryStore.Close(ctx)
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("runtimecore: close querystore db: %w", err)
	}

	if err := c.Journal.Close(); err != nil {
		return fmt.Errorf("runtimecore: close journal: %w", err)
	}

	c.Bus.Close()
	return nil
}

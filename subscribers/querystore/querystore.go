// Package querystore implements the Query Store Subscriber (C9b): a
// Postgres-backed, queryable index of every event, batched and flushed on
// a ticker rather than written one row per event (spec §6 "query-store
// subscriber contract").
package querystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fleetops/agentops/bus"
	"github.com/fleetops/agentops/events"
	"github.com/fleetops/agentops/telemetry"
)

// Schema is the DDL the query store expects to already exist (spec §6:
// "indexed by session_id, agent, event_type, timestamp"). Migrations are
// the operator's responsibility; the subscriber only ever inserts.
const Schema = `
CREATE TABLE IF NOT EXISTS agentops_events (
	id         BIGSERIAL PRIMARY KEY,
	event_type TEXT NOT NULL,
	session_id TEXT NOT NULL,
	trace_id   TEXT NOT NULL,
	agent      TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL,
	payload    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS agentops_events_session_idx ON agentops_events (session_id);
CREATE INDEX IF NOT EXISTS agentops_events_agent_idx ON agentops_events (agent);
CREATE INDEX IF NOT EXISTS agentops_events_type_idx ON agentops_events (event_type);
CREATE INDEX IF NOT EXISTS agentops_events_occurred_idx ON agentops_events (occurred_at);
`

// Config controls batching.
type Config struct {
	BatchSize     int           // flush once this many rows are queued; 0 uses a sensible default
	FlushInterval time.Duration // flush at least this often regardless of batch size; 0 uses a sensible default
	MaxRetries    int           // retries on flush failure before the batch is dropped; 0 uses a sensible default
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

type row struct {
	eventType  string
	sessionID  string
	traceID    string
	agent      string
	occurredAt time.Time
	payload    []byte
}

// Subscriber is the C9b Query Store Subscriber. It never returns an error
// from HandleEvent: rows are queued in memory and flushed by a background
// goroutine, and a failed flush is retried with backoff and ultimately
// dropped and counted rather than surfaced to the bus, since this
// external analytics store's query failures are explicitly out of scope
// for core correctness (spec.md §1).
type Subscriber struct {
	db  *sqlx.DB
	cfg Config

	mu       sync.Mutex
	buf      []row
	closed   bool
	flushNow chan struct{}
	done     chan struct{}

	droppedRows int64
	flushErrors int64

	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// Option configures a Subscriber at construction.
type Option func(*Subscriber)

// WithLogger overrides the default no-op logger.
func WithLogger(l telemetry.Logger) Option { return func(s *Subscriber) { s.logger = l } }

// WithMetrics overrides the default no-op metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(s *Subscriber) { s.metrics = m } }

// New constructs a Subscriber writing through db. Callers own db's
// lifecycle; New does not open or close a connection itself. Run must be
// started in a goroutine for batches to actually flush.
func New(db *sqlx.DB, cfg Config, opts ...Option) *Subscriber {
	s := &Subscriber{
		db:       db,
		cfg:      cfg.withDefaults(),
		flushNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers the subscriber against every event type in the
// closed catalog (spec §6: "receives every event").
func (s *Subscriber) Subscribe(b bus.Bus) []bus.Subscription {
	handler := bus.HandlerFunc(s.HandleEvent)
	types := events.AllTypes()
	subs := make([]bus.Subscription, 0, len(types))
	for _, et := range types {
		subs = append(subs, b.Subscribe(et, handler))
	}
	return subs
}

// HandleEvent queues evt for the next batch flush. It always returns nil.
func (s *Subscriber) HandleEvent(ctx context.Context, evt events.Event) error {
	payload, err := json.Marshal(evt.Payload())
	if err != nil {
		s.recordError(ctx, "marshal", err)
		return nil
	}

	r := row{
		eventType:  string(evt.Type()),
		sessionID:  evt.SessionID(),
		traceID:    evt.TraceID(),
		agent:      agentNameOf(evt),
		occurredAt: evt.Timestamp(),
		payload:    payload,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.buf = append(s.buf, r)
	shouldFlush := len(s.buf) >= s.cfg.BatchSize
	s.mu.Unlock()

	if shouldFlush {
		select {
		case s.flushNow <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run drives the periodic and size-triggered flush loop until ctx is
// canceled. Callers launch it in its own goroutine.
func (s *Subscriber) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			return
		case <-ticker.C:
			s.flush(ctx)
		case <-s.flushNow:
			s.flush(ctx)
		}
	}
}

// Close flushes any buffered rows synchronously and marks the subscriber
// closed to further writes. It does not stop a running Run loop; cancel
// the context passed to Run for that.
func (s *Subscriber) Close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.flush(ctx)
}

// DroppedRows reports rows that were ultimately discarded after exhausting retries.
func (s *Subscriber) DroppedRows() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedRows
}

func (s *Subscriber) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	backoff := 10 * time.Millisecond
	var err error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if err = s.insertBatch(ctx, batch); err == nil {
			s.metrics.IncCounter("querystore.rows_flushed", float64(len(batch)))
			return
		}
		if attempt == s.cfg.MaxRetries {
			break
		}
		s.logger.Warn(ctx, "querystore: flush attempt failed, retrying", "attempt", attempt, "error", err.Error())
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			backoff = 0
		}
		backoff *= 2
	}

	s.recordError(ctx, "flush", err)
	s.mu.Lock()
	s.droppedRows += int64(len(batch))
	s.mu.Unlock()
	s.metrics.IncCounter("querystore.rows_dropped", float64(len(batch)))
}

func (s *Subscriber) insertBatch(ctx context.Context, batch []row) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO agentops_events (event_type, session_id, trace_id, agent, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range batch {
		if _, err := stmt.ExecContext(ctx, r.eventType, r.sessionID, r.traceID, r.agent, r.occurredAt, string(r.payload)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Subscriber) recordError(ctx context.Context, op string, err error) {
	s.mu.Lock()
	s.flushErrors++
	s.mu.Unlock()
	s.metrics.IncCounter("querystore.errors", 1, "op", op)
	s.logger.Warn(ctx, "querystore: operation failed", "op", op, "error", err.Error())
}

// agentNameOf extracts the agent name a row should be indexed under, if
// the event's payload carries one (spec §6: "indexed by ... agent").
func agentNameOf(evt events.Event) string {
	switch p := evt.Payload().(type) {
	case events.AgentInvokedPayload:
		return p.AgentName
	case events.AgentCompletedPayload:
		return p.AgentName
	case events.AgentFailedPayload:
		return p.AgentName
	case events.ToolInvokedPayload:
		return p.AgentName
	default:
		return ""
	}
}

package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/fleetops/agentops/bus"
	"github.com/fleetops/agentops/events"
	"github.com/fleetops/agentops/telemetry"
)

// systemSessionID tags events the server raises about its own operation
// (e.g. listener failures) rather than about any particular client session.
const systemSessionID = "unknown"

// Config configures the Streaming Server (spec §6 "streaming" config
// block).
type Config struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	MaxConnections  int           `yaml:"max_connections" mapstructure:"max_connections"`
	SendQueueMax    int           `yaml:"send_queue_max" mapstructure:"send_queue_max"`
	ClientGraceMs   int64         `yaml:"client_grace_ms" mapstructure:"client_grace_ms"`
	ControlFrameRPS float64       `yaml:"control_frame_rps" mapstructure:"control_frame_rps"`
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max" mapstructure:"retry_backoff_max"`
}

// Server hosts the Streaming Server's HTTP/WebSocket surface: connection
// accept, control-message handling, and the shared /healthz, /readyz, and
// /metrics endpoints (SPEC_FULL §4.2).
type Server struct {
	cfg    Config
	hub    *Hub
	bus    bus.Bus
	router chi.Router
	http   *http.Server

	upgrader websocket.Upgrader
	breaker  *gobreaker.CircuitBreaker

	logger telemetry.Logger

	mu          sync.Mutex
	activeConns int

	ready int32
}

// Option configures a Server at construction.
type Option func(*Server)

// WithLogger overrides the default no-op logger.
func WithLogger(l telemetry.Logger) Option { return func(s *Server) { s.logger = l } }

// WithBus gives the Server an Event Bus to publish error.raised events onto
// when the listener itself fails (spec §4.2 "global failures ... publish an
// error event and retry with exponential backoff"). Without a bus, accept
// failures are still retried but only logged.
func WithBus(b bus.Bus) Option { return func(s *Server) { s.bus = b } }

// WithMetricsHandler mounts h at /metrics (typically
// promhttp.HandlerFor(promMetrics.Registry(), ...)).
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.router.Handle("/metrics", h) }
}

// NewServer constructs a Server backed by hub for event dispatch.
func NewServer(cfg Config, hub *Hub, opts ...Option) *Server {
	if cfg.SendQueueMax <= 0 {
		cfg.SendQueueMax = 256
	}
	if cfg.ClientGraceMs <= 0 {
		cfg.ClientGraceMs = 5000
	}
	if cfg.ControlFrameRPS <= 0 {
		cfg.ControlFrameRPS = 5
	}
	if cfg.RetryBackoffMax <= 0 {
		cfg.RetryBackoffMax = 30 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		hub:    hub,
		router: chi.NewRouter(),
		logger: telemetry.NewNoopLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "streaming-listener",
		Timeout: cfg.RetryBackoffMax,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	s.router.Use(middleware.Recoverer)
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/stream", s.handleStream)

	for _, opt := range opts {
		opt(s)
	}

	s.http = &http.Server{Handler: s.router}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if atomic.LoadInt32(&s.ready) == 1 {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleStream upgrades the HTTP connection to a WebSocket and runs the
// per-connection read/write pumps until the client disconnects (spec
// §4.2 "accept remote subscriber connections").
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.cfg.MaxConnections > 0 && s.activeConns >= s.cfg.MaxConnections {
		s.mu.Unlock()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	s.activeConns++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.activeConns--
		s.mu.Unlock()
	}()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "streaming: websocket upgrade failed", "error", err.Error())
		return
	}

	client := NewClient(uuid.NewString(), s.cfg.SendQueueMax, time.Now())
	s.hub.Register(client)
	limiter := rate.NewLimiter(rate.Limit(s.cfg.ControlFrameRPS), int(s.cfg.ControlFrameRPS)+1)

	go s.writePump(conn, client)
	s.readPump(conn, client, limiter)
}

// writePump drains a client's outbox onto the WebSocket connection until
// the client is closed or the connection errors (grounded on the
// teacher-adjacent writePump/readPump split used throughout the reference
// corpus's own WebSocket transport).
func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	defer conn.Close()
	for {
		select {
		case frame, ok := <-client.Outbox():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				client.Disconnecting()
				s.hub.Remove(client.ID)
				return
			}
		case <-client.Done():
			return
		}
	}
}

// readPump parses client control frames (spec §6 "subscribe" /
// "unsubscribe" / "ping") and enforces the subscribe grace period and
// per-connection control-frame rate limit.
func (s *Server) readPump(conn *websocket.Conn, client *Client, limiter *rate.Limiter) {
	defer func() {
		s.hub.Remove(client.ID)
		conn.Close()
	}()

	grace := time.Duration(s.cfg.ClientGraceMs) * time.Millisecond
	graceTimer := time.AfterFunc(grace, func() {
		if client.State() == StateConnected {
			client.Disconnecting()
			_ = conn.Close()
		}
	})
	defer graceTimer.Stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			client.Disconnecting()
			return
		}
		if !limiter.Allow() {
			continue
		}

		var env clientEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.sendError(conn, "UnknownMessage")
			return
		}

		switch env.Type {
		case MsgSubscribe:
			var msg ClientSubscribeFrame
			if err := json.Unmarshal(raw, &msg); err != nil {
				s.sendError(conn, "UnknownMessage")
				return
			}
			client.Subscribe(msg.Filters)
		case MsgUnsubscribe:
			client.Unsubscribe()
		case MsgPing:
			s.sendPong(conn)
		default:
			s.sendError(conn, "UnknownMessage")
			return
		}
	}
}

func (s *Server) sendPong(conn *websocket.Conn) {
	b, err := json.Marshal(ServerPongFrame{Type: MsgPong, T: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Server) sendError(conn *websocket.Conn, kind string) {
	b, err := json.Marshal(ServerErrorFrame{Type: MsgError, Kind: kind})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

// ListenAndServe starts the HTTP listener. Accept failures are retried
// with exponential backoff bounded by cfg.RetryBackoffMax; the retry loop
// is itself guarded by a circuit breaker so a persistently failing
// listener stops hot-looping and instead sits at the backoff ceiling
// (spec §4.2 "global failures ... retry with exponential backoff bounded
// by a configurable ceiling").
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.http.Addr = addr
	atomic.StoreInt32(&s.ready, 1)

	rl := &retryingListener{Listener: lis, breaker: s.breaker, maxBackoff: s.cfg.RetryBackoffMax, logger: s.logger, bus: s.bus}
	go func() {
		<-ctx.Done()
		atomic.StoreInt32(&s.ready, 0)
		_ = s.http.Close()
	}()
	err = s.http.Serve(rl)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// retryingListener wraps a net.Listener so transient Accept errors are
// retried with exponential backoff instead of propagating up and killing
// the server, matching spec §4.2's "global failures ... retry" rule. The
// breaker trips after repeated consecutive failures, holding retries at
// the backoff ceiling until accept calls start succeeding again.
type retryingListener struct {
	net.Listener
	breaker    *gobreaker.CircuitBreaker
	maxBackoff time.Duration
	logger     telemetry.Logger
	bus        bus.Bus

	mu      sync.Mutex
	backoff time.Duration
}

func (l *retryingListener) Accept() (net.Conn, error) {
	for {
		result, err := l.breaker.Execute(func() (interface{}, error) {
			return l.Listener.Accept()
		})
		if err == nil {
			l.mu.Lock()
			l.backoff = 0
			l.mu.Unlock()
			return result.(net.Conn), nil
		}
		if ne, ok := err.(net.Error); !ok || !ne.Temporary() {
			return nil, err
		}

		l.mu.Lock()
		if l.backoff == 0 {
			l.backoff = 5 * time.Millisecond
		} else {
			l.backoff *= 2
		}
		if l.backoff > l.maxBackoff {
			l.backoff = l.maxBackoff
		}
		wait := l.backoff
		l.mu.Unlock()

		l.logger.Warn(context.Background(), "streaming: listener accept error, retrying", "error", err.Error(), "backoff_ms", wait.Milliseconds())
		l.publishErrorRaised(err)
		time.Sleep(wait)
	}
}

// publishErrorRaised reports a listener Accept failure onto the Event Bus
// (spec §4.2 "global failures ... publish an error event"). Best-effort: a
// nil bus or a construction failure just means the event is skipped, never
// that Accept itself fails.
func (l *retryingListener) publishErrorRaised(cause error) {
	if l.bus == nil {
		return
	}
	evt, err := events.New(events.ErrorRaised, systemSessionID, "", events.ErrorPayload{
		Kind:    "streaming.listener_accept_failed",
		Message: cause.Error(),
	})
	if err != nil {
		return
	}
	_ = l.bus.Publish(context.Background(), evt)
}

// Package routing implements the Router Subscriber (C8): the Event Bus
// glue that drives the Model Router from agent lifecycle and cost events,
// publishing its decisions back onto the bus as model.* events (spec
// §4.7).
package routing

import (
	"context"
	"sync"

	"github.com/fleetops/agentops/bus"
	"github.com/fleetops/agentops/events"
	"github.com/fleetops/agentops/router"
	"github.com/fleetops/agentops/telemetry"
)

// CauseQualityFailure is the AgentFailedPayload.Cause value that triggers
// the quality-failure upgrade path (spec §4.7 "On agent.failed with a
// quality-failure cause").
const CauseQualityFailure = "quality_failure"

// pendingInvocation remembers the task type and tier a select_model call
// decided for one in-flight agent invocation, keyed by the invoking
// event's TraceID so a later agent.failed on the same causal chain can
// recover them without agent.failed itself needing to carry routing
// context (spec §3: "Two events sharing TraceID form a causal chain").
type pendingInvocation struct {
	TaskType string
	Tier     router.Tier
}

type sessionBudget struct {
	warned   bool
	exceeded bool
}

// Subscriber is the C8 Router Subscriber.
type Subscriber struct {
	b   bus.Bus
	rtr *router.Router

	mu      sync.Mutex
	pending map[string]pendingInvocation
	budgets map[string]*sessionBudget

	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// Option configures a Subscriber at construction.
type Option func(*Subscriber)

// WithLogger overrides the default no-op logger.
func WithLogger(l telemetry.Logger) Option { return func(s *Subscriber) { s.logger = l } }

// WithMetrics overrides the default no-op metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(s *Subscriber) { s.metrics = m } }

// New constructs a Subscriber bound to b and driving rtr.
func New(b bus.Bus, rtr *router.Router, opts ...Option) *Subscriber {
	s := &Subscriber{
		b:       b,
		rtr:     rtr,
		pending: make(map[string]pendingInvocation),
		budgets: make(map[string]*sessionBudget),
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe wires the subscriber's handler into b for every event type it
// reacts to.
func (s *Subscriber) Subscribe() []bus.Subscription {
	handler := bus.HandlerFunc(s.handleEvent)
	types := []events.EventType{
		events.AgentInvoked,
		events.AgentCompleted,
		events.AgentFailed,
		events.CostBudgetWarning,
		events.CostBudgetExceeded,
		events.SessionEnded,
	}
	subs := make([]bus.Subscription, 0, len(types))
	for _, et := range types {
		subs = append(subs, s.b.Subscribe(et, handler))
	}
	return subs
}

func (s *Subscriber) handleEvent(ctx context.Context, evt events.Event) error {
	switch evt.Type() {
	case events.AgentInvoked:
		s.handleAgentInvoked(ctx, evt)
	case events.AgentCompleted:
		s.clearPending(evt.TraceID())
	case events.AgentFailed:
		s.handleAgentFailed(ctx, evt)
	case events.CostBudgetWarning:
		s.setBudgetState(evt.SessionID(), false)
	case events.CostBudgetExceeded:
		s.setBudgetState(evt.SessionID(), true)
	case events.SessionEnded:
		s.clearBudgetState(evt.SessionID())
	}
	return nil
}

func (s *Subscriber) handleAgentInvoked(ctx context.Context, evt events.Event) {
	payload, ok := evt.Payload().(events.AgentInvokedPayload)
	if !ok {
		return
	}
	task := router.TaskDescriptor{
		Type:          payload.TaskType,
		ContextTokens: payload.ContextTokens,
		Files:         payload.Files,
	}

	warned, exceeded := s.budgetState(evt.SessionID())

	var (
		decision router.Decision
		err      error
	)
	switch {
	case exceeded:
		decision, err = s.rtr.SelectFreeModel(ctx, task)
		if err == nil {
			if natural, natErr := s.rtr.SelectModel(ctx, task, nil); natErr == nil && natural.Tier != decision.Tier {
				s.publishDegraded(ctx, evt, payload.TaskType, natural.Tier, decision.Tier)
			}
		}
	case warned:
		decision, err = s.rtr.SelectModelPreferFree(ctx, task, nil)
	default:
		decision, err = s.rtr.SelectModel(ctx, task, nil)
	}
	if err != nil {
		s.logger.Warn(ctx, "routing: select_model failed", "task_type", payload.TaskType, "error", err.Error())
		return
	}

	s.mu.Lock()
	s.pending[evt.TraceID()] = pendingInvocation{TaskType: payload.TaskType, Tier: decision.Tier}
	s.mu.Unlock()

	s.publish(ctx, events.ModelSelected, evt.SessionID(), evt.TraceID(), events.ModelSelectedPayload{
		Model:           decision.Model,
		Tier:            string(decision.Tier),
		ComplexityScore: decision.ComplexityScore,
		RoutingReason:   decision.RoutingReason,
		FreeTier:        decision.FreeTier,
	})
}

func (s *Subscriber) handleAgentFailed(ctx context.Context, evt events.Event) {
	payload, ok := evt.Payload().(events.AgentFailedPayload)
	if !ok || payload.Cause != CauseQualityFailure {
		return
	}

	s.mu.Lock()
	pending, found := s.pending[evt.TraceID()]
	if found {
		delete(s.pending, evt.TraceID())
	}
	s.mu.Unlock()
	if !found {
		s.logger.Debug(ctx, "routing: agent.failed quality-failure with no matching invocation", "agent_name", payload.AgentName)
		return
	}

	s.rtr.RecordFailure(pending.TaskType, pending.Tier)
	next := s.rtr.UpgradeTier(ctx, pending.Tier, CauseQualityFailure)

	s.publish(ctx, events.ModelTierUpgraded, evt.SessionID(), evt.TraceID(), events.ModelTierUpgradedPayload{
		TaskType: pending.TaskType,
		FromTier: string(pending.Tier),
		ToTier:   string(next),
		Reason:   CauseQualityFailure,
	})
}

func (s *Subscriber) publishDegraded(ctx context.Context, evt events.Event, taskType string, requested, applied router.Tier) {
	s.publish(ctx, events.ModelDegraded, evt.SessionID(), evt.TraceID(), events.ModelDegradedPayload{
		SessionID:     evt.SessionID(),
		TaskType:      taskType,
		RequestedTier: string(requested),
		AppliedTier:   string(applied),
	})
}

func (s *Subscriber) publish(ctx context.Context, eventType events.EventType, sessionID, traceID string, payload any) {
	evt, err := events.New(eventType, sessionID, traceID, payload)
	if err != nil {
		s.logger.Warn(ctx, "routing: failed to construct event", "event_type", string(eventType), "error", err.Error())
		return
	}
	if err := s.b.Publish(ctx, evt); err != nil {
		s.logger.Warn(ctx, "routing: failed to publish event", "event_type", string(eventType), "error", err.Error())
	}
}

func (s *Subscriber) clearPending(traceID string) {
	s.mu.Lock()
	delete(s.pending, traceID)
	s.mu.Unlock()
}

func (s *Subscriber) budgetState(sessionID string) (warned, exceeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[sessionID]
	if !ok {
		return false, false
	}
	return b.warned, b.exceeded
}

func (s *Subscriber) setBudgetState(sessionID string, exceeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[sessionID]
	if !ok {
		b = &sessionBudget{}
		s.budgets[sessionID] = b
	}
	b.warned = true
	if exceeded {
		b.exceeded = true
	}
}

func (s *Subscriber) clearBudgetState(sessionID string) {
	s.mu.Lock()
	delete(s.budgets, sessionID)
	s.mu.Unlock()
}

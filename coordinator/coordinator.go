package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/fleetops/agentops/bus"
	"github.com/fleetops/agentops/events"
	"github.com/fleetops/agentops/telemetry"
)

// ErrUnknownAgent is returned when a task names an agent with no registered
// handler (spec §9 design notes "Reflection-like introspection" ->
// "the coordinator refuses unknown agent names with UnknownAgent").
var ErrUnknownAgent = errors.New("coordinator: unknown agent")

// AgentHandler executes one Agent Task. It receives a read-only view of
// completed predecessors' results keyed by task_id (spec §4.5 "Per-task
// handler contract"). Implementations must honor ctx cancellation
// cooperatively; the coordinator never forcibly aborts a handler (spec §9).
type AgentHandler func(ctx context.Context, task *Task, predecessors map[string]any) (Result, error)

// Config configures a Coordinator (spec §6 "coordinator").
type Config struct {
	MaxParallel   int   `yaml:"max_parallel" mapstructure:"max_parallel"`
	TaskTimeoutMs int64 `yaml:"task_timeout_ms" mapstructure:"task_timeout_ms"`
}

// Coordinator is the C6 Agent Coordinator.
type Coordinator struct {
	bus      bus.Bus
	handlers map[string]AgentHandler
	cfg      Config

	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

// WithLogger overrides the default no-op logger.
func WithLogger(l telemetry.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithMetrics overrides the default no-op metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// New constructs a Coordinator backed by b for event emission. MaxParallel
// <= 0 defaults to runtime.NumCPU() (spec §4.5 "default = number of
// cores").
func New(b bus.Bus, cfg Config, opts ...Option) *Coordinator {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = runtime.NumCPU()
	}
	c := &Coordinator{
		bus:      b,
		handlers: make(map[string]AgentHandler),
		cfg:      cfg,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterAgent associates agentName with handler. Registering the same
// name twice replaces the previous handler.
func (c *Coordinator) RegisterAgent(agentName string, handler AgentHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[agentName] = handler
}

// Cancel requests cooperative cancellation of a running workflow (spec
// §4.5 "cancel(workflow_id)"). It is a no-op if the workflow is not
// currently executing.
func (c *Coordinator) Cancel(workflowID string) {
	c.mu.Lock()
	cancel, ok := c.cancels[workflowID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// Execute runs wf to completion: validates the DAG, then executes tasks
// phase by phase (SCOUT, PLAN, BUILD) with bounded intra-phase parallelism,
// publishing lifecycle events onto the bus throughout (spec §4.5).
func (c *Coordinator) Execute(ctx context.Context, wf *Workflow) (*Outcome, error) {
	if err := validateDAG(wf); err != nil {
		return nil, err
	}
	for _, id := range wf.order {
		if _, ok := c.handlers[wf.Tasks[id].AgentName]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, wf.Tasks[id].AgentName)
		}
	}

	wfCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancels[wf.WorkflowID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, wf.WorkflowID)
		c.mu.Unlock()
		cancel()
	}()

	c.publish(wfCtx, events.WorkflowStarted, wf.WorkflowID, events.WorkflowPayload{
		WorkflowID: wf.WorkflowID,
		TaskCount:  len(wf.order),
	})

	for _, phase := range phaseOrder {
		phaseTasks := wf.tasksInPhase(phase)
		if len(phaseTasks) == 0 {
			continue
		}
		c.publish(wfCtx, events.PhaseStarted, wf.WorkflowID, events.PhasePayload{
			WorkflowID: wf.WorkflowID,
			Phase:      string(phase),
		})
		c.runPhase(wfCtx, wf, phaseTasks)
		c.publish(wfCtx, events.PhaseCompleted, wf.WorkflowID, events.PhasePayload{
			WorkflowID: wf.WorkflowID,
			Phase:      string(phase),
		})
		if wfCtx.Err() != nil {
			break
		}
	}
	c.cancelUnstartedTasks(wfCtx, wf)

	outcome := c.summarize(wf)
	if outcome.Status == StatusCompleted {
		c.publish(wfCtx, events.WorkflowCompleted, wf.WorkflowID, events.WorkflowPayload{
			WorkflowID: wf.WorkflowID,
			TaskCount:  len(wf.order),
			Result:     string(outcome.Status),
		})
	} else {
		c.publish(wfCtx, events.WorkflowFailed, wf.WorkflowID, events.WorkflowPayload{
			WorkflowID: wf.WorkflowID,
			TaskCount:  len(wf.order),
			Error:      fmt.Sprintf("workflow ended with status %s", outcome.Status),
		})
	}
	return outcome, nil
}

// runPhase executes every task in phaseTasks whose dependencies are
// satisfied, fanning out up to cfg.MaxParallel at a time, cascading
// CANCELLED to tasks whose dependency FAILED or CANCELLED (spec §4.5).
// Tasks that become ready while every slot is taken wait in readyQueue and
// are dispatched FIFO as slots free up (spec §4.5 "Oversubscribed ready
// tasks queue FIFO within phase") rather than in Go's randomized map
// iteration order.
func (c *Coordinator) runPhase(ctx context.Context, wf *Workflow, phaseTasks []*Task) {
	pending := make(map[string]*Task, len(phaseTasks))
	for _, t := range phaseTasks {
		pending[t.TaskID] = t
	}
	queued := make(map[string]bool, len(phaseTasks))
	var readyQueue []*Task

	sem := make(chan struct{}, c.cfg.MaxParallel)
	var wg sync.WaitGroup
	progress := make(chan struct{}, len(phaseTasks)+1)

	// scanReady walks phaseTasks in its fixed declaration order, appending
	// every newly-ready task to the back of readyQueue and cancelling any
	// task whose dependency FAILED or CANCELLED. Tasks that become ready in
	// the same scan are queued in that stable order, so simultaneous
	// readiness still resolves deterministically.
	scanReady := func() {
		for _, t := range phaseTasks {
			if _, ok := pending[t.TaskID]; !ok || queued[t.TaskID] {
				continue
			}
			ready, cascade := dependencyState(wf, t)
			if cascade {
				delete(pending, t.TaskID)
				c.cancelWithoutInvoking(ctx, t)
				continue
			}
			if !ready {
				continue
			}
			delete(pending, t.TaskID)
			queued[t.TaskID] = true
			readyQueue = append(readyQueue, t)
		}
	}

	dispatch := func() {
		scanReady()
		for len(readyQueue) > 0 {
			select {
			case sem <- struct{}{}:
			default:
				return
			}
			t := readyQueue[0]
			readyQueue = readyQueue[1:]
			wg.Add(1)
			go func(t *Task) {
				defer func() {
					<-sem
					wg.Done()
					select {
					case progress <- struct{}{}:
					default:
					}
				}()
				c.runTask(ctx, wf, t)
			}(t)
		}
	}

	dispatch()
	for len(pending) > 0 || len(readyQueue) > 0 {
		select {
		case <-progress:
			dispatch()
		case <-ctx.Done():
			wg.Wait()
			return
		}
	}
	wg.Wait()
}

// dependencyState reports whether t's dependencies are all COMPLETED
// (ready) or whether any has FAILED or CANCELLED (cascade).
func dependencyState(wf *Workflow, t *Task) (ready bool, cascade bool) {
	ready = true
	for _, depID := range t.DependsOn {
		status := wf.Tasks[depID].Status()
		if !isTerminal(status) {
			ready = false
			continue
		}
		if status != StatusCompleted {
			return false, true
		}
	}
	return ready, false
}

// cancelWithoutInvoking transitions t directly to CANCELLED without ever
// calling its agent handler (spec §4.5 "transitioned to CANCELLED without
// invoking the agent").
func (c *Coordinator) cancelWithoutInvoking(ctx context.Context, t *Task) {
	now := time.Now()
	t.setTerminal(StatusCancelled, nil, nil, now)
	c.logger.Debug(ctx, "coordinator: task cancelled (cascade)", "task_id", t.TaskID, "agent", t.AgentName)
}

// cancelUnstartedTasks marks every task still PENDING as CANCELLED once the
// workflow is cut short, e.g. by Cancel or an unhandled phase-level ctx
// cancellation (spec §4.5 "on cancel(workflow_id), no new tasks start").
func (c *Coordinator) cancelUnstartedTasks(ctx context.Context, wf *Workflow) {
	for _, id := range wf.order {
		t := wf.Tasks[id]
		if t.Status() == StatusPending {
			c.cancelWithoutInvoking(ctx, t)
		}
	}
}

// runTask invokes t's registered agent handler and records the outcome.
// The coordinator never forcibly aborts the handler; it only derives a
// context carrying the per-task deadline and the workflow's cancellation
// signal, and interprets how the handler responds to it (spec §9).
func (c *Coordinator) runTask(ctx context.Context, wf *Workflow, t *Task) {
	taskCtx := ctx
	var cancelTimeout context.CancelFunc
	if c.cfg.TaskTimeoutMs > 0 {
		taskCtx, cancelTimeout = context.WithTimeout(ctx, time.Duration(c.cfg.TaskTimeoutMs)*time.Millisecond)
		defer cancelTimeout()
	}

	start := time.Now()
	t.setRunning(start)
	c.publish(ctx, events.AgentInvoked, wf.WorkflowID, events.AgentInvokedPayload{AgentName: t.AgentName})

	predecessors := make(map[string]any, len(t.DependsOn))
	for _, depID := range t.DependsOn {
		predecessors[depID] = wf.Tasks[depID].Result()
	}

	handler := c.handlers[t.AgentName]
	result, err := handler(taskCtx, t, predecessors)
	finish := time.Now()
	durationMs := finish.Sub(start).Milliseconds()

	switch {
	case err == nil:
		t.setTerminal(StatusCompleted, result.Value, nil, finish)
		c.metrics.RecordTimer("coordinator.task_duration", finish.Sub(start), "agent", t.AgentName, "status", "completed")
		c.publish(ctx, events.AgentCompleted, wf.WorkflowID, events.AgentCompletedPayload{
			AgentName:  t.AgentName,
			DurationMs: durationMs,
			Tokens:     result.Tokens,
			Cost:       result.Cost,
			Model:      result.Model,
		})
	case errors.Is(err, context.DeadlineExceeded):
		timeoutErr := fmt.Errorf("%w: %s", ErrTaskTimeout, t.TaskID)
		t.setTerminal(StatusFailed, nil, timeoutErr, finish)
		c.metrics.RecordTimer("coordinator.task_duration", finish.Sub(start), "agent", t.AgentName, "status", "timeout")
		c.publish(ctx, events.AgentFailed, wf.WorkflowID, events.AgentFailedPayload{
			AgentName:    t.AgentName,
			ErrorKind:    "Timeout",
			ErrorMessage: timeoutErr.Error(),
			DurationMs:   durationMs,
		})
	case errors.Is(err, context.Canceled):
		t.setTerminal(StatusCancelled, nil, err, finish)
		c.logger.Debug(ctx, "coordinator: task honored cancellation", "task_id", t.TaskID, "agent", t.AgentName)
	default:
		t.setTerminal(StatusFailed, nil, err, finish)
		c.metrics.RecordTimer("coordinator.task_duration", finish.Sub(start), "agent", t.AgentName, "status", "failed")
		c.publish(ctx, events.AgentFailed, wf.WorkflowID, events.AgentFailedPayload{
			AgentName:    t.AgentName,
			ErrorKind:    "TaskFailure",
			ErrorMessage: err.Error(),
			DurationMs:   durationMs,
		})
	}
}

// summarize builds an Outcome and the workflow's overall status (spec
// §4.5 "Workflow status becomes FAILED if any task is FAILED, CANCELLED
// otherwise, COMPLETED if all succeeded").
func (c *Coordinator) summarize(wf *Workflow) *Outcome {
	outcome := &Outcome{WorkflowID: wf.WorkflowID, Tasks: make([]TaskOutcome, 0, len(wf.order))}
	anyFailed := false
	anyCancelled := false
	allCompleted := true
	for _, id := range wf.order {
		t := wf.Tasks[id]
		status := t.Status()
		to := TaskOutcome{TaskID: id, Status: status}
		if status != StatusCompleted {
			allCompleted = false
		}
		if status == StatusFailed {
			anyFailed = true
			if err := t.Err(); err != nil {
				to.Error = err.Error()
			}
		}
		if status == StatusCancelled {
			anyCancelled = true
		}
		if !t.StartedAt().IsZero() && !t.FinishedAt().IsZero() {
			to.DurationMs = t.FinishedAt().Sub(t.StartedAt()).Milliseconds()
		}
		outcome.Tasks = append(outcome.Tasks, to)
	}
	switch {
	case allCompleted:
		outcome.Status = StatusCompleted
	case anyFailed:
		outcome.Status = StatusFailed
	case anyCancelled:
		outcome.Status = StatusCancelled
	default:
		outcome.Status = StatusFailed
	}
	wf.setStatus(outcome.Status)
	return outcome
}

func (c *Coordinator) publish(ctx context.Context, eventType events.EventType, sessionID string, payload any) {
	evt, err := events.New(eventType, sessionID, "", payload)
	if err != nil {
		c.logger.Warn(ctx, "coordinator: dropped invalid event", "event_type", string(eventType), "error", err.Error())
		return
	}
	_ = c.bus.Publish(ctx, evt)
}

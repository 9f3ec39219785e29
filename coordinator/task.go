// Package coordinator implements the Agent Coordinator (spec §4.5): a
// dependency-resolving executor for Scout->Plan->Build workflows with
// phase ordering, bounded intra-phase parallelism, cascade cancellation,
// and per-task deadlines.
package coordinator

import (
	"errors"
	"sync"
	"time"
)

// Phase is one of the three fixed execution phases (spec §3, Glossary
// "Scout-Plan-Build").
type Phase string

const (
	PhaseScout Phase = "SCOUT"
	PhasePlan  Phase = "PLAN"
	PhaseBuild Phase = "BUILD"
)

// phaseOrder is the fixed execution order (spec §4.5 "phase-ordered").
var phaseOrder = []Phase{PhaseScout, PhasePlan, PhaseBuild}

// Status is a task's lifecycle state (spec §3 "Agent Task").
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// ErrTaskTimeout is the error recorded on a task that exceeded its
// per-task deadline (spec §7 "Timeout").
var ErrTaskTimeout = errors.New("coordinator: task timeout")

// Result is what an AgentHandler returns on success. Tokens/Cost/Model are
// optional and feed the agent.completed event payload (spec §6).
type Result struct {
	Value  any
	Tokens *int
	Cost   *float64
	Model  string
}

// Task is one unit of work in a Workflow (spec §3 "Agent Task"). Fields are
// set at construction except the mutable execution state guarded by mu.
type Task struct {
	TaskID    string
	AgentName string
	Phase     Phase
	Spec      any
	DependsOn []string

	mu         sync.Mutex
	status     Status
	result     any
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

// NewTask constructs a Task in PENDING status.
func NewTask(taskID, agentName string, phase Phase, spec any, dependsOn ...string) *Task {
	return &Task{
		TaskID:    taskID,
		AgentName: agentName,
		Phase:     phase,
		Spec:      spec,
		DependsOn: dependsOn,
		status:    StatusPending,
	}
}

// Status returns the task's current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Result returns the task's stored result, valid once Status is COMPLETED.
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the task's stored error, valid once Status is FAILED.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// StartedAt returns when the task transitioned to RUNNING (zero if never
// started).
func (t *Task) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

// FinishedAt returns when the task reached a terminal status (zero if not
// yet terminal).
func (t *Task) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

func (t *Task) setRunning(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusRunning
	t.startedAt = at
}

func (t *Task) setTerminal(status Status, result any, err error, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	t.result = result
	t.err = err
	t.finishedAt = at
}

// isTerminal reports whether status is one a task never leaves (spec §3
// "Agent Task" invariant).
func isTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Workflow is a DAG of Tasks sharing a workflow_id (spec §3 "Workflow").
type Workflow struct {
	WorkflowID string
	Tasks      map[string]*Task
	order      []string // insertion order, for deterministic iteration

	mu     sync.Mutex
	status Status
}

// NewWorkflow constructs an empty Workflow.
func NewWorkflow(workflowID string) *Workflow {
	return &Workflow{
		WorkflowID: workflowID,
		Tasks:      make(map[string]*Task),
		status:     StatusPending,
	}
}

// AddTask adds a task to the workflow. Caller must ensure task_id is unique
// (spec §3 "no two tasks share an id"); Execute re-validates this.
func (w *Workflow) AddTask(t *Task) {
	w.Tasks[t.TaskID] = t
	w.order = append(w.order, t.TaskID)
}

// Status returns the workflow's overall status, valid once Execute returns.
func (w *Workflow) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Workflow) setStatus(s Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = s
}

func (w *Workflow) tasksInPhase(phase Phase) []*Task {
	out := make([]*Task, 0, len(w.order))
	for _, id := range w.order {
		if t := w.Tasks[id]; t.Phase == phase {
			out = append(out, t)
		}
	}
	return out
}

// TaskOutcome is one task's final state, part of Outcome (spec §7 "a failed
// workflow returns a structured summary enumerating each task's final
// status and its error message").
type TaskOutcome struct {
	TaskID     string
	Status     Status
	Error      string
	DurationMs int64
}

// Outcome summarizes a finished workflow execution.
type Outcome struct {
	WorkflowID string
	Status     Status
	Tasks      []TaskOutcome
}

package coordinator

import (
	"errors"
	"fmt"
)

// ErrUnknownDependency is returned when a task's DependsOn names a task_id
// not present in the same workflow (spec §4.5 pre-execution validation).
var ErrUnknownDependency = errors.New("coordinator: unknown dependency")

// ErrCircularDependency is returned when the dependency graph contains a
// cycle (spec §4.5 pre-execution validation).
var ErrCircularDependency = errors.New("coordinator: circular dependency")

// ErrDuplicateTaskID is returned when two tasks in the same workflow share
// a task_id (spec §3 "Workflow" invariant).
var ErrDuplicateTaskID = errors.New("coordinator: duplicate task id")

type dfsColor int

const (
	white dfsColor = iota
	gray
	black
)

// validateDAG checks spec §4.5's pre-execution invariants: every
// dependency target exists, no two tasks share an id, and the graph is
// acyclic, detected via three-color DFS (grey->grey edge reports a cycle).
func validateDAG(wf *Workflow) error {
	seen := make(map[string]bool, len(wf.order))
	for _, id := range wf.order {
		if seen[id] {
			return fmt.Errorf("%w: %q", ErrDuplicateTaskID, id)
		}
		seen[id] = true
	}
	for _, id := range wf.order {
		t := wf.Tasks[id]
		for _, dep := range t.DependsOn {
			if _, ok := wf.Tasks[dep]; !ok {
				return fmt.Errorf("%w: task %q depends on unknown task %q", ErrUnknownDependency, id, dep)
			}
		}
	}

	colors := make(map[string]dfsColor, len(wf.order))
	var visit func(id string) error
	visit = func(id string) error {
		colors[id] = gray
		for _, dep := range wf.Tasks[id].DependsOn {
			switch colors[dep] {
			case gray:
				return fmt.Errorf("%w: cycle through %q -> %q", ErrCircularDependency, id, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case black:
				// already fully explored, no cycle through this edge
			}
		}
		colors[id] = black
		return nil
	}
	for _, id := range wf.order {
		if colors[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Package plan turns a session request into a phased task graph.
//
// Phase 1 holds one task per matched capability plus the coordination task and
// runs fully in parallel. Every later phase depends on the phase before it.
// Handler tasks sit outside the phases and run only when a task names them in
// OnFailure or OnSuccess.
package plan

import (
	"fmt"
	"slices"
	"time"

	"github.com/Iron-Ham/sessiond/internal/errors"
)

// TaskStatus is the execution state of a task within a session.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusSkipped   TaskStatus = "skipped"
)

// IsTerminal returns true if the status is final for the current attempt sequence.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// Resolved returns true if dependents may proceed past a task in this status.
func (s TaskStatus) Resolved() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// Task is one unit of work dispatched to a remote worker.
type Task struct {
	ID         string         `json:"id"`
	Worker     string         `json:"worker"`
	TaskType   string         `json:"task_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Timeout    time.Duration  `json:"timeout"`
	MaxRetries int            `json:"max_retries"`
	OnFailure  []string       `json:"on_failure,omitempty"`
	OnSuccess  []string       `json:"on_success,omitempty"`
}

// TaskOutcome records how a task ended.
type TaskOutcome struct {
	TaskID     string         `json:"task_id"`
	Worker     string         `json:"worker"`
	Status     TaskStatus     `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Confidence float64        `json:"confidence"`
	Duration   time.Duration  `json:"duration"`
	Attempts   int            `json:"attempts"`
	Degraded   bool           `json:"degraded,omitempty"`
}

// Plan is the immutable task graph for one session.
type Plan struct {
	SessionID         string          `json:"session_id"`
	Phases            [][]Task        `json:"phases"`
	Handlers          map[string]Task `json:"handlers,omitempty"`
	TotalTasks        int             `json:"total_tasks"`
	EstimatedDuration time.Duration   `json:"estimated_duration"`
}

// Task looks up a phase or handler task by ID.
func (p *Plan) Task(id string) (Task, bool) {
	for _, phase := range p.Phases {
		for _, t := range phase {
			if t.ID == id {
				return t, true
			}
		}
	}
	t, ok := p.Handlers[id]
	return t, ok
}

// Workers returns the distinct workers referenced by phase tasks, in plan order.
func (p *Plan) Workers() []string {
	var workers []string
	for _, phase := range p.Phases {
		for _, t := range phase {
			if !slices.Contains(workers, t.Worker) {
				workers = append(workers, t.Worker)
			}
		}
	}
	return workers
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errors.ErrPlanInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the structural invariants of the plan: unique IDs, known
// predecessors that never sit in a later phase, no predecessors in phase 1,
// an acyclic graph, and resolvable handler references.
func (p *Plan) Validate() error {
	phaseOf := make(map[string]int)
	deps := make(map[string][]string)

	for i, phase := range p.Phases {
		for _, t := range phase {
			if t.ID == "" {
				return invalid("phase %d has a task without an id", i+1)
			}
			if _, dup := phaseOf[t.ID]; dup {
				return invalid("duplicate task id %q", t.ID)
			}
			phaseOf[t.ID] = i
			deps[t.ID] = t.DependsOn
		}
	}

	for id, h := range p.Handlers {
		if id != h.ID {
			return invalid("handler key %q does not match task id %q", id, h.ID)
		}
		if _, dup := phaseOf[id]; dup {
			return invalid("handler %q collides with a phase task", id)
		}
		if len(h.DependsOn) > 0 {
			return invalid("handler %q must not declare predecessors", id)
		}
	}

	for id, ds := range deps {
		for _, d := range ds {
			dp, ok := phaseOf[d]
			if !ok {
				return invalid("task %q depends on unknown task %q", id, d)
			}
			if phaseOf[id] == 0 {
				return invalid("phase 1 task %q must not have predecessors", id)
			}
			if dp > phaseOf[id] {
				return invalid("task %q depends on %q from a later phase", id, d)
			}
		}
	}

	if order := topoOrder(deps); len(order) != len(deps) {
		return invalid("dependency cycle detected")
	}

	check := func(owner string, refs []string) error {
		for _, ref := range refs {
			if _, ok := p.Handlers[ref]; !ok {
				return invalid("task %q references unknown handler %q", owner, ref)
			}
		}
		return nil
	}
	for _, phase := range p.Phases {
		for _, t := range phase {
			if err := check(t.ID, t.OnFailure); err != nil {
				return err
			}
			if err := check(t.ID, t.OnSuccess); err != nil {
				return err
			}
		}
	}
	for _, h := range p.Handlers {
		if len(h.OnFailure) > 0 || len(h.OnSuccess) > 0 {
			return invalid("handler %q must not chain further handlers", h.ID)
		}
	}

	return nil
}

// topoOrder returns the tasks in dependency order using Kahn's algorithm.
// Tasks caught in a cycle never reach in-degree zero and are left out.
func topoOrder(deps map[string][]string) []string {
	inDegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))
	for id := range deps {
		inDegree[id] += 0
	}
	for id, ds := range deps {
		for _, d := range ds {
			if _, ok := deps[d]; ok {
				inDegree[id]++
				dependents[d] = append(dependents[d], id)
			}
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	slices.Sort(queue)

	var order []string
	for len(queue) > 0 {
		order = append(order, queue...)
		var next []string
		for _, id := range queue {
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		slices.Sort(next)
		queue = next
	}
	return order
}

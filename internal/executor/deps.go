package executor

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/sessiond/internal/errors"
	"github.com/Iron-Ham/sessiond/internal/plan"
)

// tracker holds the latest outcome of every task in a run and signals
// waiters whenever one changes.
type tracker struct {
	mu       sync.Mutex
	outcomes map[string]plan.TaskOutcome
	changed  chan struct{}
}

func newTracker() *tracker {
	return &tracker{
		outcomes: make(map[string]plan.TaskOutcome),
		changed:  make(chan struct{}),
	}
}

func (t *tracker) record(o plan.TaskOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcomes[o.TaskID] = o
	close(t.changed)
	t.changed = make(chan struct{})
}

// depState summarizes a task's predecessors at one instant.
type depState struct {
	pending []string
	failed  []string
	outputs map[string]any
	changed <-chan struct{}
}

func (t *tracker) check(ids []string) depState {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := depState{changed: t.changed}
	for _, id := range ids {
		o, ok := t.outcomes[id]
		switch {
		case !ok || !o.Status.IsTerminal():
			st.pending = append(st.pending, id)
		case o.Status == plan.StatusFailed:
			st.failed = append(st.failed, id)
		default:
			if st.outputs == nil {
				st.outputs = make(map[string]any, len(ids))
			}
			st.outputs[id] = o.Result
		}
	}
	return st
}

// awaitDependencies blocks until every predecessor of task is terminal. A
// failed predecessor, or the wait ceiling elapsing, yields a
// *errors.DependencyError.
func (r *run) awaitDependencies(ctx context.Context, task plan.Task) (map[string]any, error) {
	if len(task.DependsOn) == 0 {
		return nil, nil
	}

	ceiling := time.NewTimer(r.exec.ceiling)
	defer ceiling.Stop()
	poll := time.NewTicker(r.exec.poll)
	defer poll.Stop()

	for {
		st := r.tracker.check(task.DependsOn)
		if len(st.failed) > 0 {
			return nil, errors.NewDependencyError(task.ID, st.failed, errors.ErrTaskFailed)
		}
		if len(st.pending) == 0 {
			return st.outputs, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-st.changed:
		case <-poll.C:
		case <-ceiling.C:
			return nil, errors.NewDependencyError(task.ID, st.pending,
				errors.NewTimeoutError("await predecessors of "+task.ID, r.exec.ceiling))
		}
	}
}

// dependencyOutputs is the non-blocking form used when recovery re-runs a
// task.
func (r *run) dependencyOutputs(task plan.Task) (map[string]any, error) {
	st := r.tracker.check(task.DependsOn)
	unresolved := slices.Concat(st.failed, st.pending)
	if len(unresolved) > 0 {
		return nil, errors.NewDependencyError(task.ID, unresolved, errors.ErrDependencyUnmet)
	}
	return st.outputs, nil
}

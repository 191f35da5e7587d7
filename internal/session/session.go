package session

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Iron-Ham/sessiond/internal/plan"
	"github.com/Iron-Ham/sessiond/internal/recovery"
)

// Metrics aggregates a session's task outcomes.
type Metrics struct {
	TasksTotal      int           `json:"tasks_total"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	Skipped         int           `json:"skipped"`
	Degraded        int           `json:"degraded"`
	Running         int           `json:"running"`
	Errors          int           `json:"errors"`
	Escalations     int           `json:"escalations"`
	TotalTaskTime   time.Duration `json:"total_task_time"`
	AverageTaskTime time.Duration `json:"average_task_time"`
	// SuccessRate is completed / (completed + failed), 0 with no finished tasks.
	SuccessRate float64 `json:"success_rate"`
}

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	ID                  string                      `json:"id"`
	Owner               string                      `json:"owner"`
	Request             string                      `json:"request"`
	Requirements        []string                    `json:"requirements,omitempty"`
	Priority            Priority                    `json:"priority"`
	State               State                       `json:"state"`
	Reason              string                      `json:"reason,omitempty"`
	CreatedAt           time.Time                   `json:"created_at"`
	StartedAt           time.Time                   `json:"started_at,omitzero"`
	CompletedAt         time.Time                   `json:"completed_at,omitzero"`
	LastActivity        time.Time                   `json:"last_activity"`
	Plan                *plan.Plan                  `json:"plan,omitempty"`
	Outcomes            map[string]plan.TaskOutcome `json:"outcomes,omitempty"`
	Errors              []recovery.ErrorEvent       `json:"errors,omitempty"`
	Checkpoints         []Checkpoint                `json:"checkpoints"`
	Oversight           map[string]string           `json:"oversight,omitempty"`
	Complexity          float64                     `json:"complexity"`
	Progress            float64                     `json:"progress"`
	EstimatedCompletion time.Time                   `json:"estimated_completion,omitzero"`
	Metrics             Metrics                     `json:"metrics"`
	Archived            bool                        `json:"archived"`
}

// session is the mutable record owned by the Manager. mu guards every
// field below it; emitMu serializes transition-and-publish so observers
// see transitions in order.
type session struct {
	emitMu sync.Mutex

	mu           sync.Mutex
	id           string
	owner        string
	request      string
	requirements []string
	priority     Priority

	state         State
	resumeState   State
	conditions    []Condition
	reason        string
	createdAt     time.Time
	startedAt     time.Time
	completedAt   time.Time
	lastActivity  time.Time
	plan          *plan.Plan
	outcomes      map[string]plan.TaskOutcome
	errors        []recovery.ErrorEvent
	checkpoints   []Checkpoint
	oversight     map[string]string
	complexity    float64
	progress      float64
	eta           time.Time
	archived      bool
	phaseTaskIDs  map[string]struct{}
	resumed       chan struct{} // closed whenever the session is not suspended
	done          chan struct{} // closed on archival
	ctx           context.Context
	cancel        context.CancelFunc
	executionSlot *semaphore.Weighted
}

func newSession(parent context.Context, id, owner, request string, requirements []string, priority Priority, now time.Time, maxExec int) *session {
	ctx, cancel := context.WithCancel(parent)
	resumed := make(chan struct{})
	close(resumed)
	return &session{
		id:            id,
		owner:         owner,
		request:       request,
		requirements:  slices.Clone(requirements),
		priority:      priority,
		state:         StateInitializing,
		createdAt:     now,
		lastActivity:  now,
		outcomes:      make(map[string]plan.TaskOutcome),
		resumed:       resumed,
		done:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		executionSlot: semaphore.NewWeighted(int64(maxExec)),
	}
}

// transitionLocked moves the session to `to` and appends a checkpoint.
// Callers hold s.mu and have validated the transition.
func (s *session) transitionLocked(to State, reason string, now time.Time) Checkpoint {
	cp := Checkpoint{From: s.state, To: to, Timestamp: now, Progress: s.progress, Reason: reason}
	s.state = to
	s.lastActivity = now
	s.checkpoints = append(s.checkpoints, cp)
	if reason != "" {
		s.reason = reason
	}
	if to.IsTerminal() {
		s.completedAt = now
	}
	return cp
}

func (s *session) setPlanLocked(p *plan.Plan) {
	s.plan = p
	s.phaseTaskIDs = make(map[string]struct{}, p.TotalTasks)
	for _, phase := range p.Phases {
		for _, t := range phase {
			s.phaseTaskIDs[t.ID] = struct{}{}
		}
	}
}

// recomputeLocked refreshes progress and the completion estimate from the
// phase-task outcomes. Progress never decreases.
func (s *session) recomputeLocked(now time.Time) {
	if s.plan == nil || s.plan.TotalTasks == 0 {
		return
	}
	var completed, failed, skipped int
	for id := range s.phaseTaskIDs {
		switch s.outcomes[id].Status {
		case plan.StatusCompleted:
			completed++
		case plan.StatusFailed:
			failed++
		case plan.StatusSkipped:
			skipped++
		}
	}
	p := Progress(completed, failed, skipped, s.plan.TotalTasks)
	if p > s.progress {
		s.progress = p
	}
	s.eta = EstimateCompletion(s.startedAt, now, s.progress)
}

// Progress returns the percentage score for the given counts:
// (0.8 × (completed + skipped) + 0.5 × failed) / total × 100, capped at 100.
func Progress(completed, failed, skipped, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := (0.8*float64(completed+skipped) + 0.5*float64(failed)) / float64(total) * 100
	return min(p, 100)
}

// EstimateCompletion projects the finish time from elapsed time and
// progress. It returns the zero time until progress is positive.
func EstimateCompletion(started, now time.Time, progress float64) time.Time {
	if progress <= 0 || started.IsZero() {
		return time.Time{}
	}
	if progress >= 100 {
		return now
	}
	elapsed := now.Sub(started)
	frac := progress / 100
	return now.Add(time.Duration(float64(elapsed) * (1/frac - 1)))
}

func (s *session) metricsLocked() Metrics {
	m := Metrics{Errors: len(s.errors)}
	if s.plan != nil {
		m.TasksTotal = s.plan.TotalTasks
	}
	for id, o := range s.outcomes {
		if _, ok := s.phaseTaskIDs[id]; !ok {
			continue
		}
		switch o.Status {
		case plan.StatusCompleted:
			m.Completed++
		case plan.StatusFailed:
			m.Failed++
		case plan.StatusSkipped:
			m.Skipped++
		case plan.StatusRunning:
			m.Running++
		}
		if o.Degraded {
			m.Degraded++
		}
		m.TotalTaskTime += o.Duration
	}
	for _, ev := range s.errors {
		if ev.Escalated {
			m.Escalations++
		}
	}
	if finished := m.Completed + m.Failed + m.Skipped; finished > 0 {
		m.AverageTaskTime = m.TotalTaskTime / time.Duration(finished)
	}
	if n := m.Completed + m.Failed; n > 0 {
		m.SuccessRate = float64(m.Completed) / float64(n)
	}
	return m
}

// settleRunningLocked marks tasks still in flight as skipped. Their
// results can no longer be recorded once the session is archived.
func (s *session) settleRunningLocked() {
	for id, o := range s.outcomes {
		if o.Status == plan.StatusRunning {
			o.Status = plan.StatusSkipped
			o.Error = "canceled"
			s.outcomes[id] = o
		}
	}
}

func (s *session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:                  s.id,
		Owner:               s.owner,
		Request:             s.request,
		Requirements:        slices.Clone(s.requirements),
		Priority:            s.priority,
		State:               s.state,
		Reason:              s.reason,
		CreatedAt:           s.createdAt,
		StartedAt:           s.startedAt,
		CompletedAt:         s.completedAt,
		LastActivity:        s.lastActivity,
		Plan:                s.plan,
		Outcomes:            maps.Clone(s.outcomes),
		Errors:              slices.Clone(s.errors),
		Checkpoints:         slices.Clone(s.checkpoints),
		Oversight:           maps.Clone(s.oversight),
		Complexity:          s.complexity,
		Progress:            s.progress,
		EstimatedCompletion: s.eta,
		Metrics:             s.metricsLocked(),
		Archived:            s.archived,
	}
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// contextMap returns the map forwarded to workers with every request.
func (s *session) contextMap() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"session_id":   s.id,
		"owner":        s.owner,
		"request":      s.request,
		"requirements": slices.Clone(s.requirements),
		"priority":     string(s.priority),
		"oversight":    maps.Clone(s.oversight),
	}
}

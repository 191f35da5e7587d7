package session

import (
	"context"

	"github.com/Iron-Ham/sessiond/internal/event"
	"github.com/Iron-Ham/sessiond/internal/plan"
	"github.com/Iron-Ham/sessiond/internal/recovery"
)

// sink binds one session to the executor.
type sink struct {
	m *Manager
	s *session
}

func (k *sink) SessionID() string { return k.s.id }

func (k *sink) SessionContext() map[string]any { return k.s.contextMap() }

// RecordOutcome stores o and publishes task and progress events. Outcomes
// for an archived session are discarded.
func (k *sink) RecordOutcome(o plan.TaskOutcome) bool {
	s := k.s
	s.mu.Lock()
	if s.archived {
		s.mu.Unlock()
		return false
	}
	now := k.m.now()
	s.outcomes[o.TaskID] = o
	s.lastActivity = now
	_, phaseTask := s.phaseTaskIDs[o.TaskID]
	terminal := o.Status.IsTerminal()
	if phaseTask && terminal {
		s.recomputeLocked(now)
	}
	m := s.metricsLocked()
	progress, eta := s.progress, s.eta
	s.mu.Unlock()

	ev := event.NewTaskProgressEvent(s.id, o.TaskID, o.Worker, string(o.Status))
	ev.Confidence = o.Confidence
	ev.Duration = o.Duration
	ev.Attempts = o.Attempts
	ev.Degraded = o.Degraded
	k.m.bus.Publish(ev)

	if phaseTask && terminal {
		k.m.bus.Publish(event.NewSessionProgressEvent(s.id, progress, m.Completed, m.Failed, m.Skipped, m.TasksTotal, eta))
	}
	return true
}

// RecordError appends ev to the session's error log and publishes an alert.
func (k *sink) RecordError(ev recovery.ErrorEvent) bool {
	s := k.s
	s.mu.Lock()
	if s.archived {
		s.mu.Unlock()
		return false
	}
	s.errors = append(s.errors, ev)
	s.lastActivity = k.m.now()
	s.mu.Unlock()

	alert := event.NewErrorAlertEvent(s.id, ev.ID, ev.TaskID, ev.Worker, string(ev.Category), string(ev.Severity), ev.Message)
	alert.RecoveryAttempted = ev.RecoveryAttempted
	alert.Recovered = ev.Recovered
	alert.Escalated = ev.Escalated
	k.m.bus.Publish(alert)
	return true
}

func (k *sink) AwaitRunnable(ctx context.Context) error {
	return k.s.awaitRunnable(ctx)
}

// awaitRunnable blocks while the session is suspended.
func (s *session) awaitRunnable(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.state != StateSuspended {
			s.mu.Unlock()
			return ctx.Err()
		}
		resumed := s.resumed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resumed:
		}
	}
}

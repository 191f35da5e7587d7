package event

import "time"

// Event type identifiers.
const (
	TypeSessionStateChanged = "session.state_changed"
	TypeSessionProgress     = "session.progress"
	TypePlanReady           = "plan.ready"
	TypeTaskProgress        = "task.progress"
	TypeErrorAlert          = "error.alert"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "session.state_changed").
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time

	// Session returns the ID of the session the event belongs to.
	Session() string
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
	sessionID string
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }
func (e baseEvent) Session() string      { return e.sessionID }

func newBaseEvent(eventType, sessionID string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
		sessionID: sessionID,
	}
}

// -----------------------------------------------------------------------------
// Session Lifecycle Events
// -----------------------------------------------------------------------------

// SessionStateChangedEvent is emitted on every session state transition.
type SessionStateChangedEvent struct {
	baseEvent
	SessionID string
	From      string
	To        string
	Reason    string  // Suspension/abort reason or the error that failed the session
	Progress  float64 // Progress percentage at the time of the transition
}

// NewSessionStateChangedEvent creates a SessionStateChangedEvent.
func NewSessionStateChangedEvent(sessionID, from, to, reason string, progress float64) SessionStateChangedEvent {
	return SessionStateChangedEvent{
		baseEvent: newBaseEvent(TypeSessionStateChanged, sessionID),
		SessionID: sessionID,
		From:      from,
		To:        to,
		Reason:    reason,
		Progress:  progress,
	}
}

// SessionProgressEvent is emitted after each recorded task outcome.
type SessionProgressEvent struct {
	baseEvent
	SessionID           string
	Progress            float64
	Completed           int
	Failed              int
	Skipped             int
	Total               int
	EstimatedCompletion time.Time // Zero until progress is positive
}

// NewSessionProgressEvent creates a SessionProgressEvent.
func NewSessionProgressEvent(sessionID string, progress float64, completed, failed, skipped, total int, eta time.Time) SessionProgressEvent {
	return SessionProgressEvent{
		baseEvent:           newBaseEvent(TypeSessionProgress, sessionID),
		SessionID:           sessionID,
		Progress:            progress,
		Completed:           completed,
		Failed:              failed,
		Skipped:             skipped,
		Total:               total,
		EstimatedCompletion: eta,
	}
}

// PlanReadyEvent is emitted once the plan builder has produced a plan.
type PlanReadyEvent struct {
	baseEvent
	SessionID         string
	Phases            int
	TotalTasks        int
	EstimatedDuration time.Duration
	Workers           []string
}

// NewPlanReadyEvent creates a PlanReadyEvent.
func NewPlanReadyEvent(sessionID string, phases, totalTasks int, estimate time.Duration, workers []string) PlanReadyEvent {
	return PlanReadyEvent{
		baseEvent:         newBaseEvent(TypePlanReady, sessionID),
		SessionID:         sessionID,
		Phases:            phases,
		TotalTasks:        totalTasks,
		EstimatedDuration: estimate,
		Workers:           workers,
	}
}

// -----------------------------------------------------------------------------
// Task Events
// -----------------------------------------------------------------------------

// TaskProgressEvent is emitted when a task is dispatched and when its outcome is recorded.
type TaskProgressEvent struct {
	baseEvent
	SessionID  string
	TaskID     string
	Worker     string
	Status     string // pending, running, completed, failed, skipped
	Confidence float64
	Duration   time.Duration
	Attempts   int
	Degraded   bool
}

// NewTaskProgressEvent creates a TaskProgressEvent.
func NewTaskProgressEvent(sessionID, taskID, worker, status string) TaskProgressEvent {
	return TaskProgressEvent{
		baseEvent: newBaseEvent(TypeTaskProgress, sessionID),
		SessionID: sessionID,
		TaskID:    taskID,
		Worker:    worker,
		Status:    status,
	}
}

// -----------------------------------------------------------------------------
// Error Events
// -----------------------------------------------------------------------------

// ErrorAlertEvent is emitted once for every classified failure.
type ErrorAlertEvent struct {
	baseEvent
	SessionID         string
	ErrorID           string
	TaskID            string
	Worker            string
	Category          string
	Severity          string
	Message           string
	RecoveryAttempted bool
	Recovered         bool
	Escalated         bool
}

// NewErrorAlertEvent creates an ErrorAlertEvent.
func NewErrorAlertEvent(sessionID, errorID, taskID, worker, category, severity, message string) ErrorAlertEvent {
	return ErrorAlertEvent{
		baseEvent: newBaseEvent(TypeErrorAlert, sessionID),
		SessionID: sessionID,
		ErrorID:   errorID,
		TaskID:    taskID,
		Worker:    worker,
		Category:  category,
		Severity:  severity,
		Message:   message,
	}
}

package realtime

import (
	"time"

	"github.com/Iron-Ham/sessiond/internal/recovery"
	"github.com/Iron-Ham/sessiond/internal/session"
	"github.com/Iron-Ham/sessiond/internal/worker"
)

// UpdateType names the kind of frame sent to a subscriber.
type UpdateType string

const (
	UpdateStateChange         UpdateType = "state_change"
	UpdateProgress            UpdateType = "progress_update"
	UpdatePlanReady           UpdateType = "plan_ready"
	UpdateTaskProgress        UpdateType = "task_progress"
	UpdateErrorAlert          UpdateType = "error_alert"
	UpdateConnectionConfirmed UpdateType = "connection_confirmed"
	UpdatePong                UpdateType = "pong"
	UpdateStatus              UpdateType = "status"
	UpdateBotHealth           UpdateType = "bot_health"
	UpdateError               UpdateType = "error"
)

// Priority orders frames for clients that render by urgency.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// DefaultSource is the Source stamped on frames derived from bus events.
const DefaultSource = "sessiond"

// Frame is one outbound message. Seq increases across every frame the
// coordinator creates, so a subscriber sees strictly increasing values.
type Frame struct {
	UpdateType UpdateType `json:"updateType"`
	SessionID  string     `json:"sessionID"`
	Timestamp  time.Time  `json:"timestamp"`
	Data       any        `json:"data,omitempty"`
	Source     string     `json:"source"`
	Priority   Priority   `json:"priority"`
	Seq        uint64     `json:"seq"`
}

// Update is what a caller hands to Broadcast.
type Update struct {
	Type     UpdateType
	Data     any
	Source   string
	Priority Priority
}

// StateChangePayload accompanies state_change frames.
type StateChangePayload struct {
	From     session.State `json:"from"`
	To       session.State `json:"to"`
	Reason   string        `json:"reason,omitempty"`
	Progress float64       `json:"progress"`
}

// ProgressPayload accompanies progress_update frames.
type ProgressPayload struct {
	Progress            float64   `json:"progress"`
	Completed           int       `json:"completed"`
	Failed              int       `json:"failed"`
	Skipped             int       `json:"skipped"`
	Total               int       `json:"total"`
	EstimatedCompletion time.Time `json:"estimated_completion,omitzero"`
}

// PlanReadyPayload accompanies plan_ready frames.
type PlanReadyPayload struct {
	Phases            int           `json:"phases"`
	TotalTasks        int           `json:"total_tasks"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Workers           []string      `json:"workers"`
}

// TaskProgressPayload accompanies task_progress frames.
type TaskProgressPayload struct {
	TaskID     string        `json:"task_id"`
	Worker     string        `json:"worker"`
	Status     string        `json:"status"`
	Confidence float64       `json:"confidence,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	Degraded   bool          `json:"degraded,omitempty"`
}

// ErrorAlertPayload accompanies error_alert frames.
type ErrorAlertPayload struct {
	ErrorID           string            `json:"error_id"`
	TaskID            string            `json:"task_id,omitempty"`
	Worker            string            `json:"worker,omitempty"`
	Category          recovery.Category `json:"category"`
	Severity          recovery.Severity `json:"severity"`
	Message           string            `json:"message"`
	RecoveryAttempted bool              `json:"recovery_attempted"`
	Recovered         bool              `json:"recovered"`
	Escalated         bool              `json:"escalated"`
}

// ConnectionPayload accompanies connection_confirmed frames.
type ConnectionPayload struct {
	ConnectionID string `json:"connection_id"`
	SubscriberID string `json:"subscriber_id"`
	Role         string `json:"role,omitempty"`
	Replayed     int    `json:"replayed"`
}

// StatusPayload answers get_status.
type StatusPayload struct {
	Session     session.Snapshot `json:"session"`
	Connections int              `json:"connections"`
	Queued      int              `json:"queued"`
}

// BotHealthPayload answers get_bot_health.
type BotHealthPayload struct {
	Workers  []worker.Health          `json:"workers"`
	Breakers []recovery.BreakerStatus `json:"breakers"`
}

// ErrorPayload answers an inbound message that could not be served.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Inbound is a message received from a subscriber.
type Inbound struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// Inbound message types.
const (
	InboundPing         = "ping"
	InboundGetStatus    = "get_status"
	InboundGetBotHealth = "get_bot_health"
)

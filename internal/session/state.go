package session

import (
	"slices"
	"strings"
	"time"
)

// State is a session lifecycle state.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StatePlanning     State = "PLANNING"
	StateExecuting    State = "EXECUTING"
	StateCompleting   State = "COMPLETING"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateAborted      State = "ABORTED"
	StateSuspended    State = "SUSPENDED"
)

// IsTerminal reports whether the state ends the session.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

// transitions lists the legal next states. Every state before COMPLETING,
// SUSPENDED included, may fail or abort.
var transitions = map[State][]State{
	StateInitializing: {StatePlanning, StateFailed, StateAborted},
	StatePlanning:     {StateExecuting, StateSuspended, StateFailed, StateAborted},
	StateExecuting:    {StateCompleting, StateSuspended, StateFailed, StateAborted},
	StateCompleting:   {StateCompleted},
	StateSuspended:    {StatePlanning, StateExecuting, StateFailed, StateAborted},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Priority is a session's priority tier.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority maps a tier name to a Priority. Unknown or empty names are normal.
func ParsePriority(s string) Priority {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityLow, PriorityHigh, PriorityCritical:
		return p
	default:
		return PriorityNormal
	}
}

// Checkpoint records one state transition.
type Checkpoint struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Progress  float64   `json:"progress"`
	Reason    string    `json:"reason,omitempty"`
}

// Condition gates Resume. Check returns false while the session must stay
// suspended.
type Condition struct {
	Name  string
	Check func(Snapshot) bool
}

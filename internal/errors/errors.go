// Package errors provides centralized error definitions and error handling utilities
// for sessiond. It defines sentinel errors, typed errors carrying worker and session
// context, and classification helpers used by the recovery engine.
//
// # Error Types
//
// Domain-specific errors:
//   - SessionError: lifecycle violations (invalid state, resource exhaustion, not resumable)
//   - WorkerError: communication failures with a remote worker
//   - TimeoutError: a task or wait exceeded its deadline
//   - DependencyError: a task's predecessors did not resolve
//
// Every typed error exposes Kind(), the declared error kind consumed by
// recovery.Classify before it falls back to message heuristics.
//
// # Usage
//
//	err := errors.NewWorkerError("worker returned 503", nil).
//	    WithWorker("design").
//	    WithSessionID("abc123").
//	    WithStatusCode(503)
//
//	if errors.Is(err, errors.ErrWorkerCommunication) { ... }
//
//	var timeout *errors.TimeoutError
//	if errors.As(err, &timeout) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Declared error kinds. These strings match recovery category names so the
// classifier can map a typed error directly to its category.
const (
	KindNetwork             = "network"
	KindWorkerCommunication = "worker-communication"
	KindTimeout             = "timeout"
	KindDependency          = "dependency"
	KindKnowledgeAccess     = "knowledge-access"
	KindNotification        = "notification"
	KindResourceExhaustion  = "resource-exhaustion"
	KindAuth                = "auth"
	KindDataCorruption      = "data-corruption"
	KindExternalService     = "external-service"
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that a session could not be found.
	ErrSessionNotFound = New("session not found")
	// ErrInvalidState indicates an operation is not allowed in the session's current state.
	ErrInvalidState = New("invalid session state")
	// ErrResourceExhausted indicates the active session cap has been reached.
	ErrResourceExhausted = New("resource exhausted")
	// ErrNotResumable indicates a resume condition is not met.
	ErrNotResumable = New("session not resumable")
	// ErrSessionArchived indicates the session already reached a terminal state.
	ErrSessionArchived = New("session archived")
)

// Worker-related sentinel errors
var (
	// ErrWorkerCommunication indicates a failed exchange with a remote worker.
	ErrWorkerCommunication = New("worker communication failed")
	// ErrUnknownWorker indicates no client is registered for the named worker.
	ErrUnknownWorker = New("unknown worker")
	// ErrCircuitOpen indicates the worker's circuit breaker is rejecting calls.
	ErrCircuitOpen = New("circuit breaker open")
	// ErrInvalidResponse indicates a worker returned a body that could not be decoded.
	ErrInvalidResponse = New("invalid worker response")
)

// Plan-related sentinel errors
var (
	// ErrPlanInvalid indicates that a plan failed validation.
	ErrPlanInvalid = New("plan is invalid")
	// ErrDependencyUnmet indicates a task's predecessors did not all reach a terminal outcome.
	ErrDependencyUnmet = New("dependency unmet")
	// ErrTaskFailed indicates that a task failed without recovery.
	ErrTaskFailed = New("task failed")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// Kinded is implemented by errors that declare their own kind.
type Kinded interface {
	Kind() string
}

// KindOf returns the declared kind of err, searching the wrap chain.
// Returns an empty string if no error in the chain declares a kind.
func KindOf(err error) string {
	var k Kinded
	if As(err, &k) {
		return k.Kind()
	}
	return ""
}

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	kind      string
	retryable bool
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Kind returns the declared error kind.
func (e *baseError) Kind() string {
	return e.kind
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

func (e *baseError) format(prefix string, parts []string) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// SessionError
// -----------------------------------------------------------------------------

// SessionError represents errors related to session lifecycle management.
//
// Example:
//
//	err := errors.NewSessionError("cannot start", errors.ErrInvalidState).
//	    WithSessionID("abc123").
//	    WithState("EXECUTING")
//	fmt.Println(err) // "session error [session=abc123, state=EXECUTING]: cannot start: invalid session state"
type SessionError struct {
	baseError
	SessionID string
	State     string
}

// NewSessionError creates a new SessionError.
func NewSessionError(message string, cause error) *SessionError {
	kind := ""
	if Is(cause, ErrResourceExhausted) {
		kind = KindResourceExhaustion
	}
	return &SessionError{baseError: baseError{message: message, cause: cause, kind: kind}}
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// WithState adds the session state observed when the error occurred.
func (e *SessionError) WithState(state string) *SessionError {
	e.State = state
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.State != "" {
		parts = append(parts, fmt.Sprintf("state=%s", e.State))
	}
	return e.format("session error", parts)
}

// -----------------------------------------------------------------------------
// WorkerError
// -----------------------------------------------------------------------------

// WorkerError represents a failed exchange with a remote worker. It always
// matches ErrWorkerCommunication under errors.Is.
type WorkerError struct {
	baseError
	Worker     string
	SessionID  string
	TaskID     string
	StatusCode int
}

// NewWorkerError creates a new WorkerError of kind worker-communication.
func NewWorkerError(message string, cause error) *WorkerError {
	return &WorkerError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			kind:      KindWorkerCommunication,
			retryable: true,
		},
	}
}

// WithWorker adds the worker identifier to the error context.
func (e *WorkerError) WithWorker(worker string) *WorkerError {
	e.Worker = worker
	return e
}

// WithSessionID adds a session ID to the error context.
func (e *WorkerError) WithSessionID(id string) *WorkerError {
	e.SessionID = id
	return e
}

// WithTaskID adds a task ID to the error context.
func (e *WorkerError) WithTaskID(id string) *WorkerError {
	e.TaskID = id
	return e
}

// WithStatusCode records the HTTP status returned by the worker.
// 401 and 403 switch the kind to auth, 429 to resource exhaustion.
func (e *WorkerError) WithStatusCode(code int) *WorkerError {
	e.StatusCode = code
	switch code {
	case 401, 403:
		e.kind = KindAuth
		e.retryable = false
	case 429:
		e.kind = KindResourceExhaustion
	}
	return e
}

// WithKind overrides the declared kind.
func (e *WorkerError) WithKind(kind string) *WorkerError {
	e.kind = kind
	return e
}

// Error returns the formatted error message.
func (e *WorkerError) Error() string {
	var parts []string
	if e.Worker != "" {
		parts = append(parts, fmt.Sprintf("worker=%s", e.Worker))
	}
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	return e.format("worker error", parts)
}

// Is checks if this error matches the target.
func (e *WorkerError) Is(target error) bool {
	if target == ErrWorkerCommunication {
		return true
	}
	if _, ok := target.(*WorkerError); ok {
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// TimeoutError
// -----------------------------------------------------------------------------

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("dispatch ui_design", 30*time.Second).WithWorker("design")
//	fmt.Println(err) // "timeout error [worker=design]: dispatch ui_design (timeout: 30s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
	Worker    string
	SessionID string
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:   operation,
			kind:      KindTimeout,
			retryable: true, // Timeouts are generally retryable
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// WithWorker adds the worker identifier to the error context.
func (e *TimeoutError) WithWorker(worker string) *TimeoutError {
	e.Worker = worker
	return e
}

// WithSessionID adds a session ID to the error context.
func (e *TimeoutError) WithSessionID(id string) *TimeoutError {
	e.SessionID = id
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	var parts []string
	if e.Worker != "" {
		parts = append(parts, fmt.Sprintf("worker=%s", e.Worker))
	}
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	prefix := "timeout error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	base := fmt.Sprintf("%s: %s (timeout: %s)", prefix, e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if target == ErrTimeout {
		return true
	}
	_, ok := target.(*TimeoutError)
	return ok
}

// -----------------------------------------------------------------------------
// DependencyError
// -----------------------------------------------------------------------------

// DependencyError reports that a task's predecessors did not resolve.
type DependencyError struct {
	baseError
	TaskID     string
	Unresolved []string
}

// NewDependencyError creates a DependencyError for taskID listing the
// predecessors that did not reach a usable terminal outcome.
func NewDependencyError(taskID string, unresolved []string, cause error) *DependencyError {
	return &DependencyError{
		baseError: baseError{
			message: fmt.Sprintf("predecessors unresolved: %s", strings.Join(unresolved, ",")),
			cause:   cause,
			kind:    KindDependency,
		},
		TaskID:     taskID,
		Unresolved: unresolved,
	}
}

// Error returns the formatted error message.
func (e *DependencyError) Error() string {
	return e.format(fmt.Sprintf("dependency error [task=%s]", e.TaskID), nil)
}

// Is checks if this error matches the target.
func (e *DependencyError) Is(target error) bool {
	return target == ErrDependencyUnmet
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ IsRetryable() bool }
	if As(err, &r) {
		return r.IsRetryable()
	}
	return Is(err, ErrTimeout)
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

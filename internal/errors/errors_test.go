package errors

import (
	"fmt"
	"testing"
	"time"
)

// -----------------------------------------------------------------------------
// SessionError Tests
// -----------------------------------------------------------------------------

func TestSessionError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *SessionError
		want string
	}{
		{
			name: "message only",
			err:  NewSessionError("cannot start", nil),
			want: "session error: cannot start",
		},
		{
			name: "with context and cause",
			err:  NewSessionError("cannot start", ErrInvalidState).WithSessionID("abc").WithState("EXECUTING"),
			want: "session error [session=abc, state=EXECUTING]: cannot start: invalid session state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSessionError_ResourceExhaustedKind(t *testing.T) {
	err := NewSessionError("active session cap reached", ErrResourceExhausted)

	if !Is(err, ErrResourceExhausted) {
		t.Error("expected errors.Is(err, ErrResourceExhausted)")
	}
	if got := KindOf(err); got != KindResourceExhaustion {
		t.Errorf("KindOf() = %q, want %q", got, KindResourceExhaustion)
	}
}

// -----------------------------------------------------------------------------
// WorkerError Tests
// -----------------------------------------------------------------------------

func TestWorkerError_Is(t *testing.T) {
	err := NewWorkerError("bad gateway", nil).WithWorker("design").WithSessionID("s1")

	if !Is(err, ErrWorkerCommunication) {
		t.Error("WorkerError should match ErrWorkerCommunication")
	}
	if Is(err, ErrTimeout) {
		t.Error("WorkerError should not match ErrTimeout")
	}

	wrapped := fmt.Errorf("dispatch: %w", err)
	var we *WorkerError
	if !As(wrapped, &we) {
		t.Fatal("errors.As should find WorkerError through wrapping")
	}
	if we.Worker != "design" {
		t.Errorf("Worker = %q, want %q", we.Worker, "design")
	}
}

func TestWorkerError_StatusCodeKind(t *testing.T) {
	tests := []struct {
		code      int
		wantKind  string
		retryable bool
	}{
		{500, KindWorkerCommunication, true},
		{401, KindAuth, false},
		{403, KindAuth, false},
		{429, KindResourceExhaustion, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.code), func(t *testing.T) {
			err := NewWorkerError("failed", nil).WithStatusCode(tt.code)
			if err.Kind() != tt.wantKind {
				t.Errorf("Kind() = %q, want %q", err.Kind(), tt.wantKind)
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", IsRetryable(err), tt.retryable)
			}
		})
	}
}

func TestWorkerError_Error(t *testing.T) {
	err := NewWorkerError("non-2xx response", nil).
		WithWorker("design").
		WithSessionID("s1").
		WithTaskID("t1").
		WithStatusCode(502)

	want := "worker error [worker=design, session=s1, task=t1, status=502]: non-2xx response"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

// -----------------------------------------------------------------------------
// TimeoutError Tests
// -----------------------------------------------------------------------------

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("dispatch ui_design", 30*time.Second).WithWorker("design")

	if !Is(err, ErrTimeout) {
		t.Error("TimeoutError should match ErrTimeout")
	}
	if !IsRetryable(err) {
		t.Error("TimeoutError should be retryable")
	}
	if KindOf(err) != KindTimeout {
		t.Errorf("KindOf() = %q, want %q", KindOf(err), KindTimeout)
	}

	want := "timeout error [worker=design]: dispatch ui_design (timeout: 30s)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

// -----------------------------------------------------------------------------
// DependencyError Tests
// -----------------------------------------------------------------------------

func TestDependencyError(t *testing.T) {
	err := NewDependencyError("p2-synthesis", []string{"p1-design"}, nil)

	if !Is(err, ErrDependencyUnmet) {
		t.Error("DependencyError should match ErrDependencyUnmet")
	}
	if KindOf(err) != KindDependency {
		t.Errorf("KindOf() = %q, want %q", KindOf(err), KindDependency)
	}
	if IsRetryable(err) {
		t.Error("DependencyError should not be retryable")
	}
}

// -----------------------------------------------------------------------------
// Helper Tests
// -----------------------------------------------------------------------------

func TestKindOf_Untyped(t *testing.T) {
	if got := KindOf(New("plain")); got != "" {
		t.Errorf("KindOf(plain) = %q, want empty", got)
	}
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	err := Wrapf(ErrSessionNotFound, "get %s", "abc")
	if !Is(err, ErrSessionNotFound) {
		t.Error("Wrapf should preserve the wrapped error")
	}
	if err.Error() != "get abc: session not found" {
		t.Errorf("Error() = %q", err.Error())
	}
}

package recovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Iron-Ham/sessiond/internal/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category Category
		severity Severity
	}{
		{
			name:     "declared timeout kind",
			err:      errors.NewTimeoutError("dispatch design/ui_design", 30*time.Second),
			category: CategoryTimeout,
			severity: SeverityMedium,
		},
		{
			name:     "auth status code",
			err:      errors.NewWorkerError("request rejected", nil).WithWorker("design").WithStatusCode(401),
			category: CategoryAuth,
			severity: SeverityCritical,
		},
		{
			name:     "rate limited status code",
			err:      errors.NewWorkerError("request rejected", nil).WithStatusCode(429),
			category: CategoryResourceExhaustion,
			severity: SeverityCritical,
		},
		{
			name:     "deadline exceeded",
			err:      fmt.Errorf("waiting: %w", context.DeadlineExceeded),
			category: CategoryTimeout,
			severity: SeverityMedium,
		},
		{
			name:     "connection refused message",
			err:      errors.New("dial tcp 127.0.0.1:8000: connection refused"),
			category: CategoryNetwork,
			severity: SeverityLow,
		},
		{
			name:     "checksum mismatch",
			err:      errors.New("payload checksum mismatch"),
			category: CategoryDataCorruption,
			severity: SeverityCritical,
		},
		{
			name:     "dependency error",
			err:      errors.NewDependencyError("p2-synthesis", []string{"p1-design"}, nil),
			category: CategoryDependency,
			severity: SeverityLow,
		},
		{
			name:     "webhook failure",
			err:      errors.New("webhook delivery refused"),
			category: CategoryNotification,
			severity: SeverityLow,
		},
		{
			name:     "vector store unavailable",
			err:      errors.New("vector store unavailable"),
			category: CategoryKnowledgeAccess,
			severity: SeverityHigh,
		},
		{
			name:     "unknown falls back to external service",
			err:      errors.New("something odd happened"),
			category: CategoryExternalService,
			severity: SeverityLow,
		},
		{
			name:     "crisis message raises severity",
			err:      errors.New("upstream outage reported"),
			category: CategoryExternalService,
			severity: SeverityCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Category != tt.category {
				t.Errorf("Category = %q, want %q", got.Category, tt.category)
			}
			if got.Severity != tt.severity {
				t.Errorf("Severity = %q, want %q", got.Severity, tt.severity)
			}
			if got.Message != tt.err.Error() {
				t.Errorf("Message = %q, want %q", got.Message, tt.err.Error())
			}
			if !errors.Is(got, tt.err) {
				t.Error("ClassifiedError should unwrap to the original error")
			}
		})
	}
}

func TestClassifyNil(t *testing.T) {
	if got := Classify(nil); got.Category != "" || got.Err != nil {
		t.Errorf("Classify(nil) = %+v, want zero value", got)
	}
}

func TestSeverityMappings(t *testing.T) {
	tests := []struct {
		severity   Severity
		priority   int
		escalation int
	}{
		{SeverityCritical, 4, 3},
		{SeverityHigh, 3, 2},
		{SeverityMedium, 2, 1},
		{SeverityLow, 1, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			if got := tt.severity.Priority(); got != tt.priority {
				t.Errorf("Priority() = %d, want %d", got, tt.priority)
			}
			if got := tt.severity.EscalationLevel(); got != tt.escalation {
				t.Errorf("EscalationLevel() = %d, want %d", got, tt.escalation)
			}
		})
	}
}

func TestDefaultActionsCoverEveryCategory(t *testing.T) {
	actions := DefaultActions()
	for _, c := range Categories() {
		if _, ok := actions[c]; !ok {
			t.Errorf("no default action for %q", c)
		}
	}
}

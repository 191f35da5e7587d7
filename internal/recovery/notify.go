package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Iron-Ham/sessiond/internal/logging"
)

// Notification is the payload sent when a failure escalates.
type Notification struct {
	ErrorID         string `json:"errorID"`
	SessionID       string `json:"sessionID"`
	Category        string `json:"category"`
	Severity        string `json:"severity"`
	Message         string `json:"message"`
	WorkerType      string `json:"workerType,omitempty"`
	EscalationLevel int    `json:"escalationLevel"`
}

// Notifier delivers escalation notifications. Delivery is best effort; the
// engine logs failures and never retries.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes escalations to the log.
type LogNotifier struct {
	Logger *logging.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger.Warn("error escalated",
		"error_id", n.ErrorID,
		"session_id", n.SessionID,
		"category", n.Category,
		"severity", n.Severity,
		"worker", n.WorkerType,
		"escalation_level", n.EscalationLevel,
		"message", n.Message,
	)
	return nil
}

// WebhookNotifier POSTs escalations as JSON to a URL.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier creates a WebhookNotifier with a 10 second client timeout.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("notification webhook failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned %s", resp.Status)
	}
	return nil
}

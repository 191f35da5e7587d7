package recovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookNotifier(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := Notification{
		ErrorID:         "e1",
		SessionID:       "s1",
		Category:        string(CategoryAuth),
		Severity:        string(SeverityCritical),
		Message:         "rejected",
		WorkerType:      "security",
		EscalationLevel: 3,
	}
	if err := NewWebhookNotifier(srv.URL).Notify(context.Background(), n); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if got != n {
		t.Errorf("received %+v, want %+v", got, n)
	}
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Notify(context.Background(), Notification{ErrorID: "e1"}); err == nil {
		t.Error("Notify() should fail on a 500 response")
	}
}

func TestLogNotifierNilLogger(t *testing.T) {
	if err := (LogNotifier{}).Notify(context.Background(), Notification{ErrorID: "e1"}); err != nil {
		t.Errorf("Notify() error = %v", err)
	}
}

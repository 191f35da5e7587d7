package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestLogger_ChildAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, LevelDebug, nil)

	child := logger.WithSession("sess-1").WithWorker("design").WithTask("p1-design").WithPhase("executor")
	child.Info("task dispatched", "attempt", 1)

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	for key, want := range map[string]string{
		"session_id": "sess-1",
		"worker":     "design",
		"task_id":    "p1-design",
		"phase":      "executor",
		"msg":        "task dispatched",
	} {
		if e[key] != want {
			t.Errorf("%s = %v, want %q", key, e[key], want)
		}
	}
	if e["attempt"] != float64(1) {
		t.Errorf("attempt = %v, want 1", e["attempt"])
	}
}

func TestLogger_ChildDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWithWriter(&buf, LevelInfo, nil)
	_ = parent.WithSession("sess-1")

	parent.Info("parent message")

	entries := decodeLines(t, &buf)
	if _, ok := entries[0]["session_id"]; ok {
		t.Error("parent logger should not carry child attributes")
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level string
		want  int
	}{
		{"debug", 4},
		{"INFO", 3},
		{"warn", 2},
		{"ERROR", 1},
		{"bogus", 3},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewWithWriter(&buf, tt.level, nil)
			l.Debug("d")
			l.Info("i")
			l.Warn("w")
			l.Error("e")
			if got := len(decodeLines(t, &buf)); got != tt.want {
				t.Errorf("got %d entries, want %d", got, tt.want)
			}
		})
	}
}

func TestLogger_With_SkipsNonStringKeys(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LevelInfo, nil).With(42, "ignored", "key", "value")
	l.Info("msg")

	e := decodeLines(t, &buf)[0]
	if e["key"] != "value" {
		t.Errorf("key = %v, want value", e["key"])
	}
}

func TestNewLogger_WritesToDirectory(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir, LevelInfo)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	l.Info("hello")
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("log file missing entry: %s", data)
	}

	// Close is idempotent
	if err := l.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}

func TestRotatingWriter_Rotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	rw, err := NewRotatingWriter(path, 0, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter failed: %v", err)
	}
	defer rw.Close()

	// Force a tiny limit so the second write rotates.
	rw.maxBytes = 10
	if _, err := rw.Write([]byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	if _, err := rw.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}

	backup, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("expected backup file: %v", err)
	}
	if string(backup) != "0123456789" {
		t.Errorf("backup = %q", backup)
	}
	current, _ := os.ReadFile(path)
	if string(current) != "abc" {
		t.Errorf("current = %q", current)
	}
}

func TestNopLogger(t *testing.T) {
	l := NopLogger()
	l.Error("discarded")
	if err := l.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

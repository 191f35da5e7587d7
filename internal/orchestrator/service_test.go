package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/sessiond/internal/config"
	"github.com/Iron-Ham/sessiond/internal/errors"
	"github.com/Iron-Ham/sessiond/internal/logging"
	"github.com/Iron-Ham/sessiond/internal/plan"
	"github.com/Iron-Ham/sessiond/internal/realtime"
	"github.com/Iron-Ham/sessiond/internal/recovery"
	"github.com/Iron-Ham/sessiond/internal/session"
	"github.com/Iron-Ham/sessiond/internal/worker"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func succeed(_ context.Context, req worker.Request) (worker.Response, error) {
	return worker.Response{
		RequestID:       req.RequestID,
		SessionID:       req.SessionID,
		BotType:         req.BotType,
		Status:          worker.StatusCompleted,
		Result:          map[string]any{"ok": true},
		ConfidenceScore: 0.9,
	}, nil
}

type chanNotifier chan recovery.Notification

func (c chanNotifier) Notify(_ context.Context, n recovery.Notification) error {
	c <- n
	return nil
}

func newTestService(t *testing.T, cfg *config.Config, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{
		WithLogger(logging.NopLogger()),
		WithClient(worker.ClientFunc(succeed)),
		WithRetrySleep(noSleep),
	}, opts...)
	s, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Stop(ctx); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
	return s
}

func waitSession(t *testing.T, s *Service, id string) session.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := s.Sessions().Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return snap
}

func TestServiceStreamsCompletedSession(t *testing.T) {
	s := newTestService(t, nil)

	id, err := s.Sessions().Create("build a user dashboard", nil, "dana", session.PriorityHigh)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	conn := realtime.NewChannelConn(256)
	if err := s.Realtime().Connect(conn, id, "dana", "owner"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.Sessions().Start(id); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	snap := waitSession(t, s, id)
	if snap.State != session.StateCompleted {
		t.Fatalf("State = %s (%s), want COMPLETED", snap.State, snap.Reason)
	}

	var last realtime.Frame
	var sawPlan bool
	var lastSeq uint64
	for done := false; !done; {
		select {
		case f := <-conn.Frames():
			if f.Seq <= lastSeq {
				t.Errorf("seq %d after %d", f.Seq, lastSeq)
			}
			lastSeq = f.Seq
			if f.UpdateType == realtime.UpdatePlanReady {
				sawPlan = true
			}
			last = f
		default:
			done = true
		}
	}
	if !sawPlan {
		t.Error("no plan_ready frame")
	}
	state, ok := last.Data.(realtime.StateChangePayload)
	if !ok || state.To != session.StateCompleted || last.Priority != realtime.PriorityHigh {
		t.Errorf("last frame = %+v, want a high-priority COMPLETED state change", last)
	}

	health := s.Registry().Health()
	if len(health) == 0 {
		t.Error("registry recorded no worker calls")
	}
}

func TestServiceEscalatesAuthFailures(t *testing.T) {
	notes := make(chanNotifier, 4)
	design := worker.ClientFunc(func(_ context.Context, req worker.Request) (worker.Response, error) {
		return worker.Response{}, errors.NewWorkerError("unauthorized", nil).
			WithWorker(req.BotType).
			WithStatusCode(401)
	})
	s := newTestService(t, nil, WithNotifier(notes), WithWorker("design", design))

	id, err := s.Submit("build a user dashboard", nil, "dana", session.PriorityNormal)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	snap := waitSession(t, s, id)
	if snap.State != session.StateFailed {
		t.Errorf("State = %s, want FAILED", snap.State)
	}

	select {
	case n := <-notes:
		if n.SessionID != id || n.Category != string(recovery.CategoryAuth) || n.WorkerType != "design" {
			t.Errorf("notification = %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no escalation notification")
	}
}

func TestServiceAppliesConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Sessions.MaxActive = 1
	cfg.Oversight.Roles = map[string]string{"lead": "dana"}

	slow := worker.ClientFunc(func(ctx context.Context, _ worker.Request) (worker.Response, error) {
		<-ctx.Done()
		return worker.Response{}, ctx.Err()
	})
	s := newTestService(t, cfg, WithClient(slow))

	id, err := s.Submit("build a user dashboard", nil, "dana", session.PriorityNormal)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := s.Submit("another", nil, "lee", session.PriorityNormal); !errors.Is(err, errors.ErrResourceExhausted) {
		t.Errorf("second Submit() error = %v, want ErrResourceExhausted", err)
	}

	snap, err := s.Sessions().Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Oversight["lead"] != "dana" {
		t.Errorf("Oversight = %v, want configured roles", snap.Oversight)
	}
	if err := s.Sessions().Abort(id, "test over"); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Recovery.BreakerThreshold = 0

	_, err := New(cfg, WithLogger(logging.NopLogger()))
	var verrs config.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("New() error = %v, want ValidationErrors", err)
	}
}

const reviewTable = `
capabilities:
  - name: review
    keywords: ["review*"]
    worker: qa
    task_type: code_review
estimates:
  qa/code_review: 120
`

func TestCapabilityFileAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capabilities.yaml")
	if err := os.WriteFile(path, []byte(reviewTable), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Planner.CapabilityFile = path
	s := newTestService(t, cfg)

	if got := s.Planner().Table().Capabilities; len(got) != 1 || got[0].Name != "review" {
		t.Fatalf("capabilities = %+v, want the file's table", got)
	}

	reloaded := config.Default()
	s.Reload(reloaded)
	builtIn := len(plan.DefaultTable().Capabilities)
	if got := len(s.Planner().Table().Capabilities); got != builtIn {
		t.Errorf("capabilities after reload = %d, want the built-in table", got)
	}

	broken := config.Default()
	broken.Planner.CapabilityFile = filepath.Join(t.TempDir(), "missing.yaml")
	s.Reload(broken)
	if got := len(s.Planner().Table().Capabilities); got != builtIn {
		t.Errorf("failed reload replaced the table: %d capabilities", got)
	}

	cfg.Planner.CapabilityFile = broken.Planner.CapabilityFile
	if _, err := New(cfg, WithLogger(logging.NopLogger())); err == nil {
		t.Error("New() with a missing capability file should fail")
	}
}

func TestStartTwice(t *testing.T) {
	s := newTestService(t, nil)
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestStopReleasesConfigWatch(t *testing.T) {
	s := newTestService(t, nil, WithConfigWatch())
	if s.stopWatch == nil {
		t.Fatal("Start() with WithConfigWatch registered no watcher")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s.stopWatch != nil {
		t.Error("Stop() left the config watcher registered")
	}
}

package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/sessiond/internal/errors"
)

type recordingSleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slept = append(r.slept, d)
	return ctx.Err()
}

func (r *recordingSleeper) total() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum time.Duration
	for _, d := range r.slept {
		sum += d
	}
	return sum
}

type chanNotifier chan Notification

func (c chanNotifier) Notify(_ context.Context, n Notification) error {
	c <- n
	return nil
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *recordingSleeper) {
	t.Helper()
	sleeper := &recordingSleeper{}
	opts.Sleep = sleeper.sleep
	return NewEngine(opts), sleeper
}

func TestEngineRetryRecoversAfterBackoff(t *testing.T) {
	engine, sleeper := newTestEngine(t, Options{})
	scope := Scope{SessionID: "s1", TaskID: "p1-design", Worker: "design"}

	calls := 0
	op := func(ctx context.Context, alternate string) (any, error) {
		calls++
		if calls < 2 {
			return nil, errors.NewWorkerError("connect", errors.New("connection refused")).WithKind(errors.KindNetwork)
		}
		return "ok", nil
	}
	first := errors.NewWorkerError("connect", errors.New("connection refused")).WithKind(errors.KindNetwork)

	res, ev := engine.Handle(context.Background(), scope, first, op)

	if !res.Recovered {
		t.Fatalf("Recovered = false, err = %v", res.Err)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
	if res.Value != "ok" {
		t.Errorf("Value = %v, want ok", res.Value)
	}
	if got := sleeper.total(); got < 3*time.Second {
		t.Errorf("total backoff = %v, want >= 3s", got)
	}
	if ev.Category != CategoryNetwork {
		t.Errorf("event Category = %q, want network", ev.Category)
	}
	if !ev.RecoveryAttempted || !ev.Recovered {
		t.Errorf("event = %+v, want attempted and recovered", ev)
	}
	if ev.ID == "" {
		t.Error("event ID should be set")
	}
	if got := engine.Breakers().State("design", CategoryNetwork); got != BreakerClosed {
		t.Errorf("breaker State() = %q, want closed after success", got)
	}
}

func TestEngineRetryHonorsScopeCap(t *testing.T) {
	engine, _ := newTestEngine(t, Options{})
	calls := 0
	op := func(context.Context, string) (any, error) {
		calls++
		return nil, errors.NewTimeoutError("dispatch", time.Second)
	}

	res, ev := engine.Handle(context.Background(),
		Scope{SessionID: "s1", TaskID: "p1-design", Worker: "design", MaxAttempts: 1},
		errors.NewTimeoutError("dispatch", time.Second), op)

	if res.Recovered {
		t.Fatal("Recovered = true, want false")
	}
	if calls != 1 {
		t.Errorf("retry calls = %d, want 1", calls)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	if ev.Category != CategoryTimeout || ev.Recovered {
		t.Errorf("event = %+v, want unrecovered timeout", ev)
	}
	if !errors.Is(res.Err, errors.ErrTimeout) {
		t.Errorf("Err = %v, want timeout", res.Err)
	}
}

func TestEngineBreakerTripShortCircuitsToDegrade(t *testing.T) {
	engine, _ := newTestEngine(t, Options{Breakers: NewBreakerSet(2, time.Minute)})
	calls := 0
	op := func(context.Context, string) (any, error) {
		calls++
		return nil, errors.NewWorkerError("bad gateway", nil).WithStatusCode(502)
	}

	res, _ := engine.Handle(context.Background(), Scope{SessionID: "s1", Worker: "design"},
		errors.NewWorkerError("bad gateway", nil).WithStatusCode(502), op)

	if calls != 1 {
		t.Errorf("calls = %d, want 1 before the breaker opened", calls)
	}
	if !res.Degraded || !res.Recovered {
		t.Errorf("result = %+v, want degraded", res)
	}
	if !errors.Is(res.Err, errors.ErrCircuitOpen) {
		t.Errorf("Err = %v, want ErrCircuitOpen", res.Err)
	}
}

func TestEngineCircuitOpenCauseDegrades(t *testing.T) {
	engine, _ := newTestEngine(t, Options{})
	op := func(context.Context, string) (any, error) {
		t.Fatal("operation should not run for an open circuit")
		return nil, nil
	}

	res, ev := engine.Handle(context.Background(), Scope{SessionID: "s1", Worker: "design"},
		errors.Wrap(errors.ErrCircuitOpen, "dispatch design"), op)

	if res.Strategy != StrategyDegrade || !res.Degraded {
		t.Errorf("result = %+v, want degrade", res)
	}
	if !ev.Recovered {
		t.Error("event should record the degraded recovery")
	}
	if len(engine.Breakers().Snapshot()) != 0 {
		t.Error("an open-circuit rejection should not count as a breaker failure")
	}
}

func TestEngineFallback(t *testing.T) {
	engine, _ := newTestEngine(t, Options{})
	var tried []string
	op := func(_ context.Context, alternate string) (any, error) {
		tried = append(tried, alternate)
		return map[string]any{"via": alternate}, nil
	}

	res, _ := engine.Handle(context.Background(), Scope{SessionID: "s1", Worker: "analytics"},
		errors.New("vector store returned garbage"), op)

	if !res.Recovered || res.Alternate != "coordination" {
		t.Fatalf("result = %+v, want recovery via coordination", res)
	}
	if len(tried) != 1 || tried[0] != "coordination" {
		t.Errorf("tried = %v, want only coordination (own worker skipped)", tried)
	}
}

func TestEngineStrategies(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		strategy Strategy
		check    func(Result) bool
	}{
		{
			name:     "dependency skips",
			err:      errors.NewDependencyError("p2-synthesis", []string{"p1-design"}, nil),
			strategy: StrategySkip,
			check:    func(r Result) bool { return r.Recovered && r.Skipped },
		},
		{
			name:     "notification degrades",
			err:      errors.New("webhook delivery refused"),
			strategy: StrategyDegrade,
			check:    func(r Result) bool { return r.Recovered && r.Degraded },
		},
		{
			name:     "auth escalates",
			err:      errors.NewWorkerError("rejected", nil).WithStatusCode(403),
			strategy: StrategyEscalate,
			check:    func(r Result) bool { return !r.Recovered && r.Escalated },
		},
		{
			name:     "resource exhaustion aborts and escalates",
			err:      errors.NewWorkerError("slow down", nil).WithStatusCode(429),
			strategy: StrategyAbort,
			check:    func(r Result) bool { return r.Aborted && r.Escalated },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notes := make(chanNotifier, 4)
			engine, _ := newTestEngine(t, Options{Notifier: notes})
			op := func(context.Context, string) (any, error) {
				t.Fatal("operation should not run")
				return nil, nil
			}

			res, ev := engine.Handle(context.Background(), Scope{SessionID: "s1", Worker: "design"}, tt.err, op)

			if res.Strategy != tt.strategy {
				t.Errorf("Strategy = %q, want %q", res.Strategy, tt.strategy)
			}
			if !tt.check(res) {
				t.Errorf("unexpected result %+v", res)
			}
			if ev.Escalated != res.Escalated {
				t.Errorf("event Escalated = %v, result Escalated = %v", ev.Escalated, res.Escalated)
			}
			if res.Escalated {
				select {
				case n := <-notes:
					if n.ErrorID != ev.ID || n.SessionID != "s1" {
						t.Errorf("notification = %+v, want error %s for s1", n, ev.ID)
					}
				case <-time.After(2 * time.Second):
					t.Fatal("expected an escalation notification")
				}
			}
		})
	}
}

func TestEngineAbortAlwaysEscalates(t *testing.T) {
	notes := make(chanNotifier, 1)
	engine, _ := newTestEngine(t, Options{
		Notifier: notes,
		Actions: map[Category]Action{
			CategoryResourceExhaustion: {Strategy: StrategyAbort},
		},
	})
	op := func(context.Context, string) (any, error) {
		t.Fatal("operation should not run")
		return nil, nil
	}

	res, ev := engine.Handle(context.Background(), Scope{SessionID: "s1", Worker: "design"},
		errors.NewWorkerError("slow down", nil).WithStatusCode(429), op)

	if !res.Aborted || !res.Escalated || !ev.Escalated {
		t.Fatalf("result = %+v, event escalated = %v, want aborted and escalated", res, ev.Escalated)
	}
	select {
	case n := <-notes:
		if n.ErrorID != ev.ID {
			t.Errorf("notification for %s, want %s", n.ErrorID, ev.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abort without an escalation threshold sent no notification")
	}
}

func TestEngineEscalationThreshold(t *testing.T) {
	notes := make(chanNotifier, 4)
	engine, _ := newTestEngine(t, Options{
		Notifier: notes,
		Actions: map[Category]Action{
			CategoryNetwork: {Strategy: StrategyRetry, MaxAttempts: 1, EscalationThreshold: 2},
		},
	})
	op := func(context.Context, string) (any, error) {
		return nil, errors.New("connection reset by peer")
	}
	cause := errors.New("connection reset by peer")

	first, _ := engine.Handle(context.Background(), Scope{SessionID: "s1"}, cause, op)
	if first.Escalated {
		t.Fatal("first failure should not escalate")
	}
	other, _ := engine.Handle(context.Background(), Scope{SessionID: "s2"}, cause, op)
	if other.Escalated {
		t.Fatal("failures are counted per session")
	}
	second, _ := engine.Handle(context.Background(), Scope{SessionID: "s1"}, cause, op)
	if !second.Escalated {
		t.Fatal("second failure in the session should escalate")
	}

	select {
	case n := <-notes:
		if n.Category != string(CategoryNetwork) || n.EscalationLevel != 1 {
			t.Errorf("notification = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected an escalation notification")
	}

	engine.ForgetSession("s1")
	again, _ := engine.Handle(context.Background(), Scope{SessionID: "s1"}, cause, op)
	if again.Escalated {
		t.Error("ForgetSession should reset the count")
	}
}

func TestEngineCustomSuccessPredicate(t *testing.T) {
	engine, _ := newTestEngine(t, Options{
		Actions: map[Category]Action{
			CategoryNetwork: {
				Strategy:    StrategyRetry,
				MaxAttempts: 3,
				Success: func(v any, err error) bool {
					return err == nil && v == "complete"
				},
			},
		},
	})
	results := []any{"partial", "complete"}
	calls := 0
	op := func(context.Context, string) (any, error) {
		v := results[calls]
		calls++
		return v, nil
	}

	res, _ := engine.Handle(context.Background(), Scope{SessionID: "s1"}, errors.New("network is unreachable"), op)
	if !res.Recovered || res.Value != "complete" || res.Attempts != 3 {
		t.Errorf("result = %+v, want recovered with complete after 3 attempts", res)
	}
}

func TestEngineRetryStopsOnCancel(t *testing.T) {
	engine := NewEngine(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, _ := engine.Handle(ctx, Scope{SessionID: "s1"}, errors.New("connection refused"),
		func(context.Context, string) (any, error) { return "ok", nil })
	if res.Recovered {
		t.Error("canceled context should stop retries")
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", res.Err)
	}
}

func TestResultSummary(t *testing.T) {
	tests := []struct {
		res  Result
		want string
	}{
		{Result{Strategy: StrategyRetry, Recovered: true, Attempts: 3}, "retry: recovered after 3 attempts"},
		{Result{Strategy: StrategyRetry, Attempts: 4}, "retry: failed after 4 attempts"},
		{Result{Strategy: StrategyFallback, Recovered: true, Alternate: "coordination"}, "fallback: recovered via coordination"},
		{Result{Strategy: StrategySkip, Recovered: true, Skipped: true}, "skip: skipped"},
		{Result{Strategy: StrategyAbort, Aborted: true, Escalated: true}, "abort: aborted, escalated"},
	}
	for _, tt := range tests {
		if got := tt.res.Summary(); got != tt.want {
			t.Errorf("Summary() = %q, want %q", got, tt.want)
		}
	}
}

package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/sessiond/internal/errors"
	"github.com/Iron-Ham/sessiond/internal/logging"
)

// Operation re-runs the failed work. alternate is empty for the original
// worker and names the substitute worker during fallback.
type Operation func(ctx context.Context, alternate string) (any, error)

// Scope identifies the failed work.
type Scope struct {
	SessionID string
	TaskID    string
	Worker    string
	// MaxAttempts caps retries below the action's MaxAttempts when positive.
	MaxAttempts int
}

// Result is the outcome of one recovery.
type Result struct {
	Strategy  Strategy
	Recovered bool
	Skipped   bool
	Degraded  bool
	Escalated bool
	Aborted   bool
	// Attempts counts every invocation, including the one that failed first.
	Attempts int
	// Alternate is the fallback worker that produced Value.
	Alternate string
	Value     any
	// Err is the last error when the failure was not recovered.
	Err error
}

// Summary describes the result in a few words for the error log.
func (r Result) Summary() string {
	var outcome string
	switch {
	case r.Aborted:
		outcome = "aborted"
	case r.Skipped:
		outcome = "skipped"
	case r.Degraded:
		outcome = "degraded"
	case r.Recovered && r.Alternate != "":
		outcome = "recovered via " + r.Alternate
	case r.Recovered:
		outcome = fmt.Sprintf("recovered after %d attempts", r.Attempts)
	default:
		outcome = fmt.Sprintf("failed after %d attempts", r.Attempts)
	}
	if r.Escalated {
		outcome += ", escalated"
	}
	return string(r.Strategy) + ": " + outcome
}

// ErrorEvent is the single log entry produced for a failure.
type ErrorEvent struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	TaskID            string    `json:"task_id,omitempty"`
	Category          Category  `json:"category"`
	Severity          Severity  `json:"severity"`
	Worker            string    `json:"worker,omitempty"`
	Message           string    `json:"message"`
	Timestamp         time.Time `json:"timestamp"`
	RecoveryAttempted bool      `json:"recovery_attempted"`
	RecoveryResult    string    `json:"recovery_result,omitempty"`
	Recovered         bool      `json:"recovered"`
	Escalated         bool      `json:"escalated"`
}

// Options configures an Engine.
type Options struct {
	// Actions overrides the policy per category. Missing categories use DefaultActions.
	Actions  map[Category]Action
	Breakers *BreakerSet
	Notifier Notifier
	// Sleep waits between retries. Tests inject a recorder.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *logging.Logger
}

// Engine classifies failures and runs the matching recovery action.
// It is safe for concurrent use; no lock is held while an Operation runs
// or while sleeping between retries.
type Engine struct {
	actions  map[Category]Action
	breakers *BreakerSet
	notifier Notifier
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *logging.Logger
	now      func() time.Time

	mu       sync.Mutex
	failures map[string]int // sessionID/category -> unrecovered failures
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	actions := DefaultActions()
	for c, a := range opts.Actions {
		actions[c] = a
	}
	if opts.Breakers == nil {
		opts.Breakers = NewBreakerSet(0, 0)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{Logger: opts.Logger}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Engine{
		actions:  actions,
		breakers: opts.Breakers,
		notifier: opts.Notifier,
		sleep:    opts.Sleep,
		logger:   opts.Logger.WithPhase("recovery"),
		now:      time.Now,
		failures: make(map[string]int),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Breakers returns the engine's breaker set.
func (e *Engine) Breakers() *BreakerSet {
	return e.breakers
}

// Action returns the policy for a category.
func (e *Engine) Action(c Category) Action {
	a, ok := e.actions[c]
	if !ok {
		a = e.actions[CategoryExternalService]
	}
	if a.Success == nil {
		a.Success = DefaultSuccess
	}
	return a
}

// Handle classifies cause, runs recovery through op, and returns the result
// together with the one ErrorEvent that records the failure.
func (e *Engine) Handle(ctx context.Context, scope Scope, cause error, op Operation) (Result, ErrorEvent) {
	ce := Classify(cause)
	ev := ErrorEvent{
		ID:                uuid.NewString(),
		SessionID:         scope.SessionID,
		TaskID:            scope.TaskID,
		Category:          ce.Category,
		Severity:          ce.Severity,
		Worker:            scope.Worker,
		Message:           ce.Message,
		Timestamp:         e.now(),
		RecoveryAttempted: true,
	}
	logger := e.logger.WithSession(scope.SessionID).WithTask(scope.TaskID).WithWorker(scope.Worker)

	var res Result
	if errors.Is(cause, errors.ErrCircuitOpen) {
		// An open breaker short-circuits without counting as another failure.
		res = Result{Strategy: StrategyDegrade, Recovered: true, Degraded: true, Err: cause}
	} else {
		if scope.Worker != "" && ce.Category != CategoryDependency {
			e.breakers.RecordFailure(scope.Worker, ce.Category)
		}
		action := e.Action(ce.Category)
		if ce.Category == CategoryDataCorruption || ce.Category == CategoryAuth {
			action.Strategy = StrategyEscalate
		}
		res = e.execute(ctx, scope, ce, action, op)

		if !res.Recovered && !res.Escalated {
			if n := e.countFailure(scope.SessionID, ce.Category); action.EscalationThreshold > 0 && n >= action.EscalationThreshold {
				res.Escalated = true
			}
		}
	}

	ev.Recovered = res.Recovered
	ev.Escalated = res.Escalated
	ev.RecoveryResult = res.Summary()

	if res.Escalated {
		e.notify(ev)
	}

	logger.Info("recovery finished",
		"category", string(ce.Category),
		"severity", string(ce.Severity),
		"result", ev.RecoveryResult,
	)
	return res, ev
}

func (e *Engine) execute(ctx context.Context, scope Scope, ce ClassifiedError, action Action, op Operation) Result {
	res := Result{Strategy: action.Strategy, Attempts: 1, Err: ce.Err}

	switch action.Strategy {
	case StrategyRetry:
		limit := action.MaxAttempts
		if scope.MaxAttempts > 0 && scope.MaxAttempts < limit {
			limit = scope.MaxAttempts
		}
		for i := 0; i < limit; i++ {
			if err := e.sleep(ctx, action.BackoffFor(i)); err != nil {
				res.Err = err
				return res
			}
			if scope.Worker != "" {
				if err := e.breakers.Allow(scope.Worker); err != nil {
					res.Recovered, res.Degraded, res.Err = true, true, err
					return res
				}
			}
			res.Attempts++
			value, err := op(ctx, "")
			if action.Success(value, err) {
				e.breakers.RecordSuccess(scope.Worker)
				res.Recovered, res.Value, res.Err = true, value, nil
				return res
			}
			res.Err = attemptError(err)
			if ctx.Err() != nil {
				return res
			}
			if scope.Worker != "" {
				e.breakers.RecordFailure(scope.Worker, Classify(res.Err).Category)
			}
		}
		return res

	case StrategyFallback:
		for _, alt := range action.FallbackOptions {
			if alt == scope.Worker {
				continue
			}
			if err := e.breakers.Allow(alt); err != nil {
				continue
			}
			res.Attempts++
			value, err := op(ctx, alt)
			if action.Success(value, err) {
				e.breakers.RecordSuccess(alt)
				res.Recovered, res.Alternate, res.Value, res.Err = true, alt, value, nil
				return res
			}
			res.Err = attemptError(err)
			if ctx.Err() != nil {
				return res
			}
			e.breakers.RecordFailure(alt, Classify(res.Err).Category)
		}
		return res

	case StrategySkip:
		res.Recovered, res.Skipped = true, true
	case StrategyDegrade:
		res.Recovered, res.Degraded = true, true
	case StrategyEscalate:
		res.Escalated = true
	case StrategyAbort:
		res.Aborted, res.Escalated = true, true
	default:
		e.logger.Warn("unknown recovery strategy", "strategy", string(action.Strategy))
	}
	return res
}

func attemptError(err error) error {
	if err == nil {
		return errors.New("result rejected by success predicate")
	}
	return err
}

func (e *Engine) countFailure(sessionID string, c Category) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := sessionID + "/" + string(c)
	e.failures[key]++
	return e.failures[key]
}

// ForgetSession drops the unrecovered-failure counts of a finished session.
func (e *Engine) ForgetSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prefix := sessionID + "/"
	for key := range e.failures {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(e.failures, key)
		}
	}
}

func (e *Engine) notify(ev ErrorEvent) {
	n := Notification{
		ErrorID:         ev.ID,
		SessionID:       ev.SessionID,
		Category:        string(ev.Category),
		Severity:        string(ev.Severity),
		Message:         ev.Message,
		WorkerType:      ev.Worker,
		EscalationLevel: ev.Severity.EscalationLevel(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.notifier.Notify(ctx, n); err != nil {
			e.logger.Warn("escalation notification failed",
				"error_id", n.ErrorID,
				"session_id", n.SessionID,
				"error", err.Error(),
			)
		}
	}()
}

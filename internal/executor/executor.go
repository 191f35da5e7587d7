// Package executor runs a session plan against remote workers.
//
// Phase 1 tasks are dispatched concurrently. Tasks in later phases wait for
// their predecessors to reach a terminal outcome before dispatch. Every
// dispatch failure is handed to the recovery engine, and the outcome is fed
// back to the owning session through a Sink.
package executor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Iron-Ham/sessiond/internal/errors"
	"github.com/Iron-Ham/sessiond/internal/logging"
	"github.com/Iron-Ham/sessiond/internal/plan"
	"github.com/Iron-Ham/sessiond/internal/recovery"
	"github.com/Iron-Ham/sessiond/internal/worker"
)

// Parameter keys the executor adds to every worker request.
const (
	ParamTaskID            = "task_id"
	ParamSessionContext    = "session_context"
	ParamDependencyOutputs = "dependency_outputs"
	ParamTriggerTask       = "trigger_task"
	ParamTriggerError      = "trigger_error"
	ParamTriggerResult     = "trigger_result"
)

// Sink is the session side of an execution. Implementations must be safe
// for concurrent use.
type Sink interface {
	SessionID() string
	// SessionContext is forwarded to workers with every request.
	SessionContext() map[string]any
	// RecordOutcome stores a task outcome. It returns false once the
	// session is archived and the outcome was discarded.
	RecordOutcome(outcome plan.TaskOutcome) bool
	// RecordError appends an error event, returning false once archived.
	RecordError(ev recovery.ErrorEvent) bool
	// AwaitRunnable blocks while the session is suspended.
	AwaitRunnable(ctx context.Context) error
}

// FatalError ends a run early. Abort is set when recovery chose to abort
// the session rather than fail it.
type FatalError struct {
	TaskID string
	Err    error
	Abort  bool
}

func (e *FatalError) Error() string {
	if e.Abort {
		return fmt.Sprintf("task %s aborted the session: %v", e.TaskID, e.Err)
	}
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Options configures an Executor.
type Options struct {
	Client   worker.Client
	Recovery *recovery.Engine
	// PollInterval bounds each dependency wait between outcome signals.
	PollInterval time.Duration
	// WaitCeiling is the longest a task waits for its predecessors.
	WaitCeiling time.Duration
	// DefaultTimeout applies to tasks that declare none.
	DefaultTimeout time.Duration
	Logger         *logging.Logger
}

// Executor dispatches plans. One Executor serves many sessions.
type Executor struct {
	client         worker.Client
	recovery       *recovery.Engine
	poll           time.Duration
	ceiling        time.Duration
	defaultTimeout time.Duration
	tracer         trace.Tracer
	logger         *logging.Logger
}

// New creates an Executor.
func New(opts Options) *Executor {
	if opts.Recovery == nil {
		opts.Recovery = recovery.NewEngine(recovery.Options{Logger: opts.Logger})
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.WaitCeiling <= 0 {
		opts.WaitCeiling = 10 * time.Minute
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	return &Executor{
		client:         opts.Client,
		recovery:       opts.Recovery,
		poll:           opts.PollInterval,
		ceiling:        opts.WaitCeiling,
		defaultTimeout: opts.DefaultTimeout,
		tracer:         otel.Tracer("github.com/Iron-Ham/sessiond/internal/executor"),
		logger:         opts.Logger.WithPhase("executor"),
	}
}

// Run executes p for sink and returns nil when every phase ran to the end.
// It returns a *FatalError when a task failure stops the plan, or the
// context error when ctx is canceled.
func (e *Executor) Run(ctx context.Context, sink Sink, p *plan.Plan) error {
	if e.client == nil {
		return errors.New("executor: no worker client configured")
	}
	ctx, span := e.tracer.Start(ctx, "executor.run", trace.WithAttributes(
		attribute.String("session_id", sink.SessionID()),
		attribute.Int("phases", len(p.Phases)),
		attribute.Int("tasks", p.TotalTasks),
	))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		exec:    e,
		sink:    sink,
		plan:    p,
		cancel:  cancel,
		tracker: newTracker(),
		logger:  e.logger.WithSession(sink.SessionID()),
	}

	for i, phase := range p.Phases {
		r.logger.Debug("starting phase", "phase", i+1, "tasks", len(phase))
		var wg conc.WaitGroup
		for _, task := range phase {
			wg.Go(func() { r.execute(ctx, task) })
		}
		wg.Wait()

		if err := r.fatalErr(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return nil
}

type run struct {
	exec    *Executor
	sink    Sink
	plan    *plan.Plan
	cancel  context.CancelFunc
	tracker *tracker
	logger  *logging.Logger

	mu    sync.Mutex
	fatal *FatalError
}

func (r *run) fatalErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal == nil {
		return nil
	}
	return r.fatal
}

// stop records the first fatal error and cancels the rest of the run.
func (r *run) stop(f *FatalError) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = f
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *run) record(o plan.TaskOutcome) {
	r.tracker.record(o)
	if !r.sink.RecordOutcome(o) {
		r.logger.Debug("outcome discarded after archival", "task_id", o.TaskID)
	}
}

// execute drives one phase task from dependency wait to its final outcome.
func (r *run) execute(ctx context.Context, task plan.Task) {
	ctx, span := r.exec.tracer.Start(ctx, "executor.task", trace.WithAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("worker", task.Worker),
		attribute.String("task_type", task.TaskType),
	))
	defer span.End()
	logger := r.logger.WithTask(task.ID).WithWorker(task.Worker)

	a := r.attemptAll(ctx, task, nil)
	if a.canceled {
		return
	}
	outcome := a.outcome
	if outcome.Status == plan.StatusFailed {
		span.SetStatus(codes.Error, outcome.Error)
	}
	r.record(outcome)

	switch outcome.Status {
	case plan.StatusCompleted:
		r.runHandlers(ctx, task, task.OnSuccess, outcome)
	case plan.StatusFailed:
		if !a.abort && r.runHandlers(ctx, task, task.OnFailure, outcome) > 0 {
			logger.Info("failure absorbed by handler")
			return
		}
		logger.Warn("task failed, stopping plan", "error", outcome.Error, "abort", a.abort)
		r.stop(&FatalError{TaskID: task.ID, Err: a.err, Abort: a.abort})
	}
}

// attempt is the result of driving one task to a terminal outcome.
type attempt struct {
	outcome plan.TaskOutcome
	// err is the final error of a failed task.
	err   error
	abort bool
	// canceled means the run stopped first and nothing should be recorded.
	canceled bool
}

// attemptAll waits for dependencies, dispatches, and runs recovery on failure.
func (r *run) attemptAll(ctx context.Context, task plan.Task, extra map[string]any) attempt {
	start := time.Now()
	outcome := plan.TaskOutcome{TaskID: task.ID, Worker: task.Worker, Attempts: 1}

	outputs, err := r.awaitDependencies(ctx, task)
	if err == nil {
		if err = r.sink.AwaitRunnable(ctx); err != nil {
			return attempt{canceled: true}
		}
		r.record(plan.TaskOutcome{TaskID: task.ID, Worker: task.Worker, Status: plan.StatusRunning})
		var resp worker.Response
		resp, err = r.dispatch(ctx, task, "", outputs, extra)
		if err == nil {
			outcome.Status = plan.StatusCompleted
			outcome.Result = resp.Result
			outcome.Confidence = resp.ConfidenceScore
			outcome.Duration = time.Since(start)
			return attempt{outcome: outcome}
		}
	}
	if ctx.Err() != nil {
		return attempt{canceled: true}
	}

	op := func(ctx context.Context, alternate string) (any, error) {
		if err := r.sink.AwaitRunnable(ctx); err != nil {
			return nil, err
		}
		outputs, err := r.dependencyOutputs(task)
		if err != nil {
			return nil, err
		}
		return r.dispatch(ctx, task, alternate, outputs, extra)
	}
	res, ev := r.exec.recovery.Handle(ctx, recovery.Scope{
		SessionID:   r.sink.SessionID(),
		TaskID:      task.ID,
		Worker:      task.Worker,
		MaxAttempts: task.MaxRetries,
	}, err, op)
	r.sink.RecordError(ev)

	outcome.Attempts = res.Attempts
	outcome.Duration = time.Since(start)
	switch {
	case res.Skipped:
		outcome.Status = plan.StatusSkipped
		outcome.Error = err.Error()
	case res.Recovered:
		outcome.Status = plan.StatusCompleted
		outcome.Degraded = res.Degraded
		if resp, isResp := res.Value.(worker.Response); isResp {
			outcome.Result = resp.Result
			outcome.Confidence = resp.ConfidenceScore
		}
		if res.Alternate != "" {
			outcome.Worker = res.Alternate
		}
		if res.Degraded && outcome.Result == nil {
			outcome.Result = map[string]any{"degraded": true, "reason": err.Error()}
		}
	default:
		outcome.Status = plan.StatusFailed
		final := res.Err
		if final == nil {
			final = err
		}
		outcome.Error = final.Error()
		return attempt{outcome: outcome, err: final, abort: res.Aborted}
	}
	return attempt{outcome: outcome}
}

// runHandlers executes the named handler tasks for trigger and returns how
// many completed.
func (r *run) runHandlers(ctx context.Context, trigger plan.Task, ids []string, outcome plan.TaskOutcome) int {
	if len(ids) == 0 {
		return 0
	}
	extra := map[string]any{ParamTriggerTask: trigger.ID}
	if outcome.Error != "" {
		extra[ParamTriggerError] = outcome.Error
	}
	if outcome.Result != nil {
		extra[ParamTriggerResult] = outcome.Result
	}

	completed := 0
	for _, id := range ids {
		handler, ok := r.plan.Handlers[id]
		if !ok {
			r.logger.Warn("unknown handler task", "task_id", trigger.ID, "handler", id)
			continue
		}
		a := r.attemptAll(ctx, handler, extra)
		if a.canceled {
			return completed
		}
		r.record(a.outcome)
		if a.outcome.Status == plan.StatusCompleted {
			completed++
		}
	}
	return completed
}

func (r *run) dispatch(ctx context.Context, task plan.Task, alternate string, outputs, extra map[string]any) (worker.Response, error) {
	target := task.Worker
	if alternate != "" {
		target = alternate
	}
	breakers := r.exec.recovery.Breakers()
	if err := breakers.Allow(target); err != nil {
		return worker.Response{}, errors.Wrapf(err, "dispatch %s to %s", task.ID, target)
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = r.exec.defaultTimeout
	}
	params := make(map[string]any, len(task.Parameters)+len(extra)+3)
	for k, v := range task.Parameters {
		params[k] = v
	}
	for k, v := range extra {
		params[k] = v
	}
	params[ParamTaskID] = task.ID
	params[ParamSessionContext] = r.sink.SessionContext()
	if len(outputs) > 0 {
		params[ParamDependencyOutputs] = outputs
	}

	resp, err := r.exec.client.Dispatch(ctx, worker.Request{
		RequestID:      uuid.NewString(),
		SessionID:      r.sink.SessionID(),
		BotType:        target,
		TaskType:       task.TaskType,
		Parameters:     params,
		TimeoutSeconds: int(math.Ceil(timeout.Seconds())),
	})
	if err != nil {
		return resp, err
	}
	breakers.RecordSuccess(target)
	return resp, nil
}

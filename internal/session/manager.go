// Package session owns the session lifecycle state machine.
//
// A Manager creates sessions, plans them, and hands each plan to a Runner in
// the background. Task outcomes come back through an executor.Sink bound to
// the session, and every transition is published on the event bus before
// the mutating call returns.
package session

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/sessiond/internal/errors"
	"github.com/Iron-Ham/sessiond/internal/event"
	"github.com/Iron-Ham/sessiond/internal/executor"
	"github.com/Iron-Ham/sessiond/internal/logging"
	"github.com/Iron-Ham/sessiond/internal/plan"
)

// Runner executes a plan for a session. *executor.Executor implements it.
type Runner interface {
	Run(ctx context.Context, sink executor.Sink, p *plan.Plan) error
}

// Planner builds a plan for a request. *plan.Builder implements it.
type Planner interface {
	Build(req plan.Request) (*plan.Plan, error)
}

// Options configures a Manager.
type Options struct {
	Planner   Planner
	Runner    Runner
	Bus       *event.Bus
	Oversight Oversight
	// MaxActive caps non-archived sessions. 0 means 50.
	MaxActive int
	// MaxConcurrentExecutions bounds concurrent runs of one session's plan. 0 means 1.
	MaxConcurrentExecutions int
	// InactivityTimeout aborts sessions idle this long. 0 means 24h.
	InactivityTimeout time.Duration
	// HistoryRetention keeps this many archived sessions. 0 means 100.
	HistoryRetention int
	// OnArchive runs once per session after it is archived.
	OnArchive func(Snapshot)
	Logger    *logging.Logger
}

// Manager owns every session. All methods are safe for concurrent use.
type Manager struct {
	planner   Planner
	runner    Runner
	bus       *event.Bus
	oversight Oversight
	onArchive func(Snapshot)
	logger    *logging.Logger
	now       func() time.Time

	maxActive         int
	maxExec           int
	inactivityTimeout time.Duration
	retention         int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	active  map[string]*session
	history []*session
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Planner == nil {
		opts.Planner = plan.NewBuilder(nil, plan.Options{Logger: opts.Logger})
	}
	if opts.Bus == nil {
		opts.Bus = event.NewBus(opts.Logger)
	}
	if opts.Oversight == nil {
		opts.Oversight = StaticOversight{}
	}
	if opts.MaxActive <= 0 {
		opts.MaxActive = 50
	}
	if opts.MaxConcurrentExecutions <= 0 {
		opts.MaxConcurrentExecutions = 1
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = 24 * time.Hour
	}
	if opts.HistoryRetention <= 0 {
		opts.HistoryRetention = 100
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		planner:           opts.Planner,
		runner:            opts.Runner,
		bus:               opts.Bus,
		oversight:         opts.Oversight,
		onArchive:         opts.OnArchive,
		logger:            opts.Logger.WithPhase("session"),
		now:               time.Now,
		maxActive:         opts.MaxActive,
		maxExec:           opts.MaxConcurrentExecutions,
		inactivityTimeout: opts.InactivityTimeout,
		retention:         opts.HistoryRetention,
		ctx:               ctx,
		cancel:            cancel,
		active:            make(map[string]*session),
	}
}

// Bus returns the bus every session event is published on.
func (m *Manager) Bus() *event.Bus {
	return m.bus
}

// Create registers a new session in INITIALIZING and returns its ID.
func (m *Manager) Create(request string, requirements []string, owner string, priority Priority) (string, error) {
	if strings.TrimSpace(request) == "" {
		return "", errors.NewSessionError("request is empty", errors.ErrInvalidInput)
	}
	if priority == "" {
		priority = PriorityNormal
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.active) >= m.maxActive {
		return "", errors.NewSessionError("active session limit reached", errors.ErrResourceExhausted)
	}
	id := uuid.NewString()
	m.active[id] = newSession(m.ctx, id, owner, request, requirements, priority, m.now(), m.maxExec)
	m.logger.Info("session created", "session_id", id, "owner", owner, "priority", string(priority))
	return id, nil
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.active[id]; ok {
		return s, nil
	}
	for _, s := range m.history {
		if s.id == id {
			return s, nil
		}
	}
	return nil, errors.NewSessionError("lookup", errors.ErrSessionNotFound).WithSessionID(id)
}

func invalidState(s *session, op string) error {
	return errors.NewSessionError("cannot "+op, errors.ErrInvalidState).
		WithSessionID(s.id).
		WithState(string(s.state))
}

// transition validates and applies from → to, then publishes the change.
// It returns the state the session was in when the check ran.
func (m *Manager) transition(s *session, to State, reason string, allowed ...State) (State, error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	from := s.state
	if s.archived || !CanTransition(from, to) || (len(allowed) > 0 && !slices.Contains(allowed, from)) {
		s.mu.Unlock()
		return from, invalidState(s, "move to "+string(to))
	}
	cp := s.transitionLocked(to, reason, m.now())
	s.mu.Unlock()

	m.publishTransition(s, cp)
	return from, nil
}

func (m *Manager) publishTransition(s *session, cp Checkpoint) {
	m.logger.Info("session state changed",
		"session_id", s.id,
		"from", string(cp.From),
		"to", string(cp.To),
		"reason", cp.Reason,
	)
	m.bus.Publish(event.NewSessionStateChangedEvent(s.id, string(cp.From), string(cp.To), cp.Reason, cp.Progress))
}

// Start plans the session and begins executing it in the background. The
// session must be INITIALIZING.
func (m *Manager) Start(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if m.runner == nil {
		return errors.NewSessionError("no runner configured", errors.ErrInvalidState).WithSessionID(id)
	}
	if _, err := m.transition(s, StatePlanning, "", StateInitializing); err != nil {
		return err
	}

	s.mu.Lock()
	s.startedAt = m.now()
	req := plan.Request{
		SessionID:    s.id,
		Text:         s.request,
		Requirements: slices.Clone(s.requirements),
		Priority:     string(s.priority),
	}
	s.mu.Unlock()

	p, err := m.planner.Build(req)
	if err != nil {
		m.finish(s, StateFailed, "planning failed: "+err.Error())
		return errors.NewSessionError("planning failed", err).WithSessionID(id)
	}
	complexity := plan.Complexity(p)
	roles, err := m.oversight.Assign(s.ctx, s.contextMap(), complexity)
	if err != nil {
		m.logger.Warn("oversight assignment failed", "session_id", id, "error", err.Error())
	}

	s.mu.Lock()
	if s.archived {
		err := invalidState(s, "plan")
		s.mu.Unlock()
		return err
	}
	s.setPlanLocked(p)
	s.complexity = complexity
	s.oversight = roles
	s.mu.Unlock()

	m.bus.Publish(event.NewPlanReadyEvent(id, len(p.Phases), p.TotalTasks, p.EstimatedDuration, p.Workers()))

	if err := m.enterExecuting(s); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.execute(s, p)
	return nil
}

// enterExecuting moves a planned session to EXECUTING. A session suspended
// during planning resumes straight into EXECUTING instead.
func (m *Manager) enterExecuting(s *session) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	switch {
	case s.state == StatePlanning:
		cp := s.transitionLocked(StateExecuting, "", m.now())
		s.mu.Unlock()
		m.publishTransition(s, cp)
		return nil
	case s.state == StateSuspended:
		s.resumeState = StateExecuting
		s.mu.Unlock()
		return nil
	default:
		err := invalidState(s, "execute")
		s.mu.Unlock()
		return err
	}
}

func (m *Manager) execute(s *session, p *plan.Plan) {
	defer m.wg.Done()
	logger := m.logger.WithSession(s.id)

	if err := s.executionSlot.Acquire(s.ctx, 1); err != nil {
		return
	}
	defer s.executionSlot.Release(1)

	err := m.runner.Run(s.ctx, &sink{m: m, s: s}, p)

	var fatal *executor.FatalError
	switch {
	case err == nil:
		if err := s.awaitRunnable(s.ctx); err != nil {
			return
		}
		m.complete(s)
	case errors.As(err, &fatal) && fatal.Abort:
		m.finish(s, StateAborted, "recovery aborted: "+fatal.Err.Error())
	case s.ctx.Err() != nil:
		// Aborted, swept, or shut down; whoever canceled has already finished it.
		logger.Debug("execution canceled")
	default:
		m.finish(s, StateFailed, err.Error())
	}
}

func (m *Manager) complete(s *session) {
	if _, err := m.transition(s, StateCompleting, ""); err != nil {
		m.logger.Debug("session finished before completing", "session_id", s.id, "error", err.Error())
		return
	}
	s.mu.Lock()
	s.progress = 100
	s.eta = m.now()
	s.mu.Unlock()
	m.finish(s, StateCompleted, "")
}

// finish moves s to a terminal state and archives it exactly once.
func (m *Manager) finish(s *session, to State, reason string) bool {
	s.emitMu.Lock()
	s.mu.Lock()
	if s.archived || !CanTransition(s.state, to) {
		s.mu.Unlock()
		s.emitMu.Unlock()
		return false
	}
	cp := s.transitionLocked(to, reason, m.now())
	s.settleRunningLocked()
	s.archived = true
	s.resumeState = ""
	s.mu.Unlock()
	m.publishTransition(s, cp)
	s.emitMu.Unlock()

	s.cancel()
	m.archive(s)
	return true
}

func (m *Manager) archive(s *session) {
	m.mu.Lock()
	delete(m.active, s.id)
	m.history = append(m.history, s)
	m.trimHistoryLocked()
	m.mu.Unlock()

	close(s.done)
	snap := s.snapshot()
	m.logger.Info("session archived",
		"session_id", s.id,
		"state", string(snap.State),
		"progress", snap.Progress,
		"errors", len(snap.Errors),
	)
	if m.onArchive != nil {
		m.onArchive(snap)
	}
}

func (m *Manager) trimHistoryLocked() {
	if excess := len(m.history) - m.retention; excess > 0 {
		m.history = slices.Delete(m.history, 0, excess)
	}
}

// Suspend pauses a PLANNING or EXECUTING session. No new task is dispatched
// until Resume succeeds.
func (m *Manager) Suspend(id, reason string, conditions ...Condition) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	if s.archived || (s.state != StatePlanning && s.state != StateExecuting) {
		err := invalidState(s, "suspend")
		s.mu.Unlock()
		return err
	}
	s.resumeState = s.state
	s.conditions = slices.Clone(conditions)
	s.resumed = make(chan struct{})
	cp := s.transitionLocked(StateSuspended, reason, m.now())
	s.mu.Unlock()

	m.publishTransition(s, cp)
	return nil
}

// Resume returns a suspended session to the state it held before suspension.
// It fails with ErrNotResumable while any resume condition is unmet.
func (m *Manager) Resume(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	if s.archived || s.state != StateSuspended {
		err := invalidState(s, "resume")
		s.mu.Unlock()
		return err
	}
	snap := s.snapshotLocked()
	for _, c := range s.conditions {
		if c.Check != nil && !c.Check(snap) {
			s.mu.Unlock()
			return errors.NewSessionError("resume condition unmet: "+c.Name, errors.ErrNotResumable).
				WithSessionID(id).
				WithState(string(StateSuspended))
		}
	}
	target := s.resumeState
	s.resumeState = ""
	s.conditions = nil
	cp := s.transitionLocked(target, "", m.now())
	close(s.resumed)
	s.mu.Unlock()

	m.publishTransition(s, cp)
	return nil
}

// Abort terminates a session that has not reached COMPLETING and archives
// it immediately.
func (m *Manager) Abort(id, reason string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if !m.finish(s, StateAborted, reason) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return invalidState(s, "abort")
	}
	return nil
}

// Get returns a snapshot of an active or archived session.
func (m *Manager) Get(id string) (Snapshot, error) {
	s, err := m.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(), nil
}

// List returns snapshots of every active session, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, len(sessions))
	for i, s := range sessions {
		out[i] = s.snapshot()
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// History returns snapshots of archived sessions in archival order.
func (m *Manager) History() []Snapshot {
	m.mu.RLock()
	sessions := slices.Clone(m.history)
	m.mu.RUnlock()

	out := make([]Snapshot, len(sessions))
	for i, s := range sessions {
		out[i] = s.snapshot()
	}
	return out
}

// Wait blocks until the session is archived and returns its final snapshot.
func (m *Manager) Wait(ctx context.Context, id string) (Snapshot, error) {
	s, err := m.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-s.done:
		return s.snapshot(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Sweep aborts sessions idle longer than the inactivity timeout and trims
// history. It returns the IDs it aborted.
func (m *Manager) Sweep() []string {
	cutoff := m.now().Add(-m.inactivityTimeout)

	m.mu.Lock()
	var idle []*session
	for _, s := range m.active {
		s.mu.Lock()
		if s.lastActivity.Before(cutoff) {
			idle = append(idle, s)
		}
		s.mu.Unlock()
	}
	m.trimHistoryLocked()
	m.mu.Unlock()

	var aborted []string
	for _, s := range idle {
		if m.finish(s, StateAborted, "inactivity timeout") {
			aborted = append(aborted, s.id)
		}
	}
	if len(aborted) > 0 {
		m.logger.Info("swept idle sessions", "count", len(aborted))
	}
	return aborted
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Shutdown aborts every active session and waits for their executions to
// stop, or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		m.finish(s, StateAborted, "shutdown")
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

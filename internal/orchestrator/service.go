// Package orchestrator assembles the session engine from a config.Config.
//
// A Service owns one instance of every component: the event bus, the worker
// registry, the circuit breakers and recovery engine, the plan builder, the
// executor, the session manager and the realtime coordinator. Start runs the
// background sweepers; Stop aborts open sessions and waits for them.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/sessiond/internal/config"
	"github.com/Iron-Ham/sessiond/internal/errors"
	"github.com/Iron-Ham/sessiond/internal/event"
	"github.com/Iron-Ham/sessiond/internal/executor"
	"github.com/Iron-Ham/sessiond/internal/logging"
	"github.com/Iron-Ham/sessiond/internal/plan"
	"github.com/Iron-Ham/sessiond/internal/realtime"
	"github.com/Iron-Ham/sessiond/internal/recovery"
	"github.com/Iron-Ham/sessiond/internal/session"
	"github.com/Iron-Ham/sessiond/internal/worker"
)

// Service wires every component together and owns their lifecycle.
type Service struct {
	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	busSub  string

	cfg         *config.Config
	watchConfig bool
	stopWatch   func()
	ownsLogger  bool

	logger   *logging.Logger
	bus      *event.Bus
	registry *worker.Registry
	breakers *recovery.BreakerSet
	engine   *recovery.Engine
	builder  *plan.Builder
	executor *executor.Executor
	sessions *session.Manager
	realtime *realtime.Coordinator
}

// New builds a Service from cfg. A nil cfg uses config.Default().
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, config.ValidationErrors(errs)
	}

	sc := &serviceConfig{}
	for _, opt := range opts {
		opt(sc)
	}

	s := &Service{cfg: cfg, watchConfig: sc.watchConfig, logger: sc.logger}
	if s.logger == nil {
		l, err := logging.New(logging.Options{
			Dir:        cfg.Logging.Dir,
			Level:      cfg.Logging.Level,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		})
		if err != nil {
			return nil, err
		}
		s.logger = l
		s.ownsLogger = true
	}

	table, err := loadTable(cfg.Planner)
	if err != nil {
		s.closeLogger()
		return nil, err
	}

	s.bus = event.NewBus(s.logger)

	fallback := sc.fallback
	if fallback == nil {
		fallback = worker.NewHTTPClient(worker.HTTPOptions{
			Endpoint:          cfg.Workers.EndpointFor,
			RequestsPerSecond: cfg.Workers.RequestsPerSecond,
			Burst:             cfg.Workers.Burst,
			Logger:            s.logger,
		})
	}
	s.registry = worker.NewRegistry(fallback)
	for name, client := range sc.workers {
		s.registry.Register(name, client)
	}

	s.breakers = recovery.NewBreakerSet(cfg.Recovery.BreakerThreshold, cfg.Recovery.BreakerCooldown())
	notifier := sc.notifier
	if notifier == nil {
		notifier = notifierFor(cfg.Recovery, s.logger)
	}
	s.engine = recovery.NewEngine(recovery.Options{
		Actions:  recovery.ActionsFromConfig(cfg.Recovery.Actions),
		Breakers: s.breakers,
		Notifier: notifier,
		Sleep:    sc.sleep,
		Logger:   s.logger,
	})

	s.builder = plan.NewBuilder(table, plan.Options{
		DefaultEstimate:   time.Duration(cfg.Planner.DefaultEstimateSeconds) * time.Second,
		DefaultTimeout:    cfg.Executor.TaskTimeout(),
		DefaultMaxRetries: cfg.Executor.DefaultMaxRetries,
		Logger:            s.logger,
	})

	s.executor = executor.New(executor.Options{
		Client:         s.registry,
		Recovery:       s.engine,
		PollInterval:   cfg.Executor.PollInterval(),
		WaitCeiling:    cfg.Executor.WaitCeiling(),
		DefaultTimeout: cfg.Executor.TaskTimeout(),
		Logger:         s.logger,
	})

	oversight := sc.oversight
	if oversight == nil {
		oversight = session.StaticOversight{
			Roles:              cfg.Oversight.Roles,
			ReviewerComplexity: cfg.Oversight.ReviewerComplexity,
			Reviewer:           cfg.Oversight.Reviewer,
		}
	}
	s.sessions = session.NewManager(session.Options{
		Planner:                 s.builder,
		Runner:                  s.executor,
		Bus:                     s.bus,
		Oversight:               oversight,
		MaxActive:               cfg.Sessions.MaxActive,
		MaxConcurrentExecutions: cfg.Sessions.MaxConcurrentExecutions,
		InactivityTimeout:       cfg.Sessions.InactivityTimeout(),
		HistoryRetention:        cfg.Sessions.HistoryRetention,
		OnArchive:               func(snap session.Snapshot) { s.engine.ForgetSession(snap.ID) },
		Logger:                  s.logger,
	})

	s.realtime = realtime.New(realtime.Options{
		QueueCap:    cfg.Realtime.QueueCap,
		IdleTimeout: cfg.Realtime.IdleTimeout(),
		Retention:   cfg.Realtime.Retention(),
		Sessions:    s.sessions,
		Health:      s.registry,
		Breakers:    s.breakers,
		Logger:      s.logger,
	})
	s.busSub = s.realtime.Attach(s.bus)

	return s, nil
}

func loadTable(cfg config.PlannerConfig) (*plan.Table, error) {
	if cfg.CapabilityFile == "" {
		return plan.DefaultTable(), nil
	}
	return plan.LoadTable(cfg.CapabilityFile)
}

func notifierFor(cfg config.RecoveryConfig, logger *logging.Logger) recovery.Notifier {
	if cfg.NotifyURL != "" {
		return recovery.NewWebhookNotifier(cfg.NotifyURL)
	}
	return recovery.LogNotifier{Logger: logger}
}

// Start runs the session and subscriber sweepers until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("orchestrator: service already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.sessions.RunSweeper(ctx, s.cfg.Sessions.CleanupInterval())
	}()
	go func() {
		defer s.wg.Done()
		s.realtime.RunSweeper(ctx, s.cfg.Realtime.SweepInterval())
	}()

	if s.watchConfig {
		s.stopWatch = config.Watch(s.Reload, func(err error) {
			s.logger.Warn("ignoring invalid config change", "error", err.Error())
		})
	}

	s.logger.Info("service started",
		"max_active_sessions", s.cfg.Sessions.MaxActive,
		"breaker_threshold", s.cfg.Recovery.BreakerThreshold,
	)
	return nil
}

// Stop aborts every open session and waits for executions and sweepers to
// finish, or for ctx to expire. It is safe to call Stop without Start.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.started = false
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	s.mu.Unlock()

	err := s.sessions.Shutdown(ctx)
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.realtime.Detach(s.bus, s.busSub)

	s.logger.Info("service stopped")
	s.closeLogger()
	return err
}

func (s *Service) closeLogger() {
	if s.ownsLogger {
		_ = s.logger.Close()
	}
}

// Reload applies a changed configuration. Only the capability table is
// swapped at runtime; every other setting needs a restart.
func (s *Service) Reload(cfg *config.Config) {
	table, err := loadTable(cfg.Planner)
	if err != nil {
		s.logger.Warn("capability table reload failed", "file", cfg.Planner.CapabilityFile, "error", err.Error())
		return
	}
	s.builder.SetTable(table)
	s.logger.Info("capability table reloaded", "file", cfg.Planner.CapabilityFile, "capabilities", len(table.Capabilities))
}

// Submit creates a session and starts it.
func (s *Service) Submit(request string, requirements []string, owner string, priority session.Priority) (string, error) {
	id, err := s.sessions.Create(request, requirements, owner, priority)
	if err != nil {
		return "", err
	}
	if err := s.sessions.Start(id); err != nil {
		return id, err
	}
	return id, nil
}

// Config returns the configuration the service was built from.
func (s *Service) Config() *config.Config { return s.cfg }

// Logger returns the shared logger.
func (s *Service) Logger() *logging.Logger { return s.logger }

// Bus returns the event bus.
func (s *Service) Bus() *event.Bus { return s.bus }

// Sessions returns the session manager.
func (s *Service) Sessions() *session.Manager { return s.sessions }

// Realtime returns the subscriber coordinator.
func (s *Service) Realtime() *realtime.Coordinator { return s.realtime }

// Planner returns the plan builder.
func (s *Service) Planner() *plan.Builder { return s.builder }

// Registry returns the worker registry.
func (s *Service) Registry() *worker.Registry { return s.registry }

// Breakers returns the circuit breakers shared by dispatch and recovery.
func (s *Service) Breakers() *recovery.BreakerSet { return s.breakers }

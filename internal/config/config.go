package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config represents the complete sessiond configuration
type Config struct {
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Oversight OversightConfig `mapstructure:"oversight"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SessionsConfig controls the session lifecycle manager
type SessionsConfig struct {
	// MaxActive caps the number of non-archived sessions (default: 50)
	MaxActive int `mapstructure:"max_active"`
	// MaxConcurrentExecutions bounds concurrent plan executions per session (default: 1)
	MaxConcurrentExecutions int `mapstructure:"max_concurrent_executions"`
	// InactivityTimeoutMinutes aborts sessions with no activity for this long (default: 1440)
	InactivityTimeoutMinutes int `mapstructure:"inactivity_timeout_minutes"`
	// HistoryRetention is the number of archived sessions kept (default: 100)
	HistoryRetention int `mapstructure:"history_retention"`
	// CleanupIntervalSeconds is how often the inactivity sweep runs (default: 300)
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"`
}

// ExecutorConfig controls plan execution
type ExecutorConfig struct {
	// DependencyPollIntervalSeconds bounds each wait between dependency checks (default: 5)
	DependencyPollIntervalSeconds int `mapstructure:"dependency_poll_interval_seconds"`
	// DependencyWaitCeilingSeconds is the hard limit on waiting for predecessors (default: 600)
	DependencyWaitCeilingSeconds int `mapstructure:"dependency_wait_ceiling_seconds"`
	// DefaultTaskTimeoutSeconds applies to tasks that do not declare a timeout (default: 300)
	DefaultTaskTimeoutSeconds int `mapstructure:"default_task_timeout_seconds"`
	// DefaultMaxRetries applies to tasks that do not declare a retry count (default: 3)
	DefaultMaxRetries int `mapstructure:"default_max_retries"`
}

// RecoveryConfig controls error recovery and circuit breaking
type RecoveryConfig struct {
	// BreakerThreshold is the failure count that trips a breaker open (default: 5)
	BreakerThreshold int `mapstructure:"breaker_threshold"`
	// BreakerCooldownSeconds is how long a tripped breaker stays open (default: 300)
	BreakerCooldownSeconds int `mapstructure:"breaker_cooldown_seconds"`
	// NotifyURL receives escalation webhooks. Empty logs escalations instead.
	NotifyURL string `mapstructure:"notify_url"`
	// Actions overrides the recovery action per error category
	Actions map[string]ActionConfig `mapstructure:"actions"`
}

// ActionConfig overrides one category's recovery action. Zero fields keep the built-in value.
type ActionConfig struct {
	Strategy            string   `mapstructure:"strategy"`
	MaxAttempts         int      `mapstructure:"max_attempts"`
	BackoffSeconds      []int    `mapstructure:"backoff_seconds"`
	FallbackOptions     []string `mapstructure:"fallback_options"`
	EscalationThreshold int      `mapstructure:"escalation_threshold"`
}

// RealtimeConfig controls the event coordinator
type RealtimeConfig struct {
	// QueueCap bounds the offline queue per session; the oldest event is dropped (default: 100)
	QueueCap int `mapstructure:"queue_cap"`
	// IdleTimeoutMinutes drops connections with no activity for this long (default: 30)
	IdleTimeoutMinutes int `mapstructure:"idle_timeout_minutes"`
	// RetentionHours drops history and queued events older than this (default: 24)
	RetentionHours int `mapstructure:"retention_hours"`
	// SweepIntervalSeconds is how often the idle sweep runs (default: 60)
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

// WorkersConfig controls the remote worker client
type WorkersConfig struct {
	// BaseURL is used for any worker without an explicit endpoint
	BaseURL string `mapstructure:"base_url"`
	// Endpoints maps a worker name to its base URL
	Endpoints map[string]string `mapstructure:"endpoints"`
	// RequestsPerSecond limits dispatches per worker, 0 = unlimited (default: 10)
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	// Burst is the limiter's burst size (default: 5)
	Burst int `mapstructure:"burst"`
}

// PlannerConfig controls the plan builder
type PlannerConfig struct {
	// CapabilityFile is a YAML capability table. Empty uses the built-in table.
	CapabilityFile string `mapstructure:"capability_file"`
	// DefaultEstimateSeconds is used for (worker, task type) pairs missing from the estimate table
	DefaultEstimateSeconds int `mapstructure:"default_estimate_seconds"`
}

// OversightConfig assigns human oversight roles to sessions
type OversightConfig struct {
	// Roles maps a role name to an assignee
	Roles map[string]string `mapstructure:"roles"`
	// ReviewerComplexity adds a "reviewer" role when the plan complexity reaches this score, 0 = never
	ReviewerComplexity float64 `mapstructure:"reviewer_complexity"`
	// Reviewer is the assignee for the reviewer role
	Reviewer string `mapstructure:"reviewer"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Dir is the log directory. Empty logs to stderr.
	Dir string `mapstructure:"dir"`
	// MaxSizeMB rotates the log file past this size (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Sessions: SessionsConfig{
			MaxActive:                50,
			MaxConcurrentExecutions:  1,
			InactivityTimeoutMinutes: 24 * 60,
			HistoryRetention:         100,
			CleanupIntervalSeconds:   300,
		},
		Executor: ExecutorConfig{
			DependencyPollIntervalSeconds: 5,
			DependencyWaitCeilingSeconds:  600,
			DefaultTaskTimeoutSeconds:     300,
			DefaultMaxRetries:             3,
		},
		Recovery: RecoveryConfig{
			BreakerThreshold:       5,
			BreakerCooldownSeconds: 300,
			Actions:                map[string]ActionConfig{},
		},
		Realtime: RealtimeConfig{
			QueueCap:             100,
			IdleTimeoutMinutes:   30,
			RetentionHours:       24,
			SweepIntervalSeconds: 60,
		},
		Workers: WorkersConfig{
			BaseURL:           "http://localhost:8000",
			Endpoints:         map[string]string{},
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Planner: PlannerConfig{
			DefaultEstimateSeconds: 300,
		},
		Oversight: OversightConfig{
			Roles: map[string]string{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// InactivityTimeout returns the session inactivity timeout as a Duration
func (c *SessionsConfig) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutMinutes) * time.Minute
}

// CleanupInterval returns the session sweep interval as a Duration
func (c *SessionsConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

// PollInterval returns the dependency poll interval as a Duration
func (c *ExecutorConfig) PollInterval() time.Duration {
	return time.Duration(c.DependencyPollIntervalSeconds) * time.Second
}

// WaitCeiling returns the dependency wait ceiling as a Duration
func (c *ExecutorConfig) WaitCeiling() time.Duration {
	return time.Duration(c.DependencyWaitCeilingSeconds) * time.Second
}

// TaskTimeout returns the default task timeout as a Duration
func (c *ExecutorConfig) TaskTimeout() time.Duration {
	return time.Duration(c.DefaultTaskTimeoutSeconds) * time.Second
}

// BreakerCooldown returns the breaker cooldown as a Duration
func (c *RecoveryConfig) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSeconds) * time.Second
}

// IdleTimeout returns the connection idle timeout as a Duration
func (c *RealtimeConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

// Retention returns the event retention window as a Duration
func (c *RealtimeConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// SweepInterval returns the connection sweep interval as a Duration
func (c *RealtimeConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// EndpointFor returns the base URL for a worker
func (c *WorkersConfig) EndpointFor(worker string) string {
	if url, ok := c.Endpoints[worker]; ok && url != "" {
		return url
	}
	return c.BaseURL
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Sessions defaults
	viper.SetDefault("sessions.max_active", defaults.Sessions.MaxActive)
	viper.SetDefault("sessions.max_concurrent_executions", defaults.Sessions.MaxConcurrentExecutions)
	viper.SetDefault("sessions.inactivity_timeout_minutes", defaults.Sessions.InactivityTimeoutMinutes)
	viper.SetDefault("sessions.history_retention", defaults.Sessions.HistoryRetention)
	viper.SetDefault("sessions.cleanup_interval_seconds", defaults.Sessions.CleanupIntervalSeconds)

	// Executor defaults
	viper.SetDefault("executor.dependency_poll_interval_seconds", defaults.Executor.DependencyPollIntervalSeconds)
	viper.SetDefault("executor.dependency_wait_ceiling_seconds", defaults.Executor.DependencyWaitCeilingSeconds)
	viper.SetDefault("executor.default_task_timeout_seconds", defaults.Executor.DefaultTaskTimeoutSeconds)
	viper.SetDefault("executor.default_max_retries", defaults.Executor.DefaultMaxRetries)

	// Recovery defaults
	viper.SetDefault("recovery.breaker_threshold", defaults.Recovery.BreakerThreshold)
	viper.SetDefault("recovery.breaker_cooldown_seconds", defaults.Recovery.BreakerCooldownSeconds)
	viper.SetDefault("recovery.notify_url", defaults.Recovery.NotifyURL)

	// Realtime defaults
	viper.SetDefault("realtime.queue_cap", defaults.Realtime.QueueCap)
	viper.SetDefault("realtime.idle_timeout_minutes", defaults.Realtime.IdleTimeoutMinutes)
	viper.SetDefault("realtime.retention_hours", defaults.Realtime.RetentionHours)
	viper.SetDefault("realtime.sweep_interval_seconds", defaults.Realtime.SweepIntervalSeconds)

	// Workers defaults
	viper.SetDefault("workers.base_url", defaults.Workers.BaseURL)
	viper.SetDefault("workers.requests_per_second", defaults.Workers.RequestsPerSecond)
	viper.SetDefault("workers.burst", defaults.Workers.Burst)

	// Planner defaults
	viper.SetDefault("planner.capability_file", defaults.Planner.CapabilityFile)
	viper.SetDefault("planner.default_estimate_seconds", defaults.Planner.DefaultEstimateSeconds)

	// Oversight defaults
	viper.SetDefault("oversight.reviewer_complexity", defaults.Oversight.ReviewerComplexity)
	viper.SetDefault("oversight.reviewer", defaults.Oversight.Reviewer)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return loadFrom(viper.GetViper())
}

func loadFrom(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return cfg, nil
}

type watcher struct {
	fn    func(*Config)
	onErr func(error)
}

var (
	watchMu    sync.Mutex
	watchStart sync.Once
	current    *watcher
)

// Watch re-loads the configuration whenever the config file changes and
// passes each valid result to fn. Invalid edits are reported through onErr
// and the previous configuration stays in effect.
//
// viper watches a single file per process, so only the most recent Watch
// receives changes. The returned stop function unregisters fn.
func Watch(fn func(*Config), onErr func(error)) (stop func()) {
	stop = setWatcher(&watcher{fn: fn, onErr: onErr})
	watchStart.Do(func() {
		viper.OnConfigChange(func(_ fsnotify.Event) { reloadWatcher() })
		viper.WatchConfig()
	})
	return stop
}

func setWatcher(w *watcher) func() {
	watchMu.Lock()
	current = w
	watchMu.Unlock()
	return func() {
		watchMu.Lock()
		defer watchMu.Unlock()
		if current == w {
			current = nil
		}
	}
}

func reloadWatcher() {
	watchMu.Lock()
	w := current
	watchMu.Unlock()
	if w == nil {
		return
	}

	cfg, err := Load()
	if err != nil {
		if w.onErr != nil {
			w.onErr(err)
		}
		return
	}
	w.fn(cfg)
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sessiond")
	}
	// Fall back to ~/.config/sessiond
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sessiond"
	}
	return filepath.Join(home, ".config", "sessiond")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

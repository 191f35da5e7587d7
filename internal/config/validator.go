package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "sessions.max_active")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidCategories returns the error categories that accept action overrides
func ValidCategories() []string {
	return []string{
		"network", "worker-communication", "timeout", "dependency", "knowledge-access",
		"notification", "resource-exhaustion", "auth", "data-corruption", "external-service",
	}
}

// ValidStrategies returns the recovery strategy names
func ValidStrategies() []string {
	return []string{"retry", "fallback", "skip", "degrade", "escalate", "abort"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateSessions()...)
	errors = append(errors, c.validateExecutor()...)
	errors = append(errors, c.validateRecovery()...)
	errors = append(errors, c.validateRealtime()...)
	errors = append(errors, c.validateWorkers()...)
	errors = append(errors, c.validatePlanner()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func positive(field string, value int) []ValidationError {
	if value <= 0 {
		return []ValidationError{{Field: field, Value: value, Message: "must be positive"}}
	}
	return nil
}

func nonNegative(field string, value int) []ValidationError {
	if value < 0 {
		return []ValidationError{{Field: field, Value: value, Message: "must be non-negative"}}
	}
	return nil
}

// validateSessions validates the SessionsConfig
func (c *Config) validateSessions() []ValidationError {
	var errors []ValidationError
	errors = append(errors, positive("sessions.max_active", c.Sessions.MaxActive)...)
	errors = append(errors, positive("sessions.max_concurrent_executions", c.Sessions.MaxConcurrentExecutions)...)
	errors = append(errors, nonNegative("sessions.inactivity_timeout_minutes", c.Sessions.InactivityTimeoutMinutes)...)
	errors = append(errors, nonNegative("sessions.history_retention", c.Sessions.HistoryRetention)...)
	errors = append(errors, positive("sessions.cleanup_interval_seconds", c.Sessions.CleanupIntervalSeconds)...)
	return errors
}

// validateExecutor validates the ExecutorConfig
func (c *Config) validateExecutor() []ValidationError {
	var errors []ValidationError
	errors = append(errors, positive("executor.dependency_poll_interval_seconds", c.Executor.DependencyPollIntervalSeconds)...)
	errors = append(errors, positive("executor.dependency_wait_ceiling_seconds", c.Executor.DependencyWaitCeilingSeconds)...)
	errors = append(errors, positive("executor.default_task_timeout_seconds", c.Executor.DefaultTaskTimeoutSeconds)...)
	errors = append(errors, nonNegative("executor.default_max_retries", c.Executor.DefaultMaxRetries)...)

	if c.Executor.DependencyPollIntervalSeconds > c.Executor.DependencyWaitCeilingSeconds &&
		c.Executor.DependencyWaitCeilingSeconds > 0 {
		errors = append(errors, ValidationError{
			Field:   "executor.dependency_poll_interval_seconds",
			Value:   c.Executor.DependencyPollIntervalSeconds,
			Message: "must not exceed dependency_wait_ceiling_seconds",
		})
	}
	return errors
}

// validateRecovery validates the RecoveryConfig and its per-category overrides
func (c *Config) validateRecovery() []ValidationError {
	var errors []ValidationError
	errors = append(errors, positive("recovery.breaker_threshold", c.Recovery.BreakerThreshold)...)
	errors = append(errors, positive("recovery.breaker_cooldown_seconds", c.Recovery.BreakerCooldownSeconds)...)

	if c.Recovery.NotifyURL != "" {
		if u, err := url.Parse(c.Recovery.NotifyURL); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "recovery.notify_url",
				Value:   c.Recovery.NotifyURL,
				Message: "must be an absolute URL",
			})
		}
	}

	for category, action := range c.Recovery.Actions {
		field := "recovery.actions." + category
		if !slices.Contains(ValidCategories(), category) {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   category,
				Message: fmt.Sprintf("unknown category, must be one of: %s", strings.Join(ValidCategories(), ", ")),
			})
			continue
		}
		if action.Strategy != "" && !slices.Contains(ValidStrategies(), action.Strategy) {
			errors = append(errors, ValidationError{
				Field:   field + ".strategy",
				Value:   action.Strategy,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStrategies(), ", ")),
			})
		}
		errors = append(errors, nonNegative(field+".max_attempts", action.MaxAttempts)...)
		errors = append(errors, nonNegative(field+".escalation_threshold", action.EscalationThreshold)...)
		for _, b := range action.BackoffSeconds {
			if b < 0 {
				errors = append(errors, ValidationError{
					Field:   field + ".backoff_seconds",
					Value:   action.BackoffSeconds,
					Message: "entries must be non-negative",
				})
				break
			}
		}
	}
	return errors
}

// validateRealtime validates the RealtimeConfig
func (c *Config) validateRealtime() []ValidationError {
	var errors []ValidationError
	errors = append(errors, positive("realtime.queue_cap", c.Realtime.QueueCap)...)
	errors = append(errors, positive("realtime.idle_timeout_minutes", c.Realtime.IdleTimeoutMinutes)...)
	errors = append(errors, positive("realtime.retention_hours", c.Realtime.RetentionHours)...)
	errors = append(errors, positive("realtime.sweep_interval_seconds", c.Realtime.SweepIntervalSeconds)...)
	return errors
}

// validateWorkers validates the WorkersConfig
func (c *Config) validateWorkers() []ValidationError {
	var errors []ValidationError

	check := func(field, raw string) {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   raw,
				Message: "must be an http or https URL",
			})
		}
	}

	check("workers.base_url", c.Workers.BaseURL)
	for name, endpoint := range c.Workers.Endpoints {
		check("workers.endpoints."+name, endpoint)
	}

	if c.Workers.RequestsPerSecond < 0 {
		errors = append(errors, ValidationError{
			Field:   "workers.requests_per_second",
			Value:   c.Workers.RequestsPerSecond,
			Message: "must be non-negative",
		})
	}
	if c.Workers.RequestsPerSecond > 0 {
		errors = append(errors, positive("workers.burst", c.Workers.Burst)...)
	}
	return errors
}

// validatePlanner validates the PlannerConfig
func (c *Config) validatePlanner() []ValidationError {
	var errors []ValidationError
	errors = append(errors, positive("planner.default_estimate_seconds", c.Planner.DefaultEstimateSeconds)...)

	if c.Planner.CapabilityFile != "" {
		info, err := os.Stat(c.Planner.CapabilityFile)
		switch {
		case err != nil:
			errors = append(errors, ValidationError{
				Field:   "planner.capability_file",
				Value:   c.Planner.CapabilityFile,
				Message: "file does not exist or is not readable",
			})
		case info.IsDir():
			errors = append(errors, ValidationError{
				Field:   "planner.capability_file",
				Value:   c.Planner.CapabilityFile,
				Message: "must be a file, not a directory",
			})
		}
	}
	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	errors = append(errors, nonNegative("logging.max_size_mb", c.Logging.MaxSizeMB)...)
	errors = append(errors, nonNegative("logging.max_backups", c.Logging.MaxBackups)...)

	return errors
}

package orchestrator

import (
	"context"
	"time"

	"github.com/Iron-Ham/sessiond/internal/logging"
	"github.com/Iron-Ham/sessiond/internal/recovery"
	"github.com/Iron-Ham/sessiond/internal/session"
	"github.com/Iron-Ham/sessiond/internal/worker"
)

// serviceConfig holds optional configuration for a Service.
type serviceConfig struct {
	logger      *logging.Logger
	fallback    worker.Client
	workers     map[string]worker.Client
	notifier    recovery.Notifier
	oversight   session.Oversight
	sleep       func(ctx context.Context, d time.Duration) error
	watchConfig bool
}

// Option configures a Service.
type Option func(*serviceConfig)

// WithLogger sets the logger shared by every component.
// If nil, a logger is built from the logging section of the config.
func WithLogger(l *logging.Logger) Option {
	return func(c *serviceConfig) { c.logger = l }
}

// WithClient replaces the HTTP worker client used for workers without a
// client of their own.
func WithClient(client worker.Client) Option {
	return func(c *serviceConfig) { c.fallback = client }
}

// WithWorker registers a dedicated client for one worker.
func WithWorker(name string, client worker.Client) Option {
	return func(c *serviceConfig) {
		if c.workers == nil {
			c.workers = make(map[string]worker.Client)
		}
		c.workers[name] = client
	}
}

// WithNotifier overrides the escalation notifier chosen from the config.
func WithNotifier(n recovery.Notifier) Option {
	return func(c *serviceConfig) { c.notifier = n }
}

// WithOversight overrides the static oversight roles from the config.
func WithOversight(o session.Oversight) Option {
	return func(c *serviceConfig) { c.oversight = o }
}

// WithRetrySleep replaces the wait between recovery retries.
func WithRetrySleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *serviceConfig) { c.sleep = fn }
}

// WithConfigWatch reloads the capability table whenever the config file changes.
func WithConfigWatch() Option {
	return func(c *serviceConfig) { c.watchConfig = true }
}

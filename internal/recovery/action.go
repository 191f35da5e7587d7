package recovery

import (
	"time"

	"github.com/Iron-Ham/sessiond/internal/config"
)

// Strategy is how the engine responds to a classified failure.
type Strategy string

const (
	StrategyRetry    Strategy = "retry"
	StrategyFallback Strategy = "fallback"
	StrategySkip     Strategy = "skip"
	StrategyDegrade  Strategy = "degrade"
	StrategyEscalate Strategy = "escalate"
	StrategyAbort    Strategy = "abort"
)

// SuccessFunc decides whether an attempt's result counts as recovered.
type SuccessFunc func(value any, err error) bool

// DefaultSuccess treats any attempt without an error as recovered.
func DefaultSuccess(_ any, err error) bool { return err == nil }

// Action is the recovery policy for one category.
type Action struct {
	Strategy    Strategy
	MaxAttempts int
	// Backoff is the sleep before each retry; the last entry is reused.
	Backoff []time.Duration
	// FallbackOptions are alternate workers tried in order.
	FallbackOptions []string
	// EscalationThreshold escalates once a session accumulates this many
	// unrecovered failures in the category. 0 disables it.
	EscalationThreshold int
	Success             SuccessFunc
}

// BackoffFor returns the sleep before the i-th retry (0-based).
func (a Action) BackoffFor(i int) time.Duration {
	if len(a.Backoff) == 0 {
		return 0
	}
	if i >= len(a.Backoff) {
		return a.Backoff[len(a.Backoff)-1]
	}
	return a.Backoff[i]
}

func seconds(s ...int) []time.Duration {
	out := make([]time.Duration, len(s))
	for i, v := range s {
		out[i] = time.Duration(v) * time.Second
	}
	return out
}

// DefaultActions returns the built-in recovery policy for every category.
func DefaultActions() map[Category]Action {
	return map[Category]Action{
		CategoryNetwork: {
			Strategy: StrategyRetry, MaxAttempts: 3, Backoff: seconds(1, 2, 4), EscalationThreshold: 5,
		},
		CategoryWorkerCommunication: {
			Strategy: StrategyRetry, MaxAttempts: 3, Backoff: seconds(2, 4, 8), EscalationThreshold: 5,
		},
		CategoryTimeout: {
			Strategy: StrategyRetry, MaxAttempts: 2, Backoff: seconds(5, 10), EscalationThreshold: 3,
		},
		CategoryDependency: {
			Strategy: StrategySkip,
		},
		CategoryKnowledgeAccess: {
			Strategy: StrategyFallback, FallbackOptions: []string{"analytics", "coordination"}, EscalationThreshold: 3,
		},
		CategoryExternalService: {
			Strategy: StrategyFallback, FallbackOptions: []string{"coordination"}, EscalationThreshold: 3,
		},
		CategoryNotification: {
			Strategy: StrategyDegrade,
		},
		CategoryResourceExhaustion: {
			Strategy: StrategyAbort, EscalationThreshold: 1,
		},
		CategoryAuth: {
			Strategy: StrategyEscalate,
		},
		CategoryDataCorruption: {
			Strategy: StrategyEscalate,
		},
	}
}

// ActionsFromConfig overlays configured overrides on DefaultActions.
// Zero-valued override fields keep the built-in value.
func ActionsFromConfig(overrides map[string]config.ActionConfig) map[Category]Action {
	actions := DefaultActions()
	for name, o := range overrides {
		cat := Category(name)
		a, ok := actions[cat]
		if !ok {
			continue
		}
		if o.Strategy != "" {
			a.Strategy = Strategy(o.Strategy)
		}
		if o.MaxAttempts > 0 {
			a.MaxAttempts = o.MaxAttempts
		}
		if o.BackoffSeconds != nil {
			a.Backoff = seconds(o.BackoffSeconds...)
		}
		if o.FallbackOptions != nil {
			a.FallbackOptions = append([]string(nil), o.FallbackOptions...)
		}
		if o.EscalationThreshold > 0 {
			a.EscalationThreshold = o.EscalationThreshold
		}
		actions[cat] = a
	}
	return actions
}

package recovery

import (
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/sessiond/internal/errors"
)

// BreakerState is the state of one circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

type breakerKey struct {
	worker   string
	category Category
}

type breaker struct {
	state       BreakerState
	failures    int
	lastFailure time.Time
	nextRetry   time.Time // open: when a trial becomes eligible; half-open: when an unanswered trial expires
}

// BreakerStatus is a snapshot of one breaker.
type BreakerStatus struct {
	Worker      string       `json:"worker"`
	Category    Category     `json:"category"`
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"last_failure"`
	NextRetry   time.Time    `json:"next_retry,omitzero"`
}

// BreakerSet holds circuit breakers keyed by (worker, category). Breakers are
// created lazily on the first recorded failure.
type BreakerSet struct {
	mu        sync.Mutex
	breakers  map[breakerKey]*breaker
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewBreakerSet creates a BreakerSet. Non-positive arguments use 5 failures and 5 minutes.
func NewBreakerSet(threshold int, cooldown time.Duration) *BreakerSet {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &BreakerSet{
		breakers:  make(map[breakerKey]*breaker),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a dispatch to worker may proceed. It returns
// errors.ErrCircuitOpen while any of the worker's breakers is open or has a
// half-open trial in flight. The first call after a cooldown moves the
// breaker to half-open and admits exactly that call as the trial.
func (s *BreakerSet) Allow(worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var trial []*breaker
	for key, b := range s.breakers {
		if key.worker != worker {
			continue
		}
		switch b.state {
		case BreakerOpen, BreakerHalfOpen:
			if now.Before(b.nextRetry) {
				return errors.ErrCircuitOpen
			}
			trial = append(trial, b)
		}
	}
	for _, b := range trial {
		b.state = BreakerHalfOpen
		b.nextRetry = now.Add(s.cooldown)
	}
	return nil
}

// RecordFailure counts a failure against (worker, category). A closed breaker
// trips open at the threshold; a failed half-open trial re-opens every
// half-open breaker of the worker with a fresh cooldown.
func (s *BreakerSet) RecordFailure(worker string, category Category) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := breakerKey{worker: worker, category: category}
	b, ok := s.breakers[key]
	if !ok {
		b = &breaker{state: BreakerClosed}
		s.breakers[key] = b
	}
	b.failures++
	b.lastFailure = now

	for k, other := range s.breakers {
		if k.worker == worker && other.state == BreakerHalfOpen {
			other.state = BreakerOpen
			other.nextRetry = now.Add(s.cooldown)
		}
	}
	if b.state == BreakerClosed && b.failures >= s.threshold {
		b.state = BreakerOpen
		b.nextRetry = now.Add(s.cooldown)
	}
}

// RecordSuccess closes and zeroes every breaker of the worker that is not
// waiting out a cooldown.
func (s *BreakerSet) RecordSuccess(worker string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, b := range s.breakers {
		if k.worker != worker || b.state == BreakerOpen {
			continue
		}
		b.state = BreakerClosed
		b.failures = 0
		b.nextRetry = time.Time{}
	}
}

// State returns the state of (worker, category), closed if never seen.
func (s *BreakerSet) State(worker string, category Category) BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[breakerKey{worker: worker, category: category}]; ok {
		return b.state
	}
	return BreakerClosed
}

// Snapshot returns every breaker, sorted by worker then category.
func (s *BreakerSet) Snapshot() []BreakerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]BreakerStatus, 0, len(s.breakers))
	for k, b := range s.breakers {
		out = append(out, BreakerStatus{
			Worker:      k.worker,
			Category:    k.category,
			State:       b.state,
			Failures:    b.failures,
			LastFailure: b.lastFailure,
			NextRetry:   b.nextRetry,
		})
	}
	slices.SortFunc(out, func(a, b BreakerStatus) int {
		if a.Worker != b.Worker {
			if a.Worker < b.Worker {
				return -1
			}
			return 1
		}
		if a.Category < b.Category {
			return -1
		}
		if a.Category > b.Category {
			return 1
		}
		return 0
	})
	return out
}

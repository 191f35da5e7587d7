package worker

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/sessiond/internal/errors"
)

// unhealthyAfter is the number of consecutive failures that marks a worker unhealthy.
const unhealthyAfter = 3

// Health is a point-in-time view of one worker's call statistics.
type Health struct {
	Worker              string        `json:"worker"`
	Healthy             bool          `json:"healthy"`
	Calls               int           `json:"calls"`
	Failures            int           `json:"failures"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastLatency         time.Duration `json:"last_latency"`
	LastCall            time.Time     `json:"last_call"`
	LastError           string        `json:"last_error,omitempty"`
}

// Registry routes requests to per-worker clients by Request.BotType and keeps
// call statistics. It is itself a Client.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]Client
	fallback Client
	stats    map[string]*Health
	now      func() time.Time
}

// NewRegistry creates a Registry. fallback serves workers without a
// registered client; nil means such workers are unknown.
func NewRegistry(fallback Client) *Registry {
	return &Registry{
		clients:  make(map[string]Client),
		fallback: fallback,
		stats:    make(map[string]*Health),
		now:      time.Now,
	}
}

// Register installs a client for a worker, replacing any previous one.
func (r *Registry) Register(name string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = c
	if _, ok := r.stats[name]; !ok {
		r.stats[name] = &Health{Worker: name, Healthy: true}
	}
}

// Workers returns the names of registered workers, sorted.
func (r *Registry) Workers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Dispatch forwards req to the client for req.BotType.
func (r *Registry) Dispatch(ctx context.Context, req Request) (Response, error) {
	r.mu.RLock()
	client, ok := r.clients[req.BotType]
	if !ok {
		client = r.fallback
	}
	r.mu.RUnlock()

	if client == nil {
		return Response{}, errors.NewWorkerError("no client registered", errors.ErrUnknownWorker).
			WithWorker(req.BotType).
			WithSessionID(req.SessionID).
			WithKind(errors.KindExternalService)
	}

	start := r.now()
	resp, err := client.Dispatch(ctx, req)
	r.record(req.BotType, r.now().Sub(start), err)
	return resp, err
}

func (r *Registry) record(name string, latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.stats[name]
	if !ok {
		h = &Health{Worker: name}
		r.stats[name] = h
	}
	h.Calls++
	h.LastLatency = latency
	h.LastCall = r.now()
	if err != nil {
		h.Failures++
		h.ConsecutiveFailures++
		h.LastError = err.Error()
	} else {
		h.ConsecutiveFailures = 0
		h.LastError = ""
	}
	h.Healthy = h.ConsecutiveFailures < unhealthyAfter
}

// Health returns a snapshot of every known worker's statistics, sorted by name.
func (r *Registry) Health() []Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Health, 0, len(r.stats))
	for _, h := range r.stats {
		out = append(out, *h)
	}
	slices.SortFunc(out, func(a, b Health) int {
		switch {
		case a.Worker < b.Worker:
			return -1
		case a.Worker > b.Worker:
			return 1
		}
		return 0
	})
	return out
}

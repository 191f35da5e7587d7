// Package realtime fans session events out to live subscribers.
//
// The Coordinator keeps one index of connections per session. Events for a
// session with no live connection are queued and replayed, in order, to the
// next subscriber that connects. Every frame carries a priority and a
// coordinator-wide sequence number.
package realtime

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/sessiond/internal/errors"
	"github.com/Iron-Ham/sessiond/internal/event"
	"github.com/Iron-Ham/sessiond/internal/logging"
	"github.com/Iron-Ham/sessiond/internal/recovery"
	"github.com/Iron-Ham/sessiond/internal/session"
	"github.com/Iron-Ham/sessiond/internal/worker"
)

// SessionLookup serves get_status. *session.Manager implements it.
type SessionLookup interface {
	Get(id string) (session.Snapshot, error)
}

// HealthSource reports worker call statistics. *worker.Registry implements it.
type HealthSource interface {
	Health() []worker.Health
}

// BreakerSource reports circuit breaker states. *recovery.BreakerSet implements it.
type BreakerSource interface {
	Snapshot() []recovery.BreakerStatus
}

// Options configures a Coordinator.
type Options struct {
	// QueueCap bounds each session's offline queue. 0 means 100.
	QueueCap int
	// IdleTimeout drops connections with no activity. 0 means 30m.
	IdleTimeout time.Duration
	// Retention drops history and queued frames older than this. 0 means 24h.
	Retention time.Duration
	Sessions  SessionLookup
	Health    HealthSource
	Breakers  BreakerSource
	Logger    *logging.Logger
}

// ConnectionInfo describes one registered connection.
type ConnectionInfo struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	SubscriberID string    `json:"subscriber_id"`
	Role         string    `json:"role,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Delivered    int       `json:"delivered"`
}

type connection struct {
	conn Conn
	info ConnectionInfo
}

// Coordinator routes frames to connections. All methods are safe for
// concurrent use; delivery happens under a single lock so each connection
// receives frames in the order they were broadcast.
type Coordinator struct {
	mu        sync.Mutex
	conns     map[string]*connection
	bySession map[string]map[string]struct{}
	queues    map[string][]Frame
	history   []Frame
	seq       uint64

	queueCap    int
	idleTimeout time.Duration
	retention   time.Duration
	sessions    SessionLookup
	health      HealthSource
	breakers    BreakerSource
	logger      *logging.Logger
	now         func() time.Time
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.QueueCap <= 0 {
		opts.QueueCap = 100
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	return &Coordinator{
		conns:       make(map[string]*connection),
		bySession:   make(map[string]map[string]struct{}),
		queues:      make(map[string][]Frame),
		queueCap:    opts.QueueCap,
		idleTimeout: opts.IdleTimeout,
		retention:   opts.Retention,
		sessions:    opts.Sessions,
		health:      opts.Health,
		breakers:    opts.Breakers,
		logger:      opts.Logger.WithPhase("realtime"),
		now:         time.Now,
	}
}

func (c *Coordinator) frameLocked(sessionID string, u Update) Frame {
	c.seq++
	if u.Source == "" {
		u.Source = DefaultSource
	}
	if u.Priority == 0 {
		u.Priority = PriorityNormal
	}
	return Frame{
		UpdateType: u.Type,
		SessionID:  sessionID,
		Timestamp:  c.now(),
		Data:       u.Data,
		Source:     u.Source,
		Priority:   u.Priority,
		Seq:        c.seq,
	}
}

// Connect registers conn for sessionID, replays any queued frames in their
// original order, then sends connection_confirmed. Re-registering a
// connection moves it to the new session.
func (c *Coordinator) Connect(conn Conn, sessionID, subscriberID, role string) error {
	if conn == nil || sessionID == "" {
		return errors.Wrap(errors.ErrInvalidInput, "connect requires a connection and a session")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(conn.ID())
	now := c.now()
	rec := &connection{
		conn: conn,
		info: ConnectionInfo{
			ID:           conn.ID(),
			SessionID:    sessionID,
			SubscriberID: subscriberID,
			Role:         role,
			ConnectedAt:  now,
			LastActivity: now,
		},
	}
	c.conns[rec.info.ID] = rec
	if c.bySession[sessionID] == nil {
		c.bySession[sessionID] = make(map[string]struct{})
	}
	c.bySession[sessionID][rec.info.ID] = struct{}{}

	queued := c.queues[sessionID]
	delete(c.queues, sessionID)
	for i, f := range queued {
		if !c.sendLocked(rec, f) {
			// Undelivered frames wait for the next subscriber.
			c.queues[sessionID] = append(queued[i:], c.queues[sessionID]...)
			return errors.Wrapf(ErrConnectionClosed, "replaying queued frames to %s", rec.info.ID)
		}
	}

	confirm := c.frameLocked(sessionID, Update{
		Type: UpdateConnectionConfirmed,
		Data: ConnectionPayload{
			ConnectionID: rec.info.ID,
			SubscriberID: subscriberID,
			Role:         role,
			Replayed:     len(queued),
		},
	})
	if !c.sendLocked(rec, confirm) {
		return errors.Wrapf(ErrConnectionClosed, "confirming %s", rec.info.ID)
	}

	c.logger.Info("subscriber connected",
		"session_id", sessionID,
		"connection_id", rec.info.ID,
		"subscriber_id", subscriberID,
		"replayed", len(queued),
	)
	return nil
}

// sendLocked delivers f and drops the connection if the send fails.
func (c *Coordinator) sendLocked(rec *connection, f Frame) bool {
	if err := rec.conn.Send(f); err != nil {
		c.logger.Warn("dropping subscriber after failed send",
			"connection_id", rec.info.ID,
			"session_id", rec.info.SessionID,
			"error", err.Error(),
		)
		c.removeLocked(rec.info.ID)
		_ = rec.conn.Close()
		return false
	}
	rec.info.Delivered++
	rec.info.LastActivity = c.now()
	return true
}

// Disconnect removes conn from every index. It does not close conn.
func (c *Coordinator) Disconnect(conn Conn) {
	if conn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removeLocked(conn.ID()) {
		c.logger.Info("subscriber disconnected", "connection_id", conn.ID())
	}
}

func (c *Coordinator) removeLocked(id string) bool {
	rec, ok := c.conns[id]
	if !ok {
		return false
	}
	delete(c.conns, id)
	if ids := c.bySession[rec.info.SessionID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(c.bySession, rec.info.SessionID)
		}
	}
	return true
}

// Broadcast delivers u to every live connection for sessionID and returns
// the number of connections that received it. With no live connection the
// frame is queued, dropping the oldest queued frame past the cap. Error
// alerts are also mirrored to connections of every other session.
func (c *Coordinator) Broadcast(sessionID string, u Update) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := c.frameLocked(sessionID, u)
	c.history = append(c.history, f)

	delivered := 0
	for _, rec := range c.sessionConnsLocked(sessionID) {
		if c.sendLocked(rec, f) {
			delivered++
		}
	}
	if delivered == 0 {
		c.queues[sessionID] = append(c.queues[sessionID], f)
		if excess := len(c.queues[sessionID]) - c.queueCap; excess > 0 {
			c.queues[sessionID] = slices.Delete(c.queues[sessionID], 0, excess)
		}
	}

	if f.UpdateType == UpdateErrorAlert {
		for _, rec := range c.sortedConnsLocked() {
			if rec.info.SessionID != sessionID {
				c.sendLocked(rec, f)
			}
		}
	}
	return delivered
}

func (c *Coordinator) sessionConnsLocked(sessionID string) []*connection {
	ids := c.bySession[sessionID]
	out := make([]*connection, 0, len(ids))
	for id := range ids {
		out = append(out, c.conns[id])
	}
	sortByConnected(out)
	return out
}

func (c *Coordinator) sortedConnsLocked() []*connection {
	out := make([]*connection, 0, len(c.conns))
	for _, rec := range c.conns {
		out = append(out, rec)
	}
	sortByConnected(out)
	return out
}

func sortByConnected(conns []*connection) {
	slices.SortFunc(conns, func(a, b *connection) int {
		if n := a.info.ConnectedAt.Compare(b.info.ConnectedAt); n != 0 {
			return n
		}
		if a.info.ID < b.info.ID {
			return -1
		}
		if a.info.ID > b.info.ID {
			return 1
		}
		return 0
	})
}

// HandleInbound answers one raw inbound message from conn. Unknown or
// malformed messages receive an error frame.
func (c *Coordinator) HandleInbound(conn Conn, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.conns[conn.ID()]
	if !ok {
		return errors.Wrapf(ErrConnectionClosed, "inbound message from unknown connection %s", conn.ID())
	}
	rec.info.LastActivity = c.now()
	sessionID := rec.info.SessionID

	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.replyLocked(rec, Update{Type: UpdateError, Data: ErrorPayload{Message: "malformed message: " + err.Error()}})
		return nil
	}

	switch msg.Type {
	case InboundPing:
		c.replyLocked(rec, Update{Type: UpdatePong, Priority: PriorityLow})
	case InboundGetStatus:
		if c.sessions == nil {
			c.replyLocked(rec, Update{Type: UpdateError, Data: ErrorPayload{Message: "session status unavailable"}})
			return nil
		}
		snap, err := c.sessions.Get(sessionID)
		if err != nil {
			c.replyLocked(rec, Update{Type: UpdateError, Data: ErrorPayload{Message: err.Error()}})
			return nil
		}
		c.replyLocked(rec, Update{Type: UpdateStatus, Data: StatusPayload{
			Session:     snap,
			Connections: len(c.bySession[sessionID]),
			Queued:      len(c.queues[sessionID]),
		}})
	case InboundGetBotHealth:
		var p BotHealthPayload
		if c.health != nil {
			p.Workers = c.health.Health()
		}
		if c.breakers != nil {
			p.Breakers = c.breakers.Snapshot()
		}
		c.replyLocked(rec, Update{Type: UpdateBotHealth, Data: p})
	default:
		c.replyLocked(rec, Update{Type: UpdateError, Data: ErrorPayload{Message: "unknown message type " + msg.Type}})
	}
	return nil
}

func (c *Coordinator) replyLocked(rec *connection, u Update) {
	c.sendLocked(rec, c.frameLocked(rec.info.SessionID, u))
}

// Sweep drops connections idle past the idle timeout and frames older than
// the retention window. It returns the number of connections dropped.
func (c *Coordinator) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	idleCutoff := now.Add(-c.idleTimeout)
	dropped := 0
	for id, rec := range c.conns {
		if rec.info.LastActivity.Before(idleCutoff) {
			c.removeLocked(id)
			_ = rec.conn.Close()
			dropped++
		}
	}

	cutoff := now.Add(-c.retention)
	expired := func(f Frame) bool { return f.Timestamp.Before(cutoff) }
	c.history = slices.DeleteFunc(c.history, expired)
	for sessionID, q := range c.queues {
		if q = slices.DeleteFunc(q, expired); len(q) == 0 {
			delete(c.queues, sessionID)
		} else {
			c.queues[sessionID] = q
		}
	}

	if dropped > 0 {
		c.logger.Info("dropped idle subscribers", "count", dropped)
	}
	return dropped
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Connections returns the connections registered for sessionID, oldest first.
func (c *Coordinator) Connections(sessionID string) []ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	recs := c.sessionConnsLocked(sessionID)
	out := make([]ConnectionInfo, len(recs))
	for i, rec := range recs {
		out[i] = rec.info
	}
	return out
}

// Queued returns the number of frames waiting for sessionID.
func (c *Coordinator) Queued(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[sessionID])
}

// History returns the retained frames for sessionID in broadcast order.
func (c *Coordinator) History(sessionID string) []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Frame
	for _, f := range c.history {
		if f.SessionID == sessionID {
			out = append(out, f)
		}
	}
	return out
}

// Attach subscribes the coordinator to every event on bus and returns the
// subscription ID for Detach.
func (c *Coordinator) Attach(bus *event.Bus) string {
	return bus.SubscribeAll(c.handleEvent)
}

// Detach removes a subscription made by Attach.
func (c *Coordinator) Detach(bus *event.Bus, id string) {
	bus.Unsubscribe(id)
}

func (c *Coordinator) handleEvent(e event.Event) {
	u, ok := updateFor(e)
	if !ok {
		return
	}
	c.Broadcast(e.Session(), u)
}

// updateFor converts a bus event into a typed update.
func updateFor(e event.Event) (Update, bool) {
	switch ev := e.(type) {
	case event.SessionStateChangedEvent:
		to := session.State(ev.To)
		priority := PriorityNormal
		if to.IsTerminal() {
			priority = PriorityHigh
		}
		return Update{Type: UpdateStateChange, Priority: priority, Data: StateChangePayload{
			From:     session.State(ev.From),
			To:       to,
			Reason:   ev.Reason,
			Progress: ev.Progress,
		}}, true
	case event.SessionProgressEvent:
		return Update{Type: UpdateProgress, Priority: PriorityLow, Data: ProgressPayload{
			Progress:            ev.Progress,
			Completed:           ev.Completed,
			Failed:              ev.Failed,
			Skipped:             ev.Skipped,
			Total:               ev.Total,
			EstimatedCompletion: ev.EstimatedCompletion,
		}}, true
	case event.PlanReadyEvent:
		return Update{Type: UpdatePlanReady, Priority: PriorityNormal, Data: PlanReadyPayload{
			Phases:            ev.Phases,
			TotalTasks:        ev.TotalTasks,
			EstimatedDuration: ev.EstimatedDuration,
			Workers:           ev.Workers,
		}}, true
	case event.TaskProgressEvent:
		return Update{Type: UpdateTaskProgress, Priority: PriorityLow, Data: TaskProgressPayload{
			TaskID:     ev.TaskID,
			Worker:     ev.Worker,
			Status:     ev.Status,
			Confidence: ev.Confidence,
			Duration:   ev.Duration,
			Attempts:   ev.Attempts,
			Degraded:   ev.Degraded,
		}}, true
	case event.ErrorAlertEvent:
		severity := recovery.Severity(ev.Severity)
		return Update{Type: UpdateErrorAlert, Priority: Priority(severity.Priority()), Data: ErrorAlertPayload{
			ErrorID:           ev.ErrorID,
			TaskID:            ev.TaskID,
			Worker:            ev.Worker,
			Category:          recovery.Category(ev.Category),
			Severity:          severity,
			Message:           ev.Message,
			RecoveryAttempted: ev.RecoveryAttempted,
			Recovered:         ev.Recovered,
			Escalated:         ev.Escalated,
		}}, true
	default:
		return Update{}, false
	}
}

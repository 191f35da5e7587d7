package realtime

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/sessiond/internal/errors"
	"github.com/Iron-Ham/sessiond/internal/event"
	"github.com/Iron-Ham/sessiond/internal/recovery"
	"github.com/Iron-Ham/sessiond/internal/session"
	"github.com/Iron-Ham/sessiond/internal/worker"
)

// flakyConn accepts okSends frames, then fails every Send.
type flakyConn struct {
	id      string
	mu      sync.Mutex
	okSends int
	frames  []Frame
	closed  bool
}

func (f *flakyConn) ID() string { return f.id }

func (f *flakyConn) Send(fr Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.okSends <= 0 {
		return errors.New("broken pipe")
	}
	f.okSends--
	f.frames = append(f.frames, fr)
	return nil
}

func (f *flakyConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func drain(t *testing.T, c *ChannelConn, n int) []Frame {
	t.Helper()
	out := make([]Frame, 0, n)
	for range n {
		select {
		case f, ok := <-c.Frames():
			if !ok {
				t.Fatalf("connection closed after %d of %d frames", len(out), n)
			}
			out = append(out, f)
		default:
			t.Fatalf("got %d frames, want %d", len(out), n)
		}
	}
	return out
}

func assertNoFrame(t *testing.T, c *ChannelConn) {
	t.Helper()
	select {
	case f := <-c.Frames():
		t.Errorf("unexpected frame %+v", f)
	default:
	}
}

func progressUpdate(p float64) Update {
	return Update{Type: UpdateProgress, Priority: PriorityLow, Data: ProgressPayload{Progress: p}}
}

func TestBroadcastQueuesUntilConnect(t *testing.T) {
	c := New(Options{})
	for _, p := range []float64{10, 20, 30} {
		if n := c.Broadcast("s1", progressUpdate(p)); n != 0 {
			t.Fatalf("Broadcast() delivered to %d connections, want 0", n)
		}
	}
	if got := c.Queued("s1"); got != 3 {
		t.Fatalf("Queued() = %d, want 3", got)
	}

	conn := NewChannelConn(16)
	if err := c.Connect(conn, "s1", "dana", "owner"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	frames := drain(t, conn, 4)
	for i, want := range []float64{10, 20, 30} {
		p, ok := frames[i].Data.(ProgressPayload)
		if !ok || p.Progress != want {
			t.Errorf("frame %d = %+v, want progress %v", i, frames[i].Data, want)
		}
	}
	confirm := frames[3]
	if confirm.UpdateType != UpdateConnectionConfirmed {
		t.Fatalf("last frame = %s, want connection_confirmed", confirm.UpdateType)
	}
	if p := confirm.Data.(ConnectionPayload); p.Replayed != 3 || p.SubscriberID != "dana" {
		t.Errorf("confirmation = %+v", p)
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].Seq <= frames[i-1].Seq {
			t.Errorf("seq not increasing: %d then %d", frames[i-1].Seq, frames[i].Seq)
		}
	}
	if got := c.Queued("s1"); got != 0 {
		t.Errorf("Queued() after connect = %d, want 0", got)
	}
}

func TestFailedReplayRequeuesRemainder(t *testing.T) {
	c := New(Options{})
	for _, p := range []float64{10, 20, 30} {
		c.Broadcast("s1", progressUpdate(p))
	}

	bad := &flakyConn{id: "bad", okSends: 1}
	if err := c.Connect(bad, "s1", "dana", "owner"); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionClosed", err)
	}
	if got := c.Queued("s1"); got != 2 {
		t.Fatalf("Queued() after failed replay = %d, want 2", got)
	}
	if got := len(c.Connections("s1")); got != 0 {
		t.Errorf("Connections() = %d, want failed connection dropped", got)
	}

	good := NewChannelConn(16)
	if err := c.Connect(good, "s1", "dana", "owner"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	frames := drain(t, good, 3)
	for i, want := range []float64{20, 30} {
		p, ok := frames[i].Data.(ProgressPayload)
		if !ok || p.Progress != want {
			t.Errorf("frame %d = %+v, want progress %v", i, frames[i].Data, want)
		}
	}
	if p := frames[2].Data.(ConnectionPayload); p.Replayed != 2 {
		t.Errorf("Replayed = %d, want 2", p.Replayed)
	}
	if got := c.Queued("s1"); got != 0 {
		t.Errorf("Queued() after replay = %d, want 0", got)
	}
}

func TestQueueDropsOldest(t *testing.T) {
	c := New(Options{QueueCap: 2})
	for _, p := range []float64{10, 20, 30} {
		c.Broadcast("s1", progressUpdate(p))
	}

	conn := NewChannelConn(8)
	if err := c.Connect(conn, "s1", "dana", ""); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	frames := drain(t, conn, 3)
	if p := frames[0].Data.(ProgressPayload); p.Progress != 20 {
		t.Errorf("first replayed progress = %v, want 20", p.Progress)
	}
	if p := frames[1].Data.(ProgressPayload); p.Progress != 30 {
		t.Errorf("second replayed progress = %v, want 30", p.Progress)
	}
}

func TestBroadcastDropsFailedConnections(t *testing.T) {
	c := New(Options{})
	healthy := NewChannelConn(8)
	broken := &flakyConn{id: "broken", okSends: 1}

	if err := c.Connect(healthy, "s1", "dana", ""); err != nil {
		t.Fatalf("Connect(healthy) error = %v", err)
	}
	if err := c.Connect(broken, "s1", "lee", ""); err != nil {
		t.Fatalf("Connect(broken) error = %v", err)
	}
	drain(t, healthy, 1)

	if n := c.Broadcast("s1", progressUpdate(50)); n != 1 {
		t.Errorf("Broadcast() delivered = %d, want 1", n)
	}
	conns := c.Connections("s1")
	if len(conns) != 1 || conns[0].ID != healthy.ID() {
		t.Errorf("Connections() = %+v, want only the healthy one", conns)
	}
	if !broken.closed {
		t.Error("failed connection was not closed")
	}
	if got := c.Queued("s1"); got != 0 {
		t.Errorf("Queued() = %d, want 0 when one connection received the frame", got)
	}
}

func TestErrorAlertsMirrored(t *testing.T) {
	c := New(Options{})
	own := NewChannelConn(8)
	other := NewChannelConn(8)
	if err := c.Connect(own, "s1", "dana", ""); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(other, "s2", "lee", ""); err != nil {
		t.Fatal(err)
	}
	drain(t, own, 1)
	drain(t, other, 1)

	c.Broadcast("s1", progressUpdate(40))
	drain(t, own, 1)
	assertNoFrame(t, other)

	alert := Update{Type: UpdateErrorAlert, Priority: PriorityUrgent, Data: ErrorAlertPayload{ErrorID: "e1"}}
	c.Broadcast("s1", alert)

	got := drain(t, own, 1)[0]
	mirrored := drain(t, other, 1)[0]
	if got.Seq != mirrored.Seq || mirrored.SessionID != "s1" {
		t.Errorf("mirrored frame = %+v, want the s1 alert", mirrored)
	}
	assertNoFrame(t, own)
}

func TestAttachConvertsBusEvents(t *testing.T) {
	bus := event.NewBus(nil)
	c := New(Options{})
	c.Attach(bus)
	conn := NewChannelConn(16)
	if err := c.Connect(conn, "s1", "dana", ""); err != nil {
		t.Fatal(err)
	}
	drain(t, conn, 1)

	bus.Publish(event.NewSessionStateChangedEvent("s1", "EXECUTING", "SUSPENDED", "maintenance", 40))
	bus.Publish(event.NewTaskProgressEvent("s1", "p1-design", "design", "running"))
	bus.Publish(event.NewErrorAlertEvent("s1", "e1", "p1-design", "design", "auth", "critical", "unauthorized"))
	bus.Publish(event.NewSessionStateChangedEvent("s1", "EXECUTING", "FAILED", "task p1-design failed", 40))

	frames := drain(t, conn, 4)
	tests := []struct {
		typ      UpdateType
		priority Priority
	}{
		{UpdateStateChange, PriorityNormal},
		{UpdateTaskProgress, PriorityLow},
		{UpdateErrorAlert, PriorityUrgent},
		{UpdateStateChange, PriorityHigh},
	}
	for i, tt := range tests {
		if frames[i].UpdateType != tt.typ || frames[i].Priority != tt.priority {
			t.Errorf("frame %d = %s/%d, want %s/%d", i, frames[i].UpdateType, frames[i].Priority, tt.typ, tt.priority)
		}
		if frames[i].Source != DefaultSource {
			t.Errorf("frame %d source = %q", i, frames[i].Source)
		}
	}

	state := frames[0].Data.(StateChangePayload)
	if state.To != session.StateSuspended || state.Reason != "maintenance" {
		t.Errorf("state payload = %+v", state)
	}
	alert := frames[2].Data.(ErrorAlertPayload)
	if alert.Category != recovery.CategoryAuth || alert.Severity != recovery.SeverityCritical {
		t.Errorf("alert payload = %+v", alert)
	}
}

type fakeLookup map[string]session.Snapshot

func (f fakeLookup) Get(id string) (session.Snapshot, error) {
	s, ok := f[id]
	if !ok {
		return session.Snapshot{}, errors.ErrSessionNotFound
	}
	return s, nil
}

func TestHandleInbound(t *testing.T) {
	breakers := recovery.NewBreakerSet(2, time.Minute)
	breakers.RecordFailure("design", recovery.CategoryTimeout)
	breakers.RecordFailure("design", recovery.CategoryTimeout)

	c := New(Options{
		Sessions: fakeLookup{"s1": {ID: "s1", State: session.StateExecuting}},
		Health:   worker.NewRegistry(nil),
		Breakers: breakers,
	})
	conn := NewChannelConn(16)
	if err := c.Connect(conn, "s1", "dana", ""); err != nil {
		t.Fatal(err)
	}
	drain(t, conn, 1)

	tests := []struct {
		name string
		raw  string
		want UpdateType
	}{
		{"ping", `{"type":"ping"}`, UpdatePong},
		{"status", `{"type":"get_status"}`, UpdateStatus},
		{"bot health", `{"type":"get_bot_health"}`, UpdateBotHealth},
		{"unknown", `{"type":"subscribe_all"}`, UpdateError},
		{"malformed", `{"type":`, UpdateError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.HandleInbound(conn, []byte(tt.raw)); err != nil {
				t.Fatalf("HandleInbound() error = %v", err)
			}
			f := drain(t, conn, 1)[0]
			if f.UpdateType != tt.want {
				t.Fatalf("reply = %s, want %s", f.UpdateType, tt.want)
			}
			switch p := f.Data.(type) {
			case StatusPayload:
				if p.Session.State != session.StateExecuting || p.Connections != 1 {
					t.Errorf("status = %+v", p)
				}
			case BotHealthPayload:
				if len(p.Breakers) != 1 || p.Breakers[0].State != recovery.BreakerOpen {
					t.Errorf("breakers = %+v, want one open breaker", p.Breakers)
				}
			}
		})
	}

	if err := c.HandleInbound(NewChannelConn(1), []byte(`{"type":"ping"}`)); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("HandleInbound(unregistered) error = %v, want ErrConnectionClosed", err)
	}
}

func TestSweep(t *testing.T) {
	c := New(Options{IdleTimeout: 30 * time.Minute, Retention: 24 * time.Hour})
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	idle := NewChannelConn(8)
	if err := c.Connect(idle, "s1", "dana", ""); err != nil {
		t.Fatal(err)
	}
	c.Broadcast("s2", progressUpdate(10))

	now = now.Add(20 * time.Minute)
	active := NewChannelConn(8)
	if err := c.Connect(active, "s3", "lee", ""); err != nil {
		t.Fatal(err)
	}

	now = now.Add(15 * time.Minute)
	if dropped := c.Sweep(); dropped != 1 {
		t.Fatalf("Sweep() dropped = %d, want 1", dropped)
	}
	if len(c.Connections("s1")) != 0 || len(c.Connections("s3")) != 1 {
		t.Errorf("connections after sweep: s1=%d s3=%d", len(c.Connections("s1")), len(c.Connections("s3")))
	}
	drain(t, idle, 1)
	if _, ok := <-idle.Frames(); ok {
		t.Error("idle connection was not closed")
	}
	if c.Queued("s2") != 1 {
		t.Errorf("Queued(s2) = %d, want 1 inside retention", c.Queued("s2"))
	}

	now = now.Add(25 * time.Hour)
	c.Sweep()
	if c.Queued("s2") != 0 || len(c.History("s2")) != 0 {
		t.Errorf("expired frames kept: queued=%d history=%d", c.Queued("s2"), len(c.History("s2")))
	}
}

func TestDisconnect(t *testing.T) {
	c := New(Options{})
	conn := NewChannelConn(8)
	if err := c.Connect(conn, "s1", "dana", ""); err != nil {
		t.Fatal(err)
	}
	c.Disconnect(conn)

	if len(c.Connections("s1")) != 0 {
		t.Error("connection still registered after Disconnect")
	}
	c.Broadcast("s1", progressUpdate(10))
	if c.Queued("s1") != 1 {
		t.Errorf("Queued() = %d, want 1 after the only subscriber left", c.Queued("s1"))
	}
}

func TestConnectValidates(t *testing.T) {
	c := New(Options{})
	if err := c.Connect(NewChannelConn(1), "", "dana", ""); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Connect() without session error = %v, want ErrInvalidInput", err)
	}
}

func TestWriterConnWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	conn := NewWriterConn(&buf)
	c := New(Options{})
	if err := c.Connect(conn, "s1", "cli", ""); err != nil {
		t.Fatal(err)
	}
	c.Broadcast("s1", progressUpdate(25))

	dec := json.NewDecoder(&buf)
	var types []string
	for dec.More() {
		var f struct {
			UpdateType string `json:"updateType"`
			SessionID  string `json:"sessionID"`
			Priority   int    `json:"priority"`
		}
		if err := dec.Decode(&f); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if f.SessionID != "s1" {
			t.Errorf("sessionID = %q", f.SessionID)
		}
		types = append(types, f.UpdateType)
	}
	if len(types) != 2 || types[0] != "connection_confirmed" || types[1] != "progress_update" {
		t.Errorf("frames = %v", types)
	}

	_ = conn.Close()
	if err := conn.Send(Frame{}); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send() after Close error = %v, want ErrConnectionClosed", err)
	}
}

package realtime

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/Iron-Ham/sessiond/internal/errors"
)

var (
	// ErrConnectionClosed is returned by Send after Close.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBufferFull is returned when a ChannelConn cannot take another frame.
	ErrBufferFull = errors.New("connection buffer full")
)

// Conn is one subscriber transport. Send is called with the coordinator's
// lock held and must not block for long; a failed Send drops the connection.
type Conn interface {
	ID() string
	Send(Frame) error
	Close() error
}

// ChannelConn delivers frames to an in-process reader through a buffered channel.
type ChannelConn struct {
	id     string
	mu     sync.Mutex
	ch     chan Frame
	closed bool
}

// NewChannelConn creates a ChannelConn holding up to buffer undelivered frames.
func NewChannelConn(buffer int) *ChannelConn {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelConn{id: uuid.NewString(), ch: make(chan Frame, buffer)}
}

func (c *ChannelConn) ID() string { return c.id }

// Frames returns the channel frames arrive on. It is closed by Close.
func (c *ChannelConn) Frames() <-chan Frame { return c.ch }

// Send enqueues f without blocking.
func (c *ChannelConn) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.ch <- f:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close closes the frame channel. It is safe to call more than once.
func (c *ChannelConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}

// WriterConn writes each frame as one line of JSON.
type WriterConn struct {
	id     string
	mu     sync.Mutex
	enc    *json.Encoder
	closed bool
}

// NewWriterConn creates a WriterConn over w.
func NewWriterConn(w io.Writer) *WriterConn {
	return &WriterConn{id: uuid.NewString(), enc: json.NewEncoder(w)}
}

func (c *WriterConn) ID() string { return c.id }

func (c *WriterConn) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	return c.enc.Encode(f)
}

func (c *WriterConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

package conn

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asg58/ai-voice-agent-v3/internal/protocol"
)

// ErrSlowConsumer reports an outbound frame dropped because the
// connection's write queue was saturated.
var ErrSlowConsumer = errors.New("outbound queue saturated, frame dropped")

// Transport is the live bidirectional channel; *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

const (
	outboundQueueSize = 256
	controlQueueSize  = 32
	writeDeadline     = 10 * time.Second
)

type frame struct {
	kind protocol.FrameKind
	data []byte
}

// Conn wraps one registered transport. All writes funnel through a single
// pump goroutine; control frames (pong, error) take a priority lane so they
// are never stuck behind queued audio.
type Conn struct {
	sessionID string
	transport Transport

	outbound chan frame
	control  chan frame
	done     chan struct{}

	closeOnce sync.Once
	state     atomic.Int32
	lastPong  atomic.Int64

	drops  atomic.Uint64
	onDrop func(sessionID string)
}

func newConn(sessionID string, t Transport, onDrop func(string)) *Conn {
	c := &Conn{
		sessionID: sessionID,
		transport: t,
		outbound:  make(chan frame, outboundQueueSize),
		control:   make(chan frame, controlQueueSize),
		done:      make(chan struct{}),
		onDrop:    onDrop,
	}
	c.state.Store(int32(StateConnecting))
	c.lastPong.Store(time.Now().UTC().UnixNano())
	return c
}

func (c *Conn) SessionID() string { return c.sessionID }

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) markOpen() { c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) }

// TouchPong records client liveness; called on protocol pongs and on any
// inbound frame.
func (c *Conn) TouchPong() { c.lastPong.Store(time.Now().UTC().UnixNano()) }

func (c *Conn) LastPong() time.Time { return time.Unix(0, c.lastPong.Load()).UTC() }

// Drops reports how many outbound frames were discarded due to a slow
// consumer.
func (c *Conn) Drops() uint64 { return c.drops.Load() }

// Send encodes and queues one outbound message. Control-grade frames
// (pong, error) bypass the regular queue for minimum latency. A saturated
// queue drops the frame rather than blocking the caller.
func (c *Conn) Send(msg any) error {
	if c.State() >= StateClosing {
		return ErrNotConnected
	}
	kind, data, err := protocol.EncodeServerFrame(msg)
	if err != nil {
		return err
	}
	f := frame{kind: kind, data: data}

	lane := c.outbound
	switch msg.(type) {
	case protocol.Pong, protocol.ErrorEvent:
		lane = c.control
	}

	select {
	case <-c.done:
		return ErrNotConnected
	case lane <- f:
		return nil
	default:
		c.drops.Add(1)
		if c.onDrop != nil {
			c.onDrop(c.sessionID)
		}
		return ErrSlowConsumer
	}
}

// Flush waits until the queued outbound frames have been handed to the
// transport or the grace period elapses. Used before a graceful close so
// pending responses are not discarded.
func (c *Conn) Flush(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if len(c.control) == 0 && len(c.outbound) == 0 {
			return
		}
		select {
		case <-c.done:
			return
		case <-time.After(time.Millisecond):
		}
	}
}

// Ping sends a websocket-level ping control frame, used by heartbeat sweeps.
func (c *Conn) Ping() error {
	if c.State() >= StateClosing {
		return ErrNotConnected
	}
	return c.transport.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline))
}

// Close sends a close frame with the given code and tears the transport
// down. Idempotent.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.transport.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
		close(c.done)
		c.state.Store(int32(StateClosed))
		_ = c.transport.Close()
	})
}

// pump is the sole writer on the transport.
func (c *Conn) pump() {
	for {
		// Drain the priority lane first.
		select {
		case f := <-c.control:
			if !c.write(f) {
				return
			}
			continue
		default:
		}
		select {
		case <-c.done:
			return
		case f := <-c.control:
			if !c.write(f) {
				return
			}
		case f := <-c.outbound:
			if !c.write(f) {
				return
			}
		}
	}
}

func (c *Conn) write(f frame) bool {
	msgType := websocket.TextMessage
	if f.kind == protocol.FrameBinary {
		msgType = websocket.BinaryMessage
	}
	_ = c.transport.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.transport.WriteMessage(msgType, f.data); err != nil {
		c.Close(websocket.CloseGoingAway, "write failed")
		return false
	}
	return true
}

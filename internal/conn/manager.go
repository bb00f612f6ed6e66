package conn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/asg58/ai-voice-agent-v3/internal/protocol"
)

var (
	ErrCapacityExceeded = errors.New("connection capacity exceeded")
	ErrNotConnected     = errors.New("session has no live connection")
)

// Manager owns the set of live transport connections and the session id to
// connection mapping. It is one of exactly two shared mutable structures in
// the gateway; all synchronization lives here.
type Manager struct {
	mu     sync.Mutex
	conns  map[string]*Conn
	max    int
	onDrop func(sessionID string)
}

func NewManager(maxConnections int) *Manager {
	if maxConnections <= 0 {
		maxConnections = 500
	}
	return &Manager{
		conns: make(map[string]*Conn),
		max:   maxConnections,
	}
}

// SetDropHook installs a callback invoked when an outbound frame is dropped
// for a slow consumer; used for metrics.
func (m *Manager) SetDropHook(hook func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDrop = hook
}

// Register binds a transport to a session. At most one live connection per
// session: an existing connection is closed with the superseded code before
// the new one becomes active. Past the global cap it fails with
// ErrCapacityExceeded and the caller must close the incoming transport.
func (m *Manager) Register(sessionID string, t Transport) (*Conn, error) {
	m.mu.Lock()
	old := m.conns[sessionID]
	if old == nil && len(m.conns) >= m.max {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d live connections", ErrCapacityExceeded, m.max)
	}
	c := newConn(sessionID, t, m.onDrop)
	m.conns[sessionID] = c
	m.mu.Unlock()

	// Protocol-level pongs count as liveness; the handler fires inside the
	// reader's ReadMessage calls.
	t.SetPongHandler(func(string) error {
		c.TouchPong()
		return nil
	})

	if old != nil {
		old.Close(protocol.CloseCodeSuperseded, "superseded by newer connection")
	}

	go c.pump()
	c.markOpen()
	return c, nil
}

// Unregister removes the mapping for this specific connection. Idempotent,
// and a superseded connection can never unregister its replacement.
func (m *Manager) Unregister(sessionID string, c *Conn) {
	m.mu.Lock()
	if current, ok := m.conns[sessionID]; ok && current == c {
		delete(m.conns, sessionID)
	}
	m.mu.Unlock()
}

// Get returns the live connection for a session, if any.
func (m *Manager) Get(sessionID string) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[sessionID]
	return c, ok
}

// Send delivers a message to the session's connection, best effort.
// ErrNotConnected is a no-op signal, not a failure: async results routinely
// arrive after the client disconnected.
func (m *Manager) Send(sessionID string, msg any) error {
	c, ok := m.Get(sessionID)
	if !ok {
		return ErrNotConnected
	}
	return c.Send(msg)
}

// Broadcast delivers a message to every connection matching the predicate.
// Operational signals only (e.g. shutdown notice), not the hot path.
func (m *Manager) Broadcast(pred func(sessionID string) bool, msg any) {
	m.mu.Lock()
	targets := make([]*Conn, 0, len(m.conns))
	for id, c := range m.conns {
		if pred == nil || pred(id) {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	for _, c := range targets {
		_ = c.Send(msg)
	}
}

// CloseSession closes and removes the session's connection, if any.
func (m *Manager) CloseSession(sessionID string, code int, reason string) {
	m.mu.Lock()
	c, ok := m.conns[sessionID]
	if ok {
		delete(m.conns, sessionID)
	}
	m.mu.Unlock()
	if ok {
		c.Close(code, reason)
	}
}

// Snapshot returns the current connections, for heartbeat sweeps.
func (m *Manager) Snapshot() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrBackpressure is returned by Enqueue when a bound is hit; callers must
// surface it as a client-visible error frame, never drop silently.
var ErrBackpressure = errors.New("audio queue full")

type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Task is one audio chunk awaiting transcription/processing.
type Task struct {
	SessionID  string
	Payload    []byte
	SampleRate int
	Priority   Priority
	EnqueuedAt time.Time
	Seq        uint64
}

// Handler processes one dequeued task. A panic inside a handler is
// recovered by the worker; it never takes down the pool.
type Handler func(ctx context.Context, task Task)

type sessionQueue struct {
	tasks []Task
	// busy marks a task from this session in flight; the session is
	// skipped by dispatch until the worker releases it, which keeps
	// per-session processing strictly FIFO even with a parallel pool.
	busy bool
}

// Queue decouples the connection receive loop from slow audio work.
// Per-session FIFO deques are served round-robin so one chatty session
// cannot starve the others.
type Queue struct {
	mu       sync.Mutex
	sessions map[string]*sessionQueue
	ring     []string
	next     int
	total    int

	sessionCap int
	globalCap  int

	seq    uint64
	notify chan struct{}
}

func NewQueue(sessionCap, globalCap int) *Queue {
	if sessionCap <= 0 {
		sessionCap = 50
	}
	if globalCap < sessionCap {
		globalCap = sessionCap * 40
	}
	return &Queue{
		sessions:   make(map[string]*sessionQueue),
		sessionCap: sessionCap,
		globalCap:  globalCap,
		notify:     make(chan struct{}, 1),
	}
}

// Enqueue is non-blocking: it either accepts the task or fails fast with
// ErrBackpressure when the per-session or global bound is exceeded.
func (q *Queue) Enqueue(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.total >= q.globalCap {
		return fmt.Errorf("%w: global queue at %d", ErrBackpressure, q.total)
	}
	sq, ok := q.sessions[t.SessionID]
	if !ok {
		sq = &sessionQueue{}
		q.sessions[t.SessionID] = sq
		q.ring = append(q.ring, t.SessionID)
	}
	if len(sq.tasks) >= q.sessionCap {
		return fmt.Errorf("%w: session %s queue at %d", ErrBackpressure, t.SessionID, len(sq.tasks))
	}

	q.seq++
	t.Seq = q.seq
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	if t.Priority == PriorityHigh {
		sq.tasks = append([]Task{t}, sq.tasks...)
	} else {
		sq.tasks = append(sq.tasks, t)
	}
	q.total++

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// DropSession discards all pending tasks for a session, returning how many
// were dropped. In-flight tasks still run to completion; their results are
// discarded at delivery time.
func (q *Queue) DropSession(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	sq, ok := q.sessions[sessionID]
	if !ok {
		return 0
	}
	dropped := len(sq.tasks)
	q.total -= dropped
	sq.tasks = nil
	if !sq.busy {
		delete(q.sessions, sessionID)
		q.removeFromRing(sessionID)
	}
	return dropped
}

// Depth reports the total number of queued tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

// SessionDepth reports the number of queued tasks for one session.
func (q *Queue) SessionDepth(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if sq, ok := q.sessions[sessionID]; ok {
		return len(sq.tasks)
	}
	return 0
}

// Start launches the fixed worker pool; workers exit when ctx is cancelled.
func (q *Queue) Start(ctx context.Context, workers int, handler Handler) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go q.worker(ctx, handler)
	}
}

func (q *Queue) worker(ctx context.Context, handler Handler) {
	for {
		task, ok := q.dequeue(ctx)
		if !ok {
			return
		}
		q.run(ctx, handler, task)
		q.release(task.SessionID)
	}
}

func (q *Queue) run(ctx context.Context, handler Handler, task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("session %s: audio task panic recovered: %v", task.SessionID, r)
		}
	}()
	handler(ctx, task)
}

func (q *Queue) dequeue(ctx context.Context) (Task, bool) {
	for {
		if t, ok := q.tryDequeue(); ok {
			return t, true
		}
		select {
		case <-ctx.Done():
			return Task{}, false
		case <-q.notify:
		}
	}
}

// tryDequeue scans the ring once starting after the last served session,
// which yields round-robin fairness across sessions.
func (q *Queue) tryDequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.ring)
	for i := 0; i < n; i++ {
		idx := (q.next + i) % n
		id := q.ring[idx]
		sq := q.sessions[id]
		if sq == nil || sq.busy || len(sq.tasks) == 0 {
			continue
		}
		t := sq.tasks[0]
		sq.tasks = sq.tasks[1:]
		sq.busy = true
		q.total--
		q.next = (idx + 1) % n
		return t, true
	}
	return Task{}, false
}

func (q *Queue) release(sessionID string) {
	q.mu.Lock()
	sq, ok := q.sessions[sessionID]
	if ok {
		sq.busy = false
		if len(sq.tasks) == 0 {
			delete(q.sessions, sessionID)
			q.removeFromRing(sessionID)
		}
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) removeFromRing(sessionID string) {
	for i, id := range q.ring {
		if id != sessionID {
			continue
		}
		q.ring = append(q.ring[:i], q.ring[i+1:]...)
		if q.next > i {
			q.next--
		}
		if len(q.ring) > 0 {
			q.next %= len(q.ring)
		} else {
			q.next = 0
		}
		return
	}
}

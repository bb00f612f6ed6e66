package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Persistence is the external backing store contract. Load returns
// ErrNotFound for unknown ids.
type Persistence interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Options configure a Store.
type Options struct {
	TurnHistoryCap int
	IdleTimeout    time.Duration
	TTL            time.Duration
	Persistence    Persistence
}

// Store owns the canonical session records: an in-process cache with
// write-through to the optional backing store. All mutation goes through
// its methods; callers only ever see clones.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	turnCap     int
	idleTimeout time.Duration
	ttl         time.Duration
	persistence Persistence
	degraded    atomic.Bool
	onExpire    func(*Session)
}

func NewStore(opts Options) *Store {
	if opts.TurnHistoryCap <= 0 {
		opts.TurnHistoryCap = 1000
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	return &Store{
		sessions:    make(map[string]*Session),
		turnCap:     opts.TurnHistoryCap,
		idleTimeout: opts.IdleTimeout,
		ttl:         opts.TTL,
		persistence: opts.Persistence,
	}
}

func (st *Store) SetExpireHook(hook func(*Session)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onExpire = hook
}

// Degraded reports whether the backing store has failed and the Store is
// running in-memory only.
func (st *Store) Degraded() bool { return st.degraded.Load() }

func (st *Store) Create(ctx context.Context, userID string) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         StatusCreated,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	st.mu.Lock()
	st.sessions[s.ID] = s
	snapshot := clone(s)
	st.mu.Unlock()

	st.persistSync(ctx, snapshot)
	return snapshot, nil
}

func (st *Store) Get(ctx context.Context, id string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	if ok {
		defer st.mu.RUnlock()
		return clone(s), nil
	}
	st.mu.RUnlock()

	// Cache miss: a restarted process can still resume persisted sessions.
	if st.persistence == nil {
		return nil, ErrNotFound
	}
	loaded, err := st.persistence.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if existing, ok := st.sessions[id]; ok {
		return clone(existing), nil
	}
	st.sessions[id] = loaded
	return clone(loaded), nil
}

func (st *Store) AppendTurn(ctx context.Context, id string, turn Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	st.mu.Lock()
	s, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return ErrNotFound
	}
	s.Turns = append(s.Turns, turn)
	if len(s.Turns) > st.turnCap {
		s.Turns = s.Turns[len(s.Turns)-st.turnCap:]
	}
	s.LastActivityAt = time.Now().UTC()
	snapshot := clone(s)
	st.mu.Unlock()

	// Turn history is non-critical state; write-behind keeps the hot path
	// off the backing store.
	st.persistAsync(snapshot)
	return nil
}

func (st *Store) SetStatus(ctx context.Context, id string, status Status) error {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return ErrNotFound
	}
	if !validTransition(s.Status, status) {
		from := s.Status
		st.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}
	s.Status = status
	s.LastActivityAt = time.Now().UTC()
	snapshot := clone(s)
	st.mu.Unlock()

	// Status changes are acted on by callers; confirm the write before
	// returning.
	st.persistSync(ctx, snapshot)
	return nil
}

func (st *Store) Touch(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Close drives a session through closing -> closed and removes it.
// Idempotent: closing an unknown or already-removed session is a no-op.
func (st *Store) Close(ctx context.Context, id string) error {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return nil
	}
	s.Status = StatusClosed
	delete(st.sessions, id)
	st.mu.Unlock()

	if st.persistence != nil {
		if err := st.persistence.Delete(ctx, id); err != nil {
			log.Printf("session %s: persistence delete failed: %v", id, err)
		}
	}
	return nil
}

// ReapExpired closes and removes sessions whose inactivity exceeds the idle
// timeout or whose age exceeds the hard TTL, returning the reaped ids.
func (st *Store) ReapExpired(ctx context.Context, now time.Time) []string {
	var expired []*Session

	st.mu.Lock()
	for _, s := range st.sessions {
		if s.Status == StatusClosed {
			continue
		}
		idleFor := now.Sub(s.LastActivityAt)
		age := now.Sub(s.CreatedAt)
		if idleFor < st.idleTimeout && age < st.ttl {
			continue
		}
		// Expiry walks the same closing -> closed path as an explicit
		// close; the hook observes the session mid-teardown.
		s.Status = StatusClosing
		expired = append(expired, clone(s))
		s.Status = StatusClosed
		delete(st.sessions, s.ID)
	}
	hook := st.onExpire
	st.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		ids = append(ids, s.ID)
		if st.persistence != nil {
			if err := st.persistence.Delete(ctx, s.ID); err != nil {
				log.Printf("session %s: persistence delete failed: %v", s.ID, err)
			}
		}
		if hook != nil {
			hook(s)
		}
	}
	return ids
}

// StartReaper runs periodic expiry sweeps until ctx is cancelled.
func (st *Store) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.ReapExpired(ctx, time.Now().UTC())
			}
		}
	}()
}

func (st *Store) ActiveCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	count := 0
	for _, s := range st.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (st *Store) TotalCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Recent returns up to n sessions ordered by creation time, newest first.
// The Info snapshots are built under the lock; live records are never read
// outside it.
func (st *Store) Recent(n int) []Info {
	st.mu.RLock()
	all := make([]Info, 0, len(st.sessions))
	for _, s := range st.sessions {
		all = append(all, Info{
			SessionID:      s.ID,
			UserID:         s.UserID,
			Status:         s.Status,
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
			TurnCount:      len(s.Turns),
		})
	}
	st.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

func (st *Store) persistSync(ctx context.Context, snapshot *Session) {
	if st.persistence == nil {
		return
	}
	if err := st.persistence.Save(ctx, snapshot); err != nil {
		if st.degraded.CompareAndSwap(false, true) {
			log.Printf("session persistence unavailable, continuing in-memory only: %v", err)
		}
		return
	}
	st.degraded.Store(false)
}

func (st *Store) persistAsync(snapshot *Session) {
	if st.persistence == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st.persistSync(ctx, snapshot)
	}()
}

func clone(s *Session) *Session {
	c := *s
	if s.Turns != nil {
		c.Turns = make([]Turn, len(s.Turns))
		copy(c.Turns, s.Turns)
	}
	return &c
}

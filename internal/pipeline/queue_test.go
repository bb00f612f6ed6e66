package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEnqueueRejectsPastSessionCap(t *testing.T) {
	q := NewQueue(3, 100)
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(Task{SessionID: "s1", Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	err := q.Enqueue(Task{SessionID: "s1"})
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("error = %v, want ErrBackpressure", err)
	}
	if got := q.SessionDepth("s1"); got != 3 {
		t.Fatalf("SessionDepth = %d, want 3 (bound never exceeded)", got)
	}

	// Other sessions are unaffected by one full session queue.
	if err := q.Enqueue(Task{SessionID: "s2"}); err != nil {
		t.Fatalf("Enqueue(s2) error = %v", err)
	}
}

func TestEnqueueRejectsPastGlobalCap(t *testing.T) {
	q := NewQueue(10, 10)
	for i := 0; i < 10; i++ {
		id := "s" + string(rune('a'+i))
		if err := q.Enqueue(Task{SessionID: id}); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}
	if err := q.Enqueue(Task{SessionID: "overflow"}); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("error = %v, want ErrBackpressure", err)
	}
}

func TestWorkersPreserveSessionFIFO(t *testing.T) {
	q := NewQueue(50, 500)

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})

	const n = 20
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, 4, func(_ context.Context, task Task) {
		mu.Lock()
		got = append(got, task.Payload[0])
		finished := len(got) == n
		mu.Unlock()
		if finished {
			close(done)
		}
	})

	for i := 0; i < n; i++ {
		if err := q.Enqueue(Task{SessionID: "s1", Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %d tasks, got %d", n, len(got))
	}

	for i := 0; i < n; i++ {
		if got[i] != byte(i) {
			t.Fatalf("task order = %v, want FIFO within session", got)
		}
	}
}

func TestRoundRobinServesQuietSessionPromptly(t *testing.T) {
	q := NewQueue(50, 500)

	// A chatty session fills its queue before the quiet session enqueues
	// a single task; with one worker the quiet task must still be served
	// before the chatty backlog drains.
	for i := 0; i < 20; i++ {
		if err := q.Enqueue(Task{SessionID: "chatty", Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("Enqueue(chatty %d) error = %v", i, err)
		}
	}
	if err := q.Enqueue(Task{SessionID: "quiet", Payload: []byte{0xFF}}); err != nil {
		t.Fatalf("Enqueue(quiet) error = %v", err)
	}

	var mu sync.Mutex
	var order []string
	quietServed := make(chan int, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, 1, func(_ context.Context, task Task) {
		mu.Lock()
		order = append(order, task.SessionID)
		pos := len(order)
		mu.Unlock()
		if task.SessionID == "quiet" {
			quietServed <- pos
		}
	})

	select {
	case pos := <-quietServed:
		if pos > 3 {
			t.Fatalf("quiet session served at position %d, want within first rounds", pos)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("quiet session never served")
	}
}

func TestHighPriorityPreemptsWithinSession(t *testing.T) {
	q := NewQueue(50, 500)
	q.Enqueue(Task{SessionID: "s1", Payload: []byte{1}})
	q.Enqueue(Task{SessionID: "s1", Payload: []byte{2}})
	q.Enqueue(Task{SessionID: "s1", Payload: []byte{3}, Priority: PriorityHigh})

	first := make(chan byte, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	q.Start(ctx, 1, func(_ context.Context, task Task) {
		once.Do(func() { first <- task.Payload[0] })
	})

	select {
	case b := <-first:
		if b != 3 {
			t.Fatalf("first task payload = %d, want high-priority 3", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no task processed")
	}
}

func TestPanicInHandlerDoesNotKillPool(t *testing.T) {
	q := NewQueue(50, 500)
	done := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, 1, func(_ context.Context, task Task) {
		if task.Payload[0] == 0 {
			panic("boom")
		}
		close(done)
	})

	q.Enqueue(Task{SessionID: "s1", Payload: []byte{0}})
	q.Enqueue(Task{SessionID: "s1", Payload: []byte{1}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not survive handler panic")
	}
}

func TestDropSessionDiscardsPending(t *testing.T) {
	q := NewQueue(50, 500)
	for i := 0; i < 5; i++ {
		q.Enqueue(Task{SessionID: "s1", Payload: []byte{byte(i)}})
	}
	q.Enqueue(Task{SessionID: "s2", Payload: []byte{9}})

	if dropped := q.DropSession("s1"); dropped != 5 {
		t.Fatalf("DropSession = %d, want 5", dropped)
	}
	if got := q.Depth(); got != 1 {
		t.Fatalf("Depth = %d, want 1", got)
	}
	if dropped := q.DropSession("s1"); dropped != 0 {
		t.Fatalf("second DropSession = %d, want 0", dropped)
	}
}

func TestWorkersStopOnContextCancel(t *testing.T) {
	q := NewQueue(50, 500)
	ctx, cancel := context.WithCancel(context.Background())

	handled := make(chan struct{}, 10)
	q.Start(ctx, 2, func(_ context.Context, _ Task) { handled <- struct{}{} })

	q.Enqueue(Task{SessionID: "s1", Payload: []byte{1}})
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatalf("task not handled before cancel")
	}

	cancel()
	time.Sleep(20 * time.Millisecond)
	q.Enqueue(Task{SessionID: "s1", Payload: []byte{2}})
	select {
	case <-handled:
		t.Fatalf("task handled after context cancellation")
	case <-time.After(100 * time.Millisecond):
	}
}

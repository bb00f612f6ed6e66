package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asg58/ai-voice-agent-v3/internal/audio"
	"github.com/asg58/ai-voice-agent-v3/internal/config"
	"github.com/asg58/ai-voice-agent-v3/internal/conn"
	"github.com/asg58/ai-voice-agent-v3/internal/memory"
	"github.com/asg58/ai-voice-agent-v3/internal/observability"
	"github.com/asg58/ai-voice-agent-v3/internal/pipeline"
	"github.com/asg58/ai-voice-agent-v3/internal/session"
	"github.com/asg58/ai-voice-agent-v3/internal/voice"
)

type wsFrame struct {
	msgType int
	data    []byte
}

type fakeTransport struct {
	inbound chan wsFrame

	mu          sync.Mutex
	writes      []wsFrame
	controls    []wsFrame
	closed      bool
	pongHandler func(string) error

	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan wsFrame, 16)}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	fr, ok := <-f.inbound
	if !ok {
		return 0, nil, errors.New("transport closed")
	}
	return fr.msgType, fr.data, nil
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("transport closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes = append(f.writes, wsFrame{messageType, cp})
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.controls = append(f.controls, wsFrame{messageType, cp})
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeTransport) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeTransport) SetReadLimit(int64)               {}

func (f *fakeTransport) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pongHandler = h
}

// firePong delivers a protocol-level pong, the way gorilla invokes the
// handler from inside ReadMessage.
func (f *fakeTransport) firePong() {
	f.mu.Lock()
	h := f.pongHandler
	f.mu.Unlock()
	if h != nil {
		_ = h("")
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.inbound) })
	return nil
}

// breakRead simulates the network dropping out from under the connection:
// reads start failing but the transport itself has not been closed.
func (f *fakeTransport) breakRead() {
	f.closeOnce.Do(func() { close(f.inbound) })
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) pushJSON(t *testing.T, payload map[string]any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.inbound <- wsFrame{websocket.TextMessage, data}
}

func (f *fakeTransport) pushRaw(msgType int, data []byte) {
	f.inbound <- wsFrame{msgType, data}
}

// jsonWrites decodes all text frames written so far that carry the given
// wire type.
func (f *fakeTransport) jsonWrites(wireType string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, fr := range f.writes {
		if fr.msgType != websocket.TextMessage {
			continue
		}
		var m map[string]any
		if json.Unmarshal(fr.data, &m) != nil {
			continue
		}
		if m["type"] == wireType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) binaryWrites() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, fr := range f.writes {
		if fr.msgType == websocket.BinaryMessage {
			out = append(out, fr.data)
		}
	}
	return out
}

// closeCode extracts the status code from the first close control frame.
func (f *fakeTransport) closeCode() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fr := range f.controls {
		if fr.msgType == websocket.CloseMessage && len(fr.data) >= 2 {
			return int(binary.BigEndian.Uint16(fr.data[:2])), true
		}
	}
	return 0, false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

type testHarness struct {
	gw      *Gateway
	store   *session.Store
	conns   *conn.Manager
	queue   *pipeline.Queue
	archive *memory.InMemoryStore
}

func newHarness(t *testing.T, startWorkers bool, mutators ...func(*config.Config)) *testHarness {
	t.Helper()
	cfg := config.Config{
		MaxConnections:      8,
		SessionQueueCap:     8,
		GlobalQueueCap:      32,
		AudioWorkers:        2,
		HeartbeatInterval:   50 * time.Millisecond,
		HeartbeatTimeout:    time.Second,
		CollaboratorTimeout: 2 * time.Second,
		MaxTextFrameBytes:   1 << 20,
		MaxAudioFrameBytes:  5 << 20,
		MalformedFrameLimit: 3,
	}
	for _, m := range mutators {
		m(&cfg)
	}

	h := &testHarness{
		store:   session.NewStore(session.Options{}),
		conns:   conn.NewManager(cfg.MaxConnections),
		queue:   pipeline.NewQueue(cfg.SessionQueueCap, cfg.GlobalQueueCap),
		archive: memory.NewInMemoryStore(),
	}
	h.gw = New(cfg, h.store, h.conns, h.queue, voice.NewMockProvider(), h.archive, observability.NewMetrics("test"))

	if startWorkers {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		h.queue.Start(ctx, cfg.AudioWorkers, h.gw.AudioTaskHandler)
	}
	return h
}

func (h *testHarness) connect(t *testing.T) (string, *fakeTransport, chan struct{}) {
	t.Helper()
	s, err := h.store.Create(context.Background(), "user-1")
	if err != nil {
		t.Fatal(err)
	}
	ft := newFakeTransport()
	done := make(chan struct{})
	go func() {
		h.gw.HandleConnection(context.Background(), s.ID, ft)
		close(done)
	}()
	waitFor(t, func() bool { return len(ft.jsonWrites("connection_established")) == 1 })
	return s.ID, ft, done
}

func TestHandleConnectionUnknownSession(t *testing.T) {
	h := newHarness(t, false)
	ft := newFakeTransport()

	h.gw.HandleConnection(context.Background(), "no-such-session", ft)

	code, ok := ft.closeCode()
	if !ok {
		t.Fatal("expected close frame")
	}
	if code != 4004 {
		t.Fatalf("close code = %d, want 4004", code)
	}
}

func TestConnectionEstablishedAndActivation(t *testing.T) {
	h := newHarness(t, false)
	id, ft, done := h.connect(t)

	frames := ft.jsonWrites("connection_established")
	if frames[0]["session_id"] != id {
		t.Fatalf("session_id = %v", frames[0]["session_id"])
	}
	if hb, _ := frames[0]["heartbeat_interval_ms"].(float64); hb <= 0 {
		t.Fatalf("heartbeat_interval_ms = %v", frames[0]["heartbeat_interval_ms"])
	}

	s, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != session.StatusActive {
		t.Fatalf("status = %s, want active", s.Status)
	}

	ft.Close()
	<-done
}

func TestPingGetsPong(t *testing.T) {
	h := newHarness(t, false)
	_, ft, done := h.connect(t)

	ft.pushJSON(t, map[string]any{"type": "ping"})
	waitFor(t, func() bool { return len(ft.jsonWrites("pong")) == 1 })

	ft.Close()
	<-done
}

func TestTextMessageGetsResponse(t *testing.T) {
	h := newHarness(t, false)
	id, ft, done := h.connect(t)

	ft.pushJSON(t, map[string]any{"type": "text_message", "text": "hallo daar"})
	waitFor(t, func() bool { return len(ft.jsonWrites("text_response")) == 1 })

	resp := ft.jsonWrites("text_response")[0]
	if resp["text"] != "Echo: hallo daar" {
		t.Fatalf("text = %v", resp["text"])
	}

	// Both turns land in the session history and the transcript archive.
	waitFor(t, func() bool {
		s, err := h.store.Get(context.Background(), id)
		return err == nil && len(s.Turns) == 2
	})
	waitFor(t, func() bool {
		recs, _ := h.archive.RecentBySession(context.Background(), id, 10)
		return len(recs) == 2
	})

	ft.Close()
	<-done
}

func TestBinaryAudioFullRound(t *testing.T) {
	h := newHarness(t, true)
	_, ft, done := h.connect(t)

	ft.pushRaw(websocket.BinaryMessage, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	waitFor(t, func() bool { return len(ft.jsonWrites("transcript")) == 1 })
	waitFor(t, func() bool { return len(ft.jsonWrites("text_response")) == 1 })
	waitFor(t, func() bool { return len(ft.jsonWrites("audio_response")) == 1 })
	waitFor(t, func() bool { return len(ft.binaryWrites()) == 1 })

	wav := ft.binaryWrites()[0]
	if string(wav[:4]) != "RIFF" {
		t.Fatalf("binary payload is not wav: %x", wav[:4])
	}
	meta := ft.jsonWrites("audio_response")[0]
	if int(meta["size_bytes"].(float64)) != len(wav) {
		t.Fatalf("size_bytes = %v, payload = %d", meta["size_bytes"], len(wav))
	}
	// Metadata carries the clip length derived from the PCM body of the
	// wav container (16 kHz mono in the mock provider).
	wantMS := audio.DurationPCM16LE(make([]byte, len(wav)-44), 16000).Milliseconds()
	gotMS, ok := meta["duration_ms"].(float64)
	if !ok || int64(gotMS) != wantMS {
		t.Fatalf("duration_ms = %v, want %d", meta["duration_ms"], wantMS)
	}

	ft.Close()
	<-done
}

func TestAudioBackpressureError(t *testing.T) {
	// No workers: queued audio never drains, so the bound trips.
	h := newHarness(t, false)
	id, ft, done := h.connect(t)

	for i := 0; i < 9; i++ {
		ft.pushRaw(websocket.BinaryMessage, []byte{1, 2, 3})
	}
	waitFor(t, func() bool {
		for _, e := range ft.jsonWrites("error") {
			if e["code"] == "backpressure" {
				return true
			}
		}
		return false
	})

	errs := ft.jsonWrites("error")
	if errs[0]["retryable"] != true {
		t.Fatal("backpressure must be retryable")
	}
	if h.queue.SessionDepth(id) != 8 {
		t.Fatalf("session depth = %d, want 8", h.queue.SessionDepth(id))
	}

	ft.Close()
	<-done
}

func TestMalformedFrameBudget(t *testing.T) {
	h := newHarness(t, false)
	id, ft, done := h.connect(t)

	for i := 0; i < 4; i++ {
		ft.pushRaw(websocket.TextMessage, []byte("{not json"))
	}
	<-done

	code, ok := ft.closeCode()
	if !ok || code != websocket.ClosePolicyViolation {
		t.Fatalf("close code = %d, want 1008", code)
	}

	s, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != session.StatusIdle {
		t.Fatalf("status = %s, want idle", s.Status)
	}
}

func TestMalformedFrameBelowBudgetGetsErrorFrames(t *testing.T) {
	h := newHarness(t, false)
	_, ft, done := h.connect(t)

	ft.pushRaw(websocket.TextMessage, []byte(`{"type":"teleport"}`))
	waitFor(t, func() bool {
		for _, e := range ft.jsonWrites("error") {
			if e["code"] == "unsupported_type" && e["retryable"] == false {
				return true
			}
		}
		return false
	})

	ft.Close()
	<-done
}

func TestClientCloseTearsDownSession(t *testing.T) {
	h := newHarness(t, false)
	id, ft, done := h.connect(t)

	ft.pushJSON(t, map[string]any{"type": "close", "reason": "done talking"})
	<-done

	code, ok := ft.closeCode()
	if !ok || code != websocket.CloseNormalClosure {
		t.Fatalf("close code = %d, want 1000", code)
	}
	if _, err := h.store.Get(context.Background(), id); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("session should be gone, got %v", err)
	}
	if _, connected := h.conns.Get(id); connected {
		t.Fatal("connection should be unregistered")
	}
}

func TestAbruptDisconnectParksSessionIdle(t *testing.T) {
	h := newHarness(t, false)
	id, ft, done := h.connect(t)

	ft.Close()
	<-done

	s, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != session.StatusIdle {
		t.Fatalf("status = %s, want idle", s.Status)
	}

	// A reconnect resumes the same session with its history intact.
	ft2 := newFakeTransport()
	done2 := make(chan struct{})
	go func() {
		h.gw.HandleConnection(context.Background(), id, ft2)
		close(done2)
	}()
	waitFor(t, func() bool { return len(ft2.jsonWrites("connection_established")) == 1 })

	s, err = h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != session.StatusActive {
		t.Fatalf("status after resume = %s, want active", s.Status)
	}

	ft2.Close()
	<-done2
}

func TestHeartbeatTimeoutClosesConnection(t *testing.T) {
	h := newHarness(t, false, func(cfg *config.Config) {
		cfg.HeartbeatTimeout = 20 * time.Millisecond
	})
	id, ft, done := h.connect(t)

	// Let the last recorded pong age past the timeout, then sweep.
	time.Sleep(40 * time.Millisecond)
	h.gw.sweep(context.Background())
	<-done

	code, ok := ft.closeCode()
	if !ok || code != websocket.CloseGoingAway {
		t.Fatalf("close code = %d, want 1001", code)
	}
	if _, connected := h.conns.Get(id); connected {
		t.Fatal("connection should be gone after heartbeat timeout")
	}

	s, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != session.StatusIdle {
		t.Fatalf("status = %s, want idle", s.Status)
	}
}

func TestPongAnsweringClientSurvivesSweeps(t *testing.T) {
	h := newHarness(t, false, func(cfg *config.Config) {
		cfg.HeartbeatTimeout = 60 * time.Millisecond
	})
	id, ft, done := h.connect(t)

	// Keep answering pings at the protocol level; repeated sweeps must
	// leave the connection alone.
	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		ft.firePong()
		h.gw.sweep(context.Background())
	}
	if _, connected := h.conns.Get(id); !connected {
		t.Fatal("responsive connection was reaped by the heartbeat sweep")
	}

	// Once the pongs stop, the next sweep past the timeout reaps it.
	time.Sleep(120 * time.Millisecond)
	h.gw.sweep(context.Background())
	<-done

	code, ok := ft.closeCode()
	if !ok || code != websocket.CloseGoingAway {
		t.Fatalf("close code = %d, want 1001", code)
	}
}

func TestAbruptDisconnectReleasesTransport(t *testing.T) {
	h := newHarness(t, false)
	id, ft, done := h.connect(t)

	ft.breakRead()
	<-done

	// The read loop owns teardown for paths nothing else closed: the
	// underlying transport must end up closed, not just unregistered.
	waitFor(t, func() bool { return ft.isClosed() })

	code, ok := ft.closeCode()
	if !ok || code != websocket.CloseGoingAway {
		t.Fatalf("close code = %d, want 1001", code)
	}
	if _, connected := h.conns.Get(id); connected {
		t.Fatal("connection should be unregistered")
	}
}

func TestStatusRequest(t *testing.T) {
	h := newHarness(t, false)
	id, ft, done := h.connect(t)

	ft.pushJSON(t, map[string]any{"type": "status_request"})
	waitFor(t, func() bool { return len(ft.jsonWrites("status")) == 1 })

	st := ft.jsonWrites("status")[0]
	if st["session_id"] != id || st["session_status"] != "active" || st["connected"] != true {
		t.Fatalf("unexpected status frame: %v", st)
	}

	ft.Close()
	<-done
}

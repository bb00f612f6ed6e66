package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/asg58/ai-voice-agent-v3/internal/audio"
	"github.com/asg58/ai-voice-agent-v3/internal/config"
	"github.com/asg58/ai-voice-agent-v3/internal/conn"
	"github.com/asg58/ai-voice-agent-v3/internal/memory"
	"github.com/asg58/ai-voice-agent-v3/internal/observability"
	"github.com/asg58/ai-voice-agent-v3/internal/pipeline"
	"github.com/asg58/ai-voice-agent-v3/internal/policy"
	"github.com/asg58/ai-voice-agent-v3/internal/protocol"
	"github.com/asg58/ai-voice-agent-v3/internal/reliability"
	"github.com/asg58/ai-voice-agent-v3/internal/session"
	"github.com/asg58/ai-voice-agent-v3/internal/voice"
)

const (
	handshakeDeadline = 5 * time.Second
	closeFlushGrace   = 2 * time.Second
)

// Gateway orchestrates the realtime voice session lifecycle: it owns the
// read loop of every connection, routes inbound frames, and runs the audio
// pipeline handler. It holds no state of its own; all shared state lives in
// the session store, the connection manager and the audio queue.
type Gateway struct {
	cfg      config.Config
	store    *session.Store
	conns    *conn.Manager
	queue    *pipeline.Queue
	provider voice.Provider
	archive  memory.Store
	metrics  *observability.Metrics
}

func New(
	cfg config.Config,
	store *session.Store,
	conns *conn.Manager,
	queue *pipeline.Queue,
	provider voice.Provider,
	archive memory.Store,
	m *observability.Metrics,
) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		store:    store,
		conns:    conns,
		queue:    queue,
		provider: provider,
		archive:  archive,
		metrics:  m,
	}

	conns.SetDropHook(func(sessionID string) {
		m.WSWriteDrops.Inc()
		log.Printf("session %s: outbound frame dropped, slow consumer", sessionID)
	})

	// Sessions reaped for inactivity take their connection and queued
	// audio down with them.
	store.SetExpireHook(func(s *session.Session) {
		conns.CloseSession(s.ID, websocket.CloseNormalClosure, "session expired")
		queue.DropSession(s.ID)
		m.SessionEvents.WithLabelValues("expired").Inc()
		m.ActiveSessions.Set(float64(store.TotalCount()))
	})

	return g
}

// HandleConnection runs the whole life of one websocket connection: session
// validation, registration, the sole read loop, and teardown. It returns
// when the connection is gone.
func (g *Gateway) HandleConnection(ctx context.Context, sessionID string, t conn.Transport) {
	s, err := g.store.Get(ctx, sessionID)
	if err != nil || s.Status == session.StatusClosing || s.Status == session.StatusClosed {
		rejectHandshake(t, protocol.CloseCodeSessionNotFound, "session not found")
		return
	}

	c, err := g.conns.Register(sessionID, t)
	if err != nil {
		rejectHandshake(t, protocol.CloseCodeCapacityExceeded, "connection capacity exceeded")
		return
	}
	g.metrics.OpenConnections.Set(float64(g.conns.Len()))
	g.metrics.SessionEvents.WithLabelValues("connected").Inc()

	if err := g.store.SetStatus(ctx, sessionID, session.StatusActive); err != nil {
		log.Printf("session %s: activate failed: %v", sessionID, err)
	}

	g.send(sessionID, protocol.ConnectionEstablished{
		Type:                protocol.TypeConnectionEstablished,
		SessionID:           sessionID,
		HeartbeatIntervalMS: g.cfg.HeartbeatInterval.Milliseconds(),
		Timestamp:           protocol.Now(),
	})

	g.readLoop(ctx, c, t)
}

func rejectHandshake(t conn.Transport, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.WriteControl(websocket.CloseMessage, msg, time.Now().Add(handshakeDeadline))
	_ = t.Close()
}

// readLoop is the sole reader on the transport. It exits on read error
// (client gone) or when a close frame was handled.
func (g *Gateway) readLoop(ctx context.Context, c *conn.Conn, t conn.Transport) {
	sessionID := c.SessionID()
	t.SetReadLimit(g.cfg.MaxAudioFrameBytes)
	limits := protocol.Limits{
		MaxTextBytes:  g.cfg.MaxTextFrameBytes,
		MaxAudioBytes: g.cfg.MaxAudioFrameBytes,
	}

	// Malformed frames are tolerated up to a per-minute budget; past it
	// the connection is treated as abusive.
	malformed := 0
	windowStart := time.Now()

	defer func() {
		// Close is idempotent; for paths that already closed (client
		// close, heartbeat, supersede) this is a no-op. For abrupt
		// disconnects it releases the pump goroutine and the socket.
		c.Close(websocket.CloseGoingAway, "connection closed")
		g.conns.Unregister(sessionID, c)
		g.metrics.OpenConnections.Set(float64(g.conns.Len()))
	}()

	for {
		msgType, raw, err := t.ReadMessage()
		if err != nil {
			// Abrupt disconnect: the session survives as idle so the
			// client can reconnect and resume. A superseded connection
			// exits through here too and must not park the session its
			// replacement is using.
			if cur, ok := g.conns.Get(sessionID); !ok || cur == c {
				g.markIdle(ctx, sessionID)
			}
			return
		}
		c.TouchPong()

		kind := protocol.FrameText
		if msgType == websocket.BinaryMessage {
			kind = protocol.FrameBinary
		}

		msg, err := protocol.DecodeClientFrame(kind, raw, limits)
		if err != nil {
			g.metrics.WSMessages.WithLabelValues("in", "invalid").Inc()
			g.send(sessionID, protocol.ErrorEvent{
				Type:         protocol.TypeError,
				SessionID:    sessionID,
				Code:         decodeErrorCode(err),
				ErrorMessage: err.Error(),
				Retryable:    false,
				Timestamp:    protocol.Now(),
			})

			if time.Since(windowStart) > time.Minute {
				malformed = 0
				windowStart = time.Now()
			}
			malformed++
			if malformed > g.cfg.MalformedFrameLimit {
				log.Printf("session %s: malformed frame budget exhausted, closing", sessionID)
				c.Close(websocket.ClosePolicyViolation, "too many malformed frames")
				g.markIdle(ctx, sessionID)
				return
			}
			continue
		}

		if mt, ok := protocol.TypeOf(msg); ok {
			g.metrics.WSMessages.WithLabelValues("in", string(mt)).Inc()
		}

		if done := g.dispatch(ctx, c, msg); done {
			return
		}
	}
}

func decodeErrorCode(err error) string {
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return "frame_too_large"
	case errors.Is(err, protocol.ErrUnsupportedType):
		return "unsupported_type"
	default:
		return "malformed_frame"
	}
}

// dispatch routes one decoded frame. It returns true when the connection's
// read loop must stop.
func (g *Gateway) dispatch(ctx context.Context, c *conn.Conn, msg any) bool {
	sessionID := c.SessionID()

	switch m := msg.(type) {
	case protocol.Ping:
		_ = g.store.Touch(sessionID)
		g.send(sessionID, protocol.Pong{
			Type:      protocol.TypePong,
			SessionID: sessionID,
			Timestamp: protocol.Now(),
		})

	case protocol.TextMessage:
		g.handleText(ctx, sessionID, m.Text)

	case protocol.StatusRequest:
		g.sendStatus(ctx, sessionID)

	case protocol.AudioData:
		g.handleAudio(sessionID, m)

	case protocol.Close:
		g.closeSession(ctx, c, m.Reason)
		return true

	default:
		log.Printf("session %s: unhandled frame %T", sessionID, msg)
	}
	return false
}

// handleText appends the user turn, then answers asynchronously so the read
// loop never blocks on the language collaborator.
func (g *Gateway) handleText(ctx context.Context, sessionID, text string) {
	turn := session.Turn{Role: session.RoleUser, Content: text}
	if err := g.store.AppendTurn(ctx, sessionID, turn); err != nil {
		log.Printf("session %s: append user turn: %v", sessionID, err)
		return
	}
	g.archiveTurn(sessionID, session.RoleUser, text, "")

	go g.respondText(sessionID)
}

func (g *Gateway) respondText(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.CollaboratorTimeout)
	defer cancel()

	s, err := g.store.Get(ctx, sessionID)
	if err != nil {
		return
	}

	start := time.Now()
	reply, err := g.provider.Respond(ctx, s.Turns)
	g.metrics.ObserveCollaboratorLatency("llm", time.Since(start))
	if err != nil {
		g.collaboratorFailure(sessionID, "llm", err)
		return
	}

	if err := g.store.AppendTurn(ctx, sessionID, session.Turn{
		Role:    session.RoleAssistant,
		Content: reply,
	}); err != nil {
		log.Printf("session %s: append assistant turn: %v", sessionID, err)
	}
	g.archiveTurn(sessionID, session.RoleAssistant, reply, "")

	g.send(sessionID, protocol.TextResponse{
		Type:      protocol.TypeTextResponse,
		SessionID: sessionID,
		Text:      reply,
		Timestamp: protocol.Now(),
	})
}

func (g *Gateway) sendStatus(ctx context.Context, sessionID string) {
	s, err := g.store.Get(ctx, sessionID)
	if err != nil {
		return
	}
	_, connected := g.conns.Get(sessionID)
	g.send(sessionID, protocol.Status{
		Type:          protocol.TypeStatus,
		SessionID:     sessionID,
		SessionStatus: string(s.Status),
		TurnCount:     len(s.Turns),
		QueueDepth:    g.queue.SessionDepth(sessionID),
		Connected:     connected,
		Timestamp:     protocol.Now(),
	})
}

// handleAudio hands the chunk to the pipeline. Backpressure becomes a
// retryable client error, never a silent drop.
func (g *Gateway) handleAudio(sessionID string, m protocol.AudioData) {
	_ = g.store.Touch(sessionID)
	err := g.queue.Enqueue(pipeline.Task{
		SessionID:  sessionID,
		Payload:    m.Payload,
		SampleRate: m.SampleRate,
	})
	if err != nil {
		g.metrics.AudioTasks.WithLabelValues("rejected").Inc()
		g.send(sessionID, protocol.ErrorEvent{
			Type:         protocol.TypeError,
			SessionID:    sessionID,
			Code:         "backpressure",
			ErrorMessage: "audio queue full, retry shortly",
			Retryable:    true,
			Timestamp:    protocol.Now(),
		})
		return
	}
	g.metrics.AudioQueueDepth.Set(float64(g.queue.Depth()))
}

// closeSession runs the graceful teardown for a client-requested close.
func (g *Gateway) closeSession(ctx context.Context, c *conn.Conn, reason string) {
	sessionID := c.SessionID()
	if reason == "" {
		reason = "client requested close"
	}

	if err := g.store.SetStatus(ctx, sessionID, session.StatusClosing); err != nil {
		log.Printf("session %s: closing transition: %v", sessionID, err)
	}
	g.queue.DropSession(sessionID)
	g.conns.Unregister(sessionID, c)
	// Let queued responses drain before the close frame goes out.
	c.Flush(closeFlushGrace)
	c.Close(websocket.CloseNormalClosure, reason)

	if err := g.store.Close(ctx, sessionID); err != nil {
		log.Printf("session %s: close: %v", sessionID, err)
	}
	g.metrics.SessionEvents.WithLabelValues("closed").Inc()
	g.metrics.ActiveSessions.Set(float64(g.store.TotalCount()))
}

// markIdle parks a session after its connection went away without a close
// frame. The reaper collects it if the client never comes back.
func (g *Gateway) markIdle(ctx context.Context, sessionID string) {
	if err := g.store.SetStatus(ctx, sessionID, session.StatusIdle); err != nil {
		if !errors.Is(err, session.ErrNotFound) && !errors.Is(err, session.ErrInvalidTransition) {
			log.Printf("session %s: idle transition: %v", sessionID, err)
		}
		return
	}
	g.metrics.SessionEvents.WithLabelValues("idle").Inc()
}

// AudioTaskHandler is the pipeline handler: one full
// transcribe-respond-synthesize round per audio chunk. Results for sessions
// whose client disconnected mid-flight are discarded at delivery time.
func (g *Gateway) AudioTaskHandler(ctx context.Context, task pipeline.Task) {
	sessionID := task.SessionID
	defer func() {
		g.metrics.ObserveAudioTaskLatency(time.Since(task.EnqueuedAt))
		g.metrics.AudioQueueDepth.Set(float64(g.queue.Depth()))
	}()

	cctx, cancel := context.WithTimeout(ctx, g.cfg.CollaboratorTimeout)
	defer cancel()

	start := time.Now()
	tr, err := g.provider.Transcribe(cctx, task.Payload, task.SampleRate)
	g.metrics.ObserveCollaboratorLatency("stt", time.Since(start))
	if err != nil {
		g.collaboratorFailure(sessionID, "stt", err)
		g.metrics.AudioTasks.WithLabelValues("error").Inc()
		return
	}

	g.send(sessionID, protocol.Transcript{
		Type:       protocol.TypeTranscript,
		SessionID:  sessionID,
		Text:       tr.Text,
		Confidence: tr.Confidence,
		Timestamp:  protocol.Now(),
	})
	if err := g.store.AppendTurn(cctx, sessionID, session.Turn{
		Role:    session.RoleUser,
		Content: tr.Text,
	}); err != nil {
		log.Printf("session %s: append transcript turn: %v", sessionID, err)
	}
	g.archiveTurn(sessionID, session.RoleUser, tr.Text, "")

	s, err := g.store.Get(cctx, sessionID)
	if err != nil {
		g.metrics.AudioTasks.WithLabelValues("error").Inc()
		return
	}

	start = time.Now()
	reply, err := g.provider.Respond(cctx, s.Turns)
	g.metrics.ObserveCollaboratorLatency("llm", time.Since(start))
	if err != nil {
		g.collaboratorFailure(sessionID, "llm", err)
		g.metrics.AudioTasks.WithLabelValues("error").Inc()
		return
	}

	assistantTurn := session.Turn{ID: uuid.NewString(), Role: session.RoleAssistant, Content: reply}
	if err := g.store.AppendTurn(cctx, sessionID, assistantTurn); err != nil {
		log.Printf("session %s: append assistant turn: %v", sessionID, err)
	}

	g.send(sessionID, protocol.TextResponse{
		Type:      protocol.TypeTextResponse,
		SessionID: sessionID,
		Text:      reply,
		Timestamp: protocol.Now(),
	})

	start = time.Now()
	syn, err := g.provider.Synthesize(cctx, reply)
	g.metrics.ObserveCollaboratorLatency("tts", time.Since(start))
	if err != nil {
		// The text reply already went out; a failed synthesis degrades
		// to text-only rather than failing the whole turn.
		g.collaboratorFailure(sessionID, "tts", err)
		g.archiveTurn(sessionID, session.RoleAssistant, reply, "")
		g.metrics.AudioTasks.WithLabelValues("partial").Inc()
		return
	}

	wav, err := audio.EncodeWAVPCM16LE(syn.PCM, syn.SampleRate)
	if err != nil {
		log.Printf("session %s: wav encode: %v", sessionID, err)
		g.metrics.AudioTasks.WithLabelValues("error").Inc()
		return
	}

	audioRef := fmt.Sprintf("audio/%s/%s", sessionID, assistantTurn.ID)
	g.archiveTurn(sessionID, session.RoleAssistant, reply, audioRef)

	g.send(sessionID, protocol.AudioResponse{
		Type:       protocol.TypeAudioResponse,
		SessionID:  sessionID,
		Format:     "wav",
		SampleRate: syn.SampleRate,
		SizeBytes:  len(wav),
		DurationMS: audio.DurationPCM16LE(syn.PCM, syn.SampleRate).Milliseconds(),
		Timestamp:  protocol.Now(),
	})
	g.send(sessionID, protocol.RawAudio{SessionID: sessionID, Payload: wav})
	g.metrics.AudioTasks.WithLabelValues("ok").Inc()
}

// collaboratorFailure turns an external-call error into a client-visible
// error frame with a retryability verdict.
func (g *Gateway) collaboratorFailure(sessionID, stage string, err error) {
	code := "internal"
	var ce *voice.CollaboratorError
	if errors.As(err, &ce) {
		code = ce.Code
	} else if errors.Is(err, context.DeadlineExceeded) {
		code = "timeout"
	}
	g.metrics.CollaboratorErrors.WithLabelValues(stage, code).Inc()
	log.Printf("session %s: %s collaborator failed: %v", sessionID, stage, err)

	g.send(sessionID, protocol.ErrorEvent{
		Type:         protocol.TypeError,
		SessionID:    sessionID,
		Code:         stage + "_" + code,
		ErrorMessage: fmt.Sprintf("%s processing failed", stage),
		Retryable:    reliability.Retryable(err),
		Timestamp:    protocol.Now(),
	})
}

// send is the gateway's single delivery point; results arriving after the
// client disconnected are discarded quietly.
func (g *Gateway) send(sessionID string, msg any) {
	err := g.conns.Send(sessionID, msg)
	if err != nil {
		if !errors.Is(err, conn.ErrNotConnected) && !errors.Is(err, conn.ErrSlowConsumer) {
			log.Printf("session %s: send failed: %v", sessionID, err)
		}
		return
	}
	if mt, ok := protocol.TypeOf(msg); ok {
		g.metrics.WSMessages.WithLabelValues("out", string(mt)).Inc()
	}
}

// archiveTurn redacts and stores a transcript turn write-behind; archive
// failures never affect the live session.
func (g *Gateway) archiveTurn(sessionID string, role session.Role, content, audioRef string) {
	if g.archive == nil {
		return
	}
	redactedText, changed := policy.RedactPII(content)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := g.archive.SaveTurn(ctx, memory.TurnRecord{
			SessionID: sessionID,
			Role:      string(role),
			Content:   redactedText,
			AudioRef:  audioRef,
			Redacted:  changed,
		})
		if err != nil {
			log.Printf("session %s: archive turn: %v", sessionID, err)
		}
	}()
}

// StartHeartbeat runs periodic liveness sweeps until ctx is cancelled.
func (g *Gateway) StartHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sweep(ctx)
			}
		}
	}()
}

func (g *Gateway) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-g.cfg.HeartbeatTimeout)
	for _, c := range g.conns.Snapshot() {
		if c.LastPong().Before(cutoff) {
			sessionID := c.SessionID()
			log.Printf("session %s: heartbeat timeout, closing connection", sessionID)
			g.conns.Unregister(sessionID, c)
			c.Close(websocket.CloseGoingAway, "heartbeat timeout")
			g.queue.DropSession(sessionID)
			g.markIdle(ctx, sessionID)
			g.metrics.SessionEvents.WithLabelValues("heartbeat_timeout").Inc()
			continue
		}
		if err := c.Ping(); err != nil {
			log.Printf("session %s: heartbeat ping: %v", c.SessionID(), err)
		}
	}
	g.metrics.OpenConnections.Set(float64(g.conns.Len()))
	g.metrics.ActiveSessions.Set(float64(g.store.TotalCount()))
}

// Shutdown notifies every live client and closes all connections. Called
// once during graceful process shutdown.
func (g *Gateway) Shutdown(reason string) {
	g.conns.Broadcast(nil, protocol.ErrorEvent{
		Type:         protocol.TypeError,
		Code:         "server_shutdown",
		ErrorMessage: reason,
		Retryable:    true,
		Timestamp:    protocol.Now(),
	})
	for _, c := range g.conns.Snapshot() {
		c.Close(websocket.CloseGoingAway, reason)
	}
}

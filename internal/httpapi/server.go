package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/asg58/ai-voice-agent-v3/internal/config"
	"github.com/asg58/ai-voice-agent-v3/internal/conn"
	"github.com/asg58/ai-voice-agent-v3/internal/gateway"
	"github.com/asg58/ai-voice-agent-v3/internal/observability"
	"github.com/asg58/ai-voice-agent-v3/internal/pipeline"
	"github.com/asg58/ai-voice-agent-v3/internal/session"
)

const recentSessionsLimit = 20

// Server exposes the HTTP control surface and the websocket entry point.
// The session gateway does all realtime work; handlers here stay thin.
type Server struct {
	cfg      config.Config
	sessions *session.Store
	conns    *conn.Manager
	queue    *pipeline.Queue
	gateway  *gateway.Gateway
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(
	cfg config.Config,
	sessions *session.Store,
	conns *conn.Manager,
	queue *pipeline.Queue,
	gw *gateway.Gateway,
	m *observability.Metrics,
) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		conns:    conns,
		queue:    queue,
		gateway:  gw,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browser connections must come from the same origin so a
				// third-party page cannot drive someone's mic session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/stats", s.handleStats)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Post("/sessions", s.handleCreateSession)
	r.Get("/sessions", s.handleListSessions)
	r.Get("/sessions/{id}", s.handleGetSession)
	r.Delete("/sessions/{id}", s.handleDeleteSession)

	r.Get("/ws/{session_id}", s.handleSessionWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "realtime-voice",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status := "ready"
	code := http.StatusOK
	if s.sessions.Degraded() {
		// Still serving, but flag the degraded persistence for operators.
		status = "degraded"
	}
	respondJSON(w, code, map[string]any{
		"status":          status,
		"store_degraded":  s.sessions.Degraded(),
		"open_websockets": s.conns.Len(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"active_sessions":   s.sessions.ActiveCount(),
		"total_sessions":    s.sessions.TotalCount(),
		"open_websockets":   s.conns.Len(),
		"audio_queue_depth": s.queue.Depth(),
		"max_connections":   s.cfg.MaxConnections,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	sess, err := s.sessions.Create(r.Context(), req.UserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "create_failed", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.TotalCount()))

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:      sess.ID,
		UserID:         sess.UserID,
		Status:         sess.Status,
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
		IdleTimeoutMS:  s.cfg.SessionIdleTimeout.Milliseconds(),
		TTLMS:          s.cfg.SessionTTL.Milliseconds(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"active_sessions": s.sessions.ActiveCount(),
		"total_sessions":  s.sessions.TotalCount(),
		"recent_sessions": s.sessions.Recent(recentSessionsLimit),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	_, connected := s.conns.Get(id)
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":        sess.ID,
		"user_id":           sess.UserID,
		"status":            sess.Status,
		"created_at":        sess.CreatedAt,
		"last_activity_at":  sess.LastActivityAt,
		"turn_count":        len(sess.Turns),
		"connected":         connected,
		"audio_queue_depth": s.queue.SessionDepth(id),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(r.Context(), id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	s.conns.CloseSession(id, websocket.CloseNormalClosure, "session deleted")
	s.queue.DropSession(id)
	if err := s.sessions.Close(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "close_failed", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("closed").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.TotalCount()))
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": session.StatusClosed})
}

// handleSessionWS validates the session before upgrading so plain HTTP
// clients get a clean 404 instead of a websocket close code.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "session_id path parameter is required")
		return
	}
	if _, err := s.sessions.Get(r.Context(), sessionID); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Runs the read loop; returns when the connection is gone.
	s.gateway.HandleConnection(r.Context(), sessionID, ws)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

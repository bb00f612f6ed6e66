package session

import (
	"errors"
	"time"
)

type Status string

const (
	StatusCreated Status = "created"
	StatusActive  Status = "active"
	StatusIdle    Status = "idle"
	StatusClosing Status = "closing"
	StatusClosed  Status = "closed"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStoreUnavailable  = errors.New("session persistence unavailable")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one utterance in a session's history; immutable once appended.
// Content holds text, or AudioRef points at an object-store key when the
// audio payload is too large to inline.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	AudioRef  string    `json:"audio_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a logical conversation, outliving any single transport
// connection.
type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Turns          []Turn    `json:"turns"`
}

// validTransition enforces the forward-only status machine. The one
// backward edge is idle -> active (reactivation on new traffic).
func validTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusCreated:
		return to == StatusActive || to == StatusClosing
	case StatusActive:
		return to == StatusIdle || to == StatusClosing
	case StatusIdle:
		return to == StatusActive || to == StatusClosing
	case StatusClosing:
		return to == StatusClosed
	default:
		return false
	}
}

// CreateRequest defines the payload for creating a new session.
type CreateRequest struct {
	UserID string `json:"user_id"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	IdleTimeoutMS  int64     `json:"idle_timeout_ms"`
	TTLMS          int64     `json:"ttl_ms"`
}

// Info is the read-only view returned by the HTTP API.
type Info struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	TurnCount      int       `json:"turn_count"`
}

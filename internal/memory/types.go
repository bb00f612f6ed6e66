package memory

import (
	"context"
	"time"
)

// TurnRecord is one archived user or assistant turn of a voice session.
type TurnRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	AudioRef  string    `json:"audio_ref,omitempty"`
	Redacted  bool      `json:"redacted"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the durable transcript archive behind the session gateway.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentBySession(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}

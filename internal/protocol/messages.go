package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Client-originated frame types.
const (
	TypePing          MessageType = "ping"
	TypeTextMessage   MessageType = "text_message"
	TypeStatusRequest MessageType = "status_request"
	TypeAudioData     MessageType = "audio_data"
	TypeClose         MessageType = "close"
)

// Server-originated frame types.
const (
	TypeConnectionEstablished MessageType = "connection_established"
	TypePong                  MessageType = "pong"
	TypeStatus                MessageType = "status"
	TypeTranscript            MessageType = "transcript"
	TypeTextResponse          MessageType = "text_response"
	TypeAudioResponse         MessageType = "audio_response"
	TypeError                 MessageType = "error"
)

// Application close codes used alongside the standard 1000.
const (
	CloseCodeSuperseded       = 4000
	CloseCodeCapacityExceeded = 4001
	CloseCodeSessionNotFound  = 4004
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrFrameTooLarge   = errors.New("frame exceeds size limit")
	ErrMalformedFrame  = errors.New("malformed frame")
)

// FrameKind distinguishes JSON text frames from raw binary audio frames
// without tying the codec to a transport library.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
)

// Limits bound inbound frame sizes; enforced here, not downstream.
type Limits struct {
	MaxTextBytes  int64
	MaxAudioBytes int64
}

type Envelope struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type Ping struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Timestamp string      `json:"timestamp,omitempty"`
}

type TextMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	Timestamp string      `json:"timestamp,omitempty"`
}

type StatusRequest struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// AudioData carries one audio chunk. Over the wire it is either a JSON frame
// with a base64 payload or a raw binary frame with implicit type; after
// decoding, Payload always holds the raw bytes.
type AudioData struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	AudioBase64 string      `json:"audio_base64,omitempty"`
	SampleRate  int         `json:"sample_rate,omitempty"`
	Timestamp   string      `json:"timestamp,omitempty"`

	Payload []byte `json:"-"`
}

type Close struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

type ConnectionEstablished struct {
	Type                MessageType `json:"type"`
	SessionID           string      `json:"session_id"`
	HeartbeatIntervalMS int64       `json:"heartbeat_interval_ms"`
	Timestamp           string      `json:"timestamp"`
}

type Pong struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Timestamp string      `json:"timestamp"`
}

type Status struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	SessionStatus string      `json:"session_status"`
	TurnCount     int         `json:"turn_count"`
	QueueDepth    int         `json:"queue_depth"`
	Connected     bool        `json:"connected"`
	Timestamp     string      `json:"timestamp"`
}

type Transcript struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence,omitempty"`
	Timestamp  string      `json:"timestamp"`
}

type TextResponse struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	Timestamp string      `json:"timestamp"`
}

// AudioResponse announces synthesized audio; the raw payload follows as a
// separate binary frame.
type AudioResponse struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Format     string      `json:"format"`
	SampleRate int         `json:"sample_rate,omitempty"`
	SizeBytes  int         `json:"size_bytes"`
	DurationMS int64       `json:"duration_ms"`
	Timestamp  string      `json:"timestamp"`
}

type ErrorEvent struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id"`
	Code         string      `json:"code,omitempty"`
	ErrorMessage string      `json:"error_message"`
	Retryable    bool        `json:"retryable"`
	Timestamp    string      `json:"timestamp"`
}

// RawAudio is the binary playback payload paired with an AudioResponse.
type RawAudio struct {
	SessionID string
	Payload   []byte
}

// Now returns the wire timestamp for server-originated frames.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// DecodeClientFrame parses one inbound frame. Binary frames are treated as
// audio_data with an implicit type. Size limits are enforced before any
// JSON parsing.
func DecodeClientFrame(kind FrameKind, raw []byte, limits Limits) (any, error) {
	if kind == FrameBinary {
		if limits.MaxAudioBytes > 0 && int64(len(raw)) > limits.MaxAudioBytes {
			return nil, fmt.Errorf("binary audio frame of %d bytes: %w", len(raw), ErrFrameTooLarge)
		}
		if len(raw) == 0 {
			return nil, fmt.Errorf("empty binary frame: %w", ErrMalformedFrame)
		}
		return AudioData{Type: TypeAudioData, Payload: raw}, nil
	}

	if limits.MaxTextBytes > 0 && int64(len(raw)) > limits.MaxTextBytes {
		return nil, fmt.Errorf("text frame of %d bytes: %w", len(raw), ErrFrameTooLarge)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrMalformedFrame, err)
	}

	switch env.Type {
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return msg, nil
	case TypeTextMessage:
		var msg TextMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if msg.Text == "" {
			return nil, fmt.Errorf("%w: text_message requires text", ErrMalformedFrame)
		}
		return msg, nil
	case TypeStatusRequest:
		var msg StatusRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return msg, nil
	case TypeAudioData:
		var msg AudioData
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if msg.AudioBase64 == "" {
			return nil, fmt.Errorf("%w: audio_data requires audio_base64", ErrMalformedFrame)
		}
		payload, err := base64.StdEncoding.DecodeString(msg.AudioBase64)
		if err != nil {
			return nil, fmt.Errorf("%w: audio_base64: %v", ErrMalformedFrame, err)
		}
		if limits.MaxAudioBytes > 0 && int64(len(payload)) > limits.MaxAudioBytes {
			return nil, fmt.Errorf("decoded audio of %d bytes: %w", len(payload), ErrFrameTooLarge)
		}
		msg.Payload = payload
		return msg, nil
	case TypeClose:
		var msg Close
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

// EncodeServerFrame serializes one outbound message. RawAudio becomes a
// binary frame; everything else is tagged JSON.
func EncodeServerFrame(msg any) (FrameKind, []byte, error) {
	if audio, ok := msg.(RawAudio); ok {
		return FrameBinary, audio.Payload, nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return FrameText, nil, fmt.Errorf("encode server frame: %w", err)
	}
	return FrameText, data, nil
}

// TypeOf reports the wire type of a decoded or outbound message, for
// metrics labels and dispatch.
func TypeOf(msg any) (MessageType, bool) {
	switch m := msg.(type) {
	case Ping:
		return m.Type, true
	case TextMessage:
		return m.Type, true
	case StatusRequest:
		return m.Type, true
	case AudioData:
		return m.Type, true
	case Close:
		return m.Type, true
	case ConnectionEstablished:
		return m.Type, true
	case Pong:
		return m.Type, true
	case Status:
		return m.Type, true
	case Transcript:
		return m.Type, true
	case TextResponse:
		return m.Type, true
	case AudioResponse:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	case RawAudio:
		return TypeAudioResponse, true
	default:
		return "", false
	}
}

package voice

import (
	"context"
	"fmt"

	"github.com/asg58/ai-voice-agent-v3/internal/session"
)

// Transcription is the result of one speech-to-text call.
type Transcription struct {
	Text       string
	Confidence float64
}

// Synthesis is the result of one text-to-speech call: raw PCM16LE mono.
type Synthesis struct {
	PCM        []byte
	SampleRate int
	Format     string
}

// Transcriber converts one audio chunk to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, sampleRate int) (Transcription, error)
}

// Responder produces the assistant reply for a conversation history.
type Responder interface {
	Respond(ctx context.Context, turns []session.Turn) (string, error)
}

// Synthesizer converts assistant text to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Synthesis, error)
}

// Provider bundles the three collaborator roles; concrete backends
// implement all of them.
type Provider interface {
	Transcriber
	Responder
	Synthesizer
}

// CollaboratorError wraps a failed or timed-out external call with enough
// context to build a client-visible error frame.
type CollaboratorError struct {
	Stage     string // "stt", "llm", "tts"
	Code      string
	Retryable bool
	Err       error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s collaborator: %s: %v", e.Stage, e.Code, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// IsRetryable feeds the reliability classifier.
func (e *CollaboratorError) IsRetryable() bool { return e.Retryable }

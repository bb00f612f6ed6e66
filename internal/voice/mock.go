package voice

import (
	"context"
	"fmt"

	"github.com/asg58/ai-voice-agent-v3/internal/session"
)

// MockProvider is a deterministic local fallback used when no external
// engines are configured.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Transcribe(_ context.Context, audio []byte, _ int) (Transcription, error) {
	if len(audio) == 0 {
		return Transcription{}, &CollaboratorError{
			Stage: "stt", Code: "empty_audio", Retryable: false,
			Err: fmt.Errorf("no audio bytes"),
		}
	}
	return Transcription{Text: "simulated voice input", Confidence: 0.7}, nil
}

func (p *MockProvider) Respond(_ context.Context, turns []session.Turn) (string, error) {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == session.RoleUser && turns[i].Content != "" {
			return "Echo: " + turns[i].Content, nil
		}
	}
	return "Hello! How can I help?", nil
}

func (p *MockProvider) Synthesize(_ context.Context, text string) (Synthesis, error) {
	// Text bytes stand in for PCM so the playback path stays exercisable
	// end to end without a real engine.
	return Synthesis{PCM: []byte(text), SampleRate: 16000, Format: "pcm16"}, nil
}

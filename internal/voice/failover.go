package voice

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/asg58/ai-voice-agent-v3/internal/session"
)

// NewFailoverProvider prefers the primary backend and switches to fallback
// when a primary call fails. Once fallback succeeds it stays active until
// fallback itself fails; then primary is retried.
func NewFailoverProvider(primary, fallback Provider) Provider {
	return &failoverProvider{primary: primary, fallback: fallback}
}

type failoverProvider struct {
	primary        Provider
	fallback       Provider
	fallbackActive atomic.Bool
}

func (f *failoverProvider) Transcribe(ctx context.Context, audio []byte, sampleRate int) (Transcription, error) {
	if f.fallbackActive.Load() {
		out, err := f.fallback.Transcribe(ctx, audio, sampleRate)
		if err == nil {
			return out, nil
		}
		f.switchTo(false, "stt", err)
		return f.primary.Transcribe(ctx, audio, sampleRate)
	}
	out, err := f.primary.Transcribe(ctx, audio, sampleRate)
	if err == nil {
		return out, nil
	}
	f.switchTo(true, "stt", err)
	return f.fallback.Transcribe(ctx, audio, sampleRate)
}

func (f *failoverProvider) Respond(ctx context.Context, turns []session.Turn) (string, error) {
	if f.fallbackActive.Load() {
		out, err := f.fallback.Respond(ctx, turns)
		if err == nil {
			return out, nil
		}
		f.switchTo(false, "llm", err)
		return f.primary.Respond(ctx, turns)
	}
	out, err := f.primary.Respond(ctx, turns)
	if err == nil {
		return out, nil
	}
	f.switchTo(true, "llm", err)
	return f.fallback.Respond(ctx, turns)
}

func (f *failoverProvider) Synthesize(ctx context.Context, text string) (Synthesis, error) {
	if f.fallbackActive.Load() {
		out, err := f.fallback.Synthesize(ctx, text)
		if err == nil {
			return out, nil
		}
		f.switchTo(false, "tts", err)
		return f.primary.Synthesize(ctx, text)
	}
	out, err := f.primary.Synthesize(ctx, text)
	if err == nil {
		return out, nil
	}
	f.switchTo(true, "tts", err)
	return f.fallback.Synthesize(ctx, text)
}

func (f *failoverProvider) switchTo(fallback bool, stage string, err error) {
	if f.fallbackActive.CompareAndSwap(!fallback, fallback) {
		if fallback {
			log.Printf("voice %s: primary failed, switching to fallback: %v", stage, err)
		} else {
			log.Printf("voice %s: fallback failed, retrying primary: %v", stage, err)
		}
	}
}

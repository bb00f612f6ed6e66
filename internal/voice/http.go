package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/asg58/ai-voice-agent-v3/internal/reliability"
	"github.com/asg58/ai-voice-agent-v3/internal/session"
)

// HTTPConfig points at the external STT/LLM/TTS services. Any empty URL
// disables that stage (calls fail with a non-retryable error).
type HTTPConfig struct {
	STTBaseURL string
	LLMBaseURL string
	TTSBaseURL string
	Client     *http.Client
}

// HTTPProvider consumes the external engines over plain HTTP. Per-call
// deadlines come from the caller's context; the embedded client timeout is
// only a safety net.
type HTTPProvider struct {
	sttURL string
	llmURL string
	ttsURL string
	client *http.Client
}

func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPProvider{
		sttURL: strings.TrimRight(cfg.STTBaseURL, "/"),
		llmURL: strings.TrimRight(cfg.LLMBaseURL, "/"),
		ttsURL: strings.TrimRight(cfg.TTSBaseURL, "/"),
		client: client,
	}
}

type transcribeResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (p *HTTPProvider) Transcribe(ctx context.Context, audio []byte, sampleRate int) (Transcription, error) {
	if p.sttURL == "" {
		return Transcription{}, &CollaboratorError{Stage: "stt", Code: "not_configured", Err: fmt.Errorf("STT_HTTP_URL not set")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sttURL+"/transcribe", bytes.NewReader(audio))
	if err != nil {
		return Transcription{}, &CollaboratorError{Stage: "stt", Code: "bad_request", Err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if sampleRate > 0 {
		req.Header.Set("X-Sample-Rate", strconv.Itoa(sampleRate))
	}

	var out transcribeResponse
	if err := p.do(req, "stt", &out); err != nil {
		return Transcription{}, err
	}
	return Transcription{Text: out.Text, Confidence: out.Confidence}, nil
}

type respondRequest struct {
	Turns []respondTurn `json:"turns"`
}

type respondTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respondResponse struct {
	Text string `json:"text"`
}

func (p *HTTPProvider) Respond(ctx context.Context, turns []session.Turn) (string, error) {
	if p.llmURL == "" {
		return "", &CollaboratorError{Stage: "llm", Code: "not_configured", Err: fmt.Errorf("LLM_HTTP_URL not set")}
	}
	payload := respondRequest{Turns: make([]respondTurn, 0, len(turns))}
	for _, t := range turns {
		payload.Turns = append(payload.Turns, respondTurn{Role: string(t.Role), Content: t.Content})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &CollaboratorError{Stage: "llm", Code: "bad_request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.llmURL+"/respond", bytes.NewReader(body))
	if err != nil {
		return "", &CollaboratorError{Stage: "llm", Code: "bad_request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	var out respondResponse
	if err := p.do(req, "llm", &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

type synthesizeRequest struct {
	Text string `json:"text"`
}

type synthesizeResponse struct {
	AudioBase64 string `json:"audio_base64"`
	SampleRate  int    `json:"sample_rate"`
	Format      string `json:"format"`
}

func (p *HTTPProvider) Synthesize(ctx context.Context, text string) (Synthesis, error) {
	if p.ttsURL == "" {
		return Synthesis{}, &CollaboratorError{Stage: "tts", Code: "not_configured", Err: fmt.Errorf("TTS_HTTP_URL not set")}
	}
	body, err := json.Marshal(synthesizeRequest{Text: text})
	if err != nil {
		return Synthesis{}, &CollaboratorError{Stage: "tts", Code: "bad_request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.ttsURL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return Synthesis{}, &CollaboratorError{Stage: "tts", Code: "bad_request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	var out synthesizeResponse
	if err := p.do(req, "tts", &out); err != nil {
		return Synthesis{}, err
	}
	pcm, err := base64.StdEncoding.DecodeString(out.AudioBase64)
	if err != nil {
		return Synthesis{}, &CollaboratorError{Stage: "tts", Code: "bad_response", Err: err}
	}
	if out.SampleRate <= 0 {
		out.SampleRate = 16000
	}
	if out.Format == "" {
		out.Format = "pcm16"
	}
	return Synthesis{PCM: pcm, SampleRate: out.SampleRate, Format: out.Format}, nil
}

func (p *HTTPProvider) do(req *http.Request, stage string, out any) error {
	res, err := p.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are worth retrying.
		return &CollaboratorError{Stage: stage, Code: "unreachable", Retryable: true, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return &CollaboratorError{
			Stage:     stage,
			Code:      "http_" + strconv.Itoa(res.StatusCode),
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
			Err:       fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &CollaboratorError{Stage: stage, Code: "bad_response", Err: err}
	}
	return nil
}

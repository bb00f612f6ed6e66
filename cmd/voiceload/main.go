package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// voiceload replays synthetic traffic against a running gateway and reports
// turn latency percentiles. It is an operational probe, not a benchmark.

type options struct {
	baseURL     string
	userID      string
	sessions    int
	turns       int
	mode        string
	chunkMS     int
	sampleRate  int
	turnTimeout time.Duration
	verbose     bool
}

type turnResult struct {
	latency time.Duration
	err     error
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceload: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voiceload: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "gateway base URL")
	flag.StringVar(&cfg.userID, "user-id", "load-probe", "user_id for synthetic sessions")
	flag.IntVar(&cfg.sessions, "sessions", 4, "concurrent sessions")
	flag.IntVar(&cfg.turns, "turns", 10, "turns per session")
	flag.StringVar(&cfg.mode, "mode", "audio", "turn mode: audio|text")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 200, "synthetic audio chunk size in milliseconds")
	flag.IntVar(&cfg.sampleRate, "sample-rate", 16000, "synthetic audio sample rate")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout per turn in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", false, "print per-turn progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.sessions <= 0 || cfg.turns <= 0 {
		return options{}, fmt.Errorf("sessions and turns must be > 0")
	}
	if cfg.mode != "audio" && cfg.mode != "text" {
		return options{}, fmt.Errorf("mode must be audio or text")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	results := make(chan turnResult, cfg.sessions*cfg.turns)
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < cfg.sessions; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			if err := runSession(cfg, worker, results); err != nil {
				results <- turnResult{err: err}
			}
		}(i)
	}
	wg.Wait()
	close(results)

	var latencies []time.Duration
	failures := 0
	for r := range results {
		if r.err != nil {
			failures++
			fmt.Fprintf(os.Stderr, "voiceload: %v\n", r.err)
			continue
		}
		latencies = append(latencies, r.latency)
	}

	fmt.Printf("sessions=%d turns=%d mode=%s elapsed=%s\n",
		cfg.sessions, cfg.turns, cfg.mode, time.Since(start).Round(time.Millisecond))
	fmt.Printf("completed=%d failed=%d\n", len(latencies), failures)
	if len(latencies) > 0 {
		fmt.Printf("latency p50=%s p95=%s max=%s\n",
			percentile(latencies, 0.50).Round(time.Millisecond),
			percentile(latencies, 0.95).Round(time.Millisecond),
			percentile(latencies, 1.0).Round(time.Millisecond))
	}
	if failures > 0 {
		return fmt.Errorf("%d turn(s) failed", failures)
	}
	return nil
}

func runSession(cfg options, worker int, results chan<- turnResult) error {
	sessionID, err := createSession(cfg)
	if err != nil {
		return fmt.Errorf("worker %d: create session: %w", worker, err)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return err
	}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("worker %d: dial: %w", worker, err)
	}
	defer ws.Close()

	if err := awaitFrame(ws, cfg.turnTimeout, "connection_established", false); err != nil {
		return fmt.Errorf("worker %d: handshake: %w", worker, err)
	}

	chunk := tonePCM(cfg.chunkMS, cfg.sampleRate, 440)
	for turn := 0; turn < cfg.turns; turn++ {
		start := time.Now()
		var err error
		if cfg.mode == "audio" {
			err = ws.WriteMessage(websocket.BinaryMessage, chunk)
			if err == nil {
				// The synthesized reply arrives as a binary wav frame.
				err = awaitFrame(ws, cfg.turnTimeout, "", true)
			}
		} else {
			err = ws.WriteJSON(map[string]any{
				"type": "text_message",
				"text": fmt.Sprintf("probe turn %d from worker %d", turn, worker),
			})
			if err == nil {
				err = awaitFrame(ws, cfg.turnTimeout, "text_response", false)
			}
		}
		if err != nil {
			results <- turnResult{err: fmt.Errorf("worker %d turn %d: %w", worker, turn, err)}
			continue
		}
		latency := time.Since(start)
		results <- turnResult{latency: latency}
		if cfg.verbose {
			fmt.Printf("worker %d turn %d: %s\n", worker, turn, latency.Round(time.Millisecond))
		}
	}

	_ = ws.WriteJSON(map[string]any{"type": "close", "reason": "probe complete"})
	return nil
}

func createSession(cfg options) (string, error) {
	body, _ := json.Marshal(map[string]string{"user_id": cfg.userID})
	resp, err := http.Post(cfg.baseURL+"/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create session: status %d", resp.StatusCode)
	}
	var created struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", err
	}
	if created.SessionID == "" {
		return "", fmt.Errorf("create session: empty session_id")
	}
	return created.SessionID, nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws/" + sessionID
	return u.String(), nil
}

// awaitFrame reads frames until one matches: a binary frame when wantBinary
// is set, otherwise a JSON frame of the given type. Error frames fail fast.
func awaitFrame(ws *websocket.Conn, timeout time.Duration, wantType string, wantBinary bool) error {
	deadline := time.Now().Add(timeout)
	for {
		_ = ws.SetReadDeadline(deadline)
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if msgType == websocket.BinaryMessage {
			if wantBinary {
				return nil
			}
			continue
		}
		var frame struct {
			Type         string `json:"type"`
			Code         string `json:"code"`
			ErrorMessage string `json:"error_message"`
		}
		if json.Unmarshal(data, &frame) != nil {
			continue
		}
		if frame.Type == "error" {
			return fmt.Errorf("server error %s: %s", frame.Code, frame.ErrorMessage)
		}
		if !wantBinary && frame.Type == wantType {
			return nil
		}
	}
}

// tonePCM generates a PCM16LE mono sine tone, enough to look like speech to
// a gateway that only cares about bytes.
func tonePCM(durMS, sampleRate int, freqHz float64) []byte {
	samples := sampleRate * durMS / 1000
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := math.Sin(2 * math.Pi * freqHz * float64(i) / float64(sampleRate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*0.3*math.MaxInt16)))
	}
	return out
}

func percentile(durs []time.Duration, p float64) time.Duration {
	if len(durs) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(durs))
	copy(sorted, durs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

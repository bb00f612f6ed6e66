package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/asg58/ai-voice-agent-v3/internal/config"
	"github.com/asg58/ai-voice-agent-v3/internal/conn"
	"github.com/asg58/ai-voice-agent-v3/internal/gateway"
	"github.com/asg58/ai-voice-agent-v3/internal/httpapi"
	"github.com/asg58/ai-voice-agent-v3/internal/memory"
	"github.com/asg58/ai-voice-agent-v3/internal/observability"
	"github.com/asg58/ai-voice-agent-v3/internal/pipeline"
	"github.com/asg58/ai-voice-agent-v3/internal/session"
	"github.com/asg58/ai-voice-agent-v3/internal/voice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	archive, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("transcript archive init failed: %v", err)
	}
	defer archive.Close()

	// Session persistence is optional; when Redis is configured a broken
	// connection at startup is a deploy error, so fail loud here. Failures
	// at runtime degrade to in-memory instead.
	var persistence session.Persistence
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		p, err := session.NewRedisPersistenceFromEnv(ctx, cfg.SessionTTL)
		if err != nil {
			log.Fatalf("redis session persistence init failed: %v", err)
		}
		defer p.Close()
		persistence = p
		log.Printf("session persistence: redis at %s", cfg.RedisAddr)
	} else {
		log.Printf("session persistence: in-memory only")
	}

	store := session.NewStore(session.Options{
		TurnHistoryCap: cfg.TurnHistoryCap,
		IdleTimeout:    cfg.SessionIdleTimeout,
		TTL:            cfg.SessionTTL,
		Persistence:    persistence,
	})
	conns := conn.NewManager(cfg.MaxConnections)
	queue := pipeline.NewQueue(cfg.SessionQueueCap, cfg.GlobalQueueCap)

	provider, err := buildProvider(cfg)
	if err != nil {
		log.Fatalf("voice provider init failed: %v", err)
	}

	gw := gateway.New(cfg, store, conns, queue, provider, archive, metrics)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	store.StartReaper(runCtx, cfg.ReaperInterval)
	queue.Start(runCtx, cfg.AudioWorkers, gw.AudioTaskHandler)
	gw.StartHeartbeat(runCtx)

	api := httpapi.New(cfg, store, conns, queue, gw, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("gateway listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	gw.Shutdown("server shutting down")
	runCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// buildProvider resolves the collaborator backend. "auto" prefers the HTTP
// collaborators when all three are configured, with the mock as a sticky
// fallback so a broken backend degrades instead of breaking every session.
func buildProvider(cfg config.Config) (voice.Provider, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if mode == "" {
		mode = "auto"
	}

	httpConfigured := cfg.STTHTTPURL != "" && cfg.LLMHTTPURL != "" && cfg.TTSHTTPURL != ""
	newHTTP := func() voice.Provider {
		return voice.NewHTTPProvider(voice.HTTPConfig{
			STTBaseURL: cfg.STTHTTPURL,
			LLMBaseURL: cfg.LLMHTTPURL,
			TTSBaseURL: cfg.TTSHTTPURL,
		})
	}

	switch mode {
	case "mock":
		log.Printf("voice provider: mock")
		return voice.NewMockProvider(), nil
	case "http":
		if !httpConfigured {
			return nil, fmt.Errorf("VOICE_PROVIDER=http requires STT_HTTP_URL, LLM_HTTP_URL and TTS_HTTP_URL")
		}
		log.Printf("voice provider: http collaborators")
		return newHTTP(), nil
	case "auto":
		if httpConfigured {
			log.Printf("voice provider: http collaborators with mock fallback")
			return voice.NewFailoverProvider(newHTTP(), voice.NewMockProvider()), nil
		}
		log.Printf("voice provider: mock (no collaborator URLs configured)")
		return voice.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|http|mock)", cfg.VoiceProvider)
	}
}

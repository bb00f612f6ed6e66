package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the realtime voice gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	MaxConnections     int
	SessionQueueCap    int
	GlobalQueueCap     int
	AudioWorkers       int
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	SessionIdleTimeout time.Duration
	SessionTTL         time.Duration
	ReaperInterval     time.Duration
	TurnHistoryCap     int

	MaxTextFrameBytes  int64
	MaxAudioFrameBytes int64

	// Malformed frames tolerated per minute before the connection is
	// treated as abusive and closed.
	MalformedFrameLimit int

	CollaboratorTimeout time.Duration

	VoiceProvider string
	STTHTTPURL    string
	LLMHTTPURL    string
	TTSHTTPURL    string

	DatabaseURL string
	RedisAddr   string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "voiceagent"),
		AllowAnyOrigin:      false,
		MaxConnections:      500,
		SessionQueueCap:     50,
		GlobalQueueCap:      2000,
		AudioWorkers:        4,
		HeartbeatInterval:   20 * time.Second,
		HeartbeatTimeout:    60 * time.Second,
		SessionIdleTimeout:  5 * time.Minute,
		SessionTTL:          24 * time.Hour,
		ReaperInterval:      15 * time.Second,
		TurnHistoryCap:      1000,
		MaxTextFrameBytes:   1 << 20,
		MaxAudioFrameBytes:  5 << 20,
		MalformedFrameLimit: 8,
		CollaboratorTimeout: 30 * time.Second,
		VoiceProvider:       envOrDefault("VOICE_PROVIDER", "auto"),
		STTHTTPURL:          envTrimmed("STT_HTTP_URL"),
		LLMHTTPURL:          envTrimmed("LLM_HTTP_URL"),
		TTSHTTPURL:          envTrimmed("TTS_HTTP_URL"),
		DatabaseURL:         envTrimmed("DATABASE_URL"),
		RedisAddr:           envTrimmed("REDIS_ADDR"),
		ShutdownTimeout:     15 * time.Second,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = durationFromEnv("APP_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatTimeout, err = durationFromEnv("APP_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTimeout, err = durationFromEnv("APP_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionTTL, err = durationFromEnv("APP_SESSION_TTL", cfg.SessionTTL); err != nil {
		return Config{}, err
	}
	if cfg.ReaperInterval, err = durationFromEnv("APP_REAPER_INTERVAL", cfg.ReaperInterval); err != nil {
		return Config{}, err
	}
	if cfg.CollaboratorTimeout, err = durationFromEnv("APP_COLLABORATOR_TIMEOUT", cfg.CollaboratorTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MaxConnections, err = intFromEnv("APP_MAX_CONNECTIONS", cfg.MaxConnections); err != nil {
		return Config{}, err
	}
	if cfg.SessionQueueCap, err = intFromEnv("APP_SESSION_QUEUE_CAP", cfg.SessionQueueCap); err != nil {
		return Config{}, err
	}
	if cfg.GlobalQueueCap, err = intFromEnv("APP_GLOBAL_QUEUE_CAP", cfg.GlobalQueueCap); err != nil {
		return Config{}, err
	}
	if cfg.AudioWorkers, err = intFromEnv("APP_AUDIO_WORKERS", cfg.AudioWorkers); err != nil {
		return Config{}, err
	}
	if cfg.TurnHistoryCap, err = intFromEnv("APP_TURN_HISTORY_CAP", cfg.TurnHistoryCap); err != nil {
		return Config{}, err
	}
	if cfg.MalformedFrameLimit, err = intFromEnv("APP_MALFORMED_FRAME_LIMIT", cfg.MalformedFrameLimit); err != nil {
		return Config{}, err
	}
	if cfg.MaxTextFrameBytes, err = int64FromEnv("APP_MAX_TEXT_FRAME_BYTES", cfg.MaxTextFrameBytes); err != nil {
		return Config{}, err
	}
	if cfg.MaxAudioFrameBytes, err = int64FromEnv("APP_MAX_AUDIO_FRAME_BYTES", cfg.MaxAudioFrameBytes); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}

	if cfg.MaxConnections <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_CONNECTIONS must be positive")
	}
	if cfg.SessionQueueCap <= 0 {
		return Config{}, fmt.Errorf("APP_SESSION_QUEUE_CAP must be positive")
	}
	if cfg.GlobalQueueCap < cfg.SessionQueueCap {
		return Config{}, fmt.Errorf("APP_GLOBAL_QUEUE_CAP must be at least APP_SESSION_QUEUE_CAP")
	}
	if cfg.AudioWorkers <= 0 {
		return Config{}, fmt.Errorf("APP_AUDIO_WORKERS must be positive")
	}
	if cfg.TurnHistoryCap <= 0 {
		return Config{}, fmt.Errorf("APP_TURN_HISTORY_CAP must be positive")
	}
	if cfg.HeartbeatInterval < time.Second {
		return Config{}, fmt.Errorf("APP_HEARTBEAT_INTERVAL must be at least 1s")
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		return Config{}, fmt.Errorf("APP_HEARTBEAT_TIMEOUT must exceed APP_HEARTBEAT_INTERVAL")
	}
	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.SessionTTL < cfg.SessionIdleTimeout {
		return Config{}, fmt.Errorf("APP_SESSION_TTL must be at least APP_SESSION_IDLE_TIMEOUT")
	}
	if cfg.MaxTextFrameBytes <= 0 || cfg.MaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("frame size limits must be positive")
	}
	if cfg.MalformedFrameLimit <= 0 {
		return Config{}, fmt.Errorf("APP_MALFORMED_FRAME_LIMIT must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func int64FromEnv(key string, fallback int64) (int64, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.SessionQueueCap != 50 {
		t.Fatalf("SessionQueueCap = %d, want 50", cfg.SessionQueueCap)
	}
	if cfg.MaxTextFrameBytes != 1<<20 || cfg.MaxAudioFrameBytes != 5<<20 {
		t.Fatalf("frame limits = %d/%d, want defaults", cfg.MaxTextFrameBytes, cfg.MaxAudioFrameBytes)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("SessionTTL = %v, want 24h", cfg.SessionTTL)
	}
}

func TestLoadOverridesAndValidation(t *testing.T) {
	t.Setenv("APP_MAX_CONNECTIONS", "12")
	t.Setenv("APP_HEARTBEAT_INTERVAL", "2s")
	t.Setenv("APP_HEARTBEAT_TIMEOUT", "7s")
	t.Setenv("APP_SESSION_QUEUE_CAP", "5")
	t.Setenv("APP_GLOBAL_QUEUE_CAP", "25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxConnections != 12 {
		t.Fatalf("MaxConnections = %d, want 12", cfg.MaxConnections)
	}
	if cfg.HeartbeatInterval != 2*time.Second || cfg.HeartbeatTimeout != 7*time.Second {
		t.Fatalf("heartbeat = %v/%v, want 2s/7s", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	}
}

func TestLoadRejectsHeartbeatTimeoutBelowInterval(t *testing.T) {
	t.Setenv("APP_HEARTBEAT_INTERVAL", "30s")
	t.Setenv("APP_HEARTBEAT_TIMEOUT", "10s")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject heartbeat timeout below interval")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	t.Setenv("APP_SESSION_TTL", "yesterday")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject unparseable duration")
	}
}

func TestLoadRejectsGlobalQueueBelowSessionQueue(t *testing.T) {
	t.Setenv("APP_SESSION_QUEUE_CAP", "100")
	t.Setenv("APP_GLOBAL_QUEUE_CAP", "10")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject global cap below per-session cap")
	}
}

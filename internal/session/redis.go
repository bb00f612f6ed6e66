package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// RedisConfig for the Redis-backed persistence. Defaults can be loaded via
// envdecode.
type RedisConfig struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all session keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=voiceagent:sessions:"`
}

// RedisPersistence stores session records as JSON blobs with a TTL, so a
// restarted gateway can resume sessions within their lifetime.
type RedisPersistence struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func NewRedisPersistence(ctx context.Context, cfg RedisConfig, ttl time.Duration) (*RedisPersistence, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "voiceagent:sessions:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisPersistence{client: cl, keyPrefix: prefix, ttl: ttl}, nil
}

// RedisConfigFromEnv populates RedisConfig via envdecode.
func RedisConfigFromEnv() (RedisConfig, error) {
	var cfg RedisConfig
	if err := envdecode.Decode(&cfg); err != nil {
		return RedisConfig{}, fmt.Errorf("redis config: %w", err)
	}
	return cfg, nil
}

// NewRedisPersistenceFromEnv builds persistence using envdecode to populate
// RedisConfig.
func NewRedisPersistenceFromEnv(ctx context.Context, ttl time.Duration) (*RedisPersistence, error) {
	cfg, err := RedisConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return NewRedisPersistence(ctx, cfg, ttl)
}

func (p *RedisPersistence) key(id string) string { return p.keyPrefix + id }

func (p *RedisPersistence) Load(ctx context.Context, id string) (*Session, error) {
	data, err := p.client.Get(ctx, p.key(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrStoreUnavailable, id, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

func (p *RedisPersistence) Save(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	if err := p.client.Set(ctx, p.key(s.ID), data, p.ttl).Err(); err != nil {
		return fmt.Errorf("%w: save %s: %v", ErrStoreUnavailable, s.ID, err)
	}
	return nil
}

func (p *RedisPersistence) Delete(ctx context.Context, id string) error {
	if err := p.client.Del(ctx, p.key(id)).Err(); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrStoreUnavailable, id, err)
	}
	return nil
}

func (p *RedisPersistence) Close() error { return p.client.Close() }

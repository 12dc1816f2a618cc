package idempotency

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultCapacity = 10000
	defaultTTL      = 7 * 24 * time.Hour
	keyPrefix       = "delayq:seen:"
)

type Config struct {
	Store    string        `mapstructure:"store"`
	RedisURL string        `mapstructure:"redis_url"`
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// NewStore picks a backend by name: "redis", "memory", or anything else
// for none.
func NewStore(cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Store {
	case "redis":
		if cfg.RedisURL == "" {
			return nil, errors.New("idempotency.redis_url required when idempotency.store=redis")
		}
		ttl := cfg.TTL
		if ttl <= 0 {
			ttl = defaultTTL
		}
		logger.Info("idempotency: using redis backend", zap.String("url", cfg.RedisURL), zap.Duration("ttl", ttl))
		return NewRedisStore(NewRedisClient(cfg.RedisURL), keyPrefix, ttl), nil
	case "memory":
		capacity := cfg.Capacity
		if capacity <= 0 {
			capacity = defaultCapacity
		}
		logger.Info("idempotency: using in-memory backend", zap.Int("capacity", capacity))
		return NewLRUStore(capacity), nil
	case "", "none":
		logger.Info("idempotency: disabled")
		return NoopStore{}, nil
	}
	return nil, fmt.Errorf("unknown idempotency store %q", cfg.Store)
}

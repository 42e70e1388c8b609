// Package cache is the read-through cache behind the deal view. It is never
// a source of truth: callers treat every error as a miss.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dealbase/internal/config"
)

type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// New builds the store selected by cfg. It returns a nil Store when caching
// is disabled. The close func is never nil.
func New(ctx context.Context, cfg config.CacheConfig) (Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "none":
		return nil, noop, nil
	case "redis":
		rs := NewRedisStore(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.Password,
			DB:       cfg.RedisDB,
		})
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, noop, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		return WithPrefix(rs, cfg.KeyPrefix), rs.Close, nil
	default:
		return WithPrefix(NewMemoryStore(), cfg.KeyPrefix), noop, nil
	}
}

type prefixed struct {
	prefix string
	next   Store
}

// WithPrefix namespaces every key of next.
func WithPrefix(next Store, prefix string) Store {
	if prefix == "" || next == nil {
		return next
	}
	return prefixed{prefix: prefix, next: next}
}

func (p prefixed) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return p.next.Get(ctx, p.prefix+key)
}

func (p prefixed) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.next.Set(ctx, p.prefix+key, value, ttl)
}

func (p prefixed) Delete(ctx context.Context, key string) error {
	return p.next.Delete(ctx, p.prefix+key)
}

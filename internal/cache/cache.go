// Package cache implements the two-tier (in-process LRU + optional Redis)
// cache the linked-record resolver reads through, grounded on the
// teacher's internal/infrastructure/cache package. The Redis tier is
// optional: a single-process deployment runs on the LRU tier alone.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key is absent from both tiers.
var ErrNotFound = errors.New("cache: key not found")

// Cache is the interface the linked-record resolver reads through. A
// []byte value lets callers decide their own encoding; JSON helpers below
// cover the common case.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// TwoTier checks an in-process LRU first, then falls back to Redis (if
// configured) and backfills the LRU on a Redis hit.
type TwoTier struct {
	local  *lru.Cache[string, entry]
	redis  *redis.Client
	logger *slog.Logger
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Config mirrors the teacher's CacheConfig, trimmed to what this engine
// actually tunes: LRU size and Redis connection, not a circuit breaker
// the engine's own resilience.WithRetry already subsumes.
type Config struct {
	MaxEntries int
	RedisAddr  string // empty disables the Redis tier
	RedisDB    int
}

func New(cfg Config, logger *slog.Logger) (*TwoTier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	local, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, err
	}

	t := &TwoTier{local: local, logger: logger}
	if cfg.RedisAddr != "" {
		t.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	}
	return t, nil
}

func (t *TwoTier) Get(ctx context.Context, key string) ([]byte, error) {
	if e, ok := t.local.Get(key); ok {
		if time.Now().Before(e.expiresAt) {
			return e.value, nil
		}
		t.local.Remove(key)
	}

	if t.redis == nil {
		return nil, ErrNotFound
	}

	val, err := t.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ttl, err := t.redis.TTL(ctx, key).Result()
	if err != nil {
		ttl = 5 * time.Minute
	}
	t.local.Add(key, entry{value: val, expiresAt: time.Now().Add(ttl)})
	return val, nil
}

func (t *TwoTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	t.local.Add(key, entry{value: value, expiresAt: time.Now().Add(ttl)})
	if t.redis == nil {
		return nil
	}
	return t.redis.Set(ctx, key, value, ttl).Err()
}

func (t *TwoTier) Delete(ctx context.Context, key string) error {
	t.local.Remove(key)
	if t.redis == nil {
		return nil
	}
	return t.redis.Del(ctx, key).Err()
}

// GetJSON and SetJSON spare callers from marshaling boilerplate.
func GetJSON[T any](ctx context.Context, c Cache, key string) (T, error) {
	var zero T
	raw, err := c.Get(ctx, key)
	if err != nil {
		return zero, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, err
	}
	return v, nil
}

func SetJSON[T any](ctx context.Context, c Cache, key string, value T, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, raw, ttl)
}

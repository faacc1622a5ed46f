package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/faredown/bargain/internal/infra"
)

// DefaultCacheKey is the fast-cache key holding the active policy.
const DefaultCacheKey = "policies:active"

// KV is the byte-level surface RedisCache needs; infra.GoRedisAdapter
// implements it.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// RedisCache stores the parsed policy as JSON under a single key with no
// expiry. Staleness is the Store's concern.
type RedisCache struct {
	kv  KV
	key string
}

// NewRedisCache returns a FastCache over kv. An empty key uses DefaultCacheKey.
func NewRedisCache(kv KV, key string) *RedisCache {
	if key == "" {
		key = DefaultCacheKey
	}
	return &RedisCache{kv: kv, key: key}
}

// Key returns the cache key in use.
func (c *RedisCache) Key() string { return c.key }

func (c *RedisCache) Get(ctx context.Context) (*Policy, error) {
	raw, err := c.kv.Get(ctx, c.key)
	if errors.Is(err, infra.ErrCacheMiss) {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, err
	}
	var p Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode cached policy: %w", err)
	}
	return &p, nil
}

func (c *RedisCache) Put(ctx context.Context, p *Policy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	return c.kv.Set(ctx, c.key, raw, 0)
}

func (c *RedisCache) Delete(ctx context.Context) error {
	return c.kv.Del(ctx, c.key)
}

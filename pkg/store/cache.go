package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"iamlp/pkg/models"
)

type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisCache wraps go-redis.
type RedisCache struct{ Client *redis.Client }

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	res, err := r.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", err
	}
	return res, err
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.Client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	return r.Client.Del(ctx, key).Err()
}

// MemoryCache is a simple in-memory TTL cache used when no Redis is
// configured.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: map[string]memItem{}}
}

func (m *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	item, ok := m.items[key]
	if !ok {
		return "", redis.Nil
	}
	return item.value, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	m.items[key] = memItem{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryCache) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryCache) cleanupLocked() {
	now := time.Now()
	for key, item := range m.items {
		if now.After(item.expiresAt) {
			delete(m.items, key)
		}
	}
}

// PolicyCache stores generated policy documents keyed by a fingerprint of
// the synthesis input, so repeating an identical generate call skips
// synthesis.
type PolicyCache struct {
	Cache Cache
	TTL   time.Duration
}

func NewPolicyCache(cache Cache, ttl time.Duration) *PolicyCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &PolicyCache{Cache: cache, TTL: ttl}
}

func (c *PolicyCache) Put(ctx context.Context, key string, doc models.PolicyDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return c.Cache.Set(ctx, "policy:"+key, string(raw), c.TTL)
}

// Get returns the cached document and whether it was present. A decode
// failure is treated as a miss with the error surfaced.
func (c *PolicyCache) Get(ctx context.Context, key string) (models.PolicyDocument, bool, error) {
	raw, err := c.Cache.Get(ctx, "policy:"+key)
	if errors.Is(err, redis.Nil) {
		return models.PolicyDocument{}, false, nil
	}
	if err != nil {
		return models.PolicyDocument{}, false, err
	}
	var doc models.PolicyDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return models.PolicyDocument{}, false, err
	}
	return doc, true, nil
}

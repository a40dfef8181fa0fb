package statecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache holds short-lived coordination state shared by scheduler replicas:
// cooldown guards per rule and one-shot marks (scheduled due windows, ingest idempotency keys).
type Cache interface {
	// AcquireCooldown claims the rule's cooldown window. ok is false when another holder owns it.
	AcquireCooldown(ctx context.Context, ruleID string, ttl time.Duration) (token string, ok bool, err error)
	// ReleaseCooldown drops the guard only if token still owns it.
	ReleaseCooldown(ctx context.Context, ruleID, token string) error
	// MarkOnce returns true the first time key is marked within ttl.
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// ReleaseMark forgets key so the next MarkOnce succeeds.
	ReleaseMark(ctx context.Context, key string) error
}

func cooldownKey(ruleID string) string { return "alerting:cooldown:" + ruleID }
func markKey(key string) string        { return "alerting:mark:" + key }

// RedisCache implements Cache on Redis with SET NX and a compare-and-delete script.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache { return &RedisCache{rdb: rdb} }

var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
if v ~= ARGV[1] then return -1 end
redis.call('DEL', KEYS[1])
return 1
`)

func (c *RedisCache) AcquireCooldown(ctx context.Context, ruleID string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", true, nil
	}
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, cooldownKey(ruleID), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire cooldown %s: %w", ruleID, err)
	}
	return token, ok, nil
}

func (c *RedisCache) ReleaseCooldown(ctx context.Context, ruleID, token string) error {
	if token == "" {
		return nil
	}
	if _, err := releaseScript.Run(ctx, c.rdb, []string{cooldownKey(ruleID)}, token).Result(); err != nil {
		return fmt.Errorf("release cooldown %s: %w", ruleID, err)
	}
	return nil
}

func (c *RedisCache) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, markKey(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark %s: %w", key, err)
	}
	return ok, nil
}

func (c *RedisCache) ReleaseMark(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, markKey(key)).Err(); err != nil {
		return fmt.Errorf("release mark %s: %w", key, err)
	}
	return nil
}

// MemoryCache is the single-process Cache used when Redis is not configured.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	value   string
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memEntry{}, now: time.Now}
}

// setNX must be called with mu held.
func (c *MemoryCache) setNX(key, value string, ttl time.Duration) bool {
	now := c.now()
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		return false
	}
	c.entries[key] = memEntry{value: value, expires: now.Add(ttl)}
	if len(c.entries) > 4096 {
		c.sweep(now)
	}
	return true
}

func (c *MemoryCache) sweep(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}

func (c *MemoryCache) AcquireCooldown(ctx context.Context, ruleID string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", true, nil
	}
	token := uuid.NewString()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.setNX(cooldownKey(ruleID), token, ttl) {
		return "", false, nil
	}
	return token, true, nil
}

func (c *MemoryCache) ReleaseCooldown(ctx context.Context, ruleID, token string) error {
	if token == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[cooldownKey(ruleID)]; ok && e.value == token {
		delete(c.entries, cooldownKey(ruleID))
	}
	return nil
}

func (c *MemoryCache) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setNX(markKey(key), "1", ttl), nil
}

func (c *MemoryCache) ReleaseMark(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, markKey(key))
	return nil
}

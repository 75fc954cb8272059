package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/batchyard/internal/batchspec"
)

// StepResult is the outcome of one step: the workspace diff after the step
// (cumulative) and the step's output.
type StepResult struct {
	Diff   string `json:"diff"`
	Output string `json:"output"`
}

// Cache stores step results by fingerprint.
type Cache interface {
	Get(ctx context.Context, key string) (*StepResult, bool, error)
	Set(ctx context.Context, key string, res *StepResult) error
}

// CacheKey fingerprints step index of a workspace. prev is the key of the
// previous step ("" for the first), so a key covers every earlier step too.
func CacheKey(prev, repo, commit, path string, index int, step batchspec.Step) string {
	h := sha256.New()
	for _, part := range []string{prev, repo, commit, path, strconv.Itoa(index), step.Run, step.Container} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	keys := make([]string, 0, len(step.Env))
	for k := range step.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\x00", k, step.Env[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	results map[string]StepResult
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{results: make(map[string]StepResult)}
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, key string) (*StepResult, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.results[key]
	if !ok {
		return nil, false, nil
	}
	return &res, true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(ctx context.Context, key string, res *StepResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[key] = *res
	return nil
}

// RedisCache stores step results in Redis as JSON.
type RedisCache struct {
	rdb       redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisCache creates a RedisCache. A zero ttl keeps entries forever.
func NewRedisCache(rdb redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "batchyard"
	}
	return &RedisCache{rdb: rdb, keyPrefix: keyPrefix, ttl: ttl}
}

func (c *RedisCache) key(k string) string {
	return c.keyPrefix + ":step:" + k
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (*StepResult, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("scheduler: cache get: %w", err)
	}
	var res StepResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false, fmt.Errorf("scheduler: cache decode: %w", err)
	}
	return &res, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, res *StepResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("scheduler: cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key(key), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("scheduler: cache set: %w", err)
	}
	return nil
}

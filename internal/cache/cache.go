// Package cache stores resolver results keyed by normalized request, in
// memory or in Redis.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Entry is one stored resolver result. Response holds the JSON encoding of
// whatever was passed to Set.
type Entry struct {
	Key       string            `json:"key"`
	Response  json.RawMessage   `json:"response"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CachedAt  time.Time         `json:"cached_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Hits      int64             `json:"hits"`
	ModelName string            `json:"model_name,omitempty"`
}

// Decode unmarshals the cached response into v.
func (e *Entry) Decode(v interface{}) error {
	return json.Unmarshal(e.Response, v)
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// newEntry encodes response. The "model_name" metadata key, when present,
// tags the entry for InvalidateByModel.
func newEntry(key string, response interface{}, ttl time.Duration, metadata map[string]string) (*Entry, error) {
	raw, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	now := time.Now()
	return &Entry{
		Key:       key,
		Response:  raw,
		Metadata:  metadata,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
		ModelName: metadata["model_name"],
	}, nil
}

type Config struct {
	Enabled       bool          `json:"enabled"`
	DefaultTTL    time.Duration `json:"default_ttl"`    // used when Set is given a zero ttl
	MaxSize       int           `json:"max_size"`       // in-memory only; 0 means unbounded
	CleanupPeriod time.Duration `json:"cleanup_period"` // in-memory expiry sweep; 0 disables it
}

func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		DefaultTTL:    time.Hour,
		MaxSize:       1000,
		CleanupPeriod: 5 * time.Minute,
	}
}

// CacheBackend is implemented by the in-memory store, RedisCache and Cache
// itself.
type CacheBackend interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, response interface{}, ttl time.Duration, metadata map[string]string) error
	Delete(ctx context.Context, key string)
	GetStats(ctx context.Context) *Stats
	InvalidateByModel(ctx context.Context, modelName string) int
	InvalidateByPattern(ctx context.Context, pattern string) int
	Ping(ctx context.Context) error
	Close() error
}

type Stats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	TotalEntries int64   `json:"total_entries"`
	HitRate      float64 `json:"hit_rate"`
}

// counters is the lookup bookkeeping shared by both backends.
type counters struct {
	mu    sync.Mutex
	stats Stats
}

func (c *counters) lookup(hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
}

func (c *counters) evicted() {
	c.mu.Lock()
	c.stats.Evictions++
	c.mu.Unlock()
}

// snapshot returns the counters with entries and the derived hit rate filled in.
func (c *counters) snapshot(entries int64) *Stats {
	c.mu.Lock()
	s := c.stats
	c.mu.Unlock()

	s.TotalEntries = entries
	if lookups := s.Hits + s.Misses; lookups > 0 {
		s.HitRate = float64(s.Hits) / float64(lookups)
	}
	return &s
}

// Cache is the handle the rest of nyx holds. A disabled cache accepts every
// call and stores nothing.
type Cache struct {
	config  *Config
	backend CacheBackend
}

var _ CacheBackend = (*Cache)(nil)

// New returns an in-memory cache. When enabled with a CleanupPeriod it runs a
// sweep goroutine until Close.
func New(config *Config) *Cache {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Cache{config: config}
	if config.Enabled {
		c.backend = newMemoryStore(config)
	}
	return c
}

// NewFromRedis wraps a connected RedisCache.
func NewFromRedis(redisCache *RedisCache) *Cache {
	return &Cache{config: redisCache.config, backend: redisCache}
}

// GenerateKey hashes model and the JSON form of request under namespace, so
// equal requests to the same model share a key.
func GenerateKey(namespace, model string, request interface{}) (string, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	sum := sha256.Sum256(append([]byte(model+":"), body...))
	return namespace + ":" + hex.EncodeToString(sum[:]), nil
}

func (c *Cache) enabled() bool {
	return c.config.Enabled && c.backend != nil
}

func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool) {
	if !c.enabled() {
		return nil, false
	}
	return c.backend.Get(ctx, key)
}

// Set stores response for ttl, or for the configured default when ttl is 0.
func (c *Cache) Set(ctx context.Context, key string, response interface{}, ttl time.Duration, metadata map[string]string) error {
	if !c.enabled() {
		return nil
	}
	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}
	return c.backend.Set(ctx, key, response, ttl, metadata)
}

func (c *Cache) Delete(ctx context.Context, key string) {
	if c.enabled() {
		c.backend.Delete(ctx, key)
	}
}

// InvalidateByModel drops every entry tagged with modelName and reports how
// many went.
func (c *Cache) InvalidateByModel(ctx context.Context, modelName string) int {
	if !c.enabled() {
		return 0
	}
	return c.backend.InvalidateByModel(ctx, modelName)
}

// InvalidateByPattern drops every entry whose key starts with pattern.
func (c *Cache) InvalidateByPattern(ctx context.Context, pattern string) int {
	if !c.enabled() {
		return 0
	}
	return c.backend.InvalidateByPattern(ctx, pattern)
}

func (c *Cache) GetStats(ctx context.Context) *Stats {
	if c.backend == nil {
		return &Stats{}
	}
	return c.backend.GetStats(ctx)
}

func (c *Cache) Ping(ctx context.Context) error {
	if c.backend == nil {
		return nil
	}
	return c.backend.Ping(ctx)
}

// Close is safe to call more than once.
func (c *Cache) Close() error {
	if c.backend == nil {
		return nil
	}
	return c.backend.Close()
}

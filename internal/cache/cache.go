// Package cache is a persistent key/payload cache with per-class TTLs and
// lazy expiry. Entries are never swept; stale entries are recomputed and
// overwritten on the next access.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/kz-records/internal/domain"
	"golang.org/x/sync/singleflight"
)

// Key classes
const (
	KeyMaps          = "maps"
	KeyStatistics    = "statistics"
	RecordsKeyPrefix = "records_"
)

// Store persists encoded cache entries. Read returns domain.ErrCacheMiss when
// the key has no entry.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, time.Time, error)
	Write(ctx context.Context, key string, payload []byte, writtenAt time.Time) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// TTLs maps key classes to their freshness window
type TTLs struct {
	Default    time.Duration
	Maps       time.Duration
	Statistics time.Duration
	Records    time.Duration
}

// Observer is notified about cache outcomes
type Observer interface {
	CacheHit(class string)
	CacheMiss(class string)
	CacheError(class, op string)
}

// Cache wraps a Store with TTL resolution and compute-on-miss
type Cache struct {
	store    Store
	ttls     TTLs
	enabled  bool
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
	flight   singleflight.Group
}

// Option configures a Cache
type Option func(*Cache)

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithObserver reports hits, misses and store errors
func WithObserver(o Observer) Option {
	return func(c *Cache) {
		c.observer = o
	}
}

// Disabled makes every lookup compute directly, bypassing the store
func Disabled() Option {
	return func(c *Cache) {
		c.enabled = false
	}
}

// New creates a new cache
func New(store Store, ttls TTLs, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		store:   store,
		ttls:    ttls,
		enabled: true,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecordsKey returns the cache key of a map's records
func RecordsKey(mapName string) string {
	return RecordsKeyPrefix + strconv.FormatUint(xxhash.Sum64String(mapName), 16)
}

// Class returns the key class used for TTL resolution and metrics
func Class(key string) string {
	switch {
	case strings.HasPrefix(key, KeyMaps):
		return KeyMaps
	case strings.HasPrefix(key, KeyStatistics):
		return KeyStatistics
	case strings.HasPrefix(key, RecordsKeyPrefix):
		return "records"
	default:
		return "default"
	}
}

// TTLFor resolves the freshness window for key by its class
func (c *Cache) TTLFor(key string) time.Duration {
	switch Class(key) {
	case KeyMaps:
		return c.ttls.Maps
	case KeyStatistics:
		return c.ttls.Statistics
	case "records":
		return c.ttls.Records
	default:
		return c.ttls.Default
	}
}

// GetOrCompute returns the fresh cached value for key, or calls compute,
// stores its result and returns it. Empty results are cached too. Store
// failures are logged and never returned; a corrupt entry counts as a miss.
// Concurrent misses on one key share a single compute call, which runs
// without the caller's cancellation so an abandoned request cannot store a
// failed result for everyone else.
func GetOrCompute[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, compute func(ctx context.Context) T) T {
	if !c.enabled {
		return compute(ctx)
	}

	class := Class(key)
	if value, ok := lookup[T](ctx, c, key, ttl); ok {
		c.hit(class)
		return value
	}
	c.miss(class)

	shared, _, _ := c.flight.Do(key, func() (interface{}, error) {
		detached := context.WithoutCancel(ctx)
		value := compute(detached)
		c.persist(detached, key, value)
		return value, nil
	})
	if value, ok := shared.(T); ok {
		return value
	}
	// another caller computed a different type under this key
	return compute(ctx)
}

func (c *Cache) persist(ctx context.Context, key string, value interface{}) {
	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("failed to encode cache entry", "key", key, "error", err)
		c.storeError(Class(key), "encode")
		return
	}
	if err := c.store.Write(ctx, key, payload, c.now()); err != nil {
		c.logger.Warn("failed to write cache entry", "key", key, "error", err)
		c.storeError(Class(key), "write")
	}
}

func lookup[T any](ctx context.Context, c *Cache, key string, ttl time.Duration) (T, bool) {
	var value T

	payload, writtenAt, err := c.store.Read(ctx, key)
	if err != nil {
		if !domain.IsCacheMiss(err) {
			c.logger.Warn("failed to read cache entry", "key", key, "error", err)
			c.storeError(Class(key), "read")
		}
		return value, false
	}

	if c.now().Sub(writtenAt) >= ttl {
		return value, false
	}

	if err := json.Unmarshal(payload, &value); err != nil {
		c.logger.Warn("discarding corrupt cache entry", "key", key, "error", err)
		c.storeError(Class(key), "decode")
		var zero T
		return zero, false
	}
	return value, true
}

// Invalidate removes a single entry so the next access recomputes it
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// Clear removes every entry. It is an administrative operation.
func (c *Cache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}

func (c *Cache) hit(class string) {
	if c.observer != nil {
		c.observer.CacheHit(class)
	}
}

func (c *Cache) miss(class string) {
	if c.observer != nil {
		c.observer.CacheMiss(class)
	}
}

func (c *Cache) storeError(class, op string) {
	if c.observer != nil {
		c.observer.CacheError(class, op)
	}
}

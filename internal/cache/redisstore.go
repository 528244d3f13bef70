package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kz-records/internal/config"
	"github.com/kz-records/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of the go-redis client the store uses
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// RedisStore keeps each entry in a Redis hash under a namespace prefix
type RedisStore struct {
	client    RedisClient
	namespace string
	closer    func() error
}

// NewRedisStore connects to Redis and returns a store using it
func NewRedisStore(cfg *config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	store := NewRedisStoreWithClient(client, cfg.Namespace)
	store.closer = client.Close
	return store, nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client RedisClient, namespace string) *RedisStore {
	return &RedisStore{
		client:    client,
		namespace: namespace,
	}
}

// Close closes the Redis connection if the store owns it
func (s *RedisStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// entryKey returns the Redis key for a cache entry
func (s *RedisStore) entryKey(key string) string {
	return fmt.Sprintf("%s:cache:%s", s.namespace, key)
}

// Read returns the payload and written-at time stored for key
func (s *RedisStore) Read(ctx context.Context, key string) ([]byte, time.Time, error) {
	fields, err := s.client.HGetAll(ctx, s.entryKey(key)).Result()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading cache entry: %w", err)
	}
	if len(fields) == 0 {
		return nil, time.Time{}, domain.ErrCacheMiss
	}

	nanos, err := strconv.ParseInt(fields["written_at"], 10, 64)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parsing written_at: %w", err)
	}
	return []byte(fields["payload"]), time.Unix(0, nanos), nil
}

// Write stores payload for key
func (s *RedisStore) Write(ctx context.Context, key string, payload []byte, writtenAt time.Time) error {
	err := s.client.HSet(ctx, s.entryKey(key),
		"payload", string(payload),
		"written_at", strconv.FormatInt(writtenAt.UnixNano(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// Delete removes key's entry
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.entryKey(key)).Err(); err != nil {
		return fmt.Errorf("deleting cache entry: %w", err)
	}
	return nil
}

// Clear removes every entry in the namespace
func (s *RedisStore) Clear(ctx context.Context) error {
	match := s.entryKey("*")
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return fmt.Errorf("scanning cache entries: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("deleting cache entries: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

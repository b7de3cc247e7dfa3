package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultRedisDialTimeout  = 5 * time.Second
	DefaultRedisReadTimeout  = 3 * time.Second
	DefaultRedisWriteTimeout = 3 * time.Second
)

// RedisStore keeps each session as a Redis hash whose TTL is the idle timeout,
// refreshed on every access.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	idle      time.Duration
}

var _ SessionStore = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, idle time.Duration) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  DefaultRedisDialTimeout,
		ReadTimeout:  DefaultRedisReadTimeout,
		WriteTimeout: DefaultRedisWriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix, idle), nil
}

// NewRedisStoreWithClient wraps a pre-configured client.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string, idle time.Duration) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix, idle: idle}
}

func (s *RedisStore) key(sessionID string) string {
	return s.keyPrefix + "session:" + sessionID
}

// Get returns the value stored under key, or "" when absent.
func (s *RedisStore) Get(ctx context.Context, sessionID, key string) (string, error) {
	k := s.key(sessionID)
	val, err := s.client.HGet(ctx, k, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis hget %s: %w", key, err)
	}
	s.touch(ctx, k)
	return val, nil
}

// Put stores value under key and refreshes the session TTL atomically.
func (s *RedisStore) Put(ctx context.Context, sessionID, key, value string) error {
	k := s.key(sessionID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, key, value)
		if s.idle > 0 {
			pipe.Expire(ctx, k, s.idle)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

// Delete removes a single key.
func (s *RedisStore) Delete(ctx context.Context, sessionID, key string) error {
	if err := s.client.HDel(ctx, s.key(sessionID), key).Err(); err != nil {
		return fmt.Errorf("redis hdel %s: %w", key, err)
	}
	return nil
}

// Clear drops the whole session.
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis del session: %w", err)
	}
	return nil
}

// Health checks Redis connectivity.
func (s *RedisStore) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// touch extends the idle TTL. Errors are ignored.
func (s *RedisStore) touch(ctx context.Context, key string) {
	if s.idle > 0 {
		_ = s.client.Expire(ctx, key, s.idle).Err()
	}
}

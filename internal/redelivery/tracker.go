// Package redelivery counts how many times a work item has been handed to a
// worker, so a responder can stop requeueing items that keep failing.
package redelivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrEmptyKey = errors.New("redelivery: key is required")

// Tracker records delivery attempts per work item
type Tracker interface {
	// Increment records a failed attempt and returns the attempts so far
	Increment(ctx context.Context, key string) (int, error)
	// Clear forgets the item once it is settled
	Clear(ctx context.Context, key string) error
}

// MemoryTracker keeps counts in process memory. Counts are lost on restart
// and are not shared between worker processes.
type MemoryTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryTracker creates an in-memory tracker
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		counts: make(map[string]int),
	}
}

// Increment implements Tracker
func (t *MemoryTracker) Increment(_ context.Context, key string) (int, error) {
	if key == "" {
		return 0, ErrEmptyKey
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[key]++
	return t.counts[key], nil
}

// Clear implements Tracker
func (t *MemoryTracker) Clear(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.counts, key)
	return nil
}

// Len returns the number of items being tracked
func (t *MemoryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}

// RedisTracker keeps counts in Redis so competing workers on the same queue
// share them
type RedisTracker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisTrackerOption configures the RedisTracker
type RedisTrackerOption func(*RedisTracker)

// WithKeyPrefix sets the prefix of every Redis key
func WithKeyPrefix(prefix string) RedisTrackerOption {
	return func(t *RedisTracker) {
		t.prefix = prefix
	}
}

// WithTTL sets how long an untouched count survives
func WithTTL(ttl time.Duration) RedisTrackerOption {
	return func(t *RedisTracker) {
		t.ttl = ttl
	}
}

// NewRedisTracker creates a tracker backed by client
func NewRedisTracker(client *redis.Client, opts ...RedisTrackerOption) (*RedisTracker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	t := &RedisTracker{
		client: client,
		prefix: "mmate:redelivery:",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// NewRedisTrackerFromURL parses a redis:// URL and creates a tracker
func NewRedisTrackerFromURL(rawURL string, opts ...RedisTrackerOption) (*RedisTracker, error) {
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return NewRedisTracker(redis.NewClient(options), opts...)
}

// Increment implements Tracker
func (t *RedisTracker) Increment(ctx context.Context, key string) (int, error) {
	if key == "" {
		return 0, ErrEmptyKey
	}

	fullKey := t.prefix + key
	pipe := t.client.TxPipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.Expire(ctx, fullKey, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment delivery count: %w", err)
	}
	return int(incr.Val()), nil
}

// Clear implements Tracker
func (t *RedisTracker) Clear(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to clear delivery count: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (t *RedisTracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (t *RedisTracker) Close() error {
	return t.client.Close()
}

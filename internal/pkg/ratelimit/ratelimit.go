package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitedError reports that a key used up its attempts for the current
// window. RetryAfter is surfaced to the caller as a retry hint.
type RateLimitedError struct {
	Key        string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (limit %d, retry after %s)", e.Key, e.Limit, e.RetryAfter)
}

// Store is the counter backend. Incr bumps the counter for key, starting the
// window on first hit, and returns the new count plus the remaining window.
type Store interface {
	Incr(key string, window time.Duration) (int64, time.Duration, error)
}

// Limiter enforces fixed-window counters over a Store.
type Limiter struct {
	store Store
}

// New creates a limiter over the given store.
func New(store Store) *Limiter {
	return &Limiter{store: store}
}

// Check counts one attempt for key and fails with *RateLimitedError once the
// count inside the window exceeds limit. The attempt that trips the limit is
// still counted, matching a fixed-window counter.
func (l *Limiter) Check(key string, limit int, window time.Duration) error {
	count, remaining, err := l.store.Incr(key, window)
	if err != nil {
		return err
	}
	if count > int64(limit) {
		return &RateLimitedError{Key: key, Limit: limit, RetryAfter: remaining}
	}
	return nil
}

// redisStore implements Store on a Redis counter with expiry set on the
// first hit of each window.
type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client *redis.Client, prefix string) Store {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &redisStore{client: client, prefix: prefix}
}

func (s *redisStore) Incr(key string, window time.Duration) (int64, time.Duration, error) {
	ctx := context.Background()
	fullKey := s.prefix + ":" + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, window)
	ttl := pipe.TTL(ctx, fullKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}

	remaining := ttl.Val()
	if remaining < 0 {
		remaining = window
	}
	return incr.Val(), remaining, nil
}

// MemoryStore is a Store for tests and single-process tooling.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets map[string]*memoryBucket
}

type memoryBucket struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, buckets: make(map[string]*memoryBucket)}
}

// SetNowFunc overrides the clock, letting tests advance the window.
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Incr(key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok || !b.expiresAt.After(now) {
		b = &memoryBucket{expiresAt: now.Add(window)}
		s.buckets[key] = b
	}
	b.count++
	return b.count, b.expiresAt.Sub(now), nil
}

package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BucketStore holds fixed-window counters. Incr starts a fresh window
// when the key is missing or expired, otherwise it increments the
// current count. Set overwrites a bucket outright (adaptive tracking).
type BucketStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)
	Set(ctx context.Context, key string, count int, resetAt time.Time) error
}

type bucket struct {
	count   int
	resetAt time.Time
}

// MemoryStore is the single-process bucket store.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory bucket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket), now: time.Now}
}

func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok || !b.resetAt.After(now) {
		b = &bucket{count: 0, resetAt: now.Add(window)}
		s.buckets[key] = b
	}
	b.count++
	return b.count, b.resetAt, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, count int, resetAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[key] = &bucket{count: count, resetAt: resetAt}
	return nil
}

// RedisStore shares buckets across processes via atomic INCR. Two
// processes draining one provider quota see a single consistent counter.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a bucket store on an existing redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	k := "ratelimit:" + key

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}

	count := int(incr.Val())
	remaining := ttl.Val()
	if remaining < 0 {
		// First hit of a fresh window: pin the expiry.
		remaining = window
		if err := s.rdb.PExpire(ctx, k, window).Err(); err != nil {
			return 0, time.Time{}, err
		}
	}
	return count, time.Now().Add(remaining), nil
}

func (s *RedisStore) Set(ctx context.Context, key string, count int, resetAt time.Time) error {
	k := "ratelimit:" + key
	ttl := time.Until(resetAt)
	if ttl <= 0 {
		return s.rdb.Del(ctx, k).Err()
	}
	return s.rdb.Set(ctx, k, count, ttl).Err()
}

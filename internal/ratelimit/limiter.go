// Package ratelimit enforces fixed-window request budgets shared by all
// outbound provider calls. Buckets live in a pluggable store so that a
// multi-process deployment can point every process at the same counters.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config is the budget for one bucket key.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// Result describes the outcome of a single budget check.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter hands out request slots from fixed-window buckets.
type Limiter struct {
	store  BucketStore
	logger *zap.Logger
	now    func() time.Time
}

// New creates a limiter backed by the given bucket store.
func New(store BucketStore, logger *zap.Logger) *Limiter {
	return &Limiter{store: store, logger: logger.Named("ratelimit"), now: time.Now}
}

// Check consumes one slot from the bucket for key. A new window starts
// when the bucket is missing or its reset time has passed. When the
// budget is exhausted the caller gets RetryAfter rounded up to whole
// seconds, matching what providers send in Retry-After headers.
//
// The limiter fails open: when the bucket store is unreachable the call
// is allowed rather than stalling every sync, and provider rate headers
// take over as the source of pushback.
func (l *Limiter) Check(ctx context.Context, key string, cfg Config) (Result, error) {
	count, resetAt, err := l.store.Incr(ctx, key, cfg.Window)
	if err != nil {
		l.logger.Warn("bucket store unavailable, allowing request", zap.String("key", key), zap.Error(err))
		return Result{Allowed: true, Remaining: cfg.MaxRequests, ResetAt: l.now().Add(cfg.Window)}, nil
	}

	remaining := cfg.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}

	if count > cfg.MaxRequests {
		retryAfter := ceilSeconds(resetAt.Sub(l.now()))
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt, RetryAfter: retryAfter}, nil
	}

	return Result{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}

// Wait blocks until a slot is granted for key. A denied check sleeps the
// full RetryAfter before trying again, so callers back off cooperatively
// instead of spinning on the bucket.
func (l *Limiter) Wait(ctx context.Context, key string, cfg Config) error {
	for {
		res, err := l.Check(ctx, key, cfg)
		if err != nil {
			return err
		}
		if res.Allowed {
			return nil
		}

		timer := time.NewTimer(res.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Do waits for a slot and then invokes fn.
func (l *Limiter) Do(ctx context.Context, key string, cfg Config, fn func(ctx context.Context) error) error {
	if err := l.Wait(ctx, key, cfg); err != nil {
		return err
	}
	return fn(ctx)
}

// DoBatches splits n items into fixed-size batches and processes them
// sequentially, waiting for budget clearance before each batch. fn is
// called with the half-open index range [lo, hi).
func (l *Limiter) DoBatches(ctx context.Context, key string, cfg Config, n, batchSize int, fn func(lo, hi int) error) error {
	if batchSize < 1 {
		batchSize = 1
	}
	for lo := 0; lo < n; lo += batchSize {
		hi := lo + batchSize
		if hi > n {
			hi = n
		}
		if err := l.Wait(ctx, key, cfg); err != nil {
			return err
		}
		if err := fn(lo, hi); err != nil {
			return err
		}
	}
	return nil
}

// Observe overwrites the bucket from authoritative provider rate-limit
// headers, so the local estimate tracks what the provider actually
// counted.
func (l *Limiter) Observe(ctx context.Context, key string, limit, remaining int, resetAt time.Time) error {
	used := limit - remaining
	if used < 0 {
		used = 0
	}
	if err := l.store.Set(ctx, key, used, resetAt); err != nil {
		return fmt.Errorf("failed to overwrite bucket %s: %w", key, err)
	}
	return nil
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return secs * time.Second
}

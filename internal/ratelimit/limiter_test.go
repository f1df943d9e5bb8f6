package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestCheckDeniesAfterBudgetExhausted(t *testing.T) {
	l := New(NewMemoryStore(), zap.NewNop())
	cfg := Config{MaxRequests: 3, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "gmail", cfg)
		if err != nil {
			t.Fatalf("check %d failed: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
		if want := 3 - (i + 1); res.Remaining != want {
			t.Fatalf("call %d remaining = %d, want %d", i, res.Remaining, want)
		}
	}

	res, err := l.Check(ctx, "gmail", cfg)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if res.Allowed {
		t.Fatalf("call over budget should be denied")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("denied result must carry positive RetryAfter, got %v", res.RetryAfter)
	}
	if res.Remaining != 0 {
		t.Fatalf("denied result remaining = %d, want 0", res.Remaining)
	}
}

func TestCheckStartsFreshWindowAfterExpiry(t *testing.T) {
	l := New(NewMemoryStore(), zap.NewNop())
	cfg := Config{MaxRequests: 1, Window: 30 * time.Millisecond}
	ctx := context.Background()

	if res, _ := l.Check(ctx, "k", cfg); !res.Allowed {
		t.Fatalf("first call should be allowed")
	}
	if res, _ := l.Check(ctx, "k", cfg); res.Allowed {
		t.Fatalf("second call in window should be denied")
	}

	time.Sleep(40 * time.Millisecond)

	res, err := l.Check(ctx, "k", cfg)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("call after window expiry should start a fresh window")
	}
	if res.Remaining != 0 {
		t.Fatalf("fresh window remaining = %d, want 0", res.Remaining)
	}
}

func TestBurstSplitsExactlyAtBudget(t *testing.T) {
	l := New(NewMemoryStore(), zap.NewNop())
	cfg := Config{MaxRequests: 250, Window: time.Second}
	ctx := context.Background()

	allowed, denied := 0, 0
	for i := 0; i < 300; i++ {
		res, err := l.Check(ctx, "burst", cfg)
		if err != nil {
			t.Fatalf("check %d failed: %v", i, err)
		}
		if res.Allowed {
			allowed++
		} else {
			denied++
		}
	}

	if allowed != 250 || denied != 50 {
		t.Fatalf("burst of 300 split %d allowed / %d denied, want 250/50", allowed, denied)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(NewMemoryStore(), zap.NewNop())
	cfg := Config{MaxRequests: 1, Window: time.Minute}
	ctx := context.Background()

	if res, _ := l.Check(ctx, "a", cfg); !res.Allowed {
		t.Fatalf("first call on key a should be allowed")
	}
	if res, _ := l.Check(ctx, "b", cfg); !res.Allowed {
		t.Fatalf("first call on key b should be allowed")
	}
	if res, _ := l.Check(ctx, "a", cfg); res.Allowed {
		t.Fatalf("second call on key a should be denied")
	}
}

func TestWaitReturnsOnContextCancel(t *testing.T) {
	l := New(NewMemoryStore(), zap.NewNop())
	cfg := Config{MaxRequests: 1, Window: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	if err := l.Wait(ctx, "k", cfg); err != nil {
		t.Fatalf("first wait should pass: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Wait(ctx, "k", cfg) }()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("wait on cancelled context should fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("wait did not observe cancellation")
	}
}

func TestObserveOverwritesBucket(t *testing.T) {
	l := New(NewMemoryStore(), zap.NewNop())
	cfg := Config{MaxRequests: 10, Window: time.Minute}
	ctx := context.Background()

	if _, err := l.Check(ctx, "k", cfg); err != nil {
		t.Fatalf("check failed: %v", err)
	}

	// Provider says only one slot is left in its window.
	if err := l.Observe(ctx, "k", 10, 1, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("observe failed: %v", err)
	}

	res, err := l.Check(ctx, "k", cfg)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !res.Allowed || res.Remaining != 0 {
		t.Fatalf("after observe, got allowed=%v remaining=%d, want allowed with 0 remaining", res.Allowed, res.Remaining)
	}

	res, err = l.Check(ctx, "k", cfg)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if res.Allowed {
		t.Fatalf("bucket should be exhausted after provider-reported usage")
	}
}

type unreachableStore struct{}

func (unreachableStore) Incr(context.Context, string, time.Duration) (int, time.Time, error) {
	return 0, time.Time{}, errors.New("dial tcp 127.0.0.1:1: connection refused")
}

func (unreachableStore) Set(context.Context, string, int, time.Time) error {
	return errors.New("dial tcp 127.0.0.1:1: connection refused")
}

func TestCheckFailsOpenWhenStoreUnavailable(t *testing.T) {
	l := New(unreachableStore{}, zap.NewNop())
	cfg := Config{MaxRequests: 1, Window: time.Second}
	ctx := context.Background()

	res, err := l.Check(ctx, "gmail", cfg)
	if err != nil {
		t.Fatalf("check with dead store must not error: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("check with dead store must allow, got denial")
	}

	if err := l.Wait(ctx, "gmail", cfg); err != nil {
		t.Fatalf("wait with dead store must pass through: %v", err)
	}
}

func TestDoBatchesCoversAllItems(t *testing.T) {
	l := New(NewMemoryStore(), zap.NewNop())
	cfg := Config{MaxRequests: 100, Window: time.Second}

	var seen []int
	err := l.DoBatches(context.Background(), "k", cfg, 7, 3, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			seen = append(seen, i)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do batches failed: %v", err)
	}
	if len(seen) != 7 {
		t.Fatalf("processed %d items, want 7", len(seen))
	}
	for i, v := range seen {
		if v != i {
			t.Fatalf("item %d processed out of order: %d", i, v)
		}
	}
}

package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func setupTestRateLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, *time.Time) {
	t.Helper()
	client, _ := setupTestRedis(t)

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  limit,
		Window: window,
	})

	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	return limiter, &now
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "10.0.0.1")
		if err != nil {
			t.Fatalf("request %d: unexpected error: %v", i+1, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := 5 - (i + 1); result.Remaining != want {
			t.Errorf("request %d: remaining = %d, want %d", i+1, result.Remaining, want)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := limiter.Allow(ctx, "10.0.0.1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	result, err := limiter.Allow(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("4th request should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", result.Remaining)
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter, now := setupTestRateLimiter(t, 2, time.Minute)
	ctx := context.Background()

	limiter.Allow(ctx, "10.0.0.1")
	*now = now.Add(30 * time.Second)
	limiter.Allow(ctx, "10.0.0.1")

	if result, _ := limiter.Allow(ctx, "10.0.0.1"); result.Allowed {
		t.Fatal("third request inside the window should be blocked")
	}

	// The first request leaves the window; one slot frees up.
	*now = now.Add(31 * time.Second)
	if result, _ := limiter.Allow(ctx, "10.0.0.1"); !result.Allowed {
		t.Fatal("request should be allowed once the oldest entry slid out")
	}
	if result, _ := limiter.Allow(ctx, "10.0.0.1"); result.Allowed {
		t.Fatal("window should be full again")
	}
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 1, time.Minute)
	ctx := context.Background()

	limiter.Allow(ctx, "10.0.0.1")

	result, err := limiter.Allow(ctx, "10.0.0.2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Fatal("different key should have its own window")
	}
}

package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLimiterAllowAndReset(t *testing.T) {
	lim := NewMemory(time.Minute)
	policy := Policy{Limit: 2, Window: time.Hour}
	ctx := context.Background()
	now := time.Now()
	key := Key("trade_create", "u1")

	for i := 0; i < 2; i++ {
		allowed, retry, err := lim.Allow(ctx, key, policy, now)
		if err != nil || !allowed || retry != 0 {
			t.Fatalf("expected allow on call %d", i+1)
		}
	}

	allowed, retry, err := lim.Allow(ctx, key, policy, now.Add(time.Minute))
	if err != nil || allowed {
		t.Fatalf("expected rate limit on third call")
	}
	if retry != 59*time.Minute {
		t.Fatalf("expected 59m retry, got %s", retry)
	}

	allowed, _, _ = lim.Allow(ctx, Key("trade_respond", "u1"), policy, now)
	if !allowed {
		t.Fatalf("actions must be counted separately")
	}

	allowed, _, err = lim.Allow(ctx, key, policy, now.Add(61*time.Minute))
	if err != nil || !allowed {
		t.Fatalf("expected allow after window reset")
	}
}

func TestMemoryLimiterCleanup(t *testing.T) {
	lim := NewMemory(time.Second)
	policy := Policy{Limit: 1, Window: time.Second}
	now := time.Now()

	lim.Allow(context.Background(), "a", policy, now)
	lim.Allow(context.Background(), "b", policy, now.Add(2*time.Second))
	if len(lim.entries) != 1 {
		t.Fatalf("expected expired entries to be dropped, got %d", len(lim.entries))
	}
}

func TestZeroLimitDisablesThrottle(t *testing.T) {
	lim := NewMemory(0)
	for i := 0; i < 5; i++ {
		if allowed, _, _ := lim.Allow(context.Background(), "k", Policy{}, time.Now()); !allowed {
			t.Fatalf("expected unlimited policy to allow")
		}
	}
}

func TestRedisLimiterWindow(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	lim := NewRedisLimiter(client, "test:")
	policy := Policy{Limit: 2, Window: 500 * time.Millisecond}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := lim.Allow(ctx, "create:u1", policy, time.Now())
		if err != nil || !allowed {
			t.Fatalf("expected allow on call %d: %v", i+1, err)
		}
	}

	allowed, retryAfter, err := lim.Allow(ctx, "create:u1", policy, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed || retryAfter <= 0 {
		t.Fatalf("expected rate limited with retryAfter, got allowed=%v retry=%s", allowed, retryAfter)
	}

	s.FastForward(600 * time.Millisecond)
	allowed, _, err = lim.Allow(ctx, "create:u1", policy, time.Now())
	if err != nil || !allowed {
		t.Fatalf("expected allow after window")
	}
}

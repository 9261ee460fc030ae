package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, "test:", capacity, refill, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bucket.now = func() time.Time { return now }
	return bucket, &now
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	d, err := bucket.Allow(ctx, "owner")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", d.Allowed, err)
	}
	d, _ = bucket.Allow(ctx, "owner")
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "owner")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("unexpected retry-after %s", d.RetryAfter)
	}

	d, _ = bucket.Allow(ctx, "someone-else")
	if !d.Allowed {
		t.Fatalf("owners must not share a bucket")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, now := newBucket(t, 1, 2)

	if d, _ := bucket.Allow(ctx, "owner"); !d.Allowed {
		t.Fatalf("expected first token allowed")
	}
	if d, _ := bucket.Allow(ctx, "owner"); d.Allowed {
		t.Fatalf("expected bucket empty")
	}

	*now = now.Add(600 * time.Millisecond)
	d, err := bucket.Allow(ctx, "owner")
	if err != nil || !d.Allowed {
		t.Fatalf("expected refill after 600ms at 2 tokens/s, allowed=%v err=%v", d.Allowed, err)
	}
}

func TestParseTokens(t *testing.T) {
	if v, err := parseTokens("1.25"); err != nil || v != 1.25 {
		t.Fatalf("string reply: %v %v", v, err)
	}
	if v, err := parseTokens(int64(3)); err != nil || v != 3 {
		t.Fatalf("integer reply: %v %v", v, err)
	}
	if _, err := parseTokens("lots"); err == nil {
		t.Fatalf("expected error for unparsable tokens")
	}
	if _, err := parseTokens([]interface{}{}); err == nil {
		t.Fatalf("expected error for unexpected reply type")
	}
}

package valkey

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, nil), mr
}

func TestSetTTLWithWarning(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	if err := c.SetTTLWithWarning(ctx, "wm:1", "value", 30*time.Second, 10*time.Second); err != nil {
		t.Fatalf("SetTTLWithWarning: %v", err)
	}

	if ttl := mr.TTL("wm:1"); ttl != 30*time.Second {
		t.Fatalf("main key ttl = %v, want 30s", ttl)
	}
	if ttl := mr.TTL(WarningKey("wm:1")); ttl != 20*time.Second {
		t.Fatalf("warning key ttl = %v, want 20s", ttl)
	}
}

func TestIncrementWithExpiry(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	n, err := c.IncrementWithExpiry(ctx, "rate:u1", 60*time.Second)
	if err != nil {
		t.Fatalf("first increment: %v", err)
	}
	if n != 1 {
		t.Fatalf("first increment = %d, want 1", n)
	}
	ttl := mr.TTL("rate:u1")
	if ttl < 59*time.Second || ttl > 60*time.Second {
		t.Fatalf("first increment ttl = %v, want in [59s,60s]", ttl)
	}

	mr.FastForward(5 * time.Second)

	n, err = c.IncrementWithExpiry(ctx, "rate:u1", 60*time.Second)
	if err != nil {
		t.Fatalf("second increment: %v", err)
	}
	if n != 2 {
		t.Fatalf("second increment = %d, want 2", n)
	}
	ttl2 := mr.TTL("rate:u1")
	if ttl2 >= ttl {
		t.Fatalf("second increment must not reset ttl: before=%v after=%v", ttl, ttl2)
	}
}

func TestHashWithRetry(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	if err := c.HSetWithRetry(ctx, "h:1", map[string]any{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("HSetWithRetry: %v", err)
	}
	v, err := c.HGetWithRetry(ctx, "h:1", "a")
	if err != nil {
		t.Fatalf("HGetWithRetry: %v", err)
	}
	if v != "1" {
		t.Fatalf("HGetWithRetry = %q, want %q", v, "1")
	}
	all, err := c.HGetAllWithRetry(ctx, "h:1")
	if err != nil {
		t.Fatalf("HGetAllWithRetry: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("HGetAllWithRetry len = %d, want 2", len(all))
	}
	if err := c.HDelWithRetry(ctx, "h:1", "a"); err != nil {
		t.Fatalf("HDelWithRetry: %v", err)
	}
	if _, err := c.HGetWithRetry(ctx, "h:1", "a"); err == nil {
		t.Fatal("expected error for deleted field")
	}
}

func TestHandleExpiryDispatchesMatchingPrefix(t *testing.T) {
	c, _ := newTestClient(t)
	var got string
	c.RegisterTTLHandler("wm:", func(ctx context.Context, mainKey, identifier string) error {
		got = identifier
		return nil
	}, "test handler")

	c.handleExpiry(context.Background(), "wm:continuum-42:warning")

	if got != "continuum-42" {
		t.Fatalf("handler identifier = %q, want %q", got, "continuum-42")
	}
}

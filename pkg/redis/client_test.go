package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/billsync/pkg/config"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	return Wrap(raw), mr
}

func TestOptionsFromConfig(t *testing.T) {
	opts, err := optionsFromConfig(config.RedisConfig{URL: "redis://localhost:6379/2", PoolSize: 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.DB != 2 || opts.PoolSize != 7 {
		t.Fatalf("unexpected options %+v", opts)
	}
	if _, err := optionsFromConfig(config.RedisConfig{}); err == nil {
		t.Fatal("expected error without url or address")
	}
}

func TestSetNXAndDel(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "k", "v", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first setnx: %v %v", ok, err)
	}
	ok, err = c.SetNX(ctx, "k", "v2", time.Minute)
	if err != nil || ok {
		t.Fatalf("second setnx should not apply: %v %v", ok, err)
	}
	if ttl := mr.TTL("k"); ttl != time.Minute {
		t.Fatalf("expected ttl 1m, got %v", ttl)
	}
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if mr.Exists("k") {
		t.Fatal("key should be deleted")
	}
}

func TestSetOperations(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	key := c.DriftKey()

	if err := c.SAdd(ctx, key, "a", "b", "a"); err != nil {
		t.Fatalf("sadd: %v", err)
	}
	if n, err := c.SCard(ctx, key); err != nil || n != 2 {
		t.Fatalf("expected 2 members, got %d %v", n, err)
	}
	popped, err := c.SPopN(ctx, key, 10)
	if err != nil || len(popped) != 2 {
		t.Fatalf("expected both members popped, got %v %v", popped, err)
	}
	popped, err = c.SPopN(ctx, key, 10)
	if err != nil || len(popped) != 0 {
		t.Fatalf("expected empty pop, got %v %v", popped, err)
	}
}

func TestKeys(t *testing.T) {
	c := &Client{}
	if got := c.WebhookKey("stripe", "evt_1"); got != "billsync:webhook:stripe:evt_1" {
		t.Fatalf("unexpected webhook key %q", got)
	}
	if got := c.DriftKey(); got != "billsync:drift:users" {
		t.Fatalf("unexpected drift key %q", got)
	}
	if got := c.IdempotencyKey("user|POST|/cancel", "k1"); got != "billsync:idempotency:user|POST|/cancel:k1" {
		t.Fatalf("unexpected idempotency key %q", got)
	}
	if _, err := c.Get(context.Background(), "x"); err == nil {
		t.Fatal("uninitialized client must error")
	}
}

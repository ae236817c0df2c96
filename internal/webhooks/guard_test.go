package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/billsync/pkg/redis"
)

func TestGuardMarksEventsOnce(t *testing.T) {
	mini := miniredis.RunT(t)
	rc := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mini.Addr()}))
	guard, err := NewGuard(rc, time.Hour, "stripe")
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	ctx := context.Background()

	seen, err := guard.CheckAndMark(ctx, "evt_1")
	if err != nil || seen {
		t.Fatalf("expected first delivery to be new, seen=%v err=%v", seen, err)
	}
	seen, err = guard.CheckAndMark(ctx, "evt_1")
	if err != nil || !seen {
		t.Fatalf("expected redelivery to be seen, seen=%v err=%v", seen, err)
	}
	if !mini.Exists(rc.WebhookKey("stripe", "evt_1")) {
		t.Fatalf("expected namespaced webhook key")
	}

	if err := guard.Delete(ctx, "evt_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if seen, _ := guard.CheckAndMark(ctx, "evt_1"); seen {
		t.Fatalf("expected event to be processable after delete")
	}

	mini.FastForward(2 * time.Hour)
	if seen, _ := guard.CheckAndMark(ctx, "evt_1"); seen {
		t.Fatalf("expected mark to expire")
	}
}

func TestGuardValidation(t *testing.T) {
	if _, err := NewGuard(nil, time.Hour, "square"); err == nil {
		t.Fatalf("expected nil store to be rejected")
	}
	mini := miniredis.RunT(t)
	rc := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mini.Addr()}))
	if _, err := NewGuard(rc, time.Hour, ""); err == nil {
		t.Fatalf("expected empty provider to be rejected")
	}
	guard, _ := NewGuard(rc, time.Hour, "square")
	if _, err := guard.CheckAndMark(context.Background(), ""); err == nil {
		t.Fatalf("expected empty event id to be rejected")
	}
}

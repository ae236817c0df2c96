package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/angelmondragon/billsync/internal/reconcile"
	"github.com/angelmondragon/billsync/pkg/config"
	"github.com/angelmondragon/billsync/pkg/db/models"
	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
	"github.com/angelmondragon/billsync/pkg/logger"
	"github.com/angelmondragon/billsync/pkg/metrics"
	"github.com/angelmondragon/billsync/pkg/redis"
)

type stubStale struct {
	before time.Time
	limit  int
	subs   []models.Subscription
	err    error
}

func (s *stubStale) ListStale(_ context.Context, before time.Time, limit int) ([]models.Subscription, error) {
	s.before = before
	s.limit = limit
	return s.subs, s.err
}

type stubSyncer struct {
	errs  map[uuid.UUID]error
	calls []uuid.UUID
}

func (s *stubSyncer) ForceSync(_ context.Context, userID uuid.UUID) (*reconcile.View, error) {
	s.calls = append(s.calls, userID)
	if err := s.errs[userID]; err != nil {
		return nil, err
	}
	return &reconcile.View{UserID: userID}, nil
}

func TestSubscriptionReconcileJobSyncsStaleRecords(t *testing.T) {
	now := time.Date(2031, 2, 2, 0, 0, 0, 0, time.UTC)
	ok, bad := uuid.New(), uuid.New()
	store := &stubStale{subs: []models.Subscription{{UserID: ok}, {UserID: bad}}}
	engine := &stubSyncer{errs: map[uuid.UUID]error{bad: pkgerrors.New(pkgerrors.CodePermanent, "gone")}}
	job, err := NewSubscriptionReconcileJob(SubscriptionReconcileJobParams{
		Logger:   logger.Nop(),
		Store:    store,
		Engine:   engine,
		Limit:    10,
		Lookback: time.Hour,
		Now:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	err = job.Run(context.Background())
	if err == nil {
		t.Fatalf("expected aggregated error")
	}
	if n := len(multierr.Errors(err)); n != 1 {
		t.Fatalf("expected 1 failure, got %d", n)
	}
	if len(engine.calls) != 2 {
		t.Fatalf("expected every candidate synced, got %d", len(engine.calls))
	}
	if !store.before.Equal(now.Add(-time.Hour)) || store.limit != 10 {
		t.Fatalf("unexpected window before=%s limit=%d", store.before, store.limit)
	}
}

func TestSubscriptionReconcileJobListFailure(t *testing.T) {
	job, err := NewSubscriptionReconcileJob(SubscriptionReconcileJobParams{
		Logger: logger.Nop(),
		Store:  &stubStale{err: errors.New("db down")},
		Engine: &stubSyncer{},
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := job.Run(context.Background()); err == nil {
		t.Fatalf("expected list error")
	}
}

func TestDriftResyncJobRequeuesRetryable(t *testing.T) {
	mini := miniredis.RunT(t)
	rc := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mini.Addr()}))
	queue, err := reconcile.NewRedisDriftQueue(rc)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	ctx := context.Background()
	settled, flaky, gone, broken := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{settled, flaky, gone, broken} {
		if err := queue.Enqueue(ctx, id); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	engine := &stubSyncer{errs: map[uuid.UUID]error{
		flaky:  pkgerrors.New(pkgerrors.CodeTransient, "timeout"),
		gone:   pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found"),
		broken: pkgerrors.New(pkgerrors.CodePermanent, "rejected"),
	}}
	reg := prometheus.NewRegistry()
	job, err := NewDriftResyncJob(DriftResyncJobParams{
		Logger:  logger.Nop(),
		Queue:   queue,
		Engine:  engine,
		Metrics: metrics.NewCronJobMetrics(reg),
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}

	err = job.Run(ctx)
	if n := len(multierr.Errors(err)); n != 1 {
		t.Fatalf("expected only the permanent failure reported, got %v", err)
	}
	if len(engine.calls) != 4 {
		t.Fatalf("expected 4 syncs, got %d", len(engine.calls))
	}
	left, err := queue.Drain(ctx, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(left) != 1 || left[0] != flaky {
		t.Fatalf("expected only the transient user requeued, got %v", left)
	}
	mfs, _ := reg.Gather()
	for _, mf := range mfs {
		if mf.GetName() == "billsync_drift_queue_depth" && mf.GetMetric()[0].GetGauge().GetValue() == 1 {
			return
		}
	}
	t.Fatalf("expected backlog gauge at 1 after the pass")
}

func TestRedisLockExclusiveAndOwnerScoped(t *testing.T) {
	mini := miniredis.RunT(t)
	rc := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mini.Addr()}))
	cfg := config.CronConfig{LockKey: "billsync:cron:test", LockTTL: time.Minute}
	a, err := NewRedisLock(rc, cfg)
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	b, _ := NewRedisLock(rc, cfg)
	ctx := context.Background()

	if ok, err := a.Acquire(ctx); err != nil || !ok {
		t.Fatalf("expected a to acquire, ok=%v err=%v", ok, err)
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Fatalf("expected b to be locked out")
	}
	if err := b.Release(ctx); err != nil {
		t.Fatalf("release by non-owner: %v", err)
	}
	if !mini.Exists("billsync:cron:test") {
		t.Fatalf("non-owner release must not delete the lock")
	}

	// a's lease expires and b takes over; a's late release leaves b's lock.
	mini.FastForward(2 * time.Minute)
	if ok, _ := b.Acquire(ctx); !ok {
		t.Fatalf("expected b to acquire after expiry")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !mini.Exists("billsync:cron:test") {
		t.Fatalf("stale owner deleted the new holder's lock")
	}
	if err := b.Release(ctx); err != nil {
		t.Fatalf("owner release: %v", err)
	}
	if mini.Exists("billsync:cron:test") {
		t.Fatalf("expected lock removed")
	}
}

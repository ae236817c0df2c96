package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/billsync/internal/reconcile"
	"github.com/angelmondragon/billsync/pkg/db/models"
	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
	"github.com/angelmondragon/billsync/pkg/logger"
)

const (
	defaultReconcileLimit    = 250
	defaultReconcileLookback = 24 * time.Hour
)

type staleLister interface {
	ListStale(ctx context.Context, syncedBefore time.Time, limit int) ([]models.Subscription, error)
}

// syncer is satisfied by *reconcile.Engine.
type syncer interface {
	ForceSync(ctx context.Context, userID uuid.UUID) (*reconcile.View, error)
}

// SubscriptionReconcileJobParams configures the periodic resync of records
// that have not been refreshed within the lookback window.
type SubscriptionReconcileJobParams struct {
	Logger   *logger.Logger
	Store    staleLister
	Engine   syncer
	Limit    int
	Lookback time.Duration
	Now      func() time.Time
}

// NewSubscriptionReconcileJob builds a reconciliation cron job.
func NewSubscriptionReconcileJob(params SubscriptionReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("subscription store required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("reconcile engine required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	lookback := params.Lookback
	if lookback <= 0 {
		lookback = defaultReconcileLookback
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	return &subscriptionReconcileJob{
		logg:     params.Logger,
		store:    params.Store,
		engine:   params.Engine,
		now:      now,
		limit:    limit,
		lookback: lookback,
	}, nil
}

type subscriptionReconcileJob struct {
	logg     *logger.Logger
	store    staleLister
	engine   syncer
	now      func() time.Time
	limit    int
	lookback time.Duration
}

func (j *subscriptionReconcileJob) Name() string { return "subscription-reconcile" }

func (j *subscriptionReconcileJob) Run(ctx context.Context) error {
	stale, err := j.store.ListStale(ctx, j.now().Add(-j.lookback), j.limit)
	if err != nil {
		return fmt.Errorf("list stale subscriptions: %w", err)
	}
	var errs error
	synced := 0
	for i := range stale {
		userID := stale[i].UserID
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		if _, err := j.engine.ForceSync(ctx, userID); err != nil {
			errCtx := j.logg.WithFields(ctx, map[string]any{
				"user_id":    userID.String(),
				"error_code": string(pkgerrors.CodeOf(err)),
			})
			j.logg.Warn(errCtx, "subscription resync failed")
			errs = multierr.Append(errs, fmt.Errorf("sync %s: %w", userID, err))
			continue
		}
		synced++
	}
	reportCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(stale),
		"synced":     synced,
	})
	j.logg.Info(reportCtx, "subscription reconcile loop complete")
	return errs
}

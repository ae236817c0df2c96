// Package bootstrap assembles the billing services shared by the binaries.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/angelmondragon/billsync/internal/billingbackend"
	"github.com/angelmondragon/billsync/internal/reconcile"
	"github.com/angelmondragon/billsync/internal/referrals"
	"github.com/angelmondragon/billsync/internal/subscriptions"
	"github.com/angelmondragon/billsync/internal/users"
	"github.com/angelmondragon/billsync/pkg/config"
	"github.com/angelmondragon/billsync/pkg/db"
	"github.com/angelmondragon/billsync/pkg/logger"
	"github.com/angelmondragon/billsync/pkg/metrics"
	"github.com/angelmondragon/billsync/pkg/redis"
	pkgsquare "github.com/angelmondragon/billsync/pkg/square"
	pkgstripe "github.com/angelmondragon/billsync/pkg/stripe"
)

// Billing holds the wired engine and its collaborators. Stripe, Square and
// Ledger are nil when the matching backend is not configured.
type Billing struct {
	Engine        *reconcile.Engine
	Ledger        *referrals.Ledger
	Subscriptions subscriptions.Repository
	Drift         *reconcile.RedisDriftQueue
	Stripe        *pkgstripe.Client
	Square        *pkgsquare.Client
}

// NewBilling builds the backend clients enabled in cfg, the subscription
// store, the drift queue, the referral ledger (processor only) and the
// reconciliation engine.
func NewBilling(
	ctx context.Context,
	cfg *config.Config,
	logg *logger.Logger,
	dbClient *db.Client,
	redisClient *redis.Client,
	billingMetrics *metrics.BillingMetrics,
) (*Billing, error) {
	if cfg == nil || logg == nil || dbClient == nil || redisClient == nil {
		return nil, fmt.Errorf("config, logger, database and redis are required")
	}
	opts := billingbackend.OptionsFromConfig(cfg.Billing, billingMetrics)
	out := &Billing{Subscriptions: subscriptions.NewRepository(dbClient.DB())}

	var (
		clients   []billingbackend.Client
		processor *billingbackend.Processor
		err       error
	)
	if cfg.Stripe.Enabled() {
		if out.Stripe, err = pkgstripe.NewClient(ctx, cfg.Stripe, logg); err != nil {
			return nil, fmt.Errorf("stripe client: %w", err)
		}
		processor = billingbackend.NewProcessor(out.Stripe, opts)
		clients = append(clients, processor)
	}
	if cfg.Square.Enabled() {
		if out.Square, err = pkgsquare.NewClient(ctx, cfg.Square, logg); err != nil {
			return nil, fmt.Errorf("square client: %w", err)
		}
		clients = append(clients, billingbackend.NewInvoicing(out.Square, opts))
	}
	if len(clients) == 0 {
		logg.Warn(ctx, "no billing backend configured")
	}

	if out.Drift, err = reconcile.NewRedisDriftQueue(redisClient); err != nil {
		return nil, fmt.Errorf("drift queue: %w", err)
	}

	if processor != nil {
		out.Ledger, err = referrals.NewLedger(referrals.LedgerParams{
			Repo:          referrals.NewRepository(dbClient.DB()),
			Subscriptions: out.Subscriptions,
			Users:         users.NewRepository(dbClient.DB()),
			Discounts:     processor,
			Config:        cfg.Referral,
			Logger:        logg,
			Metrics:       billingMetrics,
		})
		if err != nil {
			return nil, fmt.Errorf("referral ledger: %w", err)
		}
	}

	params := reconcile.EngineParams{
		Store:           out.Subscriptions,
		Backends:        billingbackend.NewRegistry(clients...),
		Drift:           out.Drift,
		Config:          cfg.Billing,
		PortalReturnURL: cfg.Stripe.PortalReturnURL,
		Logger:          logg,
		Metrics:         billingMetrics,
	}
	if out.Ledger != nil {
		params.Credits = out.Ledger
	}
	if out.Engine, err = reconcile.NewEngine(params); err != nil {
		return nil, fmt.Errorf("reconcile engine: %w", err)
	}
	return out, nil
}

package main

import (
	"context"
	"fmt"

	referralcontrollers "github.com/angelmondragon/billsync/api/controllers/referrals"
	subscriptioncontrollers "github.com/angelmondragon/billsync/api/controllers/subscriptions"
	"github.com/angelmondragon/billsync/api/routes"
	"github.com/angelmondragon/billsync/internal/bootstrap"
	"github.com/angelmondragon/billsync/internal/webhooks"
	squarewebhook "github.com/angelmondragon/billsync/internal/webhooks/square"
	stripewebhook "github.com/angelmondragon/billsync/internal/webhooks/stripe"
	"github.com/angelmondragon/billsync/pkg/config"
	"github.com/angelmondragon/billsync/pkg/db"
	"github.com/angelmondragon/billsync/pkg/logger"
	"github.com/angelmondragon/billsync/pkg/metrics"
	"github.com/angelmondragon/billsync/pkg/redis"
)

type services struct {
	subscriptions subscriptioncontrollers.Service
	referrals     referralcontrollers.Service
	webhooks      routes.Webhooks
}

// buildServices adds the HTTP-facing pieces on top of the shared billing
// wiring. Interfaces stay nil for an unconfigured backend so the router
// leaves the matching routes out.
func buildServices(
	ctx context.Context,
	cfg *config.Config,
	logg *logger.Logger,
	dbClient *db.Client,
	redisClient *redis.Client,
	billingMetrics *metrics.BillingMetrics,
) (*services, error) {
	billing, err := bootstrap.NewBilling(ctx, cfg, logg, dbClient, redisClient, billingMetrics)
	if err != nil {
		return nil, err
	}

	out := &services{subscriptions: billing.Engine}
	if billing.Ledger != nil {
		out.referrals = billing.Ledger
	} else {
		logg.Warn(ctx, "processor backend disabled; referral routes are not mounted")
	}

	if billing.Stripe != nil {
		svc, err := stripewebhook.NewService(stripewebhook.ServiceParams{Engine: billing.Engine, Logger: logg})
		if err != nil {
			return nil, fmt.Errorf("stripe webhook service: %w", err)
		}
		guard, err := webhooks.NewGuard(redisClient, webhooks.DefaultGuardTTL, "stripe")
		if err != nil {
			return nil, fmt.Errorf("stripe webhook guard: %w", err)
		}
		out.webhooks.StripeService = svc
		out.webhooks.StripeVerifier = billing.Stripe
		out.webhooks.StripeGuard = guard
	}
	if billing.Square != nil {
		svc, err := squarewebhook.NewService(squarewebhook.ServiceParams{Engine: billing.Engine, Logger: logg})
		if err != nil {
			return nil, fmt.Errorf("square webhook service: %w", err)
		}
		guard, err := webhooks.NewGuard(redisClient, webhooks.DefaultGuardTTL, "square")
		if err != nil {
			return nil, fmt.Errorf("square webhook guard: %w", err)
		}
		out.webhooks.SquareService = svc
		out.webhooks.SquareVerifier = billing.Square
		out.webhooks.SquareGuard = guard
	}
	return out, nil
}

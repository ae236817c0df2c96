package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/billsync/api/controllers"
	referralcontrollers "github.com/angelmondragon/billsync/api/controllers/referrals"
	subscriptioncontrollers "github.com/angelmondragon/billsync/api/controllers/subscriptions"
	webhookcontrollers "github.com/angelmondragon/billsync/api/controllers/webhooks"
	"github.com/angelmondragon/billsync/api/middleware"
	"github.com/angelmondragon/billsync/api/responses"
	"github.com/angelmondragon/billsync/pkg/config"
	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
	"github.com/angelmondragon/billsync/pkg/logger"
	"github.com/angelmondragon/billsync/pkg/redis"
)

// Webhooks groups the optional provider endpoints. A provider whose service is
// nil has no route; its backend is not configured.
type Webhooks struct {
	StripeService  webhookcontrollers.StripeWebhookService
	StripeVerifier webhookcontrollers.StripeVerifier
	StripeGuard    webhookcontrollers.EventGuard
	SquareService  webhookcontrollers.SquareWebhookService
	SquareVerifier webhookcontrollers.SquareVerifier
	SquareGuard    webhookcontrollers.EventGuard
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	redisClient redis.IdempotencyStore,
	redisP controllers.Pinger,
	gatherer prometheus.Gatherer,
	subscriptionService subscriptioncontrollers.Service,
	referralService referralcontrollers.Service,
	webhooks Webhooks,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"database": dbP,
			"redis":    redisP,
		}))
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		if webhooks.StripeService != nil {
			r.Post("/stripe", webhookcontrollers.StripeWebhook(webhooks.StripeService, webhooks.StripeVerifier, webhooks.StripeGuard, logg))
		}
		if webhooks.SquareService != nil {
			r.Post("/square", webhookcontrollers.SquareWebhook(webhooks.SquareService, webhooks.SquareVerifier, webhooks.SquareGuard, logg))
		}
	})

	// Referrals need the processor for coupons. The public lookup is mounted
	// ahead of the authenticated group either way so that it answers 404
	// rather than falling through to Auth.
	if referralService != nil {
		r.Get("/api/v1/public/referrals/{code}", referralcontrollers.ReferrerLookup(referralService, logg))
	} else {
		r.Get("/api/v1/public/referrals/{code}", func(w http.ResponseWriter, req *http.Request) {
			responses.WriteError(req.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "referrals are not enabled"))
		})
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.Idempotency(redisClient, logg))

		r.Route("/subscription", func(r chi.Router) {
			r.Get("/", subscriptioncontrollers.SubscriptionFetch(subscriptionService, logg))
			r.Post("/link", subscriptioncontrollers.SubscriptionLink(subscriptionService, logg))
			r.Post("/cancel", subscriptioncontrollers.SubscriptionCancel(subscriptionService, logg))
			r.Post("/pause", subscriptioncontrollers.SubscriptionPause(subscriptionService, logg))
			r.Post("/reactivate", subscriptioncontrollers.SubscriptionReactivate(subscriptionService, logg))
			r.Post("/sync", subscriptioncontrollers.SubscriptionSync(subscriptionService, logg))
			r.Post("/portal", subscriptioncontrollers.SubscriptionPortal(subscriptionService, logg))
			r.Get("/invoices", subscriptioncontrollers.SubscriptionInvoices(subscriptionService, logg))
		})

		if referralService != nil {
			r.Route("/referrals", func(r chi.Router) {
				r.Post("/", referralcontrollers.ReferralGenerate(referralService, logg))
				r.Post("/claim", referralcontrollers.ReferralClaim(referralService, logg))
				r.Post("/credit", referralcontrollers.ReferralCredit(referralService, logg))
			})
		}
	})

	return r
}

package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v84"
	portalsession "github.com/stripe/stripe-go/v84/billingportal/session"
	"github.com/stripe/stripe-go/v84/coupon"
	"github.com/stripe/stripe-go/v84/customerbalancetransaction"
	"github.com/stripe/stripe-go/v84/invoice"
	"github.com/stripe/stripe-go/v84/subscription"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/angelmondragon/billsync/pkg/config"
	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
	"github.com/angelmondragon/billsync/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// InvoiceIter is the lazy, auto-paging invoice cursor returned by the SDK.
type InvoiceIter interface {
	Next() bool
	Invoice() *stripe.Invoice
	Err() error
}

// Client wraps the Stripe SDK with env validation and error classification.
// Every error it returns is a *pkgerrors.Error.
type Client struct {
	environment   string
	signingSecret string
	logger        *logger.Logger
}

// NewClient initializes Stripe once with the configured secrets and env. SDK
// network retries are disabled; retry policy lives in the billing transport.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	signingSecret := strings.TrimSpace(cfg.Secret)
	if signingSecret == "" {
		return nil, errSecretRequired
	}
	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	stripe.Key = apiKey
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
	}))

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("stripe client initialized (%s)", env))
	}
	return &Client{environment: env, signingSecret: signingSecret, logger: logg}, nil
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// SigningSecret returns the webhook signing secret.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

func (c *Client) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(id, params)
	return sub, mapStripeError(err, "get subscription")
}

func (c *Client) UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	if params == nil {
		params = &stripe.SubscriptionParams{}
	}
	params.Context = ctx
	sub, err := subscription.Update(id, params)
	return sub, mapStripeError(err, "update subscription")
}

// ListInvoices returns the SDK iterator. Pages are fetched on demand as Next
// advances, so abandoning the iterator early costs no further requests.
func (c *Client) ListInvoices(ctx context.Context, subscriptionID string, pageSize int64) InvoiceIter {
	params := &stripe.InvoiceListParams{Subscription: stripe.String(subscriptionID)}
	params.Context = ctx
	if pageSize > 0 {
		params.Limit = stripe.Int64(pageSize)
	}
	return &classifiedIter{inner: invoice.List(params)}
}

func (c *Client) GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	inv, err := invoice.Get(id, params)
	return inv, mapStripeError(err, "get invoice")
}

func (c *Client) UpdateInvoice(ctx context.Context, id string, params *stripe.InvoiceParams) (*stripe.Invoice, error) {
	params.Context = ctx
	inv, err := invoice.Update(id, params)
	return inv, mapStripeError(err, "update invoice")
}

func (c *Client) CreateCoupon(ctx context.Context, params *stripe.CouponParams) (*stripe.Coupon, error) {
	params.Context = ctx
	cp, err := coupon.New(params)
	return cp, mapStripeError(err, "create coupon")
}

func (c *Client) CreateBalanceTransaction(ctx context.Context, params *stripe.CustomerBalanceTransactionParams) (*stripe.CustomerBalanceTransaction, error) {
	params.Context = ctx
	txn, err := customerbalancetransaction.New(params)
	return txn, mapStripeError(err, "create balance transaction")
}

func (c *Client) CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	params.Context = ctx
	sess, err := portalsession.New(params)
	return sess, mapStripeError(err, "create portal session")
}

// ConstructEvent verifies the webhook signature and decodes the event.
func (c *Client) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.SigningSecret(), webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid stripe signature")
	}
	return event, nil
}

type classifiedIter struct {
	inner InvoiceIter
}

func (i *classifiedIter) Next() bool               { return i.inner.Next() }
func (i *classifiedIter) Invoice() *stripe.Invoice { return i.inner.Invoice() }
func (i *classifiedIter) Err() error               { return mapStripeError(i.inner.Err(), "list invoices") }

// mapStripeError classifies SDK failures. Anything that is not a Stripe API
// error (DNS, TLS, reset connections) is transient.
func mapStripeError(err error, op string) error {
	if err == nil {
		return nil
	}
	if ctxErr := pkgerrors.FromContext(err, fmt.Sprintf("stripe %s timed out", op)); ctxErr != nil {
		return ctxErr
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		code := codeForStatus(stripeErr.HTTPStatusCode)
		switch stripeErr.Code {
		case stripe.ErrorCodeResourceMissing:
			code = pkgerrors.CodeNotFound
		case stripe.ErrorCodeResourceAlreadyExists:
			code = pkgerrors.CodeConflict
		}
		return pkgerrors.Wrap(code, err, fmt.Sprintf("stripe %s failed", op)).WithDetails(map[string]any{
			"stripe_code": string(stripeErr.Code),
			"stripe_type": string(stripeErr.Type),
		})
	}
	return pkgerrors.Wrap(pkgerrors.CodeTransient, err, fmt.Sprintf("stripe %s failed", op))
}

func codeForStatus(status int) pkgerrors.Code {
	switch {
	case status == http.StatusNotFound:
		return pkgerrors.CodeNotFound
	case status == http.StatusConflict, status == http.StatusTooManyRequests:
		return pkgerrors.CodeTransient
	case status >= 400 && status < 500:
		return pkgerrors.CodePermanent
	default:
		return pkgerrors.CodeTransient
	}
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	switch env {
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

func validateAPIKey(env, key string) error {
	switch env {
	case testEnv:
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a test secret key (sk_test/rk_test)", testEnv)
	case liveEnv:
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a live secret key (sk_live/rk_live)", liveEnv)
	default:
		return errInvalidStripeEnv
	}
}

package square

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqcore "github.com/square/square-go-sdk/core"
	sqoption "github.com/square/square-go-sdk/option"

	"github.com/angelmondragon/billsync/pkg/config"
	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
	"github.com/angelmondragon/billsync/pkg/logger"
)

const (
	sandboxEnv    = "sandbox"
	productionEnv = "production"

	// SignatureHeader carries the webhook HMAC.
	SignatureHeader = "x-square-hmacsha256-signature"

	includeActions = "actions"
	maxSearchLimit = 200
)

var (
	errAccessTokenRequired   = errors.New("square access token is required")
	errWebhookSecretRequired = errors.New("square webhook secret is required")
	errInvalidSquareEnv      = fmt.Errorf("square environment must be %q or %q", sandboxEnv, productionEnv)
	errLoggerRequired        = errors.New("square logger is required")
	errLocationRequired      = errors.New("square location id is required")
	errCustomerRequired      = errors.New("square customer id is required")
)

var baseURLs = map[string]string{
	sandboxEnv:    "https://connect.squareupsandbox.com",
	productionEnv: "https://connect.squareup.com",
}

// Client exposes the Square subscription and invoice primitives with
// centralized auth, logging and error mapping.
type Client struct {
	sdk           *sqclient.Client
	environment   string
	webhookSecret string
	webhookURL    string
	logger        *logger.Logger
}

// NewClient initializes the Square wrapper and validates the credentials.
// The SDK's own retries are disabled; retry policy lives in the billing
// transport so attempts are counted in one place.
func NewClient(ctx context.Context, cfg config.SquareConfig, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	accessToken := strings.TrimSpace(cfg.AccessToken)
	if accessToken == "" {
		return nil, errAccessTokenRequired
	}
	webhookSecret := strings.TrimSpace(cfg.WebhookSecret)
	if webhookSecret == "" {
		return nil, errWebhookSecretRequired
	}

	sdk := sqclient.NewClient(
		sqoption.WithBaseURL(baseURLs[env]),
		sqoption.WithToken(accessToken),
		sqoption.WithMaxAttempts(1),
	)

	logg.Info(ctx, fmt.Sprintf("square client initialized (%s)", env))
	return &Client{
		sdk:           sdk,
		environment:   env,
		webhookSecret: webhookSecret,
		webhookURL:    strings.TrimSpace(cfg.WebhookURL),
		logger:        logg,
	}, nil
}

// Environment reports the normalized Square environment.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// GetSubscription fetches a subscription with its pending actions.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*sq.Subscription, error) {
	req := &sq.GetSubscriptionsRequest{
		SubscriptionID: subscriptionID,
		Include:        ptrString(includeActions),
	}
	c.log(ctx, "request", "get_subscription", map[string]any{"subscription_id": subscriptionID})

	resp, err := c.sdk.Subscriptions.Get(ctx, req)
	if err != nil {
		c.log(ctx, "error", "get_subscription", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "get subscription")
	}
	sub := resp.GetSubscription()
	c.logSubscription(ctx, "get_subscription", sub)
	return sub, nil
}

// CancelSubscription schedules cancellation at the end of the paid period.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) (*sq.Subscription, error) {
	req := &sq.CancelSubscriptionsRequest{SubscriptionID: subscriptionID}
	c.log(ctx, "request", "cancel_subscription", map[string]any{"subscription_id": subscriptionID})

	resp, err := c.sdk.Subscriptions.Cancel(ctx, req)
	if err != nil {
		c.log(ctx, "error", "cancel_subscription", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "cancel subscription")
	}
	sub := resp.GetSubscription()
	c.logSubscription(ctx, "cancel_subscription", sub)
	return sub, nil
}

// PauseSubscription schedules a pause starting at the next billing date.
func (c *Client) PauseSubscription(ctx context.Context, subscriptionID string) (*sq.Subscription, error) {
	req := &sq.PauseSubscriptionRequest{SubscriptionID: subscriptionID}
	c.log(ctx, "request", "pause_subscription", map[string]any{"subscription_id": subscriptionID})

	resp, err := c.sdk.Subscriptions.Pause(ctx, req)
	if err != nil {
		c.log(ctx, "error", "pause_subscription", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "pause subscription")
	}
	sub := resp.GetSubscription()
	c.logSubscription(ctx, "pause_subscription", sub)
	return sub, nil
}

// ResumeSubscription resumes a paused subscription immediately.
func (c *Client) ResumeSubscription(ctx context.Context, subscriptionID string) (*sq.Subscription, error) {
	req := &sq.ResumeSubscriptionRequest{SubscriptionID: subscriptionID}
	c.log(ctx, "request", "resume_subscription", map[string]any{"subscription_id": subscriptionID})

	resp, err := c.sdk.Subscriptions.Resume(ctx, req)
	if err != nil {
		c.log(ctx, "error", "resume_subscription", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "resume subscription")
	}
	sub := resp.GetSubscription()
	c.logSubscription(ctx, "resume_subscription", sub)
	return sub, nil
}

// DeleteSubscriptionAction drops a scheduled action (pending cancel or pause).
func (c *Client) DeleteSubscriptionAction(ctx context.Context, subscriptionID, actionID string) (*sq.Subscription, error) {
	req := &sq.DeleteActionSubscriptionsRequest{SubscriptionID: subscriptionID, ActionID: actionID}
	c.log(ctx, "request", "delete_subscription_action", map[string]any{
		"subscription_id": subscriptionID,
		"action_id":       actionID,
	})

	resp, err := c.sdk.Subscriptions.DeleteAction(ctx, req)
	if err != nil {
		c.log(ctx, "error", "delete_subscription_action", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "delete subscription action")
	}
	sub := resp.GetSubscription()
	c.logSubscription(ctx, "delete_subscription_action", sub)
	return sub, nil
}

// SearchInvoices returns one page of a customer's invoices, newest first, and
// the cursor for the next page ("" when exhausted).
func (c *Client) SearchInvoices(ctx context.Context, params InvoiceSearch) ([]*sq.Invoice, string, error) {
	if err := params.validate(); err != nil {
		return nil, "", pkgerrors.Wrap(pkgerrors.CodePermanent, err, "square search invoices")
	}
	limit := params.Limit
	if limit <= 0 || limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	order := sq.SortOrderDesc
	req := &sq.SearchInvoicesRequest{
		Query: &sq.InvoiceQuery{
			Filter: &sq.InvoiceFilter{
				LocationIDs: []string{params.LocationID},
				CustomerIDs: []string{params.CustomerID},
			},
			Sort: &sq.InvoiceSort{Order: &order},
		},
		Limit:  intPtr(limit),
		Cursor: ptrString(params.Cursor),
	}
	c.log(ctx, "request", "search_invoices", map[string]any{
		"location_id": params.LocationID,
		"customer_id": params.CustomerID,
		"paged":       params.Cursor != "",
	})

	resp, err := c.sdk.Invoices.Search(ctx, req)
	if err != nil {
		c.log(ctx, "error", "search_invoices", map[string]any{"error": err.Error()})
		return nil, "", c.mapSquareError(err, "search invoices")
	}
	invoices := resp.GetInvoices()
	c.log(ctx, "response", "search_invoices", map[string]any{"count": len(invoices)})
	return invoices, stringValue(resp.GetCursor()), nil
}

// VerifyWebhook checks the HMAC-SHA256 signature Square computes over the
// notification URL followed by the raw body.
func (c *Client) VerifyWebhook(body []byte, signature string) error {
	if c == nil || c.webhookSecret == "" {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "square webhook secret not configured")
	}
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write([]byte(c.webhookURL))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid square signature")
	}
	return nil
}

func (c *Client) logSubscription(ctx context.Context, op string, sub *sq.Subscription) {
	if sub == nil {
		c.log(ctx, "response", op, nil)
		return
	}
	c.log(ctx, "response", op, map[string]any{
		"subscription_id": stringValue(sub.GetID()),
		"status":          subscriptionStatusString(sub.GetStatus()),
		"actions":         len(sub.GetActions()),
	})
}

func (c *Client) log(ctx context.Context, phase, op string, fields map[string]any) {
	if c == nil || c.logger == nil {
		return
	}
	logFields := map[string]any{
		"operation": op,
		"phase":     phase,
	}
	for k, v := range fields {
		logFields[k] = c.redact(k, v)
	}
	ctx = c.logger.WithFields(ctx, logFields)
	switch phase {
	case "error":
		c.logger.Error(ctx, fmt.Sprintf("square %s", op), errors.New(fmt.Sprint(fields["error"])))
	default:
		c.logger.Debug(ctx, fmt.Sprintf("square %s", phase))
	}
}

func (c *Client) redact(key string, value any) any {
	lower := strings.ToLower(key)
	for _, sensitive := range []string{"card", "token", "secret", "email", "phone"} {
		if strings.Contains(lower, sensitive) {
			return "[REDACTED]"
		}
	}
	return value
}

// mapSquareError classifies SDK failures into the billing error taxonomy.
// Transport failures without an HTTP response are transient.
func (c *Client) mapSquareError(err error, op string) error {
	if err == nil {
		return nil
	}
	if ctxErr := pkgerrors.FromContext(err, fmt.Sprintf("square %s timed out", op)); ctxErr != nil {
		return ctxErr
	}
	var apiErr *sqcore.APIError
	if errors.As(err, &apiErr) {
		code := domainCodeForStatus(apiErr.StatusCode)
		var squareCodes []string
		for _, sqErr := range c.extractSquareErrors(apiErr) {
			if sqErr == nil {
				continue
			}
			squareCodes = append(squareCodes, string(sqErr.Code))
			if sqErr.Category == sq.ErrorCategoryRateLimitError {
				code = pkgerrors.CodeTransient
			}
		}
		mapped := pkgerrors.Wrap(code, err, fmt.Sprintf("square %s failed", op))
		if len(squareCodes) > 0 {
			mapped = mapped.WithDetails(map[string]any{"square_codes": squareCodes})
		}
		return mapped
	}
	return pkgerrors.Wrap(pkgerrors.CodeTransient, err, fmt.Sprintf("square %s failed", op))
}

func (c *Client) extractSquareErrors(apiErr *sqcore.APIError) []*sq.Error {
	if apiErr == nil {
		return nil
	}
	inner := apiErr.Unwrap()
	if inner == nil {
		return nil
	}
	raw := strings.TrimSpace(inner.Error())
	if raw == "" {
		return nil
	}
	var payload struct {
		Errors []*sq.Error `json:"errors"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}
	return payload.Errors
}

func domainCodeForStatus(status int) pkgerrors.Code {
	switch {
	case status == http.StatusNotFound:
		return pkgerrors.CodeNotFound
	case status == http.StatusConflict, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return pkgerrors.CodeTransient
	case status >= 400 && status < 500:
		return pkgerrors.CodePermanent
	default:
		return pkgerrors.CodeTransient
	}
}

func stringValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func subscriptionStatusString(status *sq.SubscriptionStatus) string {
	if status == nil {
		return ""
	}
	return string(*status)
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = sandboxEnv
	}
	switch env {
	case sandboxEnv, productionEnv:
		return env, nil
	default:
		return "", errInvalidSquareEnv
	}
}

package stripewebhook

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/billsync/internal/webhooks"
	"github.com/angelmondragon/billsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
	"github.com/angelmondragon/billsync/pkg/logger"
)

type ServiceParams struct {
	Engine webhooks.Syncer
	Logger *logger.Logger
}

// Service turns processor events into resyncs of the linked user. The event
// body is never trusted as state; the engine refetches from the processor.
type Service struct {
	engine webhooks.Syncer
	logg   *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Engine == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "reconcile engine required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{engine: params.Engine, logg: logg}, nil
}

func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}

	var subscriptionID string
	switch event.Type {
	case stripe.EventTypeCustomerSubscriptionCreated,
		stripe.EventTypeCustomerSubscriptionUpdated,
		stripe.EventTypeCustomerSubscriptionDeleted,
		stripe.EventTypeCustomerSubscriptionPaused,
		stripe.EventTypeCustomerSubscriptionResumed:
		subscriptionID = lookupString(event.Data.Object, "id")
	case stripe.EventTypeInvoicePaid, stripe.EventTypeInvoicePaymentFailed:
		subscriptionID = invoiceSubscriptionID(event)
		if subscriptionID == "" {
			// one-off invoice, nothing to reconcile
			return nil
		}
	default:
		return nil
	}
	if subscriptionID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription id missing")
	}
	return s.sync(ctx, event, subscriptionID)
}

func (s *Service) sync(ctx context.Context, event *stripe.Event, subscriptionID string) error {
	ctx = s.logg.WithFields(ctx, map[string]any{
		"event_id":    event.ID,
		"event_type":  string(event.Type),
		"external_id": subscriptionID,
		"backend":     enums.BillingBackendProcessor.String(),
	})
	_, err := s.engine.ForceSyncByExternalID(ctx, enums.BillingBackendProcessor, subscriptionID)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		s.logg.Info(ctx, "stripe event for unlinked subscription ignored")
		return nil
	}
	return err
}

// invoiceSubscriptionID reads the owning subscription from either the current
// parent.subscription_details shape or the legacy top-level field. One-off and
// quote invoices carry a null or absent parent and yield "".
func invoiceSubscriptionID(event *stripe.Event) string {
	if id := lookupString(event.Data.Object, "parent", "subscription_details", "subscription"); id != "" {
		return id
	}
	return lookupString(event.Data.Object, "subscription")
}

// lookupString walks nested JSON objects. Anything missing, null or of the
// wrong shape along the path yields "". Expanded objects answer with their id.
func lookupString(object map[string]any, path ...string) string {
	var cur any = object
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[key]
	}
	switch v := cur.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		id, _ := v["id"].(string)
		return strings.TrimSpace(id)
	}
	return ""
}

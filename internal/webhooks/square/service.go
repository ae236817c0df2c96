package squarewebhook

import (
	"context"
	"strings"

	"github.com/angelmondragon/billsync/internal/webhooks"
	"github.com/angelmondragon/billsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
	"github.com/angelmondragon/billsync/pkg/logger"
)

type ServiceParams struct {
	Engine webhooks.Syncer
	Logger *logger.Logger
}

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

// SquareWebhookEvent is the subset of a Square notification needed to find
// the subscription it concerns.
type SquareWebhookEvent struct {
	MerchantID string            `json:"merchant_id"`
	EventID    string            `json:"event_id"`
	Type       string            `json:"type"`
	Data       SquareWebhookData `json:"data"`
}

type SquareWebhookData struct {
	Type   string              `json:"type"`
	ID     string              `json:"id"`
	Object SquareWebhookObject `json:"object"`
}

type SquareWebhookObject struct {
	Subscription *squareObjectRef  `json:"subscription,omitempty"`
	Invoice      *squareInvoiceRef `json:"invoice,omitempty"`
}

type squareObjectRef struct {
	ID string `json:"id"`
}

type squareInvoiceRef struct {
	ID             string `json:"id"`
	SubscriptionID string `json:"subscription_id"`
}

// HandleEvent processes Square subscription and invoice events.
func (s *Service) HandleEvent(ctx context.Context, event *SquareWebhookEvent) error {
	if event == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "square event required")
	}

	var subscriptionID string
	switch strings.ToLower(event.Type) {
	case "subscription.created", "subscription.updated":
		if ref := event.Data.Object.Subscription; ref != nil {
			subscriptionID = ref.ID
		}
		if subscriptionID == "" {
			subscriptionID = event.Data.ID
		}
	case "invoice.payment_made", "invoice.scheduled_charge_failed", "invoice.canceled", "invoice.updated":
		ref := event.Data.Object.Invoice
		if ref == nil || ref.SubscriptionID == "" {
			return nil
		}
		subscriptionID = ref.SubscriptionID
	default:
		return nil
	}
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription id missing")
	}

	ctx = s.logg.WithFields(ctx, map[string]any{
		"event_id":    event.EventID,
		"event_type":  event.Type,
		"external_id": subscriptionID,
		"backend":     enums.BillingBackendInvoicing.String(),
	})
	_, err := s.engine.ForceSyncByExternalID(ctx, enums.BillingBackendInvoicing, subscriptionID)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		s.logg.Info(ctx, "square event for unlinked subscription ignored")
		return nil
	}
	return err
}

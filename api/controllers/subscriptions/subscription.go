package subscriptions

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/billsync/api/controllers/usercontext"
	"github.com/angelmondragon/billsync/api/responses"
	"github.com/angelmondragon/billsync/api/validators"
	"github.com/angelmondragon/billsync/internal/billingbackend"
	"github.com/angelmondragon/billsync/internal/reconcile"
	"github.com/angelmondragon/billsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
	"github.com/angelmondragon/billsync/pkg/logger"
)

const (
	defaultInvoicePage = 24
	maxInvoicePage     = 100
)

// Service is the reconcile engine surface the HTTP layer uses.
type Service interface {
	Get(ctx context.Context, userID uuid.UUID) (*reconcile.View, error)
	Link(ctx context.Context, userID uuid.UUID, backend enums.BillingBackend, subscriptionID string) (*reconcile.View, error)
	Cancel(ctx context.Context, userID uuid.UUID) (*reconcile.View, error)
	Pause(ctx context.Context, userID uuid.UUID) (*reconcile.View, error)
	Reactivate(ctx context.Context, userID uuid.UUID) (*reconcile.View, error)
	ForceSync(ctx context.Context, userID uuid.UUID) (*reconcile.View, error)
	ListInvoices(ctx context.Context, userID uuid.UUID, limit int) ([]billingbackend.Invoice, error)
	ResolvePortalSession(ctx context.Context, userID uuid.UUID, returnURL string) (billingbackend.PortalSession, error)
}

type linkRequest struct {
	Backend        string `json:"backend" validate:"required,oneof=processor invoicing"`
	SubscriptionID string `json:"subscription_id" validate:"required,max=255"`
}

type portalResponse struct {
	URL string `json:"url"`
}

type viewOp func(ctx context.Context, userID uuid.UUID) (*reconcile.View, error)

// userView adapts an engine call that takes only the caller into a handler.
func userView(svc Service, logg *logger.Logger, pick func(Service) viewOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}
		userID, err := usercontext.ResolveUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		view, err := pick(svc)(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

func SubscriptionFetch(svc Service, logg *logger.Logger) http.HandlerFunc {
	return userView(svc, logg, func(s Service) viewOp { return s.Get })
}

func SubscriptionCancel(svc Service, logg *logger.Logger) http.HandlerFunc {
	return userView(svc, logg, func(s Service) viewOp { return s.Cancel })
}

func SubscriptionPause(svc Service, logg *logger.Logger) http.HandlerFunc {
	return userView(svc, logg, func(s Service) viewOp { return s.Pause })
}

func SubscriptionReactivate(svc Service, logg *logger.Logger) http.HandlerFunc {
	return userView(svc, logg, func(s Service) viewOp { return s.Reactivate })
}

func SubscriptionSync(svc Service, logg *logger.Logger) http.HandlerFunc {
	return userView(svc, logg, func(s Service) viewOp { return s.ForceSync })
}

func SubscriptionLink(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}
		userID, err := usercontext.ResolveUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload linkRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		backend, err := enums.ParseBillingBackend(payload.Backend)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid backend"))
			return
		}

		view, err := svc.Link(r.Context(), userID, backend, validators.CleanIdentifier(payload.SubscriptionID, 255))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// SubscriptionPortal returns a billing portal URL. The return URL is always the
// configured one so the endpoint cannot be used as an open redirect.
func SubscriptionPortal(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}
		userID, err := usercontext.ResolveUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		session, err := svc.ResolvePortalSession(r.Context(), userID, "")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, portalResponse{URL: session.URL})
	}
}

func SubscriptionInvoices(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}
		userID, err := usercontext.ResolveUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.QueryInt(r, "limit", validators.IntRange{Default: defaultInvoicePage, Min: 1, Max: maxInvoicePage})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		invoices, err := svc.ListInvoices(r.Context(), userID, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newInvoiceList(invoices))
	}
}

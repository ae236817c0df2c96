// Package reconcile keeps the local subscription record in line with the
// authoritative billing backend.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billsync/internal/billingbackend"
	"github.com/angelmondragon/billsync/internal/referrals"
	"github.com/angelmondragon/billsync/internal/subscriptions"
	"github.com/angelmondragon/billsync/pkg/config"
	"github.com/angelmondragon/billsync/pkg/db"
	"github.com/angelmondragon/billsync/pkg/db/models"
	"github.com/angelmondragon/billsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
	"github.com/angelmondragon/billsync/pkg/logger"
	"github.com/angelmondragon/billsync/pkg/metrics"
)

const (
	defaultStatusTimeout   = 12 * time.Second
	defaultMutationTimeout = 30 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultInvoiceLimit    = 24
	maxInvoiceLimit        = 100
)

// Store is the slice of the subscription repository the engine writes through.
type Store interface {
	FindByUserID(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	FindByExternalID(ctx context.Context, backend enums.BillingBackend, externalID string) (*models.Subscription, error)
	Upsert(ctx context.Context, userID uuid.UUID, link subscriptions.Link, state subscriptions.StateUpdate) (*models.Subscription, error)
	UpdateState(ctx context.Context, userID uuid.UUID, guard subscriptions.Guard, state subscriptions.StateUpdate) (bool, error)
}

// Backends resolves the client for a backend.
type Backends interface {
	Client(backend enums.BillingBackend) (billingbackend.Client, bool)
}

// CreditApplier realizes a pending referral credit once billing is confirmed.
type CreditApplier interface {
	ApplyCredit(ctx context.Context, referredID uuid.UUID, invoiceRef string) (referrals.CreditResult, error)
}

// EngineParams groups dependencies for the reconciliation engine. Credits and
// Drift are optional.
type EngineParams struct {
	Store           Store
	Backends        Backends
	Credits         CreditApplier
	Drift           DriftQueue
	Config          config.BillingConfig
	PortalReturnURL string
	Logger          *logger.Logger
	Metrics         *metrics.BillingMetrics
	Now             func() time.Time
}

// Engine drives lifecycle changes: external call first, then a guarded local
// write pinned to the external id that was acted on.
type Engine struct {
	store           Store
	backends        Backends
	credits         CreditApplier
	drift           DriftQueue
	statusTimeout   time.Duration
	mutationTimeout time.Duration
	writeTimeout    time.Duration
	returnURL       string
	logg            *logger.Logger
	metrics         *metrics.BillingMetrics
	now             func() time.Time
}

func NewEngine(params EngineParams) (*Engine, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("subscription store required")
	}
	if params.Backends == nil {
		return nil, fmt.Errorf("backend registry required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:           params.Store,
		backends:        params.Backends,
		credits:         params.Credits,
		drift:           params.Drift,
		statusTimeout:   orDefault(params.Config.StatusTimeout, defaultStatusTimeout),
		mutationTimeout: orDefault(params.Config.MutationTimeout, defaultMutationTimeout),
		writeTimeout:    orDefault(params.Config.WriteTimeout, defaultWriteTimeout),
		returnURL:       strings.TrimSpace(params.PortalReturnURL),
		logg:            params.Logger,
		metrics:         params.Metrics,
		now:             now,
	}, nil
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// target is the authoritative linkage of one record.
type target struct {
	sub        *models.Subscription
	backend    enums.BillingBackend
	externalID string
	client     billingbackend.Client
}

func (t target) guard() subscriptions.Guard {
	return subscriptions.Guard{Backend: t.backend, ExternalID: t.externalID}
}

func (e *Engine) opContext(ctx context.Context, op string, userID uuid.UUID) context.Context {
	return e.logg.WithOperation(e.logg.WithUserID(ctx, userID.String()), "reconcile."+op)
}

func (e *Engine) resolve(ctx context.Context, userID uuid.UUID) (target, error) {
	sub, err := e.store.FindByUserID(ctx, userID)
	if err != nil {
		return target{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load subscription")
	}
	if sub == nil {
		return target{}, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	backend, externalID, ok := sub.Authority()
	if !ok {
		return target{}, pkgerrors.New(pkgerrors.CodeNotLinked, "subscription has no billing linkage")
	}
	client, ok := e.backends.Client(backend)
	if !ok {
		return target{}, pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("no client configured for %s", backend))
	}
	return target{sub: sub, backend: backend, externalID: externalID, client: client}, nil
}

// Get returns the stored view without contacting a backend.
func (e *Engine) Get(ctx context.Context, userID uuid.UUID) (*View, error) {
	sub, err := e.store.FindByUserID(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return viewOf(sub, e.now()), nil
}

// Cancel stops recurring billing and records a scheduled cancellation.
func (e *Engine) Cancel(ctx context.Context, userID uuid.UUID) (*View, error) {
	cancelAtPeriodEnd := true
	view, err := e.mutate(ctx, "cancel", userID,
		func(ctx context.Context, c billingbackend.Client, id string) error { return c.StopRecurring(ctx, id) },
		subscriptions.StateUpdate{Status: enums.SubscriptionStatusCanceled, CancelAtPeriodEnd: &cancelAtPeriodEnd},
	)
	e.metrics.ObserveOperation("cancel", err)
	return view, err
}

func (e *Engine) Pause(ctx context.Context, userID uuid.UUID) (*View, error) {
	view, err := e.mutate(ctx, "pause", userID,
		func(ctx context.Context, c billingbackend.Client, id string) error { return c.PauseRecurring(ctx, id) },
		subscriptions.StateUpdate{Status: enums.SubscriptionStatusPaused},
	)
	e.metrics.ObserveOperation("pause", err)
	return view, err
}

// Reactivate resumes billing and clears any scheduled cancellation.
func (e *Engine) Reactivate(ctx context.Context, userID uuid.UUID) (*View, error) {
	cancelAtPeriodEnd := false
	view, err := e.mutate(ctx, "reactivate", userID,
		func(ctx context.Context, c billingbackend.Client, id string) error { return c.ResumeRecurring(ctx, id) },
		subscriptions.StateUpdate{Status: enums.SubscriptionStatusActive, CancelAtPeriodEnd: &cancelAtPeriodEnd},
	)
	e.metrics.ObserveOperation("reactivate", err)
	return view, err
}

type mutation func(ctx context.Context, client billingbackend.Client, externalID string) error

func (e *Engine) mutate(ctx context.Context, op string, userID uuid.UUID, call mutation, state subscriptions.StateUpdate) (*View, error) {
	ctx = e.opContext(ctx, op, userID)
	t, err := e.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	ctx = e.logg.WithBackend(ctx, t.backend.String())

	callCtx, cancel := context.WithTimeout(ctx, e.mutationTimeout)
	err = call(callCtx, t.client, t.externalID)
	cancel()
	if err != nil {
		err = classify(err, op)
		if pkgerrors.IsCode(err, pkgerrors.CodeTransient) {
			// The outcome is unknown; the resync job reads the truth later.
			e.enqueueDrift(ctx, userID)
		}
		e.logg.Warn(e.logg.WithField(ctx, "error_code", string(pkgerrors.CodeOf(err))), "backend mutation failed")
		return nil, err
	}

	state.SyncedAt = e.now()
	return e.write(ctx, op, t, state)
}

// ForceSync overwrites the local record with the backend's current state.
func (e *Engine) ForceSync(ctx context.Context, userID uuid.UUID) (*View, error) {
	view, err := e.forceSync(e.opContext(ctx, "force_sync", userID), userID)
	e.metrics.ObserveOperation("force_sync", err)
	return view, err
}

// ForceSyncByExternalID resyncs whichever user is linked to the external id.
func (e *Engine) ForceSyncByExternalID(ctx context.Context, backend enums.BillingBackend, externalID string) (*View, error) {
	sub, err := e.store.FindByExternalID(ctx, backend, externalID)
	if err != nil {
		err = pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load subscription by external id")
		e.metrics.ObserveOperation("force_sync", err)
		return nil, err
	}
	if sub == nil {
		err = pkgerrors.New(pkgerrors.CodeNotFound, "no subscription linked to external id")
		e.metrics.ObserveOperation("force_sync", err)
		return nil, err
	}
	return e.ForceSync(ctx, sub.UserID)
}

func (e *Engine) forceSync(ctx context.Context, userID uuid.UUID) (*View, error) {
	t, err := e.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	ctx = e.logg.WithBackend(ctx, t.backend.String())

	status, err := e.fetch(ctx, t.client, t.externalID)
	if err != nil {
		return nil, err
	}
	view, err := e.write(ctx, "force_sync", t, stateFromStatus(status, e.now()))
	if err != nil {
		return nil, err
	}
	if status.Status.Confirmed() {
		e.applyCredit(ctx, userID)
	}
	return view, nil
}

// Link attaches an external subscription to the user after reading its state.
func (e *Engine) Link(ctx context.Context, userID uuid.UUID, backend enums.BillingBackend, subscriptionID string) (*View, error) {
	view, err := e.link(e.opContext(ctx, "link", userID), userID, backend, subscriptionID)
	e.metrics.ObserveOperation("link", err)
	return view, err
}

func (e *Engine) link(ctx context.Context, userID uuid.UUID, backend enums.BillingBackend, subscriptionID string) (*View, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if !backend.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown billing backend")
	}
	if subscriptionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}
	client, ok := e.backends.Client(backend)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("billing backend %s is not configured", backend))
	}
	ctx = e.logg.WithBackend(ctx, backend.String())

	owner, err := e.store.FindByExternalID(ctx, backend, subscriptionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check existing linkage")
	}
	if owner != nil && owner.UserID != userID {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "subscription is linked to another user")
	}

	status, err := e.fetch(ctx, client, subscriptionID)
	if err != nil {
		return nil, err
	}

	writeCtx, cancel := e.writeContext(ctx)
	defer cancel()
	sub, err := e.store.Upsert(writeCtx, userID,
		subscriptions.Link{Backend: backend, SubscriptionID: subscriptionID, CustomerID: status.CustomerID},
		stateFromStatus(status, e.now()),
	)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "subscription is linked to another user")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "persist subscription link")
	}
	ctx = e.logg.WithField(ctx, "external_id", subscriptionID)
	if authority, _, _ := sub.Authority(); authority != backend {
		// The fetched state belongs to a backend that does not drive this
		// record; the authoritative backend's state stays in place.
		e.logg.Info(e.logg.WithField(ctx, "authority", authority.String()), "subscription linked as secondary")
		return viewOf(sub, e.now()), nil
	}
	e.logg.Info(ctx, "subscription linked")
	if status.Status.Confirmed() {
		e.applyCredit(ctx, userID)
	}
	return viewOf(sub, e.now()), nil
}

// ListInvoices drains at most limit invoices from the authoritative backend.
func (e *Engine) ListInvoices(ctx context.Context, userID uuid.UUID, limit int) ([]billingbackend.Invoice, error) {
	invoices, err := e.listInvoices(e.opContext(ctx, "list_invoices", userID), userID, limit)
	e.metrics.ObserveOperation("list_invoices", err)
	return invoices, err
}

func (e *Engine) listInvoices(ctx context.Context, userID uuid.UUID, limit int) ([]billingbackend.Invoice, error) {
	if limit <= 0 {
		limit = defaultInvoiceLimit
	}
	if limit > maxInvoiceLimit {
		limit = maxInvoiceLimit
	}
	t, err := e.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, e.statusTimeout)
	defer cancel()

	it := t.client.ListInvoices(callCtx, t.externalID, limit)
	defer it.Close()
	invoices := make([]billingbackend.Invoice, 0, limit)
	for len(invoices) < limit && it.Next() {
		invoices = append(invoices, it.Invoice())
	}
	if err := it.Err(); err != nil {
		return nil, classify(err, "list invoices")
	}
	return invoices, nil
}

// ResolvePortalSession returns a self-service billing URL. Nothing is written.
func (e *Engine) ResolvePortalSession(ctx context.Context, userID uuid.UUID, returnURL string) (billingbackend.PortalSession, error) {
	session, err := e.portal(e.opContext(ctx, "portal", userID), userID, returnURL)
	e.metrics.ObserveOperation("portal", err)
	return session, err
}

func (e *Engine) portal(ctx context.Context, userID uuid.UUID, returnURL string) (billingbackend.PortalSession, error) {
	t, err := e.resolve(ctx, userID)
	if err != nil {
		return billingbackend.PortalSession{}, err
	}
	returnURL = strings.TrimSpace(returnURL)
	if returnURL == "" {
		returnURL = e.returnURL
	}
	callCtx, cancel := context.WithTimeout(ctx, e.statusTimeout)
	defer cancel()
	session, err := t.client.PortalSession(callCtx, billingbackend.PortalRequest{
		CustomerID:     t.sub.CustomerID(t.backend),
		SubscriptionID: t.externalID,
		ReturnURL:      returnURL,
	})
	if err != nil {
		return billingbackend.PortalSession{}, classify(err, "portal session")
	}
	return session, nil
}

func (e *Engine) fetch(ctx context.Context, client billingbackend.Client, externalID string) (billingbackend.Status, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.statusTimeout)
	defer cancel()
	status, err := client.FetchStatus(callCtx, externalID)
	if err != nil {
		return billingbackend.Status{}, classify(err, "fetch status")
	}
	return status, nil
}

// write applies the guarded update. A failed or non-matching write after the
// backend already changed is drift.
func (e *Engine) write(ctx context.Context, op string, t target, state subscriptions.StateUpdate) (*View, error) {
	writeCtx, cancel := e.writeContext(ctx)
	defer cancel()
	applied, err := e.store.UpdateState(writeCtx, t.sub.UserID, t.guard(), state)
	if err != nil || !applied {
		cause := err
		if cause == nil {
			cause = fmt.Errorf("linkage changed during %s", op)
		}
		e.logg.Error(ctx, "local write after backend call failed", cause)
		e.metrics.IncDrift(op)
		e.enqueueDrift(ctx, t.sub.UserID)
		return nil, pkgerrors.Wrap(pkgerrors.CodeStateDrift, cause, "state drifted, resync required")
	}

	sub := *t.sub
	state.Apply(&sub)
	e.logg.Info(e.logg.WithField(ctx, "status", string(sub.Status)), "subscription state recorded")
	return viewOf(&sub, e.now()), nil
}

func (e *Engine) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.writeTimeout)
}

func (e *Engine) enqueueDrift(ctx context.Context, userID uuid.UUID) {
	if e.drift == nil {
		return
	}
	writeCtx, cancel := e.writeContext(ctx)
	defer cancel()
	if err := e.drift.Enqueue(writeCtx, userID); err != nil {
		e.logg.Error(ctx, "enqueue drift resync", err)
	}
}

func (e *Engine) applyCredit(ctx context.Context, userID uuid.UUID) {
	if e.credits == nil {
		return
	}
	if _, err := e.credits.ApplyCredit(ctx, userID, ""); err != nil && !pkgerrors.IsCode(err, pkgerrors.CodeNoCredit) {
		e.logg.Error(ctx, "apply referral credit", err)
	}
}

func stateFromStatus(status billingbackend.Status, now time.Time) subscriptions.StateUpdate {
	cancelAtPeriodEnd := status.CancelAtPeriodEnd
	return subscriptions.StateUpdate{
		Status:             status.Status,
		CancelAtPeriodEnd:  &cancelAtPeriodEnd,
		CurrentPeriodEnd:   status.CurrentPeriodEnd,
		OverwritePeriodEnd: true,
		CustomerID:         status.CustomerID,
		SyncedAt:           now,
	}
}

// classify guarantees a taxonomy code on errors that escaped the transport.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if pkgerrors.As(err) != nil {
		return err
	}
	if ctxErr := pkgerrors.FromContext(err, op); ctxErr != nil {
		return ctxErr
	}
	return pkgerrors.Wrap(pkgerrors.CodeTransient, err, op)
}

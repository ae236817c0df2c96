package billingbackend

import (
	"context"
	"strings"
	"time"

	sq "github.com/square/square-go-sdk"

	"github.com/angelmondragon/billsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
	"github.com/angelmondragon/billsync/pkg/square"
)

const (
	squareDateLayout = "2006-01-02"
	squarePageSize   = 50
)

// SquareAPI is the subset of pkg/square the invoicing adapter relies on.
type SquareAPI interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*sq.Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*sq.Subscription, error)
	PauseSubscription(ctx context.Context, subscriptionID string) (*sq.Subscription, error)
	ResumeSubscription(ctx context.Context, subscriptionID string) (*sq.Subscription, error)
	DeleteSubscriptionAction(ctx context.Context, subscriptionID, actionID string) (*sq.Subscription, error)
	SearchInvoices(ctx context.Context, params square.InvoiceSearch) ([]*sq.Invoice, string, error)
}

// Invoicing adapts the invoicing platform (Square) to Client.
type Invoicing struct {
	api       SquareAPI
	transport transport
	now       func() time.Time
}

var _ Client = (*Invoicing)(nil)

func NewInvoicing(api SquareAPI, opts Options) *Invoicing {
	return &Invoicing{
		api:       api,
		transport: newTransport(enums.BillingBackendInvoicing, opts),
		now:       opts.clock(),
	}
}

func (i *Invoicing) Backend() enums.BillingBackend {
	return enums.BillingBackendInvoicing
}

func (i *Invoicing) FetchStatus(ctx context.Context, externalID string) (Status, error) {
	sub, err := i.get(ctx, "fetch_status", externalID)
	if err != nil {
		return Status{}, err
	}
	return normalizeSquare(sub, i.now()), nil
}

func (i *Invoicing) get(ctx context.Context, op, id string) (*sq.Subscription, error) {
	var sub *sq.Subscription
	err := i.transport.do(ctx, op, func(ctx context.Context) error {
		var err error
		sub, err = i.api.GetSubscription(ctx, id)
		return err
	})
	if err == nil && sub == nil {
		err = pkgerrors.New(pkgerrors.CodeNotFound, "invoicing subscription not found")
	}
	return sub, err
}

func (i *Invoicing) call(ctx context.Context, op string, fn func(context.Context) (*sq.Subscription, error)) error {
	return i.transport.do(ctx, op, func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	})
}

// StopRecurring cancels at the end of the paid-through period.
func (i *Invoicing) StopRecurring(ctx context.Context, externalID string) error {
	return i.mutate(ctx, "stop_recurring", externalID, squareStopped, func(ctx context.Context, sub *sq.Subscription) error {
		return i.call(ctx, "stop_recurring", func(ctx context.Context) (*sq.Subscription, error) {
			return i.api.CancelSubscription(ctx, externalID)
		})
	})
}

func (i *Invoicing) PauseRecurring(ctx context.Context, externalID string) error {
	return i.mutate(ctx, "pause_recurring", externalID, squarePaused, func(ctx context.Context, sub *sq.Subscription) error {
		if squareTerminal(sub) {
			return pkgerrors.New(pkgerrors.CodePermanent, "cannot pause a canceled subscription")
		}
		return i.call(ctx, "pause_recurring", func(ctx context.Context) (*sq.Subscription, error) {
			return i.api.PauseSubscription(ctx, externalID)
		})
	})
}

// ResumeRecurring withdraws scheduled cancel and pause actions, then resumes
// a subscription that is already paused.
func (i *Invoicing) ResumeRecurring(ctx context.Context, externalID string) error {
	return i.mutate(ctx, "resume_recurring", externalID, squareResumed, func(ctx context.Context, sub *sq.Subscription) error {
		if squareTerminal(sub) {
			return pkgerrors.New(pkgerrors.CodePermanent, "cannot resume a canceled subscription")
		}
		for _, actionType := range []sq.SubscriptionActionType{sq.SubscriptionActionTypeCancel, sq.SubscriptionActionTypePause} {
			action := pendingAction(sub, actionType)
			if action == nil || action.GetID() == nil {
				continue
			}
			actionID := *action.GetID()
			err := i.call(ctx, "delete_action", func(ctx context.Context) (*sq.Subscription, error) {
				return i.api.DeleteSubscriptionAction(ctx, externalID, actionID)
			})
			if err != nil {
				return err
			}
		}
		if squareStatus(sub) == sq.SubscriptionStatusPaused && pendingAction(sub, sq.SubscriptionActionTypeResume) == nil {
			return i.call(ctx, "resume_recurring", func(ctx context.Context) (*sq.Subscription, error) {
				return i.api.ResumeSubscription(ctx, externalID)
			})
		}
		return nil
	})
}

func (i *Invoicing) mutate(
	ctx context.Context,
	op, id string,
	target func(*sq.Subscription) bool,
	apply func(context.Context, *sq.Subscription) error,
) error {
	sub, err := i.get(ctx, op+"_precheck", id)
	if err != nil {
		return err
	}
	if target(sub) {
		return nil
	}
	err = apply(ctx, sub)
	if err == nil || !pkgerrors.IsCode(err, pkgerrors.CodePermanent) {
		return err
	}
	live, getErr := i.get(ctx, op+"_recheck", id)
	if getErr == nil && target(live) {
		return nil
	}
	return err
}

// ListInvoices pages through the customer's invoices at the subscription's
// location and keeps those billed by this subscription.
func (i *Invoicing) ListInvoices(ctx context.Context, externalID string, limit int) InvoiceIterator {
	return &squareInvoiceIter{
		ctx:            ctx,
		owner:          i,
		subscriptionID: externalID,
		remaining:      iterLimit(limit),
	}
}

// PortalSession returns the hosted page of the most recent invoice; the
// invoicing platform has no customer self-service portal.
func (i *Invoicing) PortalSession(ctx context.Context, req PortalRequest) (PortalSession, error) {
	it := i.ListInvoices(ctx, req.SubscriptionID, 0)
	defer it.Close()
	for it.Next() {
		if url := it.Invoice().DocumentURL; url != "" {
			return PortalSession{URL: url}, nil
		}
	}
	if err := it.Err(); err != nil {
		return PortalSession{}, err
	}
	return PortalSession{}, pkgerrors.New(pkgerrors.CodeNotFound, "no hosted invoice available")
}

func normalizeSquare(sub *sq.Subscription, now time.Time) Status {
	st := Status{
		CurrentPeriodEnd: parseSquareDate(sub.GetChargedThroughDate()),
		CustomerID:       deref(sub.GetCustomerID()),
	}
	switch squareStatus(sub) {
	case sq.SubscriptionStatusPending:
		st.Status = enums.SubscriptionStatusTrialing
	case sq.SubscriptionStatusDeactivated:
		st.Status = enums.SubscriptionStatusCanceled
	case sq.SubscriptionStatusCanceled:
		st.Status = enums.SubscriptionStatusCanceled
		st.CancelAtPeriodEnd = st.CurrentPeriodEnd != nil && st.CurrentPeriodEnd.After(now)
	case sq.SubscriptionStatusPaused:
		st.Status = enums.SubscriptionStatusPaused
	case sq.SubscriptionStatusActive:
		switch {
		case pendingAction(sub, sq.SubscriptionActionTypeCancel) != nil:
			st.Status = enums.SubscriptionStatusCanceled
			st.CancelAtPeriodEnd = true
		case pendingAction(sub, sq.SubscriptionActionTypePause) != nil:
			st.Status = enums.SubscriptionStatusPaused
		default:
			st.Status = enums.SubscriptionStatusActive
		}
	default:
		st.Status = enums.SubscriptionStatusIncomplete
	}
	return st
}

func squareStatus(sub *sq.Subscription) sq.SubscriptionStatus {
	if sub == nil || sub.GetStatus() == nil {
		return ""
	}
	return *sub.GetStatus()
}

func pendingAction(sub *sq.Subscription, actionType sq.SubscriptionActionType) *sq.SubscriptionAction {
	if sub == nil {
		return nil
	}
	for _, action := range sub.GetActions() {
		if action != nil && action.GetType() != nil && *action.GetType() == actionType {
			return action
		}
	}
	return nil
}

func squareTerminal(sub *sq.Subscription) bool {
	status := squareStatus(sub)
	return status == sq.SubscriptionStatusCanceled || status == sq.SubscriptionStatusDeactivated
}

func squareStopped(sub *sq.Subscription) bool {
	return squareTerminal(sub) || pendingAction(sub, sq.SubscriptionActionTypeCancel) != nil
}

func squarePaused(sub *sq.Subscription) bool {
	return squareStatus(sub) == sq.SubscriptionStatusPaused || pendingAction(sub, sq.SubscriptionActionTypePause) != nil
}

func squareResumed(sub *sq.Subscription) bool {
	if pendingAction(sub, sq.SubscriptionActionTypeCancel) != nil || pendingAction(sub, sq.SubscriptionActionTypePause) != nil {
		return false
	}
	switch squareStatus(sub) {
	case sq.SubscriptionStatusActive, sq.SubscriptionStatusPending:
		return true
	case sq.SubscriptionStatusPaused:
		return pendingAction(sub, sq.SubscriptionActionTypeResume) != nil
	}
	return false
}

type squareInvoiceIter struct {
	ctx            context.Context
	owner          *Invoicing
	subscriptionID string
	remaining      int

	started  bool
	search   square.InvoiceSearch
	page     []*sq.Invoice
	pos      int
	lastPage bool
	current  Invoice
	err      error
	done     bool
}

func (it *squareInvoiceIter) Next() bool {
	if it.done || it.remaining <= 0 {
		it.done = true
		return false
	}
	if !it.started {
		it.started = true
		if !it.start() {
			return false
		}
	}
	for {
		for it.pos < len(it.page) {
			inv := it.page[it.pos]
			it.pos++
			if inv == nil || deref(inv.GetSubscriptionID()) != it.subscriptionID {
				continue
			}
			it.current = squareInvoice(inv)
			it.remaining--
			return true
		}
		if it.lastPage || !it.fetch() {
			it.done = true
			return false
		}
	}
}

func (it *squareInvoiceIter) start() bool {
	sub, err := it.owner.get(it.ctx, "list_invoices_scope", it.subscriptionID)
	if err != nil {
		it.err, it.done = err, true
		return false
	}
	it.search = square.InvoiceSearch{
		LocationID: deref(sub.GetLocationID()),
		CustomerID: deref(sub.GetCustomerID()),
		Limit:      squarePageSize,
	}
	it.lastPage = false
	return it.fetch()
}

func (it *squareInvoiceIter) fetch() bool {
	var (
		page   []*sq.Invoice
		cursor string
	)
	err := it.owner.transport.do(it.ctx, "list_invoices", func(ctx context.Context) error {
		var err error
		page, cursor, err = it.owner.api.SearchInvoices(ctx, it.search)
		return err
	})
	if err != nil {
		it.err, it.done = err, true
		return false
	}
	it.page, it.pos = page, 0
	it.search.Cursor = cursor
	it.lastPage = cursor == ""
	return true
}

func (it *squareInvoiceIter) Invoice() Invoice { return it.current }
func (it *squareInvoiceIter) Err() error       { return it.err }
func (it *squareInvoiceIter) Close()           { it.done = true }

func squareInvoice(inv *sq.Invoice) Invoice {
	out := Invoice{
		ID:          deref(inv.GetID()),
		Number:      deref(inv.GetInvoiceNumber()),
		DocumentURL: deref(inv.GetPublicURL()),
		PeriodStart: parseSquareDate(inv.GetSaleOrServiceDate()),
	}
	if status := inv.GetStatus(); status != nil {
		out.Status = strings.ToLower(string(*status))
	}
	for _, req := range inv.GetPaymentRequests() {
		if req == nil || req.GetComputedAmountMoney() == nil {
			continue
		}
		money := req.GetComputedAmountMoney()
		if money.GetAmount() != nil {
			out.Total += *money.GetAmount()
		}
		if money.GetCurrency() != nil && out.Currency == "" {
			out.Currency = strings.ToLower(string(*money.GetCurrency()))
		}
		if due := parseSquareDate(req.GetDueDate()); due != nil {
			out.PeriodEnd = due
		}
	}
	return out
}

func parseSquareDate(value *string) *time.Time {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil
	}
	for _, layout := range []string{squareDateLayout, time.RFC3339} {
		if ts, err := time.Parse(layout, strings.TrimSpace(*value)); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}

func deref(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

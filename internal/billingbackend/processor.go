package billingbackend

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/billsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
	pkgstripe "github.com/angelmondragon/billsync/pkg/stripe"
)

const (
	stripePageSize      = 100
	pauseBehaviorVoid   = "void"
	creditDescription   = "Referral credit"
	couponIdempotencyNS = "referral-coupon-"
)

// StripeAPI is the subset of pkg/stripe the processor adapter relies on.
type StripeAPI interface {
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	ListInvoices(ctx context.Context, subscriptionID string, pageSize int64) pkgstripe.InvoiceIter
	GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error)
	UpdateInvoice(ctx context.Context, id string, params *stripe.InvoiceParams) (*stripe.Invoice, error)
	CreateCoupon(ctx context.Context, params *stripe.CouponParams) (*stripe.Coupon, error)
	CreateBalanceTransaction(ctx context.Context, params *stripe.CustomerBalanceTransactionParams) (*stripe.CustomerBalanceTransaction, error)
	CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

// Processor adapts the card processor (Stripe) to Client and DiscountClient.
type Processor struct {
	api       StripeAPI
	transport transport
}

var (
	_ Client         = (*Processor)(nil)
	_ DiscountClient = (*Processor)(nil)
)

func NewProcessor(api StripeAPI, opts Options) *Processor {
	return &Processor{api: api, transport: newTransport(enums.BillingBackendProcessor, opts)}
}

func (p *Processor) Backend() enums.BillingBackend {
	return enums.BillingBackendProcessor
}

func (p *Processor) FetchStatus(ctx context.Context, externalID string) (Status, error) {
	sub, err := p.get(ctx, "fetch_status", externalID)
	if err != nil {
		return Status{}, err
	}
	return normalizeStripe(sub), nil
}

func (p *Processor) get(ctx context.Context, op, id string) (*stripe.Subscription, error) {
	var sub *stripe.Subscription
	err := p.transport.do(ctx, op, func(ctx context.Context) error {
		var err error
		sub, err = p.api.GetSubscription(ctx, id)
		return err
	})
	return sub, err
}

func (p *Processor) update(ctx context.Context, op, id string, params *stripe.SubscriptionParams) error {
	return p.transport.do(ctx, op, func(ctx context.Context) error {
		_, err := p.api.UpdateSubscription(ctx, id, params)
		return err
	})
}

// StopRecurring schedules cancellation at period end.
func (p *Processor) StopRecurring(ctx context.Context, externalID string) error {
	return p.mutate(ctx, "stop_recurring", externalID, stripeStopped, func(sub *stripe.Subscription) (*stripe.SubscriptionParams, error) {
		return &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}, nil
	})
}

// PauseRecurring pauses collection; invoices drafted while paused are voided.
func (p *Processor) PauseRecurring(ctx context.Context, externalID string) error {
	return p.mutate(ctx, "pause_recurring", externalID, stripePaused, func(sub *stripe.Subscription) (*stripe.SubscriptionParams, error) {
		if stripeTerminal(sub) {
			return nil, pkgerrors.New(pkgerrors.CodePermanent, "cannot pause a canceled subscription")
		}
		return &stripe.SubscriptionParams{
			PauseCollection: &stripe.SubscriptionPauseCollectionParams{Behavior: stripe.String(pauseBehaviorVoid)},
		}, nil
	})
}

// ResumeRecurring clears a scheduled cancellation and any pause.
func (p *Processor) ResumeRecurring(ctx context.Context, externalID string) error {
	return p.mutate(ctx, "resume_recurring", externalID, stripeResumed, func(sub *stripe.Subscription) (*stripe.SubscriptionParams, error) {
		if stripeTerminal(sub) {
			return nil, pkgerrors.New(pkgerrors.CodePermanent, "cannot resume a canceled subscription")
		}
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(false)}
		if sub.PauseCollection != nil {
			params.AddExtra("pause_collection", "")
		}
		return params, nil
	})
}

// mutate reads live state, skips the write when target already holds, and
// re-checks live state when the backend rejects the write.
func (p *Processor) mutate(
	ctx context.Context,
	op, id string,
	target func(*stripe.Subscription) bool,
	build func(*stripe.Subscription) (*stripe.SubscriptionParams, error),
) error {
	sub, err := p.get(ctx, op+"_precheck", id)
	if err != nil {
		return err
	}
	if target(sub) {
		return nil
	}
	params, err := build(sub)
	if err != nil {
		return err
	}
	err = p.update(ctx, op, id, params)
	if err == nil || !pkgerrors.IsCode(err, pkgerrors.CodePermanent) {
		return err
	}
	live, getErr := p.get(ctx, op+"_recheck", id)
	if getErr == nil && target(live) {
		return nil
	}
	return err
}

func (p *Processor) ListInvoices(ctx context.Context, externalID string, limit int) InvoiceIterator {
	pageSize := int64(stripePageSize)
	if limit > 0 && limit < stripePageSize {
		pageSize = int64(limit)
	}
	return &stripeInvoiceIter{
		inner:     p.api.ListInvoices(ctx, externalID, pageSize),
		remaining: iterLimit(limit),
	}
}

func (p *Processor) PortalSession(ctx context.Context, req PortalRequest) (PortalSession, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return PortalSession{}, pkgerrors.New(pkgerrors.CodeNotLinked, "processor customer id missing")
	}
	params := &stripe.BillingPortalSessionParams{Customer: stripe.String(customerID)}
	if req.ReturnURL != "" {
		params.ReturnURL = stripe.String(req.ReturnURL)
	}
	var sess *stripe.BillingPortalSession
	err := p.transport.do(ctx, "portal_session", func(ctx context.Context) error {
		var err error
		sess, err = p.api.CreatePortalSession(ctx, params)
		return err
	})
	if err != nil {
		return PortalSession{}, err
	}
	return PortalSession{URL: sess.URL}, nil
}

// IssueDiscount creates a one-time, single-redemption coupon whose id is the
// referral code.
func (p *Processor) IssueDiscount(ctx context.Context, req DiscountRequest) (Discount, error) {
	if req.AmountMinor <= 0 || strings.TrimSpace(req.Code) == "" {
		return Discount{}, pkgerrors.New(pkgerrors.CodeValidation, "discount amount and code are required")
	}
	params := &stripe.CouponParams{
		ID:             stripe.String(req.Code),
		Name:           stripe.String(req.Code),
		AmountOff:      stripe.Int64(req.AmountMinor),
		Currency:       stripe.String(strings.ToLower(req.Currency)),
		Duration:       stripe.String(string(stripe.CouponDurationOnce)),
		MaxRedemptions: stripe.Int64(1),
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey(couponIdempotencyNS + req.Code)

	var cp *stripe.Coupon
	err := p.transport.do(ctx, "issue_discount", func(ctx context.Context) error {
		var err error
		cp, err = p.api.CreateCoupon(ctx, params)
		return err
	})
	if err != nil {
		return Discount{}, err
	}
	return Discount{ID: cp.ID, Code: req.Code}, nil
}

// checkInvoiceOwner refuses to discount an invoice billed to anyone other
// than the referred customer.
func (p *Processor) checkInvoiceOwner(ctx context.Context, invoiceID, customerID string) error {
	var inv *stripe.Invoice
	err := p.transport.do(ctx, "get_invoice", func(ctx context.Context) error {
		var err error
		inv, err = p.api.GetInvoice(ctx, invoiceID)
		return err
	})
	if err != nil {
		return err
	}
	if inv == nil || inv.Customer == nil || inv.Customer.ID != customerID {
		return pkgerrors.New(pkgerrors.CodePermanent, "invoice does not belong to the credited customer").
			WithDetails(map[string]any{"invoice_ref": invoiceID})
	}
	return nil
}

// ApplyCredit attaches the coupon to a specific invoice when one is named and
// otherwise credits the customer balance so the next charge absorbs it.
func (p *Processor) ApplyCredit(ctx context.Context, req CreditRequest) (Credit, error) {
	if strings.TrimSpace(req.CustomerID) == "" {
		return Credit{}, pkgerrors.New(pkgerrors.CodeNotLinked, "processor customer id missing")
	}
	if req.InvoiceRef != "" {
		if err := p.checkInvoiceOwner(ctx, req.InvoiceRef, req.CustomerID); err != nil {
			return Credit{}, err
		}
		params := &stripe.InvoiceParams{
			Discounts: []*stripe.InvoiceDiscountParams{{Coupon: stripe.String(req.CouponID)}},
		}
		params.SetIdempotencyKey(req.IdempotencyKey)
		var inv *stripe.Invoice
		err := p.transport.do(ctx, "apply_invoice_credit", func(ctx context.Context) error {
			var err error
			inv, err = p.api.UpdateInvoice(ctx, req.InvoiceRef, params)
			return err
		})
		if err != nil {
			return Credit{}, err
		}
		return Credit{ID: inv.ID, Kind: CreditKindInvoiceDiscount}, nil
	}

	params := &stripe.CustomerBalanceTransactionParams{
		Customer:    stripe.String(req.CustomerID),
		Amount:      stripe.Int64(-req.AmountMinor),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String(creditDescription),
	}
	params.SetIdempotencyKey(req.IdempotencyKey)
	var txn *stripe.CustomerBalanceTransaction
	err := p.transport.do(ctx, "apply_balance_credit", func(ctx context.Context) error {
		var err error
		txn, err = p.api.CreateBalanceTransaction(ctx, params)
		return err
	})
	if err != nil {
		return Credit{}, err
	}
	return Credit{ID: txn.ID, Kind: CreditKindBalance}, nil
}

func normalizeStripe(sub *stripe.Subscription) Status {
	st := Status{
		CurrentPeriodEnd:  stripePeriodEnd(sub),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		st.CustomerID = sub.Customer.ID
	}
	switch sub.Status {
	case stripe.SubscriptionStatusActive:
		switch {
		case sub.CancelAtPeriodEnd:
			st.Status = enums.SubscriptionStatusCanceled
		case sub.PauseCollection != nil:
			st.Status = enums.SubscriptionStatusPaused
		default:
			st.Status = enums.SubscriptionStatusActive
		}
	case stripe.SubscriptionStatusTrialing:
		st.Status = enums.SubscriptionStatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		st.Status = enums.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusPaused:
		st.Status = enums.SubscriptionStatusPaused
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		st.Status = enums.SubscriptionStatusCanceled
	default:
		st.Status = enums.SubscriptionStatusIncomplete
	}
	return st
}

func stripePeriodEnd(sub *stripe.Subscription) *time.Time {
	if sub.Items == nil {
		return nil
	}
	var latest int64
	for _, item := range sub.Items.Data {
		if item != nil && item.CurrentPeriodEnd > latest {
			latest = item.CurrentPeriodEnd
		}
	}
	return unixPtr(latest)
}

func stripeTerminal(sub *stripe.Subscription) bool {
	return sub.Status == stripe.SubscriptionStatusCanceled || sub.Status == stripe.SubscriptionStatusIncompleteExpired
}

func stripeStopped(sub *stripe.Subscription) bool {
	return stripeTerminal(sub) || sub.CancelAtPeriodEnd
}

func stripePaused(sub *stripe.Subscription) bool {
	return sub.PauseCollection != nil || sub.Status == stripe.SubscriptionStatusPaused
}

func stripeResumed(sub *stripe.Subscription) bool {
	return !stripeTerminal(sub) && !sub.CancelAtPeriodEnd && sub.PauseCollection == nil
}

type stripeInvoiceIter struct {
	inner     pkgstripe.InvoiceIter
	remaining int
	current   Invoice
	done      bool
}

func (it *stripeInvoiceIter) Next() bool {
	if it.done || it.remaining <= 0 {
		it.done = true
		return false
	}
	if !it.inner.Next() {
		it.done = true
		return false
	}
	it.current = stripeInvoice(it.inner.Invoice())
	it.remaining--
	return true
}

func (it *stripeInvoiceIter) Invoice() Invoice { return it.current }

func (it *stripeInvoiceIter) Err() error {
	return classify(it.inner.Err(), "processor list_invoices")
}

func (it *stripeInvoiceIter) Close() { it.done = true }

func stripeInvoice(inv *stripe.Invoice) Invoice {
	if inv == nil {
		return Invoice{}
	}
	url := inv.HostedInvoiceURL
	if url == "" {
		url = inv.InvoicePDF
	}
	return Invoice{
		ID:          inv.ID,
		Number:      inv.Number,
		Total:       inv.Total,
		Currency:    string(inv.Currency),
		Status:      string(inv.Status),
		PeriodStart: unixPtr(inv.PeriodStart),
		PeriodEnd:   unixPtr(inv.PeriodEnd),
		DocumentURL: url,
	}
}

// iterLimit treats a non-positive limit as unbounded.
func iterLimit(limit int) int {
	if limit <= 0 {
		return math.MaxInt
	}
	return limit
}

func unixPtr(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

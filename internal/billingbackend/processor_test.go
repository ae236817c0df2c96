package billingbackend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/billsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
	pkgstripe "github.com/angelmondragon/billsync/pkg/stripe"
)

type stubStripe struct {
	subs      []*stripe.Subscription
	getErrs   []error
	getCalls  int
	updateErr error
	updates   []*stripe.SubscriptionParams
	invoices  []*stripe.Invoice
	pageSize  int64
	payer     string

	couponParams  *stripe.CouponParams
	balanceParams *stripe.CustomerBalanceTransactionParams
	invoiceParams *stripe.InvoiceParams
	portalParams  *stripe.BillingPortalSessionParams
}

func (s *stubStripe) GetSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	idx := s.getCalls
	s.getCalls++
	if idx < len(s.getErrs) && s.getErrs[idx] != nil {
		return nil, s.getErrs[idx]
	}
	if idx >= len(s.subs) {
		idx = len(s.subs) - 1
	}
	return s.subs[idx], nil
}

func (s *stubStripe) UpdateSubscription(_ context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	s.updates = append(s.updates, params)
	return &stripe.Subscription{ID: id}, s.updateErr
}

func (s *stubStripe) ListInvoices(_ context.Context, _ string, pageSize int64) pkgstripe.InvoiceIter {
	s.pageSize = pageSize
	return &sliceInvoiceIter{items: s.invoices}
}

func (s *stubStripe) GetInvoice(_ context.Context, id string) (*stripe.Invoice, error) {
	payer := s.payer
	if payer == "" {
		payer = "cus_123"
	}
	return &stripe.Invoice{ID: id, Customer: &stripe.Customer{ID: payer}}, nil
}

func (s *stubStripe) UpdateInvoice(_ context.Context, id string, params *stripe.InvoiceParams) (*stripe.Invoice, error) {
	s.invoiceParams = params
	return &stripe.Invoice{ID: id}, nil
}

func (s *stubStripe) CreateCoupon(_ context.Context, params *stripe.CouponParams) (*stripe.Coupon, error) {
	s.couponParams = params
	return &stripe.Coupon{ID: *params.ID}, nil
}

func (s *stubStripe) CreateBalanceTransaction(_ context.Context, params *stripe.CustomerBalanceTransactionParams) (*stripe.CustomerBalanceTransaction, error) {
	s.balanceParams = params
	return &stripe.CustomerBalanceTransaction{ID: "cbtxn_1"}, nil
}

func (s *stubStripe) CreatePortalSession(_ context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	s.portalParams = params
	return &stripe.BillingPortalSession{URL: "https://billing.stripe.test/session"}, nil
}

type sliceInvoiceIter struct {
	items []*stripe.Invoice
	pos   int
}

func (s *sliceInvoiceIter) Next() bool {
	if s.pos >= len(s.items) {
		return false
	}
	s.pos++
	return true
}
func (s *sliceInvoiceIter) Invoice() *stripe.Invoice { return s.items[s.pos-1] }
func (s *sliceInvoiceIter) Err() error               { return nil }

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingObserver) ObserveBackendCall(backend enums.BillingBackend, op string, _ error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, string(backend)+":"+op)
}

func fastOptions() Options {
	return Options{RetryAttempts: 3, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func stripeSub(status stripe.SubscriptionStatus) *stripe.Subscription {
	return &stripe.Subscription{
		ID:       "sub_123",
		Status:   status,
		Customer: &stripe.Customer{ID: "cus_123"},
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
			{CurrentPeriodEnd: 1893456000},
		}},
	}
}

func TestNormalizeStripe(t *testing.T) {
	cape := stripeSub(stripe.SubscriptionStatusActive)
	cape.CancelAtPeriodEnd = true
	paused := stripeSub(stripe.SubscriptionStatusActive)
	paused.PauseCollection = &stripe.SubscriptionPauseCollection{Behavior: "void"}

	tests := []struct {
		name     string
		sub      *stripe.Subscription
		want     enums.SubscriptionStatus
		wantCape bool
	}{
		{"active", stripeSub(stripe.SubscriptionStatusActive), enums.SubscriptionStatusActive, false},
		{"trialing", stripeSub(stripe.SubscriptionStatusTrialing), enums.SubscriptionStatusTrialing, false},
		{"unpaid", stripeSub(stripe.SubscriptionStatusUnpaid), enums.SubscriptionStatusPastDue, false},
		{"incomplete expired", stripeSub(stripe.SubscriptionStatusIncompleteExpired), enums.SubscriptionStatusCanceled, false},
		{"incomplete", stripeSub(stripe.SubscriptionStatusIncomplete), enums.SubscriptionStatusIncomplete, false},
		{"cancel at period end", cape, enums.SubscriptionStatusCanceled, true},
		{"pause collection", paused, enums.SubscriptionStatusPaused, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeStripe(tt.sub)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.wantCape, got.CancelAtPeriodEnd)
			assert.Equal(t, "cus_123", got.CustomerID)
			require.NotNil(t, got.CurrentPeriodEnd)
			assert.Equal(t, int64(1893456000), got.CurrentPeriodEnd.Unix())
		})
	}
}

func TestProcessorStopRecurringSkipsWhenAlreadyScheduled(t *testing.T) {
	sub := stripeSub(stripe.SubscriptionStatusActive)
	sub.CancelAtPeriodEnd = true
	api := &stubStripe{subs: []*stripe.Subscription{sub}}
	p := NewProcessor(api, fastOptions())

	require.NoError(t, p.StopRecurring(context.Background(), "sub_123"))
	require.NoError(t, p.StopRecurring(context.Background(), "sub_123"))
	assert.Empty(t, api.updates)
}

func TestProcessorStopRecurringSchedulesCancel(t *testing.T) {
	api := &stubStripe{subs: []*stripe.Subscription{stripeSub(stripe.SubscriptionStatusActive)}}
	p := NewProcessor(api, fastOptions())

	require.NoError(t, p.StopRecurring(context.Background(), "sub_123"))
	require.Len(t, api.updates, 1)
	require.NotNil(t, api.updates[0].CancelAtPeriodEnd)
	assert.True(t, *api.updates[0].CancelAtPeriodEnd)
}

func TestProcessorRejectedMutationAcceptedWhenTargetHolds(t *testing.T) {
	scheduled := stripeSub(stripe.SubscriptionStatusActive)
	scheduled.CancelAtPeriodEnd = true
	api := &stubStripe{
		subs:      []*stripe.Subscription{stripeSub(stripe.SubscriptionStatusActive), scheduled},
		updateErr: pkgerrors.New(pkgerrors.CodePermanent, "already scheduled"),
	}
	p := NewProcessor(api, fastOptions())

	require.NoError(t, p.StopRecurring(context.Background(), "sub_123"))
	assert.Equal(t, 2, api.getCalls)
}

func TestProcessorRejectedMutationSurfacesPermanent(t *testing.T) {
	api := &stubStripe{
		subs:      []*stripe.Subscription{stripeSub(stripe.SubscriptionStatusActive)},
		updateErr: pkgerrors.New(pkgerrors.CodePermanent, "no"),
	}
	p := NewProcessor(api, fastOptions())

	err := p.PauseRecurring(context.Background(), "sub_123")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodePermanent))
	assert.Len(t, api.updates, 1, "permanent failures are not retried")
}

func TestProcessorPauseCanceledIsPermanent(t *testing.T) {
	api := &stubStripe{subs: []*stripe.Subscription{stripeSub(stripe.SubscriptionStatusCanceled)}}
	p := NewProcessor(api, fastOptions())

	err := p.PauseRecurring(context.Background(), "sub_123")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodePermanent))
	assert.Empty(t, api.updates)
}

func TestProcessorResumeClearsPauseAndCancel(t *testing.T) {
	sub := stripeSub(stripe.SubscriptionStatusActive)
	sub.CancelAtPeriodEnd = true
	sub.PauseCollection = &stripe.SubscriptionPauseCollection{Behavior: "void"}
	api := &stubStripe{subs: []*stripe.Subscription{sub}}
	p := NewProcessor(api, fastOptions())

	require.NoError(t, p.ResumeRecurring(context.Background(), "sub_123"))
	require.Len(t, api.updates, 1)
	assert.False(t, *api.updates[0].CancelAtPeriodEnd)
	assert.NotNil(t, api.updates[0].Extra)
}

func TestProcessorRetriesTransientReads(t *testing.T) {
	transient := pkgerrors.New(pkgerrors.CodeTransient, "503")
	api := &stubStripe{
		subs:    []*stripe.Subscription{nil, nil, stripeSub(stripe.SubscriptionStatusActive)},
		getErrs: []error{transient, transient},
	}
	observer := &recordingObserver{}
	opts := fastOptions()
	opts.Observer = observer
	p := NewProcessor(api, opts)

	st, err := p.FetchStatus(context.Background(), "sub_123")
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusActive, st.Status)
	assert.Equal(t, 3, api.getCalls)
	assert.Equal(t, []string{"processor:fetch_status"}, observer.calls)
}

func TestProcessorRetryBudgetExhausted(t *testing.T) {
	transient := pkgerrors.New(pkgerrors.CodeTransient, "503")
	api := &stubStripe{
		subs:    []*stripe.Subscription{nil},
		getErrs: []error{transient, transient, transient, transient},
	}
	p := NewProcessor(api, fastOptions())

	_, err := p.FetchStatus(context.Background(), "sub_123")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeTransient))
	assert.Equal(t, 3, api.getCalls)
}

func TestProcessorListInvoicesHonorsLimit(t *testing.T) {
	api := &stubStripe{invoices: []*stripe.Invoice{
		{ID: "in_3", Number: "0003", Total: 2500, Currency: "usd", Status: "paid", HostedInvoiceURL: "https://inv/3"},
		{ID: "in_2", Number: "0002", Total: 2500, Currency: "usd", Status: "paid"},
		{ID: "in_1", Number: "0001", Total: 2500, Currency: "usd", Status: "paid"},
	}}
	p := NewProcessor(api, fastOptions())

	it := p.ListInvoices(context.Background(), "sub_123", 2)
	var ids []string
	for it.Next() {
		ids = append(ids, it.Invoice().ID)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"in_3", "in_2"}, ids)
	assert.Equal(t, int64(2), api.pageSize)
	assert.False(t, it.Next(), "iterator is not restartable")
}

func TestProcessorPortalRequiresCustomer(t *testing.T) {
	p := NewProcessor(&stubStripe{}, fastOptions())
	_, err := p.PortalSession(context.Background(), PortalRequest{SubscriptionID: "sub_123"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotLinked))
}

func TestProcessorPortalSession(t *testing.T) {
	api := &stubStripe{}
	p := NewProcessor(api, fastOptions())
	sess, err := p.PortalSession(context.Background(), PortalRequest{CustomerID: "cus_123", ReturnURL: "https://app/return"})
	require.NoError(t, err)
	assert.Equal(t, "https://billing.stripe.test/session", sess.URL)
	assert.Equal(t, "https://app/return", *api.portalParams.ReturnURL)
}

func TestProcessorIssueDiscount(t *testing.T) {
	api := &stubStripe{}
	p := NewProcessor(api, fastOptions())

	d, err := p.IssueDiscount(context.Background(), DiscountRequest{
		AmountMinor: 25000,
		Currency:    "USD",
		Code:        "REF-AB12CD34-XYZ",
		Metadata:    map[string]string{"referrer_user_id": "u1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "REF-AB12CD34-XYZ", d.ID)
	assert.Equal(t, int64(25000), *api.couponParams.AmountOff)
	assert.Equal(t, "usd", *api.couponParams.Currency)
	assert.Equal(t, int64(1), *api.couponParams.MaxRedemptions)
	assert.Equal(t, "once", *api.couponParams.Duration)
	assert.Equal(t, "referral-coupon-REF-AB12CD34-XYZ", *api.couponParams.IdempotencyKey)
}

func TestProcessorApplyCreditBalance(t *testing.T) {
	api := &stubStripe{}
	p := NewProcessor(api, fastOptions())

	credit, err := p.ApplyCredit(context.Background(), CreditRequest{
		CustomerID:     "cus_123",
		CouponID:       "REF-AB12CD34-XYZ",
		AmountMinor:    25000,
		Currency:       "usd",
		IdempotencyKey: "referral-credit-1",
	})
	require.NoError(t, err)
	assert.Equal(t, CreditKindBalance, credit.Kind)
	assert.Equal(t, int64(-25000), *api.balanceParams.Amount)
	assert.Equal(t, "referral-credit-1", *api.balanceParams.IdempotencyKey)
	assert.Nil(t, api.invoiceParams)
}

func TestProcessorApplyCreditInvoice(t *testing.T) {
	api := &stubStripe{}
	p := NewProcessor(api, fastOptions())

	credit, err := p.ApplyCredit(context.Background(), CreditRequest{
		CustomerID:     "cus_123",
		InvoiceRef:     "in_9",
		CouponID:       "REF-AB12CD34-XYZ",
		AmountMinor:    25000,
		IdempotencyKey: "referral-credit-1",
	})
	require.NoError(t, err)
	assert.Equal(t, CreditKindInvoiceDiscount, credit.Kind)
	assert.Equal(t, "in_9", credit.ID)
	require.Len(t, api.invoiceParams.Discounts, 1)
	assert.Equal(t, "REF-AB12CD34-XYZ", *api.invoiceParams.Discounts[0].Coupon)
	assert.Nil(t, api.balanceParams)
}

func TestProcessorApplyCreditRejectsForeignInvoice(t *testing.T) {
	api := &stubStripe{payer: "cus_someone_else"}
	p := NewProcessor(api, fastOptions())

	_, err := p.ApplyCredit(context.Background(), CreditRequest{
		CustomerID:     "cus_123",
		InvoiceRef:     "in_9",
		CouponID:       "REF-AB12CD34-XYZ",
		AmountMinor:    25000,
		IdempotencyKey: "referral-credit-1-in_9",
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodePermanent))
	assert.False(t, pkgerrors.IsRetryable(err))
	assert.Nil(t, api.invoiceParams, "the invoice is never touched")
	assert.Nil(t, api.balanceParams)
}

// Package billingbackend normalizes the two external billing systems behind
// one contract. Backend-specific fields never leave this package.
package billingbackend

import (
	"context"
	"time"

	"github.com/angelmondragon/billsync/pkg/config"
	"github.com/angelmondragon/billsync/pkg/enums"
)

// Status is the normalized subscription state read from a backend.
type Status struct {
	Status            enums.SubscriptionStatus
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	CustomerID        string
}

// Invoice is one historical billing document.
type Invoice struct {
	ID          string
	Number      string
	Total       int64
	Currency    string
	Status      string
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	DocumentURL string
}

// InvoiceIterator is a lazy, finite, non-restartable sequence of invoices,
// most recent first. Callers must check Err once Next returns false.
type InvoiceIterator interface {
	Next() bool
	Invoice() Invoice
	Err() error
	Close()
}

type PortalRequest struct {
	CustomerID     string
	SubscriptionID string
	ReturnURL      string
}

type PortalSession struct {
	URL string
}

// Client is implemented once per backend.
type Client interface {
	Backend() enums.BillingBackend
	FetchStatus(ctx context.Context, externalID string) (Status, error)
	StopRecurring(ctx context.Context, externalID string) error
	PauseRecurring(ctx context.Context, externalID string) error
	ResumeRecurring(ctx context.Context, externalID string) error
	ListInvoices(ctx context.Context, externalID string, limit int) InvoiceIterator
	PortalSession(ctx context.Context, req PortalRequest) (PortalSession, error)
}

type DiscountRequest struct {
	AmountMinor int64
	Currency    string
	Code        string
	Metadata    map[string]string
}

type Discount struct {
	ID   string
	Code string
}

type CreditRequest struct {
	CustomerID     string
	InvoiceRef     string
	CouponID       string
	AmountMinor    int64
	Currency       string
	IdempotencyKey string
}

// CreditKind records how a credit was realized at the processor.
type CreditKind string

const (
	CreditKindInvoiceDiscount CreditKind = "invoice_discount"
	CreditKindBalance         CreditKind = "customer_balance"
)

type Credit struct {
	ID   string
	Kind CreditKind
}

// DiscountClient issues and realizes referral discounts. Only the processor
// backend implements it. IssueDiscount returns CONFLICT when the code is
// already taken by an existing discount. ApplyCredit returns PERMANENT when
// the named invoice belongs to a different customer.
type DiscountClient interface {
	IssueDiscount(ctx context.Context, req DiscountRequest) (Discount, error)
	ApplyCredit(ctx context.Context, req CreditRequest) (Credit, error)
}

// CallObserver receives one notification per external call, after retries.
type CallObserver interface {
	ObserveBackendCall(backend enums.BillingBackend, op string, err error, elapsed time.Duration)
}

// Options tune the shared transport.
type Options struct {
	RetryAttempts  uint64
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Observer       CallObserver
	Now            func() time.Time
}

// OptionsFromConfig maps the billing config onto transport options.
func OptionsFromConfig(cfg config.BillingConfig, observer CallObserver) Options {
	return Options{
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		Observer:       observer,
	}
}

func (o Options) clock() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return time.Now
}

// Registry resolves a backend client by name.
type Registry struct {
	clients map[enums.BillingBackend]Client
}

// NewRegistry indexes clients by their backend. Nil clients are skipped so a
// deployment can run with one backend unconfigured.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[enums.BillingBackend]Client, len(clients))}
	for _, c := range clients {
		if c == nil {
			continue
		}
		r.clients[c.Backend()] = c
	}
	return r
}

func (r *Registry) Client(backend enums.BillingBackend) (Client, bool) {
	if r == nil {
		return nil, false
	}
	c, ok := r.clients[backend]
	return c, ok
}

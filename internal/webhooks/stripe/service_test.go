package stripewebhook

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/billsync/internal/reconcile"
	"github.com/angelmondragon/billsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
)

type stubEngine struct {
	backend enums.BillingBackend
	ids     []string
	err     error
}

func (s *stubEngine) ForceSyncByExternalID(_ context.Context, backend enums.BillingBackend, externalID string) (*reconcile.View, error) {
	s.backend = backend
	s.ids = append(s.ids, externalID)
	return nil, s.err
}

func eventWithObject(t *testing.T, typ stripe.EventType, object map[string]any) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &stripe.Event{ID: "evt_test", Type: typ, Data: &stripe.EventData{Object: object, Raw: raw}}
}

func newService(t *testing.T, engine *stubEngine) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{Engine: engine})
	if err != nil {
		t.Fatalf("setup service: %v", err)
	}
	return svc
}

func TestService_SubscriptionEventResyncsProcessor(t *testing.T) {
	engine := &stubEngine{}
	event := eventWithObject(t, stripe.EventTypeCustomerSubscriptionUpdated, map[string]any{
		"id":     "sub_123",
		"object": "subscription",
		"status": "active",
	})
	if err := newService(t, engine).HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(engine.ids) != 1 || engine.ids[0] != "sub_123" {
		t.Fatalf("expected resync of sub_123, got %v", engine.ids)
	}
	if engine.backend != enums.BillingBackendProcessor {
		t.Fatalf("expected processor backend, got %s", engine.backend)
	}
}

func TestService_InvoiceEventUsesParentSubscription(t *testing.T) {
	engine := &stubEngine{}
	event := eventWithObject(t, stripe.EventTypeInvoicePaid, map[string]any{
		"id":     "in_1",
		"object": "invoice",
		"parent": map[string]any{
			"subscription_details": map[string]any{"subscription": "sub_parent"},
		},
	})
	if err := newService(t, engine).HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(engine.ids) != 1 || engine.ids[0] != "sub_parent" {
		t.Fatalf("expected resync of sub_parent, got %v", engine.ids)
	}
}

func TestService_IgnoresOneOffInvoicesAndOtherEvents(t *testing.T) {
	engine := &stubEngine{}
	svc := newService(t, engine)
	oneOff := eventWithObject(t, stripe.EventTypeInvoicePaymentFailed, map[string]any{"id": "in_2", "object": "invoice"})
	if err := svc.HandleEvent(context.Background(), oneOff); err != nil {
		t.Fatalf("handle one-off: %v", err)
	}
	other := eventWithObject(t, stripe.EventTypeChargeRefunded, map[string]any{"id": "ch_1"})
	if err := svc.HandleEvent(context.Background(), other); err != nil {
		t.Fatalf("handle other: %v", err)
	}
	if len(engine.ids) != 0 {
		t.Fatalf("expected no resyncs, got %v", engine.ids)
	}
}

func TestService_UnlinkedSubscriptionIsAcknowledged(t *testing.T) {
	engine := &stubEngine{err: pkgerrors.New(pkgerrors.CodeNotFound, "no subscription linked to external id")}
	event := eventWithObject(t, stripe.EventTypeCustomerSubscriptionDeleted, map[string]any{"id": "sub_gone"})
	if err := newService(t, engine).HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("expected unlinked event to be acknowledged, got %v", err)
	}
}

func TestService_PropagatesTransientFailures(t *testing.T) {
	engine := &stubEngine{err: pkgerrors.New(pkgerrors.CodeTransient, "processor timeout")}
	event := eventWithObject(t, stripe.EventTypeCustomerSubscriptionCreated, map[string]any{"id": "sub_slow"})
	err := newService(t, engine).HandleEvent(context.Background(), event)
	if !pkgerrors.IsCode(err, pkgerrors.CodeTransient) {
		t.Fatalf("expected transient error so the provider retries, got %v", err)
	}
}

func TestService_InvoiceWithoutSubscriptionParentIsIgnored(t *testing.T) {
	engine := &stubEngine{}
	svc := newService(t, engine)
	objects := []map[string]any{
		{"id": "in_9", "object": "invoice", "parent": nil},
		{"id": "in_10", "object": "invoice", "parent": map[string]any{"type": "quote_details", "subscription_details": nil}},
		{"id": "in_11", "object": "invoice", "parent": "unexpected"},
	}
	for _, object := range objects {
		event := eventWithObject(t, stripe.EventTypeInvoicePaid, object)
		if err := svc.HandleEvent(context.Background(), event); err != nil {
			t.Fatalf("%v: expected one-off invoice to be acknowledged, got %v", object["id"], err)
		}
	}
	if len(engine.ids) != 0 {
		t.Fatalf("expected no resyncs, got %v", engine.ids)
	}
}

func TestService_InvoiceWithExpandedLegacySubscription(t *testing.T) {
	engine := &stubEngine{}
	event := eventWithObject(t, stripe.EventTypeInvoicePaymentFailed, map[string]any{
		"id":           "in_12",
		"object":       "invoice",
		"subscription": map[string]any{"id": "sub_legacy", "object": "subscription"},
	})
	if err := newService(t, engine).HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(engine.ids) != 1 || engine.ids[0] != "sub_legacy" {
		t.Fatalf("expected resync of sub_legacy, got %v", engine.ids)
	}
}

package squarewebhook

import (
	"context"
	"encoding/json"
	"testing"

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

func decodeEvent(t *testing.T, raw string) *SquareWebhookEvent {
	t.Helper()
	var event SquareWebhookEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return &event
}

func TestService_SubscriptionUpdatedResyncsInvoicing(t *testing.T) {
	engine := &stubEngine{}
	svc, err := NewService(ServiceParams{Engine: engine})
	if err != nil {
		t.Fatalf("setup service: %v", err)
	}
	event := decodeEvent(t, `{
		"merchant_id": "M1",
		"event_id": "e-1",
		"type": "subscription.updated",
		"data": {"type": "subscription", "id": "sqsub_1", "object": {"subscription": {"id": "sqsub_1", "status": "PAUSED"}}}
	}`)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(engine.ids) != 1 || engine.ids[0] != "sqsub_1" || engine.backend != enums.BillingBackendInvoicing {
		t.Fatalf("expected invoicing resync of sqsub_1, got %v on %s", engine.ids, engine.backend)
	}
}

func TestService_InvoiceEventUsesSubscriptionID(t *testing.T) {
	engine := &stubEngine{}
	svc, _ := NewService(ServiceParams{Engine: engine})
	event := decodeEvent(t, `{
		"event_id": "e-2",
		"type": "invoice.payment_made",
		"data": {"type": "invoice", "id": "inv_1", "object": {"invoice": {"id": "inv_1", "subscription_id": "sqsub_9"}}}
	}`)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(engine.ids) != 1 || engine.ids[0] != "sqsub_9" {
		t.Fatalf("expected resync of sqsub_9, got %v", engine.ids)
	}
}

func TestService_IgnoresStandaloneInvoicesAndUnknownTypes(t *testing.T) {
	engine := &stubEngine{}
	svc, _ := NewService(ServiceParams{Engine: engine})
	standalone := decodeEvent(t, `{"event_id":"e-3","type":"invoice.payment_made","data":{"object":{"invoice":{"id":"inv_2"}}}}`)
	if err := svc.HandleEvent(context.Background(), standalone); err != nil {
		t.Fatalf("standalone: %v", err)
	}
	other := decodeEvent(t, `{"event_id":"e-4","type":"customer.created","data":{"id":"C1"}}`)
	if err := svc.HandleEvent(context.Background(), other); err != nil {
		t.Fatalf("other: %v", err)
	}
	if len(engine.ids) != 0 {
		t.Fatalf("expected no resyncs, got %v", engine.ids)
	}
}

func TestService_UnlinkedAcknowledgedOtherErrorsPropagate(t *testing.T) {
	event := `{"event_id":"e-5","type":"subscription.created","data":{"id":"sqsub_x"}}`

	unlinked, _ := NewService(ServiceParams{Engine: &stubEngine{err: pkgerrors.New(pkgerrors.CodeNotFound, "missing")}})
	if err := unlinked.HandleEvent(context.Background(), decodeEvent(t, event)); err != nil {
		t.Fatalf("expected unlinked event acknowledged, got %v", err)
	}

	drift, _ := NewService(ServiceParams{Engine: &stubEngine{err: pkgerrors.New(pkgerrors.CodeStateDrift, "write lost")}})
	if err := drift.HandleEvent(context.Background(), decodeEvent(t, event)); !pkgerrors.IsCode(err, pkgerrors.CodeStateDrift) {
		t.Fatalf("expected drift error, got %v", err)
	}
}

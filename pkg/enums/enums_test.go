package enums

import "testing"

func TestParseSubscriptionStatus(t *testing.T) {
	for _, raw := range []string{"active", "trialing", "past_due", "paused", "canceled", "incomplete"} {
		status, err := ParseSubscriptionStatus(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if status.String() != raw {
			t.Fatalf("round trip mismatch %q", status)
		}
	}
	if _, err := ParseSubscriptionStatus("unpaid"); err == nil {
		t.Fatal("backend-specific statuses must not parse")
	}
}

func TestConfirmedStatuses(t *testing.T) {
	if !SubscriptionStatusActive.Confirmed() || !SubscriptionStatusTrialing.Confirmed() {
		t.Fatal("active and trialing are confirmed")
	}
	for _, s := range []SubscriptionStatus{SubscriptionStatusPastDue, SubscriptionStatusPaused, SubscriptionStatusCanceled, SubscriptionStatusIncomplete} {
		if s.Confirmed() {
			t.Fatalf("%s must not be confirmed", s)
		}
	}
}

func TestParseBillingBackend(t *testing.T) {
	if b, err := ParseBillingBackend("invoicing"); err != nil || b != BillingBackendInvoicing {
		t.Fatalf("unexpected %v %v", b, err)
	}
	if _, err := ParseBillingBackend("paypal"); err == nil {
		t.Fatal("unknown backend must fail")
	}
	if ReferralStatus("expired").IsValid() {
		t.Fatal("unknown referral status must be invalid")
	}
}

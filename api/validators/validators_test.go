package validators

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
)

type linkBody struct {
	Backend        string `json:"backend" validate:"required,oneof=processor invoicing"`
	SubscriptionID string `json:"subscription_id" validate:"required,max=8"`
}

func post(body string) *http.Request {
	if body == "" {
		return httptest.NewRequest(http.MethodPost, "/", nil)
	}
	return httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
}

func TestDecodeJSONBody(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr string
		field   string
	}{
		{name: "ok", body: `{"backend":"processor","subscription_id":"sub_1"}`},
		{name: "empty", wantErr: "request body required"},
		{name: "unknown field", body: `{"backend":"processor","subscription_id":"sub_1","plan":"x"}`, wantErr: "invalid request body"},
		{name: "two objects", body: `{"backend":"processor","subscription_id":"a"}{}`, wantErr: "single JSON object"},
		{name: "bad backend", body: `{"backend":"paypal","subscription_id":"a"}`, wantErr: "validation failed", field: "backend"},
		{name: "id too long", body: `{"backend":"invoicing","subscription_id":"sub_123456789"}`, wantErr: "validation failed", field: "subscription_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var dest linkBody
			err := DecodeJSONBody(post(tc.body), &dest)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected %q, got %v", tc.wantErr, err)
			}
			if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
				t.Fatalf("expected validation code, got %v", err)
			}
			if tc.field != "" {
				details, _ := pkgerrors.As(err).Details().(map[string]string)
				if _, ok := details[tc.field]; !ok {
					t.Fatalf("expected detail for %s, got %v", tc.field, details)
				}
			}
		})
	}
}

func TestDecodeJSONBodyTooLarge(t *testing.T) {
	body := `{"backend":"` + strings.Repeat("x", MaxBodyBytes) + `"}`
	err := DecodeJSONBody(post(body), &linkBody{})
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected size rejection, got %v", err)
	}
}

func TestDecodeOptionalJSONBody(t *testing.T) {
	var dest struct {
		InvoiceRef string `json:"invoice_ref,omitempty" validate:"max=4"`
	}
	if err := DecodeOptionalJSONBody(post(""), &dest); err != nil {
		t.Fatalf("empty optional body: %v", err)
	}
	if err := DecodeOptionalJSONBody(post(`{"invoice_ref":"in_12345"}`), &dest); err == nil {
		t.Fatalf("expected validation to still run")
	}
}

func TestQueryInt(t *testing.T) {
	bounds := IntRange{Default: 20, Min: 1, Max: 100}
	cases := []struct {
		query string
		want  int
		fails bool
	}{
		{query: "", want: 20},
		{query: "limit=", want: 20},
		{query: "limit=50", want: 50},
		{query: "limit=%2050%20", want: 50},
		{query: "limit=0", fails: true},
		{query: "limit=101", fails: true},
		{query: "limit=ten", fails: true},
		{query: "limit=1&limit=2", fails: true},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/?"+tc.query, nil)
		got, err := QueryInt(r, "limit", bounds)
		if tc.fails {
			if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
				t.Fatalf("%q: expected validation error, got %v", tc.query, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: expected %d, got %d (%v)", tc.query, tc.want, got, err)
		}
	}
}

func TestCleanIdentifier(t *testing.T) {
	if got := CleanIdentifier("  REF-0A1B2C3D-XYZ\n", 32); got != "REF-0A1B2C3D-XYZ" {
		t.Fatalf("unexpected trim result %q", got)
	}
	if got := CleanIdentifier("sub\x00_1\x1b", 0); got != "sub_1" {
		t.Fatalf("control characters kept: %q", got)
	}
	if got := CleanIdentifier("ééééé", 3); got != "ééé" {
		t.Fatalf("expected rune-safe cut, got %q", got)
	}
}

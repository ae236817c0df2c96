package referrals

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/billsync/api/middleware"
	"github.com/angelmondragon/billsync/internal/billingbackend"
	refsvc "github.com/angelmondragon/billsync/internal/referrals"
	"github.com/angelmondragon/billsync/pkg/db/models"
	"github.com/angelmondragon/billsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
)

type stubLedger struct {
	claimedCode string
	invoiceRef  string
	lookedUp    string
	creditErr   error
}

func (s *stubLedger) Generate(_ context.Context, referrerID uuid.UUID) (*models.Referral, error) {
	return &models.Referral{ReferrerUserID: referrerID, ReferralCode: "REF-0A1B2C3D-X9Z", Status: enums.ReferralStatusPending, DiscountAmount: 25000, Currency: "usd"}, nil
}

func (s *stubLedger) Claim(_ context.Context, code string, referredID uuid.UUID) (*models.Referral, error) {
	s.claimedCode = code
	return &models.Referral{ReferralCode: code, ReferredUserID: &referredID, Status: enums.ReferralStatusCompleted, DiscountAmount: 25000, Currency: "usd"}, nil
}

func (s *stubLedger) ApplyCredit(_ context.Context, _ uuid.UUID, invoiceRef string) (refsvc.CreditResult, error) {
	s.invoiceRef = invoiceRef
	if s.creditErr != nil {
		return refsvc.CreditResult{}, s.creditErr
	}
	return refsvc.CreditResult{ReferralID: uuid.New(), CreditID: "cbtxn_1", Kind: billingbackend.CreditKindBalance, AmountMinor: 25000, Currency: "usd"}, nil
}

func (s *stubLedger) LookupReferrer(_ context.Context, code string) (refsvc.ReferrerView, error) {
	s.lookedUp = code
	return refsvc.ReferrerView{Code: code, DisplayName: "Ada"}, nil
}

func authed(req *http.Request) *http.Request {
	return req.WithContext(middleware.WithUserID(req.Context(), uuid.New()))
}

func TestReferralGenerateFormatsDiscount(t *testing.T) {
	rec := httptest.NewRecorder()
	ReferralGenerate(&stubLedger{}, nil).ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/", nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var body struct {
		Data referralResponse `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.Discount != "250.00" || body.Data.Currency != "USD" || body.Data.Code == "" {
		t.Fatalf("unexpected referral %+v", body.Data)
	}
}

func TestReferralClaimPassesCode(t *testing.T) {
	svc := &stubLedger{}
	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"code":"ref-0a1b2c3d-x9z"}`)))
	ReferralClaim(svc, nil).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.claimedCode != "ref-0a1b2c3d-x9z" {
		t.Fatalf("expected raw code forwarded for normalization, got %q", svc.claimedCode)
	}

	rec = httptest.NewRecorder()
	ReferralClaim(svc, nil).ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected missing code rejected, got %d", rec.Code)
	}
}

func TestReferralCreditAcceptsEmptyBody(t *testing.T) {
	svc := &stubLedger{}
	rec := httptest.NewRecorder()
	ReferralCredit(svc, nil).ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/", nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d (%s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"amount":"250.00"`) || !strings.Contains(rec.Body.String(), `"credit_id":"cbtxn_1"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	ReferralCredit(svc, nil).ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"invoice_ref":" in_42 "}`))))
	if rec.Code != http.StatusOK || svc.invoiceRef != "in_42" {
		t.Fatalf("expected invoice ref forwarded, code=%d ref=%q", rec.Code, svc.invoiceRef)
	}
}

func TestReferralCreditNoCredit(t *testing.T) {
	svc := &stubLedger{creditErr: pkgerrors.New(pkgerrors.CodeNoCredit, "no pending referral credit")}
	rec := httptest.NewRecorder()
	ReferralCredit(svc, nil).ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/", nil)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestReferrerLookupIsPublic(t *testing.T) {
	svc := &stubLedger{}
	router := chi.NewRouter()
	router.Get("/public/referrals/{code}", ReferrerLookup(svc, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/public/referrals/REF-0A1B2C3D-X9Z", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if svc.lookedUp != "REF-0A1B2C3D-X9Z" || !strings.Contains(rec.Body.String(), "Ada") {
		t.Fatalf("unexpected lookup %q body %s", svc.lookedUp, rec.Body.String())
	}
}

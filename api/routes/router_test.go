package routes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/billsync/internal/billingbackend"
	"github.com/angelmondragon/billsync/internal/reconcile"
	refsvc "github.com/angelmondragon/billsync/internal/referrals"
	pkgAuth "github.com/angelmondragon/billsync/pkg/auth"
	"github.com/angelmondragon/billsync/pkg/config"
	"github.com/angelmondragon/billsync/pkg/db/models"
	"github.com/angelmondragon/billsync/pkg/enums"
	"github.com/angelmondragon/billsync/pkg/logger"
	"github.com/angelmondragon/billsync/pkg/redis"
)

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error {
	return s.err
}

type stubEngine struct {
	cancels int
}

func (s *stubEngine) view(userID uuid.UUID) (*reconcile.View, error) {
	return &reconcile.View{UserID: userID, Status: enums.SubscriptionStatusActive}, nil
}

func (s *stubEngine) Get(_ context.Context, id uuid.UUID) (*reconcile.View, error) { return s.view(id) }
func (s *stubEngine) Cancel(_ context.Context, id uuid.UUID) (*reconcile.View, error) {
	s.cancels++
	return s.view(id)
}
func (s *stubEngine) Pause(_ context.Context, id uuid.UUID) (*reconcile.View, error) { return s.view(id) }
func (s *stubEngine) Reactivate(_ context.Context, id uuid.UUID) (*reconcile.View, error) {
	return s.view(id)
}
func (s *stubEngine) ForceSync(_ context.Context, id uuid.UUID) (*reconcile.View, error) {
	return s.view(id)
}
func (s *stubEngine) Link(_ context.Context, id uuid.UUID, _ enums.BillingBackend, _ string) (*reconcile.View, error) {
	return s.view(id)
}
func (s *stubEngine) ListInvoices(context.Context, uuid.UUID, int) ([]billingbackend.Invoice, error) {
	return nil, nil
}
func (s *stubEngine) ResolvePortalSession(context.Context, uuid.UUID, string) (billingbackend.PortalSession, error) {
	return billingbackend.PortalSession{URL: "https://example.com/portal"}, nil
}

type stubLedger struct{}

func (stubLedger) Generate(_ context.Context, id uuid.UUID) (*models.Referral, error) {
	return &models.Referral{ReferrerUserID: id, ReferralCode: "REF-00000000-AAA", Currency: "usd"}, nil
}
func (stubLedger) Claim(_ context.Context, code string, _ uuid.UUID) (*models.Referral, error) {
	return &models.Referral{ReferralCode: code, Currency: "usd"}, nil
}
func (stubLedger) ApplyCredit(context.Context, uuid.UUID, string) (refsvc.CreditResult, error) {
	return refsvc.CreditResult{}, nil
}
func (stubLedger) LookupReferrer(_ context.Context, code string) (refsvc.ReferrerView, error) {
	return refsvc.ReferrerView{Code: code, DisplayName: "Grace"}, nil
}

type harness struct {
	cfg    *config.Config
	engine *stubEngine
	router http.Handler
}

func newHarness(t *testing.T, dbErr error) harness {
	t.Helper()
	cfg := &config.Config{
		App: config.AppConfig{Env: "test", CORSOrigins: []string{"http://localhost:3000"}},
		JWT: config.JWTConfig{Secret: "router-secret", Issuer: "billsync", ExpirationMinutes: 10},
	}
	mini := miniredis.RunT(t)
	rc := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mini.Addr()}))
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "billsync_router_test_total", Help: "test"}))
	engine := &stubEngine{}
	router := NewRouter(cfg, logger.Nop(), stubPinger{err: dbErr}, rc, rc, reg, engine, stubLedger{}, Webhooks{})
	return harness{cfg: cfg, engine: engine, router: router}
}

func (h harness) token(t *testing.T) string {
	t.Helper()
	tokens, err := pkgAuth.NewTokens(h.cfg.JWT)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	token, err := tokens.Mint(time.Now(), uuid.New())
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func (h harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	if rec := h.do(httptest.NewRequest(http.MethodGet, "/health/live", nil)); rec.Code != http.StatusOK {
		t.Fatalf("live: expected 200 got %d", rec.Code)
	}
	if rec := h.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil)); rec.Code != http.StatusOK {
		t.Fatalf("ready: expected 200 got %d", rec.Code)
	}

	down := newHarness(t, errors.New("connection refused"))
	rec := down.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready with db down: expected 503 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "database") {
		t.Fatalf("expected failing dependency named: %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "billsync_router_test_total") {
		t.Fatalf("expected registry contents exposed")
	}
}

func TestPrivateRoutesRejectMissingJWT(t *testing.T) {
	h := newHarness(t, nil)
	for _, path := range []string{"/api/v1/subscription", "/api/v1/subscription/invoices"} {
		if rec := h.do(httptest.NewRequest(http.MethodGet, path, nil)); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 got %d", path, rec.Code)
		}
	}
	if rec := h.do(httptest.NewRequest(http.MethodPost, "/api/v1/referrals/claim", strings.NewReader(`{"code":"x"}`))); rec.Code != http.StatusUnauthorized {
		t.Fatalf("claim: expected 401 got %d", rec.Code)
	}
}

func TestPrivateRoutesSucceedWithJWT(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/subscription", nil)
	req.Header.Set("Authorization", "Bearer "+h.token(t))
	if rec := h.do(req); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d (%s)", rec.Code, rec.Body.String())
	}

	gen := httptest.NewRequest(http.MethodPost, "/api/v1/referrals", nil)
	gen.Header.Set("Authorization", "Bearer "+h.token(t))
	if rec := h.do(gen); rec.Code != http.StatusOK {
		t.Fatalf("generate: expected 200 got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestCancelReplaysWithIdempotencyKey(t *testing.T) {
	h := newHarness(t, nil)
	token := h.token(t)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/subscription/cancel", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", "cancel-1")
		if rec := h.do(req); rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200 got %d", i, rec.Code)
		}
	}
	if h.engine.cancels != 1 {
		t.Fatalf("expected replay to skip the engine, cancels=%d", h.engine.cancels)
	}
}

func TestPublicReferrerLookupNeedsNoJWT(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/public/referrals/REF-00000000-AAA", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Grace") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestWebhookRoutesAbsentWhenBackendsUnconfigured(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(`{}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestReferralRoutesAbsentWithoutLedger(t *testing.T) {
	h := newHarness(t, nil)
	router := NewRouter(h.cfg, logger.Nop(), stubPinger{}, nil, nil, nil, h.engine, nil, Webhooks{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/referrals", nil)
	req.Header.Set("Authorization", "Bearer "+h.token(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("generate: expected 404 got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/public/referrals/REF-00000000-AAA", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("lookup: expected 404 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"NOT_FOUND"`) {
		t.Fatalf("lookup: expected error envelope got %s", rec.Body.String())
	}
}

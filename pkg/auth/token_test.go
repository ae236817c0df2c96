package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billsync/pkg/config"
)

func testTokens(t *testing.T, mutate func(*config.JWTConfig)) *Tokens {
	t.Helper()
	cfg := config.JWTConfig{Secret: "secret", Issuer: "billsync", ExpirationMinutes: 30}
	if mutate != nil {
		mutate(&cfg)
	}
	tokens, err := NewTokens(cfg)
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}
	return tokens
}

func TestMintAndVerify(t *testing.T) {
	tokens := testTokens(t, nil)
	userID := uuid.New()

	raw, err := tokens.Mint(time.Now(), userID)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	claims, err := tokens.Verify(raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != userID || claims.Subject != userID.String() || claims.Issuer != "billsync" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.ID == "" {
		t.Fatalf("expected a token id")
	}
}

func TestVerifyRejects(t *testing.T) {
	tokens := testTokens(t, nil)
	userID := uuid.New()

	expired, _ := tokens.Mint(time.Now().Add(-2*time.Hour), userID)
	if _, err := tokens.Verify(expired); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	valid, _ := tokens.Mint(time.Now(), userID)
	otherSecret := testTokens(t, func(c *config.JWTConfig) { c.Secret = "another" })
	if _, err := otherSecret.Verify(valid); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected signature mismatch to be invalid, got %v", err)
	}
	otherIssuer := testTokens(t, func(c *config.JWTConfig) { c.Issuer = "someone-else" })
	if _, err := otherIssuer.Verify(valid); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected issuer mismatch to be invalid, got %v", err)
	}
	if _, err := tokens.Verify("not.a.jwt"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected garbage to be invalid, got %v", err)
	}
}

func TestNewTokensAndMintValidate(t *testing.T) {
	if _, err := NewTokens(config.JWTConfig{Issuer: "x", ExpirationMinutes: 1}); err == nil {
		t.Fatalf("expected missing secret to fail")
	}
	if _, err := NewTokens(config.JWTConfig{Secret: "s", Issuer: "x"}); err == nil {
		t.Fatalf("expected zero ttl to fail")
	}
	if _, err := testTokens(t, nil).Mint(time.Now(), uuid.Nil); err == nil {
		t.Fatalf("expected missing user id to fail")
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"BEARER abc":   "abc",
		"Basic abc":    "",
		"abc":          "",
		"Bearer ":      "",
		"":             "",
	}
	for header, want := range cases {
		got, ok := BearerToken(header)
		if got != want || ok != (want != "") {
			t.Fatalf("%q: expected %q, got %q ok=%v", header, want, got, ok)
		}
	}
}

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

type stubVerifier struct {
	claims *Claims
	err    error
}

func (s *stubVerifier) Validate(string) (*Claims, error) { return s.claims, s.err }
func (s *stubVerifier) Close() error                     { return nil }

func TestLegacyTokenRoundTrip(t *testing.T) {
	token, err := IssueLegacyToken(testSecret, "user-1", "a@b.c", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := ValidateLegacyToken(token, testSecret)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "user-1" || claims.Email != "a@b.c" {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if claims.Issuer != LegacyIssuer {
		t.Errorf("expected issuer %q, got %q", LegacyIssuer, claims.Issuer)
	}
}

func TestLegacyTokenRejections(t *testing.T) {
	good, _ := IssueLegacyToken(testSecret, "user-1", "", time.Hour)
	expired, _ := IssueLegacyToken(testSecret, "user-1", "", -time.Minute)
	noUser, _ := IssueLegacyToken(testSecret, "", "", time.Hour)
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, LegacyClaims{UserID: "user-1"}).
		SignedString([]byte(testSecret))
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, LegacyClaims{UserID: "user-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]struct {
		token  string
		secret string
	}{
		"wrong secret": {good, "other"},
		"expired":      {expired, testSecret},
		"no expiry":    {noExpiry, testSecret},
		"missing user": {noUser, testSecret},
		"alg none":     {none, testSecret},
		"garbage":      {"not-a-jwt", testSecret},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ValidateLegacyToken(tc.token, tc.secret); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLegacyTokenDefaultTTL(t *testing.T) {
	token, err := IssueLegacyToken(testSecret, "user-1", "", 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := ValidateLegacyToken(token, testSecret)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.ExpiresAt == nil {
		t.Fatal("expected an expiry")
	}
	if d := time.Until(claims.ExpiresAt.Time); d < DefaultLegacyTTL-time.Minute || d > DefaultLegacyTTL {
		t.Errorf("expiry in %s, want about %s", d, DefaultLegacyTTL)
	}
}

func TestBearerToken(t *testing.T) {
	if _, err := BearerToken(""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}
	if _, err := BearerToken("Basic abc"); !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("expected ErrMalformedHeader, got %v", err)
	}
	tok, err := BearerToken("bearer abc")
	if err != nil || tok != "abc" {
		t.Errorf("expected abc, got %q (%v)", tok, err)
	}
}

func TestAuthenticatorPrefersVerifier(t *testing.T) {
	v := &stubVerifier{claims: &Claims{UserID: "oidc-user", Email: "o@x.y", Name: "O"}}
	a := NewAuthenticator(v, testSecret)

	id, err := a.Authenticate("anything")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.UserID != "oidc-user" || id.Name != "O" {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestAuthenticatorFallsBackToLegacy(t *testing.T) {
	v := &stubVerifier{err: errors.New("bad signature")}
	a := NewAuthenticator(v, testSecret)
	token, _ := IssueLegacyToken(testSecret, "legacy-user", "", time.Hour)

	id, err := a.Authenticate(token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.UserID != "legacy-user" {
		t.Errorf("expected legacy-user, got %s", id.UserID)
	}

	if _, err := NewAuthenticator(v, "").Authenticate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken without fallback, got %v", err)
	}
}

func TestAuthenticatorNotConfigured(t *testing.T) {
	if _, err := NewAuthenticator(nil, "").Authenticate("x"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

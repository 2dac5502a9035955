package auth

import (
	"errors"
	"strings"
)

var (
	ErrMissingToken    = errors.New("missing bearer token")
	ErrInvalidToken    = errors.New("invalid or expired token")
	ErrNotConfigured   = errors.New("authentication not configured")
	ErrMalformedHeader = errors.New("invalid authorization header format")
)

// Identity is the caller resolved from a bearer token.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Authenticator tries OIDC verification first and falls back to HMAC
// tokens when a secret is configured.
type Authenticator struct {
	verifier  TokenVerifier
	jwtSecret string
}

func NewAuthenticator(verifier TokenVerifier, jwtSecret string) *Authenticator {
	return &Authenticator{verifier: verifier, jwtSecret: jwtSecret}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", ErrMalformedHeader
	}
	return parts[1], nil
}

// Authenticate resolves the identity carried by tokenString.
func (a *Authenticator) Authenticate(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	if a.verifier == nil && a.jwtSecret == "" {
		return nil, ErrNotConfigured
	}

	if a.verifier != nil {
		claims, err := a.verifier.Validate(tokenString)
		if err == nil {
			return &Identity{UserID: claims.UserID, Email: claims.Email, Name: claims.Name}, nil
		}
		if a.jwtSecret == "" {
			return nil, ErrInvalidToken
		}
	}

	claims, err := ValidateLegacyToken(tokenString, a.jwtSecret)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &Identity{UserID: claims.UserID, Email: claims.Email}, nil
}

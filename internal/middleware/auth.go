package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/makeasinger/melodygen/internal/auth"
	"github.com/makeasinger/melodygen/pkg/response"
)

const (
	localUserID = "userId"
	localEmail  = "email"
	localName   = "name"
)

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	authenticator *auth.Authenticator
}

// NewAuthMiddleware accepts OIDC tokens through verifier and, when jwtSecret
// is set, HMAC tokens as a fallback. Either may be empty but not both.
func NewAuthMiddleware(verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{authenticator: auth.NewAuthenticator(verifier, jwtSecret)}
}

// Authenticate validates the bearer token. Browsers cannot set headers on a
// websocket handshake, so upgrade requests may pass ?token= instead.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, err := auth.BearerToken(c.Get(fiber.HeaderAuthorization))
		if errors.Is(err, auth.ErrMissingToken) && c.Get(fiber.HeaderUpgrade) != "" {
			tokenString, err = c.Query("token"), nil
		}
		if err != nil {
			return unauthorized(c, err)
		}

		id, err := m.authenticator.Authenticate(tokenString)
		if err != nil {
			return unauthorized(c, err)
		}

		setIdentity(c, id.UserID, id.Email, id.Name)
		return c.Next()
	}
}

func unauthorized(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return response.Unauthorized(c, "Missing authorization header")
	case errors.Is(err, auth.ErrMalformedHeader):
		return response.Unauthorized(c, "Invalid authorization header format")
	case errors.Is(err, auth.ErrNotConfigured):
		return response.Unauthorized(c, "Authentication not configured")
	default:
		return response.Unauthorized(c, "Invalid or expired token")
	}
}

func setIdentity(c *fiber.Ctx, userID, email, name string) {
	c.Locals(localUserID, userID)
	c.Locals(localEmail, email)
	c.Locals(localName, name)
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals(localUserID).(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals(localEmail).(string); ok {
		return email
	}
	return ""
}

// GetUserName extracts user name from context
func GetUserName(c *fiber.Ctx) string {
	if name, ok := c.Locals(localName).(string); ok {
		return name
	}
	return ""
}

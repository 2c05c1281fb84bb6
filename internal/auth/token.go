package auth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrNoJWKS       = errors.New("no JWKS URL provided")
	ErrNoSession    = errors.New("no session")

	// ErrSessionsNotConfigured is returned when no session verifier is configured.
	ErrSessionsNotConfigured = errors.New("session verification not configured")
	// ErrIssuerNotConfigured is returned when backend tokens cannot be minted.
	ErrIssuerNotConfigured = errors.New("backend token issuer not configured")
)

// StandardClaims represents the standard claims in a JWT token.
type StandardClaims struct {
	// Standard JWT claims
	Sub    string `json:"sub"`
	UserId string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Principal is an authenticated end user together with a backend access token minted for them.
// AccessToken must never be logged or placed on the queue.
type Principal struct {
	UserID      string
	AccessToken string
}

// SessionVerifier validates a browser session cookie and returns the user's internal ID.
type SessionVerifier interface {
	VerifySession(ctx context.Context, cookie string) (string, error)
}

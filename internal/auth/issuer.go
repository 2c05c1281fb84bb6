package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const accessTokenAudience = "workflow"

// AccessTokenIssuer mints and verifies the short-lived backend tokens that stand in for a
// browser session once a request leaves the HTTP handler.
type AccessTokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAccessTokenIssuer creates an issuer. An empty secret disables minting.
func NewAccessTokenIssuer(secret string, ttl time.Duration) *AccessTokenIssuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &AccessTokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// TTL is the lifetime of issued tokens.
func (i *AccessTokenIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue returns a signed HS256 token for userID.
func (i *AccessTokenIssuer) Issue(userID string) (string, error) {
	if len(i.secret) == 0 {
		return "", errors.New("backend token secret not configured")
	}
	if userID == "" {
		return "", errors.New("user id is required")
	}

	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Audience:  jwt.ClaimStrings{accessTokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		ID:        uuid.NewString(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// Verify checks an issued token and returns its subject.
func (i *AccessTokenIssuer) Verify(token string) (string, error) {
	if len(i.secret) == 0 {
		return "", errors.New("backend token secret not configured")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())

	var claims jwt.RegisteredClaims
	if _, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !claims.VerifyExpiresAt(i.now(), true) {
		return "", ErrExpiredToken
	}
	if !claims.VerifyAudience(accessTokenAudience, true) {
		return "", fmt.Errorf("%w: unexpected audience", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return claims.Subject, nil
}

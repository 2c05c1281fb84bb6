package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/lestrrat-go/jwx/jwk"
)

// minKeyRefreshInterval bounds how often an unknown kid may trigger a JWKS fetch.
const minKeyRefreshInterval = 30 * time.Second

var sessionSigningMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256", "EdDSA"}

// JWKSSessionVerifier validates session cookies that are JWTs signed by keys from a JWKS endpoint.
type JWKSSessionVerifier struct {
	mu          sync.RWMutex
	keySet      jwk.Set
	jwksURL     string
	lastRefresh time.Time
	now         func() time.Time
}

// NewJWKSSessionVerifier fetches the key set from jwksURL.
func NewJWKSSessionVerifier(ctx context.Context, jwksURL string) (*JWKSSessionVerifier, error) {
	if jwksURL == "" {
		return nil, ErrNoJWKS
	}

	keySet, err := jwk.Fetch(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSSessionVerifier{
		keySet:      keySet,
		jwksURL:     jwksURL,
		lastRefresh: time.Now(),
		now:         time.Now,
	}, nil
}

// NewJWKSSessionVerifierWithSet uses a fixed key set and never refreshes it.
func NewJWKSSessionVerifierWithSet(keySet jwk.Set) *JWKSSessionVerifier {
	return &JWKSSessionVerifier{keySet: keySet, now: time.Now}
}

// RefreshKeys refetches the JWKS unless it was fetched less than minKeyRefreshInterval ago.
func (v *JWKSSessionVerifier) RefreshKeys(ctx context.Context) error {
	if v.jwksURL == "" {
		return ErrNoJWKS
	}

	v.mu.Lock()
	if v.now().Sub(v.lastRefresh) < minKeyRefreshInterval {
		v.mu.Unlock()
		return nil
	}
	v.lastRefresh = v.now()
	v.mu.Unlock()

	keySet, err := jwk.Fetch(ctx, v.jwksURL)
	if err != nil {
		return fmt.Errorf("failed to refresh JWKS from %s: %w", v.jwksURL, err)
	}

	v.mu.Lock()
	v.keySet = keySet
	v.mu.Unlock()
	return nil
}

func (v *JWKSSessionVerifier) lookup(kid string) (jwk.Key, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.keySet == nil {
		return nil, false
	}
	return v.keySet.LookupKeyID(kid)
}

// keyFor resolves the verification key named by the token's kid header, refreshing the set once.
func (v *JWKSSessionVerifier) keyFor(ctx context.Context, token *jwt.Token) (interface{}, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("token header missing kid")
	}

	key, found := v.lookup(kid)
	if !found {
		if err := v.RefreshKeys(ctx); err != nil {
			return nil, fmt.Errorf("key %s not found: %w", kid, err)
		}
		if key, found = v.lookup(kid); !found {
			return nil, fmt.Errorf("key %s not found", kid)
		}
	}

	var raw interface{}
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("failed to get raw key: %w", err)
	}
	return raw, nil
}

// VerifySession validates the cookie JWT and returns the user ID (sub, then user_id, then email).
func (v *JWKSSessionVerifier) VerifySession(ctx context.Context, cookie string) (string, error) {
	if cookie == "" {
		return "", ErrNoSession
	}

	parser := jwt.NewParser(jwt.WithValidMethods(sessionSigningMethods))

	var claims StandardClaims
	token, err := parser.ParseWithClaims(cookie, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.keyFor(ctx, t)
	})
	if err != nil {
		var validation *jwt.ValidationError
		if errors.As(err, &validation) && validation.Errors&jwt.ValidationErrorExpired != 0 {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	switch {
	case claims.Sub != "":
		return claims.Sub, nil
	case claims.UserId != "":
		return claims.UserId, nil
	case claims.Email != "":
		return claims.Email, nil
	}
	return "", fmt.Errorf("%w: no sub, user_id, or email found in token claims", ErrInvalidToken)
}

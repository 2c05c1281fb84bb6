package auth

import (
	"context"
	"errors"
	"fmt"
)

// TokenBridge turns a browser session into a backend access token and lets that token cross
// into queued execution as an opaque reference.
type TokenBridge struct {
	sessions SessionVerifier
	issuer   *AccessTokenIssuer
	store    TokenStore
}

// NewTokenBridge creates a bridge. sessions and store may be nil when the deployment lacks them.
func NewTokenBridge(sessions SessionVerifier, issuer *AccessTokenIssuer, store TokenStore) *TokenBridge {
	return &TokenBridge{sessions: sessions, issuer: issuer, store: store}
}

// ExchangeSession verifies the session cookie and mints an access token for its user.
func (b *TokenBridge) ExchangeSession(ctx context.Context, cookie string) (Principal, error) {
	if cookie == "" {
		return Principal{}, ErrNoSession
	}
	if b.sessions == nil {
		return Principal{}, ErrSessionsNotConfigured
	}

	userID, err := b.sessions.VerifySession(ctx, cookie)
	if err != nil {
		return Principal{}, err
	}

	token, err := b.issuer.Issue(userID)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrIssuerNotConfigured, err)
	}

	return Principal{UserID: userID, AccessToken: token}, nil
}

// StoreToken saves token and returns its reference. Any failure wraps ErrTokenStoreUnavailable.
func (b *TokenBridge) StoreToken(ctx context.Context, token string) (string, error) {
	if b.store == nil {
		return "", ErrTokenStoreUnavailable
	}

	ref, err := b.store.Store(ctx, token, b.issuer.TTL())
	if err != nil {
		if errors.Is(err, ErrTokenStoreUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrTokenStoreUnavailable, err)
	}
	return ref, nil
}

// ResolveToken returns the token behind ref, or ErrTokenNotFound.
func (b *TokenBridge) ResolveToken(ctx context.Context, ref string) (string, error) {
	if b.store == nil {
		return "", ErrTokenStoreUnavailable
	}
	return b.store.Resolve(ctx, ref)
}

// Authorize resolves ref and reports whether its token is valid for userID.
// A missing, expired or mismatched token yields false with a nil error; only store
// outages are returned as errors.
func (b *TokenBridge) Authorize(ctx context.Context, ref, userID string) (bool, error) {
	token, err := b.ResolveToken(ctx, ref)
	if errors.Is(err, ErrTokenNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	subject, err := b.issuer.Verify(token)
	if err != nil {
		return false, nil
	}

	return subject == userID, nil
}

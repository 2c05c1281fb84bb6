package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrTokenNotFound is returned when a reference expired or never existed.
	ErrTokenNotFound = errors.New("token reference not found")
	// ErrTokenStoreUnavailable is returned when the store is not configured or unreachable.
	ErrTokenStoreUnavailable = errors.New("token store unavailable")
)

// TokenStore keeps backend access tokens server side behind opaque references.
type TokenStore interface {
	Store(ctx context.Context, token string, ttl time.Duration) (string, error)
	Resolve(ctx context.Context, ref string) (string, error)
}

// RedisTokenStore stores tokens under authref:<ref> with a TTL.
type RedisTokenStore struct {
	client redis.UniversalClient
}

func NewRedisTokenStore(client redis.UniversalClient) *RedisTokenStore {
	return &RedisTokenStore{client: client}
}

func tokenKey(ref string) string {
	return "authref:" + ref
}

// newReference returns 32 random bytes encoded as unpadded base64url.
func newReference() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token reference: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *RedisTokenStore) Store(ctx context.Context, token string, ttl time.Duration) (string, error) {
	if s == nil || s.client == nil {
		return "", ErrTokenStoreUnavailable
	}

	ref, err := newReference()
	if err != nil {
		return "", err
	}

	ok, err := s.client.SetNX(ctx, tokenKey(ref), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenStoreUnavailable, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: reference collision", ErrTokenStoreUnavailable)
	}

	return ref, nil
}

func (s *RedisTokenStore) Resolve(ctx context.Context, ref string) (string, error) {
	if s == nil || s.client == nil {
		return "", ErrTokenStoreUnavailable
	}
	if ref == "" {
		return "", ErrTokenNotFound
	}

	token, err := s.client.Get(ctx, tokenKey(ref)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenStoreUnavailable, err)
	}
	return token, nil
}

package signature

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// HeaderName is the header carrying the queue's signature JWT.
const HeaderName = "Upstash-Signature"

const (
	issuer = "Upstash"
	leeway = time.Second
)

var (
	// ErrKeysNotConfigured is returned when either signing key is missing.
	ErrKeysNotConfigured = errors.New("workflow signing keys not configured")
	// ErrInvalidSignature is returned when no configured key verifies the signature.
	ErrInvalidSignature = errors.New("invalid workflow signature")
)

type callbackClaims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

// Verifier checks signed queue callbacks against a current and a next signing key so keys
// can be rotated without dropping in-flight deliveries.
type Verifier struct {
	current []byte
	next    []byte
	now     func() time.Time
}

// NewVerifier creates a verifier. Both keys are required for Verify to accept anything.
func NewVerifier(currentKey, nextKey string) *Verifier {
	return &Verifier{
		current: []byte(currentKey),
		next:    []byte(nextKey),
		now:     time.Now,
	}
}

// Configured reports whether both signing keys are present.
func (v *Verifier) Configured() bool {
	return v != nil && len(v.current) > 0 && len(v.next) > 0
}

// Verify checks token against body. When expectedURL is non-empty the subject claim must equal it.
func (v *Verifier) Verify(token string, body []byte, expectedURL string) error {
	if !v.Configured() {
		return ErrKeysNotConfigured
	}
	if token == "" {
		return ErrInvalidSignature
	}

	err := v.verifyWithKey(token, body, expectedURL, v.current)
	if err == nil {
		return nil
	}
	if nextErr := v.verifyWithKey(token, body, expectedURL, v.next); nextErr == nil {
		return nil
	}

	return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
}

func (v *Verifier) verifyWithKey(token string, body []byte, expectedURL string, key []byte) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	var claims callbackClaims
	if _, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	}); err != nil {
		return err
	}

	now := v.now()
	if !claims.VerifyIssuer(issuer, true) {
		return fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if !claims.VerifyExpiresAt(now.Add(-leeway), true) {
		return errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now.Add(leeway), false) {
		return errors.New("token not yet valid")
	}
	if expectedURL != "" && claims.Subject != expectedURL {
		return fmt.Errorf("unexpected subject %q", claims.Subject)
	}

	sum := sha256.Sum256(body)
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	if strings.TrimRight(claims.Body, "=") != want {
		return errors.New("body hash mismatch")
	}

	return nil
}

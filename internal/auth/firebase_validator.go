package auth

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
)

// FirebaseSessionVerifier validates Firebase session cookies.
type FirebaseSessionVerifier struct {
	authClient *auth.Client
}

func NewFirebaseSessionVerifier(ctx context.Context, app *firebase.App) (*FirebaseSessionVerifier, error) {
	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Firebase Auth client: %w", err)
	}

	return &FirebaseSessionVerifier{
		authClient: authClient,
	}, nil
}

// VerifySession checks the cookie signature and revocation status and returns the Firebase UID.
func (f *FirebaseSessionVerifier) VerifySession(ctx context.Context, cookie string) (string, error) {
	if cookie == "" {
		return "", ErrNoSession
	}

	token, err := f.authClient.VerifySessionCookieAndCheckRevoked(ctx, cookie)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if token.UID == "" {
		return "", fmt.Errorf("%w: no user ID found in Firebase session", ErrInvalidToken)
	}

	return token.UID, nil
}

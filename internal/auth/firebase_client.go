package auth

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// FirebaseClient wraps the Firebase app and its Firestore client.
type FirebaseClient struct {
	app             *firebase.App
	firestoreClient *firestore.Client
}

// NewFirebaseClient creates a new Firebase client with Firestore access.
// An empty credJSON falls back to application default credentials.
func NewFirebaseClient(ctx context.Context, projectID, credJSON string) (*FirebaseClient, error) {
	var opts []option.ClientOption
	if credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}

	// Create Firebase config with project ID
	config := &firebase.Config{
		ProjectID: projectID,
	}

	app, err := firebase.NewApp(ctx, config, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %v", err)
	}

	return &FirebaseClient{app: app}, nil
}

// App returns the underlying Firebase app.
func (f *FirebaseClient) App() *firebase.App {
	return f.app
}

// Firestore returns the Firestore client, creating it on first use.
func (f *FirebaseClient) Firestore(ctx context.Context) (*firestore.Client, error) {
	if f.firestoreClient != nil {
		return f.firestoreClient, nil
	}

	firestoreClient, err := f.app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Firestore client: %w", err)
	}
	f.firestoreClient = firestoreClient
	return firestoreClient, nil
}

// Close closes the Firestore client
func (f *FirebaseClient) Close() error {
	if f.firestoreClient != nil {
		return f.firestoreClient.Close()
	}
	return nil
}

// Package storage defines the document store operations the workflow jobs depend on.
// Backends live in the pg and firestore subpackages.
package storage

import (
	"context"
	"errors"
	"time"
)

// Title sources recorded next to a chat title.
const (
	TitleSourceUser      = "user"
	TitleSourceGenerated = "generated"
)

// ErrNotFound is returned by lookups that address a record which does not exist.
var ErrNotFound = errors.New("storage: not found")

// BatchResult is the outcome of one DeleteStaleBatch call.
type BatchResult struct {
	Deleted    int       `json:"deleted"`
	DryRun     bool      `json:"dryRun"`
	CutoffDate time.Time `json:"cutoffDate"`
}

// Store is the storage collaborator used by the cleanup and title jobs.
type Store interface {
	// DeleteStaleBatch deletes up to batchSize chats (and their messages) last updated before
	// now minus retentionDays. With dryRun set it only reports how many would be deleted.
	DeleteStaleBatch(ctx context.Context, retentionDays, batchSize int, dryRun bool) (BatchResult, error)

	// GetFirstUserMessage returns the earliest user message of a chat, or "" when there is none.
	GetFirstUserMessage(ctx context.Context, chatID, userID string) (string, error)

	// GetOrDecryptAPIKey returns the user's decrypted personal API key, or "" when none is stored.
	GetOrDecryptAPIKey(ctx context.Context, userID string) (string, error)

	// HasAPIKey reports whether the user has stored a personal API key.
	HasAPIKey(ctx context.Context, userID string) (bool, error)

	// SetTitle writes a generated title and reports whether it was written. Without force, a
	// title the user set explicitly is kept. Chats that are missing or owned by another user
	// are never written.
	SetTitle(ctx context.Context, chatID, userID, title string, force bool) (written bool, err error)

	// SetAPIKey encrypts and stores a personal API key for the user.
	SetAPIKey(ctx context.Context, userID, apiKey string) error

	Close() error
}

// KeySealer encrypts personal API keys for storage. Implemented by encryption.KeyCipher.
type KeySealer interface {
	Encrypt(userID, apiKey string) (string, error)
	Decrypt(userID, sealed string) (string, error)
}

// CutoffDate returns the instant before which records are considered stale.
// It is truncated to the start of the UTC day so every batch of one run sees the same cutoff.
func CutoffDate(now time.Time, retentionDays int) time.Time {
	return now.UTC().Truncate(24*time.Hour).AddDate(0, 0, -retentionDays)
}

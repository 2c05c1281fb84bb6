package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eternisai/enchanted-workflows/internal/storage"
	pgdb "github.com/eternisai/enchanted-workflows/internal/storage/pg/sqlc"
)

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db      *sql.DB
	queries pgdb.Querier
	keys    storage.KeySealer
	now     func() time.Time
}

// NewStore creates a Store. keys may be nil, in which case API key operations fail.
func NewStore(db *sql.DB, keys storage.KeySealer) *Store {
	return &Store{db: db, queries: pgdb.New(db), keys: keys, now: time.Now}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) DeleteStaleBatch(ctx context.Context, retentionDays, batchSize int, dryRun bool) (storage.BatchResult, error) {
	cutoff := storage.CutoffDate(s.now(), retentionDays)
	result := storage.BatchResult{DryRun: dryRun, CutoffDate: cutoff}

	if dryRun {
		count, err := s.queries.CountStaleChats(ctx, pgdb.CountStaleChatsParams{Cutoff: cutoff, BatchSize: int32(batchSize)})
		if err != nil {
			return result, fmt.Errorf("failed to count stale chats: %w", err)
		}
		result.Deleted = int(count)
		return result, nil
	}

	affected, err := s.queries.DeleteStaleChats(ctx, pgdb.DeleteStaleChatsParams{Cutoff: cutoff, BatchSize: int32(batchSize)})
	if err != nil {
		return result, fmt.Errorf("failed to delete stale chats: %w", err)
	}
	result.Deleted = int(affected)

	return result, nil
}

func (s *Store) GetFirstUserMessage(ctx context.Context, chatID, userID string) (string, error) {
	content, err := s.queries.GetFirstUserMessage(ctx, pgdb.GetFirstUserMessageParams{ChatID: chatID, UserID: userID})
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get first user message: %w", err)
	}
	return content, nil
}

func (s *Store) GetOrDecryptAPIKey(ctx context.Context, userID string) (string, error) {
	sealed, err := s.queries.GetEncryptedAPIKey(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get api key: %w", err)
	}

	if s.keys == nil {
		return "", errors.New("api key decryption not configured")
	}
	key, err := s.keys.Decrypt(userID, sealed)
	if err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) HasAPIKey(ctx context.Context, userID string) (bool, error) {
	exists, err := s.queries.HasAPIKey(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to check api key: %w", err)
	}
	return exists, nil
}

// SetTitle reports written=false when no row matched the chat, its owner and the no-clobber rule.
func (s *Store) SetTitle(ctx context.Context, chatID, userID, title string, force bool) (bool, error) {
	affected, err := s.queries.UpdateChatTitle(ctx, pgdb.UpdateChatTitleParams{
		Title:  title,
		ID:     chatID,
		UserID: userID,
		Force:  force,
	})
	if err != nil {
		return false, fmt.Errorf("failed to set chat title: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) SetAPIKey(ctx context.Context, userID, apiKey string) error {
	if s.keys == nil {
		return errors.New("api key encryption not configured")
	}
	sealed, err := s.keys.Encrypt(userID, apiKey)
	if err != nil {
		return err
	}
	if err := s.queries.UpsertEncryptedAPIKey(ctx, pgdb.UpsertEncryptedAPIKeyParams{UserID: userID, EncryptedKey: sealed}); err != nil {
		return fmt.Errorf("failed to store api key: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

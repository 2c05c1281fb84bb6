package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/eternisai/enchanted-workflows/internal/storage"
)

// Collection names.
const (
	ChatsCollection    = "chats"
	MessagesCollection = "messages"
	APIKeysCollection  = "apiKeys"
)

// Chat is the document stored at /chats/{chatId}.
type Chat struct {
	UserID         string    `firestore:"userId"`
	Title          string    `firestore:"title"`
	TitleSource    string    `firestore:"titleSource"`
	TitleUpdatedAt time.Time `firestore:"titleUpdatedAt,omitempty"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

// Message is the document stored at /chats/{chatId}/messages/{messageId}.
type Message struct {
	UserID    string    `firestore:"userId"`
	Role      string    `firestore:"role"`
	Content   string    `firestore:"content"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// APIKey is the document stored at /apiKeys/{userId}.
type APIKey struct {
	EncryptedKey string    `firestore:"encryptedKey"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// Store implements storage.Store on Firestore.
type Store struct {
	client *firestore.Client
	keys   storage.KeySealer
	now    func() time.Time
}

// NewStore creates a Firestore backed store. keys may be nil, in which case API key operations fail.
func NewStore(client *firestore.Client, keys storage.KeySealer) *Store {
	if client == nil {
		return nil
	}
	return &Store{client: client, keys: keys, now: time.Now}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) ready() error {
	if s == nil || s.client == nil {
		return status.Error(codes.Internal, "firestore client is nil")
	}
	return nil
}

// DeleteStaleBatch deletes stale chats together with their messages subcollection.
func (s *Store) DeleteStaleBatch(ctx context.Context, retentionDays, batchSize int, dryRun bool) (storage.BatchResult, error) {
	cutoff := storage.CutoffDate(s.now(), retentionDays)
	result := storage.BatchResult{DryRun: dryRun, CutoffDate: cutoff}
	if err := s.ready(); err != nil {
		return result, err
	}

	query := s.client.Collection(ChatsCollection).
		Where("updatedAt", "<", cutoff).
		OrderBy("updatedAt", firestore.Asc).
		Limit(batchSize)

	snapshot, err := query.Documents(ctx).GetAll()
	if err != nil {
		return result, status.Errorf(codes.Internal, "failed to query stale chats: %v", err)
	}

	if dryRun || len(snapshot) == 0 {
		result.Deleted = len(snapshot)
		return result, nil
	}

	bw := s.client.BulkWriter(ctx)
	var messageJobs []*firestore.BulkWriterJob
	chatJobs := make([]*firestore.BulkWriterJob, 0, len(snapshot))

	for _, doc := range snapshot {
		iter := doc.Ref.Collection(MessagesCollection).Documents(ctx)
		for {
			msg, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				iter.Stop()
				bw.End()
				return result, status.Errorf(codes.Internal, "failed to list messages of chat %s: %v", doc.Ref.ID, err)
			}
			job, err := bw.Delete(msg.Ref)
			if err != nil {
				iter.Stop()
				bw.End()
				return result, status.Errorf(codes.Internal, "failed to enqueue message delete: %v", err)
			}
			messageJobs = append(messageJobs, job)
		}
		iter.Stop()

		job, err := bw.Delete(doc.Ref)
		if err != nil {
			bw.End()
			return result, status.Errorf(codes.Internal, "failed to enqueue chat delete: %v", err)
		}
		chatJobs = append(chatJobs, job)
	}

	bw.End()

	for _, job := range messageJobs {
		if _, err := job.Results(); err != nil {
			return result, status.Errorf(codes.Internal, "failed to delete message: %v", err)
		}
	}
	for _, job := range chatJobs {
		if _, err := job.Results(); err != nil {
			return result, status.Errorf(codes.Internal, "failed to delete chat: %v", err)
		}
		result.Deleted++
	}

	return result, nil
}

// GetFirstUserMessage returns the earliest user message of a chat owned by userID.
func (s *Store) GetFirstUserMessage(ctx context.Context, chatID, userID string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	if chatID == "" || userID == "" {
		return "", status.Error(codes.InvalidArgument, "chatID and userID must be non-empty")
	}

	chatRef := s.client.Collection(ChatsCollection).Doc(chatID)
	chatDoc, err := chatRef.Get(ctx)
	if status.Code(err) == codes.NotFound {
		return "", nil
	}
	if err != nil {
		return "", status.Errorf(codes.Internal, "failed to get chat %s: %v", chatID, err)
	}

	var chat Chat
	if err := chatDoc.DataTo(&chat); err != nil {
		return "", status.Errorf(codes.Internal, "failed to parse chat %s: %v", chatID, err)
	}
	if chat.UserID != userID {
		return "", nil
	}

	docs, err := chatRef.Collection(MessagesCollection).
		Where("role", "==", "user").
		OrderBy("createdAt", firestore.Asc).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return "", status.Errorf(codes.Internal, "failed to query messages of chat %s: %v", chatID, err)
	}
	if len(docs) == 0 {
		return "", nil
	}

	var msg Message
	if err := docs[0].DataTo(&msg); err != nil {
		return "", status.Errorf(codes.Internal, "failed to parse message: %v", err)
	}
	return msg.Content, nil
}

func (s *Store) getAPIKey(ctx context.Context, userID string) (*APIKey, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "userID must be non-empty")
	}

	doc, err := s.client.Collection(APIKeysCollection).Doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to get api key for user %s: %v", userID, err)
	}

	var key APIKey
	if err := doc.DataTo(&key); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to parse api key for user %s: %v", userID, err)
	}
	return &key, nil
}

func (s *Store) GetOrDecryptAPIKey(ctx context.Context, userID string) (string, error) {
	key, err := s.getAPIKey(ctx, userID)
	if err != nil || key == nil || key.EncryptedKey == "" {
		return "", err
	}
	if s.keys == nil {
		return "", errors.New("api key decryption not configured")
	}
	return s.keys.Decrypt(userID, key.EncryptedKey)
}

func (s *Store) HasAPIKey(ctx context.Context, userID string) (bool, error) {
	key, err := s.getAPIKey(ctx, userID)
	if err != nil {
		return false, err
	}
	return key != nil && key.EncryptedKey != "", nil
}

// SetTitle updates the chat title inside a transaction so the user-set check and the write are atomic.
func (s *Store) SetTitle(ctx context.Context, chatID, userID, title string, force bool) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if chatID == "" || userID == "" {
		return false, status.Error(codes.InvalidArgument, "chatID and userID must be non-empty")
	}

	ref := s.client.Collection(ChatsCollection).Doc(chatID)
	var written bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// The function may run more than once.
		written = false

		doc, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}

		var chat Chat
		if err := doc.DataTo(&chat); err != nil {
			return err
		}
		if chat.UserID != userID {
			return nil
		}
		if !force && chat.TitleSource == storage.TitleSourceUser {
			return nil
		}

		if err := tx.Update(ref, []firestore.Update{
			{Path: "title", Value: title},
			{Path: "titleSource", Value: storage.TitleSourceGenerated},
			{Path: "titleUpdatedAt", Value: firestore.ServerTimestamp},
		}); err != nil {
			return err
		}
		written = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to set title for chat %s: %w", chatID, err)
	}
	return written, nil
}

func (s *Store) SetAPIKey(ctx context.Context, userID, apiKey string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if s.keys == nil {
		return errors.New("api key encryption not configured")
	}

	sealed, err := s.keys.Encrypt(userID, apiKey)
	if err != nil {
		return err
	}

	_, err = s.client.Collection(APIKeysCollection).Doc(userID).Set(ctx, APIKey{
		EncryptedKey: sealed,
		UpdatedAt:    s.now(),
	})
	if err != nil {
		return status.Errorf(codes.Internal, "failed to store api key for user %s: %v", userID, err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

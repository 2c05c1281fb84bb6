package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
)

// newEmulatorStore connects to the Firestore emulator. Tests are skipped when it is not running.
func newEmulatorStore(t *testing.T) (*Store, *firestore.Client) {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// A fresh project per test keeps data isolated.
	client, err := firestore.NewClient(context.Background(), "test-"+uuid.NewString()[:8])
	if err != nil {
		t.Fatalf("firestore.NewClient() error = %v", err)
	}

	store := NewStore(client, nil)
	t.Cleanup(func() { _ = store.Close() })
	return store, client
}

func TestStore_DeleteStaleBatch(t *testing.T) {
	store, client := newEmulatorStore(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -200)
	for i := 0; i < 4; i++ {
		ref := client.Collection(ChatsCollection).Doc(fmt.Sprintf("old-%d", i))
		if _, err := ref.Set(ctx, Chat{UserID: "user-1", UpdatedAt: old}); err != nil {
			t.Fatal(err)
		}
		if _, err := ref.Collection(MessagesCollection).Doc("m").Set(ctx, Message{UserID: "user-1", Role: "user", Content: "hi", CreatedAt: old}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := client.Collection(ChatsCollection).Doc("fresh").Set(ctx, Chat{UserID: "user-1", UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	preview, err := store.DeleteStaleBatch(ctx, 90, 3, true)
	if err != nil || preview.Deleted != 3 {
		t.Fatalf("preview = %+v, %v", preview, err)
	}

	first, err := store.DeleteStaleBatch(ctx, 90, 3, false)
	if err != nil || first.Deleted != 3 {
		t.Fatalf("first delete = %+v, %v", first, err)
	}
	second, err := store.DeleteStaleBatch(ctx, 90, 3, false)
	if err != nil || second.Deleted != 1 {
		t.Fatalf("second delete = %+v, %v", second, err)
	}

	empty, err := store.DeleteStaleBatch(ctx, 90, 3, true)
	if err != nil || empty.Deleted != 0 {
		t.Fatalf("final preview = %+v, %v", empty, err)
	}
}

func TestStore_SetTitle_NoClobber(t *testing.T) {
	store, client := newEmulatorStore(t)
	ctx := context.Background()

	ref := client.Collection(ChatsCollection).Doc("chat-1")
	if _, err := ref.Set(ctx, Chat{UserID: "user-1", Title: "Mine", TitleSource: "user", UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	written, err := store.SetTitle(ctx, "chat-1", "user-1", "Generated", false)
	if err != nil || written {
		t.Fatalf("SetTitle(auto) = %v, %v; want false, nil", written, err)
	}
	if got := readTitle(t, ref); got != "Mine" {
		t.Errorf("auto overwrote user title: %q", got)
	}

	if written, _ := store.SetTitle(ctx, "chat-1", "user-2", "Generated", true); written {
		t.Error("SetTitle wrote another user's chat")
	}
	if written, _ := store.SetTitle(ctx, "missing", "user-1", "Generated", true); written {
		t.Error("SetTitle reported a write for a missing chat")
	}

	written, err = store.SetTitle(ctx, "chat-1", "user-1", "Generated", true)
	if err != nil || !written {
		t.Fatalf("SetTitle(manual) = %v, %v; want true, nil", written, err)
	}
	if got := readTitle(t, ref); got != "Generated" {
		t.Errorf("manual did not overwrite: %q", got)
	}
}

func readTitle(t *testing.T, ref *firestore.DocumentRef) string {
	t.Helper()
	doc, err := ref.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var chat Chat
	if err := doc.DataTo(&chat); err != nil {
		t.Fatal(err)
	}
	return chat.Title
}

func TestNewStore_NilClient(t *testing.T) {
	if NewStore(nil, nil) != nil {
		t.Error("NewStore(nil) should return nil")
	}

	var s *Store
	if _, err := s.HasAPIKey(context.Background(), "user-1"); err == nil {
		t.Error("expected error from nil store")
	}
}

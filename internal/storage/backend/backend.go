// Package backend opens the storage backend selected by STORAGE_BACKEND.
package backend

import (
	"context"
	"errors"
	"log/slog"

	"github.com/eternisai/enchanted-workflows/internal/auth"
	"github.com/eternisai/enchanted-workflows/internal/config"
	"github.com/eternisai/enchanted-workflows/internal/logger"
	"github.com/eternisai/enchanted-workflows/internal/storage"
	"github.com/eternisai/enchanted-workflows/internal/storage/firestore"
	"github.com/eternisai/enchanted-workflows/internal/storage/pg"
)

// ErrFirebaseRequired is returned when firestore storage is selected without a Firebase client.
var ErrFirebaseRequired = errors.New("firestore storage requires FIREBASE_PROJECT_ID")

// PoolOptions returns the Postgres pool settings from cfg.
func PoolOptions(cfg *config.Config) pg.Options {
	return pg.Options{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}
}

// NewFirebaseClient creates the Firebase client shared by firestore storage and session verification.
func NewFirebaseClient(ctx context.Context, cfg *config.Config, log *logger.Logger) (*auth.FirebaseClient, error) {
	if cfg.FirebaseProjectID == "" {
		return nil, ErrFirebaseRequired
	}

	log.Info("creating firebase client", slog.String("project_id", cfg.FirebaseProjectID))
	return auth.NewFirebaseClient(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredJSON)
}

// Open returns the configured store. Postgres migrations run before it is returned.
// fb is only used, and then required, for firestore storage.
func Open(ctx context.Context, cfg *config.Config, fb *auth.FirebaseClient, keys storage.KeySealer, log *logger.Logger) (storage.Store, error) {
	switch cfg.StorageBackend {
	case config.StorageFirestore:
		if fb == nil {
			return nil, ErrFirebaseRequired
		}
		client, err := fb.Firestore(ctx)
		if err != nil {
			return nil, err
		}
		log.Info("using firestore storage")
		return firestore.NewStore(client, keys), nil

	default:
		db, err := pg.InitDatabase(ctx, cfg.DatabaseURL, PoolOptions(cfg))
		if err != nil {
			return nil, err
		}
		log.Info("using postgres storage",
			slog.Int("max_open_conns", cfg.DBMaxOpenConns),
			slog.Int("max_idle_conns", cfg.DBMaxIdleConns))
		return pg.NewStore(db.DB, keys), nil
	}
}

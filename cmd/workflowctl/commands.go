package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/eternisai/enchanted-workflows/internal/auth"
	"github.com/eternisai/enchanted-workflows/internal/cleanup"
	"github.com/eternisai/enchanted-workflows/internal/config"
	"github.com/eternisai/enchanted-workflows/internal/encryption"
	"github.com/eternisai/enchanted-workflows/internal/logger"
	"github.com/eternisai/enchanted-workflows/internal/storage/backend"
	"github.com/eternisai/enchanted-workflows/internal/storage/pg"
	"github.com/eternisai/enchanted-workflows/internal/title_generation"
)

// output receives command results. Tests replace it.
var output io.Writer = os.Stdout

func cleanupAction(ctx context.Context, cmd *cli.Command) error {
	payload := cleanup.Payload{
		RetentionDays: int(cmd.Int("retention-days")),
		BatchSize:     int(cmd.Int("batch-size")),
	}

	client := newOperatorClient(cmd.String("server"), cmd.String("secret"))
	resp, err := client.post(ctx, cleanup.Path, payload)
	if resp != nil {
		printResponse(resp)
	}
	return err
}

func generateTitleAction(ctx context.Context, cmd *cli.Command) error {
	payload := title_generation.Payload{
		ChatID:   cmd.String("chat-id"),
		UserID:   cmd.String("user-id"),
		SeedText: cmd.String("seed"),
		Length:   config.TitleLength(cmd.String("length")),
		Provider: title_generation.Provider(cmd.String("provider")),
		Mode:     title_generation.ModeAuto,
	}
	if cmd.Bool("manual") {
		payload.Mode = title_generation.ModeManual
	}
	if err := payload.Validate(); err != nil {
		return err
	}

	client := newOperatorClient(cmd.String("server"), cmd.String("secret"))
	resp, err := client.post(ctx, title_generation.Path, payload)
	if resp != nil {
		printResponse(resp)
	}
	return err
}

func keysSetAction(ctx context.Context, cmd *cli.Command) error {
	userID := cmd.String("user-id")
	apiKey := cmd.String("key")
	if apiKey == "" {
		return errors.New("--key or PERSONAL_API_KEY is required")
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	keys, err := encryption.NewKeyCipher(cfg.APIKeyEncryptionKey)
	if err != nil {
		return err
	}
	if !keys.Configured() {
		return errors.New("API_KEY_ENCRYPTION_KEY is required to store personal api keys")
	}

	var fb *auth.FirebaseClient
	if cfg.StorageBackend == config.StorageFirestore {
		fb, err = backend.NewFirebaseClient(ctx, cfg, log)
		if err != nil {
			return err
		}
	}

	store, err := backend.Open(ctx, cfg, fb, keys, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetAPIKey(ctx, userID, apiKey); err != nil {
		return fmt.Errorf("failed to store api key: %w", err)
	}

	log.Info("personal api key stored", slog.String("user_id", userID))
	return nil
}

func migrateAction(ctx context.Context, cmd *cli.Command) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.StorageBackend != config.StoragePostgres {
		return fmt.Errorf("migrations only apply to postgres storage, got %q", cfg.StorageBackend)
	}

	db, err := pg.Open(ctx, cfg.DatabaseURL, backend.PoolOptions(cfg))
	if err != nil {
		return err
	}
	defer db.DB.Close()

	if cmd.Bool("status") {
		return pg.MigrationStatus(db.DB)
	}

	if err := pg.RunMigrations(db.DB); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("migrations applied")
	return nil
}

func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat)).WithComponent("workflowctl"), nil
}

// printResponse writes the response body indented, falling back to the raw bytes.
func printResponse(resp *response) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, resp.Body, "", "  "); err != nil {
		fmt.Fprintln(output, string(resp.Body))
		return
	}
	fmt.Fprintln(output, buf.String())
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/eternisai/enchanted-workflows/internal/auth"
	"github.com/eternisai/enchanted-workflows/internal/config"
	"github.com/eternisai/enchanted-workflows/internal/durable"
	"github.com/eternisai/enchanted-workflows/internal/events"
	"github.com/eternisai/enchanted-workflows/internal/logger"
	"github.com/eternisai/enchanted-workflows/internal/metrics"
	"github.com/eternisai/enchanted-workflows/internal/queue"
	"github.com/eternisai/enchanted-workflows/internal/temporal"
)

// newSessionVerifier returns nil when the selected validator lacks its settings, leaving end user
// requests to fail with a configuration error instead of blocking startup.
func newSessionVerifier(ctx context.Context, cfg *config.Config, fb *auth.FirebaseClient, log *logger.Logger) (auth.SessionVerifier, error) {
	switch cfg.ValidatorType {
	case "firebase":
		if fb == nil {
			log.Warn("FIREBASE_PROJECT_ID is not set, end user requests are disabled")
			return nil, nil
		}
		log.Info("creating firebase session verifier", slog.String("project_id", cfg.FirebaseProjectID))
		verifier, err := auth.NewFirebaseSessionVerifier(ctx, fb.App())
		if err != nil {
			return nil, err
		}
		return verifier, nil

	case "jwk":
		if cfg.JWTJWKSURL == "" {
			log.Warn("JWT_JWKS_URL is not set, end user requests are disabled")
			return nil, nil
		}
		verifier, err := auth.NewJWKSSessionVerifier(ctx, cfg.JWTJWKSURL)
		if err != nil {
			return nil, err
		}
		return verifier, nil

	default:
		return nil, fmt.Errorf("validator type must be either 'firebase' or 'jwk', got %q", cfg.ValidatorType)
	}
}

// newNatsConn connects when NATS_URL is set. Failures only disable title events.
func newNatsConn(cfg *config.Config, log *logger.Logger) *nats.Conn {
	if cfg.NatsURL == "" {
		return nil
	}
	nc, err := events.Connect(cfg.NatsURL, log)
	if err != nil {
		log.Warn("title events disabled", slog.String("error", err.Error()))
		return nil
	}
	return nc
}

func newEngine(cfg *config.Config, registry *durable.Registry, rdb redis.UniversalClient, log *logger.Logger, m metrics.Metrics) (*workflowEngine, error) {
	attempts := cfg.WorkflowStepRetries + 1

	switch cfg.WorkflowEngine {
	case config.EngineTemporal:
		client, err := temporal.NewClientFromConfig(cfg, log)
		if err != nil {
			return nil, err
		}
		w := temporal.NewWorker(client, cfg.TemporalTaskQueue, registry, temporal.StepConfig{
			Attempts: attempts,
			Backoff:  time.Second,
		})
		return &workflowEngine{
			enqueuer: temporal.NewEngine(client, cfg.TemporalTaskQueue, log),
			worker:   w,
			close: func() {
				w.Stop()
				client.Close()
			},
		}, nil

	default:
		if cfg.QStashToken == "" {
			log.Warn("QSTASH_TOKEN is not set, durable execution is disabled")
			return &workflowEngine{close: func() {}}, nil
		}
		var ledger durable.Ledger
		if rdb != nil {
			ledger = durable.NewRedisLedger(rdb, 0)
		}
		engine := durable.NewCallbackEngine(
			registry,
			queue.NewQStashClient(cfg.QStashURL, cfg.QStashToken, cfg.WorkflowStepRetries),
			ledger,
			log,
			m,
			durable.CallbackConfig{
				BaseURL:      cfg.PublicBaseURL,
				StepAttempts: attempts,
			},
		)
		return &workflowEngine{enqueuer: engine, callbacks: engine, close: func() {}}, nil
	}
}

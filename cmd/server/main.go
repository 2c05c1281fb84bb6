package main

import (
	"context"
	"errors"
	stdlog "log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.temporal.io/sdk/worker"

	"github.com/eternisai/enchanted-workflows/internal/auth"
	"github.com/eternisai/enchanted-workflows/internal/cleanup"
	"github.com/eternisai/enchanted-workflows/internal/config"
	"github.com/eternisai/enchanted-workflows/internal/dispatch"
	"github.com/eternisai/enchanted-workflows/internal/durable"
	"github.com/eternisai/enchanted-workflows/internal/encryption"
	"github.com/eternisai/enchanted-workflows/internal/events"
	"github.com/eternisai/enchanted-workflows/internal/logger"
	"github.com/eternisai/enchanted-workflows/internal/metrics"
	"github.com/eternisai/enchanted-workflows/internal/ratelimit"
	"github.com/eternisai/enchanted-workflows/internal/redisclient"
	"github.com/eternisai/enchanted-workflows/internal/signature"
	"github.com/eternisai/enchanted-workflows/internal/storage/backend"
	"github.com/eternisai/enchanted-workflows/internal/title_generation"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log := appLogger.WithComponent("main")

	log.Info("setting gin mode", slog.String("mode", cfg.GinMode))
	gin.SetMode(cfg.GinMode)

	ctx := context.Background()

	// Metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewProm("enchanted_workflows", registry)

	// Storage.
	keys, err := encryption.NewKeyCipher(cfg.APIKeyEncryptionKey)
	if err != nil {
		fatal(log, "failed to initialize api key cipher", err)
	}
	if !keys.Configured() {
		log.Warn("API_KEY_ENCRYPTION_KEY is not set, personal api keys cannot be used")
	}

	var firebaseClient *auth.FirebaseClient
	if cfg.StorageBackend == config.StorageFirestore || (cfg.ValidatorType == "firebase" && cfg.FirebaseProjectID != "") {
		firebaseClient, err = backend.NewFirebaseClient(ctx, cfg, log)
		if err != nil {
			fatal(log, "failed to initialize firebase", err)
		}
	}

	store, err := backend.Open(ctx, cfg, firebaseClient, keys, log)
	if err != nil {
		fatal(log, "failed to initialize storage", err)
	}

	// Redis backs the token store, the rate limiter and the callback step ledger.
	var redisClient redis.UniversalClient
	if cfg.RedisURL != "" {
		redisClient, err = redisclient.New(ctx, cfg.RedisURL)
		if err != nil {
			fatal(log, "failed to connect to redis", err)
		}
		log.Info("redis client initialized")
	} else {
		log.Warn("REDIS_URL is not set, rate limiting and durable end user requests are disabled")
	}

	// Auth.
	sessions, err := newSessionVerifier(ctx, cfg, firebaseClient, log)
	if err != nil {
		fatal(log, "failed to initialize session verifier", err)
	}

	var tokenStore auth.TokenStore
	var limiter ratelimit.Limiter
	if redisClient != nil {
		tokenStore = auth.NewRedisTokenStore(redisClient)
		limiter = ratelimit.NewSlidingWindowLimiter(redisClient, cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	bridge := auth.NewTokenBridge(sessions, auth.NewAccessTokenIssuer(cfg.BackendTokenSecret, cfg.BackendTokenTTL), tokenStore)

	// Title events.
	natsConn := newNatsConn(cfg, appLogger)
	publisher := events.NewNatsPublisher(natsConn, appLogger)

	// Jobs.
	generator := title_generation.NewGenerator(cfg.TitleGeneration, cfg.OpenRouterBaseURL, m)
	titles := title_generation.NewPipeline(store, generator, bridge, publisher, cfg.OpenRouterAPIKey, appLogger)
	cleanups := cleanup.NewEngine(store, appLogger, m, cleanup.Config{
		MaxBatches: cfg.CleanupMaxBatches,
		Backoff:    cfg.CleanupBatchBackoff,
	})
	workflows := durable.NewRegistry(cleanups.Workflow(), titles.Workflow())

	// Durable engine.
	engine, err := newEngine(cfg, workflows, redisClient, appLogger, m)
	if err != nil {
		fatal(log, "failed to initialize workflow engine", err)
	}
	if engine.worker != nil {
		if err := engine.worker.Start(); err != nil {
			fatal(log, "failed to start temporal worker", err)
		}
		log.Info("temporal worker started", slog.String("task_queue", cfg.TemporalTaskQueue))
	}

	dispatcher := dispatch.New(dispatch.Deps{
		Registry: workflows,
		Classifier: dispatch.NewClassifier(
			signature.NewVerifier(cfg.QStashCurrentSigningKey, cfg.QStashNextSigningKey),
			cfg.WorkflowOperatorSecret,
			cfg.PublicBaseURL,
			cfg.AppOrigins,
			cfg.SessionCookieName,
		),
		Callbacks: engine.callbacks,
		Enqueuer:  engine.enqueuer,
		Bridge:    bridge,
		Limiter:   limiter,
		Logger:    appLogger,
		Metrics:   m,
	}, dispatch.Options{
		ExecutionMode: cfg.ExecutionMode,
		PublicBaseURL: cfg.PublicBaseURL,
		TrustMode:     cfg.ClientIPTrustMode,
		CleanupAdmins: cfg.CleanupAdminUserIDs,
	})

	// Initialize Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.RequestLoggingMiddleware(appLogger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "engine": cfg.WorkflowEngine})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler(registry)))

	dispatcher.RegisterRoutes(router)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AppOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", signature.OperatorHeader},
		AllowCredentials: true,
		MaxAge:           600,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsHandler.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("workflow server listening",
			slog.String("port", cfg.Port),
			slog.String("engine", cfg.WorkflowEngine),
			slog.String("execution_mode", cfg.ExecutionMode),
			slog.String("storage", cfg.StorageBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(log, "failed to start server", err)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", slog.String("error", err.Error()))
	}

	engine.close()

	if natsConn != nil {
		if err := natsConn.Drain(); err != nil {
			log.Warn("failed to drain nats connection", slog.String("error", err.Error()))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}
	if err := store.Close(); err != nil {
		log.Warn("failed to close storage", slog.String("error", err.Error()))
	}

	log.Info("server exited")
}

// workflowEngine holds whichever durable substrate WORKFLOW_ENGINE selected.
type workflowEngine struct {
	enqueuer  durable.Enqueuer
	callbacks dispatch.CallbackHandler
	worker    worker.Worker
	close     func()
}

func fatal(log *logger.Logger, msg string, err error) {
	log.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}

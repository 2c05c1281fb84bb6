package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Workflow engines.
const (
	EngineCallback = "callback"
	EngineTemporal = "temporal"
)

// Execution modes.
const (
	ExecutionAuto   = "auto"
	ExecutionInline = "inline"
	ExecutionQueue  = "queue"
)

// Storage backends.
const (
	StoragePostgres  = "postgres"
	StorageFirestore = "firestore"
)

type Config struct {
	Port       string
	GinMode    string
	LogLevel   string
	LogFormat  string
	AppOrigins []string

	// Execution
	WorkflowEngine string // "callback" or "temporal"
	ExecutionMode  string // "auto", "inline" or "queue"
	PublicBaseURL  string

	// Queue (QStash-compatible)
	QStashURL               string
	QStashToken             string
	QStashCurrentSigningKey string
	QStashNextSigningKey    string
	WorkflowStepRetries     int

	// Temporal
	TemporalAPIKey    string
	TemporalEndpoint  string
	TemporalNamespace string
	TemporalTaskQueue string

	// Auth
	WorkflowOperatorSecret string
	BackendTokenSecret     string
	BackendTokenTTL        time.Duration
	SessionCookieName      string
	ValidatorType          string // "jwk" or "firebase"
	JWTJWKSURL             string
	FirebaseProjectID      string
	FirebaseCredJSON       string
	CleanupAdminUserIDs    []string

	// Rate limiting
	ClientIPTrustMode string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Redis
	RedisURL string

	// Storage
	StorageBackend    string
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime time.Duration
	DBConnMaxLifetime time.Duration

	// LLM
	OpenRouterAPIKey     string
	OpenRouterBaseURL    string
	APIKeyEncryptionKey  string
	TitleGenerationModel string

	// Cleanup
	CleanupMaxBatches   int
	CleanupBatchBackoff time.Duration

	// NATS
	NatsURL string

	// Title generation settings, loaded from the config file.
	TitleGeneration *TitleGenerationConfig `yaml:"title_generation"`
}

// Load reads configuration from the environment (and .env when present), then overlays
// settings from the optional YAML config file named by CONFIG_FILE.
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		Port:       getEnvOrDefault("PORT", "8080"),
		GinMode:    getEnvOrDefault("GIN_MODE", "release"),
		LogLevel:   getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:  getEnvOrDefault("LOG_FORMAT", "text"),
		AppOrigins: getEnvAsList("APP_ORIGINS", nil),

		WorkflowEngine: getEnvOrDefault("WORKFLOW_ENGINE", EngineCallback),
		ExecutionMode:  getEnvOrDefault("EXECUTION_MODE", ExecutionAuto),
		PublicBaseURL:  strings.TrimRight(getEnvOrDefault("PUBLIC_BASE_URL", ""), "/"),

		// QStash
		QStashURL:               strings.TrimRight(getEnvOrDefault("QSTASH_URL", "https://qstash.upstash.io"), "/"),
		QStashToken:             getEnvOrDefault("QSTASH_TOKEN", ""),
		QStashCurrentSigningKey: getEnvOrDefault("QSTASH_CURRENT_SIGNING_KEY", ""),
		QStashNextSigningKey:    getEnvOrDefault("QSTASH_NEXT_SIGNING_KEY", ""),
		WorkflowStepRetries:     getEnvAsInt("WORKFLOW_STEP_RETRIES", 3),

		// Temporal
		TemporalAPIKey:    getEnvOrDefault("TEMPORAL_API_KEY", ""),
		TemporalEndpoint:  getEnvOrDefault("TEMPORAL_ENDPOINT", "localhost:7233"),
		TemporalNamespace: getEnvOrDefault("TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue: getEnvOrDefault("TEMPORAL_TASK_QUEUE", "enchanted-workflows"),

		// Auth
		WorkflowOperatorSecret: getEnvOrDefault("WORKFLOW_OPERATOR_SECRET", ""),
		BackendTokenSecret:     getEnvOrDefault("BACKEND_TOKEN_SECRET", ""),
		BackendTokenTTL:        getEnvAsDuration("BACKEND_TOKEN_TTL", 15*time.Minute),
		SessionCookieName:      getEnvOrDefault("SESSION_COOKIE_NAME", "__session"),
		ValidatorType:          getEnvOrDefault("VALIDATOR_TYPE", "firebase"),
		JWTJWKSURL:             getEnvOrDefault("JWT_JWKS_URL", ""),
		FirebaseProjectID:      getEnvOrDefault("FIREBASE_PROJECT_ID", ""),
		FirebaseCredJSON:       getEnvOrDefault("FIREBASE_CRED_JSON", ""),
		CleanupAdminUserIDs:    getEnvAsList("CLEANUP_ADMIN_USER_IDS", nil),

		// Rate limiting
		ClientIPTrustMode: getEnvOrDefault("CLIENT_IP_TRUST_MODE", "unset"),
		RateLimitRequests: getEnvAsInt("RATE_LIMIT_REQUESTS", 10),
		RateLimitWindow:   getEnvAsDuration("RATE_LIMIT_WINDOW", 60*time.Second),

		// Redis
		RedisURL: getEnvOrDefault("REDIS_URL", ""),

		// Storage
		StorageBackend: getEnvOrDefault("STORAGE_BACKEND", StoragePostgres),
		DatabaseURL:    getEnvOrDefault("DATABASE_URL", "postgres://localhost/enchanted?sslmode=disable"),

		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		DBConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),

		// LLM
		OpenRouterAPIKey:     getEnvOrDefault("OPENROUTER_API_KEY", ""),
		OpenRouterBaseURL:    strings.TrimRight(getEnvOrDefault("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"), "/"),
		APIKeyEncryptionKey:  getEnvOrDefault("API_KEY_ENCRYPTION_KEY", ""),
		TitleGenerationModel: getEnvOrDefault("TITLE_GENERATION_MODEL", ""),

		// Cleanup
		CleanupMaxBatches:   getEnvAsInt("CLEANUP_MAX_BATCHES", 1000),
		CleanupBatchBackoff: getEnvAsDuration("CLEANUP_BATCH_BACKOFF", time.Second),

		// NATS
		NatsURL: getEnvOrDefault("NATS_URL", ""),
	}

	// The config file is optional: every setting it carries has a built-in default.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")
	configFile, err := os.Open(configFilePath)
	switch {
	case err == nil:
		log.Printf("Loading config file: %v", configFilePath)
		defer configFile.Close()
		if err := LoadConfigFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configFilePath, err)
		}
	case errors.Is(err, os.ErrNotExist):
		log.Printf("Config file %v not found, using defaults", configFilePath)
	default:
		return nil, fmt.Errorf("failed to open config file %s: %w", configFilePath, err)
	}

	if cfg.TitleGeneration == nil {
		cfg.TitleGeneration = DefaultTitleGenerationConfig()
	}
	if cfg.TitleGenerationModel != "" {
		cfg.TitleGeneration.Model = cfg.TitleGenerationModel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.warnMissing()

	return cfg, nil
}

// Validate checks values that cannot be defaulted sensibly.
func (c *Config) Validate() error {
	switch c.WorkflowEngine {
	case EngineCallback, EngineTemporal:
	default:
		return fmt.Errorf("unsupported WORKFLOW_ENGINE %q", c.WorkflowEngine)
	}

	switch c.ExecutionMode {
	case ExecutionAuto, ExecutionInline, ExecutionQueue:
	default:
		return fmt.Errorf("unsupported EXECUTION_MODE %q", c.ExecutionMode)
	}

	switch c.StorageBackend {
	case StoragePostgres, StorageFirestore:
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND %q", c.StorageBackend)
	}

	switch c.ClientIPTrustMode {
	case "unset", "cloudflare", "vercel", "generic-trust-forwarded":
	default:
		return fmt.Errorf("unsupported CLIENT_IP_TRUST_MODE %q", c.ClientIPTrustMode)
	}

	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive, got %d", c.RateLimitRequests)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %v", c.RateLimitWindow)
	}
	if c.CleanupMaxBatches <= 0 {
		return fmt.Errorf("CLEANUP_MAX_BATCHES must be positive, got %d", c.CleanupMaxBatches)
	}
	if c.CleanupBatchBackoff < 0 {
		return fmt.Errorf("CLEANUP_BATCH_BACKOFF must not be negative, got %v", c.CleanupBatchBackoff)
	}
	if err := validateURLString(c.PublicBaseURL); err != nil {
		return fmt.Errorf("invalid PUBLIC_BASE_URL: %w", err)
	}

	return nil
}

// Missing values here only disable a capability; requests that need it get a 500 naming it.
func (c *Config) warnMissing() {
	if c.WorkflowOperatorSecret == "" {
		log.Println("Warning: WORKFLOW_OPERATOR_SECRET is not set, operator requests will be rejected.")
	}

	if c.QStashCurrentSigningKey == "" || c.QStashNextSigningKey == "" {
		log.Println("Warning: QStash signing keys are incomplete, workflow callbacks will be rejected.")
	}

	if c.RedisURL == "" {
		log.Println("Warning: REDIS_URL is not set, rate limiting and queued end-user requests are unavailable.")
	}

	if c.OpenRouterAPIKey == "" {
		log.Println("Warning: OPENROUTER_API_KEY is not set, platform title generation is unavailable.")
	}

	if c.APIKeyEncryptionKey == "" {
		log.Println("Warning: API_KEY_ENCRYPTION_KEY is not set, personal API keys cannot be decrypted.")
	}

	if c.PublicBaseURL == "" {
		log.Println("Warning: PUBLIC_BASE_URL is not set, callback subject claims are not checked.")
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping empty entries.
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	return nil
}

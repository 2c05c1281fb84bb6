package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// instanceID identifies this process in logs shared by several replicas.
var instanceID = resolveInstanceID()

func resolveInstanceID() string {
	// Kubernetes sets HOSTNAME; INSTANCE_ID wins when an orchestrator provides one.
	for _, key := range []string{"INSTANCE_ID", "HOSTNAME", "POD_NAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// GetInstanceID returns the instance ID for this process.
func GetInstanceID() string {
	return instanceID
}

// Config holds the configuration of the logger.
type Config struct {
	Level  slog.Level
	Format string
	// Output defaults to os.Stdout.
	Output io.Writer
}

type contextKey string

const (
	ContextKeyRequestID     contextKey = "request_id"
	ContextKeyUserID        contextKey = "user_id"
	ContextKeyChatID        contextKey = "chat_id"
	ContextKeyOperation     contextKey = "operation"
	ContextKeyWorkflowRunID contextKey = "workflow_run_id"
)

// contextKeys are copied onto records by WithContext, in this order.
var contextKeys = []contextKey{
	ContextKeyRequestID,
	ContextKeyWorkflowRunID,
	ContextKeyOperation,
	ContextKeyUserID,
	ContextKeyChatID,
}

// Logger wraps slog.Logger.
type Logger struct {
	*slog.Logger
}

// New creates a logger writing JSON when config.Format is "json" and colored text otherwise.
func New(config Config) *Logger {
	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level:     config.Level,
			AddSource: true,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.String(a.Key, a.Value.Time().UTC().Format(time.RFC3339))
				}
				return a
			},
		})
	} else {
		handler = tint.NewHandler(out, &tint.Options{
			Level:      config.Level,
			AddSource:  true,
			TimeFormat: time.Kitchen,
		})
	}

	return &Logger{Logger: slog.New(handler).With(slog.String("instance_id", instanceID))}
}

// Discard returns a logger that drops every record. Handy in tests.
func Discard() *Logger {
	return New(Config{Level: slog.LevelError, Output: io.Discard})
}

// FromConfig builds a Config from LOG_LEVEL and LOG_FORMAT. Unknown levels fall back to debug;
// APP_ENV=production forces JSON.
func FromConfig(logLevel, logFormat string) Config {
	config := Config{Level: slog.LevelDebug, Format: "text"}

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(logLevel))); err == nil {
		config.Level = level
	}
	if logFormat != "" {
		config.Format = logFormat
	}
	if os.Getenv("APP_ENV") == "production" {
		config.Format = "json"
	}

	return config
}

// WithContext returns a logger carrying the request and workflow identifiers found in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	if len(attrs) == 0 {
		return l
	}
	return &Logger{Logger: l.With(attrs...)}
}

// WithComponent creates a new logger with a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.With(slog.String("component", component))}
}

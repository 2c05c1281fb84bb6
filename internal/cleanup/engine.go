// Package cleanup deletes chats past their retention period in bounded, resumable batches.
package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eternisai/enchanted-workflows/internal/durable"
	"github.com/eternisai/enchanted-workflows/internal/logger"
	"github.com/eternisai/enchanted-workflows/internal/metrics"
	"github.com/eternisai/enchanted-workflows/internal/storage"
)

// Path is the HTTP path that triggers and resumes cleanup runs.
const Path = "/workflow/cleanup"

const (
	DefaultMaxBatches = 1000
	DefaultBackoff    = time.Second

	ReasonMaxBatchesExceeded = "max_batches_exceeded"
	ReasonBatchFailed        = "batch_failed"
)

// Outcome is the result of a cleanup run. On failure Batches and TotalDeleted report the progress
// made before the run stopped.
type Outcome struct {
	Success      bool   `json:"success"`
	Batches      int    `json:"batches"`
	TotalDeleted int    `json:"totalDeleted"`
	Reason       string `json:"reason,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (o Outcome) Label() string {
	if o.Success {
		return "success"
	}
	return o.Reason
}

func (o Outcome) Fatal() bool {
	return !o.Success
}

// Config tunes the batch loop.
type Config struct {
	MaxBatches int
	Backoff    time.Duration
	// StepAttempts overrides the durable executor's per-step attempt budget when positive.
	StepAttempts int
}

// Engine runs the cleanup job body.
type Engine struct {
	store   storage.Store
	logger  *logger.Logger
	metrics metrics.Metrics
	cfg     Config
}

func NewEngine(store storage.Store, log *logger.Logger, m metrics.Metrics, cfg Config) *Engine {
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = DefaultMaxBatches
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Engine{
		store:   store,
		logger:  log.WithComponent("cleanup"),
		metrics: m,
		cfg:     cfg,
	}
}

// Workflow registers the cleanup job with a durable executor.
func (e *Engine) Workflow() durable.Workflow {
	return durable.Workflow{
		Kind:    durable.KindCleanup,
		Path:    Path,
		Handler: e.Handle,
	}
}

// Handle decodes payload and runs the job body.
func (e *Engine) Handle(ctx context.Context, steps durable.Steps, payload json.RawMessage) (durable.Outcome, error) {
	p, err := DecodePayload(payload)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, steps, p)
}

// Run deletes stale chats batch by batch. Each batch is previewed with a dry run first; the loop
// stops when a preview finds nothing, or fails once MaxBatches batches have been deleted.
func (e *Engine) Run(ctx context.Context, steps durable.Steps, p Payload) (Outcome, error) {
	if e.store == nil {
		return Outcome{}, errors.New("storage not configured")
	}

	opts := durable.StepOptions{MaxAttempts: e.cfg.StepAttempts}
	var out Outcome

	for n := 1; ; n++ {
		preview, err := durable.Run(ctx, steps, fmt.Sprintf("preview-batch-%d", n), opts, func(ctx context.Context) (storage.BatchResult, error) {
			return e.store.DeleteStaleBatch(ctx, p.RetentionDays, p.BatchSize, true)
		})
		if err != nil {
			return e.failed(ctx, out, n, err)
		}
		if preview.Deleted <= 0 {
			out.Success = true
			return out, nil
		}

		deleted, err := durable.Run(ctx, steps, fmt.Sprintf("delete-batch-%d", n), opts, func(ctx context.Context) (storage.BatchResult, error) {
			res, err := e.store.DeleteStaleBatch(ctx, p.RetentionDays, p.BatchSize, false)
			if err != nil {
				return res, err
			}
			e.metrics.AddRecordsDeleted(res.Deleted)
			e.logger.WithContext(ctx).Info("deleted stale batch",
				slog.Int("batch", n),
				slog.Int("deleted", res.Deleted),
				slog.Time("cutoff", res.CutoffDate))
			return res, nil
		})
		if err != nil {
			return e.failed(ctx, out, n, err)
		}

		out.TotalDeleted += deleted.Deleted
		out.Batches = n

		if out.Batches >= e.cfg.MaxBatches {
			out.Reason = ReasonMaxBatchesExceeded
			out.Error = fmt.Sprintf("exceeded maximum of %d batches", e.cfg.MaxBatches)
			return out, nil
		}

		if err := steps.Sleep(ctx, fmt.Sprintf("backoff-%d", n), e.cfg.Backoff); err != nil {
			if durable.IsSuspended(err) {
				return Outcome{}, err
			}
			return e.failed(ctx, out, n, err)
		}
	}
}

func (e *Engine) failed(ctx context.Context, out Outcome, batch int, err error) (Outcome, error) {
	if durable.IsSuspended(err) {
		return Outcome{}, err
	}

	e.logger.WithContext(ctx).Error("cleanup batch failed",
		slog.Int("batch", batch),
		slog.Int("total_deleted", out.TotalDeleted),
		slog.String("error", err.Error()))

	out.Success = false
	out.Reason = ReasonBatchFailed
	out.Error = err.Error()
	return out, nil
}

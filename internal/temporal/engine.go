package temporal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"

	"github.com/eternisai/enchanted-workflows/internal/durable"
	"github.com/eternisai/enchanted-workflows/internal/logger"
)

// Engine starts durable runs as Temporal workflow executions named after the job kind.
type Engine struct {
	client    client.Client
	taskQueue string
	logger    *logger.Logger
}

func NewEngine(c client.Client, taskQueue string, log *logger.Logger) *Engine {
	return &Engine{
		client:    c,
		taskQueue: taskQueue,
		logger:    log.WithComponent("temporal-engine"),
	}
}

var _ durable.Enqueuer = (*Engine)(nil)

// Enqueue starts a workflow execution whose ID is the run identifier.
func (e *Engine) Enqueue(ctx context.Context, kind durable.Kind, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	opts := client.StartWorkflowOptions{
		ID:        "wfr_" + uuid.NewString(),
		TaskQueue: e.taskQueue,
	}

	run, err := e.client.ExecuteWorkflow(ctx, opts, string(kind), json.RawMessage(raw))
	if err != nil {
		return "", fmt.Errorf("failed to start %s workflow: %w", kind, err)
	}

	e.logger.WithContext(logger.WithWorkflowRunID(ctx, run.GetID())).Info("workflow started",
		slog.String("kind", string(kind)),
		slog.String("temporal_run_id", run.GetRunID()))

	return run.GetID(), nil
}

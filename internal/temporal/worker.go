package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/eternisai/enchanted-workflows/internal/durable"
	"github.com/eternisai/enchanted-workflows/internal/logger"
)

const (
	defaultStepTimeout = time.Minute
	errTypeInvalid     = "InvalidPayload"
	errTypePermanent   = "PermanentStepError"
)

// StepConfig sets the retry policy of steps that do not choose their own.
type StepConfig struct {
	Attempts int
	Backoff  time.Duration
}

// NewWorker creates a worker on taskQueue with every workflow in registry registered.
// The caller starts and stops it.
func NewWorker(c client.Client, taskQueue string, registry *durable.Registry, cfg StepConfig) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	Register(w, registry, cfg)
	return w
}

// Register adds a Temporal workflow per job kind to r.
func Register(r worker.WorkflowRegistry, registry *durable.Registry, cfg StepConfig) {
	for _, wf := range registry.All() {
		r.RegisterWorkflowWithOptions(WorkflowFunc(wf, cfg), workflow.RegisterOptions{Name: string(wf.Kind)})
	}
}

// WorkflowFunc adapts a job body to a Temporal workflow. Steps run as local activities and sleeps
// as durable timers; the outcome is returned as JSON.
func WorkflowFunc(wf durable.Workflow, cfg StepConfig) func(workflow.Context, json.RawMessage) (json.RawMessage, error) {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}

	return func(wctx workflow.Context, payload json.RawMessage) (json.RawMessage, error) {
		runID := workflow.GetInfo(wctx).WorkflowExecution.ID
		ctx := logger.WithWorkflowRunID(context.Background(), runID)

		outcome, err := wf.Handler(ctx, &workflowSteps{wctx: wctx, cfg: cfg}, payload)
		if errors.Is(err, durable.ErrInvalidPayload) {
			return nil, sdktemporal.NewNonRetryableApplicationError(err.Error(), errTypeInvalid, err)
		}
		if err != nil {
			return nil, err
		}

		out, err := json.Marshal(outcome)
		if err != nil {
			return nil, fmt.Errorf("failed to encode outcome: %w", err)
		}
		return out, nil
	}
}

type workflowSteps struct {
	wctx workflow.Context
	cfg  StepConfig
}

var _ durable.Steps = (*workflowSteps)(nil)

func (s *workflowSteps) Do(ctx context.Context, name string, opts durable.StepOptions, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = s.cfg.Attempts
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}

	lctx := workflow.WithLocalActivityOptions(s.wctx, workflow.LocalActivityOptions{
		StartToCloseTimeout:    timeout,
		ScheduleToCloseTimeout: time.Duration(attempts)*(timeout+s.cfg.Backoff) + time.Minute,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval:        s.cfg.Backoff,
			BackoffCoefficient:     2,
			MaximumAttempts:        int32(attempts),
			NonRetryableErrorTypes: []string{errTypePermanent},
		},
	})

	activity := func(actx context.Context) ([]byte, error) {
		out, err := fn(actx)
		if durable.IsPermanent(err) {
			return nil, sdktemporal.NewNonRetryableApplicationError(err.Error(), errTypePermanent, err)
		}
		return out, err
	}

	var out []byte
	if err := workflow.ExecuteLocalActivity(lctx, activity).Get(lctx, &out); err != nil {
		return nil, fmt.Errorf("step %s failed: %w", name, err)
	}
	return out, nil
}

func (s *workflowSteps) Sleep(ctx context.Context, name string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return workflow.Sleep(s.wctx, d)
}

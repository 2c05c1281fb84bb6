package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/eternisai/enchanted-workflows/internal/logger"
	"github.com/eternisai/enchanted-workflows/internal/metrics"
)

// PublishRequest is one message handed to the queue transport.
type PublishRequest struct {
	Destination     string
	Body            []byte
	Delay           time.Duration
	DeduplicationID string
}

// Publisher delivers a body to a destination URL at least once, possibly after a delay.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (string, error)
}

// Envelope is the body carried by every queue delivery of a run.
// It holds the job payload and the outputs of the steps completed so far; never secrets.
type Envelope struct {
	RunID   string          `json:"workflowRunId"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Steps   []StepRecord    `json:"steps,omitempty"`
}

// StepRecord is a completed step. Sleeps are recorded without output.
type StepRecord struct {
	Name   string          `json:"name"`
	Output json.RawMessage `json:"output,omitempty"`
}

// CallbackResult is the HTTP answer to a callback delivery.
type CallbackResult struct {
	Status int
	Body   any
}

// CallbackConfig configures a CallbackEngine.
type CallbackConfig struct {
	// BaseURL is the public origin the queue delivers callbacks to.
	BaseURL string
	// StepAttempts is the default attempt budget of a step.
	StepAttempts int
	// RetryBackoff is the base of the linear backoff between attempts.
	RetryBackoff time.Duration
	// LeaseTTL bounds how long a delivery holds a step exclusively. Steps with a timeout get
	// at least their worst-case running time.
	LeaseTTL time.Duration
}

const defaultLeaseTTL = 2 * time.Minute

// CallbackEngine runs workflows over a queue: each delivery replays the recorded steps, executes
// at most one new step, and publishes a continuation carrying the extended step list.
type CallbackEngine struct {
	registry  *Registry
	publisher Publisher
	ledger    Ledger
	logger    *logger.Logger
	metrics   metrics.Metrics
	baseURL   string
	attempts  int
	backoff   time.Duration
	leaseTTL  time.Duration
	newRunID  func() string
}

// NewCallbackEngine creates an engine. ledger and m may be nil.
func NewCallbackEngine(registry *Registry, publisher Publisher, ledger Ledger, log *logger.Logger, m metrics.Metrics, cfg CallbackConfig) *CallbackEngine {
	if m == nil {
		m = metrics.Noop{}
	}
	if cfg.StepAttempts < 1 {
		cfg.StepAttempts = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	return &CallbackEngine{
		registry:  registry,
		publisher: publisher,
		ledger:    ledger,
		logger:    log,
		metrics:   m,
		baseURL:   cfg.BaseURL,
		attempts:  cfg.StepAttempts,
		backoff:   cfg.RetryBackoff,
		leaseTTL:  cfg.LeaseTTL,
		newRunID:  func() string { return "wfr_" + uuid.NewString() },
	}
}

var _ Enqueuer = (*CallbackEngine)(nil)

// Enqueue publishes the first delivery of a new run.
func (e *CallbackEngine) Enqueue(ctx context.Context, kind Kind, payload any) (string, error) {
	w, ok := e.registry.Get(kind)
	if !ok {
		return "", fmt.Errorf("unknown workflow kind %q", kind)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	env := Envelope{RunID: e.newRunID(), Kind: kind, Payload: raw}
	if err := e.publish(ctx, w, env, 0); err != nil {
		return "", err
	}

	e.logger.WithContext(logger.WithWorkflowRunID(ctx, env.RunID)).WithComponent("callback-engine").Info("workflow enqueued",
		slog.String("kind", string(kind)))

	return env.RunID, nil
}

func (e *CallbackEngine) publish(ctx context.Context, w Workflow, env Envelope, delay time.Duration) error {
	if e.publisher == nil {
		return errors.New("queue not configured")
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	_, err = e.publisher.Publish(ctx, PublishRequest{
		Destination:     e.baseURL + w.Path,
		Body:            body,
		Delay:           delay,
		DeduplicationID: env.RunID + "-" + strconv.Itoa(len(env.Steps)),
	})
	if err != nil {
		return fmt.Errorf("failed to publish workflow step: %w", err)
	}
	return nil
}

// HandleCallback processes one verified delivery for kind.
func (e *CallbackEngine) HandleCallback(ctx context.Context, kind Kind, body []byte) CallbackResult {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return CallbackResult{Status: http.StatusBadRequest, Body: map[string]any{"error": "invalid workflow envelope"}}
	}
	if env.RunID == "" || env.Kind != kind {
		return CallbackResult{Status: http.StatusBadRequest, Body: map[string]any{"error": "invalid workflow envelope"}}
	}

	w, ok := e.registry.Get(kind)
	if !ok {
		return CallbackResult{Status: http.StatusBadRequest, Body: map[string]any{"error": "unknown workflow kind"}}
	}

	ctx = logger.WithWorkflowRunID(ctx, env.RunID)
	log := e.logger.WithContext(ctx).WithComponent("callback-engine")

	steps := newCallbackSteps(e, env)
	outcome, err := w.Handler(ctx, steps, env.Payload)

	switch {
	case steps.ledgerErr != nil:
		// A 5xx makes the queue redeliver the same envelope.
		log.Error("workflow step ledger unavailable",
			slog.String("step", steps.pending),
			slog.String("error", steps.ledgerErr.Error()))
		return CallbackResult{Status: http.StatusInternalServerError, Body: map[string]any{"error": "workflow step ledger unavailable"}}

	case steps.leased:
		log.Info("workflow step running in another delivery", slog.String("step", steps.pending))
		return CallbackResult{Status: http.StatusConflict, Body: map[string]any{
			"workflowRunId": env.RunID,
			"error":         "workflow step in progress",
			"step":          steps.pending,
		}}

	case IsSuspended(err):
		next := env
		next.Steps = steps.records
		if err := e.publish(ctx, w, next, steps.delay); err != nil {
			log.Error("failed to schedule next workflow step",
				slog.String("step", steps.pending),
				slog.String("error", err.Error()))
			return CallbackResult{Status: http.StatusInternalServerError, Body: map[string]any{"error": "failed to schedule next workflow step"}}
		}
		log.Debug("workflow suspended",
			slog.String("next_step", steps.pending),
			slog.Duration("delay", steps.delay),
			slog.Int("completed_steps", len(steps.records)))
		return CallbackResult{Status: http.StatusOK, Body: map[string]any{
			"workflowRunId": env.RunID,
			"status":        "running",
			"nextStep":      steps.pending,
		}}

	case errors.Is(err, ErrInvalidPayload):
		log.Warn("invalid workflow payload", slog.String("error", err.Error()))
		return CallbackResult{Status: http.StatusBadRequest, Body: map[string]any{"error": err.Error()}}

	case err != nil:
		// A 5xx makes the queue redeliver; completed steps are served from the ledger.
		log.Error("workflow step failed", slog.String("error", err.Error()))
		return CallbackResult{Status: http.StatusInternalServerError, Body: map[string]any{"error": "workflow step failed"}}
	}

	e.metrics.IncJobOutcome(string(kind), outcome.Label())
	log.Info("workflow completed",
		slog.String("kind", string(kind)),
		slog.String("result", outcome.Label()),
		slog.Int("steps", len(steps.records)))

	return CallbackResult{Status: http.StatusOK, Body: outcome}
}

type callbackSteps struct {
	engine   *CallbackEngine
	runID    string
	kind     Kind
	records  []StepRecord
	done     map[string]json.RawMessage
	advanced bool
	pending  string
	delay    time.Duration

	// Set when the delivery stops without running its step; both suspend the job body.
	ledgerErr error
	leased    bool
}

func newCallbackSteps(e *CallbackEngine, env Envelope) *callbackSteps {
	s := &callbackSteps{
		engine:  e,
		runID:   env.RunID,
		kind:    env.Kind,
		records: make([]StepRecord, 0, len(env.Steps)+2),
		done:    make(map[string]json.RawMessage, len(env.Steps)),
	}
	for _, r := range env.Steps {
		s.record(r.Name, r.Output)
	}
	return s
}

func (s *callbackSteps) record(name string, output json.RawMessage) {
	s.records = append(s.records, StepRecord{Name: name, Output: output})
	s.done[name] = output
}

func (s *callbackSteps) Do(ctx context.Context, name string, opts StepOptions, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if out, ok := s.done[name]; ok {
		return out, nil
	}

	ledger := s.engine.ledger
	if ledger != nil {
		out, ok, err := ledger.Get(ctx, s.runID, name)
		if err != nil {
			return s.stop(name, err)
		}
		if ok {
			// Another delivery of this envelope ran the step and has published the
			// continuation; this one must not run the next step as well.
			s.record(name, out)
			s.advanced = true
			return out, nil
		}
	}

	if s.advanced {
		s.pending = name
		return nil, ErrSuspended
	}

	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = s.engine.attempts
	}

	if ledger != nil {
		ok, err := ledger.Acquire(ctx, s.runID, name, s.leaseTTL(attempts, opts.Timeout))
		if err != nil {
			return s.stop(name, err)
		}
		if !ok {
			s.leased = true
			s.pending = name
			return nil, ErrSuspended
		}
	}

	log := s.engine.logger.WithContext(ctx).WithComponent("callback-engine")

	out, tries, err := attempt(ctx, attempts, opts.Timeout, s.engine.backoff, fn)
	if err != nil {
		s.engine.metrics.IncStep(string(s.kind), "error")
		log.Warn("workflow step failed",
			slog.String("step", name),
			slog.Int("attempts", tries),
			slog.String("error", err.Error()))
		if ledger != nil {
			if err := ledger.Release(ctx, s.runID, name); err != nil {
				log.Warn("failed to release step lease", slog.String("step", name), slog.String("error", err.Error()))
			}
		}
		return nil, err
	}
	s.engine.metrics.IncStep(string(s.kind), "ok")
	s.advanced = true

	if ledger != nil {
		// The lease is left to expire so a duplicate that misses the output still waits.
		if err := ledger.Put(ctx, s.runID, name, out); err != nil {
			log.Warn("failed to record step output",
				slog.String("step", name),
				slog.String("error", err.Error()))
		}
	}

	s.record(name, out)
	return out, nil
}

// stop abandons the delivery at step name after a ledger failure.
func (s *callbackSteps) stop(name string, err error) ([]byte, error) {
	s.ledgerErr = err
	s.pending = name
	return nil, ErrSuspended
}

func (s *callbackSteps) leaseTTL(attempts int, timeout time.Duration) time.Duration {
	ttl := s.engine.leaseTTL
	if timeout > 0 {
		n := time.Duration(attempts)
		if worst := n*timeout + n*n*s.engine.backoff; worst > ttl {
			ttl = worst
		}
	}
	return ttl
}

func (s *callbackSteps) Sleep(ctx context.Context, name string, d time.Duration) error {
	if _, ok := s.done[name]; ok {
		return nil
	}

	s.record(name, nil)
	s.pending = name
	s.delay = d
	return ErrSuspended
}

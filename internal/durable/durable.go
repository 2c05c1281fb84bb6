// Package durable runs job bodies as sequences of named steps.
//
// A job body is written once against the Steps interface. The Inline executor runs it on the
// calling goroutine; CallbackEngine runs it one step per queue delivery; the temporal package
// runs it inside a Temporal workflow. Every step output is JSON encoded and decoded in all
// executors, so a body observes the same values whichever substrate runs it.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Kind names a job type. It doubles as the Temporal workflow type name.
type Kind string

const (
	KindCleanup       Kind = "cleanup"
	KindGenerateTitle Kind = "generate-title"
)

var (
	// ErrSuspended is returned by callback steps when the run must continue in a later delivery.
	// Job bodies must return it unchanged.
	ErrSuspended = errors.New("durable: run suspended")

	// ErrInvalidPayload marks payload decoding and validation failures.
	ErrInvalidPayload = errors.New("invalid payload")
)

// StepOptions bound a single step.
type StepOptions struct {
	// MaxAttempts is the total number of tries in durable executors. Zero means the executor default.
	MaxAttempts int
	// Timeout bounds one attempt. Zero means no step-specific timeout.
	Timeout time.Duration
}

// Steps executes named, individually retryable units of work.
type Steps interface {
	// Do runs fn as the step called name and returns its JSON output. A step that already
	// completed in an earlier delivery returns its recorded output without running fn.
	Do(ctx context.Context, name string, opts StepOptions, fn func(ctx context.Context) ([]byte, error)) ([]byte, error)

	// Sleep pauses the run. Durable executors persist the pause instead of blocking.
	Sleep(ctx context.Context, name string, d time.Duration) error
}

// Run executes fn as a step and decodes its output into T.
func Run[T any](ctx context.Context, steps Steps, name string, opts StepOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T

	raw, err := steps.Do(ctx, name, opts, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return out, err
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode output of step %s: %w", name, err)
	}

	return out, nil
}

// PermanentError stops durable executors from retrying a step.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that no further attempts are made.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// IsSuspended reports whether err is a suspension signal that must be propagated.
func IsSuspended(err error) bool {
	return errors.Is(err, ErrSuspended)
}

// Outcome is the terminal result of a job body.
type Outcome interface {
	// Label is a low-cardinality result name for metrics and logs.
	Label() string
	// Fatal reports a run that failed as a whole. Inline callers answer it with a 500.
	Fatal() bool
}

// Handler decodes and validates payload, then runs the job body against steps.
type Handler func(ctx context.Context, steps Steps, payload json.RawMessage) (Outcome, error)

// Workflow binds a job kind to its HTTP path and body.
type Workflow struct {
	Kind    Kind
	Path    string
	Handler Handler
}

// Registry holds the workflows a process can run.
type Registry struct {
	workflows map[Kind]Workflow
}

// NewRegistry creates a registry from the given workflows. Later entries replace earlier ones of the same kind.
func NewRegistry(workflows ...Workflow) *Registry {
	r := &Registry{workflows: make(map[Kind]Workflow, len(workflows))}
	for _, w := range workflows {
		r.workflows[w.Kind] = w
	}
	return r
}

// Get returns the workflow registered for kind.
func (r *Registry) Get(kind Kind) (Workflow, bool) {
	w, ok := r.workflows[kind]
	return w, ok
}

// All returns the registered workflows ordered by kind.
func (r *Registry) All() []Workflow {
	out := make([]Workflow, 0, len(r.workflows))
	for _, w := range r.workflows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Enqueuer starts a durable run of a job and returns its run identifier.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind Kind, payload any) (string, error)
}

package durable

import (
	"context"
	"time"
)

// Inline runs steps synchronously on the caller's goroutine. Failed steps are not retried.
type Inline struct{}

// NewInline creates an inline executor.
func NewInline() *Inline {
	return &Inline{}
}

var _ Steps = (*Inline)(nil)

func (i *Inline) Do(ctx context.Context, name string, opts StepOptions, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	return fn(ctx)
}

func (i *Inline) Sleep(ctx context.Context, name string, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

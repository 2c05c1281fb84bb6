package durable

import (
	"context"
	"fmt"
	"time"
)

// attempt runs fn up to maxAttempts times with a linear backoff between tries.
// Permanent errors and context cancellation end the loop early.
func attempt(ctx context.Context, maxAttempts int, timeout, backoff time.Duration, fn func(ctx context.Context) ([]byte, error)) ([]byte, int, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for n := 1; n <= maxAttempts; n++ {
		out, err := runOnce(ctx, timeout, fn)
		if err == nil {
			return out, n, nil
		}
		lastErr = err

		if IsPermanent(err) || IsSuspended(err) || n == maxAttempts {
			return nil, n, lastErr
		}

		select {
		case <-time.After(time.Duration(n) * backoff):
		case <-ctx.Done():
			return nil, n, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return nil, maxAttempts, lastErr
}

func runOnce(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

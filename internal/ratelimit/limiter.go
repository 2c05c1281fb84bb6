package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned when the backing store cannot be reached.
var ErrUnavailable = errors.New("rate limiter unavailable")

// Decision is the result of a single Allow call.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Key builds the limiter key for an endpoint and client address.
func Key(endpoint, clientIP string) string {
	return "ratelimit:" + endpoint + ":" + clientIP
}

// SlidingWindowLimiter allows Limit requests per Window per key, tracked as a Redis sorted set of
// request timestamps. Rejected requests are not counted.
type SlidingWindowLimiter struct {
	client redis.UniversalClient
	limit  int64
	window time.Duration
	now    func() time.Time
}

func NewSlidingWindowLimiter(client redis.UniversalClient, limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		client: client,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}
}

func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	nowMs := now.UnixMilli()
	windowStart := nowMs - l.window.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	var (
		card   *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart, 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: member})
		card = pipe.ZCard(ctx, key)
		oldest = pipe.ZRangeWithScores(ctx, key, 0, 0)
		pipe.PExpire(ctx, key, l.window)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	count := card.Val()
	resetAt := now.Add(l.window)
	if zs := oldest.Val(); len(zs) > 0 {
		resetAt = time.UnixMilli(int64(zs[0].Score)).Add(l.window)
	}

	d := Decision{Limit: l.limit, ResetAt: resetAt}
	if count <= l.limit {
		d.Allowed = true
		d.Remaining = l.limit - count
		return d, nil
	}

	if err := l.client.ZRem(ctx, key, member).Err(); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	d.RetryAfter = resetAt.Sub(now)
	if d.RetryAfter < time.Second {
		d.RetryAfter = time.Second
	}
	return d, nil
}

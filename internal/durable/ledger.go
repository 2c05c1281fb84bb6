package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultLedgerTTL = 24 * time.Hour

// Ledger remembers completed step outputs per run so duplicate deliveries reuse them.
// Acquire takes an exclusive lease on a step before it runs; false means another delivery
// holds it.
type Ledger interface {
	Get(ctx context.Context, runID, step string) ([]byte, bool, error)
	Put(ctx context.Context, runID, step string, output []byte) error
	Acquire(ctx context.Context, runID, step string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, runID, step string) error
}

// RedisLedger stores step outputs under wfstep:<run>:<step> and leases under
// wfstep:<run>:<step>:lease.
type RedisLedger struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisLedger creates a ledger. A non-positive ttl selects the default of 24h.
func NewRedisLedger(client redis.UniversalClient, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = defaultLedgerTTL
	}
	return &RedisLedger{client: client, ttl: ttl}
}

func ledgerKey(runID, step string) string {
	return "wfstep:" + runID + ":" + step
}

func leaseKey(runID, step string) string {
	return ledgerKey(runID, step) + ":lease"
}

func (l *RedisLedger) Get(ctx context.Context, runID, step string) ([]byte, bool, error) {
	if l == nil || l.client == nil {
		return nil, false, nil
	}

	raw, err := l.client.Get(ctx, ledgerKey(runID, step)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read step ledger: %w", err)
	}
	return raw, true, nil
}

func (l *RedisLedger) Put(ctx context.Context, runID, step string, output []byte) error {
	if l == nil || l.client == nil {
		return nil
	}

	if err := l.client.Set(ctx, ledgerKey(runID, step), output, l.ttl).Err(); err != nil {
		return fmt.Errorf("write step ledger: %w", err)
	}
	return nil
}

func (l *RedisLedger) Acquire(ctx context.Context, runID, step string, ttl time.Duration) (bool, error) {
	if l == nil || l.client == nil {
		return true, nil
	}

	ok, err := l.client.SetNX(ctx, leaseKey(runID, step), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire step lease: %w", err)
	}
	return ok, nil
}

func (l *RedisLedger) Release(ctx context.Context, runID, step string) error {
	if l == nil || l.client == nil {
		return nil
	}

	if err := l.client.Del(ctx, leaseKey(runID, step)).Err(); err != nil {
		return fmt.Errorf("release step lease: %w", err)
	}
	return nil
}

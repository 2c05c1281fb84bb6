package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/eternisai/enchanted-workflows/internal/logger"
)

type sumOutcome struct {
	Sum int `json:"sum"`
}

func (o sumOutcome) Label() string { return "ok" }
func (o sumOutcome) Fatal() bool   { return false }

type sumPayload struct {
	N int `json:"n"`
}

// sumWorkflow adds 1..N, one step per number, sleeping between steps.
// calls counts executions of each step body.
func sumWorkflow(calls *sync.Map) Workflow {
	return Workflow{
		Kind: "sum",
		Path: "/workflow/sum",
		Handler: func(ctx context.Context, steps Steps, raw json.RawMessage) (Outcome, error) {
			var p sumPayload
			if err := json.Unmarshal(raw, &p); err != nil || p.N < 1 {
				return nil, fmt.Errorf("%w: n must be positive", ErrInvalidPayload)
			}

			total := 0
			for i := 1; i <= p.N; i++ {
				name := fmt.Sprintf("add-%d", i)
				v, err := Run(ctx, steps, name, StepOptions{}, func(ctx context.Context) (int, error) {
					n, _ := calls.LoadOrStore(name, new(int))
					*(n.(*int))++
					return i, nil
				})
				if err != nil {
					return nil, err
				}
				total += v

				if i < p.N {
					if err := steps.Sleep(ctx, fmt.Sprintf("pause-%d", i), 5*time.Millisecond); err != nil {
						return nil, err
					}
				}
			}
			return sumOutcome{Sum: total}, nil
		},
	}
}

type fakePublisher struct {
	mu       sync.Mutex
	requests []PublishRequest
	err      error
}

func (p *fakePublisher) Publish(ctx context.Context, req PublishRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.requests = append(p.requests, req)
	return fmt.Sprintf("msg-%d", len(p.requests)), nil
}

func (p *fakePublisher) pop(t *testing.T) PublishRequest {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		t.Fatal("no published message")
	}
	req := p.requests[0]
	p.requests = p.requests[1:]
	return req
}

func newTestEngine(pub Publisher, ledger Ledger, calls *sync.Map) *CallbackEngine {
	return NewCallbackEngine(
		NewRegistry(sumWorkflow(calls)),
		pub,
		ledger,
		logger.Discard(),
		nil,
		CallbackConfig{BaseURL: "https://app.example.com", StepAttempts: 3, RetryBackoff: time.Millisecond},
	)
}

func TestRun_InlineMatchesCallback(t *testing.T) {
	ctx := context.Background()
	payload := json.RawMessage(`{"n":4}`)

	var inlineCalls sync.Map
	w := sumWorkflow(&inlineCalls)
	inlineSteps := &Inline{}
	inlineOut, err := w.Handler(ctx, inlineSteps, payload)
	if err != nil {
		t.Fatalf("inline run error = %v", err)
	}

	var calls sync.Map
	pub := &fakePublisher{}
	engine := newTestEngine(pub, nil, &calls)

	runID, err := engine.Enqueue(ctx, "sum", sumPayload{N: 4})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	var final CallbackResult
	var delays []time.Duration
	for i := 0; i < 20; i++ {
		req := pub.pop(t)
		if req.Destination != "https://app.example.com/workflow/sum" {
			t.Fatalf("destination = %q", req.Destination)
		}
		delays = append(delays, req.Delay)

		res := engine.HandleCallback(ctx, "sum", req.Body)
		if res.Status != http.StatusOK {
			t.Fatalf("delivery %d status = %d body = %v", i, res.Status, res.Body)
		}
		if _, done := res.Body.(sumOutcome); done {
			final = res
			break
		}
	}

	if final.Body != inlineOut {
		t.Errorf("callback outcome = %+v, inline outcome = %+v", final.Body, inlineOut)
	}
	if got := final.Body.(sumOutcome).Sum; got != 10 {
		t.Errorf("sum = %d, want 10", got)
	}

	// Each step body ran exactly once across all deliveries.
	for i := 1; i <= 4; i++ {
		v, ok := calls.Load(fmt.Sprintf("add-%d", i))
		if !ok || *(v.(*int)) != 1 {
			t.Errorf("step add-%d ran %v times", i, v)
		}
	}

	// Sleeps are delayed deliveries.
	var delayed int
	for _, d := range delays {
		if d == 5*time.Millisecond {
			delayed++
		}
	}
	if delayed != 3 {
		t.Errorf("delayed deliveries = %d, want 3 (delays %v)", delayed, delays)
	}
	if runID == "" {
		t.Error("empty run id")
	}
}

func TestCallbackEngine_DuplicateDeliveryUsesLedger(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	var calls sync.Map
	pub := &fakePublisher{}
	engine := newTestEngine(pub, NewRedisLedger(client, time.Hour), &calls)

	if _, err := engine.Enqueue(ctx, "sum", sumPayload{N: 2}); err != nil {
		t.Fatal(err)
	}
	first := pub.pop(t)

	// The queue delivers the first message twice.
	for i := 0; i < 2; i++ {
		res := engine.HandleCallback(ctx, "sum", first.Body)
		if res.Status != http.StatusOK {
			t.Fatalf("delivery %d status = %d", i, res.Status)
		}
	}

	v, _ := calls.Load("add-1")
	if got := *(v.(*int)); got != 1 {
		t.Errorf("add-1 ran %d times, want 1", got)
	}
	if !mr.Exists("wfstep:" + envelopeRunID(t, first.Body) + ":add-1") {
		t.Error("ledger key missing")
	}
}

func envelopeRunID(t *testing.T, body []byte) string {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatal(err)
	}
	return env.RunID
}

func TestCallbackEngine_RejectsBadDeliveries(t *testing.T) {
	ctx := context.Background()
	var calls sync.Map
	engine := newTestEngine(&fakePublisher{}, nil, &calls)

	tests := []struct {
		name string
		kind Kind
		body string
		want int
	}{
		{"not json", "sum", `{`, http.StatusBadRequest},
		{"missing run id", "sum", `{"kind":"sum","payload":{"n":1}}`, http.StatusBadRequest},
		{"kind mismatch", "other", `{"workflowRunId":"r","kind":"sum","payload":{"n":1}}`, http.StatusBadRequest},
		{"invalid payload", "sum", `{"workflowRunId":"r","kind":"sum","payload":{"n":0}}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := engine.HandleCallback(ctx, tt.kind, []byte(tt.body))
			if res.Status != tt.want {
				t.Errorf("status = %d, want %d", res.Status, tt.want)
			}
		})
	}
}

func TestCallbackEngine_PublishFailureIs500(t *testing.T) {
	ctx := context.Background()
	var calls sync.Map
	pub := &fakePublisher{}
	engine := newTestEngine(pub, nil, &calls)

	if _, err := engine.Enqueue(ctx, "sum", sumPayload{N: 2}); err != nil {
		t.Fatal(err)
	}
	first := pub.pop(t)

	pub.err = errors.New("queue down")
	res := engine.HandleCallback(ctx, "sum", first.Body)
	if res.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", res.Status)
	}
}

func TestEnqueue_WithoutPublisher(t *testing.T) {
	var calls sync.Map
	engine := newTestEngine(nil, nil, &calls)
	if _, err := engine.Enqueue(context.Background(), "sum", sumPayload{N: 1}); err == nil {
		t.Error("expected error without publisher")
	}
}

func TestAttempt_RetriesUntilBudget(t *testing.T) {
	ctx := context.Background()
	tries := 0
	_, n, err := attempt(ctx, 3, 0, time.Millisecond, func(ctx context.Context) ([]byte, error) {
		tries++
		return nil, errors.New("transient")
	})
	if err == nil || n != 3 || tries != 3 {
		t.Errorf("attempt() = n %d tries %d err %v", n, tries, err)
	}

	tries = 0
	_, n, err = attempt(ctx, 3, 0, time.Millisecond, func(ctx context.Context) ([]byte, error) {
		tries++
		return nil, Permanent(errors.New("bad request"))
	})
	if !IsPermanent(err) || n != 1 || tries != 1 {
		t.Errorf("permanent attempt() = n %d tries %d err %v", n, tries, err)
	}

	tries = 0
	out, _, err := attempt(ctx, 3, 0, time.Millisecond, func(ctx context.Context) ([]byte, error) {
		tries++
		if tries < 2 {
			return nil, errors.New("transient")
		}
		return []byte(`1`), nil
	})
	if err != nil || string(out) != "1" {
		t.Errorf("recovering attempt() = %s, %v", out, err)
	}
}

func TestInline_DoesNotRetry(t *testing.T) {
	tries := 0
	_, err := Run(context.Background(), NewInline(), "x", StepOptions{MaxAttempts: 5}, func(ctx context.Context) (int, error) {
		tries++
		return 0, errors.New("boom")
	})
	if err == nil || tries != 1 {
		t.Errorf("inline tries = %d, err = %v", tries, err)
	}
}

func TestInline_SleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewInline().Sleep(ctx, "pause", time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() error = %v, want context.Canceled", err)
	}
	if err := NewInline().Sleep(context.Background(), "pause", 0); err != nil {
		t.Errorf("zero Sleep() error = %v", err)
	}
}

func TestRegistry_All(t *testing.T) {
	r := NewRegistry(Workflow{Kind: KindGenerateTitle}, Workflow{Kind: KindCleanup})
	all := r.All()
	if len(all) != 2 || all[0].Kind != KindCleanup {
		t.Errorf("All() = %+v", all)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) = ok")
	}
}

type pairOutcome struct {
	Failed bool `json:"failed"`
}

func (o pairOutcome) Label() string { return "ok" }
func (o pairOutcome) Fatal() bool   { return false }

// pairWorkflow runs two consecutive steps. Like the job bodies, it turns step failures into a
// domain outcome and only propagates suspensions.
func pairWorkflow(calls *sync.Map) Workflow {
	return Workflow{
		Kind: "pair",
		Path: "/workflow/pair",
		Handler: func(ctx context.Context, steps Steps, raw json.RawMessage) (Outcome, error) {
			for _, name := range []string{"first", "second"} {
				_, err := Run(ctx, steps, name, StepOptions{}, func(ctx context.Context) (bool, error) {
					n, _ := calls.LoadOrStore(name, new(int))
					*(n.(*int))++
					return true, nil
				})
				if IsSuspended(err) {
					return nil, err
				}
				if err != nil {
					return pairOutcome{Failed: true}, nil
				}
			}
			return pairOutcome{}, nil
		},
	}
}

func newPairEngine(pub Publisher, ledger Ledger, calls *sync.Map) *CallbackEngine {
	return NewCallbackEngine(
		NewRegistry(pairWorkflow(calls)),
		pub,
		ledger,
		logger.Discard(),
		nil,
		CallbackConfig{BaseURL: "https://app.example.com", StepAttempts: 2, RetryBackoff: time.Millisecond},
	)
}

func stepCalls(calls *sync.Map, name string) int {
	v, ok := calls.Load(name)
	if !ok {
		return 0
	}
	return *(v.(*int))
}

func TestCallbackEngine_DuplicateDoesNotRunNextStep(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	var calls sync.Map
	pub := &fakePublisher{}
	engine := newPairEngine(pub, NewRedisLedger(client, time.Hour), &calls)

	if _, err := engine.Enqueue(ctx, "pair", struct{}{}); err != nil {
		t.Fatal(err)
	}
	first := pub.pop(t)

	for i := 0; i < 2; i++ {
		if res := engine.HandleCallback(ctx, "pair", first.Body); res.Status != http.StatusOK {
			t.Fatalf("delivery %d status = %d body = %v", i, res.Status, res.Body)
		}
	}

	if got := stepCalls(&calls, "first"); got != 1 {
		t.Errorf("first ran %d times, want 1", got)
	}
	if got := stepCalls(&calls, "second"); got != 0 {
		t.Errorf("second ran %d times in the first deliveries, want 0", got)
	}

	// Both deliveries publish the same continuation, which the queue deduplicates.
	a, b := pub.pop(t), pub.pop(t)
	if a.DeduplicationID != b.DeduplicationID {
		t.Errorf("continuation ids differ: %q vs %q", a.DeduplicationID, b.DeduplicationID)
	}

	res := engine.HandleCallback(ctx, "pair", a.Body)
	if res.Status != http.StatusOK || res.Body != (pairOutcome{}) {
		t.Fatalf("final delivery = %d %v", res.Status, res.Body)
	}
	if got := stepCalls(&calls, "second"); got != 1 {
		t.Errorf("second ran %d times, want 1", got)
	}
}

func TestCallbackEngine_HeldLeaseIsConflict(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	var calls sync.Map
	pub := &fakePublisher{}
	engine := newPairEngine(pub, NewRedisLedger(client, time.Hour), &calls)

	runID, err := engine.Enqueue(ctx, "pair", struct{}{})
	if err != nil {
		t.Fatal(err)
	}
	first := pub.pop(t)

	// A concurrent delivery is running the first step.
	if err := mr.Set("wfstep:"+runID+":first:lease", "1"); err != nil {
		t.Fatal(err)
	}

	res := engine.HandleCallback(ctx, "pair", first.Body)
	if res.Status != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (body %v)", res.Status, res.Body)
	}
	if got := stepCalls(&calls, "first"); got != 0 {
		t.Errorf("first ran %d times while leased", got)
	}

	mr.Del("wfstep:" + runID + ":first:lease")
	if res := engine.HandleCallback(ctx, "pair", first.Body); res.Status != http.StatusOK {
		t.Fatalf("redelivery status = %d", res.Status)
	}
	if got := stepCalls(&calls, "first"); got != 1 {
		t.Errorf("first ran %d times after the lease was freed", got)
	}
}

type failingLedger struct {
	getErr     error
	acquireErr error
}

func (l failingLedger) Get(ctx context.Context, runID, step string) ([]byte, bool, error) {
	return nil, false, l.getErr
}

func (l failingLedger) Put(ctx context.Context, runID, step string, output []byte) error {
	return nil
}

func (l failingLedger) Acquire(ctx context.Context, runID, step string, ttl time.Duration) (bool, error) {
	return l.acquireErr == nil, l.acquireErr
}

func (l failingLedger) Release(ctx context.Context, runID, step string) error {
	return nil
}

func TestCallbackEngine_LedgerErrorIsRedelivered(t *testing.T) {
	tests := []struct {
		name   string
		ledger failingLedger
	}{
		{"read fails", failingLedger{getErr: errors.New("redis: connection refused")}},
		{"lease fails", failingLedger{acquireErr: errors.New("redis: i/o timeout")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			var calls sync.Map
			pub := &fakePublisher{}
			engine := newPairEngine(pub, tt.ledger, &calls)

			if _, err := engine.Enqueue(ctx, "pair", struct{}{}); err != nil {
				t.Fatal(err)
			}
			first := pub.pop(t)

			res := engine.HandleCallback(ctx, "pair", first.Body)
			if res.Status != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500 (body %v)", res.Status, res.Body)
			}
			if _, ok := res.Body.(pairOutcome); ok {
				t.Error("ledger failure ended the run with an outcome")
			}
			if got := stepCalls(&calls, "first"); got != 0 {
				t.Errorf("first ran %d times", got)
			}
			if len(pub.requests) != 0 {
				t.Errorf("continuation published after ledger failure: %d", len(pub.requests))
			}
		})
	}
}

func TestRedisLedger_Lease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	l := NewRedisLedger(client, time.Hour)

	if ok, err := l.Acquire(ctx, "run", "step", time.Minute); err != nil || !ok {
		t.Fatalf("first Acquire() = %v, %v", ok, err)
	}
	if ok, _ := l.Acquire(ctx, "run", "step", time.Minute); ok {
		t.Error("second Acquire() succeeded while held")
	}
	if ttl := mr.TTL("wfstep:run:step:lease"); ttl != time.Minute {
		t.Errorf("lease ttl = %v", ttl)
	}

	if err := l.Release(ctx, "run", "step"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := l.Acquire(ctx, "run", "step", time.Minute); !ok {
		t.Error("Acquire() failed after Release")
	}

	mr.FastForward(2 * time.Minute)
	if ok, _ := l.Acquire(ctx, "run", "step", time.Minute); !ok {
		t.Error("Acquire() failed after the lease expired")
	}
}

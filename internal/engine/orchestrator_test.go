package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
	"github.com/xela07ax/spaceai-adaptive-core/internal/infra"
	"github.com/xela07ax/spaceai-adaptive-core/internal/outcome"
	"go.uber.org/zap/zaptest"
)

func testConfig() *infra.Config {
	cfg := infra.DefaultConfig()
	cfg.Breaker.FailureThreshold = 3
	cfg.Breaker.Cooldown = time.Hour
	cfg.Breaker.MaxCooldown = time.Hour
	cfg.Orchestrator.DefaultTimeout = time.Second
	cfg.Recorder.WriteTimeout = time.Second
	return cfg
}

func newTestCore(t *testing.T, cfg *infra.Config, outcomes outcome.Store) *Core {
	t.Helper()
	c, err := NewCore(Deps{Config: cfg, Logger: zaptest.NewLogger(t), Registerer: prometheus.NewRegistry(), Outcomes: outcomes})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c
}

func agent(id string) domain.AgentDescriptor {
	return domain.AgentDescriptor{ID: id, Domain: "test", Mode: domain.ModeSingle, Enabled: true}
}

func echo() Capability {
	return CapabilityFunc(func(_ context.Context, payload []byte) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	})
}

func TestInvokeSuccessRecordsOutcome(t *testing.T) {
	store := outcome.NewMemoryStore()
	c := newTestCore(t, testConfig(), store)
	if err := c.RegisterAgent(agent("a"), echo()); err != nil {
		t.Fatal(err)
	}

	out, err := c.Invoke(context.Background(), "a", []byte(`{"q":1}`), 0)
	if err != nil || string(out) != `{"ok":true}` {
		t.Fatalf("unexpected result %s %v", out, err)
	}

	c.Close() // дописывает очередь
	if store.Len() != 1 {
		t.Fatalf("expected outcome to be recorded, got %d", store.Len())
	}
	if got := testutil.ToFloat64(c.Metrics().Invocations.WithLabelValues("a")); got != 1 {
		t.Fatalf("expected one invocation metric, got %v", got)
	}
}

func TestInvokeUnknownAndDisabledAgent(t *testing.T) {
	c := newTestCore(t, testConfig(), nil)
	ctx := context.Background()

	if _, err := c.Invoke(ctx, "ghost", nil, 0); !errors.Is(err, domain.ErrUnknownAgent) {
		t.Fatalf("expected unknown agent, got %v", err)
	}

	_ = c.RegisterAgent(agent("a"), echo())
	_ = c.SetAgentEnabled(ctx, "a", false)
	_, err := c.Invoke(ctx, "a", nil, 0)
	var uae *domain.UnknownAgentError
	if !errors.As(err, &uae) || uae.Reason != "disabled" {
		t.Fatalf("expected disabled agent error, got %v", err)
	}
}

func TestTimeoutCountsAsBreakerFailure(t *testing.T) {
	c := newTestCore(t, testConfig(), nil)
	ctx := context.Background()

	hang := CapabilityFunc(func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_ = c.RegisterAgent(agent("slow"), hang)

	_, err := c.Invoke(ctx, "slow", []byte(`{}`), 20*time.Millisecond)
	var te *domain.InvocationTimeoutError
	if !errors.As(err, &te) || te.Timeout != 20*time.Millisecond {
		t.Fatalf("expected InvocationTimeoutError, got %v", err)
	}

	snaps, _ := c.CircuitBreakerStatus(ctx)
	if len(snaps) != 1 || snaps[0].ConsecutiveFailures != 1 {
		t.Fatalf("timeout must count as breaker failure, got %+v", snaps)
	}
}

func TestTimeoutDoesNotWaitForUncooperativeAgent(t *testing.T) {
	c := newTestCore(t, testConfig(), nil)

	stuck := CapabilityFunc(func(context.Context, []byte) ([]byte, error) {
		time.Sleep(500 * time.Millisecond)
		return []byte(`{}`), nil
	})
	_ = c.RegisterAgent(agent("stuck"), stuck)

	start := time.Now()
	_, err := c.Invoke(context.Background(), "stuck", nil, 20*time.Millisecond)
	if !errors.Is(err, domain.ErrInvocationTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 300*time.Millisecond {
		t.Fatal("orchestrator waited for the agent past the timeout")
	}
}

func TestOpenBreakerFailsFastWithoutCalling(t *testing.T) {
	c := newTestCore(t, testConfig(), nil)
	ctx := context.Background()

	var calls atomic.Int32
	failing := CapabilityFunc(func(context.Context, []byte) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("upstream 500")
	})
	_ = c.RegisterAgent(agent("a"), failing)

	for i := 0; i < 3; i++ {
		if _, err := c.Invoke(ctx, "a", nil, 0); err == nil {
			t.Fatal("expected agent error")
		}
	}

	_, err := c.Invoke(ctx, "a", nil, 0)
	var coe *domain.CircuitOpenError
	if !errors.As(err, &coe) || coe.RetryAfter <= 0 {
		t.Fatalf("expected CircuitOpenError with RetryAfter, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("agent must not be called while open, got %d calls", calls.Load())
	}
	if got := testutil.ToFloat64(c.Metrics().BreakerState.WithLabelValues("a")); got != 2 {
		t.Fatalf("expected breaker gauge = open, got %v", got)
	}
}

func TestMalformedResultIsFailure(t *testing.T) {
	c := newTestCore(t, testConfig(), nil)
	ctx := context.Background()

	bad := CapabilityFunc(func(context.Context, []byte) ([]byte, error) {
		return []byte(`{"truncated":`), nil
	})
	_ = c.RegisterAgent(agent("a"), bad)

	if _, err := c.Invoke(ctx, "a", nil, 0); !errors.Is(err, ErrMalformedResult) {
		t.Fatalf("expected malformed result error, got %v", err)
	}
	snap, _ := c.CircuitBreakerStatus(ctx)
	if len(snap) != 1 || snap[0].ConsecutiveFailures != 1 {
		t.Fatalf("malformed result must count as failure, got %+v", snap)
	}
}

type brokenOutcomes struct {
	*outcome.MemoryStore
	calls atomic.Int32
}

func (b *brokenOutcomes) Upsert(context.Context, domain.Outcome, time.Duration) (string, bool, error) {
	b.calls.Add(1)
	return "", false, domain.Unavailable("outcomes", errors.New("disk full"))
}

func TestRecorderFailureNeverSurfaces(t *testing.T) {
	store := &brokenOutcomes{MemoryStore: outcome.NewMemoryStore()}
	cfg := testConfig()
	cfg.Recorder.RetryAttempts = 1
	c := newTestCore(t, cfg, store)
	_ = c.RegisterAgent(agent("a"), echo())

	out, err := c.Invoke(context.Background(), "a", []byte(`{}`), 0)
	if err != nil || string(out) != `{"ok":true}` {
		t.Fatalf("recorder failure must not affect the caller: %s %v", out, err)
	}
	c.Close()
	if store.calls.Load() != 1 {
		t.Fatalf("expected one write attempt, got %d", store.calls.Load())
	}
	if got := testutil.ToFloat64(c.Metrics().OutcomesDropped.WithLabelValues(outcome.DropStoreFail)); got != 1 {
		t.Fatalf("expected dropped outcome metric, got %v", got)
	}
}

func TestCallerCancellationReleasesTrial(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.Cooldown = 10 * time.Millisecond
	cfg.Breaker.MaxCooldown = 10 * time.Millisecond
	c := newTestCore(t, cfg, nil)

	var fail atomic.Bool
	fail.Store(true)
	started := make(chan struct{}, 1)
	capability := CapabilityFunc(func(ctx context.Context, _ []byte) ([]byte, error) {
		if fail.Load() {
			return nil, errors.New("boom")
		}
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_ = c.RegisterAgent(agent("a"), capability)

	for i := 0; i < 3; i++ {
		_, _ = c.Invoke(context.Background(), "a", nil, 0)
	}
	time.Sleep(20 * time.Millisecond)
	fail.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	if _, err := c.Invoke(ctx, "a", nil, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	snaps, _ := c.CircuitBreakerStatus(context.Background())
	if len(snaps) != 1 || snaps[0].State != domain.BreakerHalfOpen || snaps[0].HalfOpenTrialInFlight {
		t.Fatalf("abandoned trial must be released, got %+v", snaps)
	}
}

func TestDirectiveDrivesDefaultTimeout(t *testing.T) {
	c := newTestCore(t, testConfig(), nil)
	ctx := context.Background()

	var deadline time.Duration
	var mu sync.Mutex
	capability := CapabilityFunc(func(ctx context.Context, _ []byte) ([]byte, error) {
		d, _ := ctx.Deadline()
		mu.Lock()
		deadline = time.Until(d)
		mu.Unlock()
		return []byte(`{}`), nil
	})
	_ = c.RegisterAgent(agent("a"), capability)

	if _, err := c.directives.Set(ctx, infra.DirectiveInvokeTimeout, 45, "success-rate-falling-extend-timeout"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Invoke(ctx, "a", nil, 0); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if deadline < 40*time.Second || deadline > 45*time.Second {
		t.Fatalf("expected directive timeout ~45s, got %v", deadline)
	}
}

func TestRateLimiter(t *testing.T) {
	l := NewLimiter(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, "a"); err != nil {
		t.Fatalf("first call must pass, got %v", err)
	}
	if err := l.Wait(ctx, "a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if err := l.Wait(ctx, "b"); err != nil {
		t.Fatalf("limits are per agent, got %v", err)
	}

	disabled := NewLimiter(0, 0)
	if err := disabled.Wait(ctx, "a"); err != nil {
		t.Fatalf("disabled limiter must pass, got %v", err)
	}
}

func TestTraceIDReachesOutcomeMetadata(t *testing.T) {
	store := outcome.NewMemoryStore()
	c := newTestCore(t, testConfig(), store)
	_ = c.RegisterAgent(agent("a"), echo())

	var seen string
	h := TracingMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = TraceID(r.Context())
		_, _ = c.Invoke(r.Context(), "a", []byte(`{}`), 0)
	}))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Trace-ID", "trace-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "trace-1" || rec.Header().Get("X-Trace-ID") != "trace-1" {
		t.Fatalf("trace id not propagated: ctx=%q header=%q", seen, rec.Header().Get("X-Trace-ID"))
	}

	c.Close()
	records := store.Records()
	if len(records) != 1 || records[0].Metadata["trace_id"] != "trace-1" {
		t.Fatalf("expected trace id in outcome metadata, got %+v", records)
	}
	if TraceID(context.Background()) != "" {
		t.Fatal("empty context must carry no trace id")
	}
}

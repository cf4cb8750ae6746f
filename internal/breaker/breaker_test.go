package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
	"github.com/xela07ax/spaceai-adaptive-core/internal/statestore"
	"go.uber.org/zap/zaptest"
)

var errAgent = errors.New("agent failed")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transitions struct {
	mu   sync.Mutex
	seen []string
}

func (tr *transitions) record(_ string, from, to domain.BreakerState) {
	tr.mu.Lock()
	tr.seen = append(tr.seen, string(from)+"->"+string(to))
	tr.mu.Unlock()
}

func (tr *transitions) count(edge string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n := 0
	for _, s := range tr.seen {
		if s == edge {
			n++
		}
	}
	return n
}

func newTestBreaker(t *testing.T, store statestore.Store) (*Breaker, *clock, *transitions) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := &transitions{}
	b := New(store, Settings{
		FailureThreshold:  3,
		Window:            time.Minute,
		Cooldown:          10 * time.Second,
		MaxCooldown:       time.Minute,
		BackoffMultiplier: 2,
		TrialTimeout:      30 * time.Second,
		OnStateChange:     tr.record,
	}, zaptest.NewLogger(t))
	b.now = c.Now
	return b, c, tr
}

func trip(t *testing.T, b *Breaker, agentID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_ = b.Execute(context.Background(), agentID, func(context.Context) error { return errAgent })
	}
}

func TestClosedStateAllowsCalls(t *testing.T) {
	b, _, _ := newTestBreaker(t, statestore.NewMemoryStore())
	called := false
	err := b.Execute(context.Background(), "a", func(context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
}

func TestOpensExactlyOnceAndStopsCalling(t *testing.T) {
	b, _, tr := newTestBreaker(t, statestore.NewMemoryStore())
	ctx := context.Background()

	trip(t, b, "a", 3)
	if got := tr.count("CLOSED->OPEN"); got != 1 {
		t.Fatalf("expected one CLOSED->OPEN transition, got %d", got)
	}

	calls := 0
	for i := 0; i < 5; i++ {
		err := b.Execute(ctx, "a", func(context.Context) error {
			calls++
			return nil
		})
		if !errors.Is(err, domain.ErrCircuitOpen) {
			t.Fatalf("expected ErrCircuitOpen, got %v", err)
		}
		var coe *domain.CircuitOpenError
		if !errors.As(err, &coe) || coe.RetryAfter <= 0 {
			t.Fatalf("expected RetryAfter in error, got %v", err)
		}
	}
	if calls != 0 {
		t.Fatalf("capability must not be invoked while open, got %d calls", calls)
	}
	if got := tr.count("CLOSED->OPEN"); got != 1 {
		t.Fatalf("expected still one CLOSED->OPEN transition, got %d", got)
	}
}

func TestLateFailuresAfterOpenDoNotReopen(t *testing.T) {
	b, _, tr := newTestBreaker(t, statestore.NewMemoryStore())
	ctx := context.Background()

	// Пять вызовов стартовали, пока предохранитель был закрыт
	tickets := make([]Ticket, 5)
	for i := range tickets {
		tk, err := b.Allow(ctx, "a")
		if err != nil {
			t.Fatal(err)
		}
		tickets[i] = tk
	}
	for _, tk := range tickets {
		if err := b.Report(ctx, tk, false); err != nil {
			t.Fatal(err)
		}
	}

	if got := tr.count("CLOSED->OPEN"); got != 1 {
		t.Fatalf("expected exactly one open transition, got %d", got)
	}
	snap, _ := b.Snapshot(ctx, "a")
	if snap.ConsecutiveFailures != 3 || snap.OpenCount != 1 {
		t.Fatalf("late reports must be ignored, got %+v", snap)
	}
}

func TestFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	b, clk, _ := newTestBreaker(t, statestore.NewMemoryStore())
	ctx := context.Background()

	trip(t, b, "a", 2)
	clk.Advance(2 * time.Minute)
	trip(t, b, "a", 1)

	snap, _ := b.Snapshot(ctx, "a")
	if snap.State != domain.BreakerClosed || snap.ConsecutiveFailures != 1 {
		t.Fatalf("expected closed with 1 failure in new window, got %+v", snap)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _, _ := newTestBreaker(t, statestore.NewMemoryStore())
	ctx := context.Background()

	trip(t, b, "a", 2)
	_ = b.Execute(ctx, "a", func(context.Context) error { return nil })
	trip(t, b, "a", 2)

	snap, _ := b.Snapshot(ctx, "a")
	if snap.State != domain.BreakerClosed || snap.ConsecutiveFailures != 2 {
		t.Fatalf("expected closed with 2 failures, got %+v", snap)
	}
}

func TestHalfOpenSingleTrialUnderConcurrency(t *testing.T) {
	b, clk, _ := newTestBreaker(t, statestore.NewMemoryStore())
	ctx := context.Background()

	trip(t, b, "a", 3)
	clk.Advance(11 * time.Second)

	var (
		wg       sync.WaitGroup
		allowed  atomic.Int32
		rejected atomic.Int32
		trial    Ticket
		trialMu  sync.Mutex
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := b.Allow(ctx, "a")
			if err != nil {
				if !errors.Is(err, domain.ErrCircuitOpen) {
					t.Errorf("unexpected error: %v", err)
				}
				rejected.Add(1)
				return
			}
			allowed.Add(1)
			trialMu.Lock()
			trial = tk
			trialMu.Unlock()
		}()
	}
	wg.Wait()

	if allowed.Load() != 1 || rejected.Load() != 63 {
		t.Fatalf("expected exactly one trial, got allowed=%d rejected=%d", allowed.Load(), rejected.Load())
	}
	if !trial.Trial() || trial.Observed != domain.BreakerHalfOpen {
		t.Fatalf("expected half-open trial ticket, got %+v", trial)
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	b, clk, tr := newTestBreaker(t, statestore.NewMemoryStore())
	ctx := context.Background()

	trip(t, b, "a", 3)
	clk.Advance(11 * time.Second)

	called := false
	if err := b.Execute(ctx, "a", func(context.Context) error { called = true; return nil }); err != nil {
		t.Fatalf("expected trial to pass, got %v", err)
	}
	if !called {
		t.Fatal("expected trial call")
	}

	snap, _ := b.Snapshot(ctx, "a")
	if snap.State != domain.BreakerClosed || snap.ConsecutiveFailures != 0 || snap.HalfOpenTrialInFlight {
		t.Fatalf("expected reset closed state, got %+v", snap)
	}
	// Восстановление идёт строго через HALF_OPEN
	if tr.count("OPEN->HALF_OPEN") != 1 || tr.count("HALF_OPEN->CLOSED") != 1 {
		t.Fatalf("unexpected transitions: %v", tr.seen)
	}
}

func TestHalfOpenFailureReopensWithBackoff(t *testing.T) {
	b, clk, _ := newTestBreaker(t, statestore.NewMemoryStore())
	ctx := context.Background()

	trip(t, b, "a", 3)
	clk.Advance(11 * time.Second)
	_ = b.Execute(ctx, "a", func(context.Context) error { return errAgent })

	snap, _ := b.Snapshot(ctx, "a")
	if snap.State != domain.BreakerOpen || snap.OpenCount != 2 {
		t.Fatalf("expected reopened state, got %+v", snap)
	}

	// Второй cooldown — 20s: через 11s всё ещё закрыто
	clk.Advance(11 * time.Second)
	if _, err := b.Allow(ctx, "a"); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected backoff to keep breaker open, got %v", err)
	}
	clk.Advance(10 * time.Second)
	tk, err := b.Allow(ctx, "a")
	if err != nil || !tk.Trial() {
		t.Fatalf("expected trial after backoff cooldown, got %+v %v", tk, err)
	}
}

func TestCooldownIsCapped(t *testing.T) {
	b, _, _ := newTestBreaker(t, statestore.NewMemoryStore())
	got := b.cooldown(domain.BreakerSnapshot{OpenCount: 10})
	if got != time.Minute {
		t.Fatalf("expected cooldown capped at 1m, got %v", got)
	}
}

func TestStaleClosedReportIgnored(t *testing.T) {
	b, _, _ := newTestBreaker(t, statestore.NewMemoryStore())
	ctx := context.Background()

	slow, _ := b.Allow(ctx, "a")
	trip(t, b, "a", 3)

	// Медленный вызов завершился успешно уже после открытия — состояние не меняется
	if err := b.Report(ctx, slow, true); err != nil {
		t.Fatal(err)
	}
	snap, _ := b.Snapshot(ctx, "a")
	if snap.State != domain.BreakerOpen {
		t.Fatalf("stale success must not close the breaker, got %+v", snap)
	}
}

func TestConcurrentFailureReportsAreNotLost(t *testing.T) {
	b, _, _ := newTestBreaker(t, statestore.NewMemoryStore())
	b.settings.FailureThreshold = 1000
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := b.Allow(ctx, "a")
			if err != nil {
				t.Errorf("allow: %v", err)
				return
			}
			if err := b.Report(ctx, tk, false); err != nil {
				t.Errorf("report: %v", err)
			}
		}()
	}
	wg.Wait()

	snap, _ := b.Snapshot(ctx, "a")
	if snap.ConsecutiveFailures != 10 {
		t.Fatalf("expected 10 failures, got %d", snap.ConsecutiveFailures)
	}
}

func TestReleaseFreesTrial(t *testing.T) {
	b, clk, _ := newTestBreaker(t, statestore.NewMemoryStore())
	ctx := context.Background()

	trip(t, b, "a", 3)
	clk.Advance(11 * time.Second)

	tk, err := b.Allow(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Allow(ctx, "a"); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected second caller to be rejected, got %v", err)
	}

	if err := b.Release(ctx, tk); err != nil {
		t.Fatal(err)
	}
	next, err := b.Allow(ctx, "a")
	if err != nil || !next.Trial() || next.TrialID == tk.TrialID {
		t.Fatalf("expected a fresh trial after release, got %+v %v", next, err)
	}
	// Отчёт по освобождённому билету больше ни на что не влияет
	_ = b.Report(ctx, tk, true)
	snap, _ := b.Snapshot(ctx, "a")
	if snap.State != domain.BreakerHalfOpen || snap.TrialID != next.TrialID {
		t.Fatalf("released ticket must be stale, got %+v", snap)
	}
}

func TestStaleTrialIsReclaimed(t *testing.T) {
	b, clk, _ := newTestBreaker(t, statestore.NewMemoryStore())
	ctx := context.Background()

	trip(t, b, "a", 3)
	clk.Advance(11 * time.Second)
	lost, _ := b.Allow(ctx, "a") // держатель пробы «упал»

	clk.Advance(31 * time.Second)
	tk, err := b.Allow(ctx, "a")
	if err != nil || !tk.Trial() || tk.TrialID == lost.TrialID {
		t.Fatalf("expected stale trial to be reclaimed, got %+v %v", tk, err)
	}
}

type unavailableStore struct{}

func (unavailableStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, domain.Unavailable("statestore", errors.New("connection refused"))
}
func (unavailableStore) Set(context.Context, string, []byte, time.Duration) error {
	return domain.Unavailable("statestore", errors.New("connection refused"))
}
func (unavailableStore) CompareAndSwap(context.Context, string, []byte, []byte, time.Duration) (bool, error) {
	return false, domain.Unavailable("statestore", errors.New("connection refused"))
}
func (unavailableStore) List(context.Context, string) (map[string][]byte, error) {
	return nil, domain.Unavailable("statestore", errors.New("connection refused"))
}

func TestFailsOpenWhenStoreUnavailable(t *testing.T) {
	b, _, _ := newTestBreaker(t, unavailableStore{})
	ctx := context.Background()

	calls := 0
	for i := 0; i < 5; i++ {
		err := b.Execute(ctx, "a", func(context.Context) error {
			calls++
			return errAgent
		})
		if !errors.Is(err, errAgent) {
			t.Fatalf("expected agent error to pass through, got %v", err)
		}
	}
	if calls != 5 {
		t.Fatalf("degraded breaker must let every call through, got %d", calls)
	}

	if _, err := b.Status(ctx); !errors.Is(err, domain.ErrPersistenceUnavailable) {
		t.Fatalf("expected status to report unavailability, got %v", err)
	}
}

func TestStatusIsOrderedAndReadOnly(t *testing.T) {
	store := statestore.NewMemoryStore()
	b, _, _ := newTestBreaker(t, store)
	ctx := context.Background()

	trip(t, b, "charlie", 3)
	trip(t, b, "alpha", 1)
	trip(t, b, "bravo", 2)

	first, err := b.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 3 || first[0].AgentID != "alpha" || first[1].AgentID != "bravo" || first[2].AgentID != "charlie" {
		t.Fatalf("expected ordered dump, got %+v", first)
	}
	if first[2].State != domain.BreakerOpen {
		t.Fatalf("expected charlie open, got %+v", first[2])
	}

	second, _ := b.Status(ctx)
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("status mutated state: %+v vs %+v", first[i], second[i])
		}
	}
}

func TestShortStateTTLDoesNotExpireOpenState(t *testing.T) {
	settings := Settings{
		FailureThreshold:  1,
		Window:            time.Second,
		Cooldown:          2 * time.Second,
		MaxCooldown:       2 * time.Second,
		BackoffMultiplier: 1,
		TrialTimeout:      time.Second,
		StateTTL:          50 * time.Millisecond,
	}
	b := New(statestore.NewMemoryStore(), settings, zaptest.NewLogger(t))
	if b.settings.StateTTL <= settings.MaxCooldown+settings.TrialTimeout {
		t.Fatalf("expected state ttl raised above cooldown and trial, got %s", b.settings.StateTTL)
	}

	ctx := context.Background()
	trip(t, b, "a", 1)
	time.Sleep(100 * time.Millisecond)

	if _, err := b.Allow(ctx, "a"); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("open breaker must hold until cooldown elapses, got %v", err)
	}
}

func TestCorruptStateIsResetAndCounted(t *testing.T) {
	store := statestore.NewMemoryStore()
	b, _, _ := newTestBreaker(t, store)
	ctx := context.Background()

	if err := store.Set(ctx, KeyPrefix+"a", []byte("{not json"), 0); err != nil {
		t.Fatal(err)
	}

	ticket, err := b.Allow(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if ticket.Degraded || ticket.Observed != domain.BreakerClosed {
		t.Fatalf("expected a counted closed ticket, got %+v", ticket)
	}

	trip(t, b, "a", 3)
	snap, err := b.Snapshot(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != domain.BreakerOpen {
		t.Fatalf("failures after reset must open the breaker, got %+v", snap)
	}
}

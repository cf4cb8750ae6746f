package adapt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
	"github.com/xela07ax/spaceai-adaptive-core/internal/infra"
	"go.uber.org/zap/zaptest"
)

const fpKey = "agents.confidence_threshold"

type fakeDirectives struct {
	mu    sync.Mutex
	items map[string]domain.Directive
	now   func() time.Time
	err   error
	sets  int
}

func newFakeDirectives(now func() time.Time) *fakeDirectives {
	return &fakeDirectives{items: make(map[string]domain.Directive), now: now}
}

func (f *fakeDirectives) Get(_ context.Context, key string) (domain.Directive, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Directive{}, false, f.err
	}
	d, ok := f.items[key]
	return d, ok, nil
}

func (f *fakeDirectives) Set(_ context.Context, key string, value float64, by string) (domain.Directive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Directive{}, f.err
	}
	d := domain.Directive{Key: key, Value: value, PreviousValue: f.items[key].Value, ChangedAt: f.now(), ChangedBy: by}
	f.items[key] = d
	f.sets++
	return d, nil
}

func (f *fakeDirectives) CompareAndSet(_ context.Context, key string, expect, value float64, by string) (domain.Directive, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Directive{}, false, f.err
	}
	cur, ok := f.items[key]
	if !ok || cur.Value != expect {
		return domain.Directive{}, false, nil
	}
	d := domain.Directive{Key: key, Value: value, PreviousValue: expect, ChangedAt: f.now(), ChangedBy: by}
	f.items[key] = d
	f.sets++
	return d, true, nil
}

// stepMetrics отдаёт before для окон, закончившихся до pivot, и after — для остальных.
type stepMetrics struct {
	pivot         time.Time
	before, after float64
	empty         bool
}

func (m *stepMetrics) MetricValue(_ context.Context, _ domain.MetricCategory, _ string, _, to time.Time) (float64, bool, error) {
	if m.empty {
		return 0, false, nil
	}
	if !to.After(m.pivot) {
		return m.before, true, nil
	}
	return m.after, true, nil
}

type fixture struct {
	adapter    *Adapter
	directives *fakeDirectives
	results    *MemoryResultStore
	metrics    *stepMetrics
	clock      *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{clock: &now, results: NewMemoryResultStore()}
	clock := func() time.Time { return *f.clock }
	f.directives = newFakeDirectives(clock)
	f.metrics = &stepMetrics{pivot: now}

	rules, err := RulesFromConfig(infra.DefaultConfig().Adapter.Rules)
	if err != nil {
		t.Fatal(err)
	}
	f.adapter = New(rules, f.directives, f.metrics, f.results, Settings{
		EvalMinAge:          72 * time.Hour,
		EvalMaxAge:          240 * time.Hour,
		RegressionTolerance: 0.05,
		DirectiveCooldown:   72 * time.Hour,
	}, zaptest.NewLogger(t))
	f.adapter.now = clock
	return f
}

func (f *fixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func risingFP() domain.TrendAnalysis {
	return domain.TrendAnalysis{
		Metric:          domain.MetricFalsePositiveRate,
		Direction:       domain.DirectionDeclining,
		Slope:           0.01,
		Confidence:      0.9,
		ConsecutiveDays: 4,
		Samples:         14,
		Latest:          0.2,
	}
}

func TestProposeFromRisingFalsePositives(t *testing.T) {
	f := newFixture(t)
	proposals, err := f.adapter.Propose(context.Background(), []domain.TrendAnalysis{risingFP()})
	if err != nil {
		t.Fatal(err)
	}
	if len(proposals) != 1 {
		t.Fatalf("expected one proposal, got %+v", proposals)
	}
	p := proposals[0]
	if p.DirectiveKey != fpKey || p.CurrentValue != 0.7 || p.ProposedValue != 0.75 {
		t.Fatalf("unexpected proposal %+v", p)
	}
	if f.directives.sets != 0 {
		t.Fatal("propose must not write directives")
	}
}

func TestProposeIgnoresWeakOrStableTrends(t *testing.T) {
	f := newFixture(t)

	weak := risingFP()
	weak.Confidence = 0.3
	short := risingFP()
	short.ConsecutiveDays = 1
	stable := risingFP()
	stable.Direction = domain.DirectionStable

	proposals, _ := f.adapter.Propose(context.Background(), []domain.TrendAnalysis{weak, short, stable})
	if len(proposals) != 0 {
		t.Fatalf("expected no proposals, got %+v", proposals)
	}
}

func TestProposeStopsAtBound(t *testing.T) {
	f := newFixture(t)
	_, _ = f.directives.Set(context.Background(), fpKey, 0.95, "operator")

	proposals, _ := f.adapter.Propose(context.Background(), []domain.TrendAnalysis{risingFP()})
	if len(proposals) != 0 {
		t.Fatalf("expected no proposal at max bound, got %+v", proposals)
	}
}

func TestApplyWritesDirectiveAndResult(t *testing.T) {
	f := newFixture(t)
	f.metrics.before = 0.2
	ctx := context.Background()

	proposals, _ := f.adapter.Propose(ctx, []domain.TrendAnalysis{risingFP()})
	report, err := f.adapter.Apply(ctx, proposals)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Applied) != 1 || len(report.Skipped) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	res := report.Applied[0]
	if res.PreviousValue != 0.7 || res.AppliedValue != 0.75 || res.MetricBefore != 0.2 || res.Evaluated() {
		t.Fatalf("unexpected result %+v", res)
	}

	d, _, _ := f.directives.Get(ctx, fpKey)
	if d.Value != 0.75 || d.ChangedBy != "fp-rate-rising-raise-confidence" {
		t.Fatalf("unexpected directive %+v", d)
	}
}

func TestApplySkipsDirectiveInCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _ := f.adapter.Propose(ctx, []domain.TrendAnalysis{risingFP()})
	if _, err := f.adapter.Apply(ctx, first); err != nil {
		t.Fatal(err)
	}

	f.advance(24 * time.Hour)
	second, _ := f.adapter.Propose(ctx, []domain.TrendAnalysis{risingFP()})
	report, err := f.adapter.Apply(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Applied) != 0 || len(report.Skipped) != 1 {
		t.Fatalf("expected skip inside cooldown, got %+v", report)
	}
	if !strings.Contains(report.Skipped[0].Reason, "cooldown") {
		t.Fatalf("unexpected skip reason %q", report.Skipped[0].Reason)
	}

	f.advance(49 * time.Hour)
	third, _ := f.adapter.Propose(ctx, []domain.TrendAnalysis{risingFP()})
	report, _ = f.adapter.Apply(ctx, third)
	if len(report.Applied) != 1 || report.Applied[0].AppliedValue != 0.8 {
		t.Fatalf("expected apply after cooldown, got %+v", report)
	}
}

func TestApplyRejectsInvalidBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good, _ := f.adapter.Propose(ctx, []domain.TrendAnalysis{risingFP()})
	bad := good[0]
	bad.DirectiveKey = "orchestrator.invoke_timeout_seconds"
	bad.Metric = "nonsense"

	_, err := f.adapter.Apply(ctx, append(good, bad))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.directives.sets != 0 {
		t.Fatal("nothing must be applied when any proposal is invalid")
	}
	if pending, _ := f.results.Pending(ctx); len(pending) != 0 {
		t.Fatalf("no results must be stored, got %d", len(pending))
	}
}

func TestApplySurfacesDirectiveWriteFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proposals, _ := f.adapter.Propose(ctx, []domain.TrendAnalysis{risingFP()})

	f.directives.err = domain.Unavailable("directives", errors.New("down"))
	if _, err := f.adapter.Apply(ctx, proposals); !errors.Is(err, domain.ErrPersistenceUnavailable) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func applyOne(t *testing.T, f *fixture) domain.AdaptationResult {
	t.Helper()
	ctx := context.Background()
	proposals, _ := f.adapter.Propose(ctx, []domain.TrendAnalysis{risingFP()})
	report, err := f.adapter.Apply(ctx, proposals)
	if err != nil || len(report.Applied) != 1 {
		t.Fatalf("apply failed: %+v %v", report, err)
	}
	return report.Applied[0]
}

func TestEvaluateWaitsForMinAge(t *testing.T) {
	f := newFixture(t)
	applyOne(t, f)
	f.advance(24 * time.Hour)

	report, err := f.adapter.Evaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Pending != 1 || len(report.Evaluated) != 0 {
		t.Fatalf("expected result to stay pending, got %+v", report)
	}
}

func TestEvaluateRevertsRegressionExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.metrics.before, f.metrics.after = 0.10, 0.20 // доля ложных срабатываний выросла вдвое
	ctx := context.Background()

	res := applyOne(t, f)
	f.advance(96 * time.Hour)

	report, err := f.adapter.Evaluate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Reverted != 1 || len(report.Evaluated) != 1 || !report.Evaluated[0].Reverted {
		t.Fatalf("expected revert, got %+v", report)
	}
	d, _, _ := f.directives.Get(ctx, fpKey)
	if d.Value != res.PreviousValue || d.ChangedBy != RevertedBy(res.ID) {
		t.Fatalf("expected directive restored, got %+v", d)
	}

	sets := f.directives.sets
	f.advance(time.Hour)
	again, _ := f.adapter.Evaluate(ctx)
	if len(again.Evaluated) != 0 || again.Reverted != 0 || f.directives.sets != sets {
		t.Fatalf("second evaluation must be a no-op, got %+v", again)
	}
}

func TestEvaluateKeepsNeutralChange(t *testing.T) {
	f := newFixture(t)
	f.metrics.before, f.metrics.after = 0.10, 0.102 // +2% в пределах допуска
	ctx := context.Background()

	applyOne(t, f)
	f.advance(96 * time.Hour)

	report, _ := f.adapter.Evaluate(ctx)
	if len(report.Evaluated) != 1 || report.Reverted != 0 || report.Evaluated[0].MetricAfter == nil {
		t.Fatalf("expected evaluation without revert, got %+v", report)
	}
	if d, _, _ := f.directives.Get(ctx, fpKey); d.Value != 0.75 {
		t.Fatalf("directive must keep applied value, got %+v", d)
	}
}

func TestEvaluateImprovementIsKept(t *testing.T) {
	f := newFixture(t)
	f.metrics.before, f.metrics.after = 0.20, 0.05
	applyOne(t, f)
	f.advance(96 * time.Hour)

	report, _ := f.adapter.Evaluate(context.Background())
	if len(report.Evaluated) != 1 || report.Evaluated[0].Reverted {
		t.Fatalf("improvement must not be reverted, got %+v", report)
	}
}

func TestEvaluateDoesNotRevertForeignChange(t *testing.T) {
	f := newFixture(t)
	f.metrics.before, f.metrics.after = 0.10, 0.30
	ctx := context.Background()

	applyOne(t, f)
	f.advance(96 * time.Hour)
	_, _ = f.directives.Set(ctx, fpKey, 0.9, "operator")

	report, _ := f.adapter.Evaluate(ctx)
	if len(report.Evaluated) != 1 || report.Evaluated[0].Reverted {
		t.Fatalf("operator change must win, got %+v", report)
	}
	if d, _, _ := f.directives.Get(ctx, fpKey); d.Value != 0.9 {
		t.Fatalf("directive must keep operator value, got %+v", d)
	}
}

func TestEvaluateExpiredWindow(t *testing.T) {
	f := newFixture(t)
	f.metrics.before, f.metrics.after = 0.10, 0.50
	ctx := context.Background()

	applyOne(t, f)
	f.advance(241 * time.Hour)

	report, _ := f.adapter.Evaluate(ctx)
	if len(report.Evaluated) != 1 || report.Evaluated[0].Reverted {
		t.Fatalf("expired result must be closed without revert, got %+v", report)
	}
	if report.Evaluated[0].Rationale != "evaluation window elapsed" {
		t.Fatalf("unexpected rationale %q", report.Evaluated[0].Rationale)
	}
}

func TestEvaluateWithoutDataStaysPending(t *testing.T) {
	f := newFixture(t)
	applyOne(t, f)
	f.metrics.empty = true
	f.advance(96 * time.Hour)

	report, _ := f.adapter.Evaluate(context.Background())
	if report.Pending != 1 || len(report.Evaluated) != 0 {
		t.Fatalf("expected pending without data, got %+v", report)
	}
}

func TestRelativeRegressionPolarity(t *testing.T) {
	cases := []struct {
		metric        domain.MetricCategory
		before, after float64
		want          float64
	}{
		{domain.MetricSuccessRate, 0.9, 0.81, 0.1},
		{domain.MetricSuccessRate, 0.8, 0.88, -0.1},
		{domain.MetricAvgLatency, 100, 120, 0.2},
		{domain.MetricFalsePositiveRate, 0.2, 0.1, -0.5},
	}
	for _, tc := range cases {
		got := relativeRegression(tc.metric, tc.before, tc.after)
		if got-tc.want > 1e-9 || tc.want-got > 1e-9 {
			t.Fatalf("%s %v->%v: expected %v, got %v", tc.metric, tc.before, tc.after, tc.want, got)
		}
	}
}

// flakyResults роняет первую отметку об оценке.
type flakyResults struct {
	*MemoryResultStore
	failures int
}

func (f *flakyResults) MarkEvaluated(ctx context.Context, r domain.AdaptationResult) (bool, error) {
	if f.failures > 0 {
		f.failures--
		return false, domain.Unavailable("results", errors.New("down"))
	}
	return f.MemoryResultStore.MarkEvaluated(ctx, r)
}

func TestEvaluateKeepsRevertAfterFailedMark(t *testing.T) {
	f := newFixture(t)
	results := &flakyResults{MemoryResultStore: f.results, failures: 1}
	f.adapter.results = results
	f.metrics.before, f.metrics.after = 0.10, 0.20
	ctx := context.Background()

	res := applyOne(t, f)
	f.advance(96 * time.Hour)

	first, err := f.adapter.Evaluate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.Failed != 1 || len(first.Evaluated) != 0 {
		t.Fatalf("expected mark failure to be reported, got %+v", first)
	}
	d, _, _ := f.directives.Get(ctx, fpKey)
	if d.ChangedBy != RevertedBy(res.ID) {
		t.Fatalf("expected directive reverted on first run, got %+v", d)
	}

	f.advance(time.Hour)
	second, err := f.adapter.Evaluate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Evaluated) != 1 || !second.Evaluated[0].Reverted || second.Reverted != 1 {
		t.Fatalf("stored result must record the revert, got %+v", second)
	}
	if !strings.Contains(second.Evaluated[0].Rationale, "already reverted") {
		t.Fatalf("unexpected rationale %q", second.Evaluated[0].Rationale)
	}
	if d2, _, _ := f.directives.Get(ctx, fpKey); d2 != d {
		t.Fatalf("directive must not change again, got %+v", d2)
	}
}

type lessonFunc func(ctx context.Context, r domain.AdaptationResult, to time.Time) (string, error)

func (f lessonFunc) Lesson(ctx context.Context, r domain.AdaptationResult, to time.Time) (string, error) {
	return f(ctx, r, to)
}

func TestEvaluateAppendsLesson(t *testing.T) {
	f := newFixture(t)
	f.metrics.before, f.metrics.after = 0.10, 0.101
	ctx := context.Background()

	var window time.Duration
	f.adapter.WithLessons(lessonFunc(func(_ context.Context, r domain.AdaptationResult, to time.Time) (string, error) {
		window = to.Sub(r.AppliedAt)
		return "threshold change held", nil
	}))

	applyOne(t, f)
	f.advance(96 * time.Hour)

	report, err := f.adapter.Evaluate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Evaluated) != 1 || !strings.HasSuffix(report.Evaluated[0].Rationale, "; lesson: threshold change held") {
		t.Fatalf("expected lesson in rationale, got %+v", report.Evaluated)
	}
	if window != 96*time.Hour {
		t.Fatalf("lesson must cover outcomes since the change, got %v", window)
	}
}

func TestEvaluateIgnoresLessonFailure(t *testing.T) {
	f := newFixture(t)
	f.metrics.before, f.metrics.after = 0.10, 0.101
	f.adapter.WithLessons(lessonFunc(func(context.Context, domain.AdaptationResult, time.Time) (string, error) {
		return "", errors.New("quota exceeded")
	}))

	applyOne(t, f)
	f.advance(96 * time.Hour)

	report, err := f.adapter.Evaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Evaluated) != 1 || strings.Contains(report.Evaluated[0].Rationale, "lesson") {
		t.Fatalf("evaluation must complete without a lesson, got %+v", report)
	}
}

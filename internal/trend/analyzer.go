// Package trend строит тренды метрик исходов по суточным корзинам.
//
// Дни без данных пропускаются, но x каждой точки — её настоящий номер дня в окне,
// так что пропуски не искажают наклон. Анализ только читает данные.
package trend

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
	"go.uber.org/zap"
)

// Source: источник агрегатов исходов (outcome.Store). Пустой scope — вся система.
type Source interface {
	DailySeries(ctx context.Context, scope string, from, to time.Time) ([]domain.DailyStats, error)
	Stats(ctx context.Context, scope string, from, to time.Time) (domain.OutcomeStats, error)
}

type Settings struct {
	LookbackDays          int
	MinSamples            int
	FullConfidenceSamples int
	MinSlope              float64
	NoiseT                float64
}

type Analyzer struct {
	source   Source
	settings Settings
	logger   *zap.Logger
	now      func() time.Time
}

func NewAnalyzer(source Source, settings Settings, logger *zap.Logger) *Analyzer {
	if settings.MinSamples < 3 {
		settings.MinSamples = 3
	}
	if settings.FullConfidenceSamples < settings.MinSamples {
		settings.FullConfidenceSamples = settings.MinSamples
	}
	return &Analyzer{
		source:   source,
		settings: settings,
		logger:   logger.Named("trend"),
		now:      time.Now,
	}
}

// Window: окно анализа: LookbackDays полных суток до начала текущих (UTC).
// Текущие неполные сутки не учитываются.
func (a *Analyzer) Window() (from, to time.Time) {
	to = domain.TruncateDay(a.now())
	return to.AddDate(0, 0, -a.settings.LookbackDays), to
}

// Analyze строит тренд одной метрики в одном scope.
func (a *Analyzer) Analyze(ctx context.Context, metric domain.MetricCategory, scope string) (domain.TrendAnalysis, error) {
	from, to := a.Window()
	series, err := a.source.DailySeries(ctx, scope, from, to)
	if err != nil {
		return domain.TrendAnalysis{}, fmt.Errorf("trend %s/%s: %w", metric, scope, err)
	}
	return a.analyzeSeries(metric, scope, from, to, series), nil
}

// AnalyzeAll строит тренды всех метрик для каждого scope. Пустой scope — вся система.
func (a *Analyzer) AnalyzeAll(ctx context.Context, scopes []string) ([]domain.TrendAnalysis, error) {
	if len(scopes) == 0 {
		scopes = []string{""}
	}
	from, to := a.Window()

	out := make([]domain.TrendAnalysis, 0, len(scopes)*len(domain.AllMetrics))
	for _, scope := range scopes {
		// Одна выборка на scope, все метрики считаются по ней
		series, err := a.source.DailySeries(ctx, scope, from, to)
		if err != nil {
			return nil, fmt.Errorf("trend %s: %w", scope, err)
		}
		for _, m := range domain.AllMetrics {
			out = append(out, a.analyzeSeries(m, scope, from, to, series))
		}
	}
	return out, nil
}

// MetricValue: значение метрики за произвольное окно [from, to).
// ok=false, если в окне нет исходов.
func (a *Analyzer) MetricValue(ctx context.Context, metric domain.MetricCategory, scope string, from, to time.Time) (float64, bool, error) {
	stats, err := a.source.Stats(ctx, scope, from, to)
	if err != nil {
		return 0, false, fmt.Errorf("metric %s/%s: %w", metric, scope, err)
	}
	v, ok := stats.MetricValue(metric)
	return v, ok, nil
}

func (a *Analyzer) analyzeSeries(metric domain.MetricCategory, scope string, from, to time.Time, series []domain.DailyStats) domain.TrendAnalysis {
	res := domain.TrendAnalysis{
		Metric:      metric,
		Scope:       scope,
		Direction:   domain.DirectionStable,
		WindowStart: from,
		WindowEnd:   to,
	}

	xs := make([]float64, 0, len(series))
	ys := make([]float64, 0, len(series))
	for _, bucket := range series {
		v, ok := bucket.MetricValue(metric)
		if !ok || math.IsNaN(v) {
			continue
		}
		xs = append(xs, domain.TruncateDay(bucket.Day).Sub(from).Hours()/24)
		ys = append(ys, v)
	}
	res.Samples = len(ys)
	if res.Samples == 0 {
		return res
	}
	res.Latest = ys[len(ys)-1]

	if res.Samples < a.settings.MinSamples {
		var sum float64
		for _, y := range ys {
			sum += y
		}
		res.Mean = sum / float64(len(ys))
		return res
	}

	f := leastSquares(xs, ys)
	res.Slope = f.slope
	res.Intercept = f.intercept
	res.RSquared = f.r2
	res.Mean = f.meanY

	sampleFactor := math.Min(1, float64(res.Samples)/float64(a.settings.FullConfidenceSamples))

	if math.Abs(f.slope) < a.settings.MinSlope || math.Abs(f.t) < a.settings.NoiseT {
		res.Confidence = sampleFactor * (1 - f.r2)
		return res
	}

	if (f.slope > 0) == metric.HigherIsBetter() {
		res.Direction = domain.DirectionImproving
	} else {
		res.Direction = domain.DirectionDeclining
	}
	res.Confidence = sampleFactor * f.r2
	res.ConsecutiveDays = trailingRun(ys, f.slope > 0)
	return res
}

// trailingRun: сколько последних переходов день-к-дню идут в направлении наклона.
func trailingRun(ys []float64, rising bool) int {
	run := 0
	for i := len(ys) - 1; i > 0; i-- {
		d := ys[i] - ys[i-1]
		if (rising && d > 0) || (!rising && d < 0) {
			run++
			continue
		}
		break
	}
	return run
}

// Package adapt — замкнутый контур адаптации порогов.
//
// Propose по трендам формирует предложения (без побочных эффектов), Apply записывает
// директивы вместе с заготовкой AdaptationResult, Evaluate спустя время сравнивает
// метрику до и после и откатывает изменения, которые ухудшили её сильнее допуска.
package adapt

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
	"go.uber.org/zap"
)

// Directives: фасад хранилища директив (directive.Service).
type Directives interface {
	Get(ctx context.Context, key string) (domain.Directive, bool, error)
	Set(ctx context.Context, key string, value float64, changedBy string) (domain.Directive, error)
	CompareAndSet(ctx context.Context, key string, expect, value float64, changedBy string) (domain.Directive, bool, error)
}

// Metrics считает метрику за произвольное окно (trend.Analyzer).
type Metrics interface {
	MetricValue(ctx context.Context, metric domain.MetricCategory, scope string, from, to time.Time) (float64, bool, error)
}

// Lessons формулирует короткий урок по исходам после изменения (внешний сервис).
type Lessons interface {
	Lesson(ctx context.Context, r domain.AdaptationResult, to time.Time) (string, error)
}

type Settings struct {
	EvalMinAge          time.Duration
	EvalMaxAge          time.Duration
	RegressionTolerance float64 // относительное ухудшение, после которого изменение откатывается
	DirectiveCooldown   time.Duration
}

// RevertedBy: ChangedBy директивы при откате результата resultID.
func RevertedBy(resultID string) string { return "revert:" + resultID }

type Adapter struct {
	rules      []Rule
	directives Directives
	metrics    Metrics
	results    ResultStore
	lessons    Lessons
	settings   Settings
	logger     *zap.Logger
	now        func() time.Time
}

func New(rules []Rule, directives Directives, metrics Metrics, results ResultStore, settings Settings, logger *zap.Logger) *Adapter {
	return &Adapter{
		rules:      rules,
		directives: directives,
		metrics:    metrics,
		results:    results,
		settings:   settings,
		logger:     logger.Named("adapter"),
		now:        time.Now,
	}
}

// WithLessons подключает источник уроков: текст дописывается в Rationale оценки.
// Сбой источника на оценку не влияет.
func (a *Adapter) WithLessons(l Lessons) *Adapter {
	a.lessons = l
	return a
}

// Propose прогоняет тренды через таблицу правил. Ничего не пишет.
// На один ключ директивы приходится не больше одного предложения (побеждает первое правило).
func (a *Adapter) Propose(ctx context.Context, trends []domain.TrendAnalysis) ([]domain.AdaptationProposal, error) {
	now := a.now().UTC()
	seen := make(map[string]bool)
	current := make(map[string]float64)

	var out []domain.AdaptationProposal
	for _, rule := range a.rules {
		key := rule.DirectiveKey()
		if seen[key] {
			continue
		}
		for _, t := range trends {
			cur, ok := current[key]
			if !ok {
				d, found, err := a.directives.Get(ctx, key)
				if err != nil {
					return nil, fmt.Errorf("propose: %w", err)
				}
				cur = rule.Default()
				if found {
					cur = d.Value
				}
				current[key] = cur
			}

			p, ok := rule.Propose(t, cur, now)
			if !ok {
				continue
			}
			out = append(out, p)
			seen[key] = true
			break
		}
	}
	return out, nil
}

// Apply применяет предложения. Некорректное предложение отклоняет всю пачку до
// каких-либо записей. Директивы в периоде cooldown пропускаются и попадают в отчёт.
func (a *Adapter) Apply(ctx context.Context, proposals []domain.AdaptationProposal) (domain.ApplyReport, error) {
	var report domain.ApplyReport
	for i, p := range proposals {
		if err := p.Validate(); err != nil {
			return report, fmt.Errorf("proposal %d (%s): %w", i, p.RuleID, err)
		}
	}

	batch := make(map[string]bool, len(proposals))
	for _, p := range proposals {
		now := a.now().UTC()
		if batch[p.DirectiveKey] {
			report.Skipped = append(report.Skipped, domain.SkippedProposal{Proposal: p, Reason: "directive already changed in this batch"})
			continue
		}

		d, found, err := a.directives.Get(ctx, p.DirectiveKey)
		if err != nil {
			return report, fmt.Errorf("apply %s: %w", p.DirectiveKey, err)
		}
		if found {
			if until := d.ChangedAt.Add(a.cooldown(p.RuleID)); now.Before(until) {
				report.Skipped = append(report.Skipped, domain.SkippedProposal{
					Proposal: p,
					Reason:   fmt.Sprintf("directive cooldown until %s", until.Format(time.RFC3339)),
				})
				a.logger.Info("adaptation skipped: directive in cooldown",
					zap.String("key", p.DirectiveKey), zap.String("rule_id", p.RuleID), zap.Time("until", until))
				continue
			}
		}

		previous := p.CurrentValue
		if found {
			previous = d.Value
		}
		before := a.baseline(ctx, p, now)

		if _, err := a.directives.Set(ctx, p.DirectiveKey, p.ProposedValue, p.RuleID); err != nil {
			return report, fmt.Errorf("apply %s: %w", p.DirectiveKey, err)
		}
		batch[p.DirectiveKey] = true

		res := domain.AdaptationResult{
			ID:            uuid.NewString(),
			DirectiveKey:  p.DirectiveKey,
			RuleID:        p.RuleID,
			Metric:        p.Metric,
			Scope:         p.Scope,
			PreviousValue: previous,
			AppliedValue:  p.ProposedValue,
			AppliedAt:     now,
			MetricBefore:  before,
			Rationale:     p.Rationale,
		}
		if err := a.results.Create(ctx, res); err != nil {
			// Директива уже записана: без результата её не оценят, поэтому ошибка наверх
			a.logger.Error("adaptation applied but result not stored",
				zap.String("key", p.DirectiveKey), zap.String("result_id", res.ID), zap.Error(err))
			return report, fmt.Errorf("store adaptation result %s: %w", res.ID, err)
		}

		a.logger.Info("adaptation applied",
			zap.String("key", p.DirectiveKey),
			zap.String("rule_id", p.RuleID),
			zap.Float64("previous", previous),
			zap.Float64("value", p.ProposedValue),
			zap.String("result_id", res.ID))
		report.Applied = append(report.Applied, res)
	}
	return report, nil
}

// Evaluate оценивает все ожидающие результаты. Результат оценивается не более одного раза.
func (a *Adapter) Evaluate(ctx context.Context) (domain.EvaluationReport, error) {
	var report domain.EvaluationReport

	pending, err := a.results.Pending(ctx)
	if err != nil {
		return report, fmt.Errorf("evaluate: %w", err)
	}

	for _, r := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		now := a.now().UTC()
		age := now.Sub(r.AppliedAt)

		switch {
		case age < a.settings.EvalMinAge:
			report.Pending++
			continue
		case age > a.settings.EvalMaxAge:
			r.Rationale = "evaluation window elapsed"
		default:
			after, ok, err := a.metrics.MetricValue(ctx, r.Metric, r.Scope, r.AppliedAt, now)
			if err != nil {
				a.logger.Warn("evaluation postponed: metric unavailable", zap.String("result_id", r.ID), zap.Error(err))
				report.Failed++
				continue
			}
			if !ok {
				// Нет исходов после изменения — ждём
				report.Pending++
				continue
			}
			r.MetricAfter = &after

			regression := relativeRegression(r.Metric, r.MetricBefore, after)
			earlier, err := a.revertedEarlier(ctx, r)
			if err != nil {
				a.logger.Warn("evaluation postponed: directive unavailable", zap.String("result_id", r.ID), zap.Error(err))
				report.Failed++
				continue
			}
			if earlier {
				// Откат прошёл в прошлый запуск, но результат не успели отметить
				r.Reverted = true
				r.Rationale = fmt.Sprintf("%s regressed (%g -> %g): %s already reverted to %g",
					r.Metric, r.MetricBefore, after, r.DirectiveKey, r.PreviousValue)
			} else if regression > a.settings.RegressionTolerance {
				reverted, err := a.revert(ctx, r)
				if err != nil {
					a.logger.Error("revert failed", zap.String("result_id", r.ID), zap.Error(err))
					report.Failed++
					continue
				}
				r.Reverted = reverted
				if reverted {
					r.Rationale = fmt.Sprintf("%s regressed by %.1f%% (%g -> %g): reverted %s to %g",
						r.Metric, regression*100, r.MetricBefore, after, r.DirectiveKey, r.PreviousValue)
				} else {
					r.Rationale = fmt.Sprintf("%s regressed by %.1f%% (%g -> %g): directive changed since, not reverted",
						r.Metric, regression*100, r.MetricBefore, after)
				}
			} else {
				r.Rationale = fmt.Sprintf("%s change %.1f%% within tolerance (%g -> %g)",
					r.Metric, -regression*100, r.MetricBefore, after)
			}
		}

		if a.lessons != nil && r.MetricAfter != nil {
			if lesson, err := a.lessons.Lesson(ctx, r, now); err != nil {
				a.logger.Warn("lesson skipped", zap.String("result_id", r.ID), zap.Error(err))
			} else if lesson != "" {
				r.Rationale += "; lesson: " + lesson
			}
		}

		r.EvaluatedAt = &now
		marked, err := a.results.MarkEvaluated(ctx, r)
		if err != nil {
			a.logger.Error("failed to mark adaptation evaluated", zap.String("result_id", r.ID), zap.Error(err))
			report.Failed++
			continue
		}
		if !marked {
			a.logger.Debug("adaptation already evaluated elsewhere", zap.String("result_id", r.ID))
			continue
		}
		if r.Reverted {
			report.Reverted++
		}
		a.logger.Info("adaptation evaluated",
			zap.String("result_id", r.ID),
			zap.Bool("reverted", r.Reverted),
			zap.String("rationale", r.Rationale))
		report.Evaluated = append(report.Evaluated, r)
	}
	return report, nil
}

// revert возвращает директиве прежнее значение, только если она всё ещё держит применённое.
func (a *Adapter) revert(ctx context.Context, r domain.AdaptationResult) (bool, error) {
	_, ok, err := a.directives.CompareAndSet(ctx, r.DirectiveKey, r.AppliedValue, r.PreviousValue, RevertedBy(r.ID))
	if err != nil {
		return false, err
	}
	if !ok {
		// CAS мог проиграть откату этого же результата с другого инстанса
		return a.revertedEarlier(ctx, r)
	}
	a.logger.Warn("adaptation reverted",
		zap.String("result_id", r.ID),
		zap.String("key", r.DirectiveKey),
		zap.Float64("value", r.PreviousValue))
	return true, nil
}

// revertedEarlier: директива уже откачена именно этим результатом.
func (a *Adapter) revertedEarlier(ctx context.Context, r domain.AdaptationResult) (bool, error) {
	d, found, err := a.directives.Get(ctx, r.DirectiveKey)
	if err != nil {
		return false, err
	}
	return found && d.ChangedBy == RevertedBy(r.ID), nil
}

// baseline: метрика за EvalMinAge до изменения. Если данных нет, берём значение из предложения.
func (a *Adapter) baseline(ctx context.Context, p domain.AdaptationProposal, now time.Time) float64 {
	v, ok, err := a.metrics.MetricValue(ctx, p.Metric, p.Scope, now.Add(-a.settings.EvalMinAge), now)
	if err != nil {
		a.logger.Warn("baseline metric unavailable, using proposal value",
			zap.String("rule_id", p.RuleID), zap.Error(err))
		return p.MetricValue
	}
	if !ok {
		return p.MetricValue
	}
	return v
}

func (a *Adapter) cooldown(ruleID string) time.Duration {
	for _, r := range a.rules {
		if r.ID() == ruleID && r.Cooldown() > 0 {
			return r.Cooldown()
		}
	}
	return a.settings.DirectiveCooldown
}

// relativeRegression: относительное ухудшение метрики с учётом полярности.
// Положительное значение — стало хуже, отрицательное — лучше.
func relativeRegression(m domain.MetricCategory, before, after float64) float64 {
	delta := after - before
	if m.HigherIsBetter() {
		delta = -delta
	}
	if before == 0 {
		switch {
		case delta > 0:
			return math.Inf(1)
		case delta < 0:
			return math.Inf(-1)
		}
		return 0
	}
	return delta / math.Abs(before)
}

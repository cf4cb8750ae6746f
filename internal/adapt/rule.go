package adapt

import (
	"fmt"
	"math"
	"time"

	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
	"github.com/xela07ax/spaceai-adaptive-core/internal/infra"
)

// Rule: строка таблицы адаптации: по тренду решает, нужно ли сдвинуть директиву.
type Rule interface {
	ID() string
	DirectiveKey() string
	// Default: значение директивы, если она ещё ни разу не записывалась.
	Default() float64
	// Cooldown: минимальный интервал между изменениями директивы, 0 — общий из настроек.
	Cooldown() time.Duration
	// Propose возвращает предложение или ok=false, если тренд правило не касается.
	Propose(t domain.TrendAnalysis, current float64, now time.Time) (p domain.AdaptationProposal, ok bool)
}

type Trigger string

const (
	TriggerRising  Trigger = "rising"
	TriggerFalling Trigger = "falling"
)

// ThresholdRule сдвигает директиву на Step (в пределах [Min, Max]), когда метрика
// устойчиво растёт или падает: достаточно уверенности и дней подряд.
type ThresholdRule struct {
	id                 string
	metric             domain.MetricCategory
	scope              string
	trigger            Trigger
	minConfidence      float64
	minConsecutiveDays int
	key                string
	step               float64
	min, max           float64
	def                float64
	cooldown           time.Duration
}

func NewThresholdRule(c infra.RuleConfig) (*ThresholdRule, error) {
	metric, err := domain.ParseMetric(c.Metric)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", c.ID, err)
	}
	trigger := Trigger(c.Trigger)
	if trigger != TriggerRising && trigger != TriggerFalling {
		return nil, fmt.Errorf("rule %s: %w", c.ID, &domain.ValidationError{Field: "trigger", Reason: "must be rising or falling"})
	}
	if c.Step == 0 || c.Min > c.Max {
		return nil, fmt.Errorf("rule %s: %w", c.ID, &domain.ValidationError{Field: "step", Reason: "must be non-zero with min <= max"})
	}
	return &ThresholdRule{
		id:                 c.ID,
		metric:             metric,
		scope:              c.Scope,
		trigger:            trigger,
		minConfidence:      c.MinConfidence,
		minConsecutiveDays: c.MinConsecutiveDays,
		key:                c.DirectiveKey,
		step:               c.Step,
		min:                c.Min,
		max:                c.Max,
		def:                c.Default,
		cooldown:           c.Cooldown,
	}, nil
}

// RulesFromConfig собирает таблицу правил в порядке конфигурации.
func RulesFromConfig(cfg []infra.RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfg))
	for _, c := range cfg {
		r, err := NewThresholdRule(c)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func (r *ThresholdRule) ID() string              { return r.id }
func (r *ThresholdRule) DirectiveKey() string    { return r.key }
func (r *ThresholdRule) Default() float64        { return r.def }
func (r *ThresholdRule) Cooldown() time.Duration { return r.cooldown }

func (r *ThresholdRule) Propose(t domain.TrendAnalysis, current float64, now time.Time) (domain.AdaptationProposal, bool) {
	if t.Metric != r.metric || t.Scope != r.scope {
		return domain.AdaptationProposal{}, false
	}
	switch r.trigger {
	case TriggerRising:
		if !t.Rising() {
			return domain.AdaptationProposal{}, false
		}
	case TriggerFalling:
		if !t.Falling() {
			return domain.AdaptationProposal{}, false
		}
	}
	if t.Confidence < r.minConfidence || t.ConsecutiveDays < r.minConsecutiveDays {
		return domain.AdaptationProposal{}, false
	}

	proposed := math.Min(r.max, math.Max(r.min, current+r.step))
	if proposed == current {
		// Уже на границе
		return domain.AdaptationProposal{}, false
	}

	return domain.AdaptationProposal{
		DirectiveKey:  r.key,
		ProposedValue: proposed,
		CurrentValue:  current,
		RuleID:        r.id,
		Metric:        r.metric,
		Scope:         r.scope,
		MetricValue:   t.Latest,
		Rationale: fmt.Sprintf("%s is %s for %d days (slope %.4f/day, confidence %.2f): %s %g -> %g",
			r.metric, r.trigger, t.ConsecutiveDays, t.Slope, t.Confidence, r.key, current, proposed),
		ProposedAt: now,
	}, true
}

package domain

import (
	"math"
	"time"
)

// Outcome: результат одного вызова агента. Пара (AgentID, InputHash) в пределах окна
// дедупликации соответствует одной записи; повторы увеличивают RepeatCount.
type Outcome struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agent_id"`
	InputHash     string         `json:"input_hash"`
	Success       bool           `json:"success"`
	FalsePositive bool           `json:"false_positive"` // выставляется агентом-проверяющим или оператором
	LatencyMs     int64          `json:"latency_ms"`
	Timestamp     time.Time      `json:"timestamp"`
	LastSeenAt    time.Time      `json:"last_seen_at"`
	RepeatCount   int            `json:"repeat_count"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (o Outcome) Validate() error {
	if o.AgentID == "" {
		return &ValidationError{Field: "agent_id", Reason: "must not be empty"}
	}
	if o.LatencyMs < 0 {
		return &ValidationError{Field: "latency_ms", Reason: "must not be negative"}
	}
	return nil
}

// OutcomeStats: агрегат по агенту (или по всем агентам при пустом AgentID) за окно.
type OutcomeStats struct {
	AgentID        string    `json:"agent_id"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	Successes      int64     `json:"successes"`
	Failures       int64     `json:"failures"`
	FalsePositives int64     `json:"false_positives"`
	Repeats        int64     `json:"repeats"`
	AvgLatencyMs   float64   `json:"avg_latency_ms"`
}

func (s OutcomeStats) Total() int64 { return s.Successes + s.Failures }

// MetricValue: значение метрики за всё окно агрегата.
func (s OutcomeStats) MetricValue(m MetricCategory) (float64, bool) {
	return DailyStats{
		Successes:      s.Successes,
		Failures:       s.Failures,
		FalsePositives: s.FalsePositives,
		AvgLatencyMs:   s.AvgLatencyMs,
	}.MetricValue(m)
}

// DailyStats: суточная корзина для анализа трендов. Day — полночь UTC.
type DailyStats struct {
	Day            time.Time `json:"day"`
	Successes      int64     `json:"successes"`
	Failures       int64     `json:"failures"`
	FalsePositives int64     `json:"false_positives"`
	AvgLatencyMs   float64   `json:"avg_latency_ms"`
}

func (d DailyStats) Total() int64 { return d.Successes + d.Failures }

// MetricValue извлекает значение метрики из корзины. ok=false, если корзина пуста.
func (d DailyStats) MetricValue(m MetricCategory) (float64, bool) {
	total := d.Total()
	if total == 0 {
		return 0, false
	}
	switch m {
	case MetricSuccessRate:
		return float64(d.Successes) / float64(total), true
	case MetricFailureRate:
		return float64(d.Failures) / float64(total), true
	case MetricAvgLatency:
		return d.AvgLatencyMs, true
	case MetricFalsePositiveRate:
		return float64(d.FalsePositives) / float64(total), true
	}
	return math.NaN(), false
}

// TruncateDay приводит время к началу суток UTC.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

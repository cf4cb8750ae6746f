package domain

import (
	"fmt"
	"time"
)

type MetricCategory string

const (
	MetricSuccessRate       MetricCategory = "success_rate"
	MetricFailureRate       MetricCategory = "failure_rate"
	MetricAvgLatency        MetricCategory = "avg_latency_ms"
	MetricFalsePositiveRate MetricCategory = "false_positive_rate"
)

// AllMetrics: фиксированный набор категорий, по которым строятся тренды.
var AllMetrics = []MetricCategory{MetricSuccessRate, MetricFailureRate, MetricAvgLatency, MetricFalsePositiveRate}

// HigherIsBetter задаёт «полярность» метрики: рост успешности — улучшение, рост задержки — ухудшение.
func (m MetricCategory) HigherIsBetter() bool {
	return m == MetricSuccessRate
}

func ParseMetric(s string) (MetricCategory, error) {
	for _, m := range AllMetrics {
		if string(m) == s {
			return m, nil
		}
	}
	return "", &ValidationError{Field: "metric", Reason: fmt.Sprintf("unknown metric category %q", s)}
}

type Direction string

const (
	DirectionImproving Direction = "IMPROVING"
	DirectionDeclining Direction = "DECLINING"
	DirectionStable    Direction = "STABLE"
)

// TrendAnalysis: результат регрессии по суточному ряду метрики.
// Scope: ID агента или пустая строка для всей системы.
type TrendAnalysis struct {
	Metric          MetricCategory `json:"metric"`
	Scope           string         `json:"scope,omitempty"`
	Slope           float64        `json:"slope"` // единиц метрики в сутки
	Intercept       float64        `json:"intercept"`
	RSquared        float64        `json:"r_squared"`
	Direction       Direction      `json:"direction"`
	Confidence      float64        `json:"confidence"`
	Samples         int            `json:"samples"`
	ConsecutiveDays int            `json:"consecutive_days"`
	Mean            float64        `json:"mean"`
	Latest          float64        `json:"latest"`
	WindowStart     time.Time      `json:"window_start"`
	WindowEnd       time.Time      `json:"window_end"`
}

// Rising сообщает, растёт ли сама метрика (без учёта полярности).
func (t TrendAnalysis) Rising() bool {
	return t.Direction != DirectionStable && t.Slope > 0
}

// Falling сообщает, падает ли сама метрика (без учёта полярности).
func (t TrendAnalysis) Falling() bool {
	return t.Direction != DirectionStable && t.Slope < 0
}

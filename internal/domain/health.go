package domain

import "time"

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// severity упорядочивает статусы для свёртки «по худшему».
func (s HealthStatus) severity() int {
	switch s {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	}
	return 2
}

// Worse возвращает худший из двух статусов.
func Worse(a, b HealthStatus) HealthStatus {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// ProbeResult: ответ лёгкой health-пробы агента.
type ProbeResult struct {
	Status  HealthStatus  `json:"status"`
	Latency time.Duration `json:"latency"`
}

type HealthReport struct {
	AgentID      string        `json:"agent_id"`
	Status       HealthStatus  `json:"status"`
	Latency      time.Duration `json:"latency"`
	LastError    string        `json:"last_error,omitempty"`
	BreakerState BreakerState  `json:"breaker_state,omitempty"`
}

type HealthSummary struct {
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
}

// SystemHealth вычисляется по запросу и не сохраняется.
type SystemHealth struct {
	Status                  HealthStatus            `json:"status"`
	Agents                  map[string]HealthReport `json:"agents"`
	Summary                 HealthSummary           `json:"summary"`
	BreakerStateUnavailable bool                    `json:"breaker_state_unavailable,omitempty"`
	CheckedAt               time.Time               `json:"checked_at"`
}

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
)

// Типы ошибок для ErrorTotal
const (
	errTypeUnknownAgent = "unknown_agent"
	errTypeRateLimit    = "rate_limit"
	errTypeCircuitOpen  = "circuit_open"
	errTypeTimeout      = "timeout"
	errTypeAgent        = "agent_error"
	errTypeMalformed    = "malformed_result"
	errTypeCancelled    = "cancelled"
	errTypeBreaker      = "breaker"
)

type Metrics struct {
	// Latency: длительность вызова агента
	InvocationDuration *prometheus.HistogramVec

	// Traffic: общее кол-во вызовов
	Invocations *prometheus.CounterVec

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec

	// Saturation: состояние предохранителя (0 - closed, 1 - half-open, 2 - open)
	BreakerState *prometheus.GaugeVec

	// Outcome recorder: заполненность очереди и сброшенные исходы (backpressure)
	OutcomeQueueFill prometheus.Gauge
	OutcomesDropped  *prometheus.CounterVec

	// Adaptation loop: applied / skipped / reverted
	Adaptations *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		InvocationDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adaptd_invocation_duration_seconds",
			Help:    "Histogram of agent invocation latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"agent_id", "status"}),

		Invocations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "adaptd_invocations_total",
			Help: "Total number of agent invocations.",
		}, []string{"agent_id"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "adaptd_errors_total",
			Help: "Total number of invocation errors by type.",
		}, []string{"type"}), // типы: unknown_agent, rate_limit, circuit_open, timeout, agent_error, malformed_result

		BreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "adaptd_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"agent_id"}),

		OutcomeQueueFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "adaptd_outcome_queue_utilization",
			Help: "Current number of outcomes waiting in the recorder queue.",
		}),

		OutcomesDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "adaptd_outcomes_dropped_total",
			Help: "Outcomes dropped by the recorder, by reason.",
		}, []string{"reason"}),

		Adaptations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "adaptd_adaptations_total",
			Help: "Threshold adaptations by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) observeBreaker(agentID string, state domain.BreakerState) {
	var v float64
	switch state {
	case domain.BreakerHalfOpen:
		v = 1
	case domain.BreakerOpen:
		v = 2
	}
	m.BreakerState.WithLabelValues(agentID).Set(v)
}

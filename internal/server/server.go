// Package server — служебный HTTP-интерфейс ядра: здоровье, предохранители, директивы,
// статистика исходов, тренды и метрики Prometheus.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
	"github.com/xela07ax/spaceai-adaptive-core/internal/engine"
	"go.uber.org/zap"
)

// Core: операции ядра, которые нужны HTTP-слою.
type Core interface {
	Invoke(ctx context.Context, agentID string, payload []byte, timeout time.Duration) ([]byte, error)
	Agents() []domain.AgentDescriptor
	SetAgentEnabled(ctx context.Context, agentID string, enabled bool) error
	CircuitBreakerStatus(ctx context.Context) ([]domain.BreakerSnapshot, error)
	SystemHealth(ctx context.Context) domain.SystemHealth
	OutcomeStats(ctx context.Context, agentID string, window time.Duration) (domain.OutcomeStats, error)
	AnalyzeTrends(ctx context.Context, scopes ...string) ([]domain.TrendAnalysis, error)
	AdaptationHistory(ctx context.Context, limit int) ([]domain.AdaptationResult, error)
	Directives(ctx context.Context) ([]domain.Directive, error)
}

type OpsServer struct {
	router   *chi.Mux
	logger   *zap.Logger
	core     Core
	gatherer prometheus.Gatherer
}

// New собирает роутер. gatherer == nil — /metrics не публикуется.
func New(core Core, gatherer prometheus.Gatherer, logger *zap.Logger) *OpsServer {
	s := &OpsServer{
		router:   chi.NewRouter(),
		logger:   logger.Named("ops-api"),
		core:     core,
		gatherer: gatherer,
	}
	s.routes()
	return s
}

func (s *OpsServer) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.listAgents)
			r.Post("/{id}/invoke", s.invoke)
			r.Post("/{id}/enable", s.switchAgent(true))
			r.Post("/{id}/disable", s.switchAgent(false))
		})
		r.Get("/breakers", s.breakers)

		// Директивы меняет только адаптер, HTTP их лишь показывает
		r.Get("/directives", s.listDirectives)

		r.Get("/outcomes/stats", s.outcomeStats)
		r.Get("/trends", s.trends)
		r.Get("/adaptations", s.adaptations)
	})
}

// ServeHTTP позволяет использовать OpsServer как стандартный http.Handler
func (s *OpsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

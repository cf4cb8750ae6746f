package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
	"github.com/xela07ax/spaceai-adaptive-core/internal/engine"
	"go.uber.org/zap"
)

// health отдаёт 503 только для UNHEALTHY: DEGRADED система ещё обслуживает вызовы.
func (s *OpsServer) health(w http.ResponseWriter, r *http.Request) {
	h := s.core.SystemHealth(r.Context())
	code := http.StatusOK
	if h.Status == domain.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, h)
}

func (s *OpsServer) listAgents(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.core.Agents())
}

// maxPayloadBytes ограничивает тело запроса на вызов агента.
const maxPayloadBytes = 1 << 20

// invoke: POST /v1/agents/{id}/invoke?timeout=5s, тело — payload агента.
func (s *OpsServer) invoke(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, "timeout must be a positive duration", http.StatusBadRequest)
			return
		}
		timeout = d
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	out, err := s.core.Invoke(r.Context(), chi.URLParam(r, "id"), payload, timeout)
	if err != nil {
		s.writeInvokeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

func (s *OpsServer) switchAgent(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := chi.URLParam(r, "id")
		if err := s.core.SetAgentEnabled(r.Context(), agentID, enabled); err != nil {
			s.writeError(w, err)
			return
		}
		s.logger.Info("agent switched via ops api", zap.String("agent_id", agentID), zap.Bool("enabled", enabled))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *OpsServer) breakers(w http.ResponseWriter, r *http.Request) {
	status, err := s.core.CircuitBreakerStatus(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *OpsServer) listDirectives(w http.ResponseWriter, r *http.Request) {
	items, err := s.core.Directives(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, items)
}

// outcomeStats: ?agent_id=...&window=24h. Пустой agent_id — все агенты.
func (s *OpsServer) outcomeStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, "window must be a positive duration", http.StatusBadRequest)
			return
		}
		window = d
	}
	stats, err := s.core.OutcomeStats(r.Context(), r.URL.Query().Get("agent_id"), window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// trends: ?scope=a&scope=b. Без scope — система целиком и scope'ы правил.
func (s *OpsServer) trends(w http.ResponseWriter, r *http.Request) {
	items, err := s.core.AnalyzeTrends(r.Context(), r.URL.Query()["scope"]...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *OpsServer) adaptations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	items, err := s.core.AdaptationHistory(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, items)
}

// writeInvokeError: отказ самого агента — 502, отказ ядра вызвать его — 4xx/503/504.
func (s *OpsServer) writeInvokeError(w http.ResponseWriter, err error) {
	var open *domain.CircuitOpenError
	switch {
	case errors.As(err, &open):
		if secs := int(math.Ceil(open.RetryAfter.Seconds())); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, domain.ErrInvocationTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, engine.ErrRateLimited):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, domain.ErrUnknownAgent):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, context.Canceled):
		// Клиент ушёл, отвечать некому
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

// writeError переводит доменные ошибки в HTTP-коды.
func (s *OpsServer) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrUnknownAgent):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrPersistenceUnavailable):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError || code == http.StatusServiceUnavailable {
		s.logger.Error("ops request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), code)
}

func (s *OpsServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-adaptive-core/internal/breaker"
	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
	"github.com/xela07ax/spaceai-adaptive-core/internal/infra"
	"github.com/xela07ax/spaceai-adaptive-core/internal/outcome"
	"github.com/xela07ax/spaceai-adaptive-core/internal/registry"
	"go.uber.org/zap"
)

// ErrMalformedResult: агент вернул ответ, который не является корректным JSON.
var ErrMalformedResult = errors.New("malformed agent result")

// Capability: непрозрачный вызов агента. Реализация должна уважать ctx,
// но оркестратор не ждёт её дольше таймаута.
type Capability interface {
	Execute(ctx context.Context, payload []byte) ([]byte, error)
}

type CapabilityFunc func(ctx context.Context, payload []byte) ([]byte, error)

func (f CapabilityFunc) Execute(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

// OutcomeSink принимает исходы вызовов асинхронно (outcome.Recorder).
type OutcomeSink interface {
	Submit(o domain.Outcome) bool
}

// DirectiveReader читает операционные директивы (directive.Service).
type DirectiveReader interface {
	Value(ctx context.Context, key string, def float64) float64
}

// Orchestrator проводит вызов агента через реестр, лимит, предохранитель и таймаут,
// а затем асинхронно фиксирует исход.
type Orchestrator struct {
	registry       *registry.Registry
	breaker        *breaker.Breaker
	outcomes       OutcomeSink
	directives     DirectiveReader
	limiter        *Limiter
	metrics        *Metrics
	defaultTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time

	mu   sync.RWMutex
	caps map[string]Capability
}

func NewOrchestrator(
	reg *registry.Registry,
	br *breaker.Breaker,
	outcomes OutcomeSink,
	directives DirectiveReader,
	limiter *Limiter,
	metrics *Metrics,
	defaultTimeout time.Duration,
	logger *zap.Logger,
) *Orchestrator {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Orchestrator{
		registry:       reg,
		breaker:        br,
		outcomes:       outcomes,
		directives:     directives,
		limiter:        limiter,
		metrics:        metrics,
		defaultTimeout: defaultTimeout,
		logger:         logger.Named("orchestrator"),
		now:            time.Now,
		caps:           make(map[string]Capability),
	}
}

// Bind привязывает реализацию к зарегистрированному агенту.
func (o *Orchestrator) Bind(agentID string, c Capability) {
	o.mu.Lock()
	o.caps[agentID] = c
	o.mu.Unlock()
}

// Invoke вызывает агента. timeout <= 0 — значение директивы
// orchestrator.invoke_timeout_seconds, а при её отсутствии — из конфигурации.
func (o *Orchestrator) Invoke(ctx context.Context, agentID string, payload []byte, timeout time.Duration) ([]byte, error) {
	o.metrics.Invocations.WithLabelValues(agentID).Inc()
	start := o.now()
	status := "failed"
	defer func() {
		o.metrics.InvocationDuration.WithLabelValues(agentID, status).Observe(o.now().Sub(start).Seconds())
	}()

	// 1. Реестр: неизвестный или выключенный агент
	desc, err := o.registry.Get(agentID)
	if err != nil {
		o.metrics.ErrorTotal.WithLabelValues(errTypeUnknownAgent).Inc()
		return nil, err
	}
	if !desc.Enabled {
		o.metrics.ErrorTotal.WithLabelValues(errTypeUnknownAgent).Inc()
		return nil, &domain.UnknownAgentError{AgentID: agentID, Reason: "disabled"}
	}
	capability := o.capability(agentID)
	if capability == nil {
		o.metrics.ErrorTotal.WithLabelValues(errTypeUnknownAgent).Inc()
		return nil, &domain.UnknownAgentError{AgentID: agentID, Reason: "no capability bound"}
	}

	// 2. Rate limiter
	if err := o.limiter.Wait(ctx, agentID); err != nil {
		o.metrics.ErrorTotal.WithLabelValues(errTypeRateLimit).Inc()
		return nil, err
	}

	// 3. Circuit breaker: при OPEN агент не вызывается
	ticket, err := o.breaker.Allow(ctx, agentID)
	if err != nil {
		if errors.Is(err, domain.ErrCircuitOpen) {
			status = "rejected"
			o.metrics.ErrorTotal.WithLabelValues(errTypeCircuitOpen).Inc()
		} else {
			o.metrics.ErrorTotal.WithLabelValues(errTypeBreaker).Inc()
		}
		return nil, err
	}

	// 4. Вызов под таймаутом
	timeout = o.resolveTimeout(ctx, timeout)
	data, errType, callErr := o.execute(ctx, capability, agentID, payload, timeout)
	latency := o.now().Sub(start)

	if errType == errTypeCancelled {
		// Вызывающий ушёл сам: результат неизвестен, пробный вызов освобождаем
		status = "cancelled"
		if err := o.breaker.Release(context.WithoutCancel(ctx), ticket); err != nil {
			o.logger.Warn("failed to release breaker trial", zap.String("agent_id", agentID), zap.Error(err))
		}
		return nil, callErr
	}

	success := callErr == nil
	if err := o.breaker.Report(context.WithoutCancel(ctx), ticket, success); err != nil {
		o.logger.Debug("breaker report not applied", zap.String("agent_id", agentID), zap.Error(err))
	}

	// 5. Асинхронная запись исхода (не блокирует вызывающего)
	o.submit(TraceID(ctx), agentID, payload, start, latency, callErr, errType)

	if !success {
		o.metrics.ErrorTotal.WithLabelValues(errType).Inc()
		o.logger.Warn("agent invocation failed",
			zap.String("agent_id", agentID),
			zap.String("trace_id", TraceID(ctx)),
			zap.String("type", errType),
			zap.Duration("latency", latency),
			zap.Error(callErr))
		return nil, callErr
	}
	status = "success"
	return data, nil
}

func (o *Orchestrator) execute(ctx context.Context, c Capability, agentID string, payload []byte, timeout time.Duration) ([]byte, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := c.Execute(callCtx, payload)
		done <- result{data, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-callCtx.Done():
		// Агент не уложился: горутина завершится сама, её ответ будет выброшен
	}

	switch {
	case ctx.Err() != nil:
		return nil, errTypeCancelled, ctx.Err()
	case errors.Is(callCtx.Err(), context.DeadlineExceeded) && (res.err != nil || res.data == nil):
		return nil, errTypeTimeout, &domain.InvocationTimeoutError{AgentID: agentID, Timeout: timeout}
	case res.err != nil:
		return nil, errTypeAgent, fmt.Errorf("agent %s: %w", agentID, res.err)
	case !json.Valid(res.data):
		return nil, errTypeMalformed, fmt.Errorf("agent %s: %w", agentID, ErrMalformedResult)
	}
	return res.data, "", nil
}

func (o *Orchestrator) resolveTimeout(ctx context.Context, timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	if o.directives != nil {
		secs := o.directives.Value(ctx, infra.DirectiveInvokeTimeout, o.defaultTimeout.Seconds())
		if secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return o.defaultTimeout
}

func (o *Orchestrator) submit(traceID, agentID string, payload []byte, start time.Time, latency time.Duration, callErr error, errType string) {
	if o.outcomes == nil {
		return
	}
	out := domain.Outcome{
		AgentID:   agentID,
		InputHash: outcome.InputHash(payload),
		Success:   callErr == nil,
		LatencyMs: latency.Milliseconds(),
		Timestamp: start,
	}
	if callErr != nil {
		out.Metadata = map[string]any{
			"error":      callErr.Error(),
			"error_type": errType,
			"timeout":    errType == errTypeTimeout,
		}
	}
	if traceID != "" {
		if out.Metadata == nil {
			out.Metadata = make(map[string]any, 1)
		}
		out.Metadata["trace_id"] = traceID
	}
	o.outcomes.Submit(out)
}

func (o *Orchestrator) capability(agentID string) Capability {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.caps[agentID]
}

// Package health сводит пробы агентов и состояние предохранителей в единый статус системы.
// Агрегатор только читает: ни агентов, ни предохранители он не меняет.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Agents interface {
	ListEnabled() []domain.AgentDescriptor
}

type Breakers interface {
	Status(ctx context.Context) ([]domain.BreakerSnapshot, error)
}

type Settings struct {
	ProbeTimeout   time.Duration
	MaxConcurrency int
}

type Aggregator struct {
	agents   Agents
	breakers Breakers
	probe    Probe // nil — статус только по предохранителям
	settings Settings
	logger   *zap.Logger
	now      func() time.Time
}

func NewAggregator(agents Agents, breakers Breakers, probe Probe, settings Settings, logger *zap.Logger) *Aggregator {
	if settings.ProbeTimeout <= 0 {
		settings.ProbeTimeout = 2 * time.Second
	}
	if settings.MaxConcurrency <= 0 {
		settings.MaxConcurrency = 8
	}
	return &Aggregator{
		agents:   agents,
		breakers: breakers,
		probe:    probe,
		settings: settings,
		logger:   logger.Named("health"),
		now:      time.Now,
	}
}

// SystemHealth всегда возвращает отчёт: недоступные части помечаются, а не роняют вызов.
func (a *Aggregator) SystemHealth(ctx context.Context) domain.SystemHealth {
	agents := a.agents.ListEnabled()

	var (
		breakers    map[string]domain.BreakerState
		breakersErr error
		probes      = make([]probeOutcome, len(agents))
		wg          sync.WaitGroup
	)

	// Состояние предохранителей читаем параллельно с пробами
	wg.Add(1)
	go func() {
		defer wg.Done()
		breakers, breakersErr = a.breakerStates(ctx)
	}()

	if a.probe != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.settings.MaxConcurrency)
		for i, agent := range agents {
			g.Go(func() error {
				probes[i] = a.probeOne(gctx, agent.ID)
				return nil
			})
		}
		_ = g.Wait()
	}
	wg.Wait()

	report := domain.SystemHealth{
		Status:    domain.HealthHealthy,
		Agents:    make(map[string]domain.HealthReport, len(agents)),
		CheckedAt: a.now().UTC(),
	}
	if breakersErr != nil {
		report.BreakerStateUnavailable = true
		a.logger.Warn("breaker state unavailable, health derived from probes only", zap.Error(breakersErr))
	}

	for i, agent := range agents {
		p, probed := probes[i], a.probe != nil
		if errors.Is(p.err, ErrNoProbe) {
			p, probed = probeOutcome{}, false
		}
		hr := derive(agent.ID, p, probed, breakers[agent.ID])
		report.Agents[agent.ID] = hr
		report.Status = domain.Worse(report.Status, hr.Status)
		switch hr.Status {
		case domain.HealthHealthy:
			report.Summary.Healthy++
		case domain.HealthDegraded:
			report.Summary.Degraded++
		default:
			report.Summary.Unhealthy++
		}
	}
	return report
}

type probeOutcome struct {
	result domain.ProbeResult
	err    error
}

func (a *Aggregator) probeOne(ctx context.Context, agentID string) probeOutcome {
	ctx, cancel := context.WithTimeout(ctx, a.settings.ProbeTimeout)
	defer cancel()

	// Проба может не уважать ctx: ждём её не дольше таймаута
	done := make(chan probeOutcome, 1)
	go func() {
		res, err := a.probe.Probe(ctx, agentID)
		done <- probeOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out.err = context.DeadlineExceeded
		}
		return out
	case <-ctx.Done():
		return probeOutcome{result: domain.ProbeResult{Latency: a.settings.ProbeTimeout}, err: ctx.Err()}
	}
}

func (a *Aggregator) breakerStates(ctx context.Context) (map[string]domain.BreakerState, error) {
	snaps, err := a.breakers.Status(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.BreakerState, len(snaps))
	for _, s := range snaps {
		out[s.AgentID] = s.State
	}
	return out, nil
}

// derive: OPEN → UNHEALTHY независимо от пробы; таймаут, ошибка или UNHEALTHY пробы → UNHEALTHY;
// DEGRADED пробы или HALF_OPEN → DEGRADED; иначе HEALTHY.
func derive(agentID string, p probeOutcome, probed bool, state domain.BreakerState) domain.HealthReport {
	hr := domain.HealthReport{
		AgentID:      agentID,
		Status:       domain.HealthHealthy,
		Latency:      p.result.Latency,
		BreakerState: state,
	}
	if p.err != nil {
		hr.LastError = p.err.Error()
	}

	switch {
	case state == domain.BreakerOpen:
		hr.Status = domain.HealthUnhealthy
		if hr.LastError == "" {
			hr.LastError = "circuit breaker is open"
		}
	case probed && (p.err != nil || p.result.Status == domain.HealthUnhealthy):
		hr.Status = domain.HealthUnhealthy
	case probed && p.result.Status == domain.HealthDegraded, state == domain.BreakerHalfOpen:
		hr.Status = domain.HealthDegraded
	}
	return hr
}

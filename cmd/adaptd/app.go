package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-adaptive-core/internal/connectors"
	"github.com/xela07ax/spaceai-adaptive-core/internal/engine"
	"github.com/xela07ax/spaceai-adaptive-core/internal/health"
	"github.com/xela07ax/spaceai-adaptive-core/internal/infra"
	"github.com/xela07ax/spaceai-adaptive-core/internal/repository/postgres"
	"github.com/xela07ax/spaceai-adaptive-core/internal/statestore"
	"go.uber.org/zap"
)

// app: собранное ядро и ресурсы, которые надо закрыть при выходе.
type app struct {
	cfg      *infra.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	core     *engine.Core
	closers  []func()
}

func newApp(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps := engine.Deps{Config: cfg, Logger: logger, Registerer: a.registry}

	// 1. Redis: общее состояние предохранителей, сигналы, блокировки задач
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		deps.Redis = rdb
		deps.StateStore = statestore.NewRedisStore(rdb, statestore.RedisOptions{
			KeyPrefix:        infra.RedisKeyStatePrefix,
			IndexKey:         infra.RedisKeyStateIndex,
			GuardMaxFailures: cfg.Redis.GuardMaxFailures,
			GuardTimeout:     cfg.Redis.GuardTimeout,
		}, logger)
	} else {
		logger.Warn("redis is not configured, breaker state is local to this process")
	}

	// 2. Postgres: исходы, директивы, история адаптаций
	if cfg.Database.URL != "" {
		if cfg.Database.AutoMigrate {
			if err := postgres.RunMigrations(ctx, cfg.Database.URL); err != nil {
				return nil, err
			}
		}
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		deps.Outcomes = postgres.NewOutcomeRepo(pool)
		deps.Directives = postgres.NewDirectiveRepo(pool)
		deps.Results = postgres.NewAdaptationRepo(pool)
	} else {
		logger.Warn("database is not configured, outcomes and directives are kept in memory")
	}

	// 3. Health-пробы по gRPC для агентов, у которых указан probe_addr
	targets := make(map[string]string)
	for _, ag := range cfg.Agents {
		if ag.ProbeAddr != "" {
			targets[ag.ID] = ag.ProbeAddr
		}
	}
	if len(targets) > 0 {
		probe := health.NewGRPCProbe(targets)
		a.closers = append(a.closers, func() { _ = probe.Close() })
		deps.Probe = probe
	}

	core, err := engine.NewCore(deps)
	if err != nil {
		return nil, err
	}
	a.core = core

	// 4. Реализации агентов из конфигурации
	for _, ag := range cfg.Agents {
		switch ag.Endpoint {
		case "":
			continue
		case infra.EndpointSimulated:
			err = core.BindCapability(ag.ID, &connectors.Simulated{
				MinLatency:  cfg.Orchestrator.DefaultTimeout / 100,
				MaxLatency:  cfg.Orchestrator.DefaultTimeout / 10,
				FailureRate: ag.SimulatedFailureRate,
			})
		default:
			err = core.BindCapability(ag.ID, connectors.NewHTTPAgent(ag.ID, ag.Endpoint, nil))
		}
		if err != nil {
			return nil, fmt.Errorf("bind agent %s: %w", ag.ID, err)
		}
	}
	return a, nil
}

// Close закрывает ядро (дописывая очередь исходов), затем ресурсы в обратном порядке.
func (a *app) Close() {
	if a.core != nil {
		a.core.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

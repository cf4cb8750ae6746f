package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-adaptive-core/internal/adapt"
	"github.com/xela07ax/spaceai-adaptive-core/internal/breaker"
	"github.com/xela07ax/spaceai-adaptive-core/internal/directive"
	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
	"github.com/xela07ax/spaceai-adaptive-core/internal/health"
	"github.com/xela07ax/spaceai-adaptive-core/internal/infra"
	"github.com/xela07ax/spaceai-adaptive-core/internal/outcome"
	"github.com/xela07ax/spaceai-adaptive-core/internal/registry"
	"github.com/xela07ax/spaceai-adaptive-core/internal/statestore"
	"github.com/xela07ax/spaceai-adaptive-core/internal/trend"
	"go.uber.org/zap"
)

// ErrJobBusy: периодическую задачу сейчас выполняет другой инстанс.
var ErrJobBusy = errors.New("job is running on another instance")

// Deps: внешние зависимости ядра. Пустые хранилища заменяются реализациями в памяти.
type Deps struct {
	Config     *infra.Config
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	Redis      redis.UniversalClient // nil — без межинстансных сигналов и блокировок

	StateStore statestore.Store
	Outcomes   outcome.Store
	Directives directive.Store
	Results    adapt.ResultStore
	Probe      health.Probe
	Rules      []adapt.Rule // nil — таблица из Config.Adapter.Rules

	// Lessons: внешний сервис уроков для оценки адаптаций, nil — отключён.
	Lessons outcome.LessonExtractor
}

// Core: явный контекстный объект ядра: собирает все компоненты и отдаёт их операции.
type Core struct {
	cfg     *infra.Config
	logger  *zap.Logger
	metrics *Metrics

	registry     *registry.Registry
	breaker      *breaker.Breaker
	recorder     *outcome.Recorder
	directives   *directive.Service
	health       *health.Aggregator
	trends       *trend.Analyzer
	adapter      *adapt.Adapter
	orchestrator *Orchestrator
	agentSwitch  *AgentSwitch
	results      adapt.ResultStore

	evalLock  *infra.JobLock
	applyLock *infra.JobLock
	scopes    []string
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
}

func NewCore(d Deps) (*Core, error) {
	if d.Config == nil {
		d.Config = infra.DefaultConfig()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.StateStore == nil {
		d.StateStore = statestore.NewMemoryStore()
	}
	if d.Outcomes == nil {
		d.Outcomes = outcome.NewMemoryStore()
	}
	if d.Directives == nil {
		d.Directives = directive.NewMemoryStore()
	}
	if d.Results == nil {
		d.Results = adapt.NewMemoryResultStore()
	}
	cfg := d.Config

	c := &Core{
		cfg:      cfg,
		logger:   d.Logger,
		metrics:  NewMetrics(d.Registerer),
		registry: registry.New(),
		results:  d.Results,
	}

	c.breaker = breaker.New(d.StateStore, breaker.Settings{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		Window:            cfg.Breaker.Window,
		Cooldown:          cfg.Breaker.Cooldown,
		MaxCooldown:       cfg.Breaker.MaxCooldown,
		BackoffMultiplier: cfg.Breaker.BackoffMultiplier,
		TrialTimeout:      cfg.Breaker.TrialTimeout,
		StateTTL:          cfg.Breaker.StateTTL,
		OnStateChange: func(agentID string, _, to domain.BreakerState) {
			c.metrics.observeBreaker(agentID, to)
		},
	}, d.Logger)

	c.recorder = outcome.NewRecorder(d.Outcomes, outcome.Options{
		QueueSize:     cfg.Recorder.QueueSize,
		Workers:       cfg.Recorder.Workers,
		RetryAttempts: cfg.Recorder.RetryAttempts,
		DedupWindow:   cfg.Recorder.DedupWindow,
		WriteTimeout:  cfg.Recorder.WriteTimeout,
		OnDrop: func(reason string) {
			c.metrics.OutcomesDropped.WithLabelValues(reason).Inc()
		},
	}, d.Logger)

	dirs, err := directive.NewService(d.Directives, d.Redis, directive.Options{}, d.Logger)
	if err != nil {
		return nil, err
	}
	c.directives = dirs

	c.health = health.NewAggregator(c.registry, c.breaker, d.Probe, health.Settings{
		ProbeTimeout:   cfg.Health.ProbeTimeout,
		MaxConcurrency: cfg.Health.MaxConcurrency,
	}, d.Logger)

	c.trends = trend.NewAnalyzer(d.Outcomes, trend.Settings{
		LookbackDays:          cfg.Trend.LookbackDays,
		MinSamples:            cfg.Trend.MinSamples,
		FullConfidenceSamples: cfg.Trend.FullConfidenceSamples,
		MinSlope:              cfg.Trend.MinSlope,
		NoiseT:                cfg.Trend.NoiseT,
	}, d.Logger)

	rules := d.Rules
	if rules == nil {
		if rules, err = adapt.RulesFromConfig(cfg.Adapter.Rules); err != nil {
			return nil, err
		}
	}
	c.scopes = ruleScopes(cfg.Adapter.Rules)
	c.adapter = adapt.New(rules, c.directives, c.trends, d.Results, adapt.Settings{
		EvalMinAge:          cfg.Adapter.EvalMinAge,
		EvalMaxAge:          cfg.Adapter.EvalMaxAge,
		RegressionTolerance: cfg.Adapter.RegressionTolerance,
		DirectiveCooldown:   cfg.Adapter.DirectiveCooldown,
	}, d.Logger)
	if d.Lessons != nil {
		c.adapter.WithLessons(&lessonSource{
			outcomes:  d.Outcomes,
			extractor: outcome.NewBoundedExtractor(d.Lessons, cfg.Adapter.LessonTimeout, d.Logger),
			batch:     cfg.Adapter.LessonBatch,
		})
	}

	c.orchestrator = NewOrchestrator(c.registry, c.breaker, c.recorder, c.directives,
		NewLimiter(cfg.Orchestrator.RateLimit, cfg.Orchestrator.RateBurst),
		c.metrics, cfg.Orchestrator.DefaultTimeout, d.Logger)

	if d.Redis != nil {
		c.agentSwitch = NewAgentSwitch(d.Redis, c.registry, d.Logger)
		c.evalLock = infra.NewJobLock(d.Redis, infra.GetJobLockKey(infra.JobEvaluate), cfg.Adapter.JobLockTTL)
		c.applyLock = infra.NewJobLock(d.Redis, infra.GetJobLockKey(infra.JobApply), cfg.Adapter.JobLockTTL)
	}

	// Статические агенты из конфигурации регистрируются без реализации:
	// её привязывает RegisterAgent или BindCapability
	for _, a := range cfg.Agents {
		if err := c.registry.Register(a.Descriptor()); err != nil {
			return nil, fmt.Errorf("agent %s from config: %w", a.ID, err)
		}
	}
	return c, nil
}

// Start запускает воркер исходов и (при наличии Redis) слушателей сигналов.
// Повторный вызов ничего не делает.
func (c *Core) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		c.recorder.Start()

		if c.agentSwitch != nil {
			if err := c.agentSwitch.Init(ctx); err != nil {
				// Не блокируем старт: состояние догонится при первой подписке
				c.logger.Error("agent switch init failed", zap.Error(err))
			}
			go c.agentSwitch.StartListener(ctx)
		}
		go c.directives.Listen(ctx)

		c.logger.Info("core started", zap.Int("agents", len(c.registry.List())))
	})
	return nil
}

// Close останавливает слушателей и дописывает очередь исходов.
func (c *Core) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.recorder.Stop()
		c.directives.Close()
		c.logger.Info("core stopped")
	})
}

func (c *Core) Metrics() *Metrics { return c.metrics }

// RegisterAgent регистрирует агента и привязывает его реализацию.
func (c *Core) RegisterAgent(desc domain.AgentDescriptor, capability Capability) error {
	if err := c.registry.Register(desc); err != nil {
		return err
	}
	if capability != nil {
		c.orchestrator.Bind(desc.ID, capability)
	}
	return nil
}

// BindCapability привязывает реализацию к агенту, зарегистрированному из конфигурации.
func (c *Core) BindCapability(agentID string, capability Capability) error {
	if _, err := c.registry.Get(agentID); err != nil {
		return err
	}
	c.orchestrator.Bind(agentID, capability)
	return nil
}

func (c *Core) Agents() []domain.AgentDescriptor { return c.registry.List() }

// SetAgentEnabled включает или выключает агента (на всех инстансах, если есть Redis).
func (c *Core) SetAgentEnabled(ctx context.Context, agentID string, enabled bool) error {
	if c.agentSwitch == nil {
		return c.registry.SetEnabled(agentID, enabled)
	}
	if enabled {
		return c.agentSwitch.Enable(ctx, agentID)
	}
	return c.agentSwitch.Disable(ctx, agentID)
}

func (c *Core) Invoke(ctx context.Context, agentID string, payload []byte, timeout time.Duration) ([]byte, error) {
	out, err := c.orchestrator.Invoke(ctx, agentID, payload, timeout)
	c.metrics.OutcomeQueueFill.Set(float64(c.recorder.QueueLen()))
	return out, err
}

// CircuitBreakerStatus: упорядоченный по agent id дамп предохранителей.
func (c *Core) CircuitBreakerStatus(ctx context.Context) ([]domain.BreakerSnapshot, error) {
	return c.breaker.Status(ctx)
}

func (c *Core) SystemHealth(ctx context.Context) domain.SystemHealth {
	return c.health.SystemHealth(ctx)
}

func (c *Core) RecordOutcome(ctx context.Context, o domain.Outcome) (string, error) {
	return c.recorder.Record(ctx, o)
}

func (c *Core) OutcomeStats(ctx context.Context, agentID string, window time.Duration) (domain.OutcomeStats, error) {
	return c.recorder.Stats(ctx, agentID, window)
}

// AnalyzeTrends строит тренды по всем метрикам. Без scopes — вся система плюс
// scope'ы, на которые ссылаются правила адаптации.
func (c *Core) AnalyzeTrends(ctx context.Context, scopes ...string) ([]domain.TrendAnalysis, error) {
	if len(scopes) == 0 {
		scopes = c.scopes
	}
	return c.trends.AnalyzeAll(ctx, scopes)
}

func (c *Core) ProposeAdaptations(ctx context.Context, trends []domain.TrendAnalysis) ([]domain.AdaptationProposal, error) {
	return c.adapter.Propose(ctx, trends)
}

func (c *Core) ApplyAdaptations(ctx context.Context, proposals []domain.AdaptationProposal) (domain.ApplyReport, error) {
	release, err := c.lock(ctx, c.applyLock)
	if err != nil {
		return domain.ApplyReport{}, err
	}
	defer release()

	report, err := c.adapter.Apply(ctx, proposals)
	c.metrics.Adaptations.WithLabelValues("applied").Add(float64(len(report.Applied)))
	c.metrics.Adaptations.WithLabelValues("skipped").Add(float64(len(report.Skipped)))
	return report, err
}

func (c *Core) EvaluatePastAdaptations(ctx context.Context) (domain.EvaluationReport, error) {
	release, err := c.lock(ctx, c.evalLock)
	if err != nil {
		return domain.EvaluationReport{}, err
	}
	defer release()

	report, err := c.adapter.Evaluate(ctx)
	c.metrics.Adaptations.WithLabelValues("reverted").Add(float64(report.Reverted))
	return report, err
}

// AdaptationHistory: последние применённые адаптации, новые первыми.
func (c *Core) AdaptationHistory(ctx context.Context, limit int) ([]domain.AdaptationResult, error) {
	return c.results.Recent(ctx, limit)
}

// Directive: текущее значение директивы или def.
func (c *Core) Directive(ctx context.Context, key string, def float64) float64 {
	return c.directives.Value(ctx, key, def)
}

func (c *Core) Directives(ctx context.Context) ([]domain.Directive, error) {
	return c.directives.List(ctx)
}

func (c *Core) lock(ctx context.Context, l *infra.JobLock) (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	release, ok, err := l.TryLock(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobBusy
	}
	return release, nil
}

func ruleScopes(rules []infra.RuleConfig) []string {
	scopes := []string{""}
	seen := map[string]bool{"": true}
	for _, r := range rules {
		if !seen[r.Scope] {
			seen[r.Scope] = true
			scopes = append(scopes, r.Scope)
		}
	}
	return scopes
}

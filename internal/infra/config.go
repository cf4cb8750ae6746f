package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
)

// Config: корневая структура конфигурации ядра.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Logger       LoggerConfig       `mapstructure:"logger"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Recorder     RecorderConfig     `mapstructure:"recorder"`
	Health       HealthConfig       `mapstructure:"health"`
	Trend        TrendConfig        `mapstructure:"trend"`
	Adapter      AdapterConfig      `mapstructure:"adapter"`
	Agents       []AgentConfig      `mapstructure:"agents"`
}

// ServerConfig описывает ops HTTP-сервер (health, breakers, metrics).
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL — хранилища в памяти.
type DatabaseConfig struct {
	URL         string `mapstructure:"url"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig описывает подключение к Redis (состояние предохранителей, Pub/Sub, блокировки).
// Пустой Addr — состояние предохранителей живёт в памяти процесса.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// Предохранитель на сами вызовы Redis: при его срабатывании ядро уходит в degraded-режим
	GuardMaxFailures uint32        `mapstructure:"guard_max_failures"`
	GuardTimeout     time.Duration `mapstructure:"guard_timeout"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type BreakerConfig struct {
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	Window            time.Duration `mapstructure:"window"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	MaxCooldown       time.Duration `mapstructure:"max_cooldown"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	TrialTimeout      time.Duration `mapstructure:"trial_timeout"`
	StateTTL          time.Duration `mapstructure:"state_ttl"`
}

type OrchestratorConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"` // вызовов в секунду на агента, 0 — без лимита
	RateBurst      int           `mapstructure:"rate_burst"`
}

type RecorderConfig struct {
	QueueSize     int           `mapstructure:"queue_size"`
	Workers       int           `mapstructure:"workers"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

type HealthConfig struct {
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

type TrendConfig struct {
	LookbackDays          int     `mapstructure:"lookback_days"`
	MinSamples            int     `mapstructure:"min_samples"`
	FullConfidenceSamples int     `mapstructure:"full_confidence_samples"`
	MinSlope              float64 `mapstructure:"min_slope"`
	NoiseT                float64 `mapstructure:"noise_t"`
}

type AdapterConfig struct {
	EvalMinAge          time.Duration `mapstructure:"eval_min_age"`
	EvalMaxAge          time.Duration `mapstructure:"eval_max_age"`
	RegressionTolerance float64       `mapstructure:"regression_tolerance"`
	DirectiveCooldown   time.Duration `mapstructure:"directive_cooldown"`
	JobLockTTL          time.Duration `mapstructure:"job_lock_ttl"`
	LessonTimeout       time.Duration `mapstructure:"lesson_timeout"` // лимит на вызов LessonExtractor
	LessonBatch         int           `mapstructure:"lesson_batch"`   // исходов в одной пачке для урока
	Rules               []RuleConfig  `mapstructure:"rules"`
}

// RuleConfig: строка таблицы правил адаптации.
type RuleConfig struct {
	ID                 string        `mapstructure:"id"`
	Metric             string        `mapstructure:"metric"`
	Scope              string        `mapstructure:"scope"`   // ID агента или пусто для всей системы
	Trigger            string        `mapstructure:"trigger"` // rising | falling
	MinConfidence      float64       `mapstructure:"min_confidence"`
	MinConsecutiveDays int           `mapstructure:"min_consecutive_days"`
	DirectiveKey       string        `mapstructure:"directive_key"`
	Step               float64       `mapstructure:"step"`
	Min                float64       `mapstructure:"min"`
	Max                float64       `mapstructure:"max"`
	Default            float64       `mapstructure:"default"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
}

// AgentConfig: статическое описание агента для начального заполнения реестра.
type AgentConfig struct {
	ID           string   `mapstructure:"id"`
	Domain       string   `mapstructure:"domain"`
	Mode         string   `mapstructure:"mode"`
	Capabilities []string `mapstructure:"capabilities"`
	Enabled      bool     `mapstructure:"enabled"`
	ProbeAddr    string   `mapstructure:"probe_addr"` // gRPC health endpoint агента

	// Endpoint: URL агента для POST-вызовов; "simulated" — встроенный симулятор
	Endpoint             string  `mapstructure:"endpoint"`
	SimulatedFailureRate float64 `mapstructure:"simulated_failure_rate"`
}

// EndpointSimulated подключает к агенту connectors.Simulated.
const EndpointSimulated = "simulated"

func (a AgentConfig) Descriptor() domain.AgentDescriptor {
	return domain.AgentDescriptor{
		ID:           a.ID,
		Domain:       a.Domain,
		Mode:         domain.InvocationMode(a.Mode),
		Capabilities: a.Capabilities,
		Enabled:      a.Enabled,
	}
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: BREAKER_FAILURE_THRESHOLD=3 перекроет breaker.failure_threshold
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	return decode(v)
}

// LoadConfigFile читает конфигурацию из явно указанного файла (флаг --config).
func LoadConfigFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig возвращает конфигурацию только из дефолтов (тесты, локальный запуск).
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("infra: defaults do not decode: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.guard_max_failures", 5)
	v.SetDefault("redis.guard_timeout", 10*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.window", time.Minute)
	v.SetDefault("breaker.cooldown", 30*time.Second)
	v.SetDefault("breaker.max_cooldown", 5*time.Minute)
	v.SetDefault("breaker.backoff_multiplier", 2.0)
	v.SetDefault("breaker.trial_timeout", time.Minute)
	v.SetDefault("breaker.state_ttl", 24*time.Hour)

	v.SetDefault("orchestrator.default_timeout", 30*time.Second)
	v.SetDefault("orchestrator.rate_limit", 0.0)
	v.SetDefault("orchestrator.rate_burst", 10)

	v.SetDefault("recorder.queue_size", 1024)
	v.SetDefault("recorder.workers", 1)
	v.SetDefault("recorder.retry_attempts", 3)
	v.SetDefault("recorder.dedup_window", 24*time.Hour)
	v.SetDefault("recorder.write_timeout", 5*time.Second)

	v.SetDefault("health.probe_timeout", 2*time.Second)
	v.SetDefault("health.max_concurrency", 8)

	v.SetDefault("trend.lookback_days", 14)
	v.SetDefault("trend.min_samples", 3)
	v.SetDefault("trend.full_confidence_samples", 14)
	v.SetDefault("trend.min_slope", 0.001)
	v.SetDefault("trend.noise_t", 2.0)

	v.SetDefault("adapter.eval_min_age", 72*time.Hour)
	v.SetDefault("adapter.eval_max_age", 240*time.Hour)
	v.SetDefault("adapter.regression_tolerance", 0.05)
	v.SetDefault("adapter.directive_cooldown", 72*time.Hour)
	v.SetDefault("adapter.job_lock_ttl", 5*time.Minute)
	v.SetDefault("adapter.lesson_timeout", 10*time.Second)
	v.SetDefault("adapter.lesson_batch", 200)
	v.SetDefault("adapter.rules", defaultRules())
}

// defaultRules: стартовая таблица правил. Шаги и границы — конфигурация, не контракт.
func defaultRules() []map[string]any {
	return []map[string]any{
		{
			"id":                   "fp-rate-rising-raise-confidence",
			"metric":               string(domain.MetricFalsePositiveRate),
			"trigger":              "rising",
			"min_confidence":       0.6,
			"min_consecutive_days": 3,
			"directive_key":        "agents.confidence_threshold",
			"step":                 0.05,
			"min":                  0.5,
			"max":                  0.95,
			"default":              0.7,
		},
		{
			"id":                   "success-rate-falling-extend-timeout",
			"metric":               string(domain.MetricSuccessRate),
			"trigger":              "falling",
			"min_confidence":       0.7,
			"min_consecutive_days": 3,
			"directive_key":        DirectiveInvokeTimeout,
			"step":                 5.0,
			"min":                  5.0,
			"max":                  120.0,
			"default":              30.0,
		},
		{
			"id":                   "latency-falling-tighten-timeout",
			"metric":               string(domain.MetricAvgLatency),
			"trigger":              "falling",
			"min_confidence":       0.8,
			"min_consecutive_days": 5,
			"directive_key":        DirectiveInvokeTimeout,
			"step":                 -5.0,
			"min":                  5.0,
			"max":                  120.0,
			"default":              30.0,
		},
	}
}

// DirectiveInvokeTimeout: директива таймаута вызова агента в секундах, её читает оркестратор.
const DirectiveInvokeTimeout = "orchestrator.invoke_timeout_seconds"

// Validate проверяет диапазоны. Ошибка конфигурации — фатальна при старте.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	b := c.Breaker
	check(b.FailureThreshold >= 1, "breaker.failure_threshold must be >= 1, got %d", b.FailureThreshold)
	check(b.Window > 0, "breaker.window must be positive")
	check(b.Cooldown > 0, "breaker.cooldown must be positive")
	check(b.MaxCooldown >= b.Cooldown, "breaker.max_cooldown must be >= breaker.cooldown")
	check(b.BackoffMultiplier >= 1, "breaker.backoff_multiplier must be >= 1, got %v", b.BackoffMultiplier)
	check(b.TrialTimeout > 0, "breaker.trial_timeout must be positive")
	// Снимок OPEN/HALF_OPEN не должен истечь раньше cooldown или пробы
	check(b.StateTTL >= 0, "breaker.state_ttl must not be negative")
	check(b.StateTTL == 0 || (b.StateTTL > b.MaxCooldown+b.TrialTimeout && b.StateTTL > b.Window),
		"breaker.state_ttl must be 0 or greater than max_cooldown+trial_timeout and window, got %s", b.StateTTL)

	check(c.Orchestrator.DefaultTimeout > 0, "orchestrator.default_timeout must be positive")
	check(c.Orchestrator.RateLimit >= 0, "orchestrator.rate_limit must not be negative")

	r := c.Recorder
	check(r.QueueSize > 0, "recorder.queue_size must be positive")
	check(r.Workers > 0, "recorder.workers must be positive")
	check(r.RetryAttempts >= 1, "recorder.retry_attempts must be >= 1")
	check(r.DedupWindow > 0, "recorder.dedup_window must be positive")

	check(c.Health.ProbeTimeout > 0, "health.probe_timeout must be positive")
	check(c.Health.MaxConcurrency > 0, "health.max_concurrency must be positive")

	t := c.Trend
	check(t.LookbackDays >= 2, "trend.lookback_days must be >= 2")
	check(t.MinSamples >= 3, "trend.min_samples must be >= 3, got %d", t.MinSamples)
	check(t.FullConfidenceSamples >= t.MinSamples, "trend.full_confidence_samples must be >= trend.min_samples")
	check(t.MinSlope >= 0, "trend.min_slope must not be negative")
	check(t.NoiseT > 0, "trend.noise_t must be positive")

	a := c.Adapter
	check(a.EvalMinAge > 0, "adapter.eval_min_age must be positive")
	check(a.EvalMaxAge > a.EvalMinAge, "adapter.eval_max_age must be greater than adapter.eval_min_age")
	check(a.RegressionTolerance >= 0 && a.RegressionTolerance < 1, "adapter.regression_tolerance must be in [0, 1)")
	check(a.DirectiveCooldown >= 0, "adapter.directive_cooldown must not be negative")
	check(a.LessonTimeout > 0, "adapter.lesson_timeout must be positive")
	check(a.LessonBatch > 0, "adapter.lesson_batch must be positive")

	seen := make(map[string]bool, len(a.Rules))
	for _, rule := range a.Rules {
		check(rule.ID != "", "adapter.rules: rule id must not be empty")
		check(!seen[rule.ID], "adapter.rules: duplicate rule id %q", rule.ID)
		seen[rule.ID] = true
		_, err := domain.ParseMetric(rule.Metric)
		check(err == nil, "adapter.rules[%s]: unknown metric %q", rule.ID, rule.Metric)
		check(rule.Trigger == "rising" || rule.Trigger == "falling", "adapter.rules[%s]: trigger must be rising or falling", rule.ID)
		check(rule.DirectiveKey != "", "adapter.rules[%s]: directive_key must not be empty", rule.ID)
		check(rule.Step != 0, "adapter.rules[%s]: step must not be zero", rule.ID)
		check(rule.Min <= rule.Max, "adapter.rules[%s]: min must be <= max", rule.ID)
		check(rule.Default >= rule.Min && rule.Default <= rule.Max, "adapter.rules[%s]: default must be within [min, max]", rule.ID)
		check(rule.MinConfidence >= 0 && rule.MinConfidence <= 1, "adapter.rules[%s]: min_confidence must be in [0, 1]", rule.ID)
	}

	agents := make(map[string]bool, len(c.Agents))
	for _, ag := range c.Agents {
		check(!agents[ag.ID], "agents: duplicate id %q", ag.ID)
		check(ag.SimulatedFailureRate >= 0 && ag.SimulatedFailureRate <= 1, "agents[%s]: simulated_failure_rate must be in [0, 1]", ag.ID)
		agents[ag.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

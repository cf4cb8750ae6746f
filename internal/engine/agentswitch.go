package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-adaptive-core/internal/infra"
	"github.com/xela07ax/spaceai-adaptive-core/internal/registry"
	"go.uber.org/zap"
)

// AgentSwitch: включение/выключение агентов администратором на всех инстансах.
// Множество выключенных агентов хранится в Redis, изменения рассылаются через Pub/Sub.
type AgentSwitch struct {
	rdb      redis.UniversalClient
	registry *registry.Registry
	logger   *zap.Logger

	mu       sync.Mutex
	switched map[string]struct{} // выключены нами, а не статической конфигурацией
}

func NewAgentSwitch(rdb redis.UniversalClient, reg *registry.Registry, logger *zap.Logger) *AgentSwitch {
	return &AgentSwitch{
		rdb:      rdb,
		registry: reg,
		logger:   logger.With(zap.String("mod", "agent_switch")),
		switched: make(map[string]struct{}),
	}
}

// Init загружает текущее множество выключенных агентов при старте и после переподключения.
func (s *AgentSwitch) Init(ctx context.Context) error {
	ids, err := s.rdb.SMembers(ctx, infra.RedisKeyDisabledAgents).Result()
	if err != nil {
		return fmt.Errorf("load disabled agents: %w", err)
	}
	disabled := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		disabled[id] = struct{}{}
		s.apply(id, false)
	}

	// Включаем тех, кого выключили раньше, а в множестве их уже нет
	s.mu.Lock()
	var revive []string
	for id := range s.switched {
		if _, ok := disabled[id]; !ok {
			revive = append(revive, id)
		}
	}
	s.mu.Unlock()
	for _, id := range revive {
		s.apply(id, true)
	}

	s.logger.Info("agent switch state loaded", zap.Int("disabled", len(ids)))
	return nil
}

// StartListener подписывается на сигналы переключения и держит подписку до отмены ctx.
func (s *AgentSwitch) StartListener(ctx context.Context) {
	s.logger.Info("agent switch listener started")
	infra.ListenResilient(ctx, s.rdb, s.logger, infra.RedisChanAgentSwitch,
		func() error { return s.Init(ctx) },
		func(payload string) {
			id, on, ok := infra.ParseSwitchSignal(payload)
			if !ok {
				s.logger.Warn("malformed agent switch signal", zap.String("payload", payload))
				return
			}
			s.apply(id, on)
		},
	)
	s.logger.Info("agent switch listener stopped")
}

func (s *AgentSwitch) Disable(ctx context.Context, agentID string) error {
	return s.set(ctx, agentID, false)
}

func (s *AgentSwitch) Enable(ctx context.Context, agentID string) error {
	return s.set(ctx, agentID, true)
}

func (s *AgentSwitch) set(ctx context.Context, agentID string, on bool) error {
	if _, err := s.registry.Get(agentID); err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	status := "off"
	if on {
		status = "on"
		pipe.SRem(ctx, infra.RedisKeyDisabledAgents, agentID)
	} else {
		pipe.SAdd(ctx, infra.RedisKeyDisabledAgents, agentID)
	}
	pipe.Publish(ctx, infra.RedisChanAgentSwitch, agentID+":"+status)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("switch agent %s %s: %w", agentID, status, err)
	}

	s.apply(agentID, on)
	return nil
}

func (s *AgentSwitch) apply(agentID string, on bool) {
	if err := s.registry.SetEnabled(agentID, on); err != nil {
		// Сигнал для агента, которого этот инстанс не знает
		s.logger.Debug("switch signal for unknown agent", zap.String("agent_id", agentID))
		return
	}

	s.mu.Lock()
	if on {
		delete(s.switched, agentID)
	} else {
		s.switched[agentID] = struct{}{}
	}
	s.mu.Unlock()

	s.logger.Info("agent switched", zap.String("agent_id", agentID), zap.Bool("enabled", on))
}

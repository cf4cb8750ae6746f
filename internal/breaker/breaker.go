// Package breaker реализует предохранитель (circuit breaker) на каждого агента.
//
// Состояние хранится в общем statestore.Store, все переходы — compare-and-swap
// по прочитанному снимку. Поэтому конкурентные вызовы одного агента (в том числе
// из разных процессов при Redis) не теряют обновлений, а пробный вызов HALF_OPEN
// получает ровно один вызывающий.
//
// Жизненный цикл вызова:
//
//	ticket, err := b.Allow(ctx, agentID) // CircuitOpenError — агент не вызывается
//	err = call()
//	b.Report(ctx, ticket, err == nil)
//
// Если хранилище недоступно, предохранитель пропускает вызов (fail open)
// и пишет предупреждение: недоступность состояния не должна блокировать агентов.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
	"github.com/xela07ax/spaceai-adaptive-core/internal/statestore"
	"go.uber.org/zap"
)

// KeyPrefix: логический префикс ключей предохранителей в state store.
const KeyPrefix = "breaker:"

// maxCASAttempts ограничивает число перечитываний при гонке за один ключ.
const maxCASAttempts = 16

// ErrContention: не удалось применить переход за maxCASAttempts попыток.
var ErrContention = errors.New("breaker: state transition contention")

type Settings struct {
	FailureThreshold  int           // ошибок подряд внутри Window до открытия
	Window            time.Duration // скользящее окно подсчёта ошибок
	Cooldown          time.Duration // базовое время в OPEN до пробного вызова
	MaxCooldown       time.Duration
	BackoffMultiplier float64       // рост cooldown после каждой неудачной пробы
	TrialTimeout      time.Duration // после этого зависший пробный вызов можно перехватить
	StateTTL          time.Duration // TTL записи в хранилище, 0 — без TTL

	// OnStateChange вызывается после успешного перехода (метрики, логи).
	OnStateChange func(agentID string, from, to domain.BreakerState)
}

// Ticket: разрешение на вызов. Хранит состояние, которое видел вызывающий:
// отчёт о результате применяется, только если предохранитель всё ещё в нём.
type Ticket struct {
	AgentID  string
	Observed domain.BreakerState
	TrialID  string // непусто для единственного пробного вызова HALF_OPEN
	Degraded bool   // хранилище недоступно, вызов пропущен без учёта
}

func (t Ticket) Trial() bool { return t.TrialID != "" }

type Breaker struct {
	store    statestore.Store
	settings Settings
	logger   *zap.Logger
	now      func() time.Time // for testing
}

func New(store statestore.Store, settings Settings, logger *zap.Logger) *Breaker {
	if settings.FailureThreshold < 1 {
		settings.FailureThreshold = 1
	}
	if settings.BackoffMultiplier < 1 {
		settings.BackoffMultiplier = 1
	}
	if settings.MaxCooldown < settings.Cooldown {
		settings.MaxCooldown = settings.Cooldown
	}
	if settings.StateTTL != 0 {
		settings.StateTTL = max(settings.StateTTL, MinStateTTL(settings))
	}
	return &Breaker{
		store:    store,
		settings: settings,
		logger:   logger.Named("breaker"),
		now:      time.Now,
	}
}

// MinStateTTL: наименьший TTL записи, при котором OPEN не истекает до конца cooldown,
// HALF_OPEN до конца пробы, а CLOSED до конца окна подсчёта ошибок.
func MinStateTTL(s Settings) time.Duration {
	return max(s.MaxCooldown+s.TrialTimeout, s.Window) + time.Second
}

// Allow решает, можно ли вызвать агента.
func (b *Breaker) Allow(ctx context.Context, agentID string) (Ticket, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		snap, raw, err := b.load(ctx, agentID)
		if err != nil {
			return b.failOpen(agentID, err), nil
		}

		now := b.now()
		switch snap.State {
		case domain.BreakerClosed:
			return Ticket{AgentID: agentID, Observed: domain.BreakerClosed}, nil

		case domain.BreakerOpen:
			if wait := b.cooldown(snap) - now.Sub(snap.OpenedAt); wait > 0 {
				return Ticket{}, &domain.CircuitOpenError{AgentID: agentID, State: domain.BreakerOpen, RetryAfter: wait}
			}

		case domain.BreakerHalfOpen:
			if snap.HalfOpenTrialInFlight {
				elapsed := now.Sub(snap.TrialStartedAt)
				if elapsed < b.settings.TrialTimeout {
					return Ticket{}, &domain.CircuitOpenError{
						AgentID:    agentID,
						State:      domain.BreakerHalfOpen,
						RetryAfter: b.settings.TrialTimeout - elapsed,
					}
				}
				b.logger.Warn("reclaiming stale half-open trial",
					zap.String("agent_id", agentID),
					zap.String("trial_id", snap.TrialID),
					zap.Duration("elapsed", elapsed))
			}

		default:
			return Ticket{}, fmt.Errorf("breaker: agent %s has corrupt state %q", agentID, snap.State)
		}

		// Захват пробного вызова: OPEN (cooldown истёк) или HALF_OPEN без активной пробы
		next := snap
		next.State = domain.BreakerHalfOpen
		next.HalfOpenTrialInFlight = true
		next.TrialID = uuid.NewString()
		next.TrialStartedAt = now

		ok, err := b.swap(ctx, agentID, raw, next)
		if err != nil {
			return b.failOpen(agentID, err), nil
		}
		if ok {
			b.transition(agentID, snap.State, next.State)
			return Ticket{AgentID: agentID, Observed: domain.BreakerHalfOpen, TrialID: next.TrialID}, nil
		}
		// Кто-то успел раньше — перечитываем состояние
	}
	return Ticket{}, fmt.Errorf("%w: agent %s", ErrContention, agentID)
}

// Report сообщает результат вызова. Неуспехом считаются таймаут, ошибка и некорректный ответ.
// Отчёт по устаревшему билету (состояние уже сменилось) игнорируется.
func (b *Breaker) Report(ctx context.Context, t Ticket, success bool) error {
	if t.Degraded {
		return nil
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		snap, raw, err := b.load(ctx, t.AgentID)
		if err != nil {
			b.logger.Warn("breaker state store unavailable, outcome not counted",
				zap.String("agent_id", t.AgentID), zap.Bool("success", success), zap.Error(err))
			return err
		}

		next, changed := b.apply(snap, t, success, b.now())
		if !changed {
			return nil
		}

		ok, err := b.swap(ctx, t.AgentID, raw, next)
		if err != nil {
			b.logger.Warn("breaker state store unavailable, outcome not counted",
				zap.String("agent_id", t.AgentID), zap.Bool("success", success), zap.Error(err))
			return err
		}
		if ok {
			b.transition(t.AgentID, snap.State, next.State)
			return nil
		}
	}
	return fmt.Errorf("%w: agent %s", ErrContention, t.AgentID)
}

// apply вычисляет следующее состояние. changed=false — писать нечего
// (устаревший билет или успех без накопленных ошибок).
func (b *Breaker) apply(snap domain.BreakerSnapshot, t Ticket, success bool, now time.Time) (domain.BreakerSnapshot, bool) {
	if t.Trial() {
		if snap.State != domain.BreakerHalfOpen || snap.TrialID != t.TrialID {
			b.logger.Debug("stale trial report ignored",
				zap.String("agent_id", t.AgentID), zap.String("state", string(snap.State)))
			return snap, false
		}
		if success {
			return domain.ClosedSnapshot(t.AgentID), true
		}
		next := clearTrial(snap)
		next.State = domain.BreakerOpen
		next.OpenedAt = now
		next.OpenCount++
		next.ConsecutiveFailures++
		next.LastFailureAt = now
		return next, true
	}

	if snap.State != domain.BreakerClosed {
		return snap, false
	}

	next := snap
	if success {
		if snap.ConsecutiveFailures == 0 {
			return snap, false
		}
		next.ConsecutiveFailures = 0
		next.FirstFailureAt = time.Time{}
		return next, true
	}

	if next.ConsecutiveFailures == 0 || now.Sub(next.FirstFailureAt) > b.settings.Window {
		// Окно истекло — начинаем счёт заново
		next.ConsecutiveFailures = 1
		next.FirstFailureAt = now
	} else {
		next.ConsecutiveFailures++
	}
	next.LastFailureAt = now

	if next.ConsecutiveFailures >= b.settings.FailureThreshold {
		next.State = domain.BreakerOpen
		next.OpenedAt = now
		next.OpenCount = 1
	}
	return next, true
}

// Release освобождает пробный вызов, от результата которого вызывающий отказался
// (например, отменил свой контекст). Следующий вызов снова сможет стать пробным.
func (b *Breaker) Release(ctx context.Context, t Ticket) error {
	if !t.Trial() || t.Degraded {
		return nil
	}
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		snap, raw, err := b.load(ctx, t.AgentID)
		if err != nil {
			return err
		}
		if snap.State != domain.BreakerHalfOpen || snap.TrialID != t.TrialID {
			return nil
		}
		ok, err := b.swap(ctx, t.AgentID, raw, clearTrial(snap))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: agent %s", ErrContention, t.AgentID)
}

// Execute: удобная обёртка Allow → fn → Report.
func (b *Breaker) Execute(ctx context.Context, agentID string, fn func(ctx context.Context) error) error {
	t, err := b.Allow(ctx, agentID)
	if err != nil {
		return err
	}
	callErr := fn(ctx)
	if err := b.Report(ctx, t, callErr == nil); err != nil && !errors.Is(err, domain.ErrPersistenceUnavailable) {
		return errors.Join(callErr, err)
	}
	return callErr
}

// Snapshot возвращает состояние одного агента. Отсутствующий ключ — CLOSED.
func (b *Breaker) Snapshot(ctx context.Context, agentID string) (domain.BreakerSnapshot, error) {
	snap, _, err := b.load(ctx, agentID)
	return snap, err
}

// Status: упорядоченный по agent id дамп всех известных предохранителей. Ничего не меняет.
func (b *Breaker) Status(ctx context.Context) ([]domain.BreakerSnapshot, error) {
	raw, err := b.store.List(ctx, KeyPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]domain.BreakerSnapshot, 0, len(raw))
	for key, val := range raw {
		var snap domain.BreakerSnapshot
		if err := json.Unmarshal(val, &snap); err != nil {
			b.logger.Warn("skipping undecodable breaker state", zap.String("key", key), zap.Error(err))
			continue
		}
		if snap.AgentID == "" {
			snap.AgentID = strings.TrimPrefix(key, KeyPrefix)
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// cooldown растёт экспоненциально с каждым повторным открытием и ограничен MaxCooldown.
func (b *Breaker) cooldown(snap domain.BreakerSnapshot) time.Duration {
	n := max(snap.OpenCount, 1)
	d := float64(b.settings.Cooldown) * math.Pow(b.settings.BackoffMultiplier, float64(n-1))
	if d > float64(b.settings.MaxCooldown) {
		return b.settings.MaxCooldown
	}
	return time.Duration(d)
}

// load читает снимок. Нечитаемая запись сбрасывается в CLOSED через CAS:
// иначе агент навсегда остался бы без защиты в режиме fail open.
func (b *Breaker) load(ctx context.Context, agentID string) (domain.BreakerSnapshot, []byte, error) {
	key := KeyPrefix + agentID
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		raw, ok, err := b.store.Get(ctx, key)
		if err != nil {
			return domain.BreakerSnapshot{}, nil, err
		}
		if !ok {
			return domain.ClosedSnapshot(agentID), nil, nil
		}

		var snap domain.BreakerSnapshot
		decodeErr := json.Unmarshal(raw, &snap)
		if decodeErr == nil {
			if snap.State == "" {
				snap.State = domain.BreakerClosed
			}
			return snap, raw, nil
		}

		b.logger.Error("corrupt breaker state, resetting to closed",
			zap.String("agent_id", agentID), zap.Error(decodeErr))
		if _, err := b.swap(ctx, agentID, raw, domain.ClosedSnapshot(agentID)); err != nil {
			return domain.BreakerSnapshot{}, nil, err
		}
	}
	return domain.BreakerSnapshot{}, nil, fmt.Errorf("%w: agent %s", ErrContention, agentID)
}

func (b *Breaker) swap(ctx context.Context, agentID string, prev []byte, next domain.BreakerSnapshot) (bool, error) {
	next.AgentID = agentID
	data, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("breaker: encode state of %s: %w", agentID, err)
	}
	return b.store.CompareAndSwap(ctx, KeyPrefix+agentID, prev, data, b.settings.StateTTL)
}

func (b *Breaker) failOpen(agentID string, err error) Ticket {
	b.logger.Warn("breaker state unavailable, failing open (degraded mode)",
		zap.String("agent_id", agentID), zap.Error(err))
	return Ticket{AgentID: agentID, Observed: domain.BreakerClosed, Degraded: true}
}

func (b *Breaker) transition(agentID string, from, to domain.BreakerState) {
	if from == to {
		return
	}
	b.logger.Info("breaker state changed",
		zap.String("agent_id", agentID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(agentID, from, to)
	}
}

func clearTrial(snap domain.BreakerSnapshot) domain.BreakerSnapshot {
	snap.HalfOpenTrialInFlight = false
	snap.TrialID = ""
	snap.TrialStartedAt = time.Time{}
	return snap
}

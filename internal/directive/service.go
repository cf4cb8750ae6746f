// Package directive — фасад над хранилищем директив.
//
// Чтение идёт по цепочке: L1 кэш (ristretto) → Store → последнее известное значение
// → значение по умолчанию. Поэтому недоступность хранилища не останавливает оркестратор.
// Запись обновляет кэши и публикует ключ в Redis, другие инстансы сбрасывают свой L1.
package directive

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
	"github.com/xela07ax/spaceai-adaptive-core/internal/infra"
	"go.uber.org/zap"
)

type Options struct {
	CacheTTL   time.Duration // время жизни записи L1, по умолчанию 30s
	MaxEntries int64         // по умолчанию 10000
}

type Service struct {
	store  Store
	rdb    redis.UniversalClient // nil — без межинстансной инвалидации
	l1     *ristretto.Cache[string, domain.Directive]
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	lastKnown map[string]domain.Directive
}

func NewService(store Store, rdb redis.UniversalClient, opts Options, logger *zap.Logger) (*Service, error) {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}

	// Стоимость каждой записи — 1, MaxCost ограничивает число ключей
	l1, err := ristretto.NewCache(&ristretto.Config[string, domain.Directive]{
		NumCounters: opts.MaxEntries * 10,
		MaxCost:     opts.MaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("directive cache: %w", err)
	}

	return &Service{
		store:     store,
		rdb:       rdb,
		l1:        l1,
		ttl:       opts.CacheTTL,
		logger:    logger.With(zap.String("mod", "directives")),
		now:       time.Now,
		lastKnown: make(map[string]domain.Directive),
	}, nil
}

// Value возвращает текущее значение директивы. Никогда не падает: при сбое хранилища
// отдаёт последнее известное значение, а если его нет — def.
func (s *Service) Value(ctx context.Context, key string, def float64) float64 {
	d, ok, err := s.Get(ctx, key)
	if err != nil {
		if last, found := s.last(key); found {
			s.logger.Warn("directive store unavailable, using last known value",
				zap.String("key", key), zap.Float64("value", last.Value), zap.Error(err))
			return last.Value
		}
		s.logger.Warn("directive store unavailable, using default",
			zap.String("key", key), zap.Float64("default", def), zap.Error(err))
		return def
	}
	if !ok {
		return def
	}
	return d.Value
}

// Get читает директиву: сначала L1, затем хранилище.
func (s *Service) Get(ctx context.Context, key string) (domain.Directive, bool, error) {
	if d, ok := s.l1.Get(key); ok {
		return d, true, nil
	}
	d, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return domain.Directive{}, false, fmt.Errorf("directive %s: %w", key, err)
	}
	if ok {
		s.remember(d)
	}
	return d, ok, nil
}

// Set записывает новое значение (с аудитом) и оповещает остальные инстансы.
func (s *Service) Set(ctx context.Context, key string, value float64, changedBy string) (domain.Directive, error) {
	if err := validate(key, value); err != nil {
		return domain.Directive{}, err
	}
	prev, _, err := s.store.Get(ctx, key)
	if err != nil {
		return domain.Directive{}, fmt.Errorf("directive %s: %w", key, err)
	}
	d := domain.Directive{
		Key:           key,
		Value:         value,
		PreviousValue: prev.Value,
		ChangedAt:     s.now().UTC(),
		ChangedBy:     changedBy,
	}
	if err := s.store.Set(ctx, d); err != nil {
		return domain.Directive{}, fmt.Errorf("directive %s: %w", key, err)
	}
	s.changed(ctx, d)
	return d, nil
}

// CompareAndSet записывает value, только если директива всё ещё равна expect.
func (s *Service) CompareAndSet(ctx context.Context, key string, expect, value float64, changedBy string) (domain.Directive, bool, error) {
	d := domain.Directive{
		Key:           key,
		Value:         value,
		PreviousValue: expect,
		ChangedAt:     s.now().UTC(),
		ChangedBy:     changedBy,
	}
	ok, err := s.store.CompareAndSet(ctx, d, expect)
	if err != nil {
		return domain.Directive{}, false, fmt.Errorf("directive %s: %w", key, err)
	}
	if !ok {
		// Наш кэш мог устареть — пусть следующее чтение пойдёт в хранилище
		s.Invalidate(key)
		return domain.Directive{}, false, nil
	}
	s.changed(ctx, d)
	return d, true, nil
}

func (s *Service) List(ctx context.Context) ([]domain.Directive, error) {
	items, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("directives: %w", err)
	}
	return items, nil
}

func (s *Service) Audit(ctx context.Context, key string, limit int) ([]domain.DirectiveAudit, error) {
	return s.store.Audit(ctx, key, limit)
}

// Invalidate сбрасывает L1 запись ключа. Последнее известное значение сохраняется.
func (s *Service) Invalidate(key string) {
	s.l1.Del(key)
}

// Listen слушает изменения директив других инстансов до отмены ctx.
func (s *Service) Listen(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	infra.ListenResilient(ctx, s.rdb, s.logger, infra.RedisChanDirectiveChanged,
		func() error {
			// Пока канал был недоступен, изменения могли пройти мимо
			s.l1.Clear()
			return nil
		},
		func(key string) {
			s.logger.Debug("directive changed remotely", zap.String("key", key))
			s.Invalidate(key)
		},
	)
}

func (s *Service) Close() {
	s.l1.Close()
}

func (s *Service) changed(ctx context.Context, d domain.Directive) {
	s.remember(d)
	s.logger.Info("directive changed",
		zap.String("key", d.Key),
		zap.Float64("previous", d.PreviousValue),
		zap.Float64("value", d.Value),
		zap.String("changed_by", d.ChangedBy))

	if s.rdb == nil {
		return
	}
	if err := s.rdb.Publish(ctx, infra.RedisChanDirectiveChanged, d.Key).Err(); err != nil {
		// Другие инстансы увидят новое значение после истечения TTL своего L1
		s.logger.Warn("failed to broadcast directive change", zap.String("key", d.Key), zap.Error(err))
	}
}

func (s *Service) remember(d domain.Directive) {
	s.l1.SetWithTTL(d.Key, d, 1, s.ttl)
	s.l1.Wait()

	s.mu.Lock()
	s.lastKnown[d.Key] = d
	s.mu.Unlock()
}

func (s *Service) last(key string) (domain.Directive, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.lastKnown[key]
	return d, ok
}

func validate(key string, value float64) error {
	if key == "" {
		return &domain.ValidationError{Field: "key", Reason: "must not be empty"}
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return &domain.ValidationError{Field: "value", Reason: "must be a finite number"}
	}
	return nil
}

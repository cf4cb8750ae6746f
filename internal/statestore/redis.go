package statestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
	"go.uber.org/zap"
)

// casScript атомарно сверяет текущее значение и записывает новое.
// ARGV[1] — ожидаемое значение, ARGV[2] — "1" если ключ должен отсутствовать,
// ARGV[3] — новое значение, ARGV[4] — TTL в миллисекундах (0 — без TTL).
var casScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if ARGV[2] == "1" then
	if cur then return 0 end
elseif (not cur) or cur ~= ARGV[1] then
	return 0
end
local ttl = tonumber(ARGV[4])
if ttl > 0 then
	redis.call("SET", KEYS[1], ARGV[3], "PX", ttl)
else
	redis.call("SET", KEYS[1], ARGV[3])
end
redis.call("SADD", KEYS[2], KEYS[1])
return 1
`)

type RedisOptions struct {
	KeyPrefix string // например "devit:state:"
	IndexKey  string // множество всех ключей для List

	// Предохранитель на сами вызовы Redis
	GuardMaxFailures uint32
	GuardTimeout     time.Duration
}

// RedisStore: общее хранилище для нескольких инстансов ядра.
// Все вызовы идут через gobreaker: если Redis лежит, мы быстро получаем
// ErrPersistenceUnavailable вместо того, чтобы каждый вызов агента ждал сетевой таймаут.
type RedisStore struct {
	rdb    redis.UniversalClient
	opts   RedisOptions
	guard  *gobreaker.CircuitBreaker
	logger *zap.Logger
}

func NewRedisStore(rdb redis.UniversalClient, opts RedisOptions, logger *zap.Logger) *RedisStore {
	if opts.GuardMaxFailures == 0 {
		opts.GuardMaxFailures = 5
	}
	if opts.GuardTimeout <= 0 {
		opts.GuardTimeout = 10 * time.Second
	}

	s := &RedisStore{
		rdb:    rdb,
		opts:   opts,
		logger: logger.With(zap.String("mod", "statestore")),
	}
	s.guard = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-state-store",
		MaxRequests: 1,
		Timeout:     opts.GuardTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.GuardMaxFailures
		},
		// Отсутствие ключа — нормальный ответ, а не сбой Redis
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("state store guard changed state",
				zap.String("guard", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return s
}

func (s *RedisStore) key(k string) string { return s.opts.KeyPrefix + k }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := s.guard.Execute(func() (interface{}, error) {
		return s.rdb.Get(ctx, s.key(key)).Bytes()
	})
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, domain.Unavailable("statestore", err)
	}
	return res.([]byte), true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.guard.Execute(func() (interface{}, error) {
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, s.key(key), value, max(ttl, 0))
		pipe.SAdd(ctx, s.opts.IndexKey, s.key(key))
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		return domain.Unavailable("statestore", err)
	}
	return nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	absent := "0"
	if prev == nil {
		absent = "1"
	}

	res, err := s.guard.Execute(func() (interface{}, error) {
		return casScript.Run(ctx, s.rdb,
			[]string{s.key(key), s.opts.IndexKey},
			prev, absent, next, max(ttl, 0).Milliseconds(),
		).Int()
	})
	if err != nil {
		return false, domain.Unavailable("statestore", err)
	}
	return res.(int) == 1, nil
}

func (s *RedisStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	res, err := s.guard.Execute(func() (interface{}, error) {
		members, err := s.rdb.SMembers(ctx, s.opts.IndexKey).Result()
		if err != nil {
			return nil, err
		}

		full := s.key(prefix)
		keys := make([]string, 0, len(members))
		for _, m := range members {
			if strings.HasPrefix(m, full) {
				keys = append(keys, m)
			}
		}
		if len(keys) == 0 {
			return map[string][]byte{}, nil
		}

		vals, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}

		out := make(map[string][]byte, len(keys))
		var expired []interface{}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				// Ключ истёк по TTL, чистим индекс
				expired = append(expired, keys[i])
				continue
			}
			out[strings.TrimPrefix(keys[i], s.opts.KeyPrefix)] = []byte(str)
		}
		if len(expired) > 0 {
			if err := s.rdb.SRem(ctx, s.opts.IndexKey, expired...).Err(); err != nil {
				s.logger.Debug("failed to prune state index", zap.Error(err))
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, domain.Unavailable("statestore", err)
	}
	return res.(map[string][]byte), nil
}

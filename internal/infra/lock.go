package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript снимает блокировку только если она всё ещё наша.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// JobLock: распределенная блокировка (SetNX), чтобы периодическую задачу
// выполнял только один инстанс.
type JobLock struct {
	rdb redis.UniversalClient
	key string
	ttl time.Duration
}

func NewJobLock(rdb redis.UniversalClient, key string, ttl time.Duration) *JobLock {
	return &JobLock{rdb: rdb, key: key, ttl: ttl}
}

// TryLock пытается захватить блокировку. acquired=false — задачу уже выполняет другой инстанс.
// release нужно вызвать после завершения работы.
func (l *JobLock) TryLock(ctx context.Context) (release func(), acquired bool, err error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func() {
		// Используем Background, так как контекст задачи может быть уже закрыт
		_ = releaseScript.Run(context.Background(), l.rdb, []string{l.key}, token).Err()
	}
	return release, true, nil
}

// Package statestore — общее key-value хранилище с compare-and-swap и TTL.
// На нём держится состояние предохранителей, которое должно быть согласованным
// между конкурентными вызовами и, при Redis, между процессами.
package statestore

import (
	"context"
	"time"
)

type Store interface {
	// Get возвращает значение ключа. ok=false — ключа нет (или истёк TTL).
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set безусловно записывает значение. ttl <= 0 — без срока жизни.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// CompareAndSwap записывает next, только если текущее значение побайтно равно prev.
	// prev == nil означает «ключ должен отсутствовать».
	CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error)
	// List возвращает все живые ключи с префиксом.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

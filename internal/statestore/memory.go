package statestore

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore: хранилище в памяти процесса. Согласованность read-your-writes
// обеспечивается одним мьютексом.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]memEntry
	now  func() time.Time // for testing
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]memEntry), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.load(key)
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.store(key, value, ttl)
	return nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.load(key)
	if prev == nil {
		if ok {
			return false, nil
		}
	} else if !ok || !bytes.Equal(cur, prev) {
		return false, nil
	}

	s.store(key, next, ttl)
	return true, nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]byte)
	for k := range s.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if v, ok := s.load(k); ok {
			out[k] = v
		}
	}
	return out, nil
}

// load must be called with s.mu held. Просроченные ключи удаляются лениво.
func (s *MemoryStore) load(key string) ([]byte, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.data, key)
		return nil, false
	}
	return bytes.Clone(e.value), true
}

// store must be called with s.mu held.
func (s *MemoryStore) store(key string, value []byte, ttl time.Duration) {
	e := memEntry{value: bytes.Clone(value)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.data[key] = e
}

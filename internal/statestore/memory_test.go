package statestore

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryCompareAndSwap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.CompareAndSwap(ctx, "k", nil, []byte("v1"), 0)
	if err != nil || !ok {
		t.Fatalf("expected create on absent key, got ok=%v err=%v", ok, err)
	}

	// Ключ уже есть — «должен отсутствовать» больше не выполняется
	if ok, _ := s.CompareAndSwap(ctx, "k", nil, []byte("v2"), 0); ok {
		t.Fatal("expected CAS with nil prev to fail on existing key")
	}
	if ok, _ := s.CompareAndSwap(ctx, "k", []byte("stale"), []byte("v2"), 0); ok {
		t.Fatal("expected CAS with stale prev to fail")
	}
	if ok, _ := s.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"), 0); !ok {
		t.Fatal("expected CAS with current prev to succeed")
	}

	v, found, _ := s.Get(ctx, "k")
	if !found || string(v) != "v2" {
		t.Fatalf("expected v2, got %q found=%v", v, found)
	}
}

func TestMemoryTTL(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), time.Second)
	if _, found, _ := s.Get(ctx, "k"); !found {
		t.Fatal("expected key before expiry")
	}

	now = now.Add(2 * time.Second)
	if _, found, _ := s.Get(ctx, "k"); found {
		t.Fatal("expected key to expire")
	}
	// После истечения ключ снова считается отсутствующим для CAS
	if ok, _ := s.CompareAndSwap(ctx, "k", nil, []byte("new"), 0); !ok {
		t.Fatal("expected CAS on expired key to succeed")
	}
}

func TestMemoryListByPrefix(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Set(ctx, "breaker:a", []byte("1"), 0)
	_ = s.Set(ctx, "breaker:b", []byte("2"), 0)
	_ = s.Set(ctx, "other:c", []byte("3"), 0)

	got, err := s.List(ctx, "breaker:")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || string(got["breaker:a"]) != "1" || string(got["breaker:b"]) != "2" {
		t.Fatalf("unexpected list: %v", got)
	}
}

func TestMemoryValuesAreCopied(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	buf := []byte("abc")
	_ = s.Set(ctx, "k", buf, 0)
	buf[0] = 'x'

	v, _, _ := s.Get(ctx, "k")
	if string(v) != "abc" {
		t.Fatalf("store kept caller buffer: %q", v)
	}
}

func TestMemoryConcurrentCASSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("open"), 0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := s.CompareAndSwap(ctx, "k", []byte("open"), []byte("half-open"), 0)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one CAS winner, got %d", winners)
	}
}

package connectors

import (
	"context"
	"errors"
	"math/rand/v2" // Используем v2 для Go 1.25
	"time"
)

// ErrSimulatedFailure: отказ, который симулятор возвращает с вероятностью FailureRate.
var ErrSimulatedFailure = errors.New("simulated agent failure")

// Simulated имитирует агента для локального запуска: задержка в
// [MinLatency, MaxLatency) и случайные отказы.
type Simulated struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64
	Response    []byte
}

func (s *Simulated) Execute(ctx context.Context, _ []byte) ([]byte, error) {
	latency := s.MinLatency
	if span := s.MaxLatency - s.MinLatency; span > 0 {
		latency += time.Duration(rand.Int64N(int64(span)))
	}

	select {
	case <-time.After(latency):
		// Имитация работы
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if s.FailureRate > 0 && rand.Float64() < s.FailureRate {
		return nil, ErrSimulatedFailure
	}
	if s.Response != nil {
		return s.Response, nil
	}
	return []byte(`{"status":"ok","simulated":true}`), nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter: лимит частоты вызовов на каждого агента (token bucket).
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewLimiter возвращает nil, если perSecond <= 0 (лимит выключен).
func NewLimiter(perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Wait ждёт токен агента не дольше, чем живёт ctx.
func (l *Limiter) Wait(ctx context.Context, agentID string) error {
	if l == nil {
		return nil
	}
	if err := l.get(agentID).Wait(ctx); err != nil {
		return fmt.Errorf("agent %s: %w: %w", agentID, ErrRateLimited, err)
	}
	return nil
}

func (l *Limiter) get(agentID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[agentID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[agentID] = lim
	}
	return lim
}

package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ErrNoProbe: у агента нет health-эндпоинта, его здоровье выводится только из предохранителя.
var ErrNoProbe = errors.New("no health endpoint")

// Probe: лёгкая проверка живости агента. Должна уважать ctx.
type Probe interface {
	Probe(ctx context.Context, agentID string) (domain.ProbeResult, error)
}

// ProbeFunc позволяет использовать обычную функцию как Probe (in-process агенты).
type ProbeFunc func(ctx context.Context, agentID string) (domain.ProbeResult, error)

func (f ProbeFunc) Probe(ctx context.Context, agentID string) (domain.ProbeResult, error) {
	return f(ctx, agentID)
}

// GRPCProbe опрашивает агентов по стандартному протоколу grpc.health.v1.
// Имя сервиса в запросе — ID агента.
type GRPCProbe struct {
	targets  map[string]string // agentID -> address
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewGRPCProbe(targets map[string]string, opts ...grpc.DialOption) *GRPCProbe {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPCProbe{
		targets:  targets,
		dialOpts: opts,
		conns:    make(map[string]*grpc.ClientConn),
	}
}

func (p *GRPCProbe) Probe(ctx context.Context, agentID string) (domain.ProbeResult, error) {
	conn, err := p.conn(agentID)
	if err != nil {
		return domain.ProbeResult{}, err
	}

	start := time.Now()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: agentID})
	latency := time.Since(start)
	if err != nil {
		return domain.ProbeResult{Latency: latency}, fmt.Errorf("health check %s: %w", agentID, err)
	}

	res := domain.ProbeResult{Latency: latency}
	switch resp.GetStatus() {
	case healthpb.HealthCheckResponse_SERVING:
		res.Status = domain.HealthHealthy
	case healthpb.HealthCheckResponse_NOT_SERVING:
		res.Status = domain.HealthUnhealthy
	default:
		// UNKNOWN / SERVICE_UNKNOWN: агент отвечает, но про себя ничего не знает
		res.Status = domain.HealthDegraded
	}
	return res, nil
}

func (p *GRPCProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for id, c := range p.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, id)
	}
	return firstErr
}

func (p *GRPCProbe) conn(agentID string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[agentID]; ok {
		return c, nil
	}
	addr, ok := p.targets[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNoProbe)
	}
	// NewClient не устанавливает соединение сразу, подключение произойдёт при первом Check
	c, err := grpc.NewClient(addr, p.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("health client %s: %w", agentID, err)
	}
	p.conns[agentID] = c
	return c, nil
}

package main

import (
	"context"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-adaptive-core/internal/infra"
	"go.uber.org/zap/zaptest"
)

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "evaluate", "adapt", "trends"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Fatalf("missing subcommand %s: %v", name, err)
		}
	}
}

func TestNewAppInMemoryBindsSimulatedAgent(t *testing.T) {
	cfg := infra.DefaultConfig()
	cfg.Orchestrator.DefaultTimeout = time.Second
	cfg.Agents = []infra.AgentConfig{
		{ID: "sim", Mode: "single", Enabled: true, Endpoint: infra.EndpointSimulated},
		{ID: "unbound", Mode: "single", Enabled: true},
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if err := a.core.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := a.core.Invoke(ctx, "sim", []byte(`{}`), 0); err != nil {
		t.Fatalf("simulated agent must answer, got %v", err)
	}
	if _, err := a.core.Invoke(ctx, "unbound", nil, 0); err == nil {
		t.Fatal("agent without endpoint must not be invocable")
	}
	if h := a.core.SystemHealth(ctx); len(h.Agents) != 2 {
		t.Fatalf("expected both agents in health report, got %+v", h)
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-adaptive-core/internal/infra"
	"go.uber.org/zap"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "adaptd",
		Short: "Self-adaptive orchestration and health-control core for AI agents",
		Long: `adaptd invokes agents behind per-agent circuit breakers, records outcomes,
reports system health, and tunes operational directives from long-term trends.

Periodic work (evaluate, adapt) is meant to be triggered by an external scheduler;
runs on several instances are serialised through a Redis lock.`,
		SilenceUsage: true,
	}

	// config.yaml в . или ./configs, если флаг не задан; ENV перекрывает файл
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file")

	cmd.AddCommand(
		newServeCmd(opts),
		newEvaluateCmd(opts),
		newAdaptCmd(opts),
		newTrendsCmd(opts),
	)
	return cmd
}

func (o *rootOptions) load() (*infra.Config, *zap.Logger, error) {
	var (
		cfg *infra.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = infra.LoadConfigFile(o.configPath)
	} else {
		cfg, err = infra.LoadConfig()
	}
	if err != nil {
		return nil, nil, err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// withApp собирает ядро, выполняет fn и корректно всё закрывает.
func (o *rootOptions) withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := o.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap failed", zap.Error(err))
		return err
	}
	defer a.Close()

	if err := a.core.Start(ctx); err != nil {
		return fmt.Errorf("start core: %w", err)
	}
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

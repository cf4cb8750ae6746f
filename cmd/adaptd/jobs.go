package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-adaptive-core/internal/engine"
	"go.uber.org/zap"
)

// skipBusy: занятая блокировка не ошибка запуска, задачу уже выполняет другой инстанс.
func skipBusy(a *app, job string, err error) error {
	if errors.Is(err, engine.ErrJobBusy) {
		a.logger.Info("job skipped, another instance holds the lock", zap.String("job", job))
		return nil
	}
	return err
}

func newEvaluateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate past adaptations once and revert the ones that made things worse",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				report, err := a.core.EvaluatePastAdaptations(ctx)
				if err != nil {
					return skipBusy(a, "evaluate", err)
				}
				a.logger.Info("evaluation finished",
					zap.Int("evaluated", len(report.Evaluated)),
					zap.Int("reverted", report.Reverted),
					zap.Int("pending", report.Pending),
					zap.Int("failed", report.Failed),
				)
				return printJSON(report)
			})
		},
	}
}

func newAdaptCmd(opts *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "adapt",
		Short: "Analyze trends, propose directive changes and apply them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				trends, err := a.core.AnalyzeTrends(ctx)
				if err != nil {
					return err
				}
				proposals, err := a.core.ProposeAdaptations(ctx, trends)
				if err != nil {
					return err
				}
				if dryRun || len(proposals) == 0 {
					a.logger.Info("adaptation proposals", zap.Int("count", len(proposals)), zap.Bool("dry_run", dryRun))
					return printJSON(proposals)
				}

				report, err := a.core.ApplyAdaptations(ctx, proposals)
				if err != nil {
					return skipBusy(a, "adapt", err)
				}
				a.logger.Info("adaptations applied",
					zap.Int("applied", len(report.Applied)),
					zap.Int("skipped", len(report.Skipped)),
				)
				return printJSON(report)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print proposals without applying them")
	return cmd
}

func newTrendsCmd(opts *rootOptions) *cobra.Command {
	var scopes []string
	cmd := &cobra.Command{
		Use:   "trends",
		Short: "Print trend analyses for every metric",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				trends, err := a.core.AnalyzeTrends(ctx, scopes...)
				if err != nil {
					return err
				}
				return printJSON(trends)
			})
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "agent ids to analyze (default: whole system and rule scopes)")
	return cmd
}

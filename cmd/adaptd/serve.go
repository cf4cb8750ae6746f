package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-adaptive-core/internal/server"
	"go.uber.org/zap"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the core with the ops HTTP API and cross-instance listeners",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return opts.withApp(ctx, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	srv := &http.Server{
		Addr:         a.cfg.Server.Addr(),
		Handler:      server.New(a.core, a.registry, a.logger),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("ops api started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// Даем 5 секунд на завершение запросов
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown failed", zap.Error(err))
		return err
	}
	a.logger.Info("ops api exited properly")
	return nil
}

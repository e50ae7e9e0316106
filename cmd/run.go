package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderfleet/internal/config"
)

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Starts the orchestrator and the admin server",
		Long: `Runs the status, update and rate loops on a shared timer until SIGINT or
SIGTERM, then stops every running spider. When --config names a file, edits
to the rate band are applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
}

func run(ctx context.Context, opts *options) error {
	a, err := newApp(ctx, opts.cfg, opts.logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer a.Close()

	if opts.cfgFile != "" {
		if _, err := config.Watch(opts.cfgFile, a.ApplyConfig); err != nil {
			opts.logger.Warn("config watch disabled", zap.Error(err))
		}
	}

	opts.logger.Info("spiderfleet started")
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}
	opts.logger.Info("shutdown complete")
	return nil
}

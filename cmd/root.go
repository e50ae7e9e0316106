// Package cmd defines the CLI commands of the spiderfleet executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderfleet/internal/app"
	"github.com/JakeFAU/spiderfleet/internal/config"
	"github.com/JakeFAU/spiderfleet/internal/logging"
)

// Runner is what the run command drives. *app.App satisfies it; tests
// inject fakes through newApp.
type Runner interface {
	Run(ctx context.Context) error
	ApplyConfig(cfg config.Config, err error)
	Close()
}

// newApp is the application factory, replaceable in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.New(ctx, cfg, logger)
}

type options struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

// newRootCmd creates the root command. Config and logger are built once in
// PersistentPreRunE and shared with the subcommands.
func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "spiderfleet",
		Short: "Orchestrates the lifecycle of a fleet of web spiders.",
		Long: `spiderfleet polls the spider store for operator-requested transitions
(start, terminate, pause, resume, restart, delete), drives them against the
crawl engine, keeps per-spider concurrency in line with the stored rate and
refreshes records queued for update.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			opts.cfg, opts.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (env SPIDERFLEET_* overrides apply)")
	cmd.AddCommand(newRunCmd(opts), newValidateCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Package cmd defines the sitecloner command line: serve runs the API and
// worker pool, migrate applies the Postgres schema.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecloner/internal/config"
	"github.com/JakeFAU/sitecloner/internal/logging"
	"github.com/JakeFAU/sitecloner/internal/server"
)

// runner is the slice of *server.App that serve needs. It is a seam so tests
// can avoid starting listeners.
type runner interface {
	Run(ctx context.Context) error
}

var (
	buildApp = func(ctx context.Context, cfg config.Config) (runner, error) {
		return server.Build(ctx, cfg)
	}
	migrateDB = server.Migrate
)

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "sitecloner",
		Short: "Website cloning service with credit accounting and disaster recovery.",
		Long: `sitecloner accepts clone jobs over HTTP, captures sites into blob storage
with a pool of crawl workers, bills captured pages against a credit ledger,
pays proxy contributors for metered usage, and keeps monitored sites backed up
on a schedule.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars use the "+config.EnvPrefix+"_ prefix")

	load := func() (config.Config, error) {
		return config.Load(cfgFile)
	}
	cmd.AddCommand(newServeCmd(load), newMigrateCmd(load))
	return cmd
}

func newServeCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, workers, and schedulers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			app, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}

func newMigrateCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			if err := migrateDB(cmd.Context(), cfg, logger); err != nil {
				logger.Error("migration failed", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

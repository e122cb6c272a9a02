// Package cmd defines the CLI commands for the scheme-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scheme-crawler/internal/app"
	"github.com/JakeFAU/scheme-crawler/internal/config"
	"github.com/JakeFAU/scheme-crawler/internal/crawler"
	"github.com/JakeFAU/scheme-crawler/internal/logging"
)

// App is the slice of the application container the commands use.
type App interface {
	Serve(ctx context.Context) error
	RunOnce(ctx context.Context, batchSize int) (crawler.Job, error)
	Close()
}

// newApp is the application factory; tests swap it for a fake.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

type envKey struct{}

// env is what PersistentPreRunE prepares for every subcommand.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "scheme-crawler",
		Short: "Crawls government scheme listings into Postgres.",
		Long: `scheme-crawler discovers scheme slugs, fetches each scheme document from the
upstream API, normalizes it and stores it for moderation. Runs are controlled
through an admin HTTP API or started one-shot from the command line.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, envKey{}, &env{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, err := resolveEnv(cmd.Context()); err == nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML/TOML/JSON); env vars use the CRAWLER_ prefix")

	cmd.AddCommand(newServeCmd(), newCrawlCmd(), newMigrateCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	if ctx == nil {
		return nil, errors.New("command context not initialized")
	}
	e, ok := ctx.Value(envKey{}).(*env)
	if !ok || e == nil {
		return nil, errors.New("command context not initialized")
	}
	return e, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scheme-crawler/internal/config"
	"github.com/JakeFAU/scheme-crawler/internal/storage/postgres"
)

// migrate applies the schema; swapped in tests.
var migrate = func(ctx context.Context, cfg config.DBConfig) error {
	pool, err := postgres.Open(ctx, postgres.PoolConfig{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
	if err != nil {
		return err
	}
	defer pool.Close()
	return postgres.Migrate(ctx, pool)
}

func newMigrateCmd() *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Applies the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if printOnly {
				_, err := fmt.Fprint(cmd.OutOrStdout(), postgres.Schema())
				return err
			}
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if e.cfg.DB.Backend != config.BackendPostgres {
				return errors.New("migrate requires db.backend=postgres")
			}
			if err := migrate(cmd.Context(), e.cfg.DB); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			e.logger.Info("schema applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the schema instead of applying it")
	return cmd
}

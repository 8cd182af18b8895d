package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/parley/internal/config"
)

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the conversation schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := openRepository(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer repo.Close()

			m, ok := repo.(migrator)
			if !ok {
				slog.Info("backend has no schema", "database_url", cfg.DatabaseURL)
				return nil
			}
			if err := m.Migrate(ctx); err != nil {
				return err
			}
			slog.Info("schema up to date")
			return nil
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seis-sod/sod-stack/common/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		applied, err := database.Migrate(cfg.Database.MigrationsPath, cfg.Database.URL)
		if err != nil {
			return err
		}
		if !applied {
			fmt.Fprintln(cmd.OutOrStdout(), "database already up to date")
			return nil
		}
		logger.Info("migrations applied", "source", cfg.Database.MigrationsPath)
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

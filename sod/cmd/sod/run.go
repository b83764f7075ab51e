package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seis-sod/sod-stack/common/database"
	"github.com/seis-sod/sod-stack/common/logging"
	"github.com/seis-sod/sod-stack/sod/internal/app"
)

var (
	runMigrate      bool
	shutdownTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the catalog and serve the API until interrupted",
	RunE:  runServe,
}

func init() {
	runCmd.Flags().BoolVar(&runMigrate, "migrate", false, "apply database migrations before starting")
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for in-flight requests and sink queues to drain")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	logger.Info("starting sod",
		"version", version,
		"catalog", cfg.Catalog.Type,
		"dataselect_url", cfg.Retrieval.DataselectURL,
		"log_level", cfg.Logging.Level,
	)

	if runMigrate {
		applied, err := database.Migrate(cfg.Database.MigrationsPath, cfg.Database.URL)
		if err != nil {
			return err
		}
		logger.Info("migrations checked", "applied", applied)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		return err
	}

	runErr := a.Run(ctx)
	logger.Info("shutdown signal received, draining")

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		logger.Error("shutdown incomplete", logging.Error(err))
	}
	return runErr
}

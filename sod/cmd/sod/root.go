package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seis-sod/sod-stack/common/logging"
	"github.com/seis-sod/sod-stack/sod/internal/config"
)

const version = "4.0.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sod",
	Short: "Standing Order for Data",
	Long: `sod watches an earthquake catalog and, for every event and matching
station channel, retrieves a waveform window, decodes it, runs quality
control and records exactly one outcome per request.

Configuration is read from --config, ./config.yaml or /etc/sod/config.yaml,
and SOD_* environment variables override any key (SOD_RETRIEVAL_MAX_RETRIES).`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/sod/config.yaml)")
	rootCmd.AddCommand(runCmd, onceCmd, migrateCmd, seedCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sod version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "sod", version)
	},
}

// setup loads configuration and installs the process logger.
func setup() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service("sod"))
	logging.SetDefault(logger)
	return cfg, logger, nil
}

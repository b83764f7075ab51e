package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seis-sod/sod-stack/common/logging"
	"github.com/seis-sod/sod-stack/common/models"
	"github.com/seis-sod/sod-stack/sod/internal/app"
)

var (
	onceStart    string
	onceEnd      string
	onceLookback time.Duration
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Process one catalog window and exit",
	Long: `Lists every candidate the catalog has for the window, runs each through
the pipeline and prints the outcome counts once all of them have finished.

Examples:
  sod once --lookback 6h
  sod once --start 2024-03-01T00:00:00Z --end 2024-03-02T00:00:00Z`,
	RunE: runOnce,
}

func init() {
	onceCmd.Flags().StringVar(&onceStart, "start", "", "window start (RFC3339)")
	onceCmd.Flags().StringVar(&onceEnd, "end", "", "window end (RFC3339, default now)")
	onceCmd.Flags().DurationVar(&onceLookback, "lookback", 24*time.Hour, "window length ending at --end when --start is not set")
}

func onceWindow(now time.Time) (models.TimeWindow, error) {
	end := now.UTC()
	if onceEnd != "" {
		t, err := time.Parse(time.RFC3339, onceEnd)
		if err != nil {
			return models.TimeWindow{}, fmt.Errorf("invalid --end: %w", err)
		}
		end = t.UTC()
	}
	start := end.Add(-onceLookback)
	if onceStart != "" {
		t, err := time.Parse(time.RFC3339, onceStart)
		if err != nil {
			return models.TimeWindow{}, fmt.Errorf("invalid --start: %w", err)
		}
		start = t.UTC()
	}
	w := models.TimeWindow{Start: start, End: end}
	if !w.Valid() {
		return w, fmt.Errorf("window start %s is not before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return w, nil
}

func runOnce(cmd *cobra.Command, _ []string) error {
	window, err := onceWindow(time.Now())
	if err != nil {
		return err
	}
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		return err
	}
	res, runErr := a.Once(ctx, window)

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		logger.Error("shutdown incomplete", logging.Error(err))
	}

	out := map[string]any{
		"window":     window,
		"candidates": res.Candidates,
		"outcomes":   res.Counts,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	return runErr
}

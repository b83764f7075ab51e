package main

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"

	"github.com/seis-sod/sod-stack/common/database"
	"github.com/seis-sod/sod-stack/common/models"
	"github.com/seis-sod/sod-stack/sod/internal/catalog"
)

var (
	seedOut        string
	seedPostgres   bool
	seedEvents     int
	seedChannels   []string
	seedSampleRate float64
	seedSpan       time.Duration
	seedRandom     int64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate a synthetic catalog for testing a deployment",
	Long: `Generates plausible events spread over the last --span and pairs them
with the given channels. The result is written as a static YAML catalog, or
upserted into the postgres catalog tables with --postgres.

Examples:
  sod seed --out catalog.yaml --events 20
  sod seed --postgres --channels IU.ANMO.00.BHZ,II.PFO.00.BHZ`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedOut, "out", "catalog.yaml", "static catalog file to write")
	seedCmd.Flags().BoolVar(&seedPostgres, "postgres", false, "upsert into the configured database instead of writing a file")
	seedCmd.Flags().IntVar(&seedEvents, "events", 10, "number of events")
	seedCmd.Flags().StringSliceVar(&seedChannels, "channels", []string{"IU.ANMO.00.BHZ", "IU.COLA.00.BHZ", "II.PFO.00.BHZ"}, "channel ids NET.STA.LOC.CHA")
	seedCmd.Flags().Float64Var(&seedSampleRate, "sample-rate", 20, "nominal sample rate of the channels")
	seedCmd.Flags().DurationVar(&seedSpan, "span", 7*24*time.Hour, "origins fall within this long before now")
	seedCmd.Flags().Int64Var(&seedRandom, "seed", 0, "random seed (0 picks one)")
}

func seedCatalog(now time.Time) ([]models.Event, []models.StationChannel, error) {
	channels := make([]models.StationChannel, 0, len(seedChannels))
	for _, id := range seedChannels {
		ch, err := models.ParseChannelID(id)
		if err != nil {
			return nil, nil, err
		}
		ch.Start = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
		ch.SampleRate = seedSampleRate
		channels = append(channels, ch)
	}
	window := models.TimeWindow{Start: now.Add(-seedSpan).UTC(), End: now.UTC()}
	events := catalog.Synthetic(gofakeit.New(seedRandom), seedEvents, window)
	return events, channels, nil
}

func runSeed(cmd *cobra.Command, _ []string) error {
	events, channels, err := seedCatalog(time.Now())
	if err != nil {
		return err
	}
	if !seedPostgres {
		if err := catalog.WriteStaticCatalog(seedOut, events, channels); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d events and %d channels to %s\n", len(events), len(channels), seedOut)
		return nil
	}

	cfg, _, err := setup()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	pool, err := database.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	pg := catalog.NewPostgresCatalog(pool)
	for _, e := range events {
		if err := pg.UpsertEvent(ctx, e); err != nil {
			return err
		}
	}
	for _, ch := range channels {
		if err := pg.UpsertChannel(ctx, ch); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "upserted %d events and %d channels\n", len(events), len(channels))
	return nil
}

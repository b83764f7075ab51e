package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/seis-sod/sod-stack/common/database"
	"github.com/seis-sod/sod-stack/common/models"
)

// DB is the subset of pgxpool.Pool used by PostgresCatalog.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresCatalog reads events and channels from the sod schema.
type PostgresCatalog struct {
	db DB
}

// NewPostgresCatalog creates a catalog over db.
func NewPostgresCatalog(db DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

func (c *PostgresCatalog) ListCandidates(ctx context.Context, window models.TimeWindow) (Iterator, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	events, err := c.events(ctx, window)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return newCrossIterator(nil, nil), nil
	}
	channels, err := c.channels(ctx, window)
	if err != nil {
		return nil, err
	}
	return newCrossIterator(events, channels), nil
}

func (c *PostgresCatalog) events(ctx context.Context, window models.TimeWindow) ([]models.Event, error) {
	rows, err := c.db.Query(ctx, `
		SELECT id, origin_time, latitude, longitude, depth_km, magnitude, magnitude_type, description
		FROM events
		WHERE origin_time >= $1 AND origin_time < $2
		ORDER BY origin_time`, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Event, error) {
		var e models.Event
		err := row.Scan(&e.ID, &e.OriginTime, &e.Latitude, &e.Longitude, &e.DepthKm,
			&e.Magnitude, &e.MagnitudeType, &e.Description)
		e.OriginTime = e.OriginTime.UTC()
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return events, nil
}

func (c *PostgresCatalog) channels(ctx context.Context, window models.TimeWindow) ([]models.StationChannel, error) {
	rows, err := c.db.Query(ctx, `
		SELECT network, station, location, channel, start_time, end_time,
		       sample_rate, latitude, longitude, elevation
		FROM channels
		WHERE start_time < $2 AND (end_time IS NULL OR end_time >= $1)
		ORDER BY network, station, location, channel, start_time`, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	channels, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.StationChannel, error) {
		var ch models.StationChannel
		var end *time.Time
		err := row.Scan(&ch.Network, &ch.Station, &ch.Location, &ch.Channel, &ch.Start, &end,
			&ch.SampleRate, &ch.Latitude, &ch.Longitude, &ch.Elevation)
		ch.Start = ch.Start.UTC()
		if end != nil {
			ch.End = end.UTC()
		}
		return ch, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan channels: %w", err)
	}
	return channels, nil
}

// UpsertEvent inserts or replaces an event.
func (c *PostgresCatalog) UpsertEvent(ctx context.Context, e models.Event) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()
	_, err := c.db.Exec(ctx, `
		INSERT INTO events (id, origin_time, latitude, longitude, depth_km, magnitude, magnitude_type, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			origin_time = EXCLUDED.origin_time,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			depth_km = EXCLUDED.depth_km,
			magnitude = EXCLUDED.magnitude,
			magnitude_type = EXCLUDED.magnitude_type,
			description = EXCLUDED.description`,
		e.ID, e.OriginTime, e.Latitude, e.Longitude, e.DepthKm, e.Magnitude, e.MagnitudeType, e.Description)
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", e.ID, err)
	}
	return nil
}

// UpsertChannel inserts or replaces a channel epoch.
func (c *PostgresCatalog) UpsertChannel(ctx context.Context, ch models.StationChannel) error {
	var end *time.Time
	if !ch.End.IsZero() {
		end = &ch.End
	}
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()
	_, err := c.db.Exec(ctx, `
		INSERT INTO channels (network, station, location, channel, start_time, end_time,
		                      sample_rate, latitude, longitude, elevation)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (network, station, location, channel, start_time) DO UPDATE SET
			end_time = EXCLUDED.end_time,
			sample_rate = EXCLUDED.sample_rate,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			elevation = EXCLUDED.elevation`,
		ch.Network, ch.Station, ch.Location, ch.Channel, ch.Start, end,
		ch.SampleRate, ch.Latitude, ch.Longitude, ch.Elevation)
	if err != nil {
		return fmt.Errorf("upsert channel %s: %w", ch.ID(), err)
	}
	return nil
}

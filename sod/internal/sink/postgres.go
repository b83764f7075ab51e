package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/seis-sod/sod-stack/common/database"
	"github.com/seis-sod/sod-stack/common/models"
)

// Execer is the subset of pgxpool.Pool used by Postgres.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres records outcomes in the outcomes table. Rewrites of the same
// request id are ignored, so retries are safe.
type Postgres struct {
	db Execer
}

// NewPostgres creates a Postgres sink.
func NewPostgres(db Execer) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Name() string {
	return "postgres"
}

func (p *Postgres) Persist(ctx context.Context, o models.PipelineOutcome) error {
	verdicts, err := json.Marshal(nonNilVerdicts(o.Verdicts))
	if err != nil {
		return fmt.Errorf("marshal verdicts: %w", err)
	}

	var sampleCount *int
	var sampleRate *float64
	var segmentStart *time.Time
	if o.Segment != nil {
		n := len(o.Segment.Samples)
		sampleCount = &n
		sampleRate = &o.Segment.SampleRate
		segmentStart = &o.Segment.StartTime
	}

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err = p.db.Exec(ctx, `
		INSERT INTO outcomes (request_id, event_id, channel_id, window_start, window_end,
		                      status, stage, reason, attempts, sample_count, sample_rate,
		                      segment_start, verdicts, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (request_id) DO NOTHING`,
		o.Request.ID, o.Request.Event.ID, o.Request.Channel.ID(),
		o.Request.Window.Start, o.Request.Window.End,
		string(o.Status), string(o.Stage), o.Reason, o.Attempts,
		sampleCount, sampleRate, segmentStart, verdicts, o.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert outcome %s: %w", o.Request.ID, err)
	}
	return nil
}

func nonNilVerdicts(v []models.QCVerdict) []models.QCVerdict {
	if v == nil {
		return []models.QCVerdict{}
	}
	return v
}

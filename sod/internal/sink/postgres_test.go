package sink

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seis-sod/sod-stack/common/database/pgtest"
	"github.com/seis-sod/sod-stack/common/models"
)

func TestPostgres_PersistIsIdempotent(t *testing.T) {
	pool := pgtest.Start(t)
	ctx := context.Background()
	s := NewPostgres(pool)

	o := deliveredWithSegment("6f1c1b9e-8f1e-4d56-9a43-0d3c2f1e0a01")
	o.Verdicts = []models.QCVerdict{{Check: "gap", Verdict: models.VerdictPass}}
	require.NoError(t, s.Persist(ctx, o))
	require.NoError(t, s.Persist(ctx, o))

	var (
		count    int
		status   string
		samples  int
		verdicts []byte
	)
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) OVER (), status, sample_count, verdicts FROM outcomes WHERE request_id = $1`,
		o.Request.ID).Scan(&count, &status, &samples, &verdicts))
	assert.Equal(t, 1, count)
	assert.Equal(t, "DELIVERED", status)
	assert.Equal(t, 5, samples)

	var got []models.QCVerdict
	require.NoError(t, json.Unmarshal(verdicts, &got))
	assert.Equal(t, o.Verdicts, got)
}

func TestPostgres_NullSegmentColumns(t *testing.T) {
	pool := pgtest.Start(t)
	ctx := context.Background()
	s := NewPostgres(pool)

	o := testOutcome("6f1c1b9e-8f1e-4d56-9a43-0d3c2f1e0a02", models.StatusRejected)
	o.Stage = models.StageBuild
	require.NoError(t, s.Persist(ctx, o))

	var samples *int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT sample_count FROM outcomes WHERE request_id = $1`, o.Request.ID).Scan(&samples))
	assert.Nil(t, samples)
}

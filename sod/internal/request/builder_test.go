package request

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seis-sod/sod-stack/common/models"
)

func date(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return ts
}

func testChannel(t *testing.T) models.StationChannel {
	ch, err := models.ParseChannelID("NET.STA.LOC.CHN")
	require.NoError(t, err)
	ch.Start = date(t, "2020-01-01")
	ch.End = date(t, "2020-12-31")
	ch.SampleRate = 40
	return ch
}

func TestBuild_UsesWindowPolicy(t *testing.T) {
	b := NewBuilder(WindowPolicy{Lead: 2 * time.Minute, Lag: 20 * time.Minute})
	origin := time.Date(2020, 6, 15, 12, 0, 0, 0, time.UTC)

	req, err := b.Build(models.Event{ID: "E1", OriginTime: origin}, testChannel(t))
	require.NoError(t, err)

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, origin.Add(-2*time.Minute), req.Window.Start)
	assert.Equal(t, origin.Add(20*time.Minute), req.Window.End)
	assert.Equal(t, "E1", req.Event.ID)
	assert.Equal(t, "NET.STA.LOC.CHN", req.Channel.ID())
	assert.False(t, req.CreatedAt.IsZero())
}

func TestBuild_UniqueIDs(t *testing.T) {
	b := NewBuilder(WindowPolicy{Lag: time.Minute})
	ev := models.Event{ID: "E1", OriginTime: time.Date(2020, 6, 15, 0, 0, 0, 0, time.UTC)}

	a, err := b.Build(ev, testChannel(t))
	require.NoError(t, err)
	c, err := b.Build(ev, testChannel(t))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, a.Key(), c.Key())
}

func TestBuildWindow_OutOfRange(t *testing.T) {
	b := NewBuilder(WindowPolicy{})
	ch := testChannel(t)

	tests := []struct {
		name   string
		window models.TimeWindow
	}{
		{"after channel end", models.TimeWindow{Start: date(t, "2021-01-01"), End: date(t, "2021-01-02")}},
		{"before channel start", models.TimeWindow{Start: date(t, "2019-06-01"), End: date(t, "2019-06-02")}},
		{"straddles end", models.TimeWindow{Start: date(t, "2020-12-30"), End: date(t, "2021-01-02")}},
		{"inverted", models.TimeWindow{Start: date(t, "2020-06-02"), End: date(t, "2020-06-01")}},
		{"zero length", models.TimeWindow{Start: date(t, "2020-06-02"), End: date(t, "2020-06-02")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := b.BuildWindow(models.Event{ID: "E1"}, ch, tt.window)
			assert.Nil(t, req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrOutOfRangeWindow))
			assert.Contains(t, err.Error(), "NET.STA.LOC.CHN")
		})
	}
}

func TestBuild_OpenEndedChannel(t *testing.T) {
	ch := testChannel(t)
	ch.End = time.Time{}
	b := NewBuilder(WindowPolicy{Lead: time.Minute, Lag: time.Hour})

	_, err := b.Build(models.Event{ID: "E2", OriginTime: date(t, "2025-03-03")}, ch)
	assert.NoError(t, err)
}

func TestUnchecked(t *testing.T) {
	b := NewBuilder(WindowPolicy{})
	w := models.TimeWindow{Start: date(t, "2021-01-01"), End: date(t, "2021-01-02")}
	req := b.Unchecked(models.Event{ID: "E1"}, testChannel(t), w)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, w, req.Window)
}

package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seis-sod/sod-stack/common/models"
)

const eventText = `#EventID | Time | Latitude | Longitude | Depth/km | Author | Catalog | Contributor | ContributorID | MagType | Magnitude | MagAuthor | EventLocationName
us7000abcd|2024-03-01T10:00:00.000|38.1|142.9|24.5|us|us|us|us7000abcd|mww|7.1|us|near the east coast of Honshu, Japan
us7000efgh|2024-03-05T02:30:15.250|-20.5|-70.2|40|us|us|us|us7000efgh|mb|5.8|us|Tarapaca, Chile
`

const stationText = `#Network | Station | Location | Channel | Latitude | Longitude | Elevation | Depth | Azimuth | Dip | SensorDescription | Scale | ScaleFreq | ScaleUnits | SampleRate | StartTime | EndTime
IU|ANMO|00|BHZ|34.9459|-106.4572|1850|100|0|-90|Streckeisen STS-2|3.3e9|0.02|m/s|20|2008-06-30T20:00:00|
IU|COLA|--|BHZ|64.87|-147.86|200|0|0|-90|STS-1|2.0e9|0.02|m/s|40|2000-01-01T00:00:00|2024-03-03T00:00:00
`

func testWindow() models.TimeWindow {
	return models.TimeWindow{
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC),
	}
}

func newFDSNServer(t *testing.T, events, stations string, stationHits *int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/fdsnws/event/1/query", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text", r.URL.Query().Get("format"))
		assert.Equal(t, "5.5", r.URL.Query().Get("minmagnitude"))
		assert.Equal(t, "2024-03-01T00:00:00", r.URL.Query().Get("starttime"))
		if events == "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Write([]byte(events))
	})
	mux.HandleFunc("/fdsnws/station/1/query", func(w http.ResponseWriter, r *http.Request) {
		if stationHits != nil {
			*stationHits++
		}
		assert.Equal(t, "channel", r.URL.Query().Get("level"))
		assert.Equal(t, "IU,II", r.URL.Query().Get("network"))
		assert.Equal(t, "BH?", r.URL.Query().Get("channel"))
		w.Write([]byte(stations))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestFDSNCatalog(t *testing.T, srv *httptest.Server) *FDSNCatalog {
	c, err := NewFDSNCatalog(FDSNOptions{
		EventURL:     srv.URL + "/fdsnws/event/1/query",
		StationURL:   srv.URL + "/fdsnws/station/1/query",
		MinMagnitude: 5.5,
		Networks:     []string{"IU", "II"},
		Channels:     "BH?",
	})
	require.NoError(t, err)
	return c
}

func TestFDSNCatalog_ListCandidates(t *testing.T) {
	srv := newFDSNServer(t, eventText, stationText, nil)
	c := newTestFDSNCatalog(t, srv)

	it, err := c.ListCandidates(context.Background(), testWindow())
	require.NoError(t, err)
	got, err := Drain(context.Background(), it)
	require.NoError(t, err)

	// COLA closed before the second event.
	var pairs []string
	for _, cand := range got {
		pairs = append(pairs, cand.Event.ID+"/"+cand.Channel.ID())
	}
	assert.Equal(t, []string{
		"us7000abcd/IU.ANMO.00.BHZ",
		"us7000abcd/IU.COLA..BHZ",
		"us7000efgh/IU.ANMO.00.BHZ",
	}, pairs)

	first := got[0]
	assert.Equal(t, 7.1, first.Event.Magnitude)
	assert.Equal(t, "mww", first.Event.MagnitudeType)
	assert.Equal(t, 20.0, first.Channel.SampleRate)
	assert.True(t, first.Channel.End.IsZero())
}

func TestFDSNCatalog_Restartable(t *testing.T) {
	srv := newFDSNServer(t, eventText, stationText, nil)
	c := newTestFDSNCatalog(t, srv)

	for i := 0; i < 2; i++ {
		it, err := c.ListCandidates(context.Background(), testWindow())
		require.NoError(t, err)
		got, err := Drain(context.Background(), it)
		require.NoError(t, err)
		assert.Len(t, got, 3)
	}
}

func TestFDSNCatalog_NoEventsSkipsStationQuery(t *testing.T) {
	hits := 0
	srv := newFDSNServer(t, "", stationText, &hits)
	c := newTestFDSNCatalog(t, srv)

	it, err := c.ListCandidates(context.Background(), testWindow())
	require.NoError(t, err)
	_, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, hits)
}

func TestFDSNCatalog_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewFDSNCatalog(FDSNOptions{EventURL: srv.URL, StationURL: srv.URL})
	require.NoError(t, err)
	_, err = c.ListCandidates(context.Background(), testWindow())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestFDSNCatalog_InvalidInput(t *testing.T) {
	_, err := NewFDSNCatalog(FDSNOptions{EventURL: "ftp://x", StationURL: "http://y"})
	assert.Error(t, err)

	c, err := NewFDSNCatalog(FDSNOptions{EventURL: "http://x", StationURL: "http://y"})
	require.NoError(t, err)
	w := testWindow()
	w.End = w.Start
	_, err = c.ListCandidates(context.Background(), w)
	assert.Error(t, err)
}

func TestParseEventText_Errors(t *testing.T) {
	_, err := ParseEventText(strings.NewReader("a|b|c\n"))
	assert.ErrorContains(t, err, "expected 13 fields")

	_, err = ParseEventText(strings.NewReader("id|yesterday|1|2|3|a|b|c|d|mb|5|x|y\n"))
	assert.ErrorContains(t, err, "origin time")

	_, err = ParseEventText(strings.NewReader("id|2024-01-01T00:00:00|north|2|3|a|b|c|d|mb|5|x|y\n"))
	assert.ErrorContains(t, err, "invalid number")
}

func TestParseChannelText_EmptyLocation(t *testing.T) {
	channels, err := ParseChannelText(strings.NewReader(stationText))
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "", channels[1].Location)
	assert.Equal(t, time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC), channels[1].End)
}

func TestIterator_HonoursContext(t *testing.T) {
	it := newCrossIterator([]models.Event{{ID: "E1"}}, []models.StationChannel{{Network: "IU"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := it.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

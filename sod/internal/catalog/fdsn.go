package catalog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/seis-sod/sod-stack/common/models"
)

const fdsnQueryTime = "2006-01-02T15:04:05"

// FDSNOptions select events and channels from FDSN web services.
type FDSNOptions struct {
	EventURL     string
	StationURL   string
	MinMagnitude float64
	Networks     []string
	Stations     string
	Channels     string
	Timeout      time.Duration
}

// FDSNCatalog joins the fdsnws-event and fdsnws-station text formats.
type FDSNCatalog struct {
	opts   FDSNOptions
	client *http.Client
}

// NewFDSNCatalog creates a catalog backed by FDSN web services.
func NewFDSNCatalog(opts FDSNOptions) (*FDSNCatalog, error) {
	for _, raw := range []string{opts.EventURL, opts.StationURL} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("invalid FDSN service URL %q", raw)
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	return &FDSNCatalog{opts: opts, client: &http.Client{Timeout: opts.Timeout}}, nil
}

// ListCandidates queries events originating in window and the channels
// operating during it. Both queries run before the first candidate is returned.
func (c *FDSNCatalog) ListCandidates(ctx context.Context, window models.TimeWindow) (Iterator, error) {
	if !window.Valid() {
		return nil, fmt.Errorf("invalid catalog window %s", window)
	}
	events, err := c.fetchEvents(ctx, window)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return newCrossIterator(nil, nil), nil
	}
	channels, err := c.fetchChannels(ctx, window)
	if err != nil {
		return nil, err
	}
	return newCrossIterator(events, channels), nil
}

func (c *FDSNCatalog) eventQuery(window models.TimeWindow) string {
	q := url.Values{}
	q.Set("format", "text")
	q.Set("starttime", window.Start.UTC().Format(fdsnQueryTime))
	q.Set("endtime", window.End.UTC().Format(fdsnQueryTime))
	q.Set("orderby", "time-asc")
	if c.opts.MinMagnitude > 0 {
		q.Set("minmagnitude", strconv.FormatFloat(c.opts.MinMagnitude, 'f', -1, 64))
	}
	return c.opts.EventURL + "?" + q.Encode()
}

func (c *FDSNCatalog) stationQuery(window models.TimeWindow) string {
	q := url.Values{}
	q.Set("format", "text")
	q.Set("level", "channel")
	q.Set("starttime", window.Start.UTC().Format(fdsnQueryTime))
	q.Set("endtime", window.End.UTC().Format(fdsnQueryTime))
	if len(c.opts.Networks) > 0 {
		q.Set("network", strings.Join(c.opts.Networks, ","))
	}
	if c.opts.Stations != "" {
		q.Set("station", c.opts.Stations)
	}
	if c.opts.Channels != "" {
		q.Set("channel", c.opts.Channels)
	}
	return c.opts.StationURL + "?" + q.Encode()
}

func (c *FDSNCatalog) fetchEvents(ctx context.Context, window models.TimeWindow) ([]models.Event, error) {
	body, err := c.get(ctx, c.eventQuery(window))
	if err != nil || body == nil {
		return nil, err
	}
	defer body.Close()
	return ParseEventText(body)
}

func (c *FDSNCatalog) fetchChannels(ctx context.Context, window models.TimeWindow) ([]models.StationChannel, error) {
	body, err := c.get(ctx, c.stationQuery(window))
	if err != nil || body == nil {
		return nil, err
	}
	defer body.Close()
	return ParseChannelText(body)
}

// get returns nil, nil for the FDSN "no data" answer (204 or 404).
func (c *FDSNCatalog) get(ctx context.Context, u string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog query failed: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNoContent, http.StatusNotFound:
		resp.Body.Close()
		return nil, nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("catalog query %s returned %d: %s", u, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

// ParseEventText reads the fdsnws-event text format:
// EventID|Time|Latitude|Longitude|Depth/km|Author|Catalog|Contributor|ContributorID|MagType|Magnitude|MagAuthor|EventLocationName
func ParseEventText(r io.Reader) ([]models.Event, error) {
	var events []models.Event
	err := scanPipeLines(r, 13, func(line int, f []string) error {
		origin, err := parseFDSNTime(f[1])
		if err != nil {
			return fmt.Errorf("line %d: origin time: %w", line, err)
		}
		nums, err := parseFloats(f[2], f[3], f[4], f[10])
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, models.Event{
			ID:            f[0],
			OriginTime:    origin,
			Latitude:      nums[0],
			Longitude:     nums[1],
			DepthKm:       nums[2],
			Magnitude:     nums[3],
			MagnitudeType: f[9],
			Description:   f[12],
		})
		return nil
	})
	return events, err
}

// ParseChannelText reads the fdsnws-station level=channel text format:
// Network|Station|Location|Channel|Latitude|Longitude|Elevation|Depth|Azimuth|Dip|SensorDescription|Scale|ScaleFreq|ScaleUnits|SampleRate|StartTime|EndTime
func ParseChannelText(r io.Reader) ([]models.StationChannel, error) {
	var channels []models.StationChannel
	err := scanPipeLines(r, 17, func(line int, f []string) error {
		nums, err := parseFloats(f[4], f[5], f[6], f[14])
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		start, err := parseFDSNTime(f[15])
		if err != nil {
			return fmt.Errorf("line %d: start time: %w", line, err)
		}
		var end time.Time
		if f[16] != "" {
			if end, err = parseFDSNTime(f[16]); err != nil {
				return fmt.Errorf("line %d: end time: %w", line, err)
			}
		}
		channels = append(channels, models.StationChannel{
			Network:    f[0],
			Station:    f[1],
			Location:   strings.TrimSpace(strings.ReplaceAll(f[2], "--", "")),
			Channel:    f[3],
			Latitude:   nums[0],
			Longitude:  nums[1],
			Elevation:  nums[2],
			SampleRate: nums[3],
			Start:      start,
			End:        end,
		})
		return nil
	})
	return channels, err
}

func scanPipeLines(r io.Reader, fields int, fn func(line int, f []string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		f := strings.Split(text, "|")
		if len(f) < fields {
			return fmt.Errorf("line %d: expected %d fields, got %d", line, fields, len(f))
		}
		for i := range f {
			f[i] = strings.TrimSpace(f[i])
		}
		if err := fn(line, f); err != nil {
			return err
		}
	}
	return sc.Err()
}

func parseFloats(values ...string) ([]float64, error) {
	out := make([]float64, len(values))
	for i, v := range values {
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", v)
		}
		out[i] = f
	}
	return out, nil
}

var fdsnTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseFDSNTime(s string) (time.Time, error) {
	for _, layout := range fdsnTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

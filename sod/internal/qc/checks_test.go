package qc

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seis-sod/sod-stack/common/models"
)

func requestFor(seg *models.Segment, d time.Duration) *models.RetrievalRequest {
	return &models.RetrievalRequest{
		ID:      "r1",
		Channel: seg.Channel,
		Window:  models.TimeWindow{Start: seg.StartTime, End: seg.StartTime.Add(d)},
	}
}

func segmentOf(n int, value func(i int) float64) *models.Segment {
	seg := testSegment()
	seg.Samples = make([]float64, n)
	for i := range seg.Samples {
		seg.Samples[i] = value(i)
	}
	return seg
}

func sine(i int) float64 { return 100 * math.Sin(float64(i)/5) }

func TestGapCheck(t *testing.T) {
	seg := segmentOf(200, sine) // 10s at 20 Hz
	check := GapCheck{ToleranceSamples: 1}

	tests := []struct {
		name    string
		ctx     context.Context
		seg     *models.Segment
		verdict models.Verdict
		reason  string
	}{
		{"complete", WithRequest(context.Background(), requestFor(seg, 10*time.Second)), seg, models.VerdictPass, ""},
		{"within tolerance", WithRequest(context.Background(), requestFor(seg, 10*time.Second+50*time.Millisecond)), seg, models.VerdictPass, ""},
		{"short", WithRequest(context.Background(), requestFor(seg, 12*time.Second)), seg, models.VerdictFail, "missing 40 of 240 samples"},
		{"no request", context.Background(), seg, models.VerdictIndeterminate, "requested window unknown"},
		{"no samples", WithRequest(context.Background(), requestFor(seg, 10*time.Second)), segmentOf(0, sine), models.VerdictFail, "missing 200 of 200"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := check.Evaluate(tt.ctx, tt.seg, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.verdict, v.Verdict, v.Reason)
			assert.Contains(t, v.Reason, tt.reason)
		})
	}
}

func TestGapCheck_LateStart(t *testing.T) {
	seg := segmentOf(100, sine)
	req := requestFor(seg, 10*time.Second)
	req.Window.Start = seg.StartTime.Add(-5 * time.Second)
	req.Window.End = seg.StartTime.Add(5 * time.Second)

	v, err := GapCheck{}.Evaluate(WithRequest(context.Background(), req), seg, nil)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictFail, v.Verdict)
	assert.Contains(t, v.Reason, "1 gap(s)")
}

func TestAmplitudeCheck(t *testing.T) {
	check := AmplitudeCheck{Min: -1000, Max: 1000}
	tests := []struct {
		name    string
		seg     *models.Segment
		verdict models.Verdict
		reason  string
	}{
		{"normal", segmentOf(50, sine), models.VerdictPass, ""},
		{"clipped", segmentOf(50, func(i int) float64 { return float64(i * 100) }), models.VerdictFail, "beyond"},
		{"flat", segmentOf(50, func(int) float64 { return 7 }), models.VerdictFail, "flat-lined"},
		{"nan", segmentOf(3, func(i int) float64 { return []float64{1, math.NaN(), 2}[i] }), models.VerdictFail, "non-finite"},
		{"empty", segmentOf(0, sine), models.VerdictIndeterminate, "no samples"},
		{"single sample", segmentOf(1, func(int) float64 { return 3 }), models.VerdictPass, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := check.Evaluate(context.Background(), tt.seg, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.verdict, v.Verdict, v.Reason)
			assert.Contains(t, v.Reason, tt.reason)
		})
	}

	v, _ := AmplitudeCheck{}.Evaluate(context.Background(), segmentOf(5, func(i int) float64 { return float64(i) * 1e9 }), nil)
	assert.Equal(t, models.VerdictPass, v.Verdict, "zero bounds disable clipping")
}

func TestSampleRateCheck(t *testing.T) {
	check := SampleRateCheck{Tolerance: 0.01}

	seg := testSegment()
	v, _ := check.Evaluate(context.Background(), seg, nil)
	assert.Equal(t, models.VerdictPass, v.Verdict)

	seg.SampleRate = 40
	v, _ = check.Evaluate(context.Background(), seg, nil)
	assert.Equal(t, models.VerdictFail, v.Verdict)

	seg.SampleRate = 20.1
	v, _ = check.Evaluate(context.Background(), seg, nil)
	assert.Equal(t, models.VerdictPass, v.Verdict)

	seg.Channel.SampleRate = 0
	v, _ = check.Evaluate(context.Background(), seg, nil)
	assert.Equal(t, models.VerdictIndeterminate, v.Verdict)
}

func TestRMSCheck(t *testing.T) {
	seg := segmentOf(4, func(i int) float64 { return []float64{3, -3, 3, -3}[i] })

	v, _ := RMSCheck{Max: 5}.Evaluate(context.Background(), seg, nil)
	assert.Equal(t, models.VerdictPass, v.Verdict)

	v, _ = RMSCheck{Max: 2}.Evaluate(context.Background(), seg, nil)
	assert.Equal(t, models.VerdictFail, v.Verdict)

	v, _ = RMSCheck{}.Evaluate(context.Background(), seg, nil)
	assert.Equal(t, models.VerdictPass, v.Verdict)

	v, _ = RMSCheck{Max: 5}.Evaluate(context.Background(), segmentOf(0, sine), nil)
	assert.Equal(t, models.VerdictIndeterminate, v.Verdict)
}

func TestDuplicateWindowCheck(t *testing.T) {
	check := DuplicateWindowCheck{Store: NewMemoryWindowStore(time.Hour)}
	seg := segmentOf(20, sine)
	ctx := WithRequest(context.Background(), requestFor(seg, time.Second))

	v, err := check.Evaluate(ctx, seg, nil)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictPass, v.Verdict)

	// A different request for the same channel and window is a duplicate.
	other := requestFor(seg, time.Second)
	other.ID = "r2"
	v, err = check.Evaluate(WithRequest(context.Background(), other), seg, nil)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictFail, v.Verdict)
	assert.Contains(t, v.Reason, "IU.ANMO.00.BHZ")
}

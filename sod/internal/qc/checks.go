package qc

import (
	"context"
	"math"
	"time"

	"github.com/seis-sod/sod-stack/common/models"
	"github.com/seis-sod/sod-stack/common/timerange"
)

const (
	CheckGap             = "gap"
	CheckAmplitude       = "amplitude"
	CheckSampleRate      = "sample_rate"
	CheckDuplicateWindow = "duplicate_window"
	CheckRMS             = "rms"
)

// GapCheck compares the data span against the requested window.
type GapCheck struct {
	// ToleranceSamples is the number of missing samples still accepted.
	ToleranceSamples int
}

func (GapCheck) Name() string { return CheckGap }

func (c GapCheck) Evaluate(ctx context.Context, seg *models.Segment, _ []models.QCVerdict) (models.QCVerdict, error) {
	req := RequestFromContext(ctx)
	if req == nil {
		return Indeterminate(CheckGap, "requested window unknown"), nil
	}
	if seg.SampleRate <= 0 {
		return Indeterminate(CheckGap, "sample rate unknown"), nil
	}

	needed := timerange.New(req.Window.Start, req.Window.End)
	var have []timerange.Range
	if len(seg.Samples) > 0 {
		have = append(have, timerange.New(seg.StartTime, seg.EndTime()))
	}
	missing := timerange.NotCovered(needed, have)
	missingDur := timerange.Total(missing)
	missingSamples := int(math.Round(missingDur.Seconds() * seg.SampleRate))
	if missingSamples > c.ToleranceSamples {
		expected := int(math.Round(needed.Duration().Seconds() * seg.SampleRate))
		return Fail(CheckGap, "missing %d of %d samples (%s in %d gap(s))",
			missingSamples, expected, missingDur.Round(time.Millisecond), len(missing)), nil
	}
	return Pass(CheckGap), nil
}

// AmplitudeCheck flags clipped, non-finite and flat-lined data.
// Bounds are ignored when Min and Max are both zero.
type AmplitudeCheck struct {
	Min float64
	Max float64
}

func (AmplitudeCheck) Name() string { return CheckAmplitude }

func (c AmplitudeCheck) Evaluate(_ context.Context, seg *models.Segment, _ []models.QCVerdict) (models.QCVerdict, error) {
	if len(seg.Samples) == 0 {
		return Indeterminate(CheckAmplitude, "no samples"), nil
	}
	bounded := c.Min != 0 || c.Max != 0
	clipped := 0
	flat := true
	first := seg.Samples[0]
	for _, v := range seg.Samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Fail(CheckAmplitude, "non-finite sample %g", v), nil
		}
		if bounded && (v <= c.Min || v >= c.Max) {
			clipped++
		}
		if v != first {
			flat = false
		}
	}
	if clipped > 0 {
		return Fail(CheckAmplitude, "%d sample(s) at or beyond [%g, %g]", clipped, c.Min, c.Max), nil
	}
	if flat && len(seg.Samples) > 1 {
		return Fail(CheckAmplitude, "flat-lined at %g over %d samples", first, len(seg.Samples)), nil
	}
	return Pass(CheckAmplitude), nil
}

// SampleRateCheck compares the decoded rate with the channel metadata.
type SampleRateCheck struct {
	// Tolerance is relative, e.g. 0.01 for one percent.
	Tolerance float64
}

func (SampleRateCheck) Name() string { return CheckSampleRate }

func (c SampleRateCheck) Evaluate(_ context.Context, seg *models.Segment, _ []models.QCVerdict) (models.QCVerdict, error) {
	want := seg.Channel.SampleRate
	if want <= 0 {
		return Indeterminate(CheckSampleRate, "channel has no nominal sample rate"), nil
	}
	if seg.SampleRate <= 0 {
		return Indeterminate(CheckSampleRate, "segment has no sample rate"), nil
	}
	if diff := math.Abs(seg.SampleRate-want) / want; diff > c.Tolerance {
		return Fail(CheckSampleRate, "sample rate %g differs from nominal %g", seg.SampleRate, want), nil
	}
	return Pass(CheckSampleRate), nil
}

// DuplicateWindowCheck fails segments whose channel and window were already seen.
type DuplicateWindowCheck struct {
	Store WindowStore
}

func (DuplicateWindowCheck) Name() string { return CheckDuplicateWindow }

func (c DuplicateWindowCheck) Evaluate(ctx context.Context, seg *models.Segment, _ []models.QCVerdict) (models.QCVerdict, error) {
	key := seg.Channel.ID() + "|" + seg.Window().String()
	if req := RequestFromContext(ctx); req != nil {
		key = req.Key()
	}
	first, err := c.Store.MarkSeen(ctx, key)
	if err != nil {
		return models.QCVerdict{}, err
	}
	if !first {
		return Fail(CheckDuplicateWindow, "window already processed: %s", key), nil
	}
	return Pass(CheckDuplicateWindow), nil
}

// RMSCheck fails segments whose root-mean-square amplitude exceeds Max.
// A non-positive Max disables the bound.
type RMSCheck struct {
	Max float64
}

func (RMSCheck) Name() string { return CheckRMS }

func (c RMSCheck) Evaluate(_ context.Context, seg *models.Segment, _ []models.QCVerdict) (models.QCVerdict, error) {
	if len(seg.Samples) == 0 {
		return Indeterminate(CheckRMS, "no samples"), nil
	}
	var sum float64
	for _, v := range seg.Samples {
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(seg.Samples)))
	if c.Max > 0 && rms > c.Max {
		return Fail(CheckRMS, "rms %.3g exceeds %.3g", rms, c.Max), nil
	}
	return Pass(CheckRMS), nil
}

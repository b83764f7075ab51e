package models

import (
	"fmt"
	"strings"
	"time"
)

// Verdict is the outcome of a single quality-control check.
type Verdict int

const (
	VerdictPass Verdict = iota
	VerdictIndeterminate
	VerdictFail
)

var verdictNames = map[Verdict]string{
	VerdictPass:          "PASS",
	VerdictIndeterminate: "INDETERMINATE",
	VerdictFail:          "FAIL",
}

func (v Verdict) String() string {
	if name, ok := verdictNames[v]; ok {
		return name
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// Worse returns the more severe of two verdicts: FAIL > INDETERMINATE > PASS.
func (v Verdict) Worse(other Verdict) Verdict {
	if other > v {
		return other
	}
	return v
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Verdict) UnmarshalText(text []byte) error {
	s := strings.ToUpper(string(text))
	for k, name := range verdictNames {
		if name == s {
			*v = k
			return nil
		}
	}
	return fmt.Errorf("unknown verdict %q", string(text))
}

// QCVerdict is one chain stage's judgement on a segment.
type QCVerdict struct {
	Check   string  `json:"check"`
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
}

// Segment is a decoded, evenly sampled time series for one channel.
// Samples are never modified after decode; only Verdicts grow.
type Segment struct {
	Channel    StationChannel `json:"channel"`
	StartTime  time.Time      `json:"start_time"`
	SampleRate float64        `json:"sample_rate"`
	Samples    []float64      `json:"-"`
	Verdicts   []QCVerdict    `json:"verdicts,omitempty"`
}

// SamplePeriod returns the time between samples, or zero for an unset rate.
func (s *Segment) SamplePeriod() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / s.SampleRate)
}

// EndTime returns the time just after the last sample.
func (s *Segment) EndTime() time.Time {
	return s.StartTime.Add(s.Duration())
}

// Duration is the span covered by the samples.
func (s *Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(s.Samples)) / s.SampleRate * float64(time.Second))
}

// Window returns the covered span as a TimeWindow.
func (s *Segment) Window() TimeWindow {
	return TimeWindow{Start: s.StartTime, End: s.EndTime()}
}

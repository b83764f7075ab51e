// Package models holds the seismic acquisition data model shared by all sod services.
package models

import (
	"fmt"
	"time"
)

// Event is a seismic occurrence as supplied by an event catalog. Immutable once ingested.
type Event struct {
	ID            string    `json:"id" yaml:"id"`
	OriginTime    time.Time `json:"origin_time" yaml:"origin_time"`
	Latitude      float64   `json:"latitude" yaml:"latitude"`
	Longitude     float64   `json:"longitude" yaml:"longitude"`
	DepthKm       float64   `json:"depth_km" yaml:"depth_km"`
	Magnitude     float64   `json:"magnitude" yaml:"magnitude"`
	MagnitudeType string    `json:"magnitude_type,omitempty" yaml:"magnitude_type"`
	Description   string    `json:"description,omitempty" yaml:"description"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s M%.1f %s", e.ID, e.Magnitude, e.OriginTime.UTC().Format(time.RFC3339))
}

// TimeWindow is a half-open interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

// Duration returns the length of the window.
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Valid reports whether the window has a positive length.
func (w TimeWindow) Valid() bool {
	return !w.Start.IsZero() && w.End.After(w.Start)
}

func (w TimeWindow) String() string {
	return w.Start.UTC().Format(time.RFC3339Nano) + "/" + w.End.UTC().Format(time.RFC3339Nano)
}

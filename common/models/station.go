package models

import (
	"fmt"
	"strings"
	"time"
)

// StationChannel identifies one sensor channel at a station together with
// the period it was operating. A zero End means the channel is still open.
type StationChannel struct {
	Network    string    `json:"network" yaml:"network"`
	Station    string    `json:"station" yaml:"station"`
	Location   string    `json:"location" yaml:"location"`
	Channel    string    `json:"channel" yaml:"channel"`
	Start      time.Time `json:"start" yaml:"start"`
	End        time.Time `json:"end,omitempty" yaml:"end"`
	SampleRate float64   `json:"sample_rate" yaml:"sample_rate"`
	Latitude   float64   `json:"latitude" yaml:"latitude"`
	Longitude  float64   `json:"longitude" yaml:"longitude"`
	Elevation  float64   `json:"elevation" yaml:"elevation"`
}

// ID renders the channel as NET.STA.LOC.CHA. An empty location code stays empty.
func (c StationChannel) ID() string {
	return strings.Join([]string{c.Network, c.Station, c.Location, c.Channel}, ".")
}

// ValidAt reports whether the channel was operating at t.
func (c StationChannel) ValidAt(t time.Time) bool {
	if t.Before(c.Start) {
		return false
	}
	return c.End.IsZero() || !t.After(c.End)
}

// Covers reports whether the whole window lies inside the channel's valid range.
func (c StationChannel) Covers(w TimeWindow) bool {
	return w.Valid() && c.ValidAt(w.Start) && c.ValidAt(w.End)
}

// ParseChannelID splits NET.STA.LOC.CHA into its codes.
func ParseChannelID(id string) (StationChannel, error) {
	parts := strings.Split(id, ".")
	if len(parts) != 4 {
		return StationChannel{}, fmt.Errorf("invalid channel id %q: want NET.STA.LOC.CHA", id)
	}
	if parts[0] == "" || parts[1] == "" || parts[3] == "" {
		return StationChannel{}, fmt.Errorf("invalid channel id %q: network, station and channel are required", id)
	}
	return StationChannel{
		Network:  parts[0],
		Station:  parts[1],
		Location: parts[2],
		Channel:  parts[3],
	}, nil
}

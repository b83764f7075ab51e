package catalog

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/seis-sod/sod-stack/common/models"
)

// StaticFile is the YAML layout read by StaticCatalog.
type StaticFile struct {
	Events   []models.Event          `yaml:"events"`
	Channels []models.StationChannel `yaml:"channels"`
}

// StaticCatalog serves a fixed list of events and channels.
type StaticCatalog struct {
	events   []models.Event
	channels []models.StationChannel
}

// NewStaticCatalog creates a catalog from in-memory lists.
func NewStaticCatalog(events []models.Event, channels []models.StationChannel) *StaticCatalog {
	sorted := append([]models.Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OriginTime.Before(sorted[j].OriginTime) })
	return &StaticCatalog{events: sorted, channels: append([]models.StationChannel(nil), channels...)}
}

// LoadStaticCatalog reads a YAML catalog file.
func LoadStaticCatalog(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var f StaticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for i, e := range f.Events {
		if e.ID == "" || e.OriginTime.IsZero() {
			return nil, fmt.Errorf("catalog %s: event %d needs id and origin_time", path, i)
		}
	}
	for i, c := range f.Channels {
		if c.Network == "" || c.Station == "" || c.Channel == "" {
			return nil, fmt.Errorf("catalog %s: channel %d needs network, station and channel", path, i)
		}
	}
	return NewStaticCatalog(f.Events, f.Channels), nil
}

// WriteStaticCatalog writes events and channels as a YAML catalog file.
func WriteStaticCatalog(path string, events []models.Event, channels []models.StationChannel) error {
	data, err := yaml.Marshal(StaticFile{Events: events, Channels: channels})
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *StaticCatalog) ListCandidates(_ context.Context, window models.TimeWindow) (Iterator, error) {
	var events []models.Event
	for _, e := range c.events {
		if inWindow(e.OriginTime, window) {
			events = append(events, e)
		}
	}
	return newCrossIterator(events, c.channels), nil
}

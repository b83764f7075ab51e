// Package catalog supplies candidate (event, channel) pairs to process.
package catalog

import (
	"context"
	"time"

	"github.com/seis-sod/sod-stack/common/models"
)

// Candidate is one event paired with a channel operating at its origin time.
type Candidate struct {
	Event   models.Event
	Channel models.StationChannel
}

// Iterator yields candidates lazily. Next returns false once exhausted.
type Iterator interface {
	Next(ctx context.Context) (Candidate, bool, error)
}

// Catalog lists candidates whose events originate inside a window. Every
// call starts a fresh finite iteration.
type Catalog interface {
	ListCandidates(ctx context.Context, window models.TimeWindow) (Iterator, error)
}

// crossIterator pairs every event with every channel valid at its origin.
type crossIterator struct {
	events   []models.Event
	channels []models.StationChannel
	ev, ch   int
}

func newCrossIterator(events []models.Event, channels []models.StationChannel) *crossIterator {
	return &crossIterator{events: events, channels: channels}
}

func (it *crossIterator) Next(ctx context.Context) (Candidate, bool, error) {
	for it.ev < len(it.events) {
		if err := ctx.Err(); err != nil {
			return Candidate{}, false, err
		}
		event := it.events[it.ev]
		for it.ch < len(it.channels) {
			channel := it.channels[it.ch]
			it.ch++
			if channel.ValidAt(event.OriginTime) {
				return Candidate{Event: event, Channel: channel}, true, nil
			}
		}
		it.ev++
		it.ch = 0
	}
	return Candidate{}, false, nil
}

// inWindow reports whether t lies in [w.Start, w.End). A zero bound is open.
func inWindow(t time.Time, w models.TimeWindow) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	return w.End.IsZero() || t.Before(w.End)
}

// Drain collects every remaining candidate from it.
func Drain(ctx context.Context, it Iterator) ([]Candidate, error) {
	var out []Candidate
	for {
		c, ok, err := it.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, c)
	}
}

// Package request turns an (event, channel) pair into a retrieval request.
package request

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/seis-sod/sod-stack/common/models"
)

// ErrOutOfRangeWindow is returned when the requested window is empty or lies
// outside the channel's operating period. It is never retryable.
var ErrOutOfRangeWindow = errors.New("window out of channel range")

// WindowPolicy places the request window around the event origin time.
type WindowPolicy struct {
	Lead time.Duration
	Lag  time.Duration
}

// Window returns [origin-lead, origin+lag].
func (p WindowPolicy) Window(origin time.Time) models.TimeWindow {
	return models.TimeWindow{Start: origin.Add(-p.Lead), End: origin.Add(p.Lag)}
}

// Builder creates retrieval requests.
type Builder struct {
	policy WindowPolicy
	now    func() time.Time
	newID  func() string
}

// NewBuilder creates a builder using policy.
func NewBuilder(policy WindowPolicy) *Builder {
	return &Builder{
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
	}
}

// Policy returns the configured window policy.
func (b *Builder) Policy() WindowPolicy {
	return b.policy
}

// Build derives the window from the policy and validates it against the channel.
func (b *Builder) Build(event models.Event, channel models.StationChannel) (*models.RetrievalRequest, error) {
	return b.BuildWindow(event, channel, b.policy.Window(event.OriginTime))
}

// BuildWindow builds a request for an explicit window.
func (b *Builder) BuildWindow(event models.Event, channel models.StationChannel, window models.TimeWindow) (*models.RetrievalRequest, error) {
	if !window.Valid() {
		return nil, fmt.Errorf("%w: %s has empty window %s", ErrOutOfRangeWindow, channel.ID(), window)
	}
	if !channel.Covers(window) {
		return nil, fmt.Errorf("%w: %s valid %s..%s, requested %s",
			ErrOutOfRangeWindow, channel.ID(), formatBound(channel.Start), formatBound(channel.End), window)
	}
	return &models.RetrievalRequest{
		ID:        b.newID(),
		Event:     event,
		Channel:   channel,
		Window:    window,
		CreatedAt: b.now(),
	}, nil
}

// Unchecked builds the request without validating it. The orchestrator uses it
// to give a rejected construction an identity for its outcome record.
func (b *Builder) Unchecked(event models.Event, channel models.StationChannel, window models.TimeWindow) *models.RetrievalRequest {
	return &models.RetrievalRequest{
		ID:        b.newID(),
		Event:     event,
		Channel:   channel,
		Window:    window,
		CreatedAt: b.now(),
	}
}

func formatBound(t time.Time) string {
	if t.IsZero() {
		return "open"
	}
	return t.UTC().Format(time.RFC3339)
}

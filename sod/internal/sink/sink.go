// Package sink persists pipeline outcomes.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/seis-sod/sod-stack/common/logging"
	"github.com/seis-sod/sod-stack/common/models"
)

// Sink stores outcomes. Persist must be safe to call again with the same
// outcome after a failure.
type Sink interface {
	Name() string
	Persist(ctx context.Context, outcome models.PipelineOutcome) error
}

// Multi writes every outcome to each sink in turn.
type Multi struct {
	sinks []Sink
}

// NewMulti fans out to sinks.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Name() string {
	return "multi"
}

// Persist attempts every sink even when one fails and joins the errors.
func (m *Multi) Persist(ctx context.Context, outcome models.PipelineOutcome) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Persist(ctx, outcome); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Log writes a one-line summary of each outcome.
type Log struct {
	logger *logging.Logger
}

// NewLog creates a log sink.
func NewLog(logger *logging.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Name() string {
	return "log"
}

func (l *Log) Persist(ctx context.Context, o models.PipelineOutcome) error {
	attrs := []any{
		logging.RequestID(o.Request.ID),
		logging.EventID(o.Request.Event.ID),
		logging.ChannelID(o.Request.Channel.ID()),
		logging.Window(o.Request.Window.Start, o.Request.Window.End),
		logging.Status(string(o.Status)),
		logging.Stage(string(o.Stage)),
		logging.Attempt(o.Attempts),
	}
	if o.Reason != "" {
		attrs = append(attrs, "reason", o.Reason)
	}
	if o.Status == models.StatusDelivered {
		l.logger.InfoContext(ctx, "outcome", attrs...)
	} else {
		l.logger.WarnContext(ctx, "outcome", attrs...)
	}
	return nil
}

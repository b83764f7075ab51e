package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across sod components.
const (
	FieldService   = "service"
	FieldRunID     = "run_id"
	FieldRequestID = "request_id"
	FieldEventID   = "event_id"
	FieldChannelID = "channel_id"
	FieldWindow    = "window"
	FieldStage     = "stage"
	FieldStatus    = "status"
	FieldAttempt   = "attempt"
	FieldCheck     = "check"
	FieldSink      = "sink"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// RunID returns a slog attribute for an acquisition run ID.
func RunID(id string) slog.Attr {
	return slog.String(FieldRunID, id)
}

// RequestID returns a slog attribute for a retrieval request ID.
func RequestID(id string) slog.Attr {
	return slog.String(FieldRequestID, id)
}

// EventID returns a slog attribute for a seismic event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// ChannelID returns a slog attribute for a NET.STA.LOC.CHA channel ID.
func ChannelID(id string) slog.Attr {
	return slog.String(FieldChannelID, id)
}

// Window returns a slog attribute for a time window rendered as start/end.
func Window(start, end time.Time) slog.Attr {
	return slog.String(FieldWindow, start.UTC().Format(time.RFC3339)+"/"+end.UTC().Format(time.RFC3339))
}

// Stage returns a slog attribute for a pipeline stage.
func Stage(stage string) slog.Attr {
	return slog.String(FieldStage, stage)
}

// Status returns a slog attribute for a terminal status.
func Status(status string) slog.Attr {
	return slog.String(FieldStatus, status)
}

// Attempt returns a slog attribute for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Check returns a slog attribute for a QC check name.
func Check(name string) slog.Attr {
	return slog.String(FieldCheck, name)
}

// Sink returns a slog attribute for a result sink name.
func Sink(name string) slog.Attr {
	return slog.String(FieldSink, name)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

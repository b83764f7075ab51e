package models

import "time"

// RetrievalRequest asks for waveform data of one channel over one window, on behalf of an event.
type RetrievalRequest struct {
	ID        string         `json:"id"`
	Event     Event          `json:"event"`
	Channel   StationChannel `json:"channel"`
	Window    TimeWindow     `json:"window"`
	CreatedAt time.Time      `json:"created_at"`
}

// Key is the deduplication identity of a request: channel plus window.
// Two requests for different events that resolve to the same data share a key.
func (r *RetrievalRequest) Key() string {
	return r.Channel.ID() + "|" + r.Window.String()
}

// RawRecord is an undecoded payload fetched for a request.
type RawRecord struct {
	RequestID   string    `json:"request_id"`
	Key         string    `json:"key"`
	Data        []byte    `json:"-"`
	RetrievedAt time.Time `json:"retrieved_at"`
	Source      string    `json:"source,omitempty"`
	Attempts    int       `json:"attempts"`
}

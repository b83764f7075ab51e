// Package codec decodes raw waveform payloads into segments.
package codec

import (
	"errors"

	"github.com/seis-sod/sod-stack/common/models"
)

// ErrMalformedRecord is returned for payloads that cannot be decoded.
// Decode failures are terminal and never retried.
var ErrMalformedRecord = errors.New("malformed record")

// Codec turns a RawRecord into a Segment for the expected channel.
// Implementations must be pure and safe for concurrent use.
type Codec interface {
	Decode(rec *models.RawRecord, channel models.StationChannel) (*models.Segment, error)
}

// Func adapts a function to Codec.
type Func func(rec *models.RawRecord, channel models.StationChannel) (*models.Segment, error)

func (f Func) Decode(rec *models.RawRecord, channel models.StationChannel) (*models.Segment, error) {
	return f(rec, channel)
}

package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/seis-sod/sod-stack/common/models"
)

// EncodeOptions controls Encode output.
type EncodeOptions struct {
	Encoding Encoding
	// ByteOrder applies to header and samples. Defaults to big endian.
	ByteOrder binary.ByteOrder
	// RecordLength must be a power of two between 256 and 65536. Defaults to 512.
	RecordLength int
}

// Encode writes seg as miniSEED data records. Integer encodings require
// integral samples that fit the sample width.
func Encode(seg *models.Segment, opts EncodeOptions) ([]byte, error) {
	if opts.Encoding == 0 {
		opts.Encoding = EncodingFloat64
	}
	if opts.ByteOrder == nil {
		opts.ByteOrder = binary.BigEndian
	}
	if opts.RecordLength == 0 {
		opts.RecordLength = 512
	}
	exp := 0
	for 1<<exp < opts.RecordLength {
		exp++
	}
	if 1<<exp != opts.RecordLength || exp < minRecordExp || exp > maxRecordExp {
		return nil, fmt.Errorf("invalid record length %d", opts.RecordLength)
	}
	width := opts.Encoding.sampleSize()
	if width == 0 {
		return nil, fmt.Errorf("encoding %d not supported for writing", opts.Encoding)
	}
	factor, mult, err := rateFactors(seg.SampleRate)
	if err != nil {
		return nil, err
	}
	for _, code := range []struct {
		name, v string
		max     int
	}{
		{"network", seg.Channel.Network, 2},
		{"station", seg.Channel.Station, 5},
		{"location", seg.Channel.Location, 2},
		{"channel", seg.Channel.Channel, 3},
	} {
		if len(code.v) > code.max {
			return nil, fmt.Errorf("%s code %q longer than %d", code.name, code.v, code.max)
		}
	}

	perRecord := (opts.RecordLength - dataOffset) / width
	if perRecord > math.MaxUint16 {
		perRecord = math.MaxUint16
	}
	period := seg.SamplePeriod()
	var out []byte
	for i, seq := 0, 1; i < len(seg.Samples) || (i == 0 && len(seg.Samples) == 0); seq++ {
		n := min(perRecord, len(seg.Samples)-i)
		buf := make([]byte, opts.RecordLength)
		start := seg.StartTime.Add(time.Duration(i) * period)
		writeHeader(buf, seg.Channel, seq, start, n, factor, mult, opts)
		if err := writeSamples(buf[dataOffset:], seg.Samples[i:i+n], opts.Encoding, opts.ByteOrder); err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		out = append(out, buf...)
		i += n
		if n == 0 {
			break
		}
	}
	return out, nil
}

func writeHeader(buf []byte, ch models.StationChannel, seq int, start time.Time, n int, factor, mult int16, opts EncodeOptions) {
	order := opts.ByteOrder
	copy(buf[0:6], fmt.Sprintf("%06d", seq%1000000))
	buf[6] = 'D'
	buf[7] = ' '
	copy(buf[8:13], fmt.Sprintf("%-5s", ch.Station))
	copy(buf[13:15], fmt.Sprintf("%-2s", ch.Location))
	copy(buf[15:18], fmt.Sprintf("%-3s", ch.Channel))
	copy(buf[18:20], fmt.Sprintf("%-2s", ch.Network))

	start = start.UTC()
	order.PutUint16(buf[20:22], uint16(start.Year()))
	order.PutUint16(buf[22:24], uint16(start.YearDay()))
	buf[24] = byte(start.Hour())
	buf[25] = byte(start.Minute())
	buf[26] = byte(start.Second())
	order.PutUint16(buf[28:30], uint16(start.Nanosecond()/100_000))

	order.PutUint16(buf[30:32], uint16(n))
	order.PutUint16(buf[32:34], uint16(factor))
	order.PutUint16(buf[34:36], uint16(mult))
	buf[39] = 1
	order.PutUint16(buf[44:46], dataOffset)
	order.PutUint16(buf[46:48], fixedHeaderSize)

	b := buf[fixedHeaderSize:]
	order.PutUint16(b[0:2], blockette1000)
	order.PutUint16(b[2:4], 0)
	b[4] = byte(opts.Encoding)
	if order == binary.BigEndian {
		b[5] = 1
	}
	exp := 0
	for 1<<exp < opts.RecordLength {
		exp++
	}
	b[6] = byte(exp)
}

func writeSamples(b []byte, samples []float64, enc Encoding, order binary.ByteOrder) error {
	for i, v := range samples {
		switch enc {
		case EncodingInt16:
			if v != math.Trunc(v) || v < math.MinInt16 || v > math.MaxInt16 {
				return fmt.Errorf("value %g does not fit int16", v)
			}
			order.PutUint16(b[i*2:], uint16(int16(v)))
		case EncodingInt32:
			if v != math.Trunc(v) || v < math.MinInt32 || v > math.MaxInt32 {
				return fmt.Errorf("value %g does not fit int32", v)
			}
			order.PutUint32(b[i*4:], uint32(int32(v)))
		case EncodingFloat32:
			order.PutUint32(b[i*4:], math.Float32bits(float32(v)))
		case EncodingFloat64:
			order.PutUint64(b[i*8:], math.Float64bits(v))
		}
	}
	return nil
}

// rateFactors expresses rate as a SEED sample rate factor and multiplier.
func rateFactors(rate float64) (int16, int16, error) {
	switch {
	case rate <= 0:
		return 0, 0, fmt.Errorf("sample rate %g must be positive", rate)
	case rate == math.Trunc(rate) && rate <= math.MaxInt16:
		return int16(rate), 1, nil
	case 1/rate == math.Trunc(1/rate) && 1/rate <= math.MaxInt16:
		return -int16(1 / rate), 1, nil
	case rate*100 == math.Trunc(rate*100) && rate*100 <= math.MaxInt16:
		return int16(rate * 100), -100, nil
	}
	return 0, 0, fmt.Errorf("sample rate %g cannot be expressed as a SEED factor", rate)
}

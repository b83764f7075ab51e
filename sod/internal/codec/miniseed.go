package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/seis-sod/sod-stack/common/models"
	"github.com/seis-sod/sod-stack/common/timerange"
)

// Encoding is the SEED data encoding format code from blockette 1000.
type Encoding uint8

const (
	EncodingInt16   Encoding = 1
	EncodingInt32   Encoding = 3
	EncodingFloat32 Encoding = 4
	EncodingFloat64 Encoding = 5
	EncodingSteim1  Encoding = 10
	EncodingSteim2  Encoding = 11
)

func (e Encoding) sampleSize() int {
	switch e {
	case EncodingInt16:
		return 2
	case EncodingInt32, EncodingFloat32:
		return 4
	case EncodingFloat64:
		return 8
	}
	return 0
}

const (
	fixedHeaderSize = 48
	blockette1000   = 1000
	dataOffset      = 64
	minRecordExp    = 8
	maxRecordExp    = 16
)

// record is one parsed miniSEED data record.
type record struct {
	network, station, location, channel string
	start                               time.Time
	rate                                float64
	samples                             []float64
}

func (r *record) end() time.Time {
	if r.rate <= 0 {
		return r.start
	}
	return r.start.Add(time.Duration(float64(len(r.samples)) / r.rate * float64(time.Second)))
}

// MiniSEED decodes concatenated miniSEED 2 data records carrying blockette
// 1000 with uncompressed sample encodings.
type MiniSEED struct{}

// NewMiniSEED returns the miniSEED codec.
func NewMiniSEED() *MiniSEED {
	return &MiniSEED{}
}

// Decode parses every record in rec, checks each belongs to channel and
// splices them into one evenly sampled segment. Records after the first
// gap are dropped; overlapping samples are discarded.
func (MiniSEED) Decode(rec *models.RawRecord, channel models.StationChannel) (*models.Segment, error) {
	if rec == nil || len(rec.Data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedRecord)
	}

	var records []*record
	for off := 0; off < len(rec.Data); {
		r, size, err := parseRecord(rec.Data[off:])
		if err != nil {
			return nil, fmt.Errorf("%w: record at offset %d: %v", ErrMalformedRecord, off, err)
		}
		if !sameChannel(r, channel) {
			return nil, fmt.Errorf("%w: record at offset %d is for %s.%s.%s.%s, expected %s",
				ErrMalformedRecord, off, r.network, r.station, r.location, r.channel, channel.ID())
		}
		if len(r.samples) > 0 {
			records = append(records, r)
		}
		off += size
	}

	seg := &models.Segment{Channel: channel}
	if len(records) == 0 {
		seg.StartTime = channel.Start
		return seg, nil
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].start.Before(records[j].start) })
	first := records[0]
	for _, r := range records[1:] {
		if math.Abs(r.rate-first.rate) > first.rate*1e-6 {
			return nil, fmt.Errorf("%w: sample rate changes from %g to %g", ErrMalformedRecord, first.rate, r.rate)
		}
	}

	seg.StartTime = first.start
	seg.SampleRate = first.rate
	seg.Samples = append([]float64(nil), first.samples...)
	period := seg.SamplePeriod()
	tolerance := period / 2

	for _, r := range records[1:] {
		have := timerange.New(seg.StartTime, seg.EndTime())
		next := timerange.New(r.start, r.end())
		if !have.Contiguous(next, tolerance) && !have.Overlaps(next) {
			break
		}
		skip := 0
		if overlap := have.End.Sub(r.start); overlap > tolerance {
			skip = int(math.Round(float64(overlap) / float64(period)))
		}
		if skip >= len(r.samples) {
			continue
		}
		seg.Samples = append(seg.Samples, r.samples[skip:]...)
	}
	return seg, nil
}

func sameChannel(r *record, ch models.StationChannel) bool {
	return r.network == ch.Network &&
		r.station == ch.Station &&
		r.location == ch.Location &&
		r.channel == ch.Channel
}

// headerOrder guesses the byte order of the fixed header from the start year and day.
func headerOrder(b []byte) (binary.ByteOrder, bool) {
	for _, order := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
		year := order.Uint16(b[20:22])
		day := order.Uint16(b[22:24])
		if year >= 1900 && year <= 2100 && day >= 1 && day <= 366 {
			return order, true
		}
	}
	return nil, false
}

func parseRecord(b []byte) (*record, int, error) {
	if len(b) < fixedHeaderSize {
		return nil, 0, fmt.Errorf("truncated header: %d bytes", len(b))
	}
	for _, c := range b[0:6] {
		if (c < '0' || c > '9') && c != ' ' {
			return nil, 0, fmt.Errorf("invalid sequence number %q", b[0:6])
		}
	}
	switch b[6] {
	case 'D', 'R', 'Q', 'M':
	default:
		return nil, 0, fmt.Errorf("invalid quality indicator %q", b[6])
	}

	order, ok := headerOrder(b)
	if !ok {
		return nil, 0, fmt.Errorf("unrecognised start time")
	}

	r := &record{
		station:  strings.TrimSpace(string(b[8:13])),
		location: strings.TrimSpace(string(b[13:15])),
		channel:  strings.TrimSpace(string(b[15:18])),
		network:  strings.TrimSpace(string(b[18:20])),
	}
	start, err := parseBTime(b[20:30], order)
	if err != nil {
		return nil, 0, err
	}
	nsamp := int(order.Uint16(b[30:32]))
	r.rate = sampleRate(int16(order.Uint16(b[32:34])), int16(order.Uint16(b[34:36])))
	if corr := int32(order.Uint32(b[40:44])); corr != 0 && b[36]&0x02 == 0 {
		start = start.Add(time.Duration(corr) * 100 * time.Microsecond)
	}
	r.start = start
	begin := int(order.Uint16(b[44:46]))
	next := int(order.Uint16(b[46:48]))

	encoding, dataOrder, exp, err := findBlockette1000(b, next, order)
	if err != nil {
		return nil, 0, err
	}
	if exp < minRecordExp || exp > maxRecordExp {
		return nil, 0, fmt.Errorf("unsupported record length 2^%d", exp)
	}
	size := 1 << exp
	if len(b) < size {
		return nil, 0, fmt.Errorf("truncated record: have %d of %d bytes", len(b), size)
	}

	if nsamp == 0 {
		return r, size, nil
	}
	width := encoding.sampleSize()
	if width == 0 {
		return nil, 0, fmt.Errorf("unsupported encoding %d", encoding)
	}
	if begin < fixedHeaderSize || begin+nsamp*width > size {
		return nil, 0, fmt.Errorf("%d samples at offset %d overflow %d byte record", nsamp, begin, size)
	}
	if r.rate <= 0 {
		return nil, 0, fmt.Errorf("invalid sample rate for %d samples", nsamp)
	}
	r.samples = decodeSamples(b[begin:begin+nsamp*width], nsamp, encoding, dataOrder)
	return r, size, nil
}

func findBlockette1000(b []byte, next int, order binary.ByteOrder) (Encoding, binary.ByteOrder, int, error) {
	for hops := 0; next != 0; hops++ {
		if hops > 16 || next < fixedHeaderSize || next+4 > len(b) {
			return 0, nil, 0, fmt.Errorf("invalid blockette chain at offset %d", next)
		}
		typ := order.Uint16(b[next : next+2])
		if typ == blockette1000 {
			if next+8 > len(b) {
				return 0, nil, 0, fmt.Errorf("truncated blockette 1000")
			}
			dataOrder := binary.ByteOrder(binary.LittleEndian)
			if b[next+5] == 1 {
				dataOrder = binary.BigEndian
			}
			return Encoding(b[next+4]), dataOrder, int(b[next+6]), nil
		}
		following := int(order.Uint16(b[next+2 : next+4]))
		if following != 0 && following <= next {
			return 0, nil, 0, fmt.Errorf("blockette chain loops at offset %d", next)
		}
		next = following
	}
	return 0, nil, 0, fmt.Errorf("missing blockette 1000")
}

func parseBTime(b []byte, order binary.ByteOrder) (time.Time, error) {
	year := int(order.Uint16(b[0:2]))
	day := int(order.Uint16(b[2:4]))
	hour, minute, sec := int(b[4]), int(b[5]), int(b[6])
	frac := int(order.Uint16(b[8:10]))
	if hour > 23 || minute > 59 || sec > 60 || frac > 9999 {
		return time.Time{}, fmt.Errorf("invalid start time %d,%03d,%02d:%02d:%02d.%04d", year, day, hour, minute, sec, frac)
	}
	t := time.Date(year, time.January, 1, hour, minute, sec, frac*100_000, time.UTC)
	return t.AddDate(0, 0, day-1), nil
}

func sampleRate(factor, mult int16) float64 {
	f, m := float64(factor), float64(mult)
	switch {
	case factor == 0 || mult == 0:
		return 0
	case factor > 0 && mult > 0:
		return f * m
	case factor > 0 && mult < 0:
		return -f / m
	case factor < 0 && mult > 0:
		return -m / f
	default:
		return 1 / (f * m)
	}
}

func decodeSamples(b []byte, n int, enc Encoding, order binary.ByteOrder) []float64 {
	out := make([]float64, n)
	for i := range out {
		switch enc {
		case EncodingInt16:
			out[i] = float64(int16(order.Uint16(b[i*2:])))
		case EncodingInt32:
			out[i] = float64(int32(order.Uint32(b[i*4:])))
		case EncodingFloat32:
			out[i] = float64(math.Float32frombits(order.Uint32(b[i*4:])))
		case EncodingFloat64:
			out[i] = math.Float64frombits(order.Uint64(b[i*8:]))
		}
	}
	return out
}

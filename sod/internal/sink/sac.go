package sink

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/seis-sod/sod-stack/common/models"
)

// SAC header word positions. Only the words this package reads or writes
// are named.
const (
	sacDelta  = 0
	sacDepmin = 1
	sacDepmax = 2
	sacB      = 5
	sacE      = 6
	sacO      = 7
	sacStla   = 31
	sacStlo   = 32
	sacStel   = 33
	sacEvla   = 35
	sacEvlo   = 36
	sacEvdp   = 38
	sacMag    = 39
	sacDist   = 50
	sacAz     = 51
	sacBaz    = 52
	sacGcarc  = 53
	sacDepmen = 56

	sacNzyear = 0
	sacNzjday = 1
	sacNzhour = 2
	sacNzmin  = 3
	sacNzsec  = 4
	sacNzmsec = 5
	sacNvhdr  = 6
	sacNpts   = 9
	sacIftype = 15
	sacIdep   = 16
	sacIztype = 17
	sacLeven  = 35
	sacLpspol = 36
	sacLovrok = 37
	sacLcalda = 38

	sacKstnm  = 0
	sacKevnm  = 1
	sacKhole  = 2
	sacKcmpnm = 20
	sacKnetwk = 21

	sacUndefined = -12345
	sacVersion   = 6
	sacITime     = 1
	sacIUnknown  = 5
	sacIO        = 11

	sacHeaderLen = 70*4 + 40*4 + 192
	earthRadius  = 6371.0
)

// SACHeader is a SAC v6 header. Strings are stored in the order kstnm,
// kevnm (16 bytes), khole, ko, ka, kt0..kt9, kf, kuser0..2, kcmpnm,
// knetwk, kdatrd, kinst.
type SACHeader struct {
	Floats  [70]float32
	Ints    [40]int32
	Strings [23]string
}

func newSACHeader() *SACHeader {
	h := &SACHeader{}
	for i := range h.Floats {
		h.Floats[i] = sacUndefined
	}
	for i := range h.Ints {
		h.Ints[i] = sacUndefined
	}
	for i := range h.Strings {
		h.Strings[i] = "-12345"
	}
	return h
}

// Float returns header float word i.
func (h *SACHeader) Float(i int) float32 { return h.Floats[i] }

// Int returns header integer word i.
func (h *SACHeader) Int(i int) int32 { return h.Ints[i] }

// Text returns header string i with padding removed.
func (h *SACHeader) Text(i int) string { return strings.TrimRight(h.Strings[i], " \x00") }

// ReferenceTime rebuilds the nz* reference time.
func (h *SACHeader) ReferenceTime() time.Time {
	t := time.Date(int(h.Ints[sacNzyear]), 1, 1, int(h.Ints[sacNzhour]), int(h.Ints[sacNzmin]),
		int(h.Ints[sacNzsec]), int(h.Ints[sacNzmsec])*int(time.Millisecond), time.UTC)
	return t.AddDate(0, 0, int(h.Ints[sacNzjday])-1)
}

// SACHeaderFor builds the header for a segment recorded for event, with the
// reference time at the event origin.
func SACHeaderFor(seg *models.Segment, event models.Event) *SACHeader {
	h := newSACHeader()
	h.Ints[sacNvhdr] = sacVersion
	h.Ints[sacIftype] = sacITime
	h.Ints[sacIdep] = sacIUnknown
	h.Ints[sacLeven] = 1
	h.Ints[sacLpspol] = 1
	h.Ints[sacLovrok] = 1
	h.Ints[sacLcalda] = 1
	h.Ints[sacNpts] = int32(len(seg.Samples))

	delta := 0.0
	if seg.SampleRate > 0 {
		delta = 1 / seg.SampleRate
	}
	h.Floats[sacDelta] = float32(delta)

	if len(seg.Samples) > 0 {
		lo, hi, sum := math.Inf(1), math.Inf(-1), 0.0
		for _, v := range seg.Samples {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
			sum += v
		}
		h.Floats[sacDepmin] = float32(lo)
		h.Floats[sacDepmax] = float32(hi)
		h.Floats[sacDepmen] = float32(sum / float64(len(seg.Samples)))
	}

	ref := event.OriginTime.UTC()
	if ref.IsZero() {
		ref = seg.StartTime.UTC()
	} else {
		h.Ints[sacIztype] = sacIO
		h.Floats[sacO] = 0
		h.Floats[sacEvla] = float32(event.Latitude)
		h.Floats[sacEvlo] = float32(event.Longitude)
		h.Floats[sacEvdp] = float32(event.DepthKm * 1000)
		h.Floats[sacMag] = float32(event.Magnitude)
		h.Strings[sacKevnm] = event.ID
	}
	h.Ints[sacNzyear] = int32(ref.Year())
	h.Ints[sacNzjday] = int32(ref.YearDay())
	h.Ints[sacNzhour] = int32(ref.Hour())
	h.Ints[sacNzmin] = int32(ref.Minute())
	h.Ints[sacNzsec] = int32(ref.Second())
	h.Ints[sacNzmsec] = int32(ref.Nanosecond() / int(time.Millisecond))
	// nz* carries milliseconds only; b is relative to the truncated reference.
	ref = ref.Truncate(time.Millisecond)

	b := seg.StartTime.Sub(ref).Seconds()
	h.Floats[sacB] = float32(b)
	if n := len(seg.Samples); n > 0 {
		h.Floats[sacE] = float32(b + float64(n-1)*delta)
	}

	ch := seg.Channel
	h.Strings[sacKnetwk] = ch.Network
	h.Strings[sacKstnm] = ch.Station
	h.Strings[sacKhole] = ch.Location
	h.Strings[sacKcmpnm] = ch.Channel
	if ch.Latitude != 0 || ch.Longitude != 0 {
		h.Floats[sacStla] = float32(ch.Latitude)
		h.Floats[sacStlo] = float32(ch.Longitude)
		h.Floats[sacStel] = float32(ch.Elevation)
		if !event.OriginTime.IsZero() {
			gcarc, az, baz := distAz(event.Latitude, event.Longitude, ch.Latitude, ch.Longitude)
			h.Floats[sacGcarc] = float32(gcarc)
			h.Floats[sacDist] = float32(gcarc * math.Pi / 180 * earthRadius)
			h.Floats[sacAz] = float32(az)
			h.Floats[sacBaz] = float32(baz)
		}
	}
	return h
}

// distAz returns the spherical great-circle distance in degrees and the
// azimuth and back azimuth between an event and a station.
func distAz(evla, evlo, stla, stlo float64) (gcarc, az, baz float64) {
	rad := math.Pi / 180
	lat1, lon1 := evla*rad, evlo*rad
	lat2, lon2 := stla*rad, stlo*rad
	dlon := lon2 - lon1

	cosD := math.Sin(lat1)*math.Sin(lat2) + math.Cos(lat1)*math.Cos(lat2)*math.Cos(dlon)
	gcarc = math.Acos(math.Max(-1, math.Min(1, cosD))) / rad

	bearing := func(la1, la2, dl float64) float64 {
		y := math.Sin(dl) * math.Cos(la2)
		x := math.Cos(la1)*math.Sin(la2) - math.Sin(la1)*math.Cos(la2)*math.Cos(dl)
		deg := math.Atan2(y, x) / rad
		return math.Mod(deg+360, 360)
	}
	return gcarc, bearing(lat1, lat2, dlon), bearing(lat2, lat1, -dlon)
}

// WriteSAC writes a big-endian SAC file.
func WriteSAC(w io.Writer, h *SACHeader, samples []float64) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.BigEndian, h.Floats); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.BigEndian, h.Ints); err != nil {
		return err
	}
	for i, s := range h.Strings {
		size := 8
		if i == sacKevnm {
			size = 16
		}
		field := make([]byte, size)
		for j := range field {
			field[j] = ' '
		}
		copy(field, s)
		if _, err := bw.Write(field); err != nil {
			return err
		}
	}
	data := make([]float32, len(samples))
	for i, v := range samples {
		data[i] = float32(v)
	}
	if err := binary.Write(bw, binary.BigEndian, data); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadSAC reads a big-endian SAC file written by WriteSAC.
func ReadSAC(r io.Reader) (*SACHeader, []float32, error) {
	buf := make([]byte, sacHeaderLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, fmt.Errorf("read sac header: %w", err)
	}
	h := &SACHeader{}
	for i := range h.Floats {
		h.Floats[i] = math.Float32frombits(binary.BigEndian.Uint32(buf[i*4:]))
	}
	off := 70 * 4
	for i := range h.Ints {
		h.Ints[i] = int32(binary.BigEndian.Uint32(buf[off+i*4:]))
	}
	off += 40 * 4
	for i := range h.Strings {
		size := 8
		if i == sacKevnm {
			size = 16
		}
		h.Strings[i] = string(buf[off : off+size])
		off += size
	}
	if h.Ints[sacNvhdr] != sacVersion {
		return nil, nil, fmt.Errorf("unsupported sac header version %d", h.Ints[sacNvhdr])
	}
	npts := h.Ints[sacNpts]
	if npts < 0 {
		return nil, nil, errors.New("negative sample count")
	}
	data := make([]float32, npts)
	if err := binary.Read(r, binary.BigEndian, data); err != nil {
		return nil, nil, fmt.Errorf("read sac data: %w", err)
	}
	return h, data, nil
}

// SAC writes delivered segments to <dir>/<event id>/<NET.STA.LOC.CHA>.<start>.sac.
// Outcomes without a segment are skipped.
type SAC struct {
	dir string
}

// NewSAC creates the output directory.
func NewSAC(dir string) (*SAC, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sac directory: %w", err)
	}
	return &SAC{dir: dir}, nil
}

func (s *SAC) Name() string {
	return "sac"
}

// Path returns where the outcome's segment is written.
func (s *SAC) Path(o models.PipelineOutcome) string {
	event := o.Request.Event.ID
	if event == "" {
		event = "unassociated"
	}
	name := fmt.Sprintf("%s.%s.sac", o.Request.Channel.ID(), o.Request.Window.Start.UTC().Format("2006.002.150405"))
	return filepath.Join(s.dir, sanitize(event), name)
}

func (s *SAC) Persist(ctx context.Context, o models.PipelineOutcome) error {
	if o.Status != models.StatusDelivered || o.Segment == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.Path(o)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create event directory: %w", err)
	}

	// Write then rename so readers never see a partial file.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sac-*")
	if err != nil {
		return fmt.Errorf("create sac file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := WriteSAC(tmp, SACHeaderFor(o.Segment, o.Request.Event), o.Segment.Samples); err != nil {
		tmp.Close()
		return fmt.Errorf("write sac file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close sac file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '?', '*':
			return '_'
		}
		return r
	}, name)
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seis-sod/sod-stack/common/logging"
	"github.com/seis-sod/sod-stack/common/models"
	"github.com/seis-sod/sod-stack/sod/internal/catalog"
	"github.com/seis-sod/sod-stack/sod/internal/codec"
	"github.com/seis-sod/sod-stack/sod/internal/metrics"
	"github.com/seis-sod/sod-stack/sod/internal/qc"
	"github.com/seis-sod/sod-stack/sod/internal/request"
	"github.com/seis-sod/sod-stack/sod/internal/retrieval"
)

type recordingSink struct {
	mu       sync.Mutex
	outcomes []models.PipelineOutcome
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Persist(_ context.Context, o models.PipelineOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *recordingSink) all() []models.PipelineOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.PipelineOutcome(nil), r.outcomes...)
}

type recordingListener struct {
	recordingSink
}

func (l *recordingListener) Add(o models.PipelineOutcome) { _ = l.Persist(context.Background(), o) }

type failCheck struct{}

func (failCheck) Name() string { return "always_fail" }

func (failCheck) Evaluate(context.Context, *models.Segment, []models.QCVerdict) (models.QCVerdict, error) {
	return qc.Fail("always_fail", "too noisy"), nil
}

var (
	anmo = models.StationChannel{
		Network: "IU", Station: "ANMO", Location: "00", Channel: "BHZ",
		Start: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC), SampleRate: 20,
	}
	quake = models.Event{ID: "E100", OriginTime: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), Magnitude: 6.2}
)

// miniseedFor encodes a 20 Hz sine covering the request window.
func miniseedFor(t testing.TB, req *models.RetrievalRequest) []byte {
	t.Helper()
	n := int(req.Window.Duration().Seconds() * 20)
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = math.Round(1000 * math.Sin(float64(i)/10))
	}
	data, err := codec.Encode(&models.Segment{
		Channel: req.Channel, StartTime: req.Window.Start, SampleRate: 20, Samples: samples,
	}, codec.EncodeOptions{Encoding: codec.EncodingInt32, RecordLength: 4096})
	require.NoError(t, err)
	return data
}

type harness struct {
	orch    *Orchestrator
	sink    *recordingSink
	metrics *metrics.Metrics
	calls   *atomic.Int64
}

func newHarness(t *testing.T, cfg Config, transport retrieval.TransportFunc, chain *qc.Chain, opts ...Option) *harness {
	t.Helper()
	var calls atomic.Int64
	counted := retrieval.TransportFunc(func(ctx context.Context, req *models.RetrievalRequest) ([]byte, error) {
		calls.Add(1)
		return transport(ctx, req)
	})
	m := metrics.New(nil)
	client := retrieval.NewClient(counted, retrieval.Config{
		MaxRetries: 2, BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond, AttemptTimeout: 5 * time.Second,
	}, retrieval.WithMetrics(m))
	if chain == nil {
		chain = qc.NewChain(false, qc.SampleRateCheck{Tolerance: 0.01}, qc.GapCheck{ToleranceSamples: 1})
	}
	s := &recordingSink{}
	builder := request.NewBuilder(request.WindowPolicy{Lead: 2 * time.Minute, Lag: 10 * time.Minute})
	opts = append([]Option{WithMetrics(m), WithLogger(logging.Discard())}, opts...)
	o := New(cfg, builder, client, codec.NewMiniSEED(), chain, s, opts...)
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return &harness{orch: o, sink: s, metrics: m, calls: &calls}
}

func (h *harness) submit(t *testing.T, ev models.Event, ch models.StationChannel) models.PipelineOutcome {
	t.Helper()
	id, err := h.orch.SubmitCandidate(context.Background(), ev, ch)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := h.orch.Wait(ctx, id)
	require.NoError(t, err)
	return out
}

func serveMiniSEED(t *testing.T) retrieval.TransportFunc {
	return func(_ context.Context, req *models.RetrievalRequest) ([]byte, error) {
		return miniseedFor(t, req), nil
	}
}

func TestOrchestrator_Delivered(t *testing.T) {
	listener := &recordingListener{}
	h := newHarness(t, Config{Concurrency: 2, DecodeConcurrency: 1}, serveMiniSEED(t), nil, WithListener(listener))

	out := h.submit(t, quake, anmo)
	assert.Equal(t, models.StatusDelivered, out.Status)
	assert.Equal(t, models.StageValidate, out.Stage)
	assert.Equal(t, 1, out.Attempts)
	require.NotNil(t, out.Segment)
	assert.Len(t, out.Segment.Samples, 12*60*20)
	require.Len(t, out.Verdicts, 2)
	for _, v := range out.Verdicts {
		assert.Equal(t, models.VerdictPass, v.Verdict, v.Reason)
	}

	st, ok := h.orch.State(out.Request.ID)
	require.True(t, ok)
	assert.Equal(t, StateDelivered, st.State)
	require.NotNil(t, st.Outcome)

	assert.Len(t, h.sink.all(), 1)
	assert.Len(t, listener.all(), 1)
	stats := h.orch.Stats()
	assert.Equal(t, uint64(1), stats.Issued)
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, int64(0), stats.InFlight)
}

func TestOrchestrator_OutOfRangeWindowRejectedWithoutRetrieval(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 2}, serveMiniSEED(t), nil)
	h.orch.builder = request.NewBuilder(request.WindowPolicy{Lag: 24 * time.Hour})

	e1 := models.Event{ID: "E1", OriginTime: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}
	ch := models.StationChannel{
		Network: "NET", Station: "STA", Location: "LOC", Channel: "CHN",
		Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC),
	}

	out := h.submit(t, e1, ch)
	assert.Equal(t, models.StatusRejected, out.Status)
	assert.Equal(t, models.StageBuild, out.Stage)
	assert.Contains(t, out.Reason, request.ErrOutOfRangeWindow.Error())
	assert.Equal(t, "E1", out.Request.Event.ID)
	assert.Equal(t, "NET.STA.LOC.CHN", out.Request.Channel.ID())
	assert.Equal(t, int64(0), h.calls.Load(), "no retrieval for a rejected window")
	assert.Equal(t, uint64(1), h.orch.Stats().Rejected)
}

func TestOrchestrator_MalformedRecordIsNotRetried(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 1}, func(context.Context, *models.RetrievalRequest) ([]byte, error) {
		return []byte("<html>maintenance</html>"), nil
	}, nil)

	out := h.submit(t, quake, anmo)
	assert.Equal(t, models.StatusDecodeFailed, out.Status)
	assert.Equal(t, models.StageDecode, out.Stage)
	assert.Contains(t, out.Reason, codec.ErrMalformedRecord.Error())
	assert.Equal(t, int64(1), h.calls.Load())
}

func TestOrchestrator_DecoderPanicIsDecodeFailure(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 1}, serveMiniSEED(t), nil)
	h.orch.codec = codec.Func(func(*models.RawRecord, models.StationChannel) (*models.Segment, error) {
		panic("index out of range")
	})

	out := h.submit(t, quake, anmo)
	assert.Equal(t, models.StatusDecodeFailed, out.Status)
	assert.Contains(t, out.Reason, "decoder panic")
}

func TestOrchestrator_RetrievalFailures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		reason    string
		wantCalls int64
	}{
		{"permanent", retrieval.Permanent(errors.New("404 no data")), "rejected:", 1},
		{"exhausted", retrieval.Transient(errors.New("503")), "exhausted:", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{Concurrency: 1}, func(context.Context, *models.RetrievalRequest) ([]byte, error) {
				return nil, tt.err
			}, nil)

			out := h.submit(t, quake, anmo)
			assert.Equal(t, models.StatusRetrievalFailed, out.Status)
			assert.Equal(t, models.StageRetrieve, out.Stage)
			assert.Contains(t, out.Reason, tt.reason)
			assert.Equal(t, int(tt.wantCalls), out.Attempts)
			assert.Equal(t, tt.wantCalls, h.calls.Load())
		})
	}
}

func TestOrchestrator_QCFailRejects(t *testing.T) {
	chain := qc.NewChain(false, qc.SampleRateCheck{Tolerance: 0.01}, failCheck{}, qc.RMSCheck{Max: 1e9})
	h := newHarness(t, Config{Concurrency: 1}, serveMiniSEED(t), chain)

	out := h.submit(t, quake, anmo)
	assert.Equal(t, models.StatusRejected, out.Status)
	assert.Equal(t, models.StageValidate, out.Stage)
	assert.Equal(t, "always_fail: too noisy", out.Reason)
	assert.Len(t, out.Verdicts, 3, "non-strict chain runs every check")
}

func TestOrchestrator_ExactlyOneOutcomePerRequest(t *testing.T) {
	var n atomic.Int64
	h := newHarness(t, Config{Concurrency: 4, DecodeConcurrency: 2}, func(_ context.Context, req *models.RetrievalRequest) ([]byte, error) {
		switch n.Add(1) % 3 {
		case 0:
			return nil, retrieval.Permanent(errors.New("forbidden"))
		case 1:
			return []byte("garbage"), nil
		default:
			return miniseedFor(t, req), nil
		}
	}, nil)

	const total = 30
	ids := make(map[string]bool)
	for i := 0; i < total; i++ {
		ch := anmo
		ch.Station = fmt.Sprintf("S%02d", i)
		id, err := h.orch.SubmitCandidate(context.Background(), quake, ch)
		require.NoError(t, err)
		ids[id] = true
	}
	for id := range ids {
		_, err := h.orch.Wait(context.Background(), id)
		require.NoError(t, err)
	}

	outcomes := h.sink.all()
	require.Len(t, outcomes, total)
	seen := make(map[string]int)
	for _, o := range outcomes {
		seen[o.Request.ID]++
	}
	for id := range ids {
		assert.Equal(t, 1, seen[id], id)
	}

	stats := h.orch.Stats()
	assert.Equal(t, uint64(total), stats.Issued)
	assert.Equal(t, uint64(total), stats.Delivered+stats.Rejected+stats.Failed)
	assert.Equal(t, int64(0), stats.InFlight)
}

func TestOrchestrator_ConcurrencyBound(t *testing.T) {
	var active, peak atomic.Int64
	h := newHarness(t, Config{Concurrency: 3, DecodeConcurrency: 1}, func(_ context.Context, req *models.RetrievalRequest) ([]byte, error) {
		cur := active.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return miniseedFor(t, req), nil
	}, nil)

	var ids []string
	for i := 0; i < 12; i++ {
		ch := anmo
		ch.Station = fmt.Sprintf("C%02d", i)
		id, err := h.orch.SubmitCandidate(context.Background(), quake, ch)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		out, err := h.orch.Wait(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusDelivered, out.Status)
	}
	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, int64(3), peak.Load())
}

func blockUntilCancelled(started chan<- string) retrieval.TransportFunc {
	return func(ctx context.Context, req *models.RetrievalRequest) ([]byte, error) {
		started <- req.Channel.Station
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func TestOrchestrator_Cancel(t *testing.T) {
	started := make(chan string, 4)
	h := newHarness(t, Config{Concurrency: 1}, blockUntilCancelled(started), nil)

	running, err := h.orch.SubmitCandidate(context.Background(), quake, anmo)
	require.NoError(t, err)
	<-started

	queued := anmo
	queued.Station = "QUEUED"
	waiting, err := h.orch.SubmitCandidate(context.Background(), quake, queued)
	require.NoError(t, err)

	st, _ := h.orch.State(running)
	assert.Equal(t, StateRetrieving, st.State)
	st, _ = h.orch.State(waiting)
	assert.Equal(t, StatePending, st.State)

	require.NoError(t, h.orch.Cancel(waiting))
	out, err := h.orch.Wait(context.Background(), waiting)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetrievalFailed, out.Status)
	assert.Equal(t, ReasonCancelled, out.Reason)

	require.NoError(t, h.orch.Cancel(running))
	out, err = h.orch.Wait(context.Background(), running)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetrievalFailed, out.Status)
	assert.Equal(t, ReasonCancelled, out.Reason)

	assert.ErrorIs(t, h.orch.Cancel(running), ErrAlreadyTerminal)
	assert.ErrorIs(t, h.orch.Cancel("nope"), ErrUnknownRequest)
	assert.Len(t, h.sink.all(), 2)
}

func TestOrchestrator_Shutdown(t *testing.T) {
	started := make(chan string, 8)
	h := newHarness(t, Config{Concurrency: 2}, blockUntilCancelled(started), nil)

	for i := 0; i < 5; i++ {
		ch := anmo
		ch.Station = fmt.Sprintf("D%02d", i)
		_, err := h.orch.SubmitCandidate(context.Background(), quake, ch)
		require.NoError(t, err)
	}
	<-started
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	outcomes := h.sink.all()
	require.Len(t, outcomes, 5)
	for _, o := range outcomes {
		assert.Equal(t, models.StatusRetrievalFailed, o.Status)
		assert.Equal(t, ReasonCancelled, o.Reason)
	}

	_, err := h.orch.SubmitCandidate(context.Background(), quake, anmo)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestOrchestrator_DuplicateID(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 1}, serveMiniSEED(t), nil)
	req, err := h.orch.builder.Build(quake, anmo)
	require.NoError(t, err)

	require.NoError(t, h.orch.Submit(context.Background(), req))
	assert.ErrorIs(t, h.orch.Submit(context.Background(), req), ErrDuplicateRequest)
	_, err = h.orch.Wait(context.Background(), req.ID)
	require.NoError(t, err)
}

func TestOrchestrator_RetainEvictsOldest(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 1, Retain: 2}, serveMiniSEED(t), nil)
	var ids []string
	for i := 0; i < 3; i++ {
		ch := anmo
		ch.Station = fmt.Sprintf("R%d", i)
		out := h.submit(t, quake, ch)
		ids = append(ids, out.Request.ID)
	}
	_, ok := h.orch.State(ids[0])
	assert.False(t, ok)
	_, ok = h.orch.State(ids[2])
	assert.True(t, ok)
}

func TestOrchestrator_RecentNewestFirst(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 1}, serveMiniSEED(t), nil)
	var ids []string
	for i := 0; i < 3; i++ {
		ch := anmo
		ch.Station = fmt.Sprintf("N%d", i)
		ids = append(ids, h.submit(t, quake, ch).Request.ID)
	}

	page, total := h.orch.Recent(0, 2)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].Request.ID)
	assert.Equal(t, ids[1], page[1].Request.ID)
	require.NotNil(t, page[0].Outcome)
	assert.Equal(t, StateDelivered, page[0].State)

	page, _ = h.orch.Recent(2, 2)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].Request.ID)

	page, total = h.orch.Recent(5, 2)
	assert.Empty(t, page)
	assert.Equal(t, 3, total)
}

func TestOrchestrator_ProcessCatalog(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 4, DecodeConcurrency: 2}, serveMiniSEED(t), nil)

	other := anmo
	other.Station = "COLA"
	other.Network = "II"
	closed := anmo
	closed.Station = "OLD"
	closed.End = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	second := quake
	second.ID = "E101"
	second.OriginTime = quake.OriginTime.Add(6 * time.Hour)

	cat := catalog.NewStaticCatalog([]models.Event{quake, second}, []models.StationChannel{anmo, other, closed})
	window := models.TimeWindow{Start: quake.OriginTime.Add(-time.Hour), End: quake.OriginTime.Add(24 * time.Hour)}

	result, err := h.orch.ProcessCatalog(context.Background(), cat, window)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Candidates, "closed channel is not a candidate")
	assert.Equal(t, 4, result.Counts[models.StatusDelivered])
	assert.Len(t, h.sink.all(), 4)
}

func TestOrchestrator_ProcessCatalogCancelled(t *testing.T) {
	started := make(chan string, 8)
	h := newHarness(t, Config{Concurrency: 2}, blockUntilCancelled(started), nil)
	cat := catalog.NewStaticCatalog([]models.Event{quake}, []models.StationChannel{anmo})
	window := models.TimeWindow{Start: quake.OriginTime.Add(-time.Hour), End: quake.OriginTime.Add(time.Hour)}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	result, err := h.orch.ProcessCatalog(ctx, cat, window)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, 1, result.Counts[models.StatusRetrievalFailed])
}

func TestOrchestrator_SubmitWindow(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 1}, serveMiniSEED(t), nil)

	w := models.TimeWindow{Start: quake.OriginTime, End: quake.OriginTime.Add(5 * time.Minute)}
	id, err := h.orch.SubmitWindow(context.Background(), quake, anmo, w)
	require.NoError(t, err)
	out, err := h.orch.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, out.Status)
	assert.Equal(t, w, out.Request.Window)
	assert.Len(t, out.Segment.Samples, 5*60*20)

	inverted := models.TimeWindow{Start: w.End, End: w.Start}
	id, err = h.orch.SubmitWindow(context.Background(), quake, anmo, inverted)
	require.NoError(t, err)
	out, err = h.orch.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, out.Status)
	assert.Equal(t, inverted, out.Request.Window)
}

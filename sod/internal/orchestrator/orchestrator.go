// Package orchestrator drives retrieval requests through fetch, decode and
// quality control, emitting exactly one outcome per request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/seis-sod/sod-stack/common/logging"
	"github.com/seis-sod/sod-stack/common/models"
	"github.com/seis-sod/sod-stack/sod/internal/catalog"
	"github.com/seis-sod/sod-stack/sod/internal/codec"
	"github.com/seis-sod/sod-stack/sod/internal/metrics"
	"github.com/seis-sod/sod-stack/sod/internal/qc"
	"github.com/seis-sod/sod-stack/sod/internal/request"
	"github.com/seis-sod/sod-stack/sod/internal/retrieval"
	"github.com/seis-sod/sod-stack/sod/internal/sink"
)

var (
	// ErrShutdown is returned by Submit after Shutdown.
	ErrShutdown = errors.New("orchestrator shut down")
	// ErrUnknownRequest is returned for an id that is not tracked.
	ErrUnknownRequest = errors.New("unknown request")
	// ErrAlreadyTerminal is returned when cancelling a finished request.
	ErrAlreadyTerminal = errors.New("request already finished")
	// ErrDuplicateRequest is returned when an id is submitted twice.
	ErrDuplicateRequest = errors.New("duplicate request id")
)

// ReasonCancelled is the outcome reason of a cancelled request.
const ReasonCancelled = "cancelled"

// Fetcher retrieves raw records. *retrieval.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, req *models.RetrievalRequest) (*models.RawRecord, error)
}

// OutcomeListener receives every outcome after it has been handed to the sink.
// *notification.Digest implements it.
type OutcomeListener interface {
	Add(outcome models.PipelineOutcome)
}

// Config bounds concurrency. Retain is how many finished requests stay
// queryable through State.
type Config struct {
	Concurrency       int
	DecodeConcurrency int
	Retain            int
}

// RequestStatus is the queryable view of one request.
type RequestStatus struct {
	Request   models.RetrievalRequest `json:"request"`
	State     State                   `json:"state"`
	UpdatedAt time.Time               `json:"updated_at"`
	Outcome   *models.PipelineOutcome `json:"outcome,omitempty"`
}

type tracked struct {
	req     *models.RetrievalRequest
	ctx     context.Context
	cancel  context.CancelFunc
	state   State
	updated time.Time
	outcome *models.PipelineOutcome
	done    chan struct{}
}

// Orchestrator multiplexes requests over a bounded worker pool. At most
// Concurrency requests retrieve, decode or validate at once; the rest wait
// in FIFO order. Decoding is further bounded by DecodeConcurrency.
type Orchestrator struct {
	builder   *request.Builder
	fetcher   Fetcher
	codec     codec.Codec
	chain     *qc.Chain
	sink      sink.Sink
	listeners []OutcomeListener
	metrics   *metrics.Metrics
	logger    *logging.Logger
	retain    int

	admit  *semaphore.Weighted
	decode *semaphore.Weighted

	base       context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	requests map[string]*tracked
	finished []string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithListener adds an outcome listener.
func WithListener(l OutcomeListener) Option {
	return func(o *Orchestrator) { o.listeners = append(o.listeners, l) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator.
func New(cfg Config, builder *request.Builder, fetcher Fetcher, c codec.Codec, chain *qc.Chain, s sink.Sink, opts ...Option) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.DecodeConcurrency < 1 {
		cfg.DecodeConcurrency = 1
	}
	if cfg.Retain <= 0 {
		cfg.Retain = 10000
	}
	base, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		builder:    builder,
		fetcher:    fetcher,
		codec:      c,
		chain:      chain,
		sink:       s,
		logger:     logging.Discard(),
		retain:     cfg.Retain,
		admit:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		decode:     semaphore.NewWeighted(int64(cfg.DecodeConcurrency)),
		base:       base,
		baseCancel: cancel,
		requests:   make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit queues a request and returns immediately. The request runs under
// the orchestrator's lifetime; use Cancel or Shutdown to stop it.
func (o *Orchestrator) Submit(ctx context.Context, req *models.RetrievalRequest) error {
	_, err := o.submit(ctx, req)
	return err
}

func (o *Orchestrator) submit(ctx context.Context, req *models.RetrievalRequest) (*tracked, error) {
	tr, err := o.register(req)
	if err != nil {
		return nil, err
	}
	o.logger.DebugContext(ctx, "request submitted",
		logging.RequestID(req.ID), logging.EventID(req.Event.ID), logging.ChannelID(req.Channel.ID()))
	go o.run(tr)
	return tr, nil
}

// SubmitCandidate builds a request for the pair using the window policy and
// submits it. A pair whose window cannot be built is recorded as REJECTED
// without any retrieval.
func (o *Orchestrator) SubmitCandidate(ctx context.Context, event models.Event, channel models.StationChannel) (string, error) {
	tr, err := o.submitCandidate(ctx, event, channel, nil)
	if err != nil {
		return "", err
	}
	return tr.req.ID, nil
}

// SubmitWindow is SubmitCandidate with an explicit window.
func (o *Orchestrator) SubmitWindow(ctx context.Context, event models.Event, channel models.StationChannel, window models.TimeWindow) (string, error) {
	tr, err := o.submitCandidate(ctx, event, channel, &window)
	if err != nil {
		return "", err
	}
	return tr.req.ID, nil
}

func (o *Orchestrator) submitCandidate(ctx context.Context, event models.Event, channel models.StationChannel, window *models.TimeWindow) (*tracked, error) {
	var (
		req *models.RetrievalRequest
		err error
	)
	if window == nil {
		req, err = o.builder.Build(event, channel)
	} else {
		req, err = o.builder.BuildWindow(event, channel, *window)
	}
	if err == nil {
		return o.submit(ctx, req)
	}

	if window == nil {
		w := o.builder.Policy().Window(event.OriginTime)
		window = &w
	}
	req = o.builder.Unchecked(event, channel, *window)
	tr, rerr := o.register(req)
	if rerr != nil {
		return nil, rerr
	}
	o.logger.WarnContext(ctx, "request rejected at build",
		logging.EventID(event.ID), logging.ChannelID(channel.ID()), logging.Error(err))
	o.finish(tr, outcomeOf(req, models.StatusRejected, models.StageBuild, err.Error()))
	return tr, nil
}

func (o *Orchestrator) register(req *models.RetrievalRequest) (*tracked, error) {
	ctx, cancel := context.WithCancel(o.base)
	tr := &tracked{
		req:     req,
		ctx:     ctx,
		cancel:  cancel,
		state:   StatePending,
		updated: time.Now().UTC(),
		done:    make(chan struct{}),
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		cancel()
		return nil, ErrShutdown
	}
	if _, ok := o.requests[req.ID]; ok {
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}
	o.requests[req.ID] = tr
	o.wg.Add(1)
	o.metrics.RequestIssued()
	return tr, nil
}

func (o *Orchestrator) run(tr *tracked) {
	o.finish(tr, o.process(tr))
}

// process walks one request to its terminal outcome.
func (o *Orchestrator) process(tr *tracked) models.PipelineOutcome {
	ctx, req := tr.ctx, tr.req

	if err := o.admit.Acquire(ctx, 1); err != nil {
		return outcomeOf(req, models.StatusRetrievalFailed, models.StageRetrieve, ReasonCancelled)
	}
	defer o.admit.Release(1)

	o.transition(tr, StateRetrieving)
	rec, err := o.fetcher.Fetch(ctx, req)
	if err != nil {
		out := outcomeOf(req, models.StatusRetrievalFailed, models.StageRetrieve, retrievalReason(ctx, err))
		out.Attempts = retrieval.Attempts(err)
		return out
	}

	if err := o.decode.Acquire(ctx, 1); err != nil {
		out := outcomeOf(req, models.StatusRetrievalFailed, models.StageRetrieve, ReasonCancelled)
		out.Attempts = rec.Attempts
		return out
	}
	o.transition(tr, StateDecoding)
	start := time.Now()
	seg, err := decodeSafely(o.codec, rec, req.Channel)
	o.decode.Release(1)
	o.metrics.Decoded(time.Since(start))
	if err != nil {
		out := outcomeOf(req, models.StatusDecodeFailed, models.StageDecode, err.Error())
		out.Attempts = rec.Attempts
		return out
	}

	o.transition(tr, StateValidating)
	if ctx.Err() != nil {
		out := outcomeOf(req, models.StatusRejected, models.StageValidate, ReasonCancelled)
		out.Attempts = rec.Attempts
		out.Segment = seg
		return out
	}
	verdicts, aggregate := o.chain.Run(qc.WithRequest(ctx, req), seg)
	for _, v := range verdicts {
		o.metrics.Verdict(v)
	}

	out := outcomeOf(req, models.StatusDelivered, models.StageValidate, "")
	if aggregate == models.VerdictFail {
		out.Status = models.StatusRejected
		out.Reason = failReason(verdicts)
	}
	out.Attempts = rec.Attempts
	out.Segment = seg
	out.Verdicts = verdicts
	return out
}

func decodeSafely(c codec.Codec, rec *models.RawRecord, ch models.StationChannel) (seg *models.Segment, err error) {
	defer func() {
		if r := recover(); r != nil {
			seg, err = nil, fmt.Errorf("%w: decoder panic: %v", codec.ErrMalformedRecord, r)
		}
	}()
	return c.Decode(rec, ch)
}

func retrievalReason(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return ReasonCancelled
	case errors.Is(err, retrieval.ErrRetrievalRejected):
		return "rejected: " + err.Error()
	case errors.Is(err, retrieval.ErrRetrievalExhausted):
		return "exhausted: " + err.Error()
	default:
		return err.Error()
	}
}

func failReason(verdicts []models.QCVerdict) string {
	for _, v := range verdicts {
		if v.Verdict == models.VerdictFail {
			if v.Reason == "" {
				return v.Check + " failed"
			}
			return v.Check + ": " + v.Reason
		}
	}
	return "quality control failed"
}

func outcomeOf(req *models.RetrievalRequest, status models.Status, stage models.Stage, reason string) models.PipelineOutcome {
	return models.PipelineOutcome{Request: *req, Status: status, Stage: stage, Reason: reason}
}

func (o *Orchestrator) transition(tr *tracked, next State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := checkTransition(tr.state, next); err != nil {
		// Programming error: the pipeline above only takes legal steps.
		panic(err)
	}
	tr.state = next
	tr.updated = time.Now().UTC()
}

// finish records the terminal outcome. It runs once per request.
func (o *Orchestrator) finish(tr *tracked, out models.PipelineOutcome) {
	out.CompletedAt = time.Now().UTC()

	o.mu.Lock()
	if tr.state.Terminal() {
		o.mu.Unlock()
		return
	}
	next := StateFor(out.Status)
	if err := checkTransition(tr.state, next); err != nil {
		o.mu.Unlock()
		panic(err)
	}
	tr.state = next
	tr.updated = out.CompletedAt
	tr.outcome = &out
	o.finished = append(o.finished, tr.req.ID)
	o.evictLocked()
	o.mu.Unlock()

	tr.cancel()
	o.metrics.OutcomeRecorded(out.Status)

	attrs := []any{
		logging.RequestID(out.Request.ID), logging.ChannelID(out.Request.Channel.ID()),
		logging.Status(string(out.Status)), logging.Stage(string(out.Stage)), logging.Attempt(out.Attempts),
	}
	if out.Reason != "" {
		attrs = append(attrs, "reason", out.Reason)
	}
	o.logger.InfoContext(tr.ctx, "request finished", attrs...)

	// The outcome must reach the sink even when the request was cancelled.
	if err := o.sink.Persist(context.WithoutCancel(tr.ctx), out); err != nil {
		o.logger.ErrorContext(tr.ctx, "outcome not persisted", logging.RequestID(out.Request.ID), logging.Error(err))
	}
	for _, l := range o.listeners {
		l.Add(out)
	}
	close(tr.done)
	o.wg.Done()
}

func (o *Orchestrator) evictLocked() {
	for len(o.finished) > o.retain {
		delete(o.requests, o.finished[0])
		o.finished = o.finished[1:]
	}
}

// State returns the current status of a request.
func (o *Orchestrator) State(id string) (RequestStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tr, ok := o.requests[id]
	if !ok {
		return RequestStatus{}, false
	}
	return tr.status(), true
}

func (tr *tracked) status() RequestStatus {
	st := RequestStatus{Request: *tr.req, State: tr.state, UpdatedAt: tr.updated}
	if tr.outcome != nil {
		out := *tr.outcome
		st.Outcome = &out
	}
	return st
}

// Recent pages through retained finished requests, newest first, and
// reports how many are retained in total.
func (o *Orchestrator) Recent(offset, limit int) ([]RequestStatus, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := len(o.finished)
	if offset < 0 {
		offset = 0
	}
	if offset >= total || limit <= 0 {
		return nil, total
	}
	end := min(offset+limit, total)
	out := make([]RequestStatus, 0, end-offset)
	for i := offset; i < end; i++ {
		out = append(out, o.requests[o.finished[total-1-i]].status())
	}
	return out, total
}

// Cancel stops a request that has not finished yet. The request still
// emits exactly one outcome.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	tr, ok := o.requests[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if tr.state.Terminal() {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, tr.state)
	}
	o.mu.Unlock()
	tr.cancel()
	return nil
}

// Wait blocks until the request finishes or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (models.PipelineOutcome, error) {
	o.mu.Lock()
	tr, ok := o.requests[id]
	o.mu.Unlock()
	if !ok {
		return models.PipelineOutcome{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	select {
	case <-tr.done:
		o.mu.Lock()
		defer o.mu.Unlock()
		return *tr.outcome, nil
	case <-ctx.Done():
		return models.PipelineOutcome{}, ctx.Err()
	}
}

// Stats returns the process-wide counters.
func (o *Orchestrator) Stats() metrics.Stats {
	return o.metrics.Snapshot()
}

// Shutdown rejects new submissions, cancels every running request and waits
// for their outcomes.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PassResult summarises one catalog pass.
type PassResult struct {
	Candidates int
	Counts     map[models.Status]int
}

// ProcessCatalog submits every candidate the catalog lists for window and
// waits for all of them to finish. Cancelling ctx stops listing and cancels
// the pass's outstanding requests.
func (o *Orchestrator) ProcessCatalog(ctx context.Context, cat catalog.Catalog, window models.TimeWindow) (PassResult, error) {
	result := PassResult{Counts: make(map[models.Status]int)}
	it, err := cat.ListCandidates(ctx, window)
	if err != nil {
		return result, fmt.Errorf("list candidates: %w", err)
	}

	var (
		mu     sync.Mutex
		issued []*tracked
	)
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		for _, tr := range issued {
			tr.cancel()
		}
	})
	defer stop()

	var listErr error
	for {
		cand, ok, err := it.Next(ctx)
		if err != nil {
			listErr = fmt.Errorf("next candidate: %w", err)
			break
		}
		if !ok {
			break
		}
		result.Candidates++
		o.metrics.Candidate()
		tr, err := o.submitCandidate(ctx, cand.Event, cand.Channel, nil)
		if err != nil {
			listErr = err
			break
		}
		mu.Lock()
		issued = append(issued, tr)
		mu.Unlock()
		if ctx.Err() != nil {
			tr.cancel()
		}
	}

	for _, tr := range issued {
		<-tr.done
		o.mu.Lock()
		result.Counts[tr.outcome.Status]++
		o.mu.Unlock()
	}
	return result, listErr
}

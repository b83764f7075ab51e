// Package retrieval fetches raw waveform records with retry, backoff and
// deduplication of identical in-flight requests.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/seis-sod/sod-stack/common/logging"
	"github.com/seis-sod/sod-stack/common/models"
	"github.com/seis-sod/sod-stack/sod/internal/metrics"
)

// Config controls retry behaviour.
type Config struct {
	// MaxRetries is the retry ceiling; a fetch makes at most MaxRetries+1 attempts.
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	AttemptTimeout time.Duration
}

// Stats is a snapshot of client counters.
type Stats struct {
	Calls     int64 `json:"calls"`
	Attempts  int64 `json:"attempts"`
	DedupHits int64 `json:"dedup_hits"`
	InFlight  int   `json:"in_flight"`
}

// call is one shared network operation. refs counts attached callers.
type call struct {
	done   chan struct{}
	rec    *models.RawRecord
	err    error
	refs   int
	cancel context.CancelFunc
}

// Client fetches RawRecords through a Transport.
type Client struct {
	transport Transport
	limiter   RateLimiter
	cfg       Config
	logger    *logging.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]*call

	calls     atomic.Int64
	attempts  atomic.Int64
	dedupHits atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimiter gates every attempt through l, keyed by the transport source.
func WithRateLimiter(l RateLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithMetrics records attempts and dedup hits on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the client logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Client.
func NewClient(transport Transport, cfg Config, opts ...Option) *Client {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = cfg.BackoffBase
	}
	c := &Client{
		transport: transport,
		limiter:   NoOpRateLimiter{},
		cfg:       cfg,
		logger:    logging.Default(),
		inflight:  make(map[string]*call),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the record for req. Concurrent callers with the same
// request key share one network operation. Cancelling ctx detaches this
// caller; the shared operation is aborted when its last caller detaches.
func (c *Client) Fetch(ctx context.Context, req *models.RetrievalRequest) (*models.RawRecord, error) {
	c.calls.Add(1)
	key := req.Key()

	c.mu.Lock()
	cl, ok := c.inflight[key]
	if ok {
		cl.refs++
		c.mu.Unlock()
		c.dedupHits.Add(1)
		c.metrics.DedupHit()
		c.logger.DebugContext(ctx, "attached to in-flight retrieval",
			logging.RequestID(req.ID), logging.ChannelID(req.Channel.ID()))
	} else {
		callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		cl = &call{done: make(chan struct{}), refs: 1, cancel: cancel}
		c.inflight[key] = cl
		c.mu.Unlock()
		go c.run(callCtx, key, cl, req)
	}

	select {
	case <-cl.done:
		if cl.err != nil {
			return nil, cl.err
		}
		rec := *cl.rec
		rec.RequestID = req.ID
		return &rec, nil
	case <-ctx.Done():
		c.detach(key, cl)
		return nil, &AttemptError{Key: key, Kind: ctx.Err()}
	}
}

func (c *Client) detach(key string, cl *call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl.refs--
	if cl.refs > 0 {
		return
	}
	if c.inflight[key] == cl {
		delete(c.inflight, key)
	}
	cl.cancel()
}

func (c *Client) run(ctx context.Context, key string, cl *call, req *models.RetrievalRequest) {
	defer cl.cancel()
	rec, err := c.fetchWithRetry(ctx, key, req)

	c.mu.Lock()
	if c.inflight[key] == cl {
		delete(c.inflight, key)
	}
	cl.rec, cl.err = rec, err
	c.mu.Unlock()
	close(cl.done)
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BackoffBase
	b.MaxInterval = c.cfg.BackoffCap
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Client) fetchWithRetry(ctx context.Context, key string, req *models.RetrievalRequest) (*models.RawRecord, error) {
	bo := c.newBackOff()
	maxAttempts := c.cfg.MaxRetries + 1
	log := c.logger.With(logging.RequestID(req.ID), logging.ChannelID(req.Channel.ID()))

	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		data, err := c.attempt(ctx, req)
		if err == nil {
			return &models.RawRecord{
				RequestID:   req.ID,
				Key:         key,
				Data:        data,
				RetrievedAt: time.Now().UTC(),
				Source:      c.transport.Source(),
				Attempts:    attempt,
			}, nil
		}
		if ctx.Err() != nil {
			return nil, &AttemptError{Key: key, Attempts: attempt, Kind: ctx.Err(), Last: err}
		}
		last = err
		if !IsTransient(err) {
			log.WarnContext(ctx, "retrieval rejected", logging.Attempt(attempt), logging.Error(err))
			return nil, &AttemptError{Key: key, Attempts: attempt, Kind: ErrRetrievalRejected, Last: err}
		}
		if attempt == maxAttempts {
			break
		}

		wait := bo.NextBackOff()
		log.DebugContext(ctx, "transient retrieval failure, retrying",
			logging.Attempt(attempt), logging.Duration(wait), logging.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &AttemptError{Key: key, Attempts: attempt, Kind: ctx.Err(), Last: err}
		case <-timer.C:
		}
	}

	log.WarnContext(ctx, "retrieval retries exhausted", logging.Attempt(maxAttempts), logging.Error(last))
	return nil, &AttemptError{Key: key, Attempts: maxAttempts, Kind: ErrRetrievalExhausted, Last: last}
}

// attempt makes one bounded transport call.
func (c *Client) attempt(ctx context.Context, req *models.RetrievalRequest) ([]byte, error) {
	c.attempts.Add(1)
	start := time.Now()

	source := c.transport.Source()
	allowed, err := c.limiter.Allow(ctx, source)
	if err != nil {
		c.logger.WarnContext(ctx, "rate limiter unavailable, allowing attempt", logging.Error(err))
		allowed = true
	}
	if !allowed {
		c.metrics.RateLimited(source)
		c.metrics.Attempt("rate_limited", time.Since(start))
		return nil, Transient(fmt.Errorf("%w: %s", ErrRateLimited, source))
	}

	actx := ctx
	if c.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
	}

	data, err := c.transport.Get(actx, req)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		err = Transient(fmt.Errorf("attempt deadline %s exceeded: %w", c.cfg.AttemptTimeout, err))
	}

	result := "ok"
	switch {
	case err == nil:
	case IsTransient(err):
		result = "transient"
	default:
		result = "permanent"
	}
	c.metrics.Attempt(result, time.Since(start))
	return data, err
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	n := len(c.inflight)
	c.mu.Unlock()
	return Stats{
		Calls:     c.calls.Load(),
		Attempts:  c.attempts.Load(),
		DedupHits: c.dedupHits.Load(),
		InFlight:  n,
	}
}

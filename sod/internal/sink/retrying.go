package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/seis-sod/sod-stack/common/logging"
	"github.com/seis-sod/sod-stack/common/models"
	"github.com/seis-sod/sod-stack/sod/internal/metrics"
)

// ErrClosed is returned by Persist after Close.
var ErrClosed = errors.New("sink closed")

// RetryConfig bounds the background retry loop.
type RetryConfig struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
	QueueSize  int
}

// Retrying hands outcomes to a background worker that retries the wrapped
// sink with exponential backoff. Outcomes that still fail go to the dead
// letter directory when one is configured.
type Retrying struct {
	inner   Sink
	cfg     RetryConfig
	dead    *DeadLetterDir
	logger  *logging.Logger
	metrics *metrics.Metrics

	queue  chan models.PipelineOutcome
	mu     sync.RWMutex
	closed bool
	stop   context.CancelFunc
	done   chan struct{}
}

// NewRetrying starts the worker. Call Close to drain and stop it.
func NewRetrying(inner Sink, cfg RetryConfig, dead *DeadLetterDir, logger *logging.Logger, m *metrics.Metrics) *Retrying {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Base <= 0 {
		cfg.Base = time.Second
	}
	if cfg.Cap < cfg.Base {
		cfg.Cap = cfg.Base
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Retrying{
		inner:   inner,
		cfg:     cfg,
		dead:    dead,
		logger:  logger,
		metrics: m,
		queue:   make(chan models.PipelineOutcome, cfg.QueueSize),
		stop:    cancel,
		done:    make(chan struct{}),
	}
	go r.run(ctx)
	return r
}

func (r *Retrying) Name() string {
	return r.inner.Name()
}

// Persist enqueues the outcome. It blocks only while the queue is full.
func (r *Retrying) Persist(ctx context.Context, o models.PipelineOutcome) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	select {
	case r.queue <- o:
		r.metrics.SinkQueue(len(r.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued outcomes.
func (r *Retrying) Pending() int {
	return len(r.queue)
}

func (r *Retrying) run(ctx context.Context) {
	defer close(r.done)
	for o := range r.queue {
		r.metrics.SinkQueue(len(r.queue))
		r.deliver(ctx, o)
	}
}

func (r *Retrying) deliver(ctx context.Context, o models.PipelineOutcome) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.Base
	b.MaxInterval = r.cfg.Cap
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(r.cfg.MaxRetries, 0))), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := r.inner.Persist(ctx, o)
		r.metrics.SinkWrite(r.inner.Name(), err)
		if err != nil {
			r.logger.WarnContext(ctx, "sink write failed",
				logging.Sink(r.inner.Name()), logging.RequestID(o.Request.ID),
				logging.Attempt(attempts), logging.Error(err))
		}
		return err
	}, policy)
	if err == nil {
		return
	}

	r.logger.ErrorContext(ctx, "outcome dropped after retries",
		logging.Sink(r.inner.Name()), logging.RequestID(o.Request.ID),
		logging.Status(string(o.Status)), logging.Attempt(attempts), logging.Error(err))
	if r.dead == nil {
		return
	}
	letter := DeadLetter{
		Timestamp: time.Now().UTC(),
		Sink:      r.inner.Name(),
		Outcome:   o,
		Error:     err.Error(),
		Attempts:  attempts,
	}
	if err := r.dead.Write(letter); err != nil {
		r.logger.ErrorContext(ctx, "dead letter write failed", logging.RequestID(o.Request.ID), logging.Error(err))
	}
}

// Close stops accepting outcomes and waits for the queue to drain. If ctx
// ends first, backoff waits are abandoned and outcomes that still fail are
// dead-lettered.
func (r *Retrying) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
		r.stop()
		return nil
	case <-ctx.Done():
		r.stop()
		<-r.done
		return ctx.Err()
	}
}

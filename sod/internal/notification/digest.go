package notification

import (
	"context"
	"sync"
	"time"

	"github.com/seis-sod/sod-stack/common/logging"
	"github.com/seis-sod/sod-stack/common/models"
	"github.com/seis-sod/sod-stack/sod/internal/metrics"
)

// DigestConfig controls batching.
type DigestConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
	OnlyFailures  bool
}

// Digest collects outcomes and hands them to a Notifier in batches, either
// when BatchSize outcomes are pending or every FlushInterval. Send failures
// are logged and counted, never returned to the caller of Add.
type Digest struct {
	notifier Notifier
	cfg      DigestConfig
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	pending []models.PipelineOutcome
	full    chan struct{}
}

// NewDigest creates a digest. Call Run to start flushing.
func NewDigest(n Notifier, cfg DigestConfig, logger *logging.Logger, m *metrics.Metrics) *Digest {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 15 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Digest{
		notifier: n,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		full:     make(chan struct{}, 1),
	}
}

// Add queues one outcome. Delivered outcomes are dropped when OnlyFailures is set.
func (d *Digest) Add(o models.PipelineOutcome) {
	if d.cfg.OnlyFailures && o.Status == models.StatusDelivered {
		return
	}
	d.mu.Lock()
	d.pending = append(d.pending, o)
	n := len(d.pending)
	d.mu.Unlock()

	if n >= d.cfg.BatchSize {
		select {
		case d.full <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of queued outcomes.
func (d *Digest) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run flushes until ctx is done, then flushes whatever is left.
func (d *Digest) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Flush(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			d.Flush(ctx)
		case <-d.full:
			d.Flush(ctx)
		}
	}
}

// Flush sends pending outcomes in batches of at most BatchSize.
func (d *Digest) Flush(ctx context.Context) {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for len(pending) > 0 {
		n := min(len(pending), d.cfg.BatchSize)
		d.send(ctx, pending[:n])
		pending = pending[n:]
	}
}

func (d *Digest) send(ctx context.Context, batch []models.PipelineOutcome) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	err := d.notifier.Send(ctx, batch)
	d.metrics.Notification(err)
	if err != nil {
		d.logger.WarnContext(ctx, "notification failed",
			"notifier", d.notifier.Type(), "outcomes", len(batch), logging.Error(err))
		return
	}
	d.logger.DebugContext(ctx, "notification sent", "notifier", d.notifier.Type(), "outcomes", len(batch))
}

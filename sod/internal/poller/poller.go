// Package poller periodically asks the catalog for new candidates and feeds
// them to the orchestrator.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/seis-sod/sod-stack/common/logging"
	"github.com/seis-sod/sod-stack/common/models"
	"github.com/seis-sod/sod-stack/sod/internal/catalog"
	"github.com/seis-sod/sod-stack/sod/internal/metrics"
	"github.com/seis-sod/sod-stack/sod/internal/orchestrator"
)

// ErrCycleRunning is returned by Cycle when another cycle has not finished.
var ErrCycleRunning = errors.New("poll cycle already running")

// Processor runs one catalog pass. *orchestrator.Orchestrator implements it.
type Processor interface {
	ProcessCatalog(ctx context.Context, cat catalog.Catalog, window models.TimeWindow) (orchestrator.PassResult, error)
}

// Config sets the cadence. A non-empty Schedule (cron, seconds optional)
// takes precedence over Interval. Each cycle covers origins up to now-Delay,
// reaching back at most Lookback.
type Config struct {
	Interval time.Duration
	Schedule string
	Lookback time.Duration
	Delay    time.Duration
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Poller drives catalog passes.
type Poller struct {
	proc     Processor
	cat      catalog.Catalog
	cfg      Config
	schedule cron.Schedule
	logger   *logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	lastEnd time.Time
	cycles  int
}

// New validates cfg and creates a poller.
func New(proc Processor, cat catalog.Catalog, cfg Config, logger *logging.Logger, m *metrics.Metrics) (*Poller, error) {
	p := &Poller{
		proc:    proc,
		cat:     cat,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if cfg.Schedule != "" {
		sched, err := cronParser.Parse(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid poll schedule %q: %w", cfg.Schedule, err)
		}
		p.schedule = sched
	} else if cfg.Interval <= 0 {
		return nil, errors.New("poll interval must be positive when no schedule is set")
	}
	if cfg.Lookback <= 0 {
		return nil, errors.New("poll lookback must be positive")
	}
	return p, nil
}

// Window returns the origin-time window the next cycle covers. Consecutive
// cycles pick up where the last successful one ended.
func (p *Poller) Window() models.TimeWindow {
	end := p.now().Add(-p.cfg.Delay)
	start := end.Add(-p.cfg.Lookback)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastEnd.After(start) {
		start = p.lastEnd
	}
	return models.TimeWindow{Start: start, End: end}
}

// Cycles returns the number of completed cycles.
func (p *Poller) Cycles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycles
}

// Cycle runs one catalog pass. Overlapping calls are refused.
func (p *Poller) Cycle(ctx context.Context) (orchestrator.PassResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		return orchestrator.PassResult{}, ErrCycleRunning
	}
	defer p.running.Store(false)

	window := p.Window()
	if !window.Valid() {
		return orchestrator.PassResult{}, nil
	}
	runCtx := logging.ContextWithRunID(ctx, uuid.NewString())
	start := time.Now()
	p.logger.InfoContext(runCtx, "poll cycle started", logging.Window(window.Start, window.End))

	result, err := p.proc.ProcessCatalog(runCtx, p.cat, window)
	p.metrics.PollCycle(err)

	p.mu.Lock()
	p.cycles++
	if err == nil {
		p.lastEnd = window.End
	}
	p.mu.Unlock()

	attrs := []any{
		logging.Window(window.Start, window.End),
		logging.Duration(time.Since(start)),
		"candidates", result.Candidates,
	}
	for status, n := range result.Counts {
		attrs = append(attrs, status.Subject(), n)
	}
	if err != nil {
		p.logger.ErrorContext(runCtx, "poll cycle failed", append(attrs, logging.Error(err))...)
		return result, err
	}
	p.logger.InfoContext(runCtx, "poll cycle finished", attrs...)
	return result, nil
}

// Run polls until ctx is done. Cycle errors are logged and polling continues.
func (p *Poller) Run(ctx context.Context) error {
	if p.schedule != nil {
		return p.runCron(ctx)
	}

	p.logger.InfoContext(ctx, "poller starting", "interval", p.cfg.Interval.String())
	_, _ = p.Cycle(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = p.Cycle(ctx)
		}
	}
}

func (p *Poller) runCron(ctx context.Context) error {
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC))
	c.Schedule(p.schedule, cron.FuncJob(func() {
		if _, err := p.Cycle(ctx); errors.Is(err, ErrCycleRunning) {
			p.logger.WarnContext(ctx, "skipping poll: previous cycle still running")
		}
	}))
	p.logger.InfoContext(ctx, "poller starting", "schedule", p.cfg.Schedule)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Package app assembles a sod process from configuration: catalog,
// retrieval, codec, quality control, sinks, notifications, the
// orchestrator and its optional poller, bus intake and HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/seis-sod/sod-stack/common/database"
	"github.com/seis-sod/sod-stack/common/logging"
	"github.com/seis-sod/sod-stack/common/messaging"
	natsclient "github.com/seis-sod/sod-stack/common/messaging/nats"
	"github.com/seis-sod/sod-stack/common/models"
	"github.com/seis-sod/sod-stack/sod/internal/catalog"
	"github.com/seis-sod/sod-stack/sod/internal/codec"
	"github.com/seis-sod/sod-stack/sod/internal/config"
	"github.com/seis-sod/sod-stack/sod/internal/intake"
	"github.com/seis-sod/sod-stack/sod/internal/metrics"
	"github.com/seis-sod/sod-stack/sod/internal/notification"
	"github.com/seis-sod/sod-stack/sod/internal/orchestrator"
	"github.com/seis-sod/sod-stack/sod/internal/poller"
	"github.com/seis-sod/sod-stack/sod/internal/qc"
	"github.com/seis-sod/sod-stack/sod/internal/request"
	"github.com/seis-sod/sod-stack/sod/internal/retrieval"
	"github.com/seis-sod/sod-stack/sod/internal/server"
	"github.com/seis-sod/sod-stack/sod/internal/sink"
)

// App owns every long-lived component of one sod process.
type App struct {
	cfg      *config.Config
	logger   *logging.Logger
	version  string
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	catalog catalog.Catalog
	orch    *orchestrator.Orchestrator
	digest  *notification.Digest

	pool   *pgxpool.Pool
	redis  *redis.Client
	bus    *natsclient.JetStreamClient
	search *sink.OpenSearch
	queues []*sink.Retrying
}

// Option overrides a dependency, mainly for tests.
type Option func(*options)

type options struct {
	transport retrieval.Transport
	catalog   catalog.Catalog
}

// WithTransport replaces the FDSN dataselect transport.
func WithTransport(t retrieval.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithCatalog replaces the configured catalog.
func WithCatalog(c catalog.Catalog) Option {
	return func(o *options) { o.catalog = c }
}

// New connects the backing services the configuration enables and builds
// the pipeline. Close releases everything New opened.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, version string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a := &App{cfg: cfg, logger: logger, version: version, registry: reg, metrics: metrics.New(reg)}
	if err := a.build(ctx, o); err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) (err error) {
	cfg, logger := a.cfg, a.logger
	if err := a.connect(ctx, o.catalog == nil); err != nil {
		return err
	}

	a.catalog = o.catalog
	if a.catalog == nil {
		if a.catalog, err = a.buildCatalog(); err != nil {
			return err
		}
	}

	fetcher, err := a.buildRetrieval(o.transport)
	if err != nil {
		return err
	}

	var store qc.WindowStore
	if cfg.QC.Duplicate.Backend == "redis" {
		if a.redis == nil {
			return errors.New("qc.duplicate.backend=redis requires redis.enabled")
		}
		store = qc.NewRedisWindowStore(a.redis, cfg.QC.Duplicate.TTL)
	}
	chain, err := qc.Build(cfg.QC, store)
	if err != nil {
		return err
	}

	out, names, err := a.buildSinks(ctx)
	if err != nil {
		return err
	}

	orchOpts := []orchestrator.Option{orchestrator.WithMetrics(a.metrics), orchestrator.WithLogger(logger)}
	if cfg.Notify.Enabled {
		a.digest = notification.NewDigest(a.buildNotifier(), notification.DigestConfig{
			BatchSize:     cfg.Notify.BatchSize,
			FlushInterval: cfg.Notify.FlushInterval,
			Timeout:       cfg.Notify.Timeout,
			OnlyFailures:  cfg.Notify.OnlyFailures,
		}, logger, a.metrics)
		orchOpts = append(orchOpts, orchestrator.WithListener(a.digest))
	}

	builder := request.NewBuilder(request.WindowPolicy{Lead: cfg.Window.Lead, Lag: cfg.Window.Lag})
	a.orch = orchestrator.New(orchestrator.Config{
		Concurrency:       cfg.Orchestrator.Concurrency,
		DecodeConcurrency: cfg.Orchestrator.DecodeConcurrency,
	}, builder, fetcher, codec.NewMiniSEED(), chain, out, orchOpts...)

	logger.Info("pipeline assembled",
		"catalog", cfg.Catalog.Type,
		"sinks", names,
		"qc_checks", cfg.QC.Checks,
		"concurrency", cfg.Orchestrator.Concurrency,
		"notify", cfg.Notify.Enabled,
	)
	return nil
}

func (a *App) connect(ctx context.Context, needCatalog bool) error {
	cfg := a.cfg
	if cfg.Sinks.Postgres || (needCatalog && cfg.Catalog.Type == "postgres") {
		pool, err := database.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		a.pool = pool
	}

	if cfg.Redis.Enabled {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis URL: %w", err)
		}
		a.redis = redis.NewClient(opt)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	if cfg.Sinks.NATS || cfg.NATS.Intake {
		ncfg := natsclient.DefaultConfig()
		ncfg.URL = cfg.NATS.URL
		ncfg.Username = cfg.NATS.Username
		ncfg.Password = cfg.NATS.Password
		ncfg.Token = cfg.NATS.Token
		ncfg.Logger = a.logger
		bus, err := natsclient.NewJetStreamClient(ncfg)
		if err != nil {
			return err
		}
		a.bus = bus
		if cfg.Sinks.NATS {
			if _, err := bus.CreateOrUpdateStream(ctx, natsclient.OutcomesStream); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *App) buildCatalog() (catalog.Catalog, error) {
	cfg := a.cfg.Catalog
	switch cfg.Type {
	case "fdsn", "":
		return catalog.NewFDSNCatalog(catalog.FDSNOptions{
			EventURL:     cfg.EventURL,
			StationURL:   cfg.StationURL,
			MinMagnitude: cfg.MinMagnitude,
			Networks:     cfg.Networks,
			Stations:     cfg.Stations,
			Channels:     cfg.Channels,
			Timeout:      cfg.Timeout,
		})
	case "static":
		return catalog.LoadStaticCatalog(cfg.StaticPath)
	case "postgres":
		return catalog.NewPostgresCatalog(a.pool), nil
	default:
		return nil, fmt.Errorf("unknown catalog type %q (supported: fdsn, static, postgres)", cfg.Type)
	}
}

func (a *App) buildRetrieval(transport retrieval.Transport) (*retrieval.Client, error) {
	cfg := a.cfg.Retrieval
	if transport == nil {
		t, err := retrieval.NewFDSNTransport(cfg.DataselectURL, cfg.UserAgent)
		if err != nil {
			return nil, err
		}
		transport = t
	}

	opts := []retrieval.Option{retrieval.WithMetrics(a.metrics), retrieval.WithLogger(a.logger)}
	switch {
	case cfg.RateLimitEnabled && a.redis != nil:
		limiter, err := retrieval.NewRedisRateLimiter(a.redis, cfg.RateLimitRequests, cfg.RateLimitWindow)
		if err != nil {
			return nil, err
		}
		opts = append(opts, retrieval.WithRateLimiter(limiter))
		a.logger.Info("retrieval rate limiting enabled",
			"requests", cfg.RateLimitRequests, "window", cfg.RateLimitWindow.String())
	case cfg.RateLimitEnabled:
		a.logger.Warn("retrieval rate limiting needs redis; continuing without it")
	}

	return retrieval.NewClient(transport, retrieval.Config{
		MaxRetries:     cfg.MaxRetries,
		BackoffBase:    cfg.BackoffBase,
		BackoffCap:     cfg.BackoffCap,
		AttemptTimeout: cfg.AttemptTimeout,
	}, opts...), nil
}

// buildSinks fans out to every enabled sink. Everything except the log sink
// sits behind a retrying queue that dead-letters what it cannot deliver.
func (a *App) buildSinks(ctx context.Context) (sink.Sink, []string, error) {
	cfg := a.cfg.Sinks
	dead, err := sink.NewDeadLetterDir(cfg.Retry.DeadLetterDir)
	if err != nil {
		return nil, nil, err
	}
	retry := sink.RetryConfig{
		MaxRetries: cfg.Retry.MaxRetries,
		Base:       cfg.Retry.Base,
		Cap:        cfg.Retry.Cap,
		QueueSize:  cfg.Retry.QueueSize,
	}
	queue := func(s sink.Sink) sink.Sink {
		r := sink.NewRetrying(s, retry, dead, a.logger, a.metrics)
		a.queues = append(a.queues, r)
		return r
	}

	var sinks []sink.Sink
	if cfg.Log {
		sinks = append(sinks, sink.NewLog(a.logger))
	}
	if cfg.Postgres {
		sinks = append(sinks, queue(sink.NewPostgres(a.pool)))
	}
	if cfg.NATS {
		sinks = append(sinks, queue(sink.NewNATS(a.bus)))
	}
	if cfg.OpenSearch {
		osc := a.cfg.OpenSearch
		search, err := sink.NewOpenSearch(sink.OpenSearchConfig{
			URL:           osc.URL,
			Username:      osc.Username,
			Password:      osc.Password,
			TLSSkipVerify: osc.TLSSkipVerify,
			IndexPrefix:   osc.IndexPrefix,
			FlushInterval: osc.FlushInterval,
		}, dead, a.logger, a.metrics)
		if err != nil {
			return nil, nil, err
		}
		a.search = search
		if err := search.EnsureTemplate(ctx); err != nil {
			a.logger.WarnContext(ctx, "opensearch index template not installed", logging.Error(err))
		}
		sinks = append(sinks, queue(search))
	}
	if cfg.SAC.Enabled {
		sac, err := sink.NewSAC(cfg.SAC.Dir)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, queue(sac))
	}
	if len(sinks) == 0 {
		return nil, nil, errors.New("no outcome sinks enabled")
	}
	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	return sink.NewMulti(sinks...), names, nil
}

func (a *App) buildNotifier() notification.Notifier {
	cfg := a.cfg.Notify
	var channels []notification.Notifier
	if cfg.Log {
		channels = append(channels, notification.NewLogChannel(a.logger))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, notification.NewWebhookChannel(cfg.WebhookURL, cfg.Timeout))
	}
	if cfg.SlackURL != "" {
		channels = append(channels, notification.NewSlackChannel(cfg.SlackURL, cfg.Timeout))
	}
	if cfg.Email.Enabled {
		channels = append(channels, notification.NewEmailChannel(notification.EmailConfig{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			To:       cfg.Email.To,
			Subject:  cfg.Email.Subject,
			Limit:    cfg.Email.Limit,
		}))
	}
	return notification.NewMultiChannel(channels...)
}

// Orchestrator exposes the pipeline for direct submissions.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Registry is the Prometheus registry every collector is registered on.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Handler builds the HTTP API.
func (a *App) Handler() http.Handler {
	var bus messaging.Client
	if a.bus != nil {
		bus = a.bus
	}
	h := server.NewHandler(a.orch, bus, a.version, a.logger)
	return server.NewRouter(h, a.registry, a.cfg.Server.CORSOrigins, a.logger)
}

// Once runs a single catalog pass over window and waits for every outcome.
func (a *App) Once(ctx context.Context, window models.TimeWindow) (orchestrator.PassResult, error) {
	ctx = logging.ContextWithRunID(ctx, uuid.NewString())
	return a.orch.ProcessCatalog(ctx, a.catalog, window)
}

// Run serves until ctx is cancelled: the catalog poller, the notification
// digest, the bus intake and the HTTP API, as configured.
func (a *App) Run(ctx context.Context) error {
	p, err := poller.New(a.orch, a.catalog, poller.Config{
		Interval: a.cfg.Poller.Interval,
		Schedule: a.cfg.Poller.Schedule,
		Lookback: a.cfg.Poller.Lookback,
		Delay:    a.cfg.Poller.Delay,
	}, a.logger, a.metrics)
	if err != nil {
		return err
	}

	var in *intake.Intake
	if a.cfg.NATS.Intake {
		in = intake.New(a.bus, a.bus, a.orch, a.logger)
		if err := in.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })

	if a.digest != nil {
		g.Go(func() error {
			a.digest.Run(gctx)
			return nil
		})
	}

	if in != nil {
		g.Go(func() error {
			<-gctx.Done()
			return in.Stop()
		})
	}

	if a.cfg.Server.Enabled {
		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:      a.Handler(),
			ReadTimeout:  a.cfg.Server.ReadTimeout,
			WriteTimeout: a.cfg.Server.WriteTimeout,
			IdleTimeout:  a.cfg.Server.IdleTimeout,
		}
		g.Go(func() error {
			a.logger.Info("http api listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Close stops the orchestrator, drains sink queues and closes connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.orch != nil {
		if err := a.orch.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator: %w", err))
		}
	}
	if a.digest != nil {
		a.digest.Flush(ctx)
	}
	for _, q := range a.queues {
		if err := q.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", q.Name(), err))
		}
	}
	if a.search != nil {
		if err := a.search.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("opensearch: %w", err))
		}
	}
	if a.bus != nil {
		if err := a.bus.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("nats: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}

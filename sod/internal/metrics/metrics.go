// Package metrics holds the process-scoped counters of a sod instance.
//
// A Metrics value is created once at startup and passed to every component
// that reports on itself. Counters are reset only by creating a new value.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seis-sod/sod-stack/common/models"
)

// Metrics combines cheap atomic counters (for the stats endpoint) with
// Prometheus collectors registered on an injected registry.
type Metrics struct {
	startedAt time.Time

	issued    atomic.Uint64
	delivered atomic.Uint64
	rejected  atomic.Uint64
	failed    atomic.Uint64
	inFlight  atomic.Int64

	RequestsIssued     prometheus.Counter
	Outcomes           *prometheus.CounterVec
	InFlight           prometheus.Gauge
	RetrievalAttempts  *prometheus.CounterVec
	RetrievalDuration  prometheus.Histogram
	DedupHits          prometheus.Counter
	RateLimitHits      *prometheus.CounterVec
	DecodeDuration     prometheus.Histogram
	QCVerdicts         *prometheus.CounterVec
	SinkWrites         *prometheus.CounterVec
	SinkErrors         *prometheus.CounterVec
	SinkQueueDepth     prometheus.Gauge
	NotificationsSent  prometheus.Counter
	NotificationErrors prometheus.Counter
	CatalogCandidates  prometheus.Counter
	PollCycles         *prometheus.CounterVec
}

// New creates a Metrics value and registers its collectors on reg.
// A nil reg leaves the collectors unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		startedAt: time.Now().UTC(),
		RequestsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sod_requests_issued_total",
			Help: "Total number of retrieval requests admitted to the pipeline",
		}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sod_outcomes_total",
			Help: "Total number of terminal pipeline outcomes",
		}, []string{"status"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sod_requests_in_flight",
			Help: "Retrieval requests currently between admission and outcome",
		}),
		RetrievalAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sod_retrieval_attempts_total",
			Help: "Transport attempts by result",
		}, []string{"result"}),
		RetrievalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sod_retrieval_duration_seconds",
			Help:    "Duration of single transport attempts in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sod_retrieval_dedup_hits_total",
			Help: "Fetches that attached to an identical in-flight fetch",
		}),
		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sod_retrieval_rate_limit_hits_total",
			Help: "Attempts denied by the datacenter rate limiter",
		}, []string{"host"}),
		DecodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sod_decode_duration_seconds",
			Help:    "Duration of waveform decoding in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		QCVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sod_qc_verdicts_total",
			Help: "Quality-control verdicts by check and verdict",
		}, []string{"check", "verdict"}),
		SinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sod_sink_writes_total",
			Help: "Outcomes persisted per sink",
		}, []string{"sink"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sod_sink_errors_total",
			Help: "Failed persistence attempts per sink",
		}, []string{"sink"}),
		SinkQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sod_sink_queue_depth",
			Help: "Outcomes waiting to be persisted",
		}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sod_notifications_sent_total",
			Help: "Notification digests delivered",
		}),
		NotificationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sod_notification_errors_total",
			Help: "Notification digests that could not be delivered",
		}),
		CatalogCandidates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sod_catalog_candidates_total",
			Help: "Event/channel pairs read from the catalog",
		}),
		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sod_poll_cycles_total",
			Help: "Catalog polling cycles by result",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RequestsIssued, m.Outcomes, m.InFlight,
			m.RetrievalAttempts, m.RetrievalDuration, m.DedupHits, m.RateLimitHits,
			m.DecodeDuration, m.QCVerdicts,
			m.SinkWrites, m.SinkErrors, m.SinkQueueDepth,
			m.NotificationsSent, m.NotificationErrors,
			m.CatalogCandidates, m.PollCycles,
		)
	}
	return m
}

// RequestIssued records the admission of a request.
func (m *Metrics) RequestIssued() {
	if m == nil {
		return
	}
	m.issued.Add(1)
	m.inFlight.Add(1)
	m.RequestsIssued.Inc()
	m.InFlight.Inc()
}

// OutcomeRecorded records a terminal outcome. It must be called exactly once per issued request.
func (m *Metrics) OutcomeRecorded(status models.Status) {
	if m == nil {
		return
	}
	switch status {
	case models.StatusDelivered:
		m.delivered.Add(1)
	case models.StatusRejected:
		m.rejected.Add(1)
	default:
		m.failed.Add(1)
	}
	m.inFlight.Add(-1)
	m.InFlight.Dec()
	m.Outcomes.WithLabelValues(status.Subject()).Inc()
}

// Attempt records one transport attempt.
func (m *Metrics) Attempt(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.RetrievalAttempts.WithLabelValues(result).Inc()
	m.RetrievalDuration.Observe(d.Seconds())
}

// DedupHit records a fetch that joined an in-flight call.
func (m *Metrics) DedupHit() {
	if m == nil {
		return
	}
	m.DedupHits.Inc()
}

// RateLimited records a denied attempt against host.
func (m *Metrics) RateLimited(host string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(host).Inc()
}

// Decoded records the duration of one decode.
func (m *Metrics) Decoded(d time.Duration) {
	if m == nil {
		return
	}
	m.DecodeDuration.Observe(d.Seconds())
}

// Verdict records one QC verdict.
func (m *Metrics) Verdict(v models.QCVerdict) {
	if m == nil {
		return
	}
	m.QCVerdicts.WithLabelValues(v.Check, v.Verdict.String()).Inc()
}

// SinkWrite records a persistence attempt for sink.
func (m *Metrics) SinkWrite(sink string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SinkErrors.WithLabelValues(sink).Inc()
		return
	}
	m.SinkWrites.WithLabelValues(sink).Inc()
}

// SinkQueue reports the current sink queue depth.
func (m *Metrics) SinkQueue(depth int) {
	if m == nil {
		return
	}
	m.SinkQueueDepth.Set(float64(depth))
}

// Notification records a digest delivery.
func (m *Metrics) Notification(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.NotificationErrors.Inc()
		return
	}
	m.NotificationsSent.Inc()
}

// Candidate records one catalog candidate.
func (m *Metrics) Candidate() {
	if m == nil {
		return
	}
	m.CatalogCandidates.Inc()
}

// PollCycle records a finished polling cycle.
func (m *Metrics) PollCycle(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PollCycles.WithLabelValues(result).Inc()
}

// Stats is a snapshot of the process-wide pipeline counters.
type Stats struct {
	UptimeSeconds int64  `json:"uptime_seconds"`
	Issued        uint64 `json:"issued"`
	Delivered     uint64 `json:"delivered"`
	Rejected      uint64 `json:"rejected"`
	Failed        uint64 `json:"failed"`
	InFlight      int64  `json:"in_flight"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		UptimeSeconds: int64(time.Since(m.startedAt).Seconds()),
		Issued:        m.issued.Load(),
		Delivered:     m.delivered.Load(),
		Rejected:      m.rejected.Load(),
		Failed:        m.failed.Load(),
		InFlight:      m.inFlight.Load(),
	}
}

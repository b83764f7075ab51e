package sink

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/seis-sod/sod-stack/common/logging"
	"github.com/seis-sod/sod-stack/common/models"
	"github.com/seis-sod/sod-stack/sod/internal/metrics"
)

// OpenSearchConfig holds connection and index settings.
type OpenSearchConfig struct {
	URL           string
	Username      string
	Password      string
	TLSSkipVerify bool
	IndexPrefix   string
	FlushInterval time.Duration
}

// outcomeDoc is the indexed form of an outcome.
type outcomeDoc struct {
	Timestamp   time.Time          `json:"@timestamp"`
	RequestID   string             `json:"request_id"`
	EventID     string             `json:"event_id"`
	Magnitude   float64            `json:"magnitude"`
	ChannelID   string             `json:"channel_id"`
	Network     string             `json:"network"`
	Station     string             `json:"station"`
	WindowStart time.Time          `json:"window_start"`
	WindowEnd   time.Time          `json:"window_end"`
	Status      models.Status      `json:"status"`
	Stage       models.Stage       `json:"stage"`
	Reason      string             `json:"reason,omitempty"`
	Attempts    int                `json:"attempts"`
	SampleCount int                `json:"sample_count,omitempty"`
	SampleRate  float64            `json:"sample_rate,omitempty"`
	Verdicts    []models.QCVerdict `json:"verdicts,omitempty"`
}

// OpenSearch bulk-indexes outcomes into monthly indices named
// <prefix>-YYYY.MM, keyed by request id. Writes are asynchronous: Persist
// queues the document and item failures are dead-lettered.
type OpenSearch struct {
	client  *opensearch.Client
	bulk    opensearchutil.BulkIndexer
	prefix  string
	dead    *DeadLetterDir
	logger  *logging.Logger
	metrics *metrics.Metrics
	failed  atomic.Int64
}

// NewOpenSearch connects and starts the bulk indexer.
func NewOpenSearch(cfg OpenSearchConfig, dead *DeadLetterDir, logger *logging.Logger, m *metrics.Metrics) (*OpenSearch, error) {
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = "sod-outcomes"
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	s := &OpenSearch{client: client, prefix: cfg.IndexPrefix, dead: dead, logger: logger, metrics: m}
	s.bulk, err = opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:        client,
		NumWorkers:    1,
		FlushInterval: cfg.FlushInterval,
		OnError: func(ctx context.Context, err error) {
			logger.ErrorContext(ctx, "opensearch bulk request failed", logging.Error(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bulk indexer: %w", err)
	}
	return s, nil
}

func (s *OpenSearch) Name() string {
	return "opensearch"
}

// IndexName returns the index an outcome completed at t is written to.
func (s *OpenSearch) IndexName(t time.Time) string {
	return s.prefix + "-" + t.UTC().Format("2006.01")
}

// EnsureTemplate installs the index template for outcome indices.
func (s *OpenSearch) EnsureTemplate(ctx context.Context) error {
	template := map[string]any{
		"index_patterns": []string{s.prefix + "-*"},
		"template": map[string]any{
			"settings": map[string]any{
				"number_of_shards":   1,
				"number_of_replicas": 0,
			},
			"mappings": map[string]any{
				"properties": map[string]any{
					"@timestamp":   map[string]any{"type": "date"},
					"window_start": map[string]any{"type": "date"},
					"window_end":   map[string]any{"type": "date"},
					"request_id":   map[string]any{"type": "keyword"},
					"event_id":     map[string]any{"type": "keyword"},
					"channel_id":   map[string]any{"type": "keyword"},
					"network":      map[string]any{"type": "keyword"},
					"station":      map[string]any{"type": "keyword"},
					"status":       map[string]any{"type": "keyword"},
					"stage":        map[string]any{"type": "keyword"},
					"reason":       map[string]any{"type": "text"},
					"magnitude":    map[string]any{"type": "float"},
					"attempts":     map[string]any{"type": "integer"},
					"sample_count": map[string]any{"type": "integer"},
					"sample_rate":  map[string]any{"type": "float"},
					"verdicts": map[string]any{
						"type": "nested",
						"properties": map[string]any{
							"check":   map[string]any{"type": "keyword"},
							"verdict": map[string]any{"type": "keyword"},
							"reason":  map[string]any{"type": "text"},
						},
					},
				},
			},
		},
		"priority": 100,
	}
	body, err := json.Marshal(template)
	if err != nil {
		return err
	}

	res, err := s.client.Indices.PutIndexTemplate(s.prefix+"-template", bytes.NewReader(body),
		s.client.Indices.PutIndexTemplate.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("put index template: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return fmt.Errorf("put index template: %s - %s", res.Status(), strings.TrimSpace(string(msg)))
	}
	return nil
}

func (s *OpenSearch) Persist(ctx context.Context, o models.PipelineOutcome) error {
	doc := outcomeDoc{
		Timestamp:   o.CompletedAt,
		RequestID:   o.Request.ID,
		EventID:     o.Request.Event.ID,
		Magnitude:   o.Request.Event.Magnitude,
		ChannelID:   o.Request.Channel.ID(),
		Network:     o.Request.Channel.Network,
		Station:     o.Request.Channel.Station,
		WindowStart: o.Request.Window.Start,
		WindowEnd:   o.Request.Window.End,
		Status:      o.Status,
		Stage:       o.Stage,
		Reason:      o.Reason,
		Attempts:    o.Attempts,
		Verdicts:    o.Verdicts,
	}
	if o.Segment != nil {
		doc.SampleCount = len(o.Segment.Samples)
		doc.SampleRate = o.Segment.SampleRate
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	return s.bulk.Add(ctx, opensearchutil.BulkIndexerItem{
		Action:     "index",
		Index:      s.IndexName(o.CompletedAt),
		DocumentID: o.Request.ID,
		Body:       bytes.NewReader(data),
		OnFailure: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
			s.failed.Add(1)
			if err == nil {
				err = fmt.Errorf("%s: %s", res.Error.Type, res.Error.Reason)
			}
			s.metrics.SinkWrite(s.Name(), err)
			s.logger.ErrorContext(ctx, "opensearch index failed", logging.RequestID(o.Request.ID), logging.Error(err))
			if s.dead != nil {
				if werr := s.dead.Write(DeadLetter{
					Timestamp: time.Now().UTC(), Sink: s.Name(), Outcome: o, Error: err.Error(), Attempts: 1,
				}); werr != nil {
					s.logger.ErrorContext(ctx, "dead letter write failed", logging.Error(werr))
				}
			}
		},
	})
}

// Failed returns the number of documents OpenSearch rejected.
func (s *OpenSearch) Failed() int64 {
	return s.failed.Load()
}

// Close flushes pending documents.
func (s *OpenSearch) Close(ctx context.Context) error {
	return s.bulk.Close(ctx)
}

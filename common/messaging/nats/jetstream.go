package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/seis-sod/sod-stack/common/messaging"
)

// StreamConfig is the subset of jetstream.StreamConfig that sod sets.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	MaxBytes int64

	// Duplicates is the window in which a repeated Nats-Msg-Id is dropped.
	Duplicates time.Duration
}

func (s StreamConfig) jetstream() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       s.Name,
		Subjects:   s.Subjects,
		MaxAge:     s.MaxAge,
		MaxBytes:   s.MaxBytes,
		Duplicates: s.Duplicates,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
	}
}

// OutcomesStream retains every terminal outcome for a week so archivers and
// dashboards can replay them. The duplicate window covers sink retries.
var OutcomesStream = StreamConfig{
	Name:       "SOD_OUTCOMES",
	Subjects:   []string{messaging.SubjectOutcomesAll},
	MaxAge:     7 * 24 * time.Hour,
	MaxBytes:   1 << 30,
	Duplicates: 10 * time.Minute,
}

// JetStreamClient is a Client that can also publish with stream acks.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// NewJetStreamClient dials like NewClient and opens a JetStream context.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(client.conn)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to open JetStream: %w", err)
	}
	return &JetStreamClient{Client: client, js: js}, nil
}

// CreateOrUpdateStream makes sure the stream exists with cfg applied.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, cfg.jetstream())
	if err != nil {
		return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.Name, err)
	}
	c.logger.Info("stream ready", "stream", cfg.Name, "subjects", cfg.Subjects)
	return stream, nil
}

// PublishSync publishes and blocks until the stream acknowledges.
func (c *JetStreamClient) PublishSync(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	return c.js.Publish(ctx, subject, data, opts...)
}

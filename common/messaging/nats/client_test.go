package nats

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seis-sod/sod-stack/common/messaging"
)

func TestMessageConversion(t *testing.T) {
	in := &messaging.Message{
		Subject:  messaging.SubjectRequestsSubmit,
		Data:     []byte(`{"event":{"id":"E1"}}`),
		Reply:    "_INBOX.abc",
		Metadata: map[string]string{"Nats-Msg-Id": "req-1"},
	}

	msg := toNATS(in)
	assert.Equal(t, in.Subject, msg.Subject)
	assert.Equal(t, in.Reply, msg.Reply)
	assert.Equal(t, "req-1", msg.Header.Get("Nats-Msg-Id"))

	before := time.Now().UTC()
	out := fromNATS(msg)
	assert.Equal(t, in.Data, out.Data)
	assert.Equal(t, in.Metadata, out.Metadata)
	assert.False(t, out.Timestamp.Before(before))
}

func TestFromNATS_NoHeaders(t *testing.T) {
	out := fromNATS(&nats.Msg{Subject: "sod.outcomes.delivered", Data: []byte("x")})
	assert.Nil(t, out.Metadata)
	assert.Equal(t, "sod.outcomes.delivered", out.Subject)
}

func TestOutcomesStream(t *testing.T) {
	cfg := OutcomesStream.jetstream()
	require.Equal(t, []string{"sod.outcomes.>"}, cfg.Subjects)
	assert.Equal(t, "SOD_OUTCOMES", cfg.Name)
	assert.Equal(t, jetstream.LimitsPolicy, cfg.Retention)
	assert.Equal(t, jetstream.FileStorage, cfg.Storage)
	assert.Positive(t, cfg.Duplicates)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, -1, cfg.MaxReconnects)
	assert.NotEmpty(t, cfg.options(nil))
}

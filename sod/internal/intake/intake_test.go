package intake

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seis-sod/sod-stack/common/logging"
	"github.com/seis-sod/sod-stack/common/messaging"
	"github.com/seis-sod/sod-stack/common/models"
)

type fakeBus struct {
	subject, queue string
	handler        messaging.MessageHandler
	published      map[string][]byte
	unsubscribed   bool
}

func (b *fakeBus) Subscribe(string, messaging.MessageHandler) (messaging.Subscription, error) {
	return nil, errors.New("not used")
}

func (b *fakeBus) QueueSubscribe(subject, queue string, h messaging.MessageHandler) (messaging.Subscription, error) {
	b.subject, b.queue, b.handler = subject, queue, h
	return &fakeSub{bus: b}, nil
}

func (b *fakeBus) Publish(_ context.Context, subject string, data []byte) error {
	if b.published == nil {
		b.published = make(map[string][]byte)
	}
	b.published[subject] = data
	return nil
}

func (b *fakeBus) PublishMsg(context.Context, *messaging.Message) error { return nil }

func (b *fakeBus) Request(context.Context, string, []byte, time.Duration) (*messaging.Message, error) {
	return nil, errors.New("not used")
}

func (b *fakeBus) Close() error { return nil }

type fakeSub struct{ bus *fakeBus }

func (s *fakeSub) Unsubscribe() error { s.bus.unsubscribed = true; return nil }
func (s *fakeSub) Subject() string    { return s.bus.subject }
func (s *fakeSub) IsValid() bool      { return !s.bus.unsubscribed }

type fakeSubmitter struct {
	windows []*models.TimeWindow
	err     error
}

func (f *fakeSubmitter) SubmitCandidate(context.Context, models.Event, models.StationChannel) (string, error) {
	f.windows = append(f.windows, nil)
	return "req-policy", f.err
}

func (f *fakeSubmitter) SubmitWindow(_ context.Context, _ models.Event, _ models.StationChannel, w models.TimeWindow) (string, error) {
	f.windows = append(f.windows, &w)
	return "req-window", f.err
}

const validSubmission = `{
	"event": {"id": "us7000abcd", "origin_time": "2024-03-01T10:00:00Z", "magnitude": 6.4},
	"channel": {"network": "IU", "station": "ANMO", "location": "00", "channel": "BHZ"}
}`

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{"valid", validSubmission, ""},
		{"not json", `{`, "invalid submission"},
		{"missing event id", `{"event":{"origin_time":"2024-03-01T10:00:00Z"},"channel":{"network":"IU","station":"ANMO","channel":"BHZ"}}`, "event.id"},
		{"missing origin", `{"event":{"id":"x"},"channel":{"network":"IU","station":"ANMO","channel":"BHZ"}}`, "origin_time"},
		{"missing station", `{"event":{"id":"x","origin_time":"2024-03-01T10:00:00Z"},"channel":{"network":"IU","channel":"BHZ"}}`, "channel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidSubmission)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestIntake_SubscribesToQueueGroup(t *testing.T) {
	bus := &fakeBus{}
	in := New(bus, bus, &fakeSubmitter{}, logging.Discard())
	require.NoError(t, in.Start())
	assert.Equal(t, messaging.SubjectRequestsSubmit, bus.subject)
	assert.Equal(t, messaging.QueueSodWorkers, bus.queue)

	require.NoError(t, in.Stop())
	assert.True(t, bus.unsubscribed)
}

func TestIntake_HandleReplies(t *testing.T) {
	bus := &fakeBus{}
	sub := &fakeSubmitter{}
	in := New(bus, bus, sub, logging.Discard())
	require.NoError(t, in.Start())

	err := bus.handler(context.Background(), &messaging.Message{
		Subject: messaging.SubjectRequestsSubmit, Data: []byte(validSubmission), Reply: "_INBOX.1",
	})
	require.NoError(t, err)

	var reply Reply
	require.NoError(t, json.Unmarshal(bus.published["_INBOX.1"], &reply))
	assert.Equal(t, "req-policy", reply.RequestID)
	assert.Empty(t, reply.Error)
	require.Len(t, sub.windows, 1)
	assert.Nil(t, sub.windows[0])
}

func TestIntake_HandleExplicitWindow(t *testing.T) {
	bus := &fakeBus{}
	sub := &fakeSubmitter{}
	in := New(bus, nil, sub, logging.Discard())
	require.NoError(t, in.Start())

	payload := `{"event":{"id":"x","origin_time":"2024-03-01T10:00:00Z"},
		"channel":{"network":"IU","station":"ANMO","channel":"BHZ"},
		"window":{"start":"2024-03-01T10:00:00Z","end":"2024-03-01T10:30:00Z"}}`
	require.NoError(t, bus.handler(context.Background(), &messaging.Message{Data: []byte(payload), Reply: "_INBOX.2"}))

	require.Len(t, sub.windows, 1)
	require.NotNil(t, sub.windows[0])
	assert.Equal(t, 30*time.Minute, sub.windows[0].Duration())
	assert.Empty(t, bus.published, "no reply publisher configured")
}

func TestIntake_HandleErrors(t *testing.T) {
	bus := &fakeBus{}
	in := New(bus, bus, &fakeSubmitter{err: errors.New("orchestrator shut down")}, logging.Discard())
	require.NoError(t, in.Start())

	err := bus.handler(context.Background(), &messaging.Message{Data: []byte(`{}`), Reply: "_INBOX.3"})
	assert.ErrorIs(t, err, ErrInvalidSubmission)
	var reply Reply
	require.NoError(t, json.Unmarshal(bus.published["_INBOX.3"], &reply))
	assert.Contains(t, reply.Error, "event.id")

	err = bus.handler(context.Background(), &messaging.Message{Data: []byte(validSubmission)})
	assert.ErrorContains(t, err, "shut down")
}

package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seis-sod/sod-stack/common/logging"
	"github.com/seis-sod/sod-stack/common/models"
)

func outcome(id string, status models.Status) models.PipelineOutcome {
	start := time.Date(2024, 3, 1, 9, 58, 0, 0, time.UTC)
	return models.PipelineOutcome{
		Request: models.RetrievalRequest{
			ID:      id,
			Event:   models.Event{ID: "E1"},
			Channel: models.StationChannel{Network: "IU", Station: "ANMO", Location: "00", Channel: "BHZ"},
			Window:  models.TimeWindow{Start: start, End: start.Add(32 * time.Minute)},
		},
		Status:   status,
		Stage:    models.StageRetrieve,
		Attempts: 1,
	}
}

func batch() []models.PipelineOutcome {
	return []models.PipelineOutcome{
		outcome("r1", models.StatusDelivered),
		outcome("r2", models.StatusDelivered),
		outcome("r3", models.StatusRetrievalFailed),
	}
}

func TestHeadline(t *testing.T) {
	assert.Equal(t, "3 outcomes: 2 DELIVERED, 1 RETRIEVAL_FAILED", Headline(batch()))
	assert.Equal(t, "0 outcomes: ", Headline(nil))
}

func TestWebhookChannel_PayloadStructure(t *testing.T) {
	var receivedPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &receivedPayload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel := NewWebhookChannel(server.URL, 5*time.Second)
	require.NoError(t, channel.Send(context.Background(), batch()))
	require.NotNil(t, receivedPayload)

	assert.Equal(t, float64(3), receivedPayload["total"])
	counts := receivedPayload["counts"].(map[string]any)
	assert.Equal(t, float64(2), counts["DELIVERED"])
	outcomes := receivedPayload["outcomes"].([]any)
	require.Len(t, outcomes, 3)
	first := outcomes[0].(map[string]any)
	assert.Equal(t, "r1", first["request_id"])
	assert.Equal(t, "IU.ANMO.00.BHZ", first["channel_id"])
	assert.NotEmpty(t, receivedPayload["timestamp"])
}

func TestWebhookChannel_ErrorHandling(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		expectError    bool
	}{
		{"200 OK", http.StatusOK, false},
		{"204 No Content", http.StatusNoContent, false},
		{"400 Bad Request", http.StatusBadRequest, true},
		{"500 Internal Server Error", http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.serverResponse)
			}))
			defer server.Close()

			err := NewWebhookChannel(server.URL, 5*time.Second).Send(context.Background(), batch())
			if tt.expectError {
				assert.ErrorContains(t, err, "webhook returned status")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWebhookChannel_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := NewWebhookChannel(server.URL, 50*time.Millisecond).Send(context.Background(), batch())
	assert.ErrorContains(t, err, "send webhook")
}

func TestSlackChannel_Payload(t *testing.T) {
	var receivedPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &receivedPayload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel := NewSlackChannel(server.URL, 5*time.Second)
	channel.MaxLines = 2
	require.NoError(t, channel.Send(context.Background(), batch()))

	assert.Contains(t, receivedPayload["text"], "2 DELIVERED")
	att := receivedPayload["attachments"].([]any)[0].(map[string]any)
	assert.Equal(t, "#FFA500", att["color"])
	text := att["text"].(string)
	assert.Contains(t, text, "RETRIEVAL_FAILED IU.ANMO.00.BHZ")
	assert.Contains(t, text, "... and 1 more")
}

func TestSlackChannel_StatusColor(t *testing.T) {
	s := NewSlackChannel("http://unused", time.Second)
	tests := []struct {
		name   string
		counts map[models.Status]int
		total  int
		want   string
	}{
		{"all delivered", map[models.Status]int{models.StatusDelivered: 3}, 3, "#2EB67D"},
		{"none delivered", map[models.Status]int{models.StatusRejected: 2}, 2, "#FF0000"},
		{"mixed", map[models.Status]int{models.StatusDelivered: 1, models.StatusRejected: 1}, 2, "#FFA500"},
		{"empty", map[models.Status]int{}, 0, "#2EB67D"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.statusColor(tt.counts, tt.total))
		})
	}
}

func TestLogChannel(t *testing.T) {
	var buf bytes.Buffer
	ch := NewLogChannel(logging.NewWithWriter(&buf, 0, "json"))
	require.NoError(t, ch.Send(context.Background(), batch()))
	assert.Contains(t, buf.String(), `"delivered":2`)
	assert.Contains(t, buf.String(), `"retrieval_failed":1`)
}

type stubNotifier struct {
	kind    string
	err     error
	batches [][]models.PipelineOutcome
}

func (s *stubNotifier) Type() string { return s.kind }

func (s *stubNotifier) Send(_ context.Context, outcomes []models.PipelineOutcome) error {
	s.batches = append(s.batches, append([]models.PipelineOutcome(nil), outcomes...))
	return s.err
}

func TestMultiChannel(t *testing.T) {
	ok := &stubNotifier{kind: "ok"}
	bad := &stubNotifier{kind: "bad", err: errors.New("boom")}

	require.NoError(t, NewMultiChannel(bad, ok).Send(context.Background(), batch()))
	assert.Len(t, ok.batches, 1)
	assert.Len(t, bad.batches, 1)

	err := NewMultiChannel(bad, &stubNotifier{kind: "bad2", err: errors.New("down")}).Send(context.Background(), batch())
	assert.ErrorContains(t, err, "all notification channels failed")
	assert.ErrorContains(t, err, "bad2 channel failed")

	assert.NoError(t, NewMultiChannel().Send(context.Background(), batch()))
}

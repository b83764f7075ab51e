// Package notification reports batches of pipeline outcomes to people and
// other systems.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/seis-sod/sod-stack/common/logging"
	"github.com/seis-sod/sod-stack/common/models"
)

// Notifier delivers a batch of outcomes.
type Notifier interface {
	Send(ctx context.Context, outcomes []models.PipelineOutcome) error
	Type() string
}

// Counts tallies outcomes per status.
func Counts(outcomes []models.PipelineOutcome) map[models.Status]int {
	counts := make(map[models.Status]int, len(models.Statuses))
	for _, o := range outcomes {
		counts[o.Status]++
	}
	return counts
}

// Headline renders "N outcomes: 3 DELIVERED, 1 REJECTED".
func Headline(outcomes []models.PipelineOutcome) string {
	counts := Counts(outcomes)
	parts := make([]string, 0, len(counts))
	for _, s := range models.Statuses {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	return fmt.Sprintf("%d outcomes: %s", len(outcomes), strings.Join(parts, ", "))
}

type outcomePayload struct {
	RequestID string `json:"request_id"`
	EventID   string `json:"event_id"`
	ChannelID string `json:"channel_id"`
	Window    string `json:"window"`
	Status    string `json:"status"`
	Stage     string `json:"stage"`
	Reason    string `json:"reason,omitempty"`
	Attempts  int    `json:"attempts"`
}

func toPayload(outcomes []models.PipelineOutcome) []outcomePayload {
	out := make([]outcomePayload, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, outcomePayload{
			RequestID: o.Request.ID,
			EventID:   o.Request.Event.ID,
			ChannelID: o.Request.Channel.ID(),
			Window:    o.Request.Window.String(),
			Status:    string(o.Status),
			Stage:     string(o.Stage),
			Reason:    o.Reason,
			Attempts:  o.Attempts,
		})
	}
	return out
}

// WebhookChannel sends outcome batches via HTTP POST.
type WebhookChannel struct {
	URL     string
	Timeout time.Duration
	client  *http.Client
}

// NewWebhookChannel creates a webhook notification channel.
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		URL:     url,
		Timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (w *WebhookChannel) Type() string {
	return "webhook"
}

func (w *WebhookChannel) Send(ctx context.Context, outcomes []models.PipelineOutcome) error {
	counts := make(map[string]int)
	for s, n := range Counts(outcomes) {
		counts[string(s)] = n
	}
	payload := map[string]any{
		"summary":   Headline(outcomes),
		"total":     len(outcomes),
		"counts":    counts,
		"outcomes":  toPayload(outcomes),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	return postJSON(ctx, w.client, w.URL, jsonData, "webhook")
}

// SlackChannel posts an outcome summary to a Slack incoming webhook.
type SlackChannel struct {
	WebhookURL string
	Timeout    time.Duration
	MaxLines   int
	client     *http.Client
}

// NewSlackChannel creates a Slack notification channel.
func NewSlackChannel(webhookURL string, timeout time.Duration) *SlackChannel {
	return &SlackChannel{
		WebhookURL: webhookURL,
		Timeout:    timeout,
		MaxLines:   20,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *SlackChannel) Type() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, outcomes []models.PipelineOutcome) error {
	counts := Counts(outcomes)
	fields := make([]map[string]any, 0, len(models.Statuses))
	for _, st := range models.Statuses {
		fields = append(fields, map[string]any{
			"title": string(st),
			"value": fmt.Sprintf("%d", counts[st]),
			"short": true,
		})
	}

	var lines []string
	for _, o := range failuresFirst(outcomes) {
		if len(lines) == s.MaxLines {
			lines = append(lines, fmt.Sprintf("... and %d more", len(outcomes)-s.MaxLines))
			break
		}
		lines = append(lines, o.Summary())
	}

	payload := map[string]any{
		"text": "Seismogram acquisition: " + Headline(outcomes),
		"attachments": []map[string]any{
			{
				"color":  s.statusColor(counts, len(outcomes)),
				"fields": fields,
				"text":   "```" + strings.Join(lines, "\n") + "```",
				"footer": "sod",
				"ts":     time.Now().Unix(),
			},
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	return postJSON(ctx, s.client, s.WebhookURL, jsonData, "slack webhook")
}

func (s *SlackChannel) statusColor(counts map[models.Status]int, total int) string {
	switch {
	case total == 0 || counts[models.StatusDelivered] == total:
		return "#2EB67D"
	case counts[models.StatusDelivered] == 0:
		return "#FF0000"
	default:
		return "#FFA500"
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte, what string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", what, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sod/4.0")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", what, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", what, resp.StatusCode)
	}
	return nil
}

// failuresFirst orders outcomes with non-delivered ones at the front.
func failuresFirst(outcomes []models.PipelineOutcome) []models.PipelineOutcome {
	sorted := append([]models.PipelineOutcome(nil), outcomes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Status != models.StatusDelivered && sorted[j].Status == models.StatusDelivered
	})
	return sorted
}

// LogChannel writes outcome batches to the log.
type LogChannel struct {
	logger *logging.Logger
}

// NewLogChannel creates a log-based notification channel.
func NewLogChannel(logger *logging.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Type() string {
	return "log"
}

func (l *LogChannel) Send(ctx context.Context, outcomes []models.PipelineOutcome) error {
	counts := Counts(outcomes)
	l.logger.InfoContext(ctx, "acquisition summary",
		"total", len(outcomes),
		"delivered", counts[models.StatusDelivered],
		"rejected", counts[models.StatusRejected],
		"retrieval_failed", counts[models.StatusRetrievalFailed],
		"decode_failed", counts[models.StatusDecodeFailed])
	return nil
}

// MultiChannel sends notifications to multiple channels.
type MultiChannel struct {
	channels []Notifier
}

// NewMultiChannel creates a notification channel that fans out to multiple channels.
func NewMultiChannel(channels ...Notifier) *MultiChannel {
	return &MultiChannel{channels: channels}
}

func (m *MultiChannel) Type() string {
	return "multi"
}

// Send succeeds when at least one channel delivered the batch.
func (m *MultiChannel) Send(ctx context.Context, outcomes []models.PipelineOutcome) error {
	var lastErr error
	successCount := 0

	for _, ch := range m.channels {
		if err := ch.Send(ctx, outcomes); err != nil {
			lastErr = fmt.Errorf("%s channel failed: %w", ch.Type(), err)
		} else {
			successCount++
		}
	}

	if successCount == 0 && len(m.channels) > 0 {
		return fmt.Errorf("all notification channels failed: %w", lastErr)
	}

	return nil
}

// Package output delivers anomaly notifications to external channels.
package output

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"spanflow/internal/anomaly"
	"spanflow/internal/config"
)

// SlackSender posts anomaly notifications to a Slack incoming webhook.
type SlackSender struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// NewSlackSender initializes a SlackSender with a configured webhook URL and HTTP client.
func NewSlackSender(webhookURL string) *SlackSender {
	return &SlackSender{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

// NewSlackSenderFromConfig returns nil when Slack delivery is disabled.
func NewSlackSenderFromConfig(cfg config.SlackConfig) *SlackSender {
	if !cfg.Enabled {
		return nil
	}
	return NewSlackSender(cfg.WebhookURL)
}

// SlackBlock represents a Slack message block
type SlackBlock struct {
	Type     string       `json:"type"`
	Text     *SlackText   `json:"text,omitempty"`
	Fields   []SlackField `json:"fields,omitempty"`
	Elements []SlackText  `json:"elements,omitempty"`
}

// SlackText represents text in Slack
type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SlackField represents a field in Slack
type SlackField struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SlackMessage represents a Slack message
type SlackMessage struct {
	Text   string       `json:"text"`
	Blocks []SlackBlock `json:"blocks"`
}

// NotifyAnomaly sends one anomalous service assessment to Slack.
func (s *SlackSender) NotifyAnomaly(ctx context.Context, batchID string, a anomaly.Assessment) error {
	if s.webhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	message := s.buildAnomalyMessage(batchID, a)
	body, err := sonic.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status: %d", resp.StatusCode)
	}

	return nil
}

func (s *SlackSender) buildAnomalyMessage(batchID string, a anomaly.Assessment) SlackMessage {
	kinds := a.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = strings.ReplaceAll(string(k), "_", " ")
	}
	summary := fmt.Sprintf("Anomaly on %s: %s", a.Service, strings.Join(names, ", "))

	emoji := "⚠️"
	if len(kinds) > 1 {
		emoji = "🚨"
	}

	return SlackMessage{
		Text: summary,
		Blocks: []SlackBlock{
			{
				Type: "header",
				Text: &SlackText{
					Type: "plain_text",
					Text: fmt.Sprintf("%s %s", emoji, summary),
				},
			},
			{
				Type: "section",
				Fields: []SlackField{
					{
						Type: "mrkdwn",
						Text: fmt.Sprintf("*P95 Latency:*\n%s (baseline: %s)", a.CurrentP95, a.PreviousP95),
					},
					{
						Type: "mrkdwn",
						Text: fmt.Sprintf("*Error Rate:*\n%.2f%% (%d of %d spans)", a.ErrorRate*100, a.ErrorCount, a.SpanCount),
					},
				},
			},
			{
				Type: "section",
				Text: &SlackText{
					Type: "mrkdwn",
					Text: fmt.Sprintf("All %d spans from `%s` in this batch were retained.", a.SpanCount, a.Service),
				},
			},
			{
				Type: "divider",
			},
			{
				Type: "context",
				Elements: []SlackText{
					{
						Type: "mrkdwn",
						Text: fmt.Sprintf("Detected at: %s | Batch: %s", s.now().UTC().Format(time.RFC3339), batchID),
					},
				},
			},
		},
	}
}

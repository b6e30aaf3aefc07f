// Package slack delivers case notices to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/tripwire/internal/cases"
)

const (
	maxBodyLen  = 3000
	httpTimeout = 10 * time.Second
)

// Notifier posts notices to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a Slack notifier for webhookURL.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts n to the configured webhook. Rate limiting, 5xx responses and
// transport errors are transient; any other rejection is permanent, as is a
// missing webhook URL.
func (n *Notifier) Send(ctx context.Context, caseID string, notice *cases.Notice, recipients []string) error {
	if n.webhookURL == "" {
		return cases.Permanent(errors.New("slack: no webhook url configured"))
	}

	body, err := json.Marshal(buildMessage(notice, recipients))
	if err != nil {
		return cases.Permanent(fmt.Errorf("slack: marshal message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return cases.Permanent(fmt.Errorf("slack: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return cases.Transient(fmt.Errorf("slack: post webhook: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		n.logger.Info(ctx, "notice delivered", "case_id", caseID, "idempotency_key", notice.IdempotencyKey, "recipients", len(recipients))
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return cases.Transient(err)
	}
	return cases.Permanent(err)
}

func buildMessage(n *cases.Notice, recipients []string) map[string]any {
	return map[string]any{
		"text": n.Title,
		"blocks": []map[string]any{
			headerBlock(n),
			{"type": "divider"},
			fieldsBlock(n),
			bodyBlock(n),
			{"type": "divider"},
			contextBlock(n, recipients),
		},
	}
}

func headerBlock(n *cases.Notice) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(fmt.Sprintf("%s %s", severityEmoji(n.Severity), n.Title), 150),
		},
	}
}

func fieldsBlock(n *cases.Notice) map[string]any {
	return map[string]any{
		"type": "section",
		"fields": []map[string]any{
			{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", n.Severity)},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Kind:* %s", n.Key.Kind)},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Subject:* %s", n.Key.Subject)},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Violator:* %s", n.Key.Violator)},
		},
	}
}

func bodyBlock(n *cases.Notice) map[string]any {
	text := truncate(n.Body, maxBodyLen)
	if text == "" {
		text = "_No details._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func contextBlock(n *cases.Notice, recipients []string) map[string]any {
	text := fmt.Sprintf("tripwire • case %s • ref %s", n.CaseID, n.IdempotencyKey)
	if len(recipients) > 0 {
		text += " • to " + strings.Join(recipients, ", ")
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": text},
		},
	}
}

func severityEmoji(s cases.Severity) string {
	switch s {
	case cases.SeverityCritical:
		return "\U0001f534" // red circle
	case cases.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case cases.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// truncate caps s at limit runes.
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}

var _ cases.Notifier = (*Notifier)(nil)

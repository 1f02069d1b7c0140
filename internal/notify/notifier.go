// Package notify delivers outcome notifications to a Discord-compatible
// webhook. Delivery is best effort: one retry with a short timeout, then
// the notification is dropped. Notifications never block the pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tallenb/remedy/internal/models"
	"github.com/tallenb/remedy/internal/suppress"
)

const (
	deliveryTimeout = 3 * time.Second
	maxFieldLength  = 1000

	colorGreen  = 0x2ecc71
	colorRed    = 0xe74c3c
	colorYellow = 0xf1c40f
	colorBlue   = 0x3498db
)

// Embed is one structured notification block.
type Embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

// EmbedField is one labeled value inside an embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type webhookPayload struct {
	Username string  `json:"username,omitempty"`
	Embeds   []Embed `json:"embeds"`
}

// Notifier posts embeds to a webhook URL. An empty URL disables delivery.
type Notifier struct {
	url    string
	client *http.Client
}

// New creates a Notifier.
func New(url string) *Notifier {
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: deliveryTimeout},
	}
}

// Send delivers one embed, retrying once. Failures are logged and dropped.
func (n *Notifier) Send(ctx context.Context, embed Embed) {
	if n.url == "" {
		return
	}
	embed.Timestamp = time.Now().UTC().Format(time.RFC3339)

	body, err := json.Marshal(webhookPayload{Username: "remedy", Embeds: []Embed{embed}})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal notification")
		return
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			log.Error().Err(err).Msg("Failed to build notification request")
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return
		}
		lastErr = fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	log.Warn().Err(lastErr).Str("title", embed.Title).Msg("Notification dropped after retry")
}

// Success reports a verified remediation.
func (n *Notifier) Success(ctx context.Context, attempt models.Attempt) {
	n.Send(ctx, Embed{
		Title: fmt.Sprintf("Resolved: %s", attempt.Alertname),
		Color: colorGreen,
		Fields: []EmbedField{
			{Name: "Instance", Value: orDash(attempt.Instance), Inline: true},
			{Name: "Attempt", Value: fmt.Sprintf("%d", attempt.AttemptNumber), Inline: true},
			{Name: "Duration", Value: fmt.Sprintf("%.1fs", attempt.DurationSeconds), Inline: true},
			{Name: "Commands", Value: codeBlock(attempt.CommandsExecuted)},
		},
	})
}

// Escalation reports that automation gave up on an alert.
func (n *Notifier) Escalation(ctx context.Context, attempt models.Attempt, reason string) {
	n.Send(ctx, Embed{
		Title:       fmt.Sprintf("Escalated: %s", attempt.Alertname),
		Description: truncateField(reason),
		Color:       colorRed,
		Fields: []EmbedField{
			{Name: "Instance", Value: orDash(attempt.Instance), Inline: true},
			{Name: "Attempts", Value: fmt.Sprintf("%d", attempt.AttemptNumber), Inline: true},
			{Name: "Last analysis", Value: truncateField(orDash(attempt.Analysis))},
			{Name: "Last commands", Value: codeBlock(attempt.CommandsExecuted)},
			{Name: "Last error", Value: truncateField(orDash(attempt.Error))},
		},
	})
}

// Info reports a non-actionable outcome, like a resolved alert or an
// offline-host skip.
func (n *Notifier) Info(ctx context.Context, title, description string) {
	n.Send(ctx, Embed{
		Title:       title,
		Description: truncateField(description),
		Color:       colorBlue,
	})
}

// SuppressionSummary batches suppressed alerts into one embed.
func (n *Notifier) SuppressionSummary(ctx context.Context, records []suppress.SuppressedRecord) {
	if len(records) == 0 {
		return
	}
	var lines []string
	for _, r := range records {
		lines = append(lines, fmt.Sprintf("%s (%s) suppressed by %s", r.Alertname, r.Instance, r.SuppressedBy))
	}
	n.Send(ctx, Embed{
		Title:       fmt.Sprintf("Suppressed %d alert(s)", len(records)),
		Description: truncateField(strings.Join(lines, "\n")),
		Color:       colorYellow,
	})
}

func codeBlock(commands []string) string {
	if len(commands) == 0 {
		return "-"
	}
	return truncateField("```\n" + strings.Join(commands, "\n") + "\n```")
}

func truncateField(s string) string {
	if len(s) <= maxFieldLength {
		return s
	}
	return s[:maxFieldLength] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

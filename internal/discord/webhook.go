// Package discord posts operator alerts to a Discord webhook.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const (
	colorRed    = 15158332 // 0xE74C3C
	colorOrange = 15105570 // 0xE67E22
	colorGreen  = 5763719  // 0x57F287

	defaultWebhookTimeout = 10 * time.Second

	maxAttempts = 3

	// Discord rejects field values over 1024 characters
	maxFieldValue = 1024
)

// WebhookPayload is the body Discord accepts on a webhook URL.
type WebhookPayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type EmbedFooter struct {
	Text string `json:"text"`
}

// CompensationReport describes a replay write whose rollback did not finish.
type CompensationReport struct {
	UserID     string
	ReplayID   string
	FailedStep string
	Cause      string
	// Orphans lists the resources that may have been left behind.
	Orphans []string
	At      time.Time
}

// ReindexReport summarizes an operator reindex run.
type ReindexReport struct {
	Users    int
	Rebuilt  int
	Invalid  int
	Failed   int
	Duration time.Duration
}

// NewCompensationFailedPayload creates the alert for a rollback that left orphans
func NewCompensationFailedPayload(r CompensationReport) WebhookPayload {
	orphans := "none recorded"
	if len(r.Orphans) > 0 {
		orphans = strings.Join(r.Orphans, "\n")
	}
	return WebhookPayload{
		Content: "@here Replay rollback incomplete",
		Embeds: []Embed{
			{
				Title: "⚠️ Compensation Failed",
				Color: colorRed,
				Fields: []EmbedField{
					{Name: "User", Value: r.UserID, Inline: true},
					{Name: "Replay", Value: r.ReplayID, Inline: true},
					{Name: "Failed Step", Value: r.FailedStep, Inline: true},
					{Name: "Cause", Value: truncate(r.Cause)},
					{Name: "Possible Orphans", Value: truncate(orphans)},
				},
				Footer: &EmbedFooter{
					Text: "Run reindex validate for this user after cleanup",
				},
				Timestamp: r.At.UTC().Format(time.RFC3339),
			},
		},
	}
}

// NewReindexSummaryPayload creates the summary posted after a full reindex
func NewReindexSummaryPayload(r ReindexReport) WebhookPayload {
	color := colorGreen
	if r.Failed > 0 {
		color = colorOrange
	}
	return WebhookPayload{
		Embeds: []Embed{
			{
				Title: "🔁 Reindex Complete",
				Color: color,
				Fields: []EmbedField{
					{Name: "Users", Value: formatNumber(r.Users), Inline: true},
					{Name: "Rebuilt", Value: formatNumber(r.Rebuilt), Inline: true},
					{Name: "Invalid", Value: formatNumber(r.Invalid), Inline: true},
					{Name: "Failed", Value: formatNumber(r.Failed), Inline: true},
					{Name: "Runtime", Value: formatDuration(r.Duration), Inline: true},
				},
			},
		},
	}
}

// WebhookClient posts alerts to one webhook URL.
type WebhookClient struct {
	webhookURL string
	httpClient *http.Client
}

func NewWebhookClient(webhookURL string) *WebhookClient {
	return &WebhookClient{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: defaultWebhookTimeout,
		},
	}
}

// SendCompensationFailed posts a rollback failure alert
func (c *WebhookClient) SendCompensationFailed(ctx context.Context, r CompensationReport) error {
	return c.sendPayload(ctx, NewCompensationFailedPayload(r))
}

// SendReindexSummary posts the result of a reindex run
func (c *WebhookClient) SendReindexSummary(ctx context.Context, r ReindexReport) error {
	return c.sendPayload(ctx, NewReindexSummaryPayload(r))
}

// sendPayload posts payload, waiting out 429 responses up to maxAttempts times.
func (c *WebhookClient) sendPayload(ctx context.Context, payload WebhookPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	for attempt := 1; ; attempt++ {
		wait, err := c.post(ctx, data)
		if err != nil || wait == 0 {
			return err
		}
		if attempt == maxAttempts {
			return fmt.Errorf("webhook still rate limited after %d attempts", maxAttempts)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// post makes one request. A non-zero wait means Discord rate limited it.
func (c *WebhookClient) post(ctx context.Context, data []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to post webhook: %w", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK:
		return 0, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return retryAfter(resp.Header.Get("Retry-After")), nil
	default:
		return 0, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}

// retryAfter reads Discord's Retry-After seconds, defaulting to one second.
func retryAfter(v string) time.Duration {
	if seconds, err := strconv.ParseFloat(v, 64); err == nil && seconds > 0 {
		return time.Duration(seconds * float64(time.Second))
	}
	return time.Second
}

// formatNumber formats a number with commas (e.g., 47832 -> "47,832")
func formatNumber(n int) string {
	if n < 1000 && n > -1000 {
		return strconv.Itoa(n)
	}
	s := strconv.Itoa(n)
	sign := ""
	if n < 0 {
		sign, s = "-", s[1:]
	}
	var result bytes.Buffer
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result.WriteByte(',')
		}
		result.WriteRune(c)
	}
	return sign + result.String()
}

// formatDuration formats a duration as "Xh Ym Zs"
func formatDuration(d time.Duration) string {
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func truncate(s string) string {
	if s == "" {
		return "-"
	}
	if len(s) <= maxFieldValue {
		return s
	}
	return s[:maxFieldValue-3] + "..."
}

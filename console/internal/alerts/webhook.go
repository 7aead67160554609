package alerts

import (
	"fmt"
	"log/slog"
)

type slackPayload struct {
	Text string `json:"text"`
}

type teamsPayload struct {
	Type       string `json:"@type"`
	Context    string `json:"@context"`
	ThemeColor string `json:"themeColor"`
	Summary    string `json:"summary"`
	Title      string `json:"title"`
	Text       string `json:"text"`
}

type httpPayload struct {
	Alert *Alert `json:"alert"`
}

// deliver posts a to every configured webhook. Failures are logged only.
func (e *Engine) deliver(a *Alert) {
	for _, wh := range e.webhooks {
		url := wh.URL()
		if url == "" {
			continue
		}

		var payload any
		switch wh.Type {
		case "slack":
			payload = slackMessage(a)
		case "teams":
			payload = teamsCard(a)
		case "http":
			payload = httpPayload{Alert: a}
		default:
			slog.Warn("alerts: unknown webhook type, skipping", "type", wh.Type)
			continue
		}

		if err := e.post(url, payload); err != nil {
			slog.Error("alerts: webhook delivery failed", "type", wh.Type, "rule", a.RuleName, "device_id", a.DeviceID, "err", err)
			continue
		}
		slog.Debug("alerts: webhook delivered", "type", wh.Type, "rule", a.RuleName, "state", a.State)
	}
}

func slackMessage(a *Alert) slackPayload {
	if a.State == StateResolved {
		return slackPayload{Text: "*[RESOLVED]* " + a.Message}
	}
	return slackPayload{Text: fmt.Sprintf("*%s* %s", severityLabel(a.Severity), a.Message)}
}

func teamsCard(a *Alert) teamsPayload {
	title := fmt.Sprintf("Device %d: %s", a.DeviceID, a.RuleName)
	if a.State == StateResolved {
		title += " (resolved)"
	}
	return teamsPayload{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		ThemeColor: severityColor(a.Severity),
		Summary:    a.RuleName,
		Title:      title,
		Text:       a.Message,
	}
}

func (e *Engine) post(url string, payload any) error {
	resp, err := e.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(url)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode())
	}
	return nil
}

func severityLabel(s string) string {
	switch s {
	case "critical":
		return "[CRITICAL]"
	case "warning":
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func severityColor(s string) string {
	switch s {
	case "critical":
		return "D13438"
	case "warning":
		return "FF8C00"
	default:
		return "0078D4"
	}
}

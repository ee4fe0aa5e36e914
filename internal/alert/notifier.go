package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/anisbkh/drbackup/internal/logger"
	"github.com/anisbkh/drbackup/internal/metadata"
)

// LogNotifier writes alerts to the engine log. Always wired so every alert
// leaves at least one trace even with no external channel configured.
type LogNotifier struct {
	log logger.Logger
}

func NewLogNotifier(log logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, alert metadata.AlertRecord) error {
	if alert.Severity == metadata.SeverityCritical {
		n.log.Error("ALERT", "kind", string(alert.Kind), "message", alert.Message)
	} else {
		n.log.Warn("ALERT", "kind", string(alert.Kind), "message", alert.Message)
	}
	return nil
}

// WebhookNotifier posts alerts as JSON to an HTTP endpoint (chat hook,
// incident tool, ...).
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Notify(ctx context.Context, alert metadata.AlertRecord) error {
	payload, err := json.Marshal(map[string]string{
		"kind":     string(alert.Kind),
		"severity": string(alert.Severity),
		"message":  alert.Message,
		"id":       alert.ID,
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %s", resp.Status)
	}
	return nil
}

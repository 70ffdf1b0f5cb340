package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// AlertKind names one alert predicate. Each kind cools down independently.
type AlertKind string

const (
	AlertConnectionFailures AlertKind = "connection_failures"
	AlertNoData             AlertKind = "no_data"
	AlertHeartbeatMisses    AlertKind = "heartbeat_misses"
)

// Message returns the operator-facing description for the alert kind.
func (k AlertKind) Message() string {
	switch k {
	case AlertConnectionFailures:
		return "high connection failure rate"
	case AlertNoData:
		return "no data received beyond quiet threshold"
	case AlertHeartbeatMisses:
		return "consecutive heartbeat misses exceeded threshold"
	default:
		return string(k)
	}
}

// Alert is one triggered predicate together with the metrics summary at the
// time it fired.
type Alert struct {
	Kind      AlertKind `json:"kind"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Summary   Snapshot  `json:"metrics_summary"`
}

// Alerter delivers alerts to an external channel. Delivery is fire-and-forget
// from the collector's perspective: an error is counted and logged, never
// propagated.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// WebhookAlerter posts alerts as JSON to a configured webhook URL.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter returns nil when no URL is configured, which leaves
// alerting log-only.
func NewWebhookAlerter(url string) *WebhookAlerter {
	if url == "" {
		return nil
	}
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

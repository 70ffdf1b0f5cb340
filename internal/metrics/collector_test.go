package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bidaskflow/config"
	"bidaskflow/logger"
)

func testLogger() *logger.Log {
	log := logger.Logger()
	log.SetOutput(io.Discard)
	return log
}

func testConfig() *config.Config {
	return &config.Config{
		Health: config.HealthConfig{
			TickInterval: 5 * time.Second,
			MaxQuiet:     90 * time.Second,
			Heartbeat: config.HeartbeatConfig{
				Enabled:   true,
				Timeout:   30 * time.Second,
				MaxMisses: 5,
			},
		},
		Metrics: config.MetricsConfig{
			ReportInterval: 30 * time.Second,
			Alerts: config.AlertsConfig{
				Cooldown:             300 * time.Second,
				MaxFailedConnections: 5,
				MaxQuiet:             600 * time.Second,
				MaxHeartbeatMisses:   5,
			},
		},
	}
}

type captureAlerter struct {
	alerts chan Alert
}

func (a *captureAlerter) Send(_ context.Context, alert Alert) error {
	a.alerts <- alert
	return nil
}

func TestCollectorCounters(t *testing.T) {
	c := NewCollector(testConfig(), testLogger())

	c.ConnectionAttempt()
	c.ConnectionSucceeded()
	c.ConnectionAttempt()
	c.ConnectionFailed()
	c.FrameReceived(128)
	c.FrameReceived(256)
	c.OrderBookUpdate()
	c.TradeUpdate()
	c.InvalidMessage()
	c.DuplicateSuppressed()
	c.RecordAccepted()
	c.DatabaseWrite()
	c.ArchiveError()

	snap := c.Snapshot()

	if snap.Connection.TotalConnections != 2 {
		t.Fatalf("expected 2 connection attempts, got %d", snap.Connection.TotalConnections)
	}
	if snap.Connection.SuccessfulConnections != 1 || snap.Connection.FailedConnections != 1 {
		t.Fatalf("unexpected connection outcome counts: %+v", snap.Connection)
	}
	if snap.Connection.SuccessRatePercent != 50 {
		t.Fatalf("expected 50%% success rate, got %f", snap.Connection.SuccessRatePercent)
	}
	if snap.Data.FramesReceived != 2 {
		t.Fatalf("expected 2 frames, got %d", snap.Data.FramesReceived)
	}
	if snap.Data.OrderBookUpdates != 1 || snap.Data.TradeUpdates != 1 {
		t.Fatalf("unexpected update counts: %+v", snap.Data)
	}
	if snap.Data.InvalidMessages != 1 || snap.Data.DuplicatesSuppressed != 1 {
		t.Fatalf("unexpected drop counts: %+v", snap.Data)
	}
	if snap.Data.RecordsAccepted != 1 || snap.Data.DatabaseWrites != 1 || snap.Data.ArchiveErrors != 1 {
		t.Fatalf("unexpected write counts: %+v", snap.Data)
	}
	if snap.Data.SecondsSinceLastData == nil {
		t.Fatal("expected seconds_since_last_data to be set after a frame")
	}
}

func TestCollectorNoDataBeforeFirstFrame(t *testing.T) {
	c := NewCollector(testConfig(), testLogger())

	if snap := c.Snapshot(); snap.Data.SecondsSinceLastData != nil {
		t.Fatalf("expected nil seconds_since_last_data before any frame, got %f", *snap.Data.SecondsSinceLastData)
	}
}

func TestCollectorHeartbeatMissReset(t *testing.T) {
	c := NewCollector(testConfig(), testLogger())

	c.HeartbeatSent()
	c.HeartbeatFailure()
	c.HeartbeatSent()
	c.HeartbeatFailure()
	c.HeartbeatFailure()

	if snap := c.Snapshot(); snap.Health.ConsecutiveHeartbeatMisses != 3 {
		t.Fatalf("expected 3 consecutive misses, got %d", snap.Health.ConsecutiveHeartbeatMisses)
	}

	c.HeartbeatReceived()

	snap := c.Snapshot()
	if snap.Health.ConsecutiveHeartbeatMisses != 0 {
		t.Fatalf("expected miss streak reset on response, got %d", snap.Health.ConsecutiveHeartbeatMisses)
	}
	if snap.Health.HeartbeatFailures != 3 {
		t.Fatalf("expected cumulative failures to survive reset, got %d", snap.Health.HeartbeatFailures)
	}
}

func TestCollectorUptimeAccounting(t *testing.T) {
	c := NewCollector(testConfig(), testLogger())

	c.ConnectionSucceeded()
	if snap := c.Snapshot(); snap.Connection.CurrentUptimeSeconds < 0 {
		t.Fatalf("expected non-negative uptime, got %f", snap.Connection.CurrentUptimeSeconds)
	}

	c.Disconnected()
	snap := c.Snapshot()
	if snap.Connection.CurrentUptimeSeconds != 0 {
		t.Fatalf("expected zero current uptime after disconnect, got %f", snap.Connection.CurrentUptimeSeconds)
	}
	if snap.Connection.Disconnects != 1 {
		t.Fatalf("expected 1 disconnect, got %d", snap.Connection.Disconnects)
	}
}

// Alert predicates watch the failure rate within a reporting window, not the
// lifetime total: a burst fires, a long-lived flat total does not.
func TestAlertConnectionFailureWindow(t *testing.T) {
	c := NewCollector(testConfig(), testLogger())
	alerter := &captureAlerter{alerts: make(chan Alert, 8)}
	c.SetAlerter(alerter)

	base := time.Now()
	snap := Snapshot{Connection: ConnectionStats{FailedConnections: 100}}

	c.evaluateAlerts(context.Background(), base, snap)

	var alert Alert
	select {
	case alert = <-alerter.alerts:
	case <-time.After(time.Second):
		t.Fatal("expected an alert for a failure burst")
	}
	if alert.Kind != AlertConnectionFailures {
		t.Fatalf("unexpected alert kind: %s", alert.Kind)
	}
	if alert.Severity != "warning" {
		t.Fatalf("unexpected severity: %s", alert.Severity)
	}

	// Total stays at 100 across later ticks, so the per-window delta is zero
	// and no further alert fires even after the cooldown expires.
	c.evaluateAlerts(context.Background(), base.Add(400*time.Second), snap)
	c.evaluateAlerts(context.Background(), base.Add(800*time.Second), snap)

	select {
	case extra := <-alerter.alerts:
		t.Fatalf("unexpected alert for flat failure total: %s", extra.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

// A predicate that stays true across consecutive reporting ticks inside one
// cooldown window delivers exactly one alert.
func TestAlertCooldownSingleDelivery(t *testing.T) {
	c := NewCollector(testConfig(), testLogger())
	alerter := &captureAlerter{alerts: make(chan Alert, 8)}
	c.SetAlerter(alerter)

	base := time.Now()
	failed := int64(0)
	for i := 0; i < 5; i++ {
		failed += 10
		snap := Snapshot{Connection: ConnectionStats{FailedConnections: failed}}
		c.evaluateAlerts(context.Background(), base.Add(time.Duration(i)*60*time.Second), snap)
	}

	select {
	case <-alerter.alerts:
	case <-time.After(time.Second):
		t.Fatal("expected the first tick to deliver an alert")
	}
	select {
	case extra := <-alerter.alerts:
		t.Fatalf("expected cooldown to suppress repeat alerts, got %s", extra.Kind)
	case <-time.After(50 * time.Millisecond):
	}
	if got := c.alertsSuppressed.Load(); got != 4 {
		t.Fatalf("expected 4 suppressed alerts, got %d", got)
	}

	// Once the cooldown window has passed, the still-true predicate fires again.
	failed += 10
	c.evaluateAlerts(context.Background(), base.Add(301*time.Second),
		Snapshot{Connection: ConnectionStats{FailedConnections: failed}})

	select {
	case <-alerter.alerts:
	case <-time.After(time.Second):
		t.Fatal("expected a fresh alert after the cooldown window")
	}
}

func TestAlertNoData(t *testing.T) {
	c := NewCollector(testConfig(), testLogger())
	alerter := &captureAlerter{alerts: make(chan Alert, 1)}
	c.SetAlerter(alerter)

	quiet := 700.0
	snap := Snapshot{Data: DataStats{SecondsSinceLastData: &quiet}}
	c.evaluateAlerts(context.Background(), time.Now(), snap)

	select {
	case alert := <-alerter.alerts:
		if alert.Kind != AlertNoData {
			t.Fatalf("unexpected alert kind: %s", alert.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a no-data alert past the quiet threshold")
	}
}

func TestAlertNoDataBelowThreshold(t *testing.T) {
	c := NewCollector(testConfig(), testLogger())
	alerter := &captureAlerter{alerts: make(chan Alert, 1)}
	c.SetAlerter(alerter)

	quiet := 10.0
	snap := Snapshot{Data: DataStats{SecondsSinceLastData: &quiet}}
	c.evaluateAlerts(context.Background(), time.Now(), snap)

	select {
	case alert := <-alerter.alerts:
		t.Fatalf("unexpected alert below quiet threshold: %s", alert.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAlertHeartbeatRequiresEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.Health.Heartbeat.Enabled = false

	c := NewCollector(cfg, testLogger())
	alerter := &captureAlerter{alerts: make(chan Alert, 1)}
	c.SetAlerter(alerter)

	snap := Snapshot{Health: HealthStats{ConsecutiveHeartbeatMisses: 9}}
	c.evaluateAlerts(context.Background(), time.Now(), snap)

	select {
	case alert := <-alerter.alerts:
		t.Fatalf("unexpected heartbeat alert while heartbeats disabled: %s", alert.Kind)
	case <-time.After(50 * time.Millisecond):
	}

	enabled := NewCollector(testConfig(), testLogger())
	enabled.SetAlerter(alerter)
	enabled.evaluateAlerts(context.Background(), time.Now(), snap)

	select {
	case alert := <-alerter.alerts:
		if alert.Kind != AlertHeartbeatMisses {
			t.Fatalf("unexpected alert kind: %s", alert.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected heartbeat miss alert when enabled")
	}
}

func TestWebhookAlerter(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("failed to decode alert payload: %v", err)
		}
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	alerter := NewWebhookAlerter(srv.URL)
	alert := Alert{
		Kind:      AlertNoData,
		Severity:  "warning",
		Message:   AlertNoData.Message(),
		Timestamp: time.Now(),
	}
	if err := alerter.Send(context.Background(), alert); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	payload := <-received
	if payload["severity"] != "warning" {
		t.Fatalf("unexpected severity in payload: %v", payload["severity"])
	}
	if payload["kind"] != string(AlertNoData) {
		t.Fatalf("unexpected kind in payload: %v", payload["kind"])
	}
	if _, ok := payload["metrics_summary"]; !ok {
		t.Fatal("expected metrics_summary in payload")
	}
}

func TestWebhookAlerterNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	alerter := NewWebhookAlerter(srv.URL)
	if err := alerter.Send(context.Background(), Alert{Kind: AlertNoData}); err == nil {
		t.Fatal("expected error for non-2xx webhook response")
	}
}

func TestWebhookAlerterEmptyURL(t *testing.T) {
	if alerter := NewWebhookAlerter(""); alerter != nil {
		t.Fatal("expected nil alerter for empty URL")
	}
}

func TestRegistryExposesCounters(t *testing.T) {
	c := NewCollector(testConfig(), testLogger())
	c.FrameReceived(64)
	c.RecordAccepted()

	handler := promhttp.HandlerFor(c.Registry(), promhttp.HandlerOpts{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "bidaskflow_frames_received_total 1") {
		t.Fatal("expected frames counter in scrape output")
	}
	if !strings.Contains(body, "bidaskflow_records_accepted_total 1") {
		t.Fatal("expected records counter in scrape output")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatal("expected runtime collectors in scrape output")
	}
}

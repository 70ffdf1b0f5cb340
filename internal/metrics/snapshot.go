package metrics

import (
	"time"

	"bidaskflow/logger"
)

// Snapshot is a point-in-time copy of the collector's counters, grouped the
// way operators consume them.
type Snapshot struct {
	Timestamp      time.Time       `json:"timestamp"`
	RuntimeSeconds float64         `json:"runtime_seconds"`
	Connection     ConnectionStats `json:"connection"`
	Data           DataStats       `json:"data"`
	Health         HealthStats     `json:"health"`
	Alerts         AlertStats      `json:"alerts"`
}

type ConnectionStats struct {
	State                 string  `json:"state"`
	TotalConnections      int64   `json:"total_connections"`
	SuccessfulConnections int64   `json:"successful_connections"`
	FailedConnections     int64   `json:"failed_connections"`
	ReconnectAttempts     int64   `json:"reconnect_attempts"`
	Disconnects           int64   `json:"disconnects"`
	SuccessRatePercent    float64 `json:"success_rate_percent"`
	CurrentUptimeSeconds  float64 `json:"current_uptime_seconds"`
	TotalUptimeSeconds    float64 `json:"total_uptime_seconds"`
}

type DataStats struct {
	FramesReceived       int64    `json:"frames_received"`
	OrderBookUpdates     int64    `json:"order_book_updates"`
	TradeUpdates         int64    `json:"trade_updates"`
	ErrorMessages        int64    `json:"error_messages"`
	InvalidMessages      int64    `json:"invalid_messages"`
	DuplicatesSuppressed int64    `json:"duplicates_suppressed"`
	RecordsAccepted      int64    `json:"records_accepted"`
	DatabaseWrites       int64    `json:"database_writes"`
	DatabaseErrors       int64    `json:"database_errors"`
	ArchiveWrites        int64    `json:"archive_writes"`
	ArchiveErrors        int64    `json:"archive_errors"`
	SecondsSinceLastData *float64 `json:"seconds_since_last_data"`
}

type HealthStats struct {
	HeartbeatsSent             int64   `json:"heartbeats_sent"`
	HeartbeatsReceived         int64   `json:"heartbeats_received"`
	HeartbeatFailures          int64   `json:"heartbeat_failures"`
	ConsecutiveHeartbeatMisses int64   `json:"consecutive_heartbeat_misses"`
	HealthChecksPerformed      int64   `json:"health_checks_performed"`
	ForcedReconnects           int64   `json:"forced_reconnects"`
	HeartbeatSuccessRate       float64 `json:"heartbeat_success_rate_percent"`
}

type AlertStats struct {
	Sent        int64                `json:"sent"`
	Failed      int64                `json:"failed"`
	Suppressed  int64                `json:"suppressed"`
	LastAlertAt map[string]time.Time `json:"last_alert_at,omitempty"`
}

// Fields flattens the snapshot for the periodic summary log line.
func (s Snapshot) Fields() logger.Fields {
	fields := logger.Fields{
		"runtime_seconds":       s.RuntimeSeconds,
		"conn_state":            s.Connection.State,
		"connections_total":     s.Connection.TotalConnections,
		"connections_failed":    s.Connection.FailedConnections,
		"reconnect_attempts":    s.Connection.ReconnectAttempts,
		"uptime_seconds":        s.Connection.CurrentUptimeSeconds,
		"frames_received":       s.Data.FramesReceived,
		"order_book_updates":    s.Data.OrderBookUpdates,
		"trade_updates":         s.Data.TradeUpdates,
		"error_messages":        s.Data.ErrorMessages,
		"invalid_messages":      s.Data.InvalidMessages,
		"duplicates_suppressed": s.Data.DuplicatesSuppressed,
		"records_accepted":      s.Data.RecordsAccepted,
		"database_writes":       s.Data.DatabaseWrites,
		"database_errors":       s.Data.DatabaseErrors,
		"archive_writes":        s.Data.ArchiveWrites,
		"archive_errors":        s.Data.ArchiveErrors,
		"heartbeat_misses":      s.Health.ConsecutiveHeartbeatMisses,
		"forced_reconnects":     s.Health.ForcedReconnects,
		"alerts_sent":           s.Alerts.Sent,
		"alerts_suppressed":     s.Alerts.Suppressed,
	}
	if s.Data.SecondsSinceLastData != nil {
		fields["seconds_since_last_data"] = *s.Data.SecondsSinceLastData
	}
	return fields
}

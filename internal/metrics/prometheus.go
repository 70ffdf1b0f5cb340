package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// registryHolder wraps the owned prometheus registry so collector.go does not
// import prometheus directly.
type registryHolder struct {
	reg *prometheus.Registry
}

// Registry exposes the owned prometheus registry for HTTP scraping. The
// collector never touches the default global registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry.reg }

// buildRegistry registers read-through collectors over the event counters.
// Prometheus reads the same atomics the reporting loop does, so scrapes and
// summaries can never disagree.
func (c *Collector) buildRegistry() registryHolder {
	reg := prometheus.NewRegistry()

	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "bidaskflow",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "bidaskflow",
			Name:      name,
			Help:      help,
		}, fn)
	}

	reg.MustRegister(
		counter("connections_total", "Connection attempts made", &c.totalConnections),
		counter("connections_successful_total", "Connections that reached streaming", &c.successfulConnections),
		counter("connections_failed_total", "Connection attempts that failed", &c.failedConnections),
		counter("reconnect_attempts_total", "Reconnect attempts after the first connection", &c.reconnectAttempts),
		counter("disconnects_total", "Times an established connection dropped", &c.disconnects),
		counter("frames_received_total", "Raw websocket frames received", &c.framesReceived),
		counter("order_book_updates_total", "Order book snapshots normalized", &c.orderBookUpdates),
		counter("trade_updates_total", "Trades normalized", &c.tradeUpdates),
		counter("error_messages_total", "Error frames received from the venue", &c.errorMessages),
		counter("invalid_messages_total", "Frames dropped as unknown or malformed", &c.invalidMessages),
		counter("duplicates_suppressed_total", "Order book snapshots suppressed as duplicates", &c.duplicatesSuppressed),
		counter("records_accepted_total", "Records accepted into the write queue", &c.recordsAccepted),
		counter("database_writes_total", "Successful database batch writes", &c.databaseWrites),
		counter("database_errors_total", "Failed database batch writes", &c.databaseErrors),
		counter("archive_writes_total", "Successful archive object uploads", &c.archiveWrites),
		counter("archive_errors_total", "Failed archive object uploads", &c.archiveErrors),
		counter("heartbeats_sent_total", "Application heartbeats sent", &c.heartbeatsSent),
		counter("heartbeats_received_total", "Application heartbeat responses received", &c.heartbeatsReceived),
		counter("heartbeat_failures_total", "Application heartbeats that timed out", &c.heartbeatFailures),
		counter("health_checks_total", "Health monitor ticks performed", &c.healthChecks),
		counter("forced_reconnects_total", "Reconnects requested by the health monitor", &c.forcedReconnects),
		counter("alerts_sent_total", "Alerts delivered or logged", &c.alertsSent),
		counter("alerts_failed_total", "Alert deliveries that failed", &c.alertsFailed),
		counter("alerts_suppressed_total", "Alerts suppressed by the cooldown window", &c.alertsSuppressed),
		gauge("connection_uptime_seconds", "Seconds the current connection has been up", func() float64 {
			start := c.uptimeStart.Load()
			if start == 0 {
				return 0
			}
			return time.Since(time.Unix(0, start)).Seconds()
		}),
		gauge("seconds_since_last_frame", "Seconds since the last frame, or since startup before the first", func() float64 {
			last := c.lastFrameAt.Load()
			if last == 0 {
				return time.Since(c.startTime).Seconds()
			}
			return time.Since(time.Unix(0, last)).Seconds()
		}),
		gauge("consecutive_heartbeat_misses", "Heartbeat misses since the last response", func() float64 {
			return float64(c.consecutiveHBFailures.Load())
		}),
	)

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return registryHolder{reg: reg}
}

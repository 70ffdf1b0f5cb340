package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"bidaskflow/config"
	"bidaskflow/logger"
)

// Collector receives discrete events from every component and maintains the
// process-wide counters. All event methods are non-blocking: they touch
// atomics only, so emitting a metric can never stall the receive path.
// Counters are monotonic for the life of the process.
type Collector struct {
	cfg *config.Config
	log *logger.Log

	startTime time.Time

	// connection
	connState             atomic.Pointer[string]
	totalConnections      atomic.Int64
	successfulConnections atomic.Int64
	failedConnections     atomic.Int64
	reconnectAttempts     atomic.Int64
	disconnects           atomic.Int64
	uptimeStart           atomic.Int64 // unix nanos, 0 while disconnected
	totalUptimeNanos      atomic.Int64

	// data
	framesReceived       atomic.Int64
	orderBookUpdates     atomic.Int64
	tradeUpdates         atomic.Int64
	errorMessages        atomic.Int64
	invalidMessages      atomic.Int64
	duplicatesSuppressed atomic.Int64
	recordsAccepted      atomic.Int64
	databaseWrites       atomic.Int64
	databaseErrors       atomic.Int64
	archiveWrites        atomic.Int64
	archiveErrors        atomic.Int64
	lastFrameAt          atomic.Int64 // unix nanos, 0 until first frame

	// health
	heartbeatsSent        atomic.Int64
	heartbeatsReceived    atomic.Int64
	heartbeatFailures     atomic.Int64
	consecutiveHBFailures atomic.Int64
	healthChecks          atomic.Int64
	forcedReconnects      atomic.Int64

	// alerting
	alertsSent       atomic.Int64
	alertsFailed     atomic.Int64
	alertsSuppressed atomic.Int64
	alerter          Alerter
	limiters         map[AlertKind]*rate.Limiter
	alertMu          sync.Mutex
	lastAlertAt      map[AlertKind]time.Time

	// connection failures observed up to the previous reporting tick; only
	// the reporting goroutine touches it.
	failedAtLastTick int64

	publisher *CloudWatchPublisher
	registry  registryHolder
}

// NewCollector builds a collector from the metrics and alerting configuration.
// The collector is an owned instance: every component that emits events holds
// a reference, there is no package-level state.
func NewCollector(cfg *config.Config, log *logger.Log) *Collector {
	c := &Collector{
		cfg:         cfg,
		log:         log,
		startTime:   time.Now(),
		lastAlertAt: make(map[AlertKind]time.Time),
	}
	disconnected := "disconnected"
	c.connState.Store(&disconnected)

	cooldown := cfg.Metrics.Alerts.Cooldown
	c.limiters = map[AlertKind]*rate.Limiter{
		AlertConnectionFailures: rate.NewLimiter(rate.Every(cooldown), 1),
		AlertNoData:             rate.NewLimiter(rate.Every(cooldown), 1),
		AlertHeartbeatMisses:    rate.NewLimiter(rate.Every(cooldown), 1),
	}

	c.registry = c.buildRegistry()
	return c
}

// SetAlerter installs the delivery channel for alerts. A nil alerter leaves
// alerts log-only.
func (c *Collector) SetAlerter(a Alerter) { c.alerter = a }

// SetPublisher installs an optional CloudWatch publisher used on each
// reporting tick.
func (c *Collector) SetPublisher(p *CloudWatchPublisher) { c.publisher = p }

// Connection events.

func (c *Collector) ConnectionAttempt() { c.totalConnections.Add(1) }

func (c *Collector) ConnectionSucceeded() {
	c.successfulConnections.Add(1)
	c.uptimeStart.Store(time.Now().UnixNano())
}

func (c *Collector) ConnectionFailed() { c.failedConnections.Add(1) }

func (c *Collector) ReconnectAttempt() { c.reconnectAttempts.Add(1) }

func (c *Collector) Disconnected() {
	c.disconnects.Add(1)
	if start := c.uptimeStart.Swap(0); start != 0 {
		c.totalUptimeNanos.Add(time.Now().UnixNano() - start)
	}
}

// ConnectionState records the manager's current state for reporting.
func (c *Collector) ConnectionState(state string) { c.connState.Store(&state) }

// Data events.

func (c *Collector) FrameReceived(bytes int) {
	c.framesReceived.Add(1)
	c.lastFrameAt.Store(time.Now().UnixNano())
	logger.RecordChannelMessage("ws_frames", bytes)
}

func (c *Collector) OrderBookUpdate()     { c.orderBookUpdates.Add(1) }
func (c *Collector) TradeUpdate()         { c.tradeUpdates.Add(1) }
func (c *Collector) ErrorMessage()        { c.errorMessages.Add(1) }
func (c *Collector) InvalidMessage()      { c.invalidMessages.Add(1) }
func (c *Collector) DuplicateSuppressed() { c.duplicatesSuppressed.Add(1) }
func (c *Collector) RecordAccepted()      { c.recordsAccepted.Add(1) }
func (c *Collector) DatabaseWrite()       { c.databaseWrites.Add(1) }
func (c *Collector) DatabaseError()       { c.databaseErrors.Add(1) }
func (c *Collector) ArchiveWrite()        { c.archiveWrites.Add(1) }
func (c *Collector) ArchiveError()        { c.archiveErrors.Add(1) }

// Health events.

func (c *Collector) HeartbeatSent() { c.heartbeatsSent.Add(1) }

func (c *Collector) HeartbeatReceived() {
	c.heartbeatsReceived.Add(1)
	c.consecutiveHBFailures.Store(0)
}

func (c *Collector) HeartbeatFailure() {
	c.heartbeatFailures.Add(1)
	c.consecutiveHBFailures.Add(1)
}

func (c *Collector) HealthCheck()     { c.healthChecks.Add(1) }
func (c *Collector) ForcedReconnect() { c.forcedReconnects.Add(1) }

// Snapshot returns a point-in-time copy of all counters.
func (c *Collector) Snapshot() Snapshot {
	now := time.Now()

	var successRate float64
	if total := c.totalConnections.Load(); total > 0 {
		successRate = float64(c.successfulConnections.Load()) / float64(total) * 100
	}

	var currentUptime float64
	if start := c.uptimeStart.Load(); start != 0 {
		currentUptime = now.Sub(time.Unix(0, start)).Seconds()
	}

	var sinceLastData *float64
	if last := c.lastFrameAt.Load(); last != 0 {
		v := now.Sub(time.Unix(0, last)).Seconds()
		sinceLastData = &v
	}

	var hbRate float64
	if sent := c.heartbeatsSent.Load(); sent > 0 {
		hbRate = float64(c.heartbeatsReceived.Load()) / float64(sent) * 100
	}

	c.alertMu.Lock()
	lastAlerts := make(map[string]time.Time, len(c.lastAlertAt))
	for k, v := range c.lastAlertAt {
		lastAlerts[string(k)] = v
	}
	c.alertMu.Unlock()

	return Snapshot{
		Timestamp:      now,
		RuntimeSeconds: now.Sub(c.startTime).Seconds(),
		Connection: ConnectionStats{
			State:                 *c.connState.Load(),
			TotalConnections:      c.totalConnections.Load(),
			SuccessfulConnections: c.successfulConnections.Load(),
			FailedConnections:     c.failedConnections.Load(),
			ReconnectAttempts:     c.reconnectAttempts.Load(),
			Disconnects:           c.disconnects.Load(),
			SuccessRatePercent:    successRate,
			CurrentUptimeSeconds:  currentUptime,
			TotalUptimeSeconds:    float64(c.totalUptimeNanos.Load())/1e9 + currentUptime,
		},
		Data: DataStats{
			FramesReceived:       c.framesReceived.Load(),
			OrderBookUpdates:     c.orderBookUpdates.Load(),
			TradeUpdates:         c.tradeUpdates.Load(),
			ErrorMessages:        c.errorMessages.Load(),
			InvalidMessages:      c.invalidMessages.Load(),
			DuplicatesSuppressed: c.duplicatesSuppressed.Load(),
			RecordsAccepted:      c.recordsAccepted.Load(),
			DatabaseWrites:       c.databaseWrites.Load(),
			DatabaseErrors:       c.databaseErrors.Load(),
			ArchiveWrites:        c.archiveWrites.Load(),
			ArchiveErrors:        c.archiveErrors.Load(),
			SecondsSinceLastData: sinceLastData,
		},
		Health: HealthStats{
			HeartbeatsSent:             c.heartbeatsSent.Load(),
			HeartbeatsReceived:         c.heartbeatsReceived.Load(),
			HeartbeatFailures:          c.heartbeatFailures.Load(),
			ConsecutiveHeartbeatMisses: c.consecutiveHBFailures.Load(),
			HealthChecksPerformed:      c.healthChecks.Load(),
			ForcedReconnects:           c.forcedReconnects.Load(),
			HeartbeatSuccessRate:       hbRate,
		},
		Alerts: AlertStats{
			Sent:        c.alertsSent.Load(),
			Failed:      c.alertsFailed.Load(),
			Suppressed:  c.alertsSuppressed.Load(),
			LastAlertAt: lastAlerts,
		},
	}
}

// Start launches the periodic reporting loop: log the summary, publish to
// CloudWatch when configured, and evaluate alert predicates. It returns after
// spawning the loop goroutine.
func (c *Collector) Start(ctx context.Context) {
	interval := c.cfg.Metrics.ReportInterval
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				snap := c.Snapshot()
				c.log.WithComponent("metrics").WithFields(snap.Fields()).Info("metrics summary")

				if c.publisher != nil {
					c.publisher.Publish(ctx, snap)
				}

				c.evaluateAlerts(ctx, now, snap)
			}
		}
	}()
}

// evaluateAlerts checks every alert predicate against the snapshot and fires
// at most one alert per kind per cooldown window. now is injected so tests
// can drive the cooldown clock.
func (c *Collector) evaluateAlerts(ctx context.Context, now time.Time, snap Snapshot) {
	failed := snap.Connection.FailedConnections
	failureDelta := failed - c.failedAtLastTick
	c.failedAtLastTick = failed

	if failureDelta > c.cfg.Metrics.Alerts.MaxFailedConnections {
		c.fireAlert(ctx, now, AlertConnectionFailures, snap, logger.Fields{
			"failures_in_window": failureDelta,
		})
	}

	if snap.Data.SecondsSinceLastData != nil {
		quiet := time.Duration(*snap.Data.SecondsSinceLastData * float64(time.Second))
		if quiet > c.cfg.Metrics.Alerts.MaxQuiet {
			c.fireAlert(ctx, now, AlertNoData, snap, logger.Fields{
				"quiet_seconds": quiet.Seconds(),
			})
		}
	}

	if c.cfg.Health.Heartbeat.Enabled &&
		snap.Health.ConsecutiveHeartbeatMisses >= int64(c.cfg.Metrics.Alerts.MaxHeartbeatMisses) {
		c.fireAlert(ctx, now, AlertHeartbeatMisses, snap, logger.Fields{
			"consecutive_misses": snap.Health.ConsecutiveHeartbeatMisses,
		})
	}
}

func (c *Collector) fireAlert(ctx context.Context, now time.Time, kind AlertKind, snap Snapshot, fields logger.Fields) {
	if !c.limiters[kind].AllowN(now, 1) {
		c.alertsSuppressed.Add(1)
		return
	}

	c.alertMu.Lock()
	c.lastAlertAt[kind] = now
	c.alertMu.Unlock()

	alert := Alert{
		Kind:      kind,
		Severity:  "warning",
		Message:   kind.Message(),
		Timestamp: now,
		Summary:   snap,
	}

	entry := c.log.WithComponent("alerts").WithFields(fields).WithFields(logger.Fields{
		"kind":     string(kind),
		"severity": alert.Severity,
	})
	entry.Warn(alert.Message)

	if c.alerter == nil {
		c.alertsSent.Add(1)
		return
	}

	// Delivery is best-effort and must never block the reporting loop.
	go func() {
		if err := c.alerter.Send(ctx, alert); err != nil {
			c.alertsFailed.Add(1)
			c.log.WithComponent("alerts").WithError(err).Warn("alert delivery failed")
			return
		}
		c.alertsSent.Add(1)
	}()
}

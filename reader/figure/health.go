package figure

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bidaskflow/config"
	"bidaskflow/internal/metrics"
	"bidaskflow/logger"
	"bidaskflow/models"
)

// Liveness holds the observable liveness of the current streaming session.
// The record is replaced wholesale on every update, so the monitor always
// reads a coherent snapshot of all fields. A zero record means no session is
// streaming and the monitor stays quiet.
type Liveness struct {
	rec atomic.Pointer[models.LivenessRecord]
}

func NewLiveness() *Liveness {
	l := &Liveness{}
	l.rec.Store(&models.LivenessRecord{})
	return l
}

func (l *Liveness) update(f func(models.LivenessRecord) models.LivenessRecord) models.LivenessRecord {
	for {
		old := l.rec.Load()
		next := f(*old)
		if l.rec.CompareAndSwap(old, &next) {
			return next
		}
	}
}

// Reset starts a fresh session window: both timestamps begin at now so quiet
// periods are measured from the moment streaming began.
func (l *Liveness) Reset(now time.Time) {
	l.rec.Store(&models.LivenessRecord{LastFrameAt: now, LastKeepaliveAt: now})
}

// Clear marks that no session is streaming.
func (l *Liveness) Clear() {
	l.rec.Store(&models.LivenessRecord{})
}

// MarkFrame records a received data frame.
func (l *Liveness) MarkFrame(t time.Time) {
	l.update(func(rec models.LivenessRecord) models.LivenessRecord {
		rec.LastFrameAt = t
		return rec
	})
}

// MarkKeepalive records an answered keepalive and resets the miss count.
func (l *Liveness) MarkKeepalive(t time.Time) {
	l.update(func(rec models.LivenessRecord) models.LivenessRecord {
		rec.LastKeepaliveAt = t
		rec.HeartbeatMisses = 0
		return rec
	})
}

// AddMiss counts one missed keepalive window and returns the consecutive
// total.
func (l *Liveness) AddMiss() int {
	rec := l.update(func(rec models.LivenessRecord) models.LivenessRecord {
		rec.HeartbeatMisses++
		return rec
	})
	return rec.HeartbeatMisses
}

// Snapshot returns the current record.
func (l *Liveness) Snapshot() models.LivenessRecord {
	return *l.rec.Load()
}

// Monitor watches the liveness record on a fixed tick and asks the
// connection manager for a reconnect when the stream goes quiet or the venue
// stops answering keepalives. It never touches the session itself; deciding
// how to act on a dead verdict stays with the manager. Ticks are independent
// of frame arrival, so a transport that looks open but delivers nothing is
// still caught.
type Monitor struct {
	cfg       config.HealthConfig
	liveness  *Liveness
	collector *metrics.Collector
	request   func(reason string) bool
	log       *logger.Log

	ctx     context.Context
	quit    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewMonitor(cfg config.HealthConfig, liveness *Liveness, collector *metrics.Collector, request func(reason string) bool) *Monitor {
	return &Monitor{
		cfg:       cfg,
		liveness:  liveness,
		collector: collector,
		request:   request,
		log:       logger.GetLogger(),
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("health monitor already running")
	}
	m.ctx = ctx
	m.quit = make(chan struct{})
	m.running = true

	m.log.WithComponent("health").WithFields(logger.Fields{
		"tick_interval":     m.cfg.TickInterval.String(),
		"max_quiet":         m.cfg.MaxQuiet.String(),
		"heartbeat_enabled": m.cfg.Heartbeat.Enabled,
	}).Info("starting health monitor")

	m.wg.Add(1)
	go m.run()
	return nil
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.quit)
	m.mu.Unlock()

	m.wg.Wait()
	m.log.WithComponent("health").Info("health monitor stopped")
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.check(now)
		}
	}
}

// check runs one health evaluation. now is a parameter so tests can walk the
// clock explicitly.
func (m *Monitor) check(now time.Time) {
	m.collector.HealthCheck()

	rec := m.liveness.Snapshot()
	if rec.LastFrameAt.IsZero() {
		return
	}

	if quiet := now.Sub(rec.LastFrameAt); quiet > m.cfg.MaxQuiet {
		m.declareDead("no data received", logger.Fields{
			"quiet":     quiet.String(),
			"max_quiet": m.cfg.MaxQuiet.String(),
		})
		return
	}

	if !m.cfg.Heartbeat.Enabled {
		return
	}
	if now.Sub(rec.LastKeepaliveAt) > m.cfg.Heartbeat.Timeout {
		misses := m.liveness.AddMiss()
		m.collector.HeartbeatFailure()
		if misses >= m.cfg.Heartbeat.MaxMisses {
			m.declareDead("keepalives unanswered", logger.Fields{
				"consecutive_misses": misses,
				"max_misses":         m.cfg.Heartbeat.MaxMisses,
			})
		}
	}
}

func (m *Monitor) declareDead(reason string, fields logger.Fields) {
	m.log.WithComponent("health").WithFields(fields).Warn("stream is dead: " + reason)
	if m.request != nil {
		m.request(reason)
	}
}

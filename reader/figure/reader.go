package figure

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"bidaskflow/config"
	"bidaskflow/internal/metrics"
	"bidaskflow/logger"
	"bidaskflow/models"
)

// State is the connection manager's current phase.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribing  State = "subscribing"
	StateStreaming    State = "streaming"
	StateBackoff      State = "backoff"
)

// ErrForcedReconnect reports that the session was dropped on purpose, either
// by the health monitor or an operator.
var ErrForcedReconnect = errors.New("forced reconnect requested")

// FrameHandler consumes one received frame synchronously on the receive
// path.
type FrameHandler interface {
	Process(ctx context.Context, frame models.RawFrame)
}

// transportSession is what the run loop needs from a live connection. Dial
// returns the concrete Session; tests substitute scripted sessions.
type transportSession interface {
	Receive() ([]byte, time.Time, error)
	Send(data []byte) error
	SendKeepalive() error
	Close() error
}

// Reader owns the connection lifecycle: dial, subscribe, stream, back off,
// repeat until stopped. Retries are unbounded; the process never exits over
// a transport failure. Received frames go straight to the handler, so
// everything downstream of the websocket read runs on this loop.
type Reader struct {
	config    *config.Config
	handler   FrameHandler
	registry  *ChannelRegistry
	collector *metrics.Collector
	liveness  *Liveness
	monitor   *Monitor
	subscribe SubscribeFunc
	dial      func(ctx context.Context, url string, cfg config.ConnectionConfig, hooks SessionHooks) (transportSession, error)

	// reconnectCh coalesces forced-reconnect requests: capacity one, at
	// most one pending.
	reconnectCh chan struct{}

	ctx     context.Context
	quit    chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	state   State
	log     *logger.Log
}

func NewReader(cfg *config.Config, handler FrameHandler, registry *ChannelRegistry, collector *metrics.Collector) *Reader {
	r := &Reader{
		config:      cfg,
		handler:     handler,
		registry:    registry,
		collector:   collector,
		liveness:    NewLiveness(),
		subscribe:   FigureSubscriptions,
		reconnectCh: make(chan struct{}, 1),
		state:       StateDisconnected,
		log:         logger.GetLogger(),
	}
	r.dial = func(ctx context.Context, url string, cfg config.ConnectionConfig, hooks SessionHooks) (transportSession, error) {
		return Dial(ctx, url, cfg, hooks)
	}
	r.monitor = NewMonitor(cfg.Health, r.liveness, collector, r.ForceReconnect)
	return r
}

// SetSubscribeFunc replaces the subscription handshake. Call before Start.
func (r *Reader) SetSubscribeFunc(fn SubscribeFunc) {
	r.subscribe = fn
}

func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.quit = make(chan struct{})
	r.mu.Unlock()

	r.log.WithComponent("reader").WithFields(logger.Fields{
		"url":      r.config.Exchange.URL,
		"symbols":  len(r.config.Exchange.Symbols),
		"channels": r.config.Exchange.Channels,
	}).Info("starting reader")

	if err := r.monitor.Start(ctx); err != nil {
		return err
	}

	r.wg.Add(1)
	go r.run()
	return nil
}

// Stop closes the active session if any and waits for the run loop to exit.
// After Stop returns, no further frames reach the handler.
func (r *Reader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.quit)
	r.mu.Unlock()

	r.log.WithComponent("reader").Info("stopping reader")
	r.wg.Wait()
	r.monitor.Stop()
	r.log.WithComponent("reader").Info("reader stopped")
}

// ForceReconnect asks the run loop to drop the current session and dial
// again, bypassing any backoff in progress. Requests are coalesced with at
// most one pending; it reports whether this request was newly queued.
func (r *Reader) ForceReconnect(reason string) bool {
	select {
	case r.reconnectCh <- struct{}{}:
		r.collector.ForcedReconnect()
		r.log.WithComponent("reader").WithFields(logger.Fields{
			"reason": reason,
		}).Warn("reconnect requested")
		return true
	default:
		return false
	}
}

// State returns the manager's current phase.
func (r *Reader) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Liveness returns a snapshot of the current session's liveness record.
func (r *Reader) Liveness() models.LivenessRecord {
	return r.liveness.Snapshot()
}

func (r *Reader) run() {
	defer r.wg.Done()

	first := true
	attempt := 0

	for {
		if r.stopping() {
			r.setState(StateDisconnected)
			return
		}

		r.setState(StateConnecting)
		r.collector.ConnectionAttempt()
		if !first {
			r.collector.ReconnectAttempt()
		}
		first = false

		hooks := SessionHooks{
			OnPing: func() { r.collector.HeartbeatSent() },
			OnPong: func(t time.Time) {
				r.collector.HeartbeatReceived()
				r.liveness.MarkKeepalive(t)
			},
		}

		session, err := r.dial(r.ctx, r.config.Exchange.URL, r.config.Connection, hooks)
		if err != nil {
			r.collector.ConnectionFailed()
			r.log.WithComponent("reader").WithError(err).Warn("connect failed")
			attempt = r.waitBackoff(attempt)
			continue
		}
		r.collector.ConnectionSucceeded()

		r.setState(StateSubscribing)
		if err := r.subscribeAll(session); err != nil {
			r.collector.ConnectionFailed()
			r.log.WithComponent("reader").WithError(err).Warn("subscribe failed")
			session.Close()
			r.collector.Disconnected()
			attempt = r.waitBackoff(attempt)
			continue
		}

		r.setState(StateStreaming)
		streamingSince := time.Now()
		r.liveness.Reset(streamingSince)

		err = r.streamLoop(session)
		session.Close()
		r.liveness.Clear()
		r.collector.Disconnected()

		streamed := time.Since(streamingSince)
		switch {
		case errors.Is(err, ErrForcedReconnect):
			r.log.WithComponent("reader").WithFields(logger.Fields{
				"streamed": streamed.String(),
			}).Warn("session dropped by reconnect request")
		case errors.Is(err, ErrSessionClosed):
			// Local close during shutdown.
		default:
			r.log.WithComponent("reader").WithError(err).WithFields(logger.Fields{
				"streamed": streamed.String(),
			}).Warn("stream ended")
		}

		if r.stopping() {
			r.setState(StateDisconnected)
			return
		}

		// Only a session that survived the grace period proves the venue
		// is healthy again; short-lived sessions keep escalating.
		if streamed >= r.config.Connection.StreamingGrace {
			attempt = 0
		}
		attempt = r.waitBackoff(attempt)
	}
}

func (r *Reader) subscribeAll(session transportSession) error {
	symbols := make([]string, 0, len(r.config.Exchange.Symbols))
	for _, s := range r.config.Exchange.Symbols {
		symbols = append(symbols, s.Symbol)
	}

	subs, err := r.subscribe(symbols, r.config.Exchange.Channels)
	if err != nil {
		return err
	}
	r.registry.Replace(subs)

	for _, sub := range subs {
		if err := session.Send(sub.Frame); err != nil {
			return fmt.Errorf("subscribe %s/%s: %w", sub.Symbol, sub.Channel, err)
		}
		r.log.WithComponent("reader").WithFields(logger.Fields{
			"symbol":       sub.Symbol,
			"channel":      sub.Channel,
			"channel_uuid": sub.ChannelUUID,
		}).Info("subscription sent")
	}
	return nil
}

// streamLoop receives frames until the session dies. A watcher goroutine
// closes the session on shutdown or a forced-reconnect request, which is the
// only way to interrupt a blocked read.
func (r *Reader) streamLoop(session transportSession) error {
	var forced atomic.Bool
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-done:
		case <-r.quit:
			session.Close()
		case <-r.ctx.Done():
			session.Close()
		case <-r.reconnectCh:
			forced.Store(true)
			session.Close()
		}
	}()

	for {
		data, receivedAt, err := session.Receive()
		if err != nil {
			if forced.Load() {
				return ErrForcedReconnect
			}
			return err
		}
		r.collector.FrameReceived(len(data))
		r.liveness.MarkFrame(receivedAt)
		r.handler.Process(r.ctx, models.RawFrame{Data: data, ReceivedAt: receivedAt})
	}
}

// waitBackoff sleeps out the jittered delay for this attempt and returns the
// next attempt count. Shutdown or a reconnect request cuts the wait short.
func (r *Reader) waitBackoff(attempt int) int {
	delay := r.nextBackoff(attempt)
	wait := delay
	if j := r.config.Connection.Backoff.Jitter; j > 0 {
		wait += time.Duration(rand.Int63n(int64(j)))
	}

	r.setState(StateBackoff)
	r.log.WithComponent("reader").WithFields(logger.Fields{
		"attempt": attempt,
		"backoff": delay.String(),
		"wait":    wait.String(),
	}).Info("waiting before reconnect")

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-r.quit:
	case <-r.ctx.Done():
	case <-r.reconnectCh:
		r.log.WithComponent("reader").Info("backoff cut short by reconnect request")
	case <-timer.C:
	}
	return attempt + 1
}

// nextBackoff doubles from the base per consecutive failure, capped at the
// configured maximum. Jitter is added at sleep time only, so the recorded
// sequence is deterministic and non-decreasing.
func (r *Reader) nextBackoff(attempt int) time.Duration {
	base := r.config.Connection.Backoff.Base
	max := r.config.Connection.Backoff.Max

	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

func (r *Reader) stopping() bool {
	select {
	case <-r.quit:
		return true
	default:
	}
	return r.ctx.Err() != nil
}

func (r *Reader) setState(state State) {
	r.mu.Lock()
	prev := r.state
	r.state = state
	r.mu.Unlock()

	if prev == state {
		return
	}
	r.collector.ConnectionState(string(state))
	r.log.WithComponent("reader").WithFields(logger.Fields{
		"from": string(prev),
		"to":   string(state),
	}).Info("connection state changed")
}

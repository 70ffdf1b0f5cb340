package figure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bidaskflow/config"
	"bidaskflow/logger"
)

const (
	defaultKeepalive = 20 * time.Second
	defaultWriteWait = 10 * time.Second
)

// ErrSessionClosed reports that Receive was interrupted by Close rather than
// a transport failure.
var ErrSessionClosed = errors.New("session closed")

// SessionHooks surface transport-level keepalive traffic to the owner.
// OnPing runs after each ping control frame is written, OnPong on each pong
// the venue answers with. Both may be nil.
type SessionHooks struct {
	OnPing func()
	OnPong func(time.Time)
}

// Session wraps one live websocket connection. It owns the keepalive ticker
// and carries no business logic; classifying and reacting to frames is the
// connection manager's job.
type Session struct {
	conn  *websocket.Conn
	cfg   config.ConnectionConfig
	hooks SessionHooks
	log   *logger.Log

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Dial opens a websocket connection and starts the keepalive ticker.
func Dial(ctx context.Context, url string, cfg config.ConnectionConfig, hooks SessionHooks) (*Session, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if cfg.ReadBufferBytes > 0 {
		dialer.ReadBufferSize = cfg.ReadBufferBytes
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := &Session{
		conn:   conn,
		cfg:    cfg,
		hooks:  hooks,
		log:    logger.GetLogger(),
		closed: make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error {
		if s.hooks.OnPong != nil {
			s.hooks.OnPong(time.Now())
		}
		return nil
	})

	s.wg.Add(1)
	go s.keepaliveLoop()

	return s, nil
}

// Receive blocks until the next text frame arrives and returns it with its
// arrival time. Close and transport failures both surface as errors;
// ErrSessionClosed distinguishes a local Close.
func (s *Session) Receive() ([]byte, time.Time, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				return nil, time.Time{}, ErrSessionClosed
			default:
			}
			return nil, time.Time{}, fmt.Errorf("read frame: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return data, time.Now(), nil
	}
}

// Send writes one text frame, used for subscription requests.
func (s *Session) Send(data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// SendKeepalive writes a ping control frame with a bounded deadline.
func (s *Session) SendKeepalive() error {
	wait := s.cfg.KeepaliveTimeout
	if wait <= 0 {
		wait = defaultWriteWait
	}
	if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait)); err != nil {
		return fmt.Errorf("send keepalive: %w", err)
	}
	if s.hooks.OnPing != nil {
		s.hooks.OnPing()
	}
	return nil
}

// Close sends a close frame, tears the connection down and stops the
// keepalive ticker. Safe to call more than once and from any goroutine.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		deadline := time.Now().Add(time.Second)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

func (s *Session) keepaliveLoop() {
	defer s.wg.Done()

	interval := s.cfg.KeepaliveInterval
	if interval <= 0 {
		interval = defaultKeepalive
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if err := s.SendKeepalive(); err != nil {
				// A failed ping means the connection is going away; the
				// read loop will observe the same failure and reconnect.
				s.log.WithComponent("session").WithError(err).Warn("keepalive ping failed")
				return
			}
		}
	}
}

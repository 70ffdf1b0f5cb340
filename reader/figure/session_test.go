package figure

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"bidaskflow/config"
	"bidaskflow/logger"
)

func TestMain(m *testing.M) {
	logger.GetLogger().SetOutput(io.Discard)
	os.Exit(m.Run())
}

func testConnConfig() config.ConnectionConfig {
	return config.ConnectionConfig{
		HandshakeTimeout:  2 * time.Second,
		KeepaliveInterval: 20 * time.Second,
		KeepaliveTimeout:  time.Second,
		StreamingGrace:    30 * time.Second,
		Backoff: config.BackoffConfig{
			Base: 10 * time.Millisecond,
			Max:  100 * time.Millisecond,
		},
	}
}

// newWSServer starts a websocket test server; handler runs once per
// connection.
func newWSServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSessionReceive(t *testing.T) {
	url := newWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte("hello"))
		conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02})
		conn.WriteMessage(websocket.TextMessage, []byte("world"))
		time.Sleep(100 * time.Millisecond)
	})

	s, err := Dial(context.Background(), url, testConnConfig(), SessionHooks{})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer s.Close()

	data, receivedAt, err := s.Receive()
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("frame = %q, want hello", data)
	}
	if receivedAt.IsZero() {
		t.Error("arrival time not set")
	}

	// The binary frame in between is skipped.
	data, _, err = s.Receive()
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if string(data) != "world" {
		t.Errorf("frame = %q, want world", data)
	}
}

func TestSessionSend(t *testing.T) {
	got := make(chan []byte, 1)
	url := newWSServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		got <- data
	})

	s, err := Dial(context.Background(), url, testConnConfig(), SessionHooks{})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer s.Close()

	if err := s.Send([]byte(`{"action":"SUBSCRIBE"}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != `{"action":"SUBSCRIBE"}` {
			t.Errorf("server received %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestSessionKeepalive(t *testing.T) {
	// The server read loop answers pings with pongs via the default ping
	// handler.
	url := newWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	pings := make(chan struct{}, 8)
	pongs := make(chan time.Time, 8)
	cfg := testConnConfig()
	cfg.KeepaliveInterval = 20 * time.Millisecond

	s, err := Dial(context.Background(), url, cfg, SessionHooks{
		OnPing: func() { pings <- struct{}{} },
		OnPong: func(t time.Time) { pongs <- t },
	})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer s.Close()

	// Pong control frames are only processed while a read is pending.
	go s.Receive()

	select {
	case <-pings:
	case <-time.After(time.Second):
		t.Fatal("no keepalive ping sent")
	}
	select {
	case at := <-pongs:
		if at.IsZero() {
			t.Error("pong timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("no pong received")
	}
}

func TestSessionClose(t *testing.T) {
	url := newWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s, err := Dial(context.Background(), url, testConnConfig(), SessionHooks{})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, _, err := s.Receive()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("receive after close = %v, want ErrSessionClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("receive still blocked after close")
	}

	// Close is idempotent.
	if err := s.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	if _, err := Dial(context.Background(), url, testConnConfig(), SessionHooks{}); err == nil {
		t.Fatal("dial to a dead server must fail")
	}
}

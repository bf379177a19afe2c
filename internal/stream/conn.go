package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live connection delivering text frames.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens connections. Production uses WebSocketDialer; tests inject fakes.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials the venue with gorilla/websocket. Each read refreshes the
// read deadline so a silent server surfaces as a timeout instead of a hang.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
}

// NewWebSocketDialer returns a dialer with venue-friendly defaults.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     20 * time.Second,
	}
}

// Dial opens url, bounded by ctx and the handshake timeout.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		Proxy:            websocket.DefaultDialer.Proxy,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &wsConn{ws: ws, readTimeout: d.ReadTimeout, done: make(chan struct{})}
	if d.ReadTimeout > 0 {
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(d.ReadTimeout))
		})
	}
	if d.PingInterval > 0 {
		go c.pingLoop(d.PingInterval)
	}
	return c, nil
}

type wsConn struct {
	ws          *websocket.Conn
	readTimeout time.Duration
	done        chan struct{}
	closeOnce   sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	if c.readTimeout > 0 {
		if err := c.ws.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, err
		}
	}
	_, msg, err := c.ws.ReadMessage()
	return msg, err
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		// Best effort; the peer may already be gone.
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// pingLoop uses WriteControl, which gorilla allows concurrently with reads.
func (c *wsConn) pingLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

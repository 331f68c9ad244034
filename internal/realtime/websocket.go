package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/matchsync/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// WebsocketTransport dials the realtime server over a websocket and
// exchanges JSON frames.
type WebsocketTransport struct {
	url    string
	dialer *websocket.Dialer
}

// NewWebsocketTransport creates a transport for the given ws:// or wss:// URL.
func NewWebsocketTransport(rawURL string) *WebsocketTransport {
	return &WebsocketTransport{
		url: rawURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

// Dial opens a session. The token travels as a bearer header and the user id
// as a query parameter.
func (t *WebsocketTransport) Dial(ctx context.Context, token, userID string) (Conn, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	c, resp, err := t.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake rejected (%s): %w", resp.Status, err)
		}
		return nil, err
	}

	c.SetReadLimit(maxMessageSize)
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})

	wc := &wsConn{conn: c, done: make(chan struct{})}
	go wc.pingLoop()
	return wc, nil
}

type wsConn struct {
	conn *websocket.Conn

	wmu  sync.Mutex
	once sync.Once
	done chan struct{}
}

func (c *wsConn) ReadFrame() (wire.Frame, error) {
	var f wire.Frame
	if err := c.conn.ReadJSON(&f); err != nil {
		return wire.Frame{}, err
	}
	// Any inbound traffic proves the peer is alive.
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	return f, nil
}

func (c *wsConn) WriteFrame(f wire.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.wmu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.wmu.Unlock()
			if err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

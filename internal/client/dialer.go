//go:generate go run go.uber.org/mock/mockgen -source=dialer.go -destination=mocks/mock_dialer.go -package=mocks
package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Dialer opens a new session to the relay at url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the relay with gorilla/websocket, presenting Origin so
// the server's origin allow-list accepts it.
type WebsocketDialer struct {
	origin string
	dialer *websocket.Dialer
}

var _ Dialer = (*WebsocketDialer)(nil)

// NewWebsocketDialer returns a dialer that sends origin as the Origin header
// when it is not empty.
func NewWebsocketDialer(origin string) *WebsocketDialer {
	return &WebsocketDialer{
		origin: origin,
		dialer: &websocket.Dialer{
			Proxy:           http.ProxyFromEnvironment,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Dial opens a websocket to url, giving up when ctx is done.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	header := http.Header{}
	if d.origin != "" {
		header.Set("Origin", d.origin)
	}

	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage {
			return payload, nil
		}
	}
}

func (c *wsConn) WriteMessage(payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// defaultReadLimit matches the gateway's per-message limit.
const defaultReadLimit = 1024 * 1024

// Conn is one underlying realtime socket. Read is only called from a single
// goroutine; Write and Close may be called concurrently.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, p []byte) error
	Close() error
}

// Dialer opens a Conn to the gateway.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the gateway with github.com/coder/websocket.
type WebsocketDialer struct {
	HTTPHeader http.Header
	ReadLimit  int64
}

// Dial opens a websocket to url.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: d.HTTPHeader,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	c.SetReadLimit(limit)
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, p []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, p)
}

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

const (
	wsReadLimit    = 2 * 1024 * 1024
	wsWriteTimeout = 5 * time.Second
)

// Conn is one open feed socket.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Transport dials feed sockets. The production implementation speaks
// websocket; tests substitute scripted connections.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsTransport struct{}

// NewWebsocketTransport returns the production websocket transport.
func NewWebsocketTransport() Transport {
	return wsTransport{}
}

func (wsTransport) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(wsReadLimit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read websocket: %w", err)
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write websocket: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "shutdown")
}

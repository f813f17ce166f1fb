package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned by Send after Close.
var ErrConnClosed = errors.New("connection closed")

// Conn is one deliverable endpoint.
type Conn interface {
	ID() string
	Send(msg []byte) error
}

// WSConn adapts a websocket connection to Conn. Writes are serialised and
// each one is bounded by the write timeout.
type WSConn struct {
	id      string
	conn    *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
	closed  atomic.Bool
}

func NewWSConn(id string, conn *websocket.Conn, timeout time.Duration) *WSConn {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &WSConn{id: id, conn: conn, timeout: timeout}
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) Send(msg []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *WSConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

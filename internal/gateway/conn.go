package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lesismal/nbio/nbhttp/websocket"

	"imconnect/node/internal/registry"
)

// ErrConnClosed is returned when writing to a socket that has already been closed.
var ErrConnClosed = errors.New("connection closed")

// Conn is an accepted, authenticated client socket.
type Conn struct {
	id      string
	userID  int64
	device  string
	created time.Time
	remote  string

	ws     *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

var _ registry.Conn = (*Conn)(nil)

func newConn(identity Identity, remote string, now time.Time) *Conn {
	return &Conn{
		id:      uuid.NewString(),
		userID:  identity.UserID,
		device:  identity.Device,
		created: now,
		remote:  remote,
	}
}

func (c *Conn) ID() string          { return c.id }
func (c *Conn) UserID() int64       { return c.userID }
func (c *Conn) DeviceClass() string { return c.device }

// CreatedAt reports when the handshake completed.
func (c *Conn) CreatedAt() time.Time { return c.created }

// RemoteAddr is the peer address seen at handshake time.
func (c *Conn) RemoteAddr() string { return c.remote }

func (c *Conn) attach(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	//1.- A Close that raced the open must still reach the socket.
	if c.closed.Load() {
		_ = ws.Close()
	}
}

// Send writes one binary frame.
func (c *Conn) Send(frame []byte) error {
	return c.write(websocket.BinaryMessage, frame)
}

// Ping writes a liveness probe. The peer's pong arrives through the gateway's activity hook.
func (c *Conn) Ping() error {
	return c.write(websocket.PingMessage, nil)
}

func (c *Conn) write(kind websocket.MessageType, data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrConnClosed
	}
	return c.ws.WriteMessage(kind, data)
}

// Close closes the socket once. Later calls are no-ops.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close()
}

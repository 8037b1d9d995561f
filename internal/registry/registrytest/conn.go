// Package registrytest provides in-memory connections for tests.
package registrytest

import (
	"errors"
	"sync"

	"imconnect/node/internal/registry"
)

// FakeConn is an in-memory registry.Conn that records what is written to it.
type FakeConn struct {
	ConnID string
	User   int64
	Device string

	SendErr error
	PingErr error
	OnPing  func()

	mu     sync.Mutex
	frames [][]byte
	pings  int
	closed bool
}

// NewFakeConn returns a FakeConn for user.
func NewFakeConn(id string, user int64) *FakeConn {
	return &FakeConn{ConnID: id, User: user, Device: "mobile"}
}

func (c *FakeConn) ID() string          { return c.ConnID }
func (c *FakeConn) UserID() int64       { return c.User }
func (c *FakeConn) DeviceClass() string { return c.Device }

func (c *FakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *FakeConn) Ping() error {
	c.mu.Lock()
	c.pings++
	err := c.PingErr
	hook := c.OnPing
	c.mu.Unlock()
	if hook != nil && err == nil {
		hook()
	}
	return err
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Frames returns a copy of everything sent so far.
func (c *FakeConn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// Pings reports how many probes were sent.
func (c *FakeConn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ registry.Conn = (*FakeConn)(nil)

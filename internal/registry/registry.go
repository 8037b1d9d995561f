// Package registry tracks the live connection of each user on this node.
package registry

import (
	"errors"
	"sort"
	"sync"

	"imconnect/node/internal/logging"
)

// ErrNotRegistered is returned when a user has no live connection on this node.
var ErrNotRegistered = errors.New("user not registered on this node")

// Conn is the writable handle of an accepted client socket.
type Conn interface {
	ID() string
	UserID() int64
	DeviceClass() string
	Send(frame []byte) error
	Ping() error
	Close() error
}

// Registry maps user ids to their single registered connection. A later login replaces
// the earlier one.
type Registry struct {
	mu     sync.RWMutex
	conns  map[int64]Conn
	logger *logging.Logger
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New constructs an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{conns: make(map[int64]Conn), logger: logging.L()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores conn for its user and closes whichever connection it superseded.
// The superseded connection, if any, is returned.
func (r *Registry) Register(conn Conn) Conn {
	if r == nil || conn == nil {
		return nil
	}
	r.mu.Lock()
	previous := r.conns[conn.UserID()]
	r.conns[conn.UserID()] = conn
	r.mu.Unlock()

	if previous == nil || previous == conn {
		return nil
	}
	r.logger.Info("connection superseded",
		logging.Int64("user_id", conn.UserID()),
		logging.String("previous_conn", previous.ID()),
		logging.String("conn", conn.ID()),
	)
	if err := previous.Close(); err != nil {
		r.logger.Debug("close superseded connection", logging.Error(err))
	}
	return previous
}

// Unregister removes the entry for userID only while it still belongs to connID, so a
// superseded socket closing late cannot evict the newer login.
func (r *Registry) Unregister(userID int64, connID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.conns[userID]
	if !ok || current.ID() != connID {
		return false
	}
	delete(r.conns, userID)
	return true
}

// Lookup returns the live connection for userID.
func (r *Registry) Lookup(userID int64) (Conn, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

// IsCurrent reports whether conn is still the registered connection of its user.
func (r *Registry) IsCurrent(conn Conn) bool {
	current, ok := r.Lookup(conn.UserID())
	return ok && current.ID() == conn.ID()
}

// Send writes frame to the user's connection.
func (r *Registry) Send(userID int64, frame []byte) error {
	conn, ok := r.Lookup(userID)
	if !ok {
		return ErrNotRegistered
	}
	return conn.Send(frame)
}

// UserIDs returns the registered users in ascending order.
func (r *Registry) UserIDs() []int64 {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	ids := make([]int64, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len reports the number of registered users.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

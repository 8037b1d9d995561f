// Package gateway accepts client websockets on an nbio event loop and feeds their frames
// into the handler worker pool.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lesismal/nbio/nbhttp"
	"github.com/lesismal/nbio/nbhttp/websocket"

	"imconnect/node/internal/flow"
	"imconnect/node/internal/logging"
	"imconnect/node/internal/protocol"
	"imconnect/node/internal/registry"
	"imconnect/node/internal/workerpool"
)

// Path is the websocket endpoint clients connect to.
const Path = "/ws"

const registerTimeout = 5 * time.Second

// Dispatcher handles a decoded client frame on a worker goroutine.
type Dispatcher interface {
	DispatchFromClient(ctx context.Context, conn registry.Conn, env protocol.Envelope)
}

// Lifecycle registers and releases accepted connections.
type Lifecycle interface {
	Connected(ctx context.Context, conn registry.Conn) error
	Disconnected(ctx context.Context, conn registry.Conn)
}

// ActivityTracker records inbound traffic and pongs for liveness.
type ActivityTracker interface {
	Touch(connID string)
}

// Submitter runs keyed tasks off the event loop.
type Submitter interface {
	Submit(key uint64, task workerpool.Task) error
}

// Settings sizes the listener.
type Settings struct {
	Addr            string
	Backlog         int
	MaxClients      int
	MaxPayloadBytes int64
	Pollers         int
	AllowedOrigins  []string
}

// Server is the client facing websocket gateway.
type Server struct {
	settings   Settings
	auth       Authenticator
	dispatcher Dispatcher
	lifecycle  Lifecycle
	activity   ActivityTracker
	workers    Submitter
	gate       *flow.Gate
	logger     *logging.Logger
	now        func() time.Time

	handshakes chan struct{}
	maxClients atomic.Int64
	active     atomic.Int64
	conns      sync.Map // conn id -> *Conn

	engine *nbhttp.Engine
}

// Option customises a Server.
type Option func(*Server)

// WithActivityTracker forwards inbound activity to the heartbeat monitor.
func WithActivityTracker(tracker ActivityTracker) Option {
	return func(s *Server) {
		if tracker != nil {
			s.activity = tracker
		}
	}
}

// WithGate applies a per-connection inbound rate gate.
func WithGate(gate *flow.Gate) Option {
	return func(s *Server) { s.gate = gate }
}

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the connection timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

type noopActivity struct{}

func (noopActivity) Touch(string) {}

// New validates settings and builds a gateway. Start opens the listener.
func New(settings Settings, authenticator Authenticator, dispatcher Dispatcher, lifecycle Lifecycle, workers Submitter, opts ...Option) (*Server, error) {
	if strings.TrimSpace(settings.Addr) == "" {
		return nil, errors.New("gateway address must not be empty")
	}
	if settings.Backlog <= 0 {
		return nil, fmt.Errorf("gateway backlog must be positive, got %d", settings.Backlog)
	}
	if authenticator == nil || dispatcher == nil || lifecycle == nil || workers == nil {
		return nil, errors.New("gateway requires an authenticator, dispatcher, lifecycle and worker pool")
	}
	if settings.Pollers <= 0 {
		settings.Pollers = 1
	}
	s := &Server{
		settings:   settings,
		auth:       authenticator,
		dispatcher: dispatcher,
		lifecycle:  lifecycle,
		activity:   noopActivity{},
		workers:    workers,
		logger:     logging.L(),
		now:        time.Now,
		handshakes: make(chan struct{}, settings.Backlog),
	}
	s.maxClients.Store(int64(settings.MaxClients))
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logging.String("component", "gateway"))
	return s, nil
}

// Handler exposes the upgrade endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.serveWS)
	return mux
}

// Start opens the listener and the event loop.
func (s *Server) Start() error {
	engine := nbhttp.NewEngine(nbhttp.Config{
		Network: "tcp",
		Addrs:   []string{s.settings.Addr},
		NPoller: s.settings.Pollers,
		Handler: s.Handler(),
	})
	if err := engine.Start(); err != nil {
		return fmt.Errorf("start gateway on %s: %w", s.settings.Addr, err)
	}
	s.engine = engine
	s.logger.Info("gateway listening", logging.String("url", ListenerURL(s.settings.Addr, false)))
	return nil
}

// Stop closes every socket and the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.engine == nil {
		return nil
	}
	return s.engine.Shutdown(ctx)
}

// SetMaxClients changes the connection cap for future handshakes. Zero disables it.
func (s *Server) SetMaxClients(limit int) {
	s.maxClients.Store(int64(limit))
}

// Active reports the number of open sockets.
func (s *Server) Active() int { return int(s.active.Load()) }

// Pending reports handshakes currently holding a backlog slot.
func (s *Server) Pending() int { return len(s.handshakes) }

// Each visits every open connection.
func (s *Server) Each(fn func(*Conn)) {
	s.conns.Range(func(_, value any) bool {
		fn(value.(*Conn))
		return true
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.settings.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.settings.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	//1.- Bound handshakes in flight; beyond the backlog the client retries later.
	select {
	case s.handshakes <- struct{}{}:
		defer func() { <-s.handshakes }()
	default:
		http.Error(w, "handshake backlog full", http.StatusServiceUnavailable)
		return
	}
	if limit := s.maxClients.Load(); limit > 0 && s.active.Load() >= limit {
		s.logger.Warn("connection refused at capacity", logging.Int64("max_clients", limit))
		http.Error(w, "node at capacity", http.StatusServiceUnavailable)
		return
	}

	//2.- Authenticate before the upgrade so rejected clients never hold a socket.
	identity, err := s.auth.Authenticate(r)
	if err != nil {
		s.logger.Warn("websocket authentication failed",
			logging.String("remote_addr", r.RemoteAddr),
			logging.Error(err),
		)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn := newConn(identity, r.RemoteAddr, s.now())
	upgrader := s.upgrader(conn)
	if _, err := upgrader.Upgrade(w, r, nil); err != nil {
		s.logger.Warn("websocket upgrade failed", logging.Int64("user_id", identity.UserID), logging.Error(err))
		return
	}

	//3.- Register only after the socket is live; a failed registration closes it.
	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()
	if err := s.lifecycle.Connected(ctx, conn); err != nil {
		s.logger.Error("register connection",
			logging.Int64("user_id", conn.UserID()),
			logging.String("conn", conn.ID()),
			logging.Error(err),
		)
		_ = conn.Close()
	}
}

func (s *Server) upgrader(conn *Conn) *websocket.Upgrader {
	u := websocket.NewUpgrader()
	u.CheckOrigin = s.checkOrigin
	u.OnOpen(func(ws *websocket.Conn) {
		conn.attach(ws)
		s.conns.Store(conn.ID(), conn)
		s.active.Add(1)
		s.activity.Touch(conn.ID())
	})
	u.SetPongHandler(func(*websocket.Conn, string) {
		s.activity.Touch(conn.ID())
	})
	u.OnMessage(func(_ *websocket.Conn, kind websocket.MessageType, data []byte) {
		s.onMessage(conn, kind, data)
	})
	u.OnClose(func(_ *websocket.Conn, err error) {
		s.onClose(conn, err)
	})
	return u
}

func (s *Server) onMessage(conn *Conn, kind websocket.MessageType, data []byte) {
	s.activity.Touch(conn.ID())
	if kind != websocket.BinaryMessage {
		s.logger.Debug("ignoring non binary frame", logging.String("conn", conn.ID()))
		return
	}
	if s.settings.MaxPayloadBytes > 0 && int64(len(data)) > s.settings.MaxPayloadBytes {
		s.logger.Warn("frame exceeds payload limit",
			logging.String("conn", conn.ID()),
			logging.Int("bytes", len(data)),
		)
		_ = conn.Close()
		return
	}
	//1.- Decode copies what it keeps, so the loop's read buffer can be reused.
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		s.logger.Debug("dropping malformed frame", logging.String("conn", conn.ID()), logging.Error(err))
		return
	}
	if decision := s.gate.Evaluate(conn.ID()); !decision.Accepted {
		s.reject(conn, env.Type, decision.Reason.String())
		return
	}
	//2.- One sender's frames share a worker so they are handled in arrival order.
	task := func(ctx context.Context) {
		s.dispatcher.DispatchFromClient(ctx, conn, env)
	}
	switch err := s.workers.Submit(uint64(conn.UserID()), task); {
	case err == nil:
	case errors.Is(err, workerpool.ErrQueueFull):
		s.reject(conn, env.Type, "worker queue full")
	default:
		s.logger.Warn("submit frame", logging.String("conn", conn.ID()), logging.Error(err))
	}
}

func (s *Server) reject(conn *Conn, t protocol.MsgType, reason string) {
	s.logger.Debug("frame rejected as busy",
		logging.String("conn", conn.ID()),
		logging.String("type", t.String()),
		logging.String("reason", reason),
	)
	resp := protocol.Response(t, protocol.CodeBusy)
	if err := conn.Send(resp.Marshal()); err != nil {
		s.logger.Debug("send busy response", logging.Error(err))
	}
}

func (s *Server) onClose(conn *Conn, err error) {
	conn.closed.Store(true)
	if _, loaded := s.conns.LoadAndDelete(conn.ID()); !loaded {
		return
	}
	s.active.Add(-1)
	s.gate.Forget(conn.ID())
	s.logger.Debug("connection closed",
		logging.Int64("user_id", conn.UserID()),
		logging.String("conn", conn.ID()),
		logging.Error(err),
	)
	//1.- Release on a fresh context; the handshake request context is long gone.
	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()
	s.lifecycle.Disconnected(ctx, conn)
}

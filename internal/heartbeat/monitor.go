// Package heartbeat probes idle connections and evicts the ones that stop answering.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"imconnect/node/internal/logging"
	"imconnect/node/internal/registry"
)

// Settings tunes the monitor and may be swapped at runtime.
type Settings struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
}

func (s Settings) validate() error {
	switch {
	case s.Interval <= 0:
		return errors.New("heartbeat: interval must be positive")
	case s.Timeout <= 0:
		return errors.New("heartbeat: timeout must be positive")
	case s.FailureThreshold <= 0:
		return errors.New("heartbeat: failure threshold must be positive")
	}
	return nil
}

// Leaser renews the presence leases of live users in one call. owned[i] is false when
// userIDs[i] no longer has a record naming this node.
type Leaser interface {
	RenewBatch(ctx context.Context, userIDs []int64) (owned []bool, err error)
}

// EvictFunc tears down everything registered for an evicted connection.
type EvictFunc func(ctx context.Context, conn registry.Conn, reason string)

// state is the per connection liveness record.
type state struct {
	conn         registry.Conn
	lastActivity time.Time
	lastProbe    time.Time
	probing      bool
	missed       int
}

// Monitor is the heartbeat monitor.
type Monitor struct {
	mu          sync.Mutex
	conns       map[string]*state
	settings    atomic.Pointer[Settings]
	settingsSet chan struct{}
	leaser      Leaser
	onEvict     EvictFunc
	now         func() time.Time
	logger      *logging.Logger
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithLeaser renews presence for live connections on every tick.
func WithLeaser(leaser Leaser) Option {
	return func(m *Monitor) { m.leaser = leaser }
}

// WithEvictHandler registers the eviction callback.
func WithEvictHandler(fn EvictFunc) Option {
	return func(m *Monitor) { m.onEvict = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New constructs a Monitor.
func New(settings Settings, opts ...Option) (*Monitor, error) {
	if err := settings.validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		conns:       make(map[string]*state),
		settingsSet: make(chan struct{}, 1),
		now:         time.Now,
		logger:      logging.L(),
	}
	m.settings.Store(&settings)
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// UpdateSettings swaps the active settings.
func (m *Monitor) UpdateSettings(settings Settings) error {
	if err := settings.validate(); err != nil {
		return err
	}
	m.settings.Store(&settings)
	select {
	case m.settingsSet <- struct{}{}:
	default:
	}
	return nil
}

// Settings returns the active settings.
func (m *Monitor) Settings() Settings { return *m.settings.Load() }

// Track starts watching conn.
func (m *Monitor) Track(conn registry.Conn) {
	if m == nil || conn == nil {
		return
	}
	m.mu.Lock()
	m.conns[conn.ID()] = &state{conn: conn, lastActivity: m.now()}
	m.mu.Unlock()
}

// Touch records inbound activity, including pong frames, and clears missed probes.
func (m *Monitor) Touch(connID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if st, ok := m.conns[connID]; ok {
		st.lastActivity = m.now()
		st.probing = false
		st.missed = 0
	}
	m.mu.Unlock()
}

// Forget stops watching a connection.
func (m *Monitor) Forget(connID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.conns, connID)
	m.mu.Unlock()
}

// untrack forgets connID and reports whether it was still watched. A connection released
// while the tick ran is not evicted again.
func (m *Monitor) untrack(connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[connID]; !ok {
		return false
	}
	delete(m.conns, connID)
	return true
}

// Len reports how many connections are watched.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.Settings().Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.settingsSet:
			if next := m.Settings().Interval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

type eviction struct {
	conn   registry.Conn
	reason string
}

// Tick runs one liveness pass.
func (m *Monitor) Tick(ctx context.Context) {
	settings := m.Settings()
	now := m.now()
	var (
		probes  []*state
		alive   []registry.Conn
		evicted []eviction
	)

	//1.- Count unanswered probes and pick the connections to probe under the lock.
	m.mu.Lock()
	for id, st := range m.conns {
		if st.probing {
			st.missed++
			st.probing = false
			if st.missed >= settings.FailureThreshold {
				delete(m.conns, id)
				evicted = append(evicted, eviction{conn: st.conn, reason: "heartbeat timeout"})
				continue
			}
		}
		if now.Sub(st.lastActivity) > settings.Timeout {
			st.probing = true
			st.lastProbe = now
			probes = append(probes, st)
		}
		alive = append(alive, st.conn)
	}
	m.mu.Unlock()

	//2.- Probe outside the lock; a probe that cannot be written is already a miss.
	for _, st := range probes {
		if err := st.conn.Ping(); err != nil {
			m.logger.Debug("heartbeat probe failed", logging.String("conn_id", st.conn.ID()), logging.Error(err))
		}
	}

	//3.- Keep presence leases alive. A lost lease means the user logged in elsewhere or
	// the record lapsed; either way this socket no longer receives the user's traffic.
	if m.leaser != nil && len(alive) > 0 {
		userIDs := make([]int64, len(alive))
		for i, conn := range alive {
			userIDs[i] = conn.UserID()
		}
		owned, err := m.leaser.RenewBatch(ctx, userIDs)
		if err != nil {
			m.logger.Warn("presence renew failed", logging.Int("users", len(userIDs)), logging.Error(err))
		}
		for i := 0; err == nil && i < len(alive); i++ {
			if owned[i] || !m.untrack(alive[i].ID()) {
				continue
			}
			evicted = append(evicted, eviction{conn: alive[i], reason: "presence lease lost"})
		}
	}

	for _, ev := range evicted {
		m.evict(ctx, ev)
	}
}

func (m *Monitor) evict(ctx context.Context, ev eviction) {
	m.logger.Info("evicting connection",
		logging.String("conn_id", ev.conn.ID()),
		logging.Int64("user_id", ev.conn.UserID()),
		logging.String("reason", ev.reason),
	)
	if err := ev.conn.Close(); err != nil {
		m.logger.Debug("close evicted connection", logging.Error(err))
	}
	if m.onEvict != nil {
		m.onEvict(ctx, ev.conn, ev.reason)
	}
}

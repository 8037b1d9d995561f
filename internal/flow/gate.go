// Package flow throttles inbound frames per connection.
package flow

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"imconnect/node/internal/logging"
)

// Clock exposes the current time for rate limiting decisions.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock for functional adapters.
func (c ClockFunc) Now() time.Time { return c() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config sizes the token bucket each connection draws from. A zero PerSecond disables the gate.
type Config struct {
	PerSecond float64
	Burst     int
}

func (c Config) enabled() bool { return c.PerSecond > 0 && c.Burst > 0 }

// DropReason enumerates why a frame was rejected by the gate.
type DropReason string

const (
	DropReasonNone        DropReason = ""
	DropReasonRateLimited DropReason = "rate_limit"
)

// String returns the textual representation of the drop reason.
func (r DropReason) String() string { return string(r) }

// Decision summarises whether a frame may be processed.
type Decision struct {
	Accepted bool
	Reason   DropReason
}

// entry is the per connection limiter and its drop counter.
type entry struct {
	limiter *rate.Limiter
	dropped atomic.Uint64
}

// Gate keeps one token bucket limiter per connection id. Connections never contend with
// each other on the frame path.
type Gate struct {
	cfg     atomic.Pointer[Config]
	clock   Clock
	logger  *logging.Logger
	entries sync.Map // conn id -> *entry
}

// Option customises gate construction.
type Option func(*Gate)

// WithClock overrides the clock used to refill buckets.
func WithClock(clock Clock) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGate constructs a gate with the supplied configuration and logger.
func NewGate(cfg Config, logger *logging.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = logging.L()
	}
	g := &Gate{clock: systemClock{}, logger: logger}
	g.cfg.Store(&cfg)
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// UpdateConfig applies new limits to every live connection. Saved tokens above the new
// burst are discarded on the next frame.
func (g *Gate) UpdateConfig(cfg Config) {
	if g == nil {
		return
	}
	g.cfg.Store(&cfg)
	if !cfg.enabled() {
		return
	}
	now := g.clock.Now()
	g.entries.Range(func(_, value any) bool {
		e := value.(*entry)
		e.limiter.SetLimitAt(now, rate.Limit(cfg.PerSecond))
		e.limiter.SetBurstAt(now, cfg.Burst)
		return true
	})
}

// Evaluate consumes one token for connID.
func (g *Gate) Evaluate(connID string) Decision {
	accepted := Decision{Accepted: true}
	if g == nil || connID == "" {
		return accepted
	}
	cfg := g.cfg.Load()
	if !cfg.enabled() {
		return accepted
	}
	now := g.clock.Now()
	e := g.entry(connID, *cfg)
	if e.limiter.AllowN(now, 1) {
		return accepted
	}
	if e.dropped.Add(1) == 1 {
		g.logger.Warn("connection rate limited", logging.String("conn", connID))
	}
	return Decision{Accepted: false, Reason: DropReasonRateLimited}
}

// entry returns the limiter of connID. New connections start with a full bucket.
func (g *Gate) entry(connID string, cfg Config) *entry {
	if value, ok := g.entries.Load(connID); ok {
		return value.(*entry)
	}
	value, _ := g.entries.LoadOrStore(connID, &entry{limiter: rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst)})
	return value.(*entry)
}

// Dropped reports how many frames were rejected for connID.
func (g *Gate) Dropped(connID string) uint64 {
	if g == nil {
		return 0
	}
	if value, ok := g.entries.Load(connID); ok {
		return value.(*entry).dropped.Load()
	}
	return 0
}

// Forget clears the bucket of a disconnected connection.
func (g *Gate) Forget(connID string) {
	if g == nil || connID == "" {
		return
	}
	g.entries.Delete(connID)
}

// Package idgen allocates cluster-unique, time-ordered 64-bit message identifiers.
package idgen

import (
	"fmt"
	"sync"
	"time"
)

const (
	datacenterBits = 5
	workerBits     = 5
	sequenceBits   = 12

	// MaxDatacenterID is the largest datacenter id that fits the layout.
	MaxDatacenterID = 1<<datacenterBits - 1
	// MaxWorkerID is the largest worker id that fits the layout.
	MaxWorkerID = 1<<workerBits - 1
	maxSequence = 1<<sequenceBits - 1

	workerShift     = sequenceBits
	datacenterShift = sequenceBits + workerBits
	timestampShift  = sequenceBits + workerBits + datacenterBits
)

// DefaultEpoch is the zero point of the timestamp component.
var DefaultEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Generator hands out ids laid out as 41 bits of milliseconds since the epoch, 5 bits of
// datacenter, 5 bits of worker and a 12 bit per-millisecond sequence.
type Generator struct {
	mu           sync.Mutex
	epochMillis  int64
	datacenterID int64
	workerID     int64
	sequence     int64
	lastMillis   int64

	now   func() time.Time
	sleep func(time.Duration)
}

// Option customises a Generator.
type Option func(*Generator)

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
		if sleep != nil {
			g.sleep = sleep
		}
	}
}

// WithEpoch overrides DefaultEpoch.
func WithEpoch(epoch time.Time) Option {
	return func(g *Generator) {
		g.epochMillis = epoch.UnixMilli()
	}
}

// New validates the node coordinates and returns a Generator.
func New(datacenterID, workerID int64, opts ...Option) (*Generator, error) {
	if datacenterID < 0 || datacenterID > MaxDatacenterID {
		return nil, fmt.Errorf("datacenter id %d out of range 0..%d", datacenterID, MaxDatacenterID)
	}
	if workerID < 0 || workerID > MaxWorkerID {
		return nil, fmt.Errorf("worker id %d out of range 0..%d", workerID, MaxWorkerID)
	}
	g := &Generator{
		epochMillis:  DefaultEpoch.UnixMilli(),
		datacenterID: datacenterID,
		workerID:     workerID,
		lastMillis:   -1,
		now:          time.Now,
		sleep:        time.Sleep,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Next returns the next id. When the clock moves backwards it waits for it to catch up
// rather than risk a duplicate.
func (g *Generator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nextLocked()
}

// NextN returns n ids allocated under a single lock acquisition.
func (g *Generator) NextN(n int) []uint64 {
	if n <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = g.nextLocked()
	}
	return ids
}

func (g *Generator) nextLocked() uint64 {
	millis := g.now().UnixMilli()
	for millis < g.lastMillis {
		g.sleep(time.Millisecond)
		millis = g.now().UnixMilli()
	}
	if millis == g.lastMillis {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for millis <= g.lastMillis {
				g.sleep(100 * time.Microsecond)
				millis = g.now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMillis = millis

	return uint64(millis-g.epochMillis)<<timestampShift |
		uint64(g.datacenterID)<<datacenterShift |
		uint64(g.workerID)<<workerShift |
		uint64(g.sequence)
}

// Parts decomposes an id into its components.
type Parts struct {
	Time         time.Time
	DatacenterID int64
	WorkerID     int64
	Sequence     int64
}

// Decompose splits id using the generator's epoch.
func (g *Generator) Decompose(id uint64) Parts {
	return Parts{
		Time:         time.UnixMilli(int64(id>>timestampShift) + g.epochMillis).UTC(),
		DatacenterID: int64(id>>datacenterShift) & MaxDatacenterID,
		WorkerID:     int64(id>>workerShift) & MaxWorkerID,
		Sequence:     int64(id) & maxSequence,
	}
}

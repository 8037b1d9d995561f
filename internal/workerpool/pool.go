// Package workerpool runs handler tasks off the I/O loop on a fixed set of goroutines.
// Tasks sharing a key always run on the same worker, in submission order.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"imconnect/node/internal/logging"
)

var (
	// ErrQueueFull is returned when the worker owning a key has no queue capacity left.
	ErrQueueFull = errors.New("worker queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("worker pool closed")
)

// Task is a unit of handler work.
type Task func(ctx context.Context)

type generation struct {
	queues []chan Task
	done   sync.WaitGroup
	ready  chan struct{}
}

// Pool is a keyed, bounded worker pool.
type Pool struct {
	mu     sync.RWMutex
	gen    *generation
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	logger *logging.Logger
}

// Option customises a Pool.
type Option func(*Pool)

// WithLogger attaches a logger used for recovered task panics.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New starts size workers, each with a queue of depth tasks.
func New(size, depth int, opts ...Option) (*Pool, error) {
	if size <= 0 || depth <= 0 {
		return nil, fmt.Errorf("workerpool: size and depth must be positive, got %d/%d", size, depth)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{ctx: ctx, cancel: cancel, logger: logging.L()}
	for _, opt := range opts {
		opt(p)
	}
	ready := make(chan struct{})
	close(ready)
	p.gen = p.start(size, depth, ready)
	return p, nil
}

func (p *Pool) start(size, depth int, ready chan struct{}) *generation {
	gen := &generation{queues: make([]chan Task, size), ready: ready}
	for i := range gen.queues {
		queue := make(chan Task, depth)
		gen.queues[i] = queue
		gen.done.Add(1)
		go p.work(gen, queue)
	}
	return gen
}

func (p *Pool) work(gen *generation, queue chan Task) {
	defer gen.done.Done()
	<-gen.ready
	for task := range queue {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", logging.String("panic", fmt.Sprint(r)))
		}
	}()
	task(p.ctx)
}

// Submit enqueues task on the worker that owns key without blocking.
func (p *Pool) Submit(key uint64, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	queue := p.gen.queues[key%uint64(len(p.gen.queues))]
	select {
	case queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Size reports the number of workers.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.gen.queues)
}

// Pending reports queued tasks across all workers.
func (p *Pool) Pending() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := 0
	for _, queue := range p.gen.queues {
		total += len(queue)
	}
	return total
}

// Resize replaces the worker set. New workers start only after every task accepted by the
// old set has run, so per-key order survives the change of key to worker mapping.
func (p *Pool) Resize(size, depth int) error {
	if size <= 0 || depth <= 0 {
		return fmt.Errorf("workerpool: size and depth must be positive, got %d/%d", size, depth)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	old := p.gen
	if len(old.queues) == size && cap(old.queues[0]) == depth {
		p.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	p.gen = p.start(size, depth, ready)
	for _, queue := range old.queues {
		close(queue)
	}
	p.mu.Unlock()

	go func() {
		old.done.Wait()
		close(ready)
	}()
	p.logger.Info("worker pool resized", logging.Int("size", size), logging.Int("depth", depth))
	return nil
}

// Close stops accepting work and waits for queued tasks to finish or ctx to expire.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	gen := p.gen
	for _, queue := range gen.queues {
		close(queue)
	}
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		gen.done.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

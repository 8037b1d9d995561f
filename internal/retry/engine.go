// Package retry tracks messages awaiting acknowledgement in a shared Redis store and
// redelivers them on a bounded backoff schedule. Any node's scanner may process any
// record, so work survives the crash of the node that created it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"imconnect/node/internal/compress"
	"imconnect/node/internal/logging"
)

const (
	// QueueKey is the sorted set of record members scored by visibility time in ms.
	QueueKey = "im:retry:queue"
	// IndexKey is the hash of record members to encoded records.
	IndexKey = "im:retry:index"
)

// claimDue hides every due record until ARGV[2] and returns member/record pairs.
// Members whose record has vanished are dropped from the queue.
var claimDue = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[3])
local out = {}
for _, member in ipairs(due) do
  local record = redis.call("HGET", KEYS[2], member)
  if record then
    redis.call("ZADD", KEYS[1], ARGV[2], member)
    table.insert(out, member)
    table.insert(out, record)
  else
    redis.call("ZREM", KEYS[1], member)
  end
end
return out
`)

// rescheduleIfPresent stores the updated record and its next visibility only when the
// record has not been acknowledged meanwhile.
var rescheduleIfPresent = redis.NewScript(`
if redis.call("HEXISTS", KEYS[2], ARGV[1]) == 1 then
  redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
  redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

// remove deletes a record and reports whether it existed.
var remove = redis.NewScript(`
local removed = redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[1], ARGV[1])
return removed
`)

// Settings tunes the engine and may be swapped at runtime.
type Settings struct {
	MaxAttempts  int
	Backoff      []time.Duration
	ScanInterval time.Duration
	BatchSize    int
	ClaimTTL     time.Duration
}

func (s Settings) validate() error {
	switch {
	case s.MaxAttempts <= 0:
		return errors.New("retry: max attempts must be positive")
	case len(s.Backoff) == 0:
		return errors.New("retry: backoff schedule must not be empty")
	case s.ScanInterval <= 0:
		return errors.New("retry: scan interval must be positive")
	case s.BatchSize <= 0:
		return errors.New("retry: batch size must be positive")
	case s.ClaimTTL <= 0:
		return errors.New("retry: claim ttl must be positive")
	}
	return nil
}

// backoff returns the delay after the attempt-th retry.
func (s Settings) backoff(attempt int) time.Duration {
	if attempt >= len(s.Backoff) {
		attempt = len(s.Backoff) - 1
	}
	return s.Backoff[attempt]
}

// Redeliverer re-attempts the downstream step a record is waiting on.
type Redeliverer interface {
	Redeliver(ctx context.Context, rec Record) error
}

// RedelivererFunc adapts a function to Redeliverer.
type RedelivererFunc func(ctx context.Context, rec Record) error

func (f RedelivererFunc) Redeliver(ctx context.Context, rec Record) error { return f(ctx, rec) }

// AbandonFunc is invoked exactly once for a record whose retry budget ran out.
type AbandonFunc func(ctx context.Context, rec Record)

// Observer receives engine events for metrics.
type Observer interface {
	Tracked(kind Kind)
	Acknowledged(kind Kind)
	Retried(kind Kind)
	Abandoned(kind Kind)
}

// Engine is the reliability and retry engine.
type Engine struct {
	client      redis.Cmdable
	settings    atomic.Pointer[Settings]
	redeliver   map[Kind]Redeliverer
	onAbandon   AbandonFunc
	compressor  compress.Compressor
	observer    Observer
	logger      *logging.Logger
	now         func() time.Time
	settingsSet chan struct{}
}

// Option customises an Engine.
type Option func(*Engine)

// WithRedeliverer registers the redelivery path for kind.
func WithRedeliverer(kind Kind, r Redeliverer) Option {
	return func(e *Engine) {
		if r != nil {
			e.redeliver[kind] = r
		}
	}
}

// WithAbandonHandler registers the abandonment callback.
func WithAbandonHandler(fn AbandonFunc) Option {
	return func(e *Engine) { e.onAbandon = fn }
}

// WithObserver registers a metrics observer.
func WithObserver(observer Observer) Option {
	return func(e *Engine) { e.observer = observer }
}

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New constructs an Engine. Frames are stored zstd-compressed.
func New(client redis.Cmdable, settings Settings, opts ...Option) (*Engine, error) {
	if client == nil {
		return nil, errors.New("retry: redis client is required")
	}
	if err := settings.validate(); err != nil {
		return nil, err
	}
	compressor, err := compress.NewZstd()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		client:      client,
		redeliver:   make(map[Kind]Redeliverer),
		compressor:  compressor,
		logger:      logging.L(),
		now:         time.Now,
		settingsSet: make(chan struct{}, 1),
	}
	e.settings.Store(&settings)
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// UpdateSettings swaps the active settings; the scan loop picks up a new interval on
// its next tick.
func (e *Engine) UpdateSettings(settings Settings) error {
	if err := settings.validate(); err != nil {
		return err
	}
	e.settings.Store(&settings)
	select {
	case e.settingsSet <- struct{}{}:
	default:
	}
	return nil
}

// Settings returns the active settings.
func (e *Engine) Settings() Settings {
	return *e.settings.Load()
}

// Track stores rec with retry count zero, visible after the first backoff step.
func (e *Engine) Track(ctx context.Context, rec Record) error {
	if rec.Kind == "" || rec.ClientMsgID == "" {
		return errors.New("retry: record requires kind and client message id")
	}
	settings := e.Settings()
	now := e.now()
	rec.RetryCount = 0
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now.UnixMilli()
	}
	encoded, err := e.encode(rec)
	if err != nil {
		return err
	}
	visible := now.Add(settings.backoff(0)).UnixMilli()
	_, err = e.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, IndexKey, rec.member(), encoded)
		pipe.ZAdd(ctx, QueueKey, redis.Z{Score: float64(visible), Member: rec.member()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry track %s: %w", rec.member(), err)
	}
	if e.observer != nil {
		e.observer.Tracked(rec.Kind)
	}
	return nil
}

// Acknowledge deletes the record unconditionally and reports whether it was pending.
func (e *Engine) Acknowledge(ctx context.Context, kind Kind, clientMsgID string) (bool, error) {
	removed, err := e.remove(ctx, member(kind, clientMsgID))
	if err != nil {
		return false, fmt.Errorf("retry acknowledge %s: %w", member(kind, clientMsgID), err)
	}
	if removed && e.observer != nil {
		e.observer.Acknowledged(kind)
	}
	return removed, nil
}

// Pending reports whether a record is stored.
func (e *Engine) Pending(ctx context.Context, kind Kind, clientMsgID string) (bool, error) {
	return e.client.HExists(ctx, IndexKey, member(kind, clientMsgID)).Result()
}

// Lookup returns the stored record, with its frame decompressed.
func (e *Engine) Lookup(ctx context.Context, kind Kind, clientMsgID string) (Record, bool, error) {
	raw, err := e.client.HGet(ctx, IndexKey, member(kind, clientMsgID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec, err := e.decode(raw)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (e *Engine) remove(ctx context.Context, m string) (bool, error) {
	n, err := remove.Run(ctx, e.client, []string{QueueKey, IndexKey}, m).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Run scans until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.Settings().ScanInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.settingsSet:
			if next := e.Settings().ScanInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		case <-ticker.C:
			if _, err := e.ScanOnce(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("retry scan failed", logging.Error(err))
			}
		}
	}
}

// ScanOnce claims every due record and processes it. It returns how many were claimed.
func (e *Engine) ScanOnce(ctx context.Context) (int, error) {
	settings := e.Settings()
	now := e.now()
	//1.- Claim atomically so concurrent scanners on other nodes skip these records.
	res, err := claimDue.Run(ctx, e.client, []string{QueueKey, IndexKey},
		now.UnixMilli(), now.Add(settings.ClaimTTL).UnixMilli(), settings.BatchSize).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("retry claim: %w", err)
	}
	claimed := 0
	for i := 0; i+1 < len(res); i += 2 {
		claimed++
		rec, err := e.decode([]byte(res[i+1]))
		if err != nil {
			e.logger.Error("retry record undecodable, dropping", logging.String("member", res[i]), logging.Error(err))
			_, _ = e.remove(ctx, res[i])
			continue
		}
		e.process(ctx, settings, rec)
	}
	return claimed, nil
}

func (e *Engine) process(ctx context.Context, settings Settings, rec Record) {
	logger := e.logger.With(
		logging.String("kind", string(rec.Kind)),
		logging.String("client_msg_id", rec.ClientMsgID),
	)
	//2.- Every timeout consumes one attempt.
	rec.RetryCount++
	if rec.RetryCount >= settings.MaxAttempts {
		//3.- Abandon only if the ack did not win the race for the record.
		removed, err := e.remove(ctx, rec.member())
		if err != nil {
			logger.Warn("retry abandon failed", logging.Error(err))
			return
		}
		if !removed {
			return
		}
		logger.Warn("message abandoned", logging.Int("attempts", rec.RetryCount))
		if e.observer != nil {
			e.observer.Abandoned(rec.Kind)
		}
		if e.onAbandon != nil {
			e.onAbandon(ctx, rec)
		}
		return
	}
	//4.- Persist the new count before redelivering so an ack arriving now is honoured.
	encoded, err := e.encode(rec)
	if err != nil {
		logger.Error("retry encode failed", logging.Error(err))
		return
	}
	visible := e.now().Add(settings.backoff(rec.RetryCount)).UnixMilli()
	kept, err := rescheduleIfPresent.Run(ctx, e.client, []string{QueueKey, IndexKey}, rec.member(), visible, encoded).Int()
	if err != nil {
		logger.Warn("retry reschedule failed", logging.Error(err))
		return
	}
	if kept != 1 {
		return
	}
	redeliverer, ok := e.redeliver[rec.Kind]
	if !ok {
		logger.Warn("no redeliverer registered")
		return
	}
	if e.observer != nil {
		e.observer.Retried(rec.Kind)
	}
	if err := redeliverer.Redeliver(ctx, rec); err != nil {
		logger.Info("redelivery attempt failed", logging.Int("attempt", rec.RetryCount), logging.Error(err))
	}
}

func (e *Engine) encode(rec Record) (string, error) {
	frame, err := e.compressor.Compress(rec.Frame)
	if err != nil {
		return "", fmt.Errorf("compress retry frame: %w", err)
	}
	return string(rec.marshal(frame)), nil
}

func (e *Engine) decode(raw []byte) (Record, error) {
	rec, err := unmarshalRecord(raw)
	if err != nil {
		return Record{}, err
	}
	if len(rec.Frame) > 0 {
		frame, err := e.compressor.Decompress(rec.Frame)
		if err != nil {
			return Record{}, fmt.Errorf("decompress retry frame: %w", err)
		}
		rec.Frame = frame
	}
	return rec, nil
}

// Package presence maintains the cluster-wide user to node directory in Redis.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"imconnect/node/internal/protocol"
)

// KeyPrefix namespaces presence records.
const KeyPrefix = "im:presence:"

// compareAndDelete removes the record only when it still names this node.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewLease extends the record only while it names this node. Register is the only
// call that creates a record.
var renewLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// Directory reads and writes presence records on behalf of one node.
type Directory struct {
	client  redis.Cmdable
	node    string
	ttl     atomic.Int64
	timeout time.Duration
}

// Option customises a Directory.
type Option func(*Directory)

// WithTimeout bounds each directory call.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Directory) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// New returns a Directory that publishes node as the host of registered users.
func New(client redis.Cmdable, node string, ttl time.Duration, opts ...Option) (*Directory, error) {
	if client == nil {
		return nil, errors.New("presence: redis client is required")
	}
	if node == "" {
		return nil, errors.New("presence: node address is required")
	}
	if ttl <= 0 {
		return nil, errors.New("presence: lease ttl must be positive")
	}
	d := &Directory{client: client, node: node, timeout: 2 * time.Second}
	d.ttl.Store(int64(ttl))
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Node returns the address this directory publishes.
func (d *Directory) Node() string { return d.node }

// SetTTL changes the lease used by later writes. It is safe to call while the directory
// is in use.
func (d *Directory) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		d.ttl.Store(int64(ttl))
	}
}

// TTL returns the current lease.
func (d *Directory) TTL() time.Duration { return time.Duration(d.ttl.Load()) }

func key(userID int64) string {
	return KeyPrefix + protocol.FormatID(userID)
}

func (d *Directory) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout)
}

// Register points userID at this node, overwriting any record written by another node.
func (d *Directory) Register(ctx context.Context, userID int64) error {
	ctx, cancel := d.bounded(ctx)
	defer cancel()
	if err := d.client.Set(ctx, key(userID), d.node, d.TTL()).Err(); err != nil {
		return fmt.Errorf("presence register %d: %w", userID, err)
	}
	return nil
}

// Unregister deletes the record for userID if it still points at this node. It reports
// whether a record was removed; repeated calls are no-ops.
func (d *Directory) Unregister(ctx context.Context, userID int64) (bool, error) {
	ctx, cancel := d.bounded(ctx)
	defer cancel()
	removed, err := compareAndDelete.Run(ctx, d.client, []string{key(userID)}, d.node).Int()
	if err != nil {
		return false, fmt.Errorf("presence unregister %d: %w", userID, err)
	}
	return removed == 1, nil
}

// Renew extends the lease of userID. It reports false when the record is gone or names
// another node.
func (d *Directory) Renew(ctx context.Context, userID int64) (bool, error) {
	ctx, cancel := d.bounded(ctx)
	defer cancel()
	ok, err := renewLease.Run(ctx, d.client, []string{key(userID)}, d.node, d.TTL().Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("presence renew %d: %w", userID, err)
	}
	return ok == 1, nil
}

// RenewBatch renews every lease in one round trip. owned[i] answers Renew for userIDs[i].
func (d *Directory) RenewBatch(ctx context.Context, userIDs []int64) ([]bool, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	ctx, cancel := d.bounded(ctx)
	defer cancel()
	//1.- EVALSHA inside a pipeline cannot fall back on NOSCRIPT, so load first.
	if err := renewLease.Load(ctx, d.client).Err(); err != nil {
		return nil, fmt.Errorf("presence renew batch: %w", err)
	}
	ttl := d.TTL().Milliseconds()
	cmds := make([]*redis.Cmd, len(userIDs))
	_, err := d.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, userID := range userIDs {
			cmds[i] = renewLease.EvalSha(ctx, pipe, []string{key(userID)}, d.node, ttl)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("presence renew batch: %w", err)
	}
	owned := make([]bool, len(userIDs))
	for i, cmd := range cmds {
		n, err := cmd.Int()
		if err != nil {
			return nil, fmt.Errorf("presence renew %d: %w", userIDs[i], err)
		}
		owned[i] = n == 1
	}
	return owned, nil
}

// Lookup returns the node hosting userID.
func (d *Directory) Lookup(ctx context.Context, userID int64) (string, bool, error) {
	ctx, cancel := d.bounded(ctx)
	defer cancel()
	node, err := d.client.Get(ctx, key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("presence lookup %d: %w", userID, err)
	}
	return node, true, nil
}

// Package groupshard maintains, per group and node, the set of group members connected
// to that node, and filters the group broadcast feed down to local recipients.
package groupshard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"imconnect/node/internal/logging"
	"imconnect/node/internal/protocol"
	"imconnect/node/internal/registry"
)

const keyPrefix = "im:gshard:"

// addIfBuilt and removeIfBuilt only touch entries that exist. An absent entry is rebuilt
// from the membership source on demand, never assembled from partial updates. Both
// refresh the set and its marker together so the set never outlives nor predeceases it.
var addIfBuilt = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
  redis.call("SADD", KEYS[1], ARGV[1])
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  redis.call("PEXPIRE", KEYS[2], ARGV[2])
  return 1
end
return 0
`)

var removeIfBuilt = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
  redis.call("SREM", KEYS[1], ARGV[1])
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  redis.call("PEXPIRE", KEYS[2], ARGV[2])
  return 1
end
return 0
`)

// rebuild installs a fresh member set unless another rebuild already built the entry.
// ARGV[1] is the ttl; the remaining arguments are members.
var rebuild = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
redis.call("DEL", KEYS[1])
for i = 2, #ARGV do
  redis.call("SADD", KEYS[1], ARGV[i])
end
redis.call("SET", KEYS[2], "1", "PX", ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return 1
`)

// MembershipSource is the authoritative group membership collaborator.
type MembershipSource interface {
	MembersOf(ctx context.Context, groupID int64) ([]int64, error)
}

// LocalConns resolves users connected to this node.
type LocalConns interface {
	Lookup(userID int64) (registry.Conn, bool)
}

// Directory reads and maintains shard entries on behalf of one node.
type Directory struct {
	client     redis.Cmdable
	node       string
	ttl        time.Duration
	membership MembershipSource
	locals     LocalConns
	logger     *logging.Logger
}

// New returns a Directory for node.
func New(client redis.Cmdable, node string, ttl time.Duration, membership MembershipSource, locals LocalConns, logger *logging.Logger) (*Directory, error) {
	if client == nil || membership == nil || locals == nil {
		return nil, errors.New("groupshard: redis client, membership source and local connections are required")
	}
	if ttl <= 0 {
		return nil, errors.New("groupshard: ttl must be positive")
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Directory{client: client, node: node, ttl: ttl, membership: membership, locals: locals, logger: logger}, nil
}

// Node returns the node address this directory maintains.
func (d *Directory) Node() string { return d.node }

func setKey(groupID int64, node string) string {
	return keyPrefix + "{" + protocol.FormatID(groupID) + "}:" + node
}

func builtKey(groupID int64, node string) string {
	return keyPrefix + "built:{" + protocol.FormatID(groupID) + "}:" + node
}

func (d *Directory) ttlMillis() int64 { return d.ttl.Milliseconds() }

// AddMember records userID as connected to node for groupID.
func (d *Directory) AddMember(ctx context.Context, groupID int64, node string, userID int64) error {
	keys := []string{setKey(groupID, node), builtKey(groupID, node)}
	if err := addIfBuilt.Run(ctx, d.client, keys, userID, d.ttlMillis()).Err(); err != nil {
		return fmt.Errorf("shard add %d/%d: %w", groupID, userID, err)
	}
	return nil
}

// RemoveMember records userID as no longer connected to node for groupID.
func (d *Directory) RemoveMember(ctx context.Context, groupID int64, node string, userID int64) error {
	keys := []string{setKey(groupID, node), builtKey(groupID, node)}
	if err := removeIfBuilt.Run(ctx, d.client, keys, userID, d.ttlMillis()).Err(); err != nil {
		return fmt.Errorf("shard remove %d/%d: %w", groupID, userID, err)
	}
	return nil
}

// AddMemberBatch adds userID to every group in one round trip.
func (d *Directory) AddMemberBatch(ctx context.Context, groupIDs []int64, node string, userID int64) error {
	return d.batch(ctx, addIfBuilt, groupIDs, node, userID)
}

// RemoveMemberBatch removes userID from every group in one round trip.
func (d *Directory) RemoveMemberBatch(ctx context.Context, groupIDs []int64, node string, userID int64) error {
	return d.batch(ctx, removeIfBuilt, groupIDs, node, userID)
}

func (d *Directory) batch(ctx context.Context, script *redis.Script, groupIDs []int64, node string, userID int64) error {
	if len(groupIDs) == 0 {
		return nil
	}
	//1.- Load the script first; EVALSHA inside a pipeline cannot fall back on NOSCRIPT.
	if err := script.Load(ctx, d.client).Err(); err != nil {
		return fmt.Errorf("shard batch load: %w", err)
	}
	_, err := d.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, groupID := range groupIDs {
			script.EvalSha(ctx, pipe, []string{setKey(groupID, node), builtKey(groupID, node)}, userID, d.ttlMillis())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("shard batch for %d: %w", userID, err)
	}
	return nil
}

// LocalMembers returns the members of groupID connected to this node, rebuilding the
// entry when it is absent.
func (d *Directory) LocalMembers(ctx context.Context, groupID int64) ([]int64, error) {
	var (
		built   *redis.IntCmd
		members *redis.StringSliceCmd
	)
	_, err := d.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		built = pipe.Exists(ctx, builtKey(groupID, d.node))
		members = pipe.SMembers(ctx, setKey(groupID, d.node))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("shard read %d: %w", groupID, err)
	}
	if built.Val() == 1 {
		return parseIDs(members.Val()), nil
	}
	return d.Rebuild(ctx, groupID)
}

// Rebuild recomputes this node's entry from the membership source and the local registry.
func (d *Directory) Rebuild(ctx context.Context, groupID int64) ([]int64, error) {
	all, err := d.membership.MembersOf(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("shard rebuild %d: %w", groupID, err)
	}
	local := d.localSubset(all)
	args := make([]any, 0, len(local)+1)
	args = append(args, d.ttlMillis())
	for _, id := range local {
		args = append(args, id)
	}
	keys := []string{setKey(groupID, d.node), builtKey(groupID, d.node)}
	installed, err := rebuild.Run(ctx, d.client, keys, args...).Int()
	if err != nil {
		return nil, fmt.Errorf("shard rebuild %d: %w", groupID, err)
	}
	if installed == 1 {
		//2.- Members who connected while the snapshot was taken saw no entry to update.
		for _, id := range d.localSubset(all) {
			if !contains(local, id) {
				if err := d.AddMember(ctx, groupID, d.node, id); err != nil {
					d.logger.Warn("shard reconcile failed", logging.Int64("group_id", groupID), logging.Error(err))
				}
			}
		}
		d.logger.Debug("group shard rebuilt", logging.Int64("group_id", groupID), logging.Int("members", len(local)))
	}
	members, err := d.client.SMembers(ctx, setKey(groupID, d.node)).Result()
	if err != nil {
		return nil, fmt.Errorf("shard read %d: %w", groupID, err)
	}
	return parseIDs(members), nil
}

// Invalidate drops this node's entry so the next read rebuilds it.
func (d *Directory) Invalidate(ctx context.Context, groupID int64) error {
	if err := d.client.Del(ctx, setKey(groupID, d.node), builtKey(groupID, d.node)).Err(); err != nil {
		return fmt.Errorf("shard invalidate %d: %w", groupID, err)
	}
	return nil
}

func (d *Directory) localSubset(members []int64) []int64 {
	local := make([]int64, 0, len(members))
	for _, id := range members {
		if _, ok := d.locals.Lookup(id); ok {
			local = append(local, id)
		}
	}
	return local
}

func contains(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func parseIDs(raw []string) []int64 {
	ids := make([]int64, 0, len(raw))
	for _, item := range raw {
		if id, err := strconv.ParseInt(item, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

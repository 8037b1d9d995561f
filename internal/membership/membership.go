// Package membership reads the group membership cache owned by the business tier.
package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"imconnect/node/internal/logging"
	"imconnect/node/internal/protocol"
)

const (
	// GroupMembersPrefix keys the set of user ids in a group.
	GroupMembersPrefix = "im:group:members:"
	// UserGroupsPrefix keys the set of group ids a user belongs to.
	UserGroupsPrefix = "im:user:groups:"
)

// ErrNotCached is returned when a group's member list is absent from the cache. A rebuild
// has been requested by the time it is returned.
var ErrNotCached = errors.New("group membership not cached")

// RebuildRequester asks the membership owner to repopulate a group.
type RebuildRequester interface {
	RequestGroupRebuild(ctx context.Context, groupID int64) error
}

// Cache reads memberships from Redis.
type Cache struct {
	client  redis.Cmdable
	rebuild RebuildRequester
	logger  *logging.Logger
}

// New returns a Cache. rebuild may be nil.
func New(client redis.Cmdable, rebuild RebuildRequester, logger *logging.Logger) *Cache {
	if logger == nil {
		logger = logging.L()
	}
	return &Cache{client: client, rebuild: rebuild, logger: logger}
}

// GroupsOf returns the groups userID belongs to.
func (c *Cache) GroupsOf(ctx context.Context, userID int64) ([]int64, error) {
	members, err := c.client.SMembers(ctx, UserGroupsPrefix+protocol.FormatID(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("groups of %d: %w", userID, err)
	}
	return parseIDs(members), nil
}

// MembersOf returns the members of groupID.
func (c *Cache) MembersOf(ctx context.Context, groupID int64) ([]int64, error) {
	key := GroupMembersPrefix + protocol.FormatID(groupID)
	members, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("members of %d: %w", groupID, err)
	}
	if len(members) == 0 {
		if c.rebuild != nil {
			if err := c.rebuild.RequestGroupRebuild(ctx, groupID); err != nil {
				c.logger.Warn("group rebuild request failed", logging.Int64("group_id", groupID), logging.Error(err))
			}
		}
		return nil, fmt.Errorf("%w: group %d", ErrNotCached, groupID)
	}
	return parseIDs(members), nil
}

// IsMember reports whether userID belongs to groupID.
func (c *Cache) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	ok, err := c.client.SIsMember(ctx, GroupMembersPrefix+protocol.FormatID(groupID), protocol.FormatID(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("membership %d/%d: %w", groupID, userID, err)
	}
	return ok, nil
}

func parseIDs(raw []string) []int64 {
	ids := make([]int64, 0, len(raw))
	for _, item := range raw {
		id, err := strconv.ParseInt(item, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

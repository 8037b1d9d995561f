package membership

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type rebuildRecorder struct{ groups []int64 }

func (r *rebuildRecorder) RequestGroupRebuild(_ context.Context, groupID int64) error {
	r.groups = append(r.groups, groupID)
	return nil
}

func TestMembersOfReadsCacheAndRequestsRebuildOnMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	_, err := mr.SAdd(GroupMembersPrefix+"7", "3", "1", "2")
	require.NoError(t, err)
	_, err = mr.SAdd(UserGroupsPrefix+"1", "7", "8")
	require.NoError(t, err)

	rebuild := &rebuildRecorder{}
	cache := New(client, rebuild, nil)
	ctx := context.Background()

	members, err := cache.MembersOf(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, members)

	groups, err := cache.GroupsOf(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{7, 8}, groups)

	ok, err := cache.IsMember(ctx, 7, 2)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = cache.MembersOf(ctx, 8)
	require.ErrorIs(t, err, ErrNotCached)
	require.Equal(t, []int64{8}, rebuild.groups)
}

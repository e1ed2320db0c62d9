package presence

import (
	"context"
	"sort"

	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/redis/go-redis/v9"
)

const onlineKey = "presence:online"

func channelKey(id snowflake.ID) string { return "channel:" + id.String() + ":users" }

// RedisMirror keeps presence sets in Redis so other processes (and the
// presence endpoint) can read them.
type RedisMirror struct {
	rdb *redis.Client
}

var _ Mirror = (*RedisMirror)(nil)

func NewRedisMirror(rdb *redis.Client) *RedisMirror {
	return &RedisMirror{rdb: rdb}
}

func (m *RedisMirror) Online(ctx context.Context, user string) error {
	return m.rdb.SAdd(ctx, onlineKey, user).Err()
}

func (m *RedisMirror) Offline(ctx context.Context, user string) error {
	return m.rdb.SRem(ctx, onlineKey, user).Err()
}

func (m *RedisMirror) Joined(ctx context.Context, id snowflake.ID, user string) error {
	return m.rdb.SAdd(ctx, channelKey(id), user).Err()
}

func (m *RedisMirror) Left(ctx context.Context, id snowflake.ID, user string) error {
	return m.rdb.SRem(ctx, channelKey(id), user).Err()
}

// JoinedUsers reads the joined set of a conversation.
func (m *RedisMirror) JoinedUsers(ctx context.Context, id snowflake.ID) ([]string, error) {
	users, err := m.rdb.SMembers(ctx, channelKey(id)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}

// Reset clears the sets this process owns, used at startup since a
// restart drops every connection.
func (m *RedisMirror) Reset(ctx context.Context) error {
	iter := m.rdb.Scan(ctx, 0, "channel:*:users", 100).Iterator()
	keys := []string{onlineKey}
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return m.rdb.Del(ctx, keys...).Err()
}

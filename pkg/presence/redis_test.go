package presence

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisMirror(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	defer rdb.Close()
	require.NoError(t, rdb.Ping(ctx).Err())

	m := NewRedisMirror(rdb)
	require.NoError(t, m.Reset(ctx))

	r := NewRouter(m)
	a, b := newConn("a1", "alice"), newConn("b1", "bob")
	r.Register(a)
	r.Register(b)
	require.NoError(t, r.Join(a, 42))
	require.NoError(t, r.Join(b, 42))

	users, err := m.JoinedUsers(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)

	r.Unregister(a)
	users, err = m.JoinedUsers(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, users)

	online, err := rdb.SIsMember(ctx, onlineKey, "alice").Result()
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, m.Reset(ctx))
}

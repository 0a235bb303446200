package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	l := NewRedisLocker(client, "")

	ok, err := l.TryLock(ctx, "p1", "run-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "run-a", mustGet(t, mr, DefaultLockPrefix+"p1"))

	ok, err = l.TryLock(ctx, "p1", "run-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Unlock(ctx, "p1", "run-b"))
	assert.True(t, mr.Exists(DefaultLockPrefix+"p1"), "foreign owner cannot release")

	require.NoError(t, l.Unlock(ctx, "p1", "run-a"))
	assert.False(t, mr.Exists(DefaultLockPrefix+"p1"))

	ok, err = l.TryLock(ctx, "p1", "run-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = l.TryLock(ctx, "p1", "run-c", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "ttl expiry frees the lock")
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

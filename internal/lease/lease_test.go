package lease

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseExclusion(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	l := NewLocker(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	first, ok, err := l.Acquire(ctx, "content:c1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "content:c1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	other, ok, err := l.Acquire(ctx, "content:c2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	again, ok, err := l.Acquire(ctx, "content:c1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, again.Release(ctx))
}

func TestExpiredLeaseReleaseDoesNotStealNewHolder(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	l := NewLocker(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	stale, ok, err := l.Acquire(ctx, "content:c1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Second)

	fresh, ok, err := l.Acquire(ctx, "content:c1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, stale.Release(ctx))
	_, ok, err = l.Acquire(ctx, "content:c1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "stale release must not free the fresh lease")
	require.NoError(t, fresh.Release(ctx))
}

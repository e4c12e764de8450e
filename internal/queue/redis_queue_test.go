package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-publisher/internal/config"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Config{
		PriorityQueues:    []string{"high", "default"},
		VisibilityTimeout: time.Minute,
		DLQName:           "queue:dlq",
	}
	return NewRedisQueue(client, cfg), mr
}

func TestEnqueueNowUsesHighPriority(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	require.NoError(t, q.EnqueueAt(ctx, "publish:late", []byte(`{}`), time.Now().Add(-time.Second)))
	_, err := q.PromoteScheduled(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.NoError(t, q.EnqueueNow(ctx, "publish:now", []byte(`{"content_item_id":"now"}`)))

	list, err := mr.List("queue:ready:high")
	require.NoError(t, err)
	assert.Equal(t, []string{"publish:now"}, list)

	d, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "publish:now", d.ID)
	assert.Equal(t, `{"content_item_id":"now"}`, string(d.Payload))
	assert.Equal(t, 0, d.Attempts)
	assert.NotEmpty(t, d.Generation)
}

func TestEnqueueAtTwiceLeavesOneUnit(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	first := time.Now().Add(time.Hour)
	second := time.Now().Add(2 * time.Hour)
	require.NoError(t, q.EnqueueAt(ctx, "publish:c1", []byte(`{}`), first))
	require.NoError(t, q.EnqueueAt(ctx, "publish:c1", []byte(`{}`), second))

	members, err := mr.ZMembers("queue:scheduled")
	require.NoError(t, err)
	assert.Equal(t, []string{"publish:c1"}, members)

	u, ok, err := q.Lookup(ctx, "publish:c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateScheduled, u.State)
	assert.Equal(t, second.UnixMilli(), u.RunAt.UnixMilli())
}

func TestEnqueueNowReplacesScheduledUnit(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	require.NoError(t, q.EnqueueAt(ctx, "publish:c1", []byte(`{}`), time.Now().Add(time.Hour)))
	require.NoError(t, q.EnqueueNow(ctx, "publish:c1", []byte(`{}`)))
	require.NoError(t, q.EnqueueNow(ctx, "publish:c1", []byte(`{}`)))

	scheduled, _ := mr.ZMembers("queue:scheduled")
	assert.Empty(t, scheduled)
	list, err := mr.List("queue:ready:high")
	require.NoError(t, err)
	assert.Equal(t, []string{"publish:c1"}, list)
}

func TestRemoveIsNoOpForUnknownUnit(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Remove(ctx, "publish:missing"))
	_, ok, err := q.Lookup(ctx, "publish:missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPromoteDropsRemovedUnits(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	require.NoError(t, q.EnqueueAt(ctx, "publish:keep", []byte(`{}`), time.Now().Add(10*time.Millisecond)))
	// A member without meta behaves like a unit removed between ZRANGE and ZREM.
	_, err := mr.ZAdd("queue:scheduled", 1, "publish:orphan")
	require.NoError(t, err)

	n, err := q.PromoteScheduled(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := mr.List("queue:ready:default")
	require.NoError(t, err)
	assert.Equal(t, []string{"publish:keep"}, list)
}

func TestRetryAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	require.NoError(t, q.EnqueueNow(ctx, "publish:c1", []byte(`{}`)))
	d, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	runAt := time.Now().Add(time.Minute)
	require.NoError(t, q.Retry(ctx, d, 1, runAt))
	u, ok, err := q.Lookup(ctx, "publish:c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateScheduled, u.State)
	assert.Equal(t, 1, u.Attempts)

	_, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	require.NoError(t, err)
	d, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1, d.Attempts)

	require.NoError(t, q.DeadLetter(ctx, d))
	dlq, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"publish:c1"}, dlq)
	assert.False(t, mr.Exists("queue:unitmeta:publish:c1"))
}

func TestStaleDeliveryCannotResurrectReplacedUnit(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.EnqueueNow(ctx, "publish:c1", []byte(`{}`)))
	d, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	// The owner reschedules while the old attempt is still running.
	later := time.Now().Add(time.Hour)
	require.NoError(t, q.EnqueueAt(ctx, "publish:c1", []byte(`{}`), later))

	assert.ErrorIs(t, q.Retry(ctx, d, 1, time.Now()), ErrStale)
	assert.ErrorIs(t, q.Ack(ctx, d), ErrStale)

	u, ok, err := q.Lookup(ctx, "publish:c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateScheduled, u.State)
	assert.Equal(t, later.UnixMilli(), u.RunAt.UnixMilli())
	assert.Equal(t, 0, u.Attempts)
}

func TestRequeueExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.EnqueueNow(ctx, "publish:c1", []byte(`{}`)))
	d, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"publish:c1"}, ids)

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestAckRemovesUnit(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	require.NoError(t, q.EnqueueNow(ctx, "publish:c1", []byte(`{}`)))
	d, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, q.ExtendLease(ctx, d.ID, time.Minute))
	require.NoError(t, q.Ack(ctx, d))

	inflight, _ := mr.ZMembers("queue:inflight")
	assert.Empty(t, inflight)
	_, ok, err := q.Lookup(ctx, "publish:c1")
	require.NoError(t, err)
	assert.False(t, ok)

	empty, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

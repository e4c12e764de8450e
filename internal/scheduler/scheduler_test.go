package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-publisher/internal/config"
	"content-publisher/internal/queue"
)

func newTestScheduler(t *testing.T) (*Scheduler, *queue.RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	q := queue.NewRedisQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}), config.Config{
		PriorityQueues: []string{"high", "default"},
	})
	return New(q, zerolog.Nop()), q, mr
}

func TestUnitIDRoundTrip(t *testing.T) {
	id, ok := ContentItemID(UnitID("abc"))
	require.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = ContentItemID("publish:")
	assert.False(t, ok)
	_, ok = ContentItemID("other:abc")
	assert.False(t, ok)
}

func TestEnqueueAtPastInstantIsNoOp(t *testing.T) {
	ctx := context.Background()
	s, q, _ := newTestScheduler(t)

	ok, err := s.EnqueueAt(ctx, "c1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, err := q.Lookup(ctx, UnitID("c1"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEnqueueAtExactlyNowIsNoOp(t *testing.T) {
	ctx := context.Background()
	s, q, _ := newTestScheduler(t)
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	ok, err := s.EnqueueAt(ctx, "c1", fixed)
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, err := q.Lookup(ctx, UnitID("c1"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRescheduleTwiceKeepsOneUnitWithLatestDelay(t *testing.T) {
	ctx := context.Background()
	s, q, mr := newTestScheduler(t)

	_, err := s.EnqueueAt(ctx, "c1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = s.Reschedule(ctx, "c1", time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	latest := time.Now().Add(3 * time.Hour)
	ok, err := s.Reschedule(ctx, "c1", latest)
	require.NoError(t, err)
	assert.True(t, ok)

	members, err := mr.ZMembers("queue:scheduled")
	require.NoError(t, err)
	assert.Equal(t, []string{UnitID("c1")}, members)

	u, found, err := q.Lookup(ctx, UnitID("c1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, latest.UnixMilli(), u.RunAt.UnixMilli())
}

func TestRescheduleIntoThePastCancels(t *testing.T) {
	ctx := context.Background()
	s, q, _ := newTestScheduler(t)

	_, err := s.EnqueueAt(ctx, "c1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	ok, err := s.Reschedule(ctx, "c1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, err := q.Lookup(ctx, UnitID("c1"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEnqueueNowThenCancel(t *testing.T) {
	ctx := context.Background()
	s, q, mr := newTestScheduler(t)

	require.NoError(t, s.EnqueueNow(ctx, "c1"))
	list, err := mr.List("queue:ready:high")
	require.NoError(t, err)
	assert.Equal(t, []string{UnitID("c1")}, list)

	require.NoError(t, s.Cancel(ctx, "c1"))
	require.NoError(t, s.Cancel(ctx, "c1"))
	_, found, err := q.Lookup(ctx, UnitID("c1"))
	require.NoError(t, err)
	assert.False(t, found)
}

type failingQueue struct{}

func (failingQueue) EnqueueNow(context.Context, string, []byte) error { return errors.New("down") }
func (failingQueue) EnqueueAt(context.Context, string, []byte, time.Time) error {
	return errors.New("down")
}
func (failingQueue) Remove(context.Context, string) error { return errors.New("down") }

func TestQueueErrorsAreWrapped(t *testing.T) {
	s := New(failingQueue{}, zerolog.Nop())

	err := s.EnqueueNow(context.Background(), "c1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue now c1")

	_, err = s.Reschedule(context.Background(), "c1", time.Now().Add(time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancel c1")
}

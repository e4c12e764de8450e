package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-publisher/internal/config"
	"content-publisher/internal/models"
	"content-publisher/internal/queue"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	if got := backoffWithJitter(0, max, 2); got != 0 {
		t.Fatalf("zero base must not panic, got %s", got)
	}
}

type auditLog struct {
	mu     sync.Mutex
	events []string
}

func (a *auditLog) AppendAudit(_ context.Context, id, event, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, id+":"+event)
	return nil
}

func newTestProcessor(t *testing.T, h Handler) (*Processor, *queue.RedisQueue, *auditLog) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := config.Config{
		PriorityQueues:     []string{"high", "default"},
		VisibilityTimeout:  time.Minute,
		DLQName:            "queue:dlq",
		MaxAttempts:        3,
		BackoffInitial:     time.Second,
		BackoffMax:         time.Minute,
		WorkerPollInterval: 10 * time.Millisecond,
		WorkerConcurrency:  2,
	}
	q := queue.NewRedisQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}), cfg)
	audit := &auditLog{}
	return NewProcessor(cfg, q, audit, h, zerolog.Nop(), "w1"), q, audit
}

func TestRunOnceAcksSuccessfulDelivery(t *testing.T) {
	ctx := context.Background()
	var got models.Delivery
	p, q, _ := newTestProcessor(t, func(_ context.Context, d models.Delivery) error {
		got = d
		return nil
	})
	require.NoError(t, q.EnqueueNow(ctx, "publish:c1", []byte(`{"content_item_id":"c1"}`)))

	worked, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, "c1", got.ContentItemID)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, 3, got.MaxAttempts)
	assert.NotEmpty(t, got.Generation)

	_, ok, err := q.Lookup(ctx, "publish:c1")
	require.NoError(t, err)
	assert.False(t, ok)

	worked, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestFailureSchedulesRetryThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	var attempts []int
	p, q, audit := newTestProcessor(t, func(_ context.Context, d models.Delivery) error {
		attempts = append(attempts, d.Attempt)
		return errors.New("no target succeeded")
	})
	require.NoError(t, q.EnqueueNow(ctx, "publish:c1", []byte(`{"content_item_id":"c1"}`)))

	for i := 0; i < 3; i++ {
		worked, err := p.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, worked, "attempt %d", i+1)

		u, ok, err := q.Lookup(ctx, "publish:c1")
		require.NoError(t, err)
		if i < 2 {
			require.True(t, ok)
			assert.Equal(t, queue.StateScheduled, u.State)
			assert.Equal(t, i+1, u.Attempts)
			// Pull the retry forward so the next iteration picks it up.
			_, err = q.PromoteScheduled(ctx, time.Now().Add(time.Hour), 10)
			require.NoError(t, err)
		} else {
			assert.False(t, ok)
		}
	}

	assert.Equal(t, []int{1, 2, 3}, attempts)
	dlq, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"publish:c1"}, dlq)
	assert.Equal(t, []string{"c1:retry_scheduled", "c1:retry_scheduled", "c1:dead_letter"}, audit.events)
}

func TestDeferredDeliveryKeepsAttemptCount(t *testing.T) {
	ctx := context.Background()
	p, q, _ := newTestProcessor(t, func(context.Context, models.Delivery) error {
		return Defer(errors.New("lease held"))
	})
	require.NoError(t, q.EnqueueNow(ctx, "publish:c1", []byte(`{"content_item_id":"c1"}`)))

	_, err := p.RunOnce(ctx)
	require.NoError(t, err)
	u, ok, err := q.Lookup(ctx, "publish:c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, queue.StateScheduled, u.State)
	assert.Equal(t, 0, u.Attempts)
}

func TestPayloadFallsBackToUnitID(t *testing.T) {
	ctx := context.Background()
	var got string
	p, q, _ := newTestProcessor(t, func(_ context.Context, d models.Delivery) error {
		got = d.ContentItemID
		return nil
	})
	require.NoError(t, q.EnqueueNow(ctx, "publish:c9", []byte(`not json`)))
	require.NoError(t, q.EnqueueNow(ctx, "junk", []byte(`not json`)))

	_, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c9", got)

	_, err = p.RunOnce(ctx)
	require.NoError(t, err)
	dlq, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"junk"}, dlq)
}

func TestReplacedUnitIsNotResurrected(t *testing.T) {
	ctx := context.Background()
	var q *queue.RedisQueue
	p, q, _ := newTestProcessor(t, func(ctx context.Context, d models.Delivery) error {
		// The owner reschedules while this attempt runs.
		require.NoError(t, q.EnqueueAt(ctx, d.UnitID, []byte(`{"content_item_id":"c1"}`), time.Now().Add(time.Hour)))
		return errors.New("boom")
	})
	require.NoError(t, q.EnqueueNow(ctx, "publish:c1", []byte(`{"content_item_id":"c1"}`)))

	_, err := p.RunOnce(ctx)
	require.NoError(t, err)
	u, ok, err := q.Lookup(ctx, "publish:c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, queue.StateScheduled, u.State)
	assert.Equal(t, 0, u.Attempts)
}

func TestRunStopsOnCancel(t *testing.T) {
	p, _, _ := newTestProcessor(t, func(context.Context, models.Delivery) error { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Run(ctx), context.DeadlineExceeded)
}

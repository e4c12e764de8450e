package content

import (
	"context"
	"fmt"
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
	"content-publisher/internal/scheduler"
	"content-publisher/internal/store"
)

type memStore struct {
	mu       sync.Mutex
	seq      int
	items    map[string]models.ContentItem
	targets  map[string][]models.PublishTarget
	accounts map[string]models.ConnectedAccount
}

func newMemStore() *memStore {
	return &memStore{
		items:   map[string]models.ContentItem{},
		targets: map[string][]models.PublishTarget{},
		accounts: map[string]models.ConnectedAccount{
			"a1": {ID: "a1", UserID: "u1", Platform: "linkedin"},
			"a2": {ID: "a2", UserID: "u1", Platform: "twitter"},
			"x1": {ID: "x1", UserID: "u2", Platform: "twitter"},
		},
	}
}

func (m *memStore) CreateContent(_ context.Context, item models.ContentItem, ids []string) (models.ContentItem, []models.PublishTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	item.ID = fmt.Sprintf("c%d", m.seq)
	var ts []models.PublishTarget
	for _, id := range ids {
		ts = append(ts, models.PublishTarget{ID: item.ID + "-" + id, ContentItemID: item.ID, AccountID: id, Status: models.TargetPending})
	}
	m.items[item.ID] = item
	m.targets[item.ID] = ts
	return item, ts, nil
}

func (m *memStore) GetContent(_ context.Context, id string) (models.ContentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return it, store.ErrNotFound
	}
	return it, nil
}

func (m *memStore) UpdateContent(_ context.Context, item models.ContentItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[item.ID]
	if !ok || (cur.Status != models.StatusDraft && cur.Status != models.StatusScheduled) {
		return store.ErrNotFound
	}
	m.items[item.ID] = item
	return nil
}

func (m *memStore) DeleteContent(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.OwnerID != ownerID {
		return store.ErrNotFound
	}
	delete(m.items, id)
	delete(m.targets, id)
	return nil
}

func (m *memStore) ListTargets(_ context.Context, id string) ([]models.PublishTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.targets[id], nil
}

func (m *memStore) GetAccount(_ context.Context, id string) (models.ConnectedAccount, error) {
	a, ok := m.accounts[id]
	if !ok {
		return a, store.ErrNotFound
	}
	return a, nil
}

func newTestService(t *testing.T) (*Service, *memStore, *queue.RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	q := queue.NewRedisQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}), config.Config{
		PriorityQueues: []string{"high", "default"}, VisibilityTimeout: time.Minute,
	})
	st := newMemStore()
	return NewService(st, scheduler.New(q, zerolog.Nop()), zerolog.Nop()), st, q
}

func lookup(t *testing.T, q *queue.RedisQueue, id string) (queue.Unit, bool) {
	t.Helper()
	u, ok, err := q.Lookup(context.Background(), scheduler.UnitID(id))
	require.NoError(t, err)
	return u, ok
}

func TestCreateInThePastStaysDraft(t *testing.T) {
	s, _, q := newTestService(t)
	past := time.Now().Add(-time.Minute)

	d, err := s.Create(context.Background(), "u1", CreateInput{Body: "hello", AccountIDs: []string{"a1"}, ScheduledAt: &past})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, d.Status)
	_, ok := lookup(t, q, d.ID)
	assert.False(t, ok)
}

func TestCreateScheduledAndNow(t *testing.T) {
	s, _, q := newTestService(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	d, err := s.Create(ctx, "u1", CreateInput{Body: "later", AccountIDs: []string{"a1", "a2", "a1"}, ScheduledAt: &at})
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, d.Status)
	assert.Len(t, d.Targets, 2)
	assert.Equal(t, "post", d.ContentType)
	u, ok := lookup(t, q, d.ID)
	require.True(t, ok)
	assert.Equal(t, queue.StateScheduled, u.State)
	assert.Equal(t, at.UnixMilli(), u.RunAt.UnixMilli())

	now, err := s.Create(ctx, "u1", CreateInput{Body: "now", AccountIDs: []string{"a2"}, PublishNow: true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, now.Status)
	u, ok = lookup(t, q, now.ID)
	require.True(t, ok)
	assert.Equal(t, queue.StateReady, u.State)
}

func TestCreateValidation(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "u1", CreateInput{Body: "x", AccountIDs: []string{"x1"}})
	assert.ErrorIs(t, err, ErrUnknownAccount)
	_, err = s.Create(ctx, "u1", CreateInput{Body: "x", AccountIDs: []string{"nope"}})
	assert.ErrorIs(t, err, ErrUnknownAccount)
	_, err = s.Create(ctx, "u1", CreateInput{Body: "x"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = s.Create(ctx, "u1", CreateInput{AccountIDs: []string{"a1"}})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestRescheduleTwiceLeavesOneUnit(t *testing.T) {
	s, _, q := newTestService(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)
	d, err := s.Create(ctx, "u1", CreateInput{Body: "x", AccountIDs: []string{"a1"}, ScheduledAt: &at})
	require.NoError(t, err)

	first := time.Now().Add(2 * time.Hour)
	second := time.Now().Add(3 * time.Hour)
	_, err = s.Update(ctx, "u1", d.ID, UpdateInput{ScheduledAt: &first})
	require.NoError(t, err)
	body := "edited"
	got, err := s.Update(ctx, "u1", d.ID, UpdateInput{ScheduledAt: &second, Body: &body})
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Body)

	u, ok := lookup(t, q, d.ID)
	require.True(t, ok)
	assert.Equal(t, second.UnixMilli(), u.RunAt.UnixMilli())
	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	past := time.Now().Add(-time.Second)
	_, err = s.Update(ctx, "u1", d.ID, UpdateInput{ScheduledAt: &past})
	assert.ErrorIs(t, err, ErrScheduleInPast)
}

func TestUpdateRejectsStartedItems(t *testing.T) {
	s, st, _ := newTestService(t)
	ctx := context.Background()
	d, err := s.Create(ctx, "u1", CreateInput{Body: "x", AccountIDs: []string{"a1"}, PublishNow: true})
	require.NoError(t, err)

	for _, status := range []string{models.StatusPublishing, models.StatusPublished, models.StatusFailed} {
		it := st.items[d.ID]
		it.Status = status
		st.items[d.ID] = it
		body := "late edit"
		_, err = s.Update(ctx, "u1", d.ID, UpdateInput{Body: &body})
		assert.ErrorIs(t, err, ErrImmutable, status)
	}
}

func TestDeleteCancelsUnit(t *testing.T) {
	s, st, q := newTestService(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)
	d, err := s.Create(ctx, "u1", CreateInput{Body: "x", AccountIDs: []string{"a1"}, ScheduledAt: &at})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Delete(ctx, "u2", d.ID), store.ErrNotFound)
	require.NoError(t, s.Delete(ctx, "u1", d.ID))

	_, ok := lookup(t, q, d.ID)
	assert.False(t, ok)
	assert.Empty(t, st.targets[d.ID])
	_, err = s.Get(ctx, "u1", d.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

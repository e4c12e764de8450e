package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"content-publisher/internal/config"
)

// Unit states reported by Lookup.
const (
	StateReady     = "ready"
	StateScheduled = "scheduled"
	StateInFlight  = "in_flight"
)

// ErrStale is returned when an in-flight delivery no longer owns its unit, because the unit was
// removed or replaced while it ran.
var ErrStale = errors.New("queue: delivery is stale")

// RedisQueue coordinates ready, in-flight, and scheduled work units in Redis.
//
// A unit id is chosen by the caller and is the unit's identity: enqueueing an id that already
// exists replaces the outstanding unit instead of adding a second one.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	unitMetaPrefix string
	readyPrefix    string
	visibilityTTL  time.Duration
	dlqKey         string
}

// Delivered is a unit handed to a worker under a visibility lease.
type Delivered struct {
	ID         string
	Payload    []byte
	Attempts   int
	Generation string
}

// Unit describes where an outstanding unit currently sits.
type Unit struct {
	ID       string
	State    string
	RunAt    time.Time
	Attempts int
}

// NewClient opens the Redis client shared by the queue, state store, lease, and limiter.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue on top of an existing client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "queue:inflight",
		scheduledKey:   "queue:scheduled",
		unitMetaPrefix: "queue:unitmeta:",
		readyPrefix:    "queue:ready:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return q.readyPrefix + priority
}

func (q *RedisQueue) metaKey(unitID string) string {
	return q.unitMetaPrefix + unitID
}

// highPriority is used for immediate dispatch; delayed work uses the lowest configured lane.
func (q *RedisQueue) highPriority() string {
	return q.priorityQueues[0]
}

func (q *RedisQueue) delayedPriority() string {
	return q.priorityQueues[len(q.priorityQueues)-1]
}

// clear queues commands that drop every trace of a unit from the ready, scheduled and
// in-flight sets along with its meta record.
func (q *RedisQueue) clear(ctx context.Context, pipe redis.Pipeliner, unitID string) {
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, unitID)
	}
	pipe.ZRem(ctx, q.inflightKey, unitID)
	pipe.ZRem(ctx, q.scheduledKey, unitID)
	pipe.Del(ctx, q.metaKey(unitID))
}

func (q *RedisQueue) writeMeta(ctx context.Context, pipe redis.Pipeliner, unitID, priority string, payload []byte) {
	pipe.HSet(ctx, q.metaKey(unitID),
		"payload", string(payload),
		"priority", priority,
		"attempts", 0,
		"gen", uuid.NewString(),
	)
}

// EnqueueNow replaces any outstanding unit with this id and makes it ready on the
// highest-priority lane.
func (q *RedisQueue) EnqueueNow(ctx context.Context, unitID string, payload []byte) error {
	priority := q.highPriority()
	pipe := q.client.TxPipeline()
	q.clear(ctx, pipe, unitID)
	q.writeMeta(ctx, pipe, unitID, priority, payload)
	pipe.RPush(ctx, q.readyKey(priority), unitID)
	_, err := pipe.Exec(ctx)
	return err
}

// EnqueueAt replaces any outstanding unit with this id and schedules it for runAt.
func (q *RedisQueue) EnqueueAt(ctx context.Context, unitID string, payload []byte, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	q.clear(ctx, pipe, unitID)
	q.writeMeta(ctx, pipe, unitID, q.delayedPriority(), payload)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: unitID})
	_, err := pipe.Exec(ctx)
	return err
}

// Remove drops a unit from ready, scheduled, and in-flight sets. Removing an unknown id is a no-op.
func (q *RedisQueue) Remove(ctx context.Context, unitID string) error {
	pipe := q.client.TxPipeline()
	q.clear(ctx, pipe, unitID)
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled units into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.moveDue(ctx, q.scheduledKey, now, limit)
	return len(ids), err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

func (q *RedisQueue) moveDue(ctx context.Context, from string, now time.Time, limit int64) ([]string, error) {
	res, err := moveDueScript.Run(ctx, q.client, []string{from},
		now.UnixMilli(), limit, q.unitMetaPrefix, q.readyPrefix).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	return res, err
}

// DequeueWithLease pops a unit from ready queues (priority order) and places it into inflight with
// a visibility timeout. It returns nil when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (*Delivered, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys,
		time.Now().Add(q.visibilityTTL).UnixMilli(), q.unitMetaPrefix).Slice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("unexpected reply from dequeue script: %v", res)
	}
	fields := make([]string, len(res))
	for i, v := range res {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected type from dequeue script: %T", v)
		}
		fields[i] = s
	}
	attempts, _ := strconv.Atoi(fields[2])
	return &Delivered{
		ID:         fields[0],
		Payload:    []byte(fields[1]),
		Attempts:   attempts,
		Generation: fields[3],
	}, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight unit. It does nothing if the
// unit has left the in-flight set.
func (q *RedisQueue) ExtendLease(ctx context.Context, unitID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: unitID,
	}).Err()
}

// Ack completes a delivery, removing the unit from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivered) error {
	return q.settle(ctx, ackScript, d)
}

// Retry moves a delivery back to the scheduled set with an updated attempt count.
func (q *RedisQueue) Retry(ctx context.Context, d *Delivered, attempts int, runAt time.Time) error {
	n, err := retryScript.Run(ctx, q.client,
		[]string{q.inflightKey, q.scheduledKey, q.metaKey(d.ID)},
		d.ID, d.Generation, attempts, runAt.UnixMilli()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

// DeadLetter removes a delivery from the queue and appends it to the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivered) error {
	n, err := deadLetterScript.Run(ctx, q.client,
		[]string{q.inflightKey, q.metaKey(d.ID), q.dlqKey},
		d.ID, d.Generation).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

func (q *RedisQueue) settle(ctx context.Context, script *redis.Script, d *Delivered) error {
	n, err := script.Run(ctx, q.client, []string{q.inflightKey, q.metaKey(d.ID)}, d.ID, d.Generation).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

// Lookup reports where a unit currently sits.
func (q *RedisQueue) Lookup(ctx context.Context, unitID string) (Unit, bool, error) {
	meta, err := q.client.HGetAll(ctx, q.metaKey(unitID)).Result()
	if err != nil {
		return Unit{}, false, err
	}
	if len(meta) == 0 {
		return Unit{}, false, nil
	}
	attempts, _ := strconv.Atoi(meta["attempts"])
	u := Unit{ID: unitID, State: StateReady, Attempts: attempts}

	if score, err := q.client.ZScore(ctx, q.scheduledKey, unitID).Result(); err == nil {
		u.State = StateScheduled
		u.RunAt = time.UnixMilli(int64(score))
		return u, true, nil
	} else if err != redis.Nil {
		return Unit{}, false, err
	}
	if score, err := q.client.ZScore(ctx, q.inflightKey, unitID).Result(); err == nil {
		u.State = StateInFlight
		u.RunAt = time.UnixMilli(int64(score))
		return u, true, nil
	} else if err != redis.Nil {
		return Unit{}, false, err
	}
	return u, true, nil
}

// DLQPeek reads the latest dead-lettered unit IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    local meta = redis.call('HMGET', ARGV[2] .. id, 'payload', 'attempts', 'gen')
    return {id, meta[1] or '', meta[2] or '0', meta[3] or ''}
  end
end
return nil
`)

// Units whose meta record is gone were removed and are dropped rather than moved.
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = {}
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    local p = redis.call('HGET', ARGV[3] .. id, 'priority')
    if p then
      redis.call('RPUSH', ARGV[4] .. p, id)
      table.insert(moved, id)
    end
  end
end
return moved
`)

var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'gen') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'gen') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[3], 'attempts', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

var deadLetterScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'gen') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

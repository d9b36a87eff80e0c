package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"application-workflow/internal/config"
)

// ErrUnavailable wraps Redis failures so enqueue callers can distinguish
// infrastructure loss from everything else.
var ErrUnavailable = errors.New("queue unavailable")

// RedisQueue coordinates ready, in-flight, and scheduled executions in
// Redis. Each named queue is a ready list; drain order follows the
// configured queue list, FIFO within a queue. A claim moves the execution
// id into the in-flight zset scored by its lease deadline, so a crashed
// worker's claim becomes reclaimable once the lease expires.
type RedisQueue struct {
	client        *redis.Client
	queueNames    []string
	inflightKey   string
	scheduledKey  string
	execMetaKey   string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue around an existing Redis client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	names := cfg.Queues
	if len(names) == 0 {
		names = []string{"workflow"}
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
		client:        client,
		queueNames:    names,
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		execMetaKey:   "queue:execmeta:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

func (q *RedisQueue) readyKey(name string) string {
	return fmt.Sprintf("queue:ready:%s", name)
}

func (q *RedisQueue) metaKey(executionID string) string {
	return q.execMetaKey + executionID
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Enqueue records which queue the execution belongs to and makes it ready,
// or scheduled when runAt is in the future (retry backoff re-enters here).
func (q *RedisQueue) Enqueue(ctx context.Context, executionID, queueName string, runAt time.Time) error {
	if queueName == "" {
		queueName = q.queueNames[0]
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(executionID), "queue", queueName)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: executionID})
	} else {
		pipe.RPush(ctx, q.readyKey(queueName), executionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// Schedule defers an execution until runAt without touching ready lists.
func (q *RedisQueue) Schedule(ctx context.Context, executionID, queueName string, runAt time.Time) error {
	if queueName == "" {
		queueName = q.queueNames[0]
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(executionID), "queue", queueName)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: executionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// PromoteScheduled moves due executions into their ready lists and
// returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(q.queueFor(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable(err)
	}
	return len(ids), nil
}

// DequeueWithLease claims the next ready execution. Queues are tried in
// configured order; the pop and the in-flight insert happen atomically in
// a Lua script, so two workers never receive the same id. Returns ""
// when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.queueNames)+1)
	for _, name := range q.queueNames {
		keys = append(keys, q.readyKey(name))
	}
	keys = append(keys, q.inflightKey)

	res, err := claimScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", unavailable(err)
	}
	executionID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from claim script: %T", res)
	}
	return executionID, nil
}

// ExtendLease pushes the visibility deadline forward for a claimed execution.
func (q *RedisQueue) ExtendLease(ctx context.Context, executionID string, extension time.Duration) error {
	err := q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: executionID,
	}).Err()
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// Ack removes a settled execution from in-flight tracking and drops its
// meta record. Used for both success and dead-letter settlement.
func (q *RedisQueue) Ack(ctx context.Context, executionID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, executionID)
	pipe.Del(ctx, q.metaKey(executionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// RequeueExpired reclaims leases past their deadline, making the
// executions ready again. Tolerates workers that died mid-execution.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(q.queueFor(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

// DLQPush appends a terminally failed execution id for operational
// inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, executionID string) error {
	if err := q.client.RPush(ctx, q.dlqKey, executionID).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// DLQPeek reads up to count dead-lettered execution ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	ids, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

// ReadyDepth returns the total length of all ready lists.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.queueNames))
	for _, name := range q.queueNames {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(name)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable(err)
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

func (q *RedisQueue) queueFor(ctx context.Context, executionID string) string {
	name, err := q.client.HGet(ctx, q.metaKey(executionID), "queue").Result()
	if err != nil || name == "" {
		return q.queueNames[0]
	}
	return name
}

var claimScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    return id
  end
end
return nil
`)

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"careflow/internal/config"
	"careflow/internal/models"
)

// RedisQueue coordinates ready, in-flight, and scheduled job queues in Redis.
// Inbound-event jobs get their own ready queue and are drained ahead of
// delivery jobs so webhook processing stays responsive under send backlog.
type RedisQueue struct {
	client        *redis.Client
	kinds         []string
	inflightKey   string
	scheduledKey  string
	readyPrefix   string
	jobMetaPrefix string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	return NewRedisQueueWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}), cfg)
}

// NewRedisQueueWithClient wires an existing client; tests use this with miniredis.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
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
		kinds:         []string{models.KindProcessEvent, models.KindDeliverStep},
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		readyPrefix:   "queue:ready:",
		jobMetaPrefix: "queue:jobmeta:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

// Client exposes the underlying connection for health probes and dedupe keys.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) readyKey(kind string) string {
	return q.readyPrefix + kind
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// Enqueue inserts a job into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID, kind string, dueAt time.Time) error {
	if kind == "" {
		kind = models.KindDeliverStep
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "kind", kind)
	if dueAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(dueAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(kind), jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule moves a job into the scheduled set for deferred execution.
func (q *RedisQueue) Schedule(ctx context.Context, jobID, kind string, dueAt time.Time) error {
	if kind == "" {
		kind = models.KindDeliverStep
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "kind", kind)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(dueAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into ready queues. It returns how
// many were promoted. The Lua script gates each push on the ZREM outcome, so
// concurrent sweeps (several scheduler replicas ticking together) can never
// enqueue one job twice.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.moveDue(ctx, q.scheduledKey, now, limit)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a job from ready queues (inbound events first) and
// places it into inflight with a visibility timeout. The Lua script makes
// pop+lease atomic so two workers can never claim the same job.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.kinds)+1)
	for _, k := range q.kinds {
		keys = append(keys, q.readyKey(k))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them. Same
// exclusive ZREM gate as PromoteScheduled: only the sweep that wins the
// removal pushes the job back to ready.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

func (q *RedisQueue) moveDue(ctx context.Context, src string, now time.Time, limit int64) ([]string, error) {
	ids, err := moveDueScript.Run(ctx, q.client, []string{src},
		now.UnixMilli(), limit, q.jobMetaPrefix, models.KindDeliverStep, q.readyPrefix,
	).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return ids, nil
}

// Remove drops a job from ready, scheduled, and in-flight structures. Used
// when an assignment is cancelled and its pending delivery must not run.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, k := range q.kinds {
		pipe.LRem(ctx, q.readyKey(k), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the latest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.kinds))
	for _, k := range q.kinds {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(k)))
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

var moveDueScript = redis.NewScript(`
local moved = {}
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for i = 1, #ids do
  local id = ids[i]
  if redis.call('ZREM', KEYS[1], id) == 1 then
    local kind = redis.call('HGET', ARGV[3] .. id, 'kind')
    if not kind or kind == '' then kind = ARGV[4] end
    redis.call('RPUSH', ARGV[5] .. kind, id)
    moved[#moved + 1] = id
  end
end
return moved
`)

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)

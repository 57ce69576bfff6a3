package queue

import (
	"auction-engine/utils"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const dialTimeout = 5 * time.Second

// priorityShift spaces priorities apart in the wait set so that the score sorts
// by (priority, runAt). Millisecond timestamps stay below it until year 2109.
const priorityShift = 1 << 42

// Key layout, per queue:
//
//	{prefix}:{queue}:job:{id}  hash with the job fields
//	{prefix}:{queue}:delayed   zset of job ids scored by runAt (ms)
//	{prefix}:{queue}:wait      zset of due job ids scored by priority*2^42 + runAt
//	{prefix}:{queue}:active    zset of locked job ids scored by lockedUntil (ms)

// KEYS[1] = job hash, KEYS[2] = delayed, KEYS[3] = wait
// ARGV = id, type, payload, priority, runAt, maxAttempts, createdAt, delayed flag
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'type', ARGV[2], 'payload', ARGV[3], 'priority', ARGV[4],
  'run_at', ARGV[5], 'attempts', 0, 'max_attempts', ARGV[6], 'lock_token', '', 'locked_until', 0,
  'last_error', '', 'created_at', ARGV[7])
if ARGV[8] == '1' then
  redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
else
  redis.call('ZADD', KEYS[3], tonumber(ARGV[4]) * 4398046511104 + tonumber(ARGV[5]), ARGV[1])
end
return 1
`)

// KEYS[1] = job hash, KEYS[2] = delayed, KEYS[3] = wait, KEYS[4] = active
// ARGV[1] = id
var cancelScript = redis.NewScript(`
if redis.call('DEL', KEYS[1]) == 0 then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
return 1
`)

// KEYS[1] = delayed, KEYS[2] = wait, KEYS[3] = active
// ARGV = now, job key prefix, lock token, lockedUntil
var reserveScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[2] .. id
  local priority = redis.call('HGET', key, 'priority')
  if priority then
    local runAt = redis.call('HGET', key, 'run_at')
    redis.call('ZADD', KEYS[2], tonumber(priority) * 4398046511104 + tonumber(runAt), id)
  end
end
while true do
  local head = redis.call('ZRANGE', KEYS[2], 0, 0)
  if #head == 0 then
    return false
  end
  local id = head[1]
  redis.call('ZREM', KEYS[2], id)
  local key = ARGV[2] .. id
  if redis.call('EXISTS', key) == 1 then
    redis.call('HINCRBY', key, 'attempts', 1)
    redis.call('HSET', key, 'lock_token', ARGV[3], 'locked_until', ARGV[4])
    redis.call('ZADD', KEYS[3], ARGV[4], id)
    return redis.call('HMGET', key, 'id', 'type', 'payload', 'priority', 'run_at', 'attempts',
      'max_attempts', 'lock_token', 'locked_until', 'last_error', 'created_at')
  end
end
`)

// KEYS[1] = job hash, KEYS[2] = active
// ARGV = id, token, lockedUntil
var extendLockScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lock_token') ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], 'locked_until', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS[1] = job hash, KEYS[2] = active
// ARGV = id, token
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lock_token') ~= ARGV[2] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// KEYS[1] = job hash, KEYS[2] = active, KEYS[3] = delayed
// ARGV = id, token, retryAt, cause
// returns 0 ignored, 1 retried, 2 dead
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lock_token') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts'))
local maxAttempts = tonumber(redis.call('HGET', KEYS[1], 'max_attempts'))
if attempts >= maxAttempts then
  redis.call('DEL', KEYS[1])
  return 2
end
redis.call('HSET', KEYS[1], 'lock_token', '', 'locked_until', 0, 'last_error', ARGV[4], 'run_at', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// KEYS[1] = job hash, KEYS[2] = active, KEYS[3] = delayed
// ARGV = id, token, runAt
var snoozeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lock_token') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
if tonumber(redis.call('HGET', KEYS[1], 'attempts')) > 0 then
  redis.call('HINCRBY', KEYS[1], 'attempts', -1)
end
redis.call('HSET', KEYS[1], 'lock_token', '', 'locked_until', 0, 'run_at', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// KEYS[1] = active, KEYS[2] = wait
// ARGV = now, job key prefix
var requeueStalledScript = redis.NewScript(`
local stalled = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local requeued = 0
local dead = 0
for _, id in ipairs(stalled) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[2] .. id
  if redis.call('EXISTS', key) == 1 then
    local attempts = tonumber(redis.call('HGET', key, 'attempts'))
    local maxAttempts = tonumber(redis.call('HGET', key, 'max_attempts'))
    if attempts >= maxAttempts then
      redis.call('DEL', key)
      dead = dead + 1
    else
      local priority = tonumber(redis.call('HGET', key, 'priority'))
      local runAt = tonumber(redis.call('HGET', key, 'run_at'))
      redis.call('HSET', key, 'lock_token', '', 'locked_until', 0, 'last_error', 'job stalled')
      redis.call('ZADD', KEYS[2], priority * 4398046511104 + runAt, id)
      requeued = requeued + 1
    end
  end
end
return {requeued, dead}
`)

// RedisQueue is a Queue stored in Redis. Every state transition is a single
// Lua script so concurrent workers on different processes never race.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisClient connects to Redis and verifies the connection with a ping
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if err := client.Ping(dialCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis (ping failed): %w", err)
	}
	return client, nil
}

// NewRedisQueue creates a queue that namespaces its keys under prefix
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "auction"
	}
	return &RedisQueue{client: client, prefix: prefix, now: time.Now}
}

// WithClock replaces the time source, for tests
func (q *RedisQueue) WithClock(now func() time.Time) *RedisQueue {
	q.now = now
	return q
}

func (q *RedisQueue) jobPrefix(queue string) string {
	return fmt.Sprintf("%s:%s:job:", q.prefix, queue)
}

func (q *RedisQueue) jobKey(queue, id string) string {
	return q.jobPrefix(queue) + id
}

func (q *RedisQueue) setKey(queue, set string) string {
	return fmt.Sprintf("%s:%s:%s", q.prefix, queue, set)
}

func (q *RedisQueue) Enqueue(ctx context.Context, queue string, job Job, opts EnqueueOptions) (bool, error) {
	if job.ID == "" {
		return false, fmt.Errorf("enqueue into %s: empty job id", queue)
	}
	opts = normalizeOptions(opts)
	now := q.now()
	delayed := "0"
	if opts.Delay > 0 {
		delayed = "1"
	}

	created, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(queue, job.ID), q.setKey(queue, "delayed"), q.setKey(queue, "wait")},
		job.ID, job.Type, string(job.Payload), opts.Priority, now.Add(opts.Delay).UnixMilli(),
		opts.MaxAttempts, now.UnixMilli(), delayed,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue job %s into %s: %w", job.ID, queue, err)
	}
	return created == 1, nil
}

func (q *RedisQueue) Cancel(ctx context.Context, queue, id string) (bool, error) {
	removed, err := cancelScript.Run(ctx, q.client,
		[]string{q.jobKey(queue, id), q.setKey(queue, "delayed"), q.setKey(queue, "wait"), q.setKey(queue, "active")},
		id,
	).Int()
	if err != nil {
		return false, fmt.Errorf("cancel job %s in %s: %w", id, queue, err)
	}
	return removed == 1, nil
}

func (q *RedisQueue) Reserve(ctx context.Context, queue string, lockFor time.Duration) (*Job, error) {
	now := q.now()
	res, err := reserveScript.Run(ctx, q.client,
		[]string{q.setKey(queue, "delayed"), q.setKey(queue, "wait"), q.setKey(queue, "active")},
		now.UnixMilli(), q.jobPrefix(queue), utils.GenerateID(), now.Add(lockFor).UnixMilli(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve job from %s: %w", queue, err)
	}
	job, err := decodeJob(queue, res)
	if err != nil {
		return nil, fmt.Errorf("reserve job from %s: %w", queue, err)
	}
	return job, nil
}

func (q *RedisQueue) ExtendLock(ctx context.Context, queue, id, token string, lockFor time.Duration) (bool, error) {
	if token == "" {
		return false, nil
	}
	ok, err := extendLockScript.Run(ctx, q.client,
		[]string{q.jobKey(queue, id), q.setKey(queue, "active")},
		id, token, q.now().Add(lockFor).UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("extend lock of job %s in %s: %w", id, queue, err)
	}
	return ok == 1, nil
}

func (q *RedisQueue) Complete(ctx context.Context, queue, id, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	ok, err := completeScript.Run(ctx, q.client,
		[]string{q.jobKey(queue, id), q.setKey(queue, "active")},
		id, token,
	).Int()
	if err != nil {
		return false, fmt.Errorf("complete job %s in %s: %w", id, queue, err)
	}
	return ok == 1, nil
}

func (q *RedisQueue) Fail(ctx context.Context, queue, id, token string, retryAt time.Time, cause string) (FailResult, error) {
	if token == "" {
		return FailIgnored, nil
	}
	res, err := failScript.Run(ctx, q.client,
		[]string{q.jobKey(queue, id), q.setKey(queue, "active"), q.setKey(queue, "delayed")},
		id, token, retryAt.UnixMilli(), cause,
	).Int()
	if err != nil {
		return FailIgnored, fmt.Errorf("fail job %s in %s: %w", id, queue, err)
	}
	switch res {
	case 1:
		return FailRetried, nil
	case 2:
		return FailDead, nil
	default:
		return FailIgnored, nil
	}
}

func (q *RedisQueue) Snooze(ctx context.Context, queue, id, token string, runAt time.Time) (bool, error) {
	if token == "" {
		return false, nil
	}
	ok, err := snoozeScript.Run(ctx, q.client,
		[]string{q.jobKey(queue, id), q.setKey(queue, "active"), q.setKey(queue, "delayed")},
		id, token, runAt.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("snooze job %s in %s: %w", id, queue, err)
	}
	return ok == 1, nil
}

func (q *RedisQueue) RequeueStalled(ctx context.Context, queue string, now time.Time) (int, int, error) {
	res, err := requeueStalledScript.Run(ctx, q.client,
		[]string{q.setKey(queue, "active"), q.setKey(queue, "wait")},
		now.UnixMilli(), q.jobPrefix(queue),
	).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("requeue stalled jobs in %s: %w", queue, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("requeue stalled jobs in %s: unexpected reply %v", queue, res)
	}
	return int(res[0]), int(res[1]), nil
}

func (q *RedisQueue) Get(ctx context.Context, queue, id string) (*Job, error) {
	res, err := q.client.HMGet(ctx, q.jobKey(queue, id), jobFields...).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s from %s: %w", id, queue, err)
	}
	if res[0] == nil {
		return nil, fmt.Errorf("get job %s from %s: %w", id, queue, ErrJobNotFound)
	}
	job, err := decodeJob(queue, res)
	if err != nil {
		return nil, fmt.Errorf("get job %s from %s: %w", id, queue, err)
	}
	return job, nil
}

func (q *RedisQueue) Len(ctx context.Context, queue string) (int, error) {
	pipe := q.client.Pipeline()
	cmds := []*redis.IntCmd{
		pipe.ZCard(ctx, q.setKey(queue, "delayed")),
		pipe.ZCard(ctx, q.setKey(queue, "wait")),
		pipe.ZCard(ctx, q.setKey(queue, "active")),
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("count jobs in %s: %w", queue, err)
	}
	n := 0
	for _, c := range cmds {
		n += int(c.Val())
	}
	return n, nil
}

var jobFields = []string{
	"id", "type", "payload", "priority", "run_at", "attempts",
	"max_attempts", "lock_token", "locked_until", "last_error", "created_at",
}

func decodeJob(queue string, fields []any) (*Job, error) {
	if len(fields) != len(jobFields) {
		return nil, fmt.Errorf("decode job: expected %d fields, got %d", len(jobFields), len(fields))
	}
	str := make([]string, len(fields))
	for i, f := range fields {
		s, ok := f.(string)
		if !ok {
			return nil, fmt.Errorf("decode job: field %s is %T", jobFields[i], f)
		}
		str[i] = s
	}

	nums := make(map[string]int64, 6)
	for _, i := range []int{3, 4, 5, 6, 8, 10} {
		v, err := strconv.ParseInt(str[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode job: field %s: %w", jobFields[i], err)
		}
		nums[jobFields[i]] = v
	}

	job := &Job{
		ID:          str[0],
		Queue:       queue,
		Type:        str[1],
		Payload:     []byte(str[2]),
		Priority:    int(nums["priority"]),
		RunAt:       time.UnixMilli(nums["run_at"]),
		Attempts:    int(nums["attempts"]),
		MaxAttempts: int(nums["max_attempts"]),
		LockToken:   str[7],
		LastError:   str[9],
		CreatedAt:   time.UnixMilli(nums["created_at"]),
	}
	if until := nums["locked_until"]; until > 0 {
		job.LockedUntil = time.UnixMilli(until)
	}
	return job, nil
}

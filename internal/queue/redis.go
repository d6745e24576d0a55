package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/atsgateway/pkg/models"
	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "ats:job:"
	readyKey     = "ats:queue:ready"
	delayedKey   = "ats:queue:delayed"
	leasesKey    = "ats:queue:leases"

	maintenanceBatch = 200
)

func jobKey(id string) string {
	return jobKeyPrefix + id
}

// RedisQueue keeps each job in a hash and moves ids between a ready list, a
// delayed sorted set (retry time) and a lease sorted set (lease deadline).
// Every transition runs as a Lua script so it is atomic on the server.
type RedisQueue struct {
	rdb    *redis.Client
	policy Policy
	now    func() time.Time
}

func NewRedisQueue(rdb *redis.Client, policy Policy, opts ...Option) *RedisQueue {
	o := buildOptions(opts)
	return &RedisQueue{rdb: rdb, policy: policy.withDefaults(), now: o.now}
}

// claimScript pops ids until it finds one that can be leased. Terminal or
// already-leased ids are dropped; a job out of attempts is failed.
//
// KEYS: ready, leases. ARGV: job key prefix, lease deadline ms, now, retention secs.
var claimScript = redis.NewScript(`
while true do
  local id = redis.call('RPOP', KEYS[1])
  if not id then return false end
  local key = ARGV[1] .. id
  local status = redis.call('HGET', key, 'status')
  if (status == 'pending' or status == 'processing') and not redis.call('ZSCORE', KEYS[2], id) then
    local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
    local max = tonumber(redis.call('HGET', key, 'max_attempts') or '1')
    if attempts >= max then
      redis.call('HSET', key, 'status', 'failed', 'error', 'lease expired after final attempt',
        'updated_at', ARGV[3], 'finished_at', ARGV[3])
      redis.call('HDEL', key, 'payload')
      if tonumber(ARGV[4]) > 0 then redis.call('EXPIRE', key, ARGV[4]) end
    else
      attempts = redis.call('HINCRBY', key, 'attempts', 1)
      redis.call('HSET', key, 'status', 'processing', 'updated_at', ARGV[3])
      redis.call('ZADD', KEYS[2], ARGV[2], id)
      return {id, attempts, max, redis.call('HGET', key, 'payload')}
    end
  end
end
`)

// completeScript records the result when the lease token still matches.
//
// KEYS: job, leases. ARGV: id, token, result, now, retention secs.
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then return 0 end
if redis.call('HGET', KEYS[1], 'attempts') ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'completed', 'result', ARGV[3],
  'updated_at', ARGV[4], 'finished_at', ARGV[4])
redis.call('HDEL', KEYS[1], 'payload', 'error')
if tonumber(ARGV[5]) > 0 then redis.call('EXPIRE', KEYS[1], ARGV[5]) end
return 1
`)

// failScript either schedules a retry (returns 1) or fails the job (returns 2).
//
// KEYS: job, leases, delayed. ARGV: id, token, error, retry flag, retry at ms, now, retention secs.
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then return 0 end
if redis.call('HGET', KEYS[1], 'attempts') ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[2], ARGV[1])
if ARGV[4] == '1' then
  redis.call('HSET', KEYS[1], 'error', ARGV[3], 'updated_at', ARGV[6])
  redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
  return 1
end
redis.call('HSET', KEYS[1], 'status', 'failed', 'error', ARGV[3],
  'updated_at', ARGV[6], 'finished_at', ARGV[6])
redis.call('HDEL', KEYS[1], 'payload')
if tonumber(ARGV[7]) > 0 then redis.call('EXPIRE', KEYS[1], ARGV[7]) end
return 2
`)

// promoteScript moves due members of a sorted set to the ready list. An id is
// pushed only by the caller that removed it, so concurrent runs never duplicate.
//
// KEYS: source zset, ready. ARGV: now ms, batch.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local n = 0
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('LPUSH', KEYS[2], id)
    n = n + 1
  end
end
return n
`)

// requeueScript redelivers jobs whose lease expired, or fails them when no
// attempts are left.
//
// KEYS: leases, ready. ARGV: now ms, batch, job key prefix, now, retention secs.
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, ARGV[2])
local n = 0
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    local key = ARGV[3] .. id
    local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
    local max = tonumber(redis.call('HGET', key, 'max_attempts') or '1')
    if attempts >= max then
      redis.call('HSET', key, 'status', 'failed', 'error', 'lease expired after final attempt',
        'updated_at', ARGV[4], 'finished_at', ARGV[4])
      redis.call('HDEL', key, 'payload')
      if tonumber(ARGV[5]) > 0 then redis.call('EXPIRE', key, ARGV[5]) end
    else
      redis.call('LPUSH', KEYS[2], id)
    end
    n = n + 1
  end
end
return n
`)

func (q *RedisQueue) Enqueue(ctx context.Context, payload *models.ScoringPayload) (string, error) {
	raw, err := models.EncodePayload(payload)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := formatTime(q.now())

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id),
		"payload", raw,
		"status", string(models.JobStatusPending),
		"attempts", 0,
		"max_attempts", q.policy.MaxAttempts,
		"created_at", now,
		"updated_at", now,
	)
	pipe.LPush(ctx, readyKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

func (q *RedisQueue) Status(ctx context.Context, id string) (models.JobStatus, error) {
	val, err := q.rdb.HGet(ctx, jobKey(id), "status").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job status: %w", err)
	}
	return models.ParseJobStatus(val)
}

func (q *RedisQueue) Result(ctx context.Context, id string) (json.RawMessage, error) {
	vals, err := q.rdb.HMGet(ctx, jobKey(id), "status", "result").Result()
	if err != nil {
		return nil, fmt.Errorf("get job result: %w", err)
	}
	status, _ := vals[0].(string)
	if status == "" {
		return nil, ErrNotFound
	}
	result, _ := vals[1].(string)
	if status != string(models.JobStatusCompleted) || result == "" {
		return nil, nil
	}
	return json.RawMessage(result), nil
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*models.Job, error) {
	vals, err := q.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return jobFromHash(id, vals)
}

func (q *RedisQueue) Claim(ctx context.Context) (*Lease, error) {
	now := q.now()
	deadline := now.Add(q.policy.LeaseTimeout)

	res, err := claimScript.Run(ctx, q.rdb,
		[]string{readyKey, leasesKey},
		jobKeyPrefix, deadline.UnixMilli(), formatTime(now), q.retentionSecs(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("claim job: unexpected reply of %d values", len(res))
	}

	id, _ := res[0].(string)
	attempt, _ := res[1].(int64)
	maxAttempts, _ := res[2].(int64)
	payload, _ := res[3].(string)

	return &Lease{
		JobID:       id,
		Attempt:     int(attempt),
		MaxAttempts: int(maxAttempts),
		Payload:     []byte(payload),
		Deadline:    time.UnixMilli(deadline.UnixMilli()),
	}, nil
}

func (q *RedisQueue) Complete(ctx context.Context, lease *Lease, result json.RawMessage) error {
	if lease == nil {
		return fmt.Errorf("%w: nil lease", ErrStaleLease)
	}
	n, err := completeScript.Run(ctx, q.rdb,
		[]string{jobKey(lease.JobID), leasesKey},
		lease.JobID, lease.Attempt, string(result), formatTime(q.now()), q.retentionSecs(),
	).Int()
	if err != nil {
		return fmt.Errorf("complete job %s: %w", lease.JobID, err)
	}
	if n == 0 {
		return ErrStaleLease
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, lease *Lease, cause string, retryable bool) (Outcome, error) {
	if lease == nil {
		return 0, fmt.Errorf("%w: nil lease", ErrStaleLease)
	}

	now := q.now()
	retry := q.policy.shouldRetry(lease, retryable)
	flag := "0"
	if retry {
		flag = "1"
	}
	retryAt := now.Add(q.policy.Backoff(lease.Attempt))

	n, err := failScript.Run(ctx, q.rdb,
		[]string{jobKey(lease.JobID), leasesKey, delayedKey},
		lease.JobID, lease.Attempt, cause, flag, retryAt.UnixMilli(), formatTime(now), q.retentionSecs(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("fail job %s: %w", lease.JobID, err)
	}

	switch n {
	case 1:
		return OutcomeRetry, nil
	case 2:
		return OutcomeFailed, nil
	}
	return 0, ErrStaleLease
}

func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{delayedKey, readyKey},
		now.UnixMilli(), maintenanceBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote due jobs: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := requeueScript.Run(ctx, q.rdb,
		[]string{leasesKey, readyKey},
		now.UnixMilli(), maintenanceBatch, jobKeyPrefix, formatTime(now), q.retentionSecs(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue expired leases: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Close is a no-op; the Redis client is shared and closed by its owner.
func (q *RedisQueue) Close() error {
	return nil
}

func (q *RedisQueue) retentionSecs() int64 {
	return int64(q.policy.Retention / time.Second)
}

func jobFromHash(id string, vals map[string]string) (*models.Job, error) {
	status, err := models.ParseJobStatus(vals["status"])
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}

	job := &models.Job{ID: id, Status: status}
	job.Attempts, _ = strconv.Atoi(vals["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(vals["max_attempts"])
	job.CreatedAt = parseTime(vals["created_at"])
	job.UpdatedAt = parseTime(vals["updated_at"])
	if v := vals["finished_at"]; v != "" {
		t := parseTime(v)
		job.FinishedAt = &t
	}

	switch status {
	case models.JobStatusCompleted:
		if v := vals["result"]; v != "" {
			job.Result = json.RawMessage(v)
		}
	case models.JobStatusFailed:
		job.Error = vals["error"]
	}
	return job, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

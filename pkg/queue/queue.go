/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package queue implements the durable task queue: FIFO within a priority
// class, at-least-once delivery with a visibility timeout, and explicit
// ack/nack. Redelivery happens only when a lease's visibility window
// expires; duplicate suppression belongs to the lock and the job store.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrEmpty means no task is ready for lease.
var ErrEmpty = errors.New("queue: empty")

// Task is one leased queue entry. The token must be presented to Ack/Nack.
type Task struct {
	JobID    uuid.UUID
	Token    string
	Redelivs int64
}

const (
	keyPending = "medianaut:queue:pending"
	keyLeased  = "medianaut:queue:leased"
	keyTokens  = "medianaut:queue:tokens"
	keyByJob   = "medianaut:queue:jobtoken"
	keyScores  = "medianaut:queue:scores"

	// priorityStride separates priority bands in the sorted-set score while
	// leaving room for millisecond timestamps in the low bits. Both parts
	// stay well inside a double's exact integer range.
	priorityStride = float64(1 << 44)
)

// Queue is the Redis-backed task queue.
type Queue struct {
	client     redis.UniversalClient
	visibility time.Duration
}

// New creates a queue whose leases expire after visibility.
func New(client redis.UniversalClient, visibility time.Duration) *Queue {
	return &Queue{client: client, visibility: visibility}
}

func score(weight int, now time.Time) float64 {
	return float64(10-weight)*priorityStride + float64(now.UnixMilli())
}

// Enqueue adds the job id with its priority weight. Re-enqueueing an id
// already pending is a no-op refresh of its score.
func (q *Queue) Enqueue(ctx context.Context, jobID uuid.UUID, weight int) error {
	s := score(weight, time.Now())
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, keyPending, redis.Z{Score: s, Member: jobID.String()})
	pipe.HSet(ctx, keyScores, jobID.String(), s)
	_, err := pipe.Exec(ctx)
	return err
}

// leaseScript first returns any expired leases to the pending set (keeping
// their original priority band), then pops the lowest-scored pending entry
// and records its lease.
var leaseScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", now)
local reaped = 0
for _, jobid in ipairs(expired) do
  redis.call("ZREM", KEYS[2], jobid)
  local token = redis.call("HGET", KEYS[4], jobid)
  if token then
    redis.call("HDEL", KEYS[3], token)
    redis.call("HDEL", KEYS[4], jobid)
  end
  local s = redis.call("HGET", KEYS[5], jobid)
  if not s then s = now end
  redis.call("ZADD", KEYS[1], tonumber(s), jobid)
  reaped = reaped + 1
end

local stride = tonumber(ARGV[4])
local head = redis.call("ZRANGE", KEYS[1], 0, 49, "WITHSCORES")
local jobid = false
for i = 1, #head, 2 do
  local s = tonumber(head[i + 1])
  local ready_at = s - math.floor(s / stride) * stride
  if ready_at <= now then
    jobid = head[i]
    break
  end
end
if not jobid then
  return {false, reaped}
end
redis.call("ZREM", KEYS[1], jobid)
redis.call("ZADD", KEYS[2], now + tonumber(ARGV[2]), jobid)
redis.call("HSET", KEYS[3], ARGV[3], jobid)
redis.call("HSET", KEYS[4], jobid, ARGV[3])
return {jobid, reaped}
`)

// Lease pops the highest-priority ready task. Returns ErrEmpty when idle.
// The second return value counts leases reaped by visibility expiry during
// this call, for metrics.
func (q *Queue) Lease(ctx context.Context) (*Task, int64, error) {
	token := uuid.NewString()
	res, err := leaseScript.Run(ctx, q.client,
		[]string{keyPending, keyLeased, keyTokens, keyByJob, keyScores},
		time.Now().UnixMilli(), q.visibility.Milliseconds(), token, int64(priorityStride)).Slice()
	if err != nil {
		return nil, 0, err
	}

	reaped, _ := res[1].(int64)
	raw, ok := res[0].(string)
	if !ok {
		return nil, reaped, ErrEmpty
	}
	jobID, err := uuid.Parse(raw)
	if err != nil {
		return nil, reaped, err
	}
	return &Task{JobID: jobID, Token: token, Redelivs: reaped}, reaped, nil
}

var ackScript = redis.NewScript(`
local jobid = redis.call("HGET", KEYS[3], ARGV[1])
if not jobid then
  return 0
end
redis.call("HDEL", KEYS[3], ARGV[1])
redis.call("HDEL", KEYS[4], jobid)
redis.call("ZREM", KEYS[2], jobid)
redis.call("HDEL", KEYS[5], jobid)
return 1
`)

// Ack removes the leased task permanently. Acking an expired (already
// redelivered) lease is a harmless no-op.
func (q *Queue) Ack(ctx context.Context, token string) error {
	return ackScript.Run(ctx, q.client,
		[]string{keyPending, keyLeased, keyTokens, keyByJob, keyScores},
		token).Err()
}

var nackScript = redis.NewScript(`
local jobid = redis.call("HGET", KEYS[3], ARGV[1])
if not jobid then
  return 0
end
redis.call("HDEL", KEYS[3], ARGV[1])
redis.call("HDEL", KEYS[4], jobid)
redis.call("ZREM", KEYS[2], jobid)
local s = redis.call("HGET", KEYS[5], jobid)
local band = 0
if s then
  band = math.floor(tonumber(s) / ARGV[4]) * ARGV[4]
end
local newscore = band + tonumber(ARGV[2]) + tonumber(ARGV[3])
redis.call("ZADD", KEYS[1], newscore, jobid)
redis.call("HSET", KEYS[5], jobid, newscore)
return 1
`)

// Nack returns the task to its priority band after the requeue delay.
func (q *Queue) Nack(ctx context.Context, token string, delay time.Duration) error {
	return nackScript.Run(ctx, q.client,
		[]string{keyPending, keyLeased, keyTokens, keyByJob, keyScores},
		token, time.Now().UnixMilli(), delay.Milliseconds(), int64(priorityStride)).Err()
}

// Depth reports the number of tasks awaiting lease.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, keyPending).Result()
}

// Ping verifies queue availability for health checks.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

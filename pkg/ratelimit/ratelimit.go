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

// Package ratelimit implements per-(key, endpoint-class) token buckets in
// Redis so the limit holds across API replicas. The in-flight concurrency
// quota is separate and lives in the job store.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Class is an independently limited endpoint family.
type Class string

const (
	ClassConvert Class = "convert"
	ClassAnalyze Class = "analyze"
	ClassStream  Class = "stream"
	ClassQuery   Class = "query"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter holds the refill rates per class.
type Limiter struct {
	client redis.UniversalClient
	rates  map[Class]int // tokens per minute
	burst  int
}

// NewLimiter creates a limiter with per-class refill rates (tokens/minute).
func NewLimiter(client redis.UniversalClient, rates map[Class]int, burst int) *Limiter {
	return &Limiter{client: client, rates: rates, burst: burst}
}

// bucketScript refills lazily from the elapsed time, then tries to take one
// token. Returns {allowed, remaining, retry_after_ms}.
var bucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local interval_ms = 60000 / rate

local state = redis.call("HMGET", KEYS[1], "tokens", "updated")
local tokens = tonumber(state[1])
local updated = tonumber(state[2])
if tokens == nil then
  tokens = burst
  updated = now
end

local refilled = math.floor((now - updated) / interval_ms)
if refilled > 0 then
  tokens = math.min(burst, tokens + refilled)
  updated = updated + refilled * interval_ms
end

if tokens > 0 then
  tokens = tokens - 1
  redis.call("HMSET", KEYS[1], "tokens", tokens, "updated", updated)
  redis.call("PEXPIRE", KEYS[1], 120000)
  return {1, tokens, 0}
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "updated", updated)
redis.call("PEXPIRE", KEYS[1], 120000)
local wait = math.ceil(interval_ms - (now - updated))
return {0, 0, wait}
`)

// Allow takes one token from the (key, class) bucket.
func (l *Limiter) Allow(ctx context.Context, keyID string, class Class) (*Decision, error) {
	rate, ok := l.rates[class]
	if !ok || rate <= 0 {
		return &Decision{Allowed: true, Remaining: -1}, nil
	}

	res, err := bucketScript.Run(ctx, l.client,
		[]string{"medianaut:rate:" + keyID + ":" + string(class)},
		rate, l.burst, time.Now().UnixMilli()).Slice()
	if err != nil {
		return nil, err
	}

	allowed, _ := res[0].(int64)
	remaining, _ := res[1].(int64)
	waitMillis, _ := res[2].(int64)

	return &Decision{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(waitMillis) * time.Millisecond,
	}, nil
}

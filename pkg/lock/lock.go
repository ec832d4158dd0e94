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

// Package lock implements mutual exclusion across workers on a named
// resource, backed by Redis expiring leases. Every acquisition hands out a
// monotonically increasing fencing token; downstream writes carry the token
// so a stale holder is fenced out even if its lease expiry raced.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrBusy means another holder owns the resource.
	ErrBusy = errors.New("lock: resource is held")
	// ErrNotHeld means the lease no longer belongs to the caller.
	ErrNotHeld = errors.New("lock: lease not held")
)

// Lease is an acquired lock with its fencing token.
type Lease struct {
	Resource string
	Token    string
	Fence    int64
}

// Manager acquires and maintains leases.
type Manager struct {
	client redis.UniversalClient
}

// NewManager creates a lock manager over the given Redis client.
func NewManager(client redis.UniversalClient) *Manager {
	return &Manager{client: client}
}

func lockKey(resource string) string {
	return "medianaut:lock:" + resource
}

func fenceKey(resource string) string {
	return "medianaut:fence:" + resource
}

// acquireScript sets the lock only if free and hands out the next fencing
// token in the same atomic step.
var acquireScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
local fence = redis.call("INCR", KEYS[2])
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return fence
`)

// renewScript extends the lease only for the current holder.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

// releaseScript deletes the lease only for the current holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

// Acquire takes the lock for ttl. Returns ErrBusy when held elsewhere.
func (m *Manager) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	res, err := acquireScript.Run(ctx, m.client,
		[]string{lockKey(resource), fenceKey(resource)},
		token, ttl.Milliseconds()).Int64()
	if err != nil {
		return nil, err
	}
	if res == 0 {
		return nil, ErrBusy
	}
	return &Lease{Resource: resource, Token: token, Fence: res}, nil
}

// Renew extends the lease. Returns ErrNotHeld once the lease was lost.
func (m *Manager) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, m.client,
		[]string{lockKey(lease.Resource)},
		lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release frees the lease. Releasing a lost lease returns ErrNotHeld.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	res, err := releaseScript.Run(ctx, m.client,
		[]string{lockKey(lease.Resource)},
		lease.Token).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// Holder reports the token currently holding the resource, "" when free.
func (m *Manager) Holder(ctx context.Context, resource string) (string, error) {
	val, err := m.client.Get(ctx, lockKey(resource)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

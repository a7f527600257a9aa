// Copyright 2025 The Trendwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LeaseOptions tune the cache-backed lease.
type LeaseOptions struct {
	// TTL of the lease key. Renewed while held.
	TTL time.Duration
	// RetryPeriod between acquisition attempts while contended.
	RetryPeriod time.Duration
	// Prefix namespaces lease keys.
	Prefix string
}

// LeaseLocker is the distributed locker for multi-worker deployments. Each
// lock is a Redis key set NX with a random token; a background goroutine
// renews the TTL while the lock is held, and release deletes the key only if
// the token still matches.
type LeaseLocker struct {
	client *redis.Client
	opts   LeaseOptions
}

var _ Locker = (*LeaseLocker)(nil)

// releaseScript deletes the lease only when still owned by the caller.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// renewScript extends the lease only when still owned by the caller.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// NewLeaseLocker returns a locker leasing names on the given Redis client.
func NewLeaseLocker(client *redis.Client, opts LeaseOptions) *LeaseLocker {
	if opts.TTL == 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.RetryPeriod == 0 {
		opts.RetryPeriod = 100 * time.Millisecond
	}
	if opts.Prefix == "" {
		opts.Prefix = "lock:"
	}
	return &LeaseLocker{client: client, opts: opts}
}

func (l *LeaseLocker) Acquire(ctx context.Context, name string) (func(), error) {
	key := l.opts.Prefix + name
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.opts.TTL).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ErrContended
		case <-time.After(l.opts.RetryPeriod):
		}
	}

	// Hold loop: renew at a third of the TTL until released.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(l.opts.TTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				// Renewal runs on its own timeout so a released context does
				// not strand the lease before release runs.
				rctx, cancel := context.WithTimeout(context.Background(), l.opts.TTL/3)
				_ = renewScript.Run(rctx, l.client, []string{key}, token, l.opts.TTL.Milliseconds()).Err()
				cancel()
			}
		}
	}()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		close(done)
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, l.client, []string{key}, token).Err()
	}, nil
}

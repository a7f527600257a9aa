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

// Package lock provides named locks used to guard item fingerprints during
// deduplication and persistence. A given identity (item UUID or content
// hash) is held by at most one pipeline task at a time.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrContended is returned when a lock could not be acquired before the
// context expired. Ticks hitting it are recorded as skipped (contended).
var ErrContended = errors.New("lock: contended")

// Locker acquires a named lock. The returned release function must be called
// exactly once; it is safe to call after the context is done.
type Locker interface {
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// MutexLocker is the in-process locker for single-node deployments.
type MutexLocker struct {
	mtx   sync.Mutex
	holds map[string]chan struct{}
}

var _ Locker = (*MutexLocker)(nil)

// NewMutexLocker returns an empty in-process locker.
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{holds: map[string]chan struct{}{}}
}

func (l *MutexLocker) Acquire(ctx context.Context, name string) (func(), error) {
	for {
		l.mtx.Lock()
		ch, held := l.holds[name]
		if !held {
			done := make(chan struct{})
			l.holds[name] = done
			l.mtx.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					l.mtx.Lock()
					delete(l.holds, name)
					l.mtx.Unlock()
					close(done)
				})
			}, nil
		}
		l.mtx.Unlock()

		select {
		case <-ctx.Done():
			return nil, ErrContended
		case <-ch:
			// Holder released; race for the lock again.
		}
	}
}

// TryTimeout wraps a locker so that every acquisition waits at most d.
func TryTimeout(l Locker, d time.Duration) Locker {
	return timeoutLocker{inner: l, d: d}
}

type timeoutLocker struct {
	inner Locker
	d     time.Duration
}

func (t timeoutLocker) Acquire(ctx context.Context, name string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.inner.Acquire(ctx, name)
}

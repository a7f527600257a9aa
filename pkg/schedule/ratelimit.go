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

package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tnndbtc/trendwatch/pkg/storage"
)

// DefaultRateWindow is the sliding-window period for plugin quotas.
const DefaultRateWindow = time.Hour

// Limiter is the per-plugin sliding-window quota check. The limit comes from
// the plugin's metadata; limit <= 0 means unlimited.
type Limiter interface {
	// Allow consumes one request if the quota permits. On refusal it
	// returns how long until the oldest request ages out of the window.
	Allow(ctx context.Context, plugin string, limit int) (allowed bool, retryAfter time.Duration, err error)
	// Remaining reports how many requests are left in the current window.
	Remaining(ctx context.Context, plugin string, limit int) (int, error)
}

// WindowLimiter is the in-memory limiter. Old timestamps beyond the window
// are evicted lazily on each call; all operations take the plugin's lock so
// concurrent scheduler goroutines are safe.
type WindowLimiter struct {
	window time.Duration
	now    func() time.Time

	mtx     sync.Mutex
	windows map[string]*pluginWindow
}

type pluginWindow struct {
	mtx   sync.Mutex
	times []time.Time
}

var _ Limiter = (*WindowLimiter)(nil)

// NewWindowLimiter returns an in-memory limiter with the given window.
// A zero window picks DefaultRateWindow.
func NewWindowLimiter(window time.Duration) *WindowLimiter {
	if window == 0 {
		window = DefaultRateWindow
	}
	return &WindowLimiter{
		window:  window,
		now:     time.Now,
		windows: map[string]*pluginWindow{},
	}
}

// SetClock overrides the limiter's clock. Test use only.
func (l *WindowLimiter) SetClock(now func() time.Time) { l.now = now }

func (l *WindowLimiter) get(plugin string) *pluginWindow {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	w, ok := l.windows[plugin]
	if !ok {
		w = &pluginWindow{}
		l.windows[plugin] = w
	}
	return w
}

// evict drops timestamps older than the window. Caller holds w.mtx.
func (l *WindowLimiter) evict(w *pluginWindow, now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for ; i < len(w.times); i++ {
		if w.times[i].After(cutoff) {
			break
		}
	}
	w.times = w.times[i:]
}

func (l *WindowLimiter) Allow(_ context.Context, plugin string, limit int) (bool, time.Duration, error) {
	if limit <= 0 {
		return true, 0, nil
	}
	w := l.get(plugin)
	w.mtx.Lock()
	defer w.mtx.Unlock()

	now := l.now()
	l.evict(w, now)
	if len(w.times) >= limit {
		retryAfter := w.times[0].Add(l.window).Sub(now)
		return false, retryAfter, nil
	}
	w.times = append(w.times, now)
	return true, 0, nil
}

func (l *WindowLimiter) Remaining(_ context.Context, plugin string, limit int) (int, error) {
	if limit <= 0 {
		return int(^uint(0) >> 1), nil
	}
	w := l.get(plugin)
	w.mtx.Lock()
	defer w.mtx.Unlock()

	l.evict(w, l.now())
	remaining := limit - len(w.times)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// CacheLimiter is the distributed limiter for multi-worker deployments. Each
// plugin's window is a sorted set keyed by timestamp; eviction removes
// members older than the window and the set expires with it.
type CacheLimiter struct {
	cache  storage.CacheStore
	window time.Duration
	now    func() time.Time
}

var _ Limiter = (*CacheLimiter)(nil)

// NewCacheLimiter returns a limiter sharing its window through the cache
// store. A zero window picks DefaultRateWindow.
func NewCacheLimiter(cache storage.CacheStore, window time.Duration) *CacheLimiter {
	if window == 0 {
		window = DefaultRateWindow
	}
	return &CacheLimiter{cache: cache, window: window, now: time.Now}
}

// SetClock overrides the limiter's clock. Test use only.
func (l *CacheLimiter) SetClock(now func() time.Time) { l.now = now }

func rateKey(plugin string) string { return "ratelimit:" + plugin }

func (l *CacheLimiter) Allow(ctx context.Context, plugin string, limit int) (bool, time.Duration, error) {
	if limit <= 0 {
		return true, 0, nil
	}
	key := rateKey(plugin)
	now := l.now()
	cutoff := now.Add(-l.window)

	if err := l.cache.ZRemRangeByScore(ctx, key, 0, float64(cutoff.UnixNano())); err != nil {
		return false, 0, fmt.Errorf("evict rate window: %w", err)
	}
	n, err := l.cache.ZCard(ctx, key)
	if err != nil {
		return false, 0, err
	}
	if n >= int64(limit) {
		oldest, err := l.cache.ZRangeWithScores(ctx, key, 0, 0)
		if err != nil {
			return false, 0, err
		}
		retryAfter := l.window
		if len(oldest) > 0 {
			retryAfter = time.Unix(0, int64(oldest[0].Score)).Add(l.window).Sub(now)
		}
		return false, retryAfter, nil
	}
	if err := l.cache.ZAdd(ctx, key, float64(now.UnixNano()), uuid.NewString()); err != nil {
		return false, 0, err
	}
	// Bound the set's lifetime; it is rebuilt from live traffic anyway.
	_ = l.cache.Expire(ctx, key, l.window)
	return true, 0, nil
}

func (l *CacheLimiter) Remaining(ctx context.Context, plugin string, limit int) (int, error) {
	if limit <= 0 {
		return int(^uint(0) >> 1), nil
	}
	key := rateKey(plugin)
	cutoff := l.now().Add(-l.window)
	if err := l.cache.ZRemRangeByScore(ctx, key, 0, float64(cutoff.UnixNano())); err != nil {
		return 0, err
	}
	n, err := l.cache.ZCard(ctx, key)
	if err != nil {
		return 0, err
	}
	remaining := limit - int(n)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

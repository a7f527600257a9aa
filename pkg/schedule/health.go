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
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sony/gobreaker"

	"github.com/tnndbtc/trendwatch/pkg/model"
	"github.com/tnndbtc/trendwatch/pkg/storage"
)

const (
	// DefaultFailureThreshold is the consecutive-failure count at which a
	// plugin turns unhealthy.
	DefaultFailureThreshold = 3
	// DefaultCooldown is how long an unhealthy plugin stays skipped before
	// a probe tick is allowed through.
	DefaultCooldown = 5 * time.Minute
	// DefaultHistorySize bounds the per-plugin snapshot history.
	DefaultHistorySize = 1000
)

// TrackerOptions tune the health tracker.
type TrackerOptions struct {
	FailureThreshold int
	Cooldown         time.Duration
	HistorySize      int
}

// Tracker maintains per-plugin success/failure history and derives the
// healthy flag. Each plugin drives a circuit breaker: the breaker opens at
// the failure threshold, stays open for the cooldown, and closes again on a
// successful probe tick.
type Tracker struct {
	logger log.Logger
	opts   TrackerOptions
	// Optional sink; health records are persisted after every update so the
	// control surface survives restarts. Never blocks tracking.
	sink storage.ItemStore

	mtx     sync.Mutex
	plugins map[string]*pluginRecord
}

type pluginRecord struct {
	mtx sync.Mutex

	breaker *gobreaker.TwoStepCircuitBreaker

	lastRun             time.Time
	lastSuccess         time.Time
	lastError           string
	consecutiveFailures int
	totalRuns           int

	// Ring of recent outcomes; overflow evicts oldest.
	snapshots []snapshot
	head      int
	filled    bool
}

type snapshot struct {
	ok       bool
	at       time.Time
	duration time.Duration
}

// NewTracker returns a health tracker. The sink may be nil.
func NewTracker(logger log.Logger, sink storage.ItemStore, opts TrackerOptions) *Tracker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.Cooldown == 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.HistorySize == 0 {
		opts.HistorySize = DefaultHistorySize
	}
	return &Tracker{
		logger:  logger,
		opts:    opts,
		sink:    sink,
		plugins: map[string]*pluginRecord{},
	}
}

func (t *Tracker) record(plugin string) *pluginRecord {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	r, ok := t.plugins[plugin]
	if !ok {
		threshold := uint32(t.opts.FailureThreshold)
		r = &pluginRecord{
			snapshots: make([]snapshot, t.opts.HistorySize),
			breaker: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
				Name:        plugin,
				MaxRequests: 1,
				Timeout:     t.opts.Cooldown,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= threshold
				},
			}),
		}
		t.plugins[plugin] = r
	}
	return r
}

// Healthy reports whether the plugin may run. An open breaker means the
// consecutive-failure threshold was reached and the cooldown has not
// elapsed yet.
func (t *Tracker) Healthy(plugin string) bool {
	return t.record(plugin).breaker.State() != gobreaker.StateOpen
}

// Acquire reserves a tick slot with the plugin's breaker. The returned
// function must be called with the tick outcome. Acquire fails while the
// breaker is open, and in half-open state admits only the single probe.
func (t *Tracker) Acquire(plugin string) (done func(success bool), ok bool) {
	done, err := t.record(plugin).breaker.Allow()
	if err != nil {
		return nil, false
	}
	return done, true
}

// RecordSuccess notes a successful tick.
func (t *Tracker) RecordSuccess(ctx context.Context, plugin string, duration time.Duration) {
	r := t.record(plugin)
	r.mtx.Lock()
	now := time.Now()
	r.lastRun = now
	r.lastSuccess = now
	r.lastError = ""
	r.consecutiveFailures = 0
	r.totalRuns++
	r.push(snapshot{ok: true, at: now, duration: duration})
	r.mtx.Unlock()

	t.persist(ctx, plugin)
}

// RecordFailure notes a failed tick.
func (t *Tracker) RecordFailure(ctx context.Context, plugin string, err error, duration time.Duration) {
	r := t.record(plugin)
	r.mtx.Lock()
	now := time.Now()
	r.lastRun = now
	if err != nil {
		r.lastError = err.Error()
	}
	r.consecutiveFailures++
	r.totalRuns++
	r.push(snapshot{ok: false, at: now, duration: duration})
	r.mtx.Unlock()

	t.persist(ctx, plugin)
}

// push appends to the bounded ring. Caller holds r.mtx.
func (r *pluginRecord) push(s snapshot) {
	r.snapshots[r.head] = s
	r.head = (r.head + 1) % len(r.snapshots)
	if r.head == 0 {
		r.filled = true
	}
}

// Status returns the plugin's health record.
func (t *Tracker) Status(plugin string) model.PluginHealth {
	r := t.record(plugin)
	healthy := r.breaker.State() != gobreaker.StateOpen

	r.mtx.Lock()
	defer r.mtx.Unlock()

	n := r.head
	if r.filled {
		n = len(r.snapshots)
	}
	var successes int
	for i := 0; i < n; i++ {
		if r.snapshots[i].ok {
			successes++
		}
	}
	rate := 0.0
	if n > 0 {
		rate = float64(successes) / float64(n)
	}
	return model.PluginHealth{
		Plugin:              plugin,
		LastRun:             r.lastRun,
		LastSuccess:         r.lastSuccess,
		LastError:           r.lastError,
		ConsecutiveFailures: r.consecutiveFailures,
		TotalRuns:           r.totalRuns,
		SuccessRate:         rate,
		Healthy:             healthy,
	}
}

func (t *Tracker) persist(ctx context.Context, plugin string) {
	if t.sink == nil {
		return
	}
	if err := t.sink.UpsertPluginHealth(ctx, t.Status(plugin)); err != nil {
		level.Warn(t.logger).Log("msg", "persisting plugin health failed", "plugin", plugin, "err", err)
	}
}

// UnhealthyCount reports how many tracked plugins are currently unhealthy.
func (t *Tracker) UnhealthyCount() int {
	t.mtx.Lock()
	names := make([]string, 0, len(t.plugins))
	for name := range t.plugins {
		names = append(names, name)
	}
	t.mtx.Unlock()

	var n int
	for _, name := range names {
		if !t.Healthy(name) {
			n++
		}
	}
	return n
}

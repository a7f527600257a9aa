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

// Package schedule drives registered plugins on their cron schedules and
// on demand, enforcing rate-limit, health, timeout, and backpressure
// preconditions before handing collected items to the pipeline.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/tnndbtc/trendwatch/pkg/model"
	"github.com/tnndbtc/trendwatch/pkg/plugin"
	"github.com/tnndbtc/trendwatch/pkg/runs"
)

var (
	ticksStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trendwatch_scheduler_ticks_started_total",
		Help: "Number of plugin ticks that passed prechecks and launched collect.",
	})
	ticksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trendwatch_scheduler_ticks_completed_total",
		Help: "Number of plugin ticks that completed successfully.",
	})
	ticksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trendwatch_scheduler_ticks_failed_total",
		Help: "Number of plugin ticks that failed.",
	})
	ticksSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trendwatch_scheduler_ticks_skipped_total",
		Help: "Number of plugin ticks skipped during prechecks, by reason.",
	}, []string{"reason"})
	runningTicks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trendwatch_scheduler_running_ticks",
		Help: "Number of plugin ticks currently running.",
	})
)

// Defaults for scheduler options.
const (
	DefaultMaxConcurrency = 8
	DefaultCollectTimeout = 300 * time.Second
	DefaultTickRetryMax   = 3

	maxBackoff = 5 * time.Second
)

// Skip reasons emitted by prechecks.
const (
	SkipDisabled     = "disabled"
	SkipUnhealthy    = "unhealthy"
	SkipRateLimited  = "rate_limited"
	SkipBackpressure = "backpressure"
	SkipOverlapping  = "overlapping"
	SkipContended    = "contended"
)

// SubmitFunc hands collected raw items to the pipeline and returns the
// resulting run record.
type SubmitFunc func(ctx context.Context, source string, items []model.RawItem) (model.PipelineRun, error)

// Options configure a Scheduler.
type Options struct {
	// MaxConcurrency bounds simultaneous plugin ticks.
	MaxConcurrency int
	// DefaultTimeout applies to plugins that do not declare one.
	DefaultTimeout time.Duration
	// TickRetryMax bounds transient-error retries within a tick (0..5).
	TickRetryMax int
	// Backpressure, if set, reports whether the persister queue is above
	// its high-water mark. Ticks are skipped while it returns true.
	Backpressure func() bool
}

// Scheduler drives plugin ticks. One instance owns the cron table, the
// concurrency semaphore, and the per-plugin deferral state.
type Scheduler struct {
	logger   log.Logger
	registry *plugin.Registry
	limiter  Limiter
	tracker  *Tracker
	recorder *runs.Recorder
	submit   SubmitFunc
	opts     Options

	sem  *semaphore.Weighted
	cron *cron.Cron

	mtx      sync.Mutex
	inflight map[string]bool
	// Deferral deadlines carried from rate-limit refusals and quota errors
	// into subsequent ticks.
	deferred map[string]time.Time
	entries  map[string]cron.EntryID
}

// New returns a scheduler. The submit function must not be nil.
func New(
	logger log.Logger,
	reg prometheus.Registerer,
	registry *plugin.Registry,
	limiter Limiter,
	tracker *Tracker,
	recorder *runs.Recorder,
	submit SubmitFunc,
	opts Options,
) (*Scheduler, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if submit == nil {
		return nil, errors.New("no submit function configured")
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultCollectTimeout
	}
	if opts.TickRetryMax < 0 || opts.TickRetryMax > 5 {
		return nil, fmt.Errorf("tick retry max must be in [0,5], got %d", opts.TickRetryMax)
	}
	if reg != nil {
		reg.MustRegister(ticksStarted, ticksCompleted, ticksFailed, ticksSkipped, runningTicks)
	}
	return &Scheduler{
		logger:   logger,
		registry: registry,
		limiter:  limiter,
		tracker:  tracker,
		recorder: recorder,
		submit:   submit,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		cron:     cron.New(),
		inflight: map[string]bool{},
		deferred: map[string]time.Time{},
		entries:  map[string]cron.EntryID{},
	}, nil
}

// Sync reconciles cron entries with the registry. Entries are added in
// registration order so plugins due at the same instant launch in that
// order. Safe to call while running.
func (s *Scheduler) Sync() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, reg := range s.registry.List(false) {
		name := reg.Collector.Name()
		if _, ok := s.entries[name]; ok || reg.Metadata.Schedule == "" {
			continue
		}
		id, err := s.cron.AddFunc(reg.Metadata.Schedule, func() {
			s.runTick(context.Background(), name, false)
		})
		if err != nil {
			return fmt.Errorf("scheduling plugin %q: %w", name, err)
		}
		s.entries[name] = id
	}
	return nil
}

// Run starts the cron table and blocks until the context is canceled, then
// waits for in-flight ticks to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Sync(); err != nil {
		return err
	}
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()

	// Drain the semaphore so we return only after in-flight ticks complete.
	drain, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.sem.Acquire(drain, int64(s.opts.MaxConcurrency)); err == nil {
		s.sem.Release(int64(s.opts.MaxConcurrency))
	}
	return nil
}

// RunNow triggers a tick for the plugin immediately. With overrideChecks the
// health and rate prechecks are skipped, but the result still updates health
// and rate accounting. The returned run reflects the tick outcome.
func (s *Scheduler) RunNow(ctx context.Context, name string, overrideChecks bool) (model.PipelineRun, error) {
	return s.runTick(ctx, name, overrideChecks)
}

// TickOutcome labels used in run error lists.
const failedTimeout = "failed(timeout)"

// tick carries the state of one scheduled execution through the
// PreCheck -> Running -> Finalizing machine.
type tick struct {
	s        *Scheduler
	name     string
	override bool

	reg       plugin.Registration
	healthOK  func(success bool)
	items     []model.RawItem
	collected time.Duration
	err       error

	run model.PipelineRun
}

type tickState func(ctx context.Context) tickState

// runTick executes the tick state machine under the concurrency bound.
func (s *Scheduler) runTick(ctx context.Context, name string, override bool) (model.PipelineRun, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return model.PipelineRun{}, err
	}
	defer s.sem.Release(1)

	runningTicks.Inc()
	defer runningTicks.Dec()

	// The machine always runs to completion: states observe ctx themselves,
	// and stateFinalize must execute even on cancellation so the inflight
	// mark and the breaker slot are released.
	t := &tick{s: s, name: name, override: override}
	for state := t.statePreCheck(); state != nil; {
		state = state(ctx)
	}
	return t.run, ctx.Err()
}

func (t *tick) skip(ctx context.Context, reason string) tickState {
	ticksSkipped.WithLabelValues(reason).Inc()
	level.Debug(t.s.logger).Log("msg", "tick skipped", "plugin", t.name, "reason", reason)
	t.run = t.s.recorder.RecordTick(ctx, model.RunSkipped, reason)
	return nil
}

func (t *tick) statePreCheck() tickState {
	return func(ctx context.Context) tickState {
		s := t.s

		// 1. Resolve from the registry; missing or disabled ticks are skipped.
		reg, err := s.registry.Get(t.name)
		if err != nil || !reg.Enabled {
			return t.skip(ctx, SkipDisabled)
		}
		t.reg = reg

		if reg.Metadata.ConcurrencyHint == 1 && !s.tryMarkInflight(t.name) {
			return t.skip(ctx, SkipOverlapping)
		}

		if s.opts.Backpressure != nil && s.opts.Backpressure() {
			s.unmarkInflight(t.name)
			return t.skip(ctx, SkipBackpressure)
		}

		if !t.override {
			// 2. Health gate with cooldown.
			if !s.tracker.Healthy(t.name) {
				s.unmarkInflight(t.name)
				return t.skip(ctx, SkipUnhealthy)
			}
			// 3. Rate limit, including deferrals carried from earlier ticks.
			if until, ok := s.deferredUntil(t.name); ok {
				s.unmarkInflight(t.name)
				level.Debug(s.logger).Log("msg", "tick deferred", "plugin", t.name, "until", until)
				return t.skip(ctx, SkipRateLimited)
			}
			allowed, retryAfter, err := s.limiter.Allow(ctx, t.name, reg.Metadata.RateLimitPerHour)
			if err != nil {
				level.Warn(s.logger).Log("msg", "rate limiter error, allowing tick", "plugin", t.name, "err", err)
			} else if !allowed {
				s.deferPlugin(t.name, retryAfter)
				s.unmarkInflight(t.name)
				return t.skip(ctx, SkipRateLimited)
			}
		} else {
			// Overridden ticks still consume rate quota.
			if _, _, err := s.limiter.Allow(ctx, t.name, reg.Metadata.RateLimitPerHour); err != nil {
				level.Warn(s.logger).Log("msg", "rate limiter error", "plugin", t.name, "err", err)
			}
		}

		// Reserve the breaker slot. In half-open state only a single probe
		// tick is admitted. Overridden ticks run even against an open
		// breaker; their outcome then bypasses the breaker counts.
		done, ok := s.tracker.Acquire(t.name)
		if !ok {
			if !t.override {
				s.unmarkInflight(t.name)
				return t.skip(ctx, SkipUnhealthy)
			}
			done = func(bool) {}
		}
		t.healthOK = done
		return t.stateRunning()
	}
}

func (t *tick) stateRunning() tickState {
	return func(ctx context.Context) tickState {
		ticksStarted.Inc()
		timeout := t.reg.Metadata.Timeout(t.s.opts.DefaultTimeout)
		start := time.Now()

		t.items, t.err = t.collectWithRetry(ctx, timeout)
		t.collected = time.Since(start)
		return t.stateFinalize()
	}
}

// collectWithRetry runs Collect under the tick deadline, retrying transient
// errors with exponential backoff (250 ms doubling, capped at 5 s) and
// honoring upstream retry-after hints.
func (t *tick) collectWithRetry(ctx context.Context, timeout time.Duration) ([]model.RawItem, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; ; attempt++ {
		items, err := t.reg.Collector.Collect(cctx)
		if err == nil {
			return items, nil
		}
		lastErr = err
		if !plugin.Transient(err) || attempt >= t.s.opts.TickRetryMax {
			return nil, lastErr
		}
		delay := backoffDelay(attempt + 1)
		if ra, ok := plugin.RetryAfter(err); ok && ra > delay {
			delay = ra
		}
		select {
		case <-cctx.Done():
			return nil, cctx.Err()
		case <-time.After(delay):
		}
	}
}

func backoffDelay(attempt int) time.Duration {
	d := 250 * time.Millisecond << (attempt - 1)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (t *tick) stateFinalize() tickState {
	return func(ctx context.Context) tickState {
		s := t.s
		defer s.unmarkInflight(t.name)

		if t.err != nil {
			t.healthOK(false)
			ticksFailed.Inc()
			s.tracker.RecordFailure(ctx, t.name, t.err, t.collected)

			class := plugin.Classify(t.err)
			reason := fmt.Sprintf("failed(%s)", class)
			if errors.Is(t.err, context.DeadlineExceeded) {
				reason = failedTimeout
			}
			level.Warn(s.logger).Log("msg", "tick failed", "plugin", t.name, "class", class, "err", t.err)

			switch class {
			case plugin.ClassConfig:
				// Fatal for the plugin: disable until operator intervention.
				if err := s.registry.SetEnabled(t.name, false); err != nil {
					level.Error(s.logger).Log("msg", "disabling plugin failed", "plugin", t.name, "err", err)
				}
			case plugin.ClassQuota:
				if ra, ok := plugin.RetryAfter(t.err); ok {
					s.deferPlugin(t.name, ra)
				}
			}
			t.run = s.recorder.RecordTick(ctx, model.RunFailed, reason)
			return nil
		}

		run, err := s.submit(ctx, t.name, t.items)
		t.run = run
		if err != nil {
			t.healthOK(false)
			ticksFailed.Inc()
			s.tracker.RecordFailure(ctx, t.name, err, t.collected)
			level.Warn(s.logger).Log("msg", "pipeline submit failed", "plugin", t.name, "err", err)
			return nil
		}

		t.healthOK(true)
		ticksCompleted.Inc()
		s.tracker.RecordSuccess(ctx, t.name, t.collected)
		level.Info(s.logger).Log("msg", "tick completed", "plugin", t.name,
			"items", len(t.items), "duration", t.collected, "run", run.ID)
		return nil
	}
}

func (s *Scheduler) tryMarkInflight(name string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.inflight[name] {
		return false
	}
	s.inflight[name] = true
	return true
}

func (s *Scheduler) unmarkInflight(name string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.inflight, name)
}

func (s *Scheduler) deferPlugin(name string, d time.Duration) {
	if d <= 0 {
		return
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.deferred[name] = time.Now().Add(d)
}

func (s *Scheduler) deferredUntil(name string) (time.Time, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	until, ok := s.deferred[name]
	if !ok {
		return time.Time{}, false
	}
	if time.Now().After(until) {
		delete(s.deferred, name)
		return time.Time{}, false
	}
	return until, true
}

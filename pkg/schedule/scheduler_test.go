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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tnndbtc/trendwatch/pkg/model"
	"github.com/tnndbtc/trendwatch/pkg/plugin"
	"github.com/tnndbtc/trendwatch/pkg/plugin/plugintest"
	"github.com/tnndbtc/trendwatch/pkg/runs"
	"github.com/tnndbtc/trendwatch/pkg/storage/memory"
)

type harness struct {
	registry *plugin.Registry
	limiter  *WindowLimiter
	tracker  *Tracker
	store    *memory.ItemStore
	sched    *Scheduler

	mtx       sync.Mutex
	submitted [][]model.RawItem
}

func newHarness(t *testing.T, opts Options, trackerOpts TrackerOptions) *harness {
	t.Helper()
	h := &harness{
		registry: plugin.NewRegistry(),
		limiter:  NewWindowLimiter(time.Hour),
		store:    memory.NewItemStore(),
	}
	h.tracker = NewTracker(nil, nil, trackerOpts)
	recorder := runs.NewRecorder(nil, nil, h.store)
	submit := func(ctx context.Context, source string, items []model.RawItem) (model.PipelineRun, error) {
		h.mtx.Lock()
		h.submitted = append(h.submitted, items)
		h.mtx.Unlock()
		now := time.Now().UTC()
		return model.PipelineRun{
			ID:             uuid.New(),
			Status:         model.RunCompleted,
			ItemsCollected: len(items),
			StartedAt:      now,
			CompletedAt:    &now,
		}, nil
	}
	sched, err := New(nil, nil, h.registry, h.limiter, h.tracker, recorder, submit, opts)
	if err != nil {
		t.Fatalf("building scheduler: %v", err)
	}
	h.sched = sched
	return h
}

func (h *harness) submissions() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.submitted)
}

func TestRunNowCollectsAndSubmits(t *testing.T) {
	h := newHarness(t, Options{}, TrackerOptions{})
	c := &plugintest.Collector{
		PluginName: "feed",
		CollectFunc: func(context.Context) ([]model.RawItem, error) {
			return plugintest.Items("feed", 3, func(i int) string { return "story" }), nil
		},
	}
	if err := h.registry.Register(c); err != nil {
		t.Fatal(err)
	}

	run, err := h.sched.RunNow(context.Background(), "feed", false)
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	if run.Status != model.RunCompleted {
		t.Fatalf("run status = %s, want completed", run.Status)
	}
	if h.submissions() != 1 {
		t.Fatalf("submissions = %d, want 1", h.submissions())
	}
	if !h.tracker.Status("feed").Healthy {
		t.Fatal("plugin should be healthy after success")
	}
}

func TestRunNowUnknownPluginSkipped(t *testing.T) {
	h := newHarness(t, Options{}, TrackerOptions{})
	run, err := h.sched.RunNow(context.Background(), "ghost", false)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != model.RunSkipped {
		t.Fatalf("run status = %s, want skipped", run.Status)
	}
}

func TestDisabledPluginSkipped(t *testing.T) {
	h := newHarness(t, Options{}, TrackerOptions{})
	c := &plugintest.Collector{PluginName: "feed"}
	if err := h.registry.Register(c); err != nil {
		t.Fatal(err)
	}
	if err := h.registry.SetEnabled("feed", false); err != nil {
		t.Fatal(err)
	}
	run, err := h.sched.RunNow(context.Background(), "feed", false)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != model.RunSkipped {
		t.Fatalf("run status = %s, want skipped", run.Status)
	}
	if c.Calls() != 0 {
		t.Fatal("collector invoked for disabled plugin")
	}
}

func TestUnhealthyPluginSkippedUntilCooldown(t *testing.T) {
	h := newHarness(t, Options{}, TrackerOptions{FailureThreshold: 2, Cooldown: 80 * time.Millisecond})
	boom := errors.New("boom")
	c := &plugintest.Collector{
		PluginName: "feed",
		CollectFunc: func(context.Context) ([]model.RawItem, error) {
			return nil, &plugin.ParseError{Detail: "bad payload", Err: boom}
		},
	}
	if err := h.registry.Register(c); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		run, err := h.sched.RunNow(ctx, "feed", false)
		if err != nil {
			t.Fatal(err)
		}
		if run.Status != model.RunFailed {
			t.Fatalf("run %d status = %s, want failed", i, run.Status)
		}
	}
	calls := c.Calls()

	// Third tick lands inside the cooldown and must not reach the collector.
	run, err := h.sched.RunNow(ctx, "feed", false)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != model.RunSkipped {
		t.Fatalf("run status = %s, want skipped", run.Status)
	}
	if c.Calls() != calls {
		t.Fatal("collector invoked while unhealthy")
	}

	// After the cooldown a probe tick goes through again.
	time.Sleep(100 * time.Millisecond)
	if _, err := h.sched.RunNow(ctx, "feed", false); err != nil {
		t.Fatal(err)
	}
	if c.Calls() != calls+1 {
		t.Fatal("probe tick did not reach the collector after cooldown")
	}
}

func TestOverrideBypassesHealthGate(t *testing.T) {
	h := newHarness(t, Options{}, TrackerOptions{FailureThreshold: 1, Cooldown: time.Hour})
	fails := atomic.Bool{}
	fails.Store(true)
	c := &plugintest.Collector{
		PluginName: "feed",
		CollectFunc: func(context.Context) ([]model.RawItem, error) {
			if fails.Load() {
				return nil, &plugin.ParseError{Detail: "bad"}
			}
			return nil, nil
		},
	}
	if err := h.registry.Register(c); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := h.sched.RunNow(ctx, "feed", false); err != nil {
		t.Fatal(err)
	}
	if h.tracker.Healthy("feed") {
		t.Fatal("expected open breaker")
	}

	fails.Store(false)
	run, err := h.sched.RunNow(ctx, "feed", true)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != model.RunCompleted {
		t.Fatalf("override run status = %s, want completed", run.Status)
	}
}

func TestRateLimitSkipAndDeferral(t *testing.T) {
	h := newHarness(t, Options{}, TrackerOptions{})
	c := &plugintest.Collector{
		PluginName: "feed",
		Meta:       plugin.Metadata{RateLimitPerHour: 1},
	}
	if err := h.registry.Register(c); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := h.sched.RunNow(ctx, "feed", false); err != nil {
		t.Fatal(err)
	}
	run, err := h.sched.RunNow(ctx, "feed", false)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != model.RunSkipped {
		t.Fatalf("run status = %s, want skipped (rate limited)", run.Status)
	}
	if c.Calls() != 1 {
		t.Fatalf("collector calls = %d, want 1", c.Calls())
	}
	// The refusal left a deferral behind; the next tick skips without even
	// consulting the limiter.
	run, err = h.sched.RunNow(ctx, "feed", false)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != model.RunSkipped {
		t.Fatalf("deferred run status = %s, want skipped", run.Status)
	}
}

func TestConfigErrorDisablesPlugin(t *testing.T) {
	h := newHarness(t, Options{}, TrackerOptions{})
	c := &plugintest.Collector{
		PluginName: "feed",
		CollectFunc: func(context.Context) ([]model.RawItem, error) {
			return nil, &plugin.ConfigError{Reason: "missing api key"}
		},
	}
	if err := h.registry.Register(c); err != nil {
		t.Fatal(err)
	}

	run, err := h.sched.RunNow(context.Background(), "feed", false)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != model.RunFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	reg, err := h.registry.Get("feed")
	if err != nil {
		t.Fatal(err)
	}
	if reg.Enabled {
		t.Fatal("config error must disable the plugin")
	}
}

func TestCollectTimeoutFailsTick(t *testing.T) {
	h := newHarness(t, Options{DefaultTimeout: 50 * time.Millisecond, TickRetryMax: 0}, TrackerOptions{})
	c := &plugintest.Collector{
		PluginName: "slow",
		CollectFunc: func(ctx context.Context) ([]model.RawItem, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	if err := h.registry.Register(c); err != nil {
		t.Fatal(err)
	}

	run, err := h.sched.RunNow(context.Background(), "slow", false)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != model.RunFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	if len(run.Errors) == 0 || run.Errors[0] != "failed(timeout)" {
		t.Fatalf("run errors = %v, want [failed(timeout)]", run.Errors)
	}
}

func TestTransientErrorsRetriedWithinTick(t *testing.T) {
	h := newHarness(t, Options{TickRetryMax: 2}, TrackerOptions{})
	var calls atomic.Int32
	c := &plugintest.Collector{
		PluginName: "flaky",
		CollectFunc: func(context.Context) ([]model.RawItem, error) {
			if calls.Add(1) < 3 {
				return nil, &plugin.NetworkError{Op: "fetch", Err: errors.New("reset")}
			}
			return plugintest.Items("flaky", 1, func(int) string { return "ok" }), nil
		},
	}
	if err := h.registry.Register(c); err != nil {
		t.Fatal(err)
	}

	run, err := h.sched.RunNow(context.Background(), "flaky", false)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != model.RunCompleted {
		t.Fatalf("run status = %s, want completed after retries", run.Status)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("collect calls = %d, want 3", got)
	}
}

func TestConcurrencyBound(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrency: 2}, TrackerOptions{})

	var running, peak atomic.Int32
	block := make(chan struct{})
	for _, name := range []string{"a", "b", "c"} {
		c := &plugintest.Collector{
			PluginName: name,
			CollectFunc: func(context.Context) ([]model.RawItem, error) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-block
				running.Add(-1)
				return nil, nil
			},
		}
		if err := h.registry.Register(c); err != nil {
			t.Fatal(err)
		}
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			_, _ = h.sched.RunNow(ctx, n, false)
		}(name)
	}

	// Let two ticks start and verify the third is parked on the semaphore.
	time.Sleep(100 * time.Millisecond)
	if got := running.Load(); got != 2 {
		t.Fatalf("running ticks = %d, want 2", got)
	}
	close(block)
	wg.Wait()
	if got := peak.Load(); got != 2 {
		t.Fatalf("peak concurrency = %d, want 2", got)
	}
}

func TestNonOverlapSerializesTicks(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrency: 4}, TrackerOptions{})
	block := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	c := &plugintest.Collector{
		PluginName: "feed",
		Meta:       plugin.Metadata{ConcurrencyHint: 1},
		CollectFunc: func(context.Context) ([]model.RawItem, error) {
			if calls.Add(1) == 1 {
				close(started)
				<-block
			}
			return nil, nil
		},
	}
	if err := h.registry.Register(c); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.sched.RunNow(ctx, "feed", false)
	}()
	<-started

	// A second tick while the first is still collecting must not reach the
	// collector.
	run, err := h.sched.RunNow(ctx, "feed", false)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != model.RunSkipped {
		t.Fatalf("overlapping run status = %s, want skipped", run.Status)
	}
	if len(run.Errors) == 0 || run.Errors[0] != SkipOverlapping {
		t.Fatalf("overlapping run errors = %v, want [%s]", run.Errors, SkipOverlapping)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("collector calls = %d, want 1", got)
	}

	close(block)
	<-done
	run, err = h.sched.RunNow(ctx, "feed", false)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != model.RunCompleted {
		t.Fatalf("follow-up run status = %s, want completed", run.Status)
	}
}

func TestCanceledTickReleasesOverlapGuard(t *testing.T) {
	h := newHarness(t, Options{TickRetryMax: 0}, TrackerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var first atomic.Bool
	first.Store(true)
	c := &plugintest.Collector{
		PluginName: "feed",
		Meta:       plugin.Metadata{ConcurrencyHint: 1},
		CollectFunc: func(cctx context.Context) ([]model.RawItem, error) {
			if first.CompareAndSwap(true, false) {
				// The caller walks away mid-collection.
				cancel()
				<-cctx.Done()
				return nil, cctx.Err()
			}
			return plugintest.Items("feed", 1, func(int) string { return "story" }), nil
		},
	}
	if err := h.registry.Register(c); err != nil {
		t.Fatal(err)
	}

	run, err := h.sched.RunNow(ctx, "feed", false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("run now error = %v, want context.Canceled", err)
	}
	if run.Status != model.RunFailed {
		t.Fatalf("canceled run status = %s, want failed", run.Status)
	}

	// The canceled tick must have released the non-overlap mark and its
	// breaker slot; a fresh tick goes straight through.
	run, err = h.sched.RunNow(context.Background(), "feed", false)
	if err != nil {
		t.Fatalf("run after cancellation: %v", err)
	}
	if run.Status != model.RunCompleted {
		t.Fatalf("run after cancellation status = %s, want completed (errors: %v)", run.Status, run.Errors)
	}
	if got := c.Calls(); got != 2 {
		t.Fatalf("collector calls = %d, want 2", got)
	}
}

func TestBackpressureSkipsTicks(t *testing.T) {
	pressured := atomic.Bool{}
	pressured.Store(true)
	h := newHarness(t, Options{Backpressure: func() bool { return pressured.Load() }}, TrackerOptions{})
	c := &plugintest.Collector{PluginName: "feed"}
	if err := h.registry.Register(c); err != nil {
		t.Fatal(err)
	}

	run, err := h.sched.RunNow(context.Background(), "feed", false)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != model.RunSkipped {
		t.Fatalf("run status = %s, want skipped under backpressure", run.Status)
	}
	if c.Calls() != 0 {
		t.Fatal("collector invoked under backpressure")
	}

	pressured.Store(false)
	run, err = h.sched.RunNow(context.Background(), "feed", false)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != model.RunCompleted {
		t.Fatalf("run status = %s, want completed after release", run.Status)
	}
}

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 250 * time.Millisecond},
		{2, 500 * time.Millisecond},
		{3, time.Second},
		{10, maxBackoff},
	}
	for _, c := range cases {
		if got := backoffDelay(c.attempt); got != c.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

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

// Package pipeline executes the staged processing of collected items:
// normalize, language-detect, embed, deduplicate, cluster, rank, persist.
// Stages are idempotent on re-run over the same batch; individual items may
// be marked failed without failing the run, while an uncaught stage error
// aborts the run.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/tnndbtc/trendwatch/pkg/lock"
	"github.com/tnndbtc/trendwatch/pkg/model"
	"github.com/tnndbtc/trendwatch/pkg/runs"
)

var (
	stageDuration = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name:       "trendwatch_pipeline_stage_duration_seconds",
		Help:       "Execution time per pipeline stage.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"stage"})
	runsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trendwatch_pipeline_runs_completed_total",
		Help: "Number of pipeline runs that completed.",
	})
	runsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trendwatch_pipeline_runs_failed_total",
		Help: "Number of pipeline runs that failed or were skipped mid-flight.",
	})
)

// DefaultRunDeadline bounds one end-to-end pipeline execution.
const DefaultRunDeadline = 30 * time.Minute

// Work is one item moving through the pipeline with its per-item outcome.
type Work struct {
	Item model.Item
	// Failed marks an item dropped by a stage for a non-duplicate reason.
	Failed bool
	Reason string
	// Dropped marks a deduplicated item.
	Dropped bool
}

// Batch is what stages exchange: the surviving items, cluster and rank
// results, and the run counters.
type Batch struct {
	RunID uuid.UUID
	Now   time.Time

	Works  []*Work
	Topics []TopicProposal
	Trends []model.Trend

	Deduplicated int
	Persisted    int

	// Fingerprint lock releases accumulated by the deduplicator; the engine
	// releases them when the run finishes.
	releases []func()
}

// TopicProposal is a cluster produced by the clusterer, not yet ranked.
type TopicProposal struct {
	Topic   model.Topic
	ItemIDs []uuid.UUID
	// NewestPublished is the most recent publication time among members,
	// used for the freshness term.
	NewestPublished time.Time
}

// Survivors returns the works still flowing through the pipeline.
func (b *Batch) Survivors() []*Work {
	out := make([]*Work, 0, len(b.Works))
	for _, w := range b.Works {
		if !w.Failed && !w.Dropped {
			out = append(out, w)
		}
	}
	return out
}

// AddRelease registers a lock release to run at the end of the run.
func (b *Batch) AddRelease(f func()) {
	b.releases = append(b.releases, f)
}

func (b *Batch) release() {
	for _, f := range b.releases {
		f()
	}
	b.releases = nil
}

// Stage is one step of the pipeline.
type Stage interface {
	Name() string
	Execute(ctx context.Context, b *Batch) error
}

// Offloadable marks stages whose CPU-bound work may run on the compute pool
// rather than the tick's own task.
type Offloadable interface {
	Offloadable() bool
}

// Options configure an Engine.
type Options struct {
	// RunDeadline bounds one pipeline execution end to end.
	RunDeadline time.Duration
	// ComputeConcurrency bounds concurrently running offloadable stages
	// across runs. Zero disables the compute pool.
	ComputeConcurrency int
	// CategoryOf resolves the category tag for a source, usually from the
	// plugin registry. May be nil.
	CategoryOf func(source string) string
}

// Engine owns the ordered stage list and runs batches through it.
type Engine struct {
	logger   log.Logger
	recorder *runs.Recorder
	stages   []Stage
	opts     Options

	compute *semaphore.Weighted
}

// NewEngine returns an engine executing the given stages in order.
func NewEngine(logger log.Logger, reg prometheus.Registerer, recorder *runs.Recorder, stages []Stage, opts Options) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.RunDeadline <= 0 {
		opts.RunDeadline = DefaultRunDeadline
	}
	if reg != nil {
		reg.MustRegister(stageDuration, runsCompleted, runsFailed)
	}
	e := &Engine{
		logger:   logger,
		recorder: recorder,
		stages:   stages,
		opts:     opts,
	}
	if opts.ComputeConcurrency > 0 {
		e.compute = semaphore.NewWeighted(int64(opts.ComputeConcurrency))
	}
	return e
}

// Process converts the raw items and runs them through all stages. It always
// returns the run record; the error is non-nil only when the run did not
// complete.
func (e *Engine) Process(ctx context.Context, source string, raw []model.RawItem) (model.PipelineRun, error) {
	run := e.recorder.Begin(ctx)
	run.ItemsCollected = len(raw)

	ctx, cancel := context.WithTimeout(ctx, e.opts.RunDeadline)
	defer cancel()

	category := ""
	if e.opts.CategoryOf != nil {
		category = e.opts.CategoryOf(source)
	}

	now := time.Now().UTC()
	batch := &Batch{RunID: run.ID, Now: now}
	for _, it := range Convert(raw, category, now) {
		batch.Works = append(batch.Works, &Work{Item: it})
	}
	defer batch.release()

	for _, st := range e.stages {
		if err := e.executeStage(ctx, st, batch); err != nil {
			run.Errors = append(run.Errors, st.Name()+": "+err.Error())
			run.ItemsDeduplicated = batch.Deduplicated
			if errors.Is(err, lock.ErrContended) {
				run.Status = model.RunSkipped
			} else {
				run.Status = model.RunFailed
			}
			runsFailed.Inc()
			level.Warn(e.logger).Log("msg", "pipeline run aborted", "run", run.ID, "stage", st.Name(), "err", err)
			e.recorder.Finish(ctx, &run)
			return run, err
		}
	}

	run.ItemsProcessed = batch.Persisted
	run.ItemsDeduplicated = batch.Deduplicated
	run.TopicsCreated = len(batch.Topics)
	run.TrendsCreated = len(batch.Trends)
	run.Status = model.RunCompleted
	runsCompleted.Inc()
	e.recorder.Finish(ctx, &run)

	level.Info(e.logger).Log("msg", "pipeline run completed", "run", run.ID,
		"collected", run.ItemsCollected, "processed", run.ItemsProcessed,
		"deduplicated", run.ItemsDeduplicated, "topics", run.TopicsCreated,
		"trends", run.TrendsCreated)
	return run, nil
}

func (e *Engine) executeStage(ctx context.Context, st Stage, b *Batch) error {
	if off, ok := st.(Offloadable); ok && off.Offloadable() && e.compute != nil {
		if err := e.compute.Acquire(ctx, 1); err != nil {
			return err
		}
		defer e.compute.Release(1)
	}
	start := time.Now()
	err := st.Execute(ctx, b)
	stageDuration.WithLabelValues(st.Name()).Observe(time.Since(start).Seconds())
	return err
}

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

// Package runs records pipeline run outcomes. Recorder writes never block
// pipeline completion: a failed write is queued and retried in the
// background, and the queue tail-drops under sustained storage outage.
package runs

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tnndbtc/trendwatch/pkg/model"
	"github.com/tnndbtc/trendwatch/pkg/storage"
)

var (
	recorderWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trendwatch_run_recorder_writes_total",
		Help: "Number of pipeline run records written.",
	})
	recorderRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trendwatch_run_recorder_retries_total",
		Help: "Number of run record writes that failed and were queued for retry.",
	})
	recorderDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trendwatch_run_recorder_dropped_total",
		Help: "Number of run records dropped because the retry queue was full.",
	})
)

const (
	retryQueueSize = 256
	retryDelay     = 5 * time.Second
)

// Recorder writes PipelineRun records.
type Recorder struct {
	logger log.Logger
	store  storage.ItemStore
	retryc chan retryWrite
}

type retryWrite struct {
	run    model.PipelineRun
	insert bool
}

// NewRecorder returns a recorder writing to store.
func NewRecorder(logger log.Logger, reg prometheus.Registerer, store storage.ItemStore) *Recorder {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(recorderWrites, recorderRetries, recorderDropped)
	}
	return &Recorder{
		logger: logger,
		store:  store,
		retryc: make(chan retryWrite, retryQueueSize),
	}
}

// Begin opens a run in running state and returns it. The caller fills the
// counters and completes it via Finish.
func (r *Recorder) Begin(ctx context.Context) model.PipelineRun {
	run := model.PipelineRun{
		ID:        uuid.New(),
		Status:    model.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	r.write(ctx, run, true)
	return run
}

// Finish completes the run: it stamps completion time and duration and
// persists the final record.
func (r *Recorder) Finish(ctx context.Context, run *model.PipelineRun) {
	now := time.Now().UTC()
	run.CompletedAt = &now
	run.Duration = now.Sub(run.StartedAt)
	r.write(ctx, *run, false)
}

// RecordTick records a run that never reached the pipeline, e.g. a skipped
// or failed tick, so the control surface can report it.
func (r *Recorder) RecordTick(ctx context.Context, status model.RunStatus, reason string) model.PipelineRun {
	now := time.Now().UTC()
	run := model.PipelineRun{
		ID:          uuid.New(),
		Status:      status,
		StartedAt:   now,
		CompletedAt: &now,
	}
	if reason != "" {
		run.Errors = []string{reason}
	}
	r.write(ctx, run, true)
	return run
}

func (r *Recorder) write(ctx context.Context, run model.PipelineRun, insert bool) {
	var err error
	if insert {
		err = r.store.InsertRun(ctx, run)
	} else {
		err = r.store.UpdateRun(ctx, run)
	}
	if err == nil {
		recorderWrites.Inc()
		return
	}
	level.Warn(r.logger).Log("msg", "run record write failed, queueing retry", "run", run.ID, "err", err)
	recorderRetries.Inc()
	select {
	case r.retryc <- retryWrite{run: run, insert: insert}:
	default:
		recorderDropped.Inc()
		level.Error(r.logger).Log("msg", "run record retry queue full, dropping", "run", run.ID)
	}
}

// Run drains the retry queue until the context is canceled.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case w := <-r.retryc:
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
			var err error
			if w.insert {
				err = r.store.InsertRun(ctx, w.run)
				// The original insert may have landed despite the error.
				if errors.Is(err, storage.ErrAlreadyExists) {
					err = nil
				}
			} else {
				err = r.store.UpdateRun(ctx, w.run)
			}
			if err != nil {
				level.Warn(r.logger).Log("msg", "run record retry failed", "run", w.run.ID, "err", err)
				select {
				case r.retryc <- w:
				default:
					recorderDropped.Inc()
				}
				continue
			}
			recorderWrites.Inc()
		}
	}
}

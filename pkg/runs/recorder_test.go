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

package runs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tnndbtc/trendwatch/pkg/model"
	"github.com/tnndbtc/trendwatch/pkg/storage/memory"
)

// flakyRunStore fails run writes while down is set.
type flakyRunStore struct {
	*memory.ItemStore
	down bool
}

func (s *flakyRunStore) InsertRun(ctx context.Context, run model.PipelineRun) error {
	if s.down {
		return errors.New("storage down")
	}
	return s.ItemStore.InsertRun(ctx, run)
}

func (s *flakyRunStore) UpdateRun(ctx context.Context, run model.PipelineRun) error {
	if s.down {
		return errors.New("storage down")
	}
	return s.ItemStore.UpdateRun(ctx, run)
}

func TestRecorderBeginFinish(t *testing.T) {
	store := memory.NewItemStore()
	r := NewRecorder(nil, nil, store)
	ctx := context.Background()

	run := r.Begin(ctx)
	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, got.Status)
	assert.Nil(t, got.CompletedAt)

	run.Status = model.RunCompleted
	run.ItemsCollected = 7
	r.Finish(ctx, &run)

	got, err = store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, got.Status)
	assert.Equal(t, 7, got.ItemsCollected)
	require.NotNil(t, got.CompletedAt)
	assert.GreaterOrEqual(t, got.Duration, time.Duration(0))
}

func TestRecorderRecordTick(t *testing.T) {
	store := memory.NewItemStore()
	r := NewRecorder(nil, nil, store)
	ctx := context.Background()

	run := r.RecordTick(ctx, model.RunSkipped, "breaker open")
	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunSkipped, got.Status)
	assert.Equal(t, []string{"breaker open"}, got.Errors)
	require.NotNil(t, got.CompletedAt)
}

func TestRecorderQueuesFailedWrites(t *testing.T) {
	store := &flakyRunStore{ItemStore: memory.NewItemStore(), down: true}
	r := NewRecorder(nil, nil, store)
	ctx := context.Background()

	// The write fails without blocking the caller and lands on the retry
	// queue.
	run := r.Begin(ctx)
	assert.Len(t, r.retryc, 1)

	run.Status = model.RunCompleted
	r.Finish(ctx, &run)
	assert.Len(t, r.retryc, 2)

	store.down = false
	r.RecordTick(ctx, model.RunSkipped, "")
	assert.Len(t, r.retryc, 2, "successful write must not queue")
}

func TestRecorderDropsWhenQueueFull(t *testing.T) {
	store := &flakyRunStore{ItemStore: memory.NewItemStore(), down: true}
	r := NewRecorder(nil, nil, store)
	ctx := context.Background()

	for i := 0; i < retryQueueSize; i++ {
		r.retryc <- retryWrite{}
	}
	r.Begin(ctx)
	assert.Len(t, r.retryc, retryQueueSize, "full queue must tail-drop, not block")
}

func TestRecorderRunStopsOnCancel(t *testing.T) {
	r := NewRecorder(nil, nil, memory.NewItemStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on canceled context")
	}
}

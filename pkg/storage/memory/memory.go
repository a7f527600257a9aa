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

// Package memory provides in-process implementations of the storage facade
// for single-node deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tnndbtc/trendwatch/pkg/model"
	"github.com/tnndbtc/trendwatch/pkg/storage"
)

// ItemStore is a mutex-guarded in-memory relational store.
type ItemStore struct {
	mtx sync.RWMutex

	items    map[uuid.UUID]model.Item
	byKey    map[string]uuid.UUID // source + "\x00" + sourceID
	byHash   map[string]uuid.UUID
	topics   map[uuid.UUID]model.Topic
	topicIDs map[uuid.UUID][]uuid.UUID // topic -> item UUIDs
	trends   []model.Trend
	dups     []duplicate
	runs     map[uuid.UUID]model.PipelineRun
	health   map[string]model.PluginHealth
}

type duplicate struct {
	kept, dup  uuid.UUID
	similarity float64
}

var _ storage.ItemStore = (*ItemStore)(nil)

// NewItemStore returns an empty in-memory item store.
func NewItemStore() *ItemStore {
	return &ItemStore{
		items:    map[uuid.UUID]model.Item{},
		byKey:    map[string]uuid.UUID{},
		byHash:   map[string]uuid.UUID{},
		topics:   map[uuid.UUID]model.Topic{},
		topicIDs: map[uuid.UUID][]uuid.UUID{},
		runs:     map[uuid.UUID]model.PipelineRun{},
		health:   map[string]model.PluginHealth{},
	}
}

func naturalKey(source, sourceID string) string {
	return source + "\x00" + sourceID
}

func (s *ItemStore) InsertItems(_ context.Context, items []model.Item) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	// Transactional per call: check all constraints before writing anything.
	for _, it := range items {
		if _, ok := s.items[it.UUID]; ok {
			return fmt.Errorf("%w: item %s", storage.ErrAlreadyExists, it.UUID)
		}
		if _, ok := s.byKey[naturalKey(it.Source, it.SourceID)]; ok {
			return fmt.Errorf("%w: key (%s,%s)", storage.ErrAlreadyExists, it.Source, it.SourceID)
		}
		if _, ok := s.byHash[it.ContentHash]; ok {
			return fmt.Errorf("%w: hash %s", storage.ErrAlreadyExists, it.ContentHash)
		}
	}
	for _, it := range items {
		s.store(it)
	}
	return nil
}

func (s *ItemStore) UpsertItem(_ context.Context, item model.Item) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if id, ok := s.byKey[naturalKey(item.Source, item.SourceID)]; ok {
		old := s.items[id]
		delete(s.byHash, old.ContentHash)
		item.UUID = id
	}
	s.store(item)
	return nil
}

func (s *ItemStore) store(it model.Item) {
	s.items[it.UUID] = it
	s.byKey[naturalKey(it.Source, it.SourceID)] = it.UUID
	s.byHash[it.ContentHash] = it.UUID
}

func (s *ItemStore) GetItem(_ context.Context, id uuid.UUID) (model.Item, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	it, ok := s.items[id]
	if !ok {
		return model.Item{}, storage.ErrNotFound
	}
	return it, nil
}

func (s *ItemStore) GetByNaturalKey(_ context.Context, source, sourceID string) (model.Item, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	id, ok := s.byKey[naturalKey(source, sourceID)]
	if !ok {
		return model.Item{}, storage.ErrNotFound
	}
	return s.items[id], nil
}

func (s *ItemStore) GetByContentHash(_ context.Context, hash string) (model.Item, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return model.Item{}, storage.ErrNotFound
	}
	return s.items[id], nil
}

func (s *ItemStore) ListByStatus(_ context.Context, status model.ItemStatus, limit int) ([]model.Item, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var out []model.Item
	for _, it := range s.items {
		if it.Status == status {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CollectedAt.Before(out[j].CollectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ItemStore) ListWindow(_ context.Context, since, until time.Time, offset, limit int) ([]model.Item, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var out []model.Item
	for _, it := range s.items {
		if !it.CollectedAt.Before(since) && it.CollectedAt.Before(until) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CollectedAt.Before(out[j].CollectedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ItemStore) SetStatus(_ context.Context, id uuid.UUID, status model.ItemStatus) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	it, ok := s.items[id]
	if !ok {
		return storage.ErrNotFound
	}
	it.Status = status
	s.items[id] = it
	return nil
}

func (s *ItemStore) UpsertTopic(_ context.Context, topic model.Topic, itemIDs []uuid.UUID) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.topics[topic.UUID] = topic
	s.topicIDs[topic.UUID] = append([]uuid.UUID(nil), itemIDs...)
	return nil
}

func (s *ItemStore) InsertTrends(_ context.Context, trends []model.Trend) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.trends = append(s.trends, trends...)
	return nil
}

func (s *ItemStore) LatestTrend(_ context.Context, topicID uuid.UUID) (model.Trend, error) {
	hist, err := s.TrendHistory(context.Background(), topicID, 1)
	if err != nil {
		return model.Trend{}, err
	}
	if len(hist) == 0 {
		return model.Trend{}, storage.ErrNotFound
	}
	return hist[0], nil
}

func (s *ItemStore) TrendHistory(_ context.Context, topicID uuid.UUID, limit int) ([]model.Trend, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var out []model.Trend
	// Trends are append-only; iterate backwards for newest first.
	for i := len(s.trends) - 1; i >= 0; i-- {
		if s.trends[i].TopicUUID == topicID {
			out = append(out, s.trends[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *ItemStore) ListLatestTrendsBefore(_ context.Context, cutoff time.Time, limit int) ([]model.Trend, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	// Append-only, so a later entry is the newer trend per topic.
	latest := map[uuid.UUID]model.Trend{}
	for _, tr := range s.trends {
		latest[tr.TopicUUID] = tr
	}
	var out []model.Trend
	for _, tr := range latest {
		if tr.State != model.TrendDead && tr.LastUpdated.Before(cutoff) {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.Before(out[j].LastUpdated) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ItemStore) RecordDuplicate(_ context.Context, keptID, dupID uuid.UUID, similarity float64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.dups = append(s.dups, duplicate{kept: keptID, dup: dupID, similarity: similarity})
	return nil
}

// DuplicateCount reports how many duplicate relationships were recorded.
func (s *ItemStore) DuplicateCount() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.dups)
}

func (s *ItemStore) InsertRun(_ context.Context, run model.PipelineRun) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("%w: run %s", storage.ErrAlreadyExists, run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

func (s *ItemStore) UpdateRun(_ context.Context, run model.PipelineRun) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return storage.ErrNotFound
	}
	s.runs[run.ID] = run
	return nil
}

func (s *ItemStore) GetRun(_ context.Context, id uuid.UUID) (model.PipelineRun, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return model.PipelineRun{}, storage.ErrNotFound
	}
	return run, nil
}

func (s *ItemStore) ListRecentRuns(_ context.Context, limit int) ([]model.PipelineRun, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var out []model.PipelineRun
	for _, run := range s.runs {
		if run.Status == model.RunCompleted {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ItemStore) UpsertPluginHealth(_ context.Context, health model.PluginHealth) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.health[health.Plugin] = health
	return nil
}

// ItemCount reports the number of stored items.
func (s *ItemStore) ItemCount() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.items)
}

// TopicCount reports the number of stored topics.
func (s *ItemStore) TopicCount() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.topics)
}

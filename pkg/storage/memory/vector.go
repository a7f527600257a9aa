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

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tnndbtc/trendwatch/pkg/storage"
)

// VectorStore is a linear-scan in-memory vector index.
type VectorStore struct {
	mtx  sync.RWMutex
	recs map[uuid.UUID]storage.VectorRecord
}

var _ storage.VectorStore = (*VectorStore)(nil)

// NewVectorStore returns an empty in-memory vector store.
func NewVectorStore() *VectorStore {
	return &VectorStore{recs: map[uuid.UUID]storage.VectorRecord{}}
}

func (s *VectorStore) Upsert(_ context.Context, rec storage.VectorRecord) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	rec.Embedding = append([]float32(nil), rec.Embedding...)
	s.recs[rec.ID] = rec
	return nil
}

func (s *VectorStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.recs, id)
	return nil
}

func matches(rec storage.VectorRecord, f storage.VectorFilter) bool {
	if f.Language != "" && rec.Language != f.Language {
		return false
	}
	if f.Category != "" && rec.Category != f.Category {
		return false
	}
	if !f.Since.IsZero() && rec.CollectedAt.Before(f.Since) {
		return false
	}
	return true
}

func (s *VectorStore) Search(_ context.Context, embedding []float32, k int, filter storage.VectorFilter) ([]storage.VectorMatch, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var out []storage.VectorMatch
	for _, rec := range s.recs {
		if !matches(rec, filter) {
			continue
		}
		out = append(out, storage.VectorMatch{
			VectorRecord: rec,
			Similarity:   storage.Cosine(embedding, rec.Embedding),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		// Deterministic order between equal similarities.
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *VectorStore) List(_ context.Context, filter storage.VectorFilter) ([]storage.VectorRecord, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var out []storage.VectorRecord
	for _, rec := range s.recs {
		if matches(rec, filter) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Len reports the number of stored vectors.
func (s *VectorStore) Len() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.recs)
}

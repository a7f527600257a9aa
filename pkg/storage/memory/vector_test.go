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
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tnndbtc/trendwatch/pkg/storage"
)

func vec(emb []float32, lang string, collected time.Time) storage.VectorRecord {
	return storage.VectorRecord{
		ID:          uuid.New(),
		Embedding:   emb,
		Language:    lang,
		PublishedAt: collected.Add(-time.Hour),
		CollectedAt: collected,
	}
}

func TestVectorSearchOrdering(t *testing.T) {
	s := NewVectorStore()
	ctx := context.Background()

	exact := vec([]float32{1, 0, 0}, "en", baseTime)
	near := vec([]float32{0.9, 0.436, 0}, "en", baseTime)
	far := vec([]float32{0, 1, 0}, "en", baseTime)
	for _, r := range []storage.VectorRecord{far, near, exact} {
		if err := s.Upsert(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	out, err := s.Search(ctx, []float32{1, 0, 0}, 2, storage.VectorFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("matches = %d, want k=2", len(out))
	}
	if out[0].ID != exact.ID || out[1].ID != near.ID {
		t.Fatal("matches not ordered by descending similarity")
	}
	if math.Abs(out[0].Similarity-1) > 1e-6 {
		t.Fatalf("exact similarity = %v", out[0].Similarity)
	}
}

func TestVectorSearchFilters(t *testing.T) {
	s := NewVectorStore()
	ctx := context.Background()

	en := vec([]float32{1, 0}, "en", baseTime)
	de := vec([]float32{1, 0}, "de", baseTime)
	old := vec([]float32{1, 0}, "en", baseTime.Add(-30*24*time.Hour))
	for _, r := range []storage.VectorRecord{en, de, old} {
		if err := s.Upsert(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	out, err := s.Search(ctx, []float32{1, 0}, 0, storage.VectorFilter{
		Language: "en",
		Since:    baseTime.Add(-time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != en.ID {
		t.Fatalf("filtered matches = %+v", out)
	}

	recs, err := s.List(ctx, storage.VectorFilter{Since: baseTime.Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("listed = %d, want 2 within window", len(recs))
	}
}

func TestVectorUpsertCopiesAndDeletes(t *testing.T) {
	s := NewVectorStore()
	ctx := context.Background()

	emb := []float32{1, 0}
	rec := vec(emb, "en", baseTime)
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatal(err)
	}
	// Mutating the caller's slice must not reach the stored copy.
	emb[0] = 0
	out, err := s.Search(ctx, []float32{1, 0}, 1, storage.VectorFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if out[0].Embedding[0] != 1 {
		t.Fatal("stored embedding aliases the caller's slice")
	}

	if err := s.Delete(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 {
		t.Fatal("delete did not remove the record")
	}
}

func TestCosine(t *testing.T) {
	for _, tc := range []struct {
		a, b []float32
		want float64
	}{
		{[]float32{1, 0}, []float32{1, 0}, 1},
		{[]float32{1, 0}, []float32{0, 1}, 0},
		{[]float32{1, 0}, []float32{-1, 0}, -1},
		{[]float32{1, 0}, []float32{1, 0, 0}, 0},
		{[]float32{0, 0}, []float32{1, 0}, 0},
		{nil, nil, 0},
	} {
		if got := storage.Cosine(tc.a, tc.b); math.Abs(got-tc.want) > 1e-6 {
			t.Errorf("Cosine(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

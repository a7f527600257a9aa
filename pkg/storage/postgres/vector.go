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

package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tnndbtc/trendwatch/pkg/storage"
)

// VectorStore keeps embeddings in the item_vectors table. Search filters by
// metadata in SQL and scores the (bounded) candidate set in process; the
// dedup and cluster recall windows keep that set small.
type VectorStore struct {
	db *sqlx.DB
}

var _ storage.VectorStore = (*VectorStore)(nil)

// NewVectorStore wraps the given database handle.
func NewVectorStore(db *sqlx.DB) *VectorStore {
	return &VectorStore{db: db}
}

func (s *VectorStore) Upsert(ctx context.Context, rec storage.VectorRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO item_vectors (id, embedding, language, category, published_at, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			language = EXCLUDED.language,
			category = EXCLUDED.category,
			published_at = EXCLUDED.published_at,
			collected_at = EXCLUDED.collected_at`,
		rec.ID, encodeVector(rec.Embedding), rec.Language, rec.Category,
		rec.PublishedAt.UTC(), rec.CollectedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert vector %s: %w", rec.ID, err)
	}
	return nil
}

func (s *VectorStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM item_vectors WHERE id = $1`, id)
	return err
}

type vectorRow struct {
	ID          uuid.UUID `db:"id"`
	Embedding   []byte    `db:"embedding"`
	Language    string    `db:"language"`
	Category    string    `db:"category"`
	PublishedAt time.Time `db:"published_at"`
	CollectedAt time.Time `db:"collected_at"`
}

func (s *VectorStore) list(ctx context.Context, filter storage.VectorFilter) ([]storage.VectorRecord, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Language != "" {
		add("language = $%d", filter.Language)
	}
	if filter.Category != "" {
		add("category = $%d", filter.Category)
	}
	if !filter.Since.IsZero() {
		add("collected_at >= $%d", filter.Since.UTC())
	}
	query := `SELECT id, embedding, language, category, published_at, collected_at FROM item_vectors`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	var rows []vectorRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]storage.VectorRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, storage.VectorRecord{
			ID:          r.ID,
			Embedding:   decodeVector(r.Embedding),
			Language:    r.Language,
			Category:    r.Category,
			PublishedAt: r.PublishedAt,
			CollectedAt: r.CollectedAt,
		})
	}
	return out, nil
}

func (s *VectorStore) Search(ctx context.Context, embedding []float32, k int, filter storage.VectorFilter) ([]storage.VectorMatch, error) {
	recs, err := s.list(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]storage.VectorMatch, 0, len(recs))
	for _, rec := range recs {
		out = append(out, storage.VectorMatch{
			VectorRecord: rec,
			Similarity:   storage.Cosine(embedding, rec.Embedding),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *VectorStore) List(ctx context.Context, filter storage.VectorFilter) ([]storage.VectorRecord, error) {
	return s.list(ctx, filter)
}

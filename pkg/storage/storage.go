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

// Package storage defines the facade over the three repositories the
// pipeline writes to: the relational item store, the vector store, and the
// cache store. There are no ACID guarantees across stores; the persister
// performs two-phase writes with compensation on top of these contracts.
package storage

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/tnndbtc/trendwatch/pkg/model"
)

var (
	// ErrAlreadyExists reports a unique-constraint violation. Callers treat
	// it as "already exists" for idempotence.
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrNotFound reports a missing row or key.
	ErrNotFound = errors.New("storage: not found")
)

// ItemStore is the relational repository. Implementations must enforce
// unique constraints on (source, source_id) and on content_hash so that
// concurrent inserts are safe; violations surface as ErrAlreadyExists.
// Writes are transactional per call.
type ItemStore interface {
	// InsertItems inserts a batch in one transaction. Returns
	// ErrAlreadyExists if any item violates a unique constraint.
	InsertItems(ctx context.Context, items []model.Item) error
	// UpsertItem inserts or updates by natural key.
	UpsertItem(ctx context.Context, item model.Item) error
	GetItem(ctx context.Context, id uuid.UUID) (model.Item, error)
	GetByNaturalKey(ctx context.Context, source, sourceID string) (model.Item, error)
	GetByContentHash(ctx context.Context, hash string) (model.Item, error)
	ListByStatus(ctx context.Context, status model.ItemStatus, limit int) ([]model.Item, error)
	// ListWindow pages through items collected within [since, until).
	ListWindow(ctx context.Context, since, until time.Time, offset, limit int) ([]model.Item, error)
	SetStatus(ctx context.Context, id uuid.UUID, status model.ItemStatus) error

	// UpsertTopic writes the topic and replaces its item relation. The
	// item-to-topic relation lives in a separate table; an item maps to at
	// most one topic per run.
	UpsertTopic(ctx context.Context, topic model.Topic, itemIDs []uuid.UUID) error
	InsertTrends(ctx context.Context, trends []model.Trend) error
	// LatestTrend returns the most recent trend recorded for the topic.
	LatestTrend(ctx context.Context, topicID uuid.UUID) (model.Trend, error)
	// TrendHistory returns up to limit trends for the topic, newest first.
	TrendHistory(ctx context.Context, topicID uuid.UUID, limit int) ([]model.Trend, error)
	// ListLatestTrendsBefore returns the latest trend of each topic whose
	// most recent trend predates cutoff and is not already dead, oldest
	// first. The ranker's dead sweep reads this.
	ListLatestTrendsBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Trend, error)

	// RecordDuplicate notes that dupID was dropped as a duplicate of keptID,
	// for statistics.
	RecordDuplicate(ctx context.Context, keptID, dupID uuid.UUID, similarity float64) error

	InsertRun(ctx context.Context, run model.PipelineRun) error
	UpdateRun(ctx context.Context, run model.PipelineRun) error
	GetRun(ctx context.Context, id uuid.UUID) (model.PipelineRun, error)
	// ListRecentRuns returns up to limit completed runs, newest first.
	ListRecentRuns(ctx context.Context, limit int) ([]model.PipelineRun, error)

	UpsertPluginHealth(ctx context.Context, health model.PluginHealth) error
}

// VectorRecord is the vector store payload for one item.
type VectorRecord struct {
	ID          uuid.UUID
	Embedding   []float32
	Language    string
	Category    string
	PublishedAt time.Time
	CollectedAt time.Time
}

// VectorMatch is a search hit with its cosine similarity.
type VectorMatch struct {
	VectorRecord
	Similarity float64
}

// VectorFilter restricts a search or listing by metadata.
type VectorFilter struct {
	// Language, if non-empty, restricts to records with the same language.
	Language string
	// Category, if non-empty, restricts to records with the same category.
	Category string
	// Since, if non-zero, restricts to records collected at or after it.
	Since time.Time
}

// VectorStore holds embeddings keyed by item UUID. Cosine search may read
// uncommitted-but-durable writes; there is no cross-key locking.
type VectorStore interface {
	Upsert(ctx context.Context, rec VectorRecord) error
	Delete(ctx context.Context, id uuid.UUID) error
	// Search returns up to k records ordered by descending cosine
	// similarity to the query embedding, subject to the filter.
	Search(ctx context.Context, embedding []float32, k int, filter VectorFilter) ([]VectorMatch, error)
	// List returns records matching the filter, unordered.
	List(ctx context.Context, filter VectorFilter) ([]VectorRecord, error)
}

// ZMember is a sorted-set member with its score.
type ZMember struct {
	Member string
	Score  float64
}

// CacheStore is an opaque key-value store with TTLs and the sorted-set
// operations the distributed rate limiter needs. No durability guarantee;
// eviction is allowed at any time.
type CacheStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// SetNX sets key if absent, returning whether it was set. Used for
	// cache-backed leases.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Cosine returns the cosine similarity of two equal-length vectors, or 0 if
// either has zero magnitude or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

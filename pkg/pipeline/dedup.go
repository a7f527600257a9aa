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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tnndbtc/trendwatch/pkg/lock"
	"github.com/tnndbtc/trendwatch/pkg/model"
	"github.com/tnndbtc/trendwatch/pkg/storage"
)

var duplicatesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "trendwatch_dedup_dropped_total",
	Help: "Items dropped as duplicates, by detection level.",
}, []string{"level"})

// RegisterDedupMetrics registers the deduplication metrics with reg.
func RegisterDedupMetrics(reg prometheus.Registerer) {
	reg.MustRegister(duplicatesDropped)
}

const (
	// DefaultSimilarityThreshold is the cosine similarity at or above which
	// two items count as near-duplicates.
	DefaultSimilarityThreshold = 0.92
	// DefaultDedupLookback bounds how far back the semantic check searches.
	DefaultDedupLookback = 14 * 24 * time.Hour
	// DefaultSearchK is how many nearest neighbours the semantic check
	// retrieves per item.
	DefaultSearchK = 5
)

// DedupOptions tune the deduplicator.
type DedupOptions struct {
	SimilarityThreshold float64
	Lookback            time.Duration
	SearchK             int
}

// Deduplicator drops items already present in storage or repeated within the
// batch. The cascade runs cheapest first: exact content hash, then natural
// key, then cosine similarity against recent vectors of the same language.
// Per-item fingerprint locks are taken before the checks and held until the
// run finishes, so concurrent runs cannot both admit the same item.
type Deduplicator struct {
	logger  log.Logger
	items   storage.ItemStore
	vectors storage.VectorStore
	locks   lock.Locker

	mtx  sync.Mutex
	opts DedupOptions
}

// NewDeduplicator returns the dedup stage.
func NewDeduplicator(logger log.Logger, items storage.ItemStore, vectors storage.VectorStore, locks lock.Locker, opts DedupOptions) *Deduplicator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Deduplicator{
		logger:  logger,
		items:   items,
		vectors: vectors,
		locks:   locks,
		opts:    dedupDefaults(opts),
	}
}

func dedupDefaults(opts DedupOptions) DedupOptions {
	if opts.SimilarityThreshold == 0 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if opts.Lookback == 0 {
		opts.Lookback = DefaultDedupLookback
	}
	if opts.SearchK == 0 {
		opts.SearchK = DefaultSearchK
	}
	return opts
}

// SetOptions applies new thresholds; they take effect on the next run.
func (d *Deduplicator) SetOptions(opts DedupOptions) {
	d.mtx.Lock()
	d.opts = dedupDefaults(opts)
	d.mtx.Unlock()
}

func (d *Deduplicator) options() DedupOptions {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.opts
}

func (d *Deduplicator) Name() string { return "dedup" }

func (d *Deduplicator) Execute(ctx context.Context, b *Batch) error {
	opts := d.options()

	// Items admitted earlier in this batch, keyed by hash and natural key.
	seenHash := map[string]uuid.UUID{}
	seenKey := map[string]uuid.UUID{}
	// Lock names already held by this run; duplicates within the batch
	// share fingerprints and must not re-acquire them.
	held := map[string]bool{}
	var admitted []*Work

	for _, w := range b.Works {
		if w.Failed || w.Dropped {
			continue
		}
		it := &w.Item

		if err := d.lockFingerprints(ctx, b, it, held); err != nil {
			return err
		}

		// Level 1: exact content hash.
		if kept, ok := seenHash[it.ContentHash]; ok {
			d.drop(ctx, b, w, kept, 1.0, "hash")
			continue
		}
		stored, err := d.items.GetByContentHash(ctx, it.ContentHash)
		if err == nil {
			d.drop(ctx, b, w, stored.UUID, 1.0, "hash")
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("content hash lookup: %w", err)
		}

		// Level 2: natural key. The same (source, source_id) seen again means
		// re-ingestion, not new content.
		key := it.Source + "\x00" + it.SourceID
		if kept, ok := seenKey[key]; ok {
			d.drop(ctx, b, w, kept, 1.0, "key")
			continue
		}
		stored, err = d.items.GetByNaturalKey(ctx, it.Source, it.SourceID)
		if err == nil {
			d.drop(ctx, b, w, stored.UUID, 1.0, "key")
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("natural key lookup: %w", err)
		}

		// Level 3: semantic similarity, same language, recent window.
		if len(it.Embedding) > 0 {
			kept, sim, found, err := d.semanticMatch(ctx, b, it, admitted, opts)
			if err != nil {
				return err
			}
			if found {
				d.drop(ctx, b, w, kept, sim, "semantic")
				continue
			}
		}

		seenHash[it.ContentHash] = it.UUID
		seenKey[key] = it.UUID
		admitted = append(admitted, w)
	}
	return nil
}

// lockFingerprints takes the item's hash and identity locks. A contended
// lock means another run is processing the same fingerprint right now; the
// whole run backs off rather than waiting.
func (d *Deduplicator) lockFingerprints(ctx context.Context, b *Batch, it *model.Item, held map[string]bool) error {
	for _, name := range []string{"fp:hash:" + it.ContentHash, "fp:item:" + it.UUID.String()} {
		if held[name] {
			continue
		}
		release, err := d.locks.Acquire(ctx, name)
		if err != nil {
			return fmt.Errorf("fingerprint lock %s: %w", name, err)
		}
		held[name] = true
		b.AddRelease(release)
	}
	return nil
}

// semanticMatch finds the best near-duplicate for it, looking at both stored
// vectors and items admitted earlier in this batch. Candidates are ranked by
// similarity, then by most recent publication.
func (d *Deduplicator) semanticMatch(ctx context.Context, b *Batch, it *model.Item, admitted []*Work, opts DedupOptions) (uuid.UUID, float64, bool, error) {
	var (
		bestID    uuid.UUID
		bestSim   float64
		bestPub   time.Time
		bestFound bool
	)
	consider := func(id uuid.UUID, sim float64, published time.Time) {
		if sim < opts.SimilarityThreshold {
			return
		}
		if !bestFound || sim > bestSim || (sim == bestSim && published.After(bestPub)) {
			bestID, bestSim, bestPub, bestFound = id, sim, published, true
		}
	}

	matches, err := d.vectors.Search(ctx, it.Embedding, opts.SearchK, storage.VectorFilter{
		Language: it.Language,
		Since:    b.Now.Add(-opts.Lookback),
	})
	if err != nil {
		return uuid.UUID{}, 0, false, fmt.Errorf("vector search: %w", err)
	}
	for _, m := range matches {
		if m.ID == it.UUID {
			continue
		}
		consider(m.ID, m.Similarity, m.PublishedAt)
	}
	for _, prev := range admitted {
		if prev.Item.Language != it.Language {
			continue
		}
		consider(prev.Item.UUID, storage.Cosine(prev.Item.Embedding, it.Embedding), prev.Item.PublishedAt)
	}
	return bestID, bestSim, bestFound, nil
}

func (d *Deduplicator) drop(ctx context.Context, b *Batch, w *Work, kept uuid.UUID, sim float64, lvl string) {
	w.Dropped = true
	b.Deduplicated++
	duplicatesDropped.WithLabelValues(lvl).Inc()
	if err := d.items.RecordDuplicate(ctx, kept, w.Item.UUID, sim); err != nil {
		level.Warn(d.logger).Log("msg", "recording duplicate failed", "kept", kept, "dup", w.Item.UUID, "err", err)
	}
}

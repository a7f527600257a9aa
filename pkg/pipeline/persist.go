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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tnndbtc/trendwatch/pkg/model"
	"github.com/tnndbtc/trendwatch/pkg/storage"
)

var (
	vectorPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trendwatch_persist_vector_pending",
		Help: "Items persisted relationally but awaiting their vector write.",
	})
	vectorCompensated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trendwatch_persist_vector_compensated_total",
		Help: "Deferred vector writes completed by the compensation loop.",
	})
)

// RegisterPersistMetrics registers the persister metrics with reg.
func RegisterPersistMetrics(reg prometheus.Registerer) {
	reg.MustRegister(vectorPending, vectorCompensated)
}

const (
	// DefaultCompensateInterval is how often deferred vector writes are
	// retried.
	DefaultCompensateInterval = 30 * time.Second
	// DefaultHighWater engages backpressure; DefaultLowWater releases it.
	DefaultHighWater = 256
	DefaultLowWater  = 64
	// compensateBatch bounds one compensation sweep.
	compensateBatch = 100
)

// PersistOptions tune the persister.
type PersistOptions struct {
	CompensateInterval time.Duration
	HighWater          int
	LowWater           int
}

// Persister writes the batch out in order: items to the relational store,
// embeddings to the vector store, then topics, trends, and finally cache
// invalidation. The relational write is the commit point: a failed vector
// write marks the item vector_pending and a background loop completes it
// later, so the two stores converge without cross-store transactions.
type Persister struct {
	logger  log.Logger
	items   storage.ItemStore
	vectors storage.VectorStore
	cache   storage.CacheStore
	opts    PersistOptions

	mtx          sync.Mutex
	pending      int
	backpressure bool
}

// NewPersister returns the persist stage. cache may be nil.
func NewPersister(logger log.Logger, items storage.ItemStore, vectors storage.VectorStore, cache storage.CacheStore, opts PersistOptions) *Persister {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.CompensateInterval == 0 {
		opts.CompensateInterval = DefaultCompensateInterval
	}
	if opts.HighWater == 0 {
		opts.HighWater = DefaultHighWater
	}
	if opts.LowWater == 0 {
		opts.LowWater = DefaultLowWater
	}
	return &Persister{
		logger:  logger,
		items:   items,
		vectors: vectors,
		cache:   cache,
		opts:    opts,
	}
}

func (p *Persister) Name() string { return "persist" }

func (p *Persister) Execute(ctx context.Context, b *Batch) error {
	categories := map[string]bool{}

	for _, w := range b.Survivors() {
		it := w.Item
		it.Status = model.ItemProcessed

		if err := p.items.InsertItems(ctx, []model.Item{it}); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				// Lost a race with a concurrent run; the winner owns the row.
				w.Dropped = true
				b.Deduplicated++
				continue
			}
			return fmt.Errorf("insert item %s: %w", it.UUID, err)
		}
		b.Persisted++
		if it.Category != "" {
			categories[it.Category] = true
		}

		if len(it.Embedding) == 0 {
			continue
		}
		rec := storage.VectorRecord{
			ID:          it.UUID,
			Embedding:   it.Embedding,
			Language:    it.Language,
			Category:    it.Category,
			PublishedAt: it.PublishedAt,
			CollectedAt: it.CollectedAt,
		}
		if err := p.vectors.Upsert(ctx, rec); err != nil {
			level.Warn(p.logger).Log("msg", "vector write failed, deferring", "item", it.UUID, "err", err)
			if serr := p.items.SetStatus(ctx, it.UUID, model.ItemVectorPending); serr != nil {
				return fmt.Errorf("mark item %s vector_pending: %w", it.UUID, serr)
			}
			p.adjustPending(1)
		}
	}

	for i := range b.Topics {
		t := &b.Topics[i]
		if err := p.items.UpsertTopic(ctx, t.Topic, t.ItemIDs); err != nil {
			return fmt.Errorf("upsert topic %s: %w", t.Topic.UUID, err)
		}
		if t.Topic.Category != "" {
			categories[t.Topic.Category] = true
		}
	}

	if len(b.Trends) > 0 {
		if err := p.items.InsertTrends(ctx, b.Trends); err != nil {
			return fmt.Errorf("insert trends: %w", err)
		}
	}

	p.invalidate(ctx, categories)
	return nil
}

// invalidate drops the cached trend listings touched by this run. Cache
// failures only cost freshness, never correctness.
func (p *Persister) invalidate(ctx context.Context, categories map[string]bool) {
	if p.cache == nil {
		return
	}
	keys := []string{"trends:all", "topics:all"}
	for c := range categories {
		keys = append(keys, "trends:"+c, "topics:"+c)
	}
	if err := p.cache.Del(ctx, keys...); err != nil {
		level.Warn(p.logger).Log("msg", "cache invalidation failed", "err", err)
	}
}

// Run drives the compensation loop until the context is canceled: items in
// vector_pending get their vector written and flip back to processed.
func (p *Persister) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.CompensateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.compensate(ctx); err != nil {
				level.Warn(p.logger).Log("msg", "vector compensation sweep failed", "err", err)
			}
		}
	}
}

func (p *Persister) compensate(ctx context.Context) error {
	items, err := p.items.ListByStatus(ctx, model.ItemVectorPending, compensateBatch)
	if err != nil {
		return err
	}
	p.setPending(len(items))
	for _, it := range items {
		if len(it.Embedding) == 0 {
			// Nothing to write; the item is as processed as it gets.
			if err := p.items.SetStatus(ctx, it.UUID, model.ItemProcessed); err != nil {
				return err
			}
			p.adjustPending(-1)
			continue
		}
		rec := storage.VectorRecord{
			ID:          it.UUID,
			Embedding:   it.Embedding,
			Language:    it.Language,
			Category:    it.Category,
			PublishedAt: it.PublishedAt,
			CollectedAt: it.CollectedAt,
		}
		if err := p.vectors.Upsert(ctx, rec); err != nil {
			// Still down; next sweep retries.
			return err
		}
		if err := p.items.SetStatus(ctx, it.UUID, model.ItemProcessed); err != nil {
			return err
		}
		vectorCompensated.Inc()
		p.adjustPending(-1)
	}
	return nil
}

func (p *Persister) setPending(n int) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.pending = n
	p.updateLocked()
}

func (p *Persister) adjustPending(delta int) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.pending += delta
	if p.pending < 0 {
		p.pending = 0
	}
	p.updateLocked()
}

// updateLocked applies the hysteresis. Caller holds p.mtx.
func (p *Persister) updateLocked() {
	vectorPending.Set(float64(p.pending))
	if p.pending >= p.opts.HighWater {
		p.backpressure = true
	} else if p.pending <= p.opts.LowWater {
		p.backpressure = false
	}
}

// Depth reports the deferred vector write backlog.
func (p *Persister) Depth() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.pending
}

// Backpressure reports whether the backlog is over the high-water mark; the
// scheduler skips ticks while it is set.
func (p *Persister) Backpressure() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.backpressure
}

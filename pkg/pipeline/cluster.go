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
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/tnndbtc/trendwatch/pkg/model"
	"github.com/tnndbtc/trendwatch/pkg/storage"
)

const (
	// DefaultClusterThreshold is the centroid similarity at or above which an
	// item joins an existing cluster.
	DefaultClusterThreshold = 0.78
	// DefaultMinClusterSize is the smallest cluster promoted to a topic.
	DefaultMinClusterSize = 2
	// DefaultRecallWindow is how far back previously persisted items are
	// pulled in so slow-building topics cross the size threshold.
	DefaultRecallWindow = 72 * time.Hour
	// maxKeywords caps the keyword list per topic.
	maxKeywords = 8
)

// ClusterOptions tune the clusterer.
type ClusterOptions struct {
	Threshold    float64
	MinSize      int
	RecallWindow time.Duration
}

// Clusterer groups the batch's items into topics by greedy centroid
// clustering. Recent items from earlier runs participate so that a topic
// accumulating one item per run still forms; assignment order is fixed by
// item UUID, which makes the outcome deterministic for a given input set.
type Clusterer struct {
	logger  log.Logger
	items   storage.ItemStore
	vectors storage.VectorStore

	mtx  sync.Mutex
	opts ClusterOptions
}

// NewClusterer returns the clustering stage.
func NewClusterer(logger log.Logger, items storage.ItemStore, vectors storage.VectorStore, opts ClusterOptions) *Clusterer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Clusterer{logger: logger, items: items, vectors: vectors, opts: clusterDefaults(opts)}
}

func clusterDefaults(opts ClusterOptions) ClusterOptions {
	if opts.Threshold == 0 {
		opts.Threshold = DefaultClusterThreshold
	}
	if opts.MinSize == 0 {
		opts.MinSize = DefaultMinClusterSize
	}
	if opts.RecallWindow == 0 {
		opts.RecallWindow = DefaultRecallWindow
	}
	return opts
}

// SetOptions applies new thresholds; they take effect on the next run.
func (c *Clusterer) SetOptions(opts ClusterOptions) {
	c.mtx.Lock()
	c.opts = clusterDefaults(opts)
	c.mtx.Unlock()
}

func (c *Clusterer) options() ClusterOptions {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.opts
}

func (c *Clusterer) Name() string { return "cluster" }

func (c *Clusterer) Offloadable() bool { return true }

// point is one clustering participant. fresh points carry the full item;
// recalled points are hydrated from the item store on demand.
type point struct {
	id        uuid.UUID
	embedding []float32
	published time.Time
	fresh     bool
	item      *model.Item
}

type cluster struct {
	seed     uuid.UUID
	centroid []float64
	points   []*point
	hasFresh bool
}

func (cl *cluster) add(p *point) {
	cl.points = append(cl.points, p)
	if p.id.String() < cl.seed.String() {
		cl.seed = p.id
	}
	if p.fresh {
		cl.hasFresh = true
	}
	n := float64(len(cl.points))
	for i, x := range p.embedding {
		cl.centroid[i] += (float64(x) - cl.centroid[i]) / n
	}
}

func (c *Clusterer) Execute(ctx context.Context, b *Batch) error {
	opts := c.options()

	var points []*point
	for _, w := range b.Survivors() {
		if len(w.Item.Embedding) == 0 {
			continue
		}
		points = append(points, &point{
			id:        w.Item.UUID,
			embedding: w.Item.Embedding,
			published: w.Item.PublishedAt,
			fresh:     true,
			item:      &w.Item,
		})
	}
	if len(points) == 0 {
		return nil
	}
	fresh := make(map[uuid.UUID]bool, len(points))
	for _, p := range points {
		fresh[p.id] = true
	}

	recalled, err := c.vectors.List(ctx, storage.VectorFilter{Since: b.Now.Add(-opts.RecallWindow)})
	if err != nil {
		return fmt.Errorf("recall vectors: %w", err)
	}
	for i := range recalled {
		r := &recalled[i]
		if fresh[r.ID] || len(r.Embedding) == 0 {
			continue
		}
		points = append(points, &point{
			id:        r.ID,
			embedding: r.Embedding,
			published: r.PublishedAt,
		})
	}

	// Fixed assignment order keeps re-runs over the same inputs stable.
	sort.Slice(points, func(i, j int) bool {
		return points[i].id.String() < points[j].id.String()
	})

	var clusters []*cluster
	for _, p := range points {
		var best *cluster
		var bestSim float64
		// Equidistant candidates resolve to the cluster whose topic identity,
		// the UUIDv5 of its seed, is lower. That ordering is stable across
		// runs even when cluster creation order is not.
		for _, cl := range clusters {
			sim := cosine64(cl.centroid, p.embedding)
			if sim < opts.Threshold {
				continue
			}
			if best == nil || sim > bestSim ||
				(sim == bestSim && model.TopicUUID(cl.seed).String() < model.TopicUUID(best.seed).String()) {
				best, bestSim = cl, sim
			}
		}
		if best == nil {
			nc := &cluster{seed: p.id, centroid: make([]float64, len(p.embedding))}
			nc.add(p)
			clusters = append(clusters, nc)
			continue
		}
		best.add(p)
	}

	for _, cl := range clusters {
		if len(cl.points) < opts.MinSize || !cl.hasFresh {
			continue
		}
		proposal, err := c.propose(ctx, b, cl)
		if err != nil {
			return err
		}
		b.Topics = append(b.Topics, proposal)
	}
	return nil
}

// propose turns a qualifying cluster into a topic proposal, hydrating
// recalled members from the item store for titles, sources and engagement.
func (c *Clusterer) propose(ctx context.Context, b *Batch, cl *cluster) (TopicProposal, error) {
	members := make([]*model.Item, 0, len(cl.points))
	ids := make([]uuid.UUID, 0, len(cl.points))
	var newest time.Time
	for _, p := range cl.points {
		ids = append(ids, p.id)
		if p.published.After(newest) {
			newest = p.published
		}
		if p.item != nil {
			members = append(members, p.item)
			continue
		}
		it, err := c.items.GetItem(ctx, p.id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Vector outlived its item row; skip the metadata.
				level.Debug(c.logger).Log("msg", "recalled vector has no item", "id", p.id)
				continue
			}
			return TopicProposal{}, fmt.Errorf("hydrate cluster member %s: %w", p.id, err)
		}
		members = append(members, &it)
	}

	topic := model.Topic{
		UUID:        model.TopicUUID(cl.seed),
		ItemCount:   len(cl.points),
		Engagement:  map[string]float64{},
		LastUpdated: b.Now,
	}

	var (
		rep        *model.Item
		repTotal   float64
		sources    = map[string]bool{}
		languages  = map[string]int{}
		categories = map[string]int{}
		firstSeen  time.Time
	)
	for _, m := range members {
		if t := m.EngagementTotal(); rep == nil || t > repTotal {
			rep, repTotal = m, t
		}
		sources[m.Source] = true
		languages[m.Language]++
		if m.Category != "" {
			categories[m.Category]++
		}
		for k, v := range m.Engagement {
			topic.Engagement[k] += v
		}
		if firstSeen.IsZero() || m.PublishedAt.Before(firstSeen) {
			firstSeen = m.PublishedAt
		}
	}
	if rep != nil {
		topic.Title = rep.Title
		topic.Summary = summarize(rep, len(cl.points))
	}
	topic.Language = majority(languages)
	topic.Category = majority(categories)
	for s := range sources {
		topic.Sources = append(topic.Sources, s)
	}
	sort.Strings(topic.Sources)
	topic.Keywords = keywords(members)
	topic.FirstSeen = firstSeen
	if topic.FirstSeen.IsZero() {
		topic.FirstSeen = b.Now
	}

	return TopicProposal{
		Topic:           topic,
		ItemIDs:         ids,
		NewestPublished: newest,
	}, nil
}

func summarize(rep *model.Item, size int) string {
	s := rep.Title
	if size > 1 {
		s = fmt.Sprintf("%s (and %d related items)", s, size-1)
	}
	return s
}

func majority(counts map[string]int) string {
	var best string
	var n int
	for k, v := range counts {
		if v > n || (v == n && k < best) {
			best, n = k, v
		}
	}
	return best
}

// keywords extracts the most frequent title tokens across members, skipping
// short tokens and a minimal stopword set.
func keywords(members []*model.Item) []string {
	freq := map[string]int{}
	for _, m := range members {
		for _, tok := range strings.Fields(strings.ToLower(m.Title)) {
			tok = strings.Trim(tok, ".,;:!?\"'()[]{}")
			if len(tok) < 3 || stopwords[tok] {
				continue
			}
			freq[tok]++
		}
	}
	toks := make([]string, 0, len(freq))
	for t := range freq {
		toks = append(toks, t)
	}
	sort.Slice(toks, func(i, j int) bool {
		if freq[toks[i]] != freq[toks[j]] {
			return freq[toks[i]] > freq[toks[j]]
		}
		return toks[i] < toks[j]
	})
	if len(toks) > maxKeywords {
		toks = toks[:maxKeywords]
	}
	return toks
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "are": true, "was": true, "has": true,
	"have": true, "will": true, "its": true, "his": true, "her": true,
	"not": true, "you": true, "all": true, "new": true, "but": true,
	"how": true, "why": true, "what": true, "who": true, "into": true,
	"over": true, "after": true, "about": true,
}

func cosine64(a []float64, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * float64(b[i])
		na += a[i] * a[i]
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

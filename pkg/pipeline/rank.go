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
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/tnndbtc/trendwatch/pkg/model"
	"github.com/tnndbtc/trendwatch/pkg/storage"
)

const (
	// DefaultFreshnessTau is the time constant of the freshness decay.
	DefaultFreshnessTau = 48 * time.Hour
	// DefaultDiversityCap limits how many trends of one category may occupy
	// the top window.
	DefaultDiversityCap = 3
	// DefaultTopWindow is the rank range the diversity cap applies to.
	DefaultTopWindow = 10
	// DefaultScoreFloor is the score below which a trend is declared dead.
	DefaultScoreFloor = 0.01
	// DefaultHistoryDepth is how many past trends per topic state derivation
	// looks at.
	DefaultHistoryDepth = 10
	// DeadAfterRuns is how many completed runs a topic may be absent from
	// before its trend is marked dead.
	DeadAfterRuns = 3
	// deadSweepLimit bounds how many absent topics one run marks dead.
	deadSweepLimit = 256
)

// RankWeights are the non-negative term weights of the score.
type RankWeights struct {
	Engagement float64
	Velocity   float64
	Freshness  float64
	Age        float64
}

// DefaultRankWeights weight all terms equally with a softer age penalty.
func DefaultRankWeights() RankWeights {
	return RankWeights{Engagement: 1, Velocity: 1, Freshness: 1, Age: 0.5}
}

// RankOptions tune the ranker.
type RankOptions struct {
	Weights      RankWeights
	FreshnessTau time.Duration
	DiversityCap int
	TopWindow    int
	ScoreFloor   float64
	HistoryDepth int
}

// Ranker scores the run's topics and emits one trend per topic with a dense
// rank. The score combines the engagement z-score across the run's topics,
// the engagement velocity versus the topic's previous trend, an exponential
// freshness decay and a logarithmic age penalty. Ties break by higher
// velocity, then by earlier first-seen.
type Ranker struct {
	logger log.Logger
	items  storage.ItemStore

	mtx  sync.Mutex
	opts RankOptions
}

// NewRanker returns the ranking stage.
func NewRanker(logger log.Logger, items storage.ItemStore, opts RankOptions) *Ranker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Ranker{logger: logger, items: items, opts: rankDefaults(opts)}
}

func rankDefaults(opts RankOptions) RankOptions {
	if opts.Weights == (RankWeights{}) {
		opts.Weights = DefaultRankWeights()
	}
	if opts.FreshnessTau == 0 {
		opts.FreshnessTau = DefaultFreshnessTau
	}
	if opts.DiversityCap == 0 {
		opts.DiversityCap = DefaultDiversityCap
	}
	if opts.TopWindow == 0 {
		opts.TopWindow = DefaultTopWindow
	}
	if opts.ScoreFloor == 0 {
		opts.ScoreFloor = DefaultScoreFloor
	}
	if opts.HistoryDepth == 0 {
		opts.HistoryDepth = DefaultHistoryDepth
	}
	return opts
}

// SetOptions applies new weights and thresholds; they take effect on the
// next run.
func (r *Ranker) SetOptions(opts RankOptions) {
	r.mtx.Lock()
	r.opts = rankDefaults(opts)
	r.mtx.Unlock()
}

func (r *Ranker) options() RankOptions {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.opts
}

func (r *Ranker) Name() string { return "rank" }

func (r *Ranker) Offloadable() bool { return true }

type scored struct {
	proposal  *TopicProposal
	trend     model.Trend
	total     float64
	velocity  float64
	firstSeen time.Time
	hasPrev   bool
}

func (r *Ranker) Execute(ctx context.Context, b *Batch) error {
	if len(b.Topics) == 0 {
		return r.sweepDead(ctx, b)
	}
	opts := r.options()

	totals := make([]float64, len(b.Topics))
	for i := range b.Topics {
		for _, v := range b.Topics[i].Topic.Engagement {
			totals[i] += v
		}
	}
	mean, std := meanStd(totals)

	entries := make([]*scored, 0, len(b.Topics))
	velocities := make([]float64, 0, len(b.Topics))
	for i := range b.Topics {
		p := &b.Topics[i]
		e, err := r.score(ctx, b, p, totals[i], mean, std, opts)
		if err != nil {
			return err
		}
		entries = append(entries, e)
		velocities = append(velocities, e.velocity)
	}

	// Viral needs the run-wide velocity distribution, so that upgrade
	// happens after all velocities are known. Only topics with a prior
	// trend qualify; a first sighting has no velocity to speak of.
	p90 := percentile(velocities, 0.90)
	for _, e := range entries {
		if e.hasPrev && e.trend.State != model.TrendDead && e.velocity > 0 && e.velocity > p90 {
			e.trend.State = model.TrendViral
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		a, c := entries[i], entries[j]
		if a.trend.Score != c.trend.Score {
			return a.trend.Score > c.trend.Score
		}
		if a.velocity != c.velocity {
			return a.velocity > c.velocity
		}
		return a.firstSeen.Before(c.firstSeen)
	})

	for i, e := range r.diversify(entries, opts) {
		e.trend.Rank = i + 1
		b.Trends = append(b.Trends, e.trend)
	}
	return r.sweepDead(ctx, b)
}

// sweepDead marks topics absent from the last DeadAfterRuns completed runs
// as dead. The marker trend carries rank 0; it is not part of the run's
// ranked window.
func (r *Ranker) sweepDead(ctx context.Context, b *Batch) error {
	runs, err := r.items.ListRecentRuns(ctx, DeadAfterRuns)
	if err != nil {
		return fmt.Errorf("recent runs: %w", err)
	}
	if len(runs) < DeadAfterRuns {
		return nil
	}
	cutoff := runs[len(runs)-1].StartedAt

	present := make(map[uuid.UUID]bool, len(b.Topics))
	for i := range b.Topics {
		present[b.Topics[i].Topic.UUID] = true
	}

	stale, err := r.items.ListLatestTrendsBefore(ctx, cutoff, deadSweepLimit)
	if err != nil {
		return fmt.Errorf("stale trends: %w", err)
	}
	marked := 0
	for _, prev := range stale {
		if present[prev.TopicUUID] {
			continue
		}
		dead := prev
		dead.UUID = uuid.New()
		dead.RunID = b.RunID
		dead.State = model.TrendDead
		dead.Rank = 0
		dead.Velocity = 0
		dead.LastUpdated = b.Now
		b.Trends = append(b.Trends, dead)
		marked++
	}
	if marked > 0 {
		level.Debug(r.logger).Log("msg", "marked absent topics dead", "count", marked)
	}
	return nil
}

// score builds the unranked trend for one topic.
func (r *Ranker) score(ctx context.Context, b *Batch, p *TopicProposal, total, mean, std float64, opts RankOptions) (*scored, error) {
	topicID := p.Topic.UUID

	var (
		prev    *model.Trend
		history []model.Trend
	)
	if t, err := r.items.LatestTrend(ctx, topicID); err == nil {
		prev = &t
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("latest trend for %s: %w", topicID, err)
	}
	if prev != nil {
		h, err := r.items.TrendHistory(ctx, topicID, opts.HistoryDepth)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("trend history for %s: %w", topicID, err)
		}
		history = h
	}

	z := 0.0
	if std > 0 {
		z = (total - mean) / std
	}

	velocity := 0.0
	if prev != nil {
		velocity = total - engagementTotal(prev.Engagement)
		if velocity < 0 {
			velocity = 0
		}
	}

	firstSeen := p.Topic.FirstSeen
	if prev != nil && prev.FirstSeen.Before(firstSeen) {
		firstSeen = prev.FirstSeen
	}

	ageHours := b.Now.Sub(p.NewestPublished).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	freshness := math.Exp(-ageHours / opts.FreshnessTau.Hours())

	ageDays := b.Now.Sub(firstSeen).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	agePenalty := math.Log1p(ageDays)

	w := opts.Weights
	score := w.Engagement*z + w.Velocity*velocity + w.Freshness*freshness - w.Age*agePenalty

	peakAt := peakEngagementAt(prev, total, b.Now)

	trend := model.Trend{
		UUID:             uuid.New(),
		TopicUUID:        topicID,
		RunID:            b.RunID,
		Title:            p.Topic.Title,
		Summary:          p.Topic.Summary,
		Score:            score,
		Velocity:         velocity,
		State:            r.state(prev, history, score, opts),
		Category:         p.Topic.Category,
		Language:         p.Topic.Language,
		Keywords:         p.Topic.Keywords,
		Engagement:       p.Topic.Engagement,
		FirstSeen:        firstSeen,
		LastUpdated:      b.Now,
		PeakEngagementAt: peakAt,
	}
	return &scored{
		proposal:  p,
		trend:     trend,
		total:     total,
		velocity:  velocity,
		firstSeen: firstSeen,
		hasPrev:   prev != nil,
	}, nil
}

// state derives the lifecycle state from the topic's history. The viral
// upgrade happens later, once run-wide velocities are known; here sustained
// doubles as the "existing, within range of peak" candidate for it.
func (r *Ranker) state(prev *model.Trend, history []model.Trend, score float64, opts RankOptions) model.TrendState {
	if score < opts.ScoreFloor {
		return model.TrendDead
	}
	if prev == nil {
		return model.TrendEmerging
	}
	peak := prev.Score
	for _, h := range history {
		if h.Score > peak {
			peak = h.Score
		}
	}
	if peak > 0 && score < 0.6*peak {
		return model.TrendDeclining
	}
	if len(history) >= 2 && peak > 0 && score >= 0.8*peak {
		return model.TrendSustained
	}
	return model.TrendEmerging
}

// diversify reorders entries so that no category holds more than the cap
// within the top window. Deferred entries keep their relative order and fill
// in right after the window.
func (r *Ranker) diversify(entries []*scored, opts RankOptions) []*scored {
	out := make([]*scored, 0, len(entries))
	var deferred []*scored
	counts := map[string]int{}
	for _, e := range entries {
		if len(out) < opts.TopWindow && e.trend.Category != "" && counts[e.trend.Category] >= opts.DiversityCap {
			deferred = append(deferred, e)
			continue
		}
		counts[e.trend.Category]++
		out = append(out, e)
		if len(out) == opts.TopWindow {
			out = append(out, deferred...)
			deferred = nil
		}
	}
	return append(out, deferred...)
}

func peakEngagementAt(prev *model.Trend, total float64, now time.Time) *time.Time {
	if prev == nil || total >= engagementTotal(prev.Engagement) {
		t := now
		return &t
	}
	return prev.PeakEngagementAt
}

func engagementTotal(eng map[string]float64) float64 {
	var total float64
	for _, v := range eng {
		total += v
	}
	return total
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		std += (x - mean) * (x - mean)
	}
	std = math.Sqrt(std / float64(len(xs)))
	return mean, std
}

// percentile returns the p-quantile by nearest-rank over a copy of xs.
func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

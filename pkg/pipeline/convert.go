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
	"html"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/tnndbtc/trendwatch/pkg/model"
)

// stripPolicy removes every HTML element and attribute, keeping text only.
var stripPolicy = bluemonday.StrictPolicy()

// NormalizeText strips HTML tags, decodes entities and collapses all
// whitespace runs to single spaces. Display case is preserved; lowercasing
// happens only inside the content hash.
func NormalizeText(s string) string {
	s = stripPolicy.Sanitize(s)
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}

// Convert turns raw collector output into canonical items. Items whose title
// normalizes to empty are dropped. An unknown publication time falls back to
// the collection time so downstream ordering never sees a zero timestamp.
func Convert(raw []model.RawItem, category string, now time.Time) []model.Item {
	out := make([]model.Item, 0, len(raw))
	for _, r := range raw {
		title := NormalizeText(r.Title)
		if title == "" {
			continue
		}
		content := NormalizeText(r.Content)
		if content == "" {
			content = NormalizeText(r.Description)
		}
		published := r.PublishedAt
		if published.IsZero() {
			published = now
		}
		it := model.Item{
			UUID:        model.ItemUUID(r.Source, r.SourceID),
			Source:      r.Source,
			SourceID:    r.SourceID,
			Title:       title,
			Content:     content,
			URL:         strings.TrimSpace(r.URL),
			Author:      strings.TrimSpace(r.Author),
			Category:    category,
			Engagement:  r.Engagement,
			PublishedAt: published.UTC(),
			CollectedAt: now,
			ContentHash: model.HashContent(title, content),
			Status:      model.ItemPending,
		}
		out = append(out, it)
	}
	return out
}

// Normalizer re-normalizes works that entered the batch out of band, e.g.
// through RunNow with pre-built items. Items produced by Convert pass through
// unchanged.
type Normalizer struct{}

func (Normalizer) Name() string { return "normalize" }

func (Normalizer) Execute(_ context.Context, b *Batch) error {
	for _, w := range b.Works {
		if w.Failed || w.Dropped {
			continue
		}
		title := NormalizeText(w.Item.Title)
		if title == "" {
			w.Failed = true
			w.Reason = "empty title after normalization"
			continue
		}
		content := NormalizeText(w.Item.Content)
		w.Item.Title = title
		w.Item.Content = content
		w.Item.ContentHash = model.HashContent(title, content)
		if w.Item.UUID == (uuid.UUID{}) {
			w.Item.UUID = model.ItemUUID(w.Item.Source, w.Item.SourceID)
		}
		if w.Item.PublishedAt.IsZero() {
			w.Item.PublishedAt = b.Now
		}
		if w.Item.CollectedAt.IsZero() {
			w.Item.CollectedAt = b.Now
		}
		if w.Item.Status == "" {
			w.Item.Status = model.ItemPending
		}
	}
	return nil
}

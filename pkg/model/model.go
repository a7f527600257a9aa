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

// Package model defines the canonical data types flowing through the
// ingestion pipeline and persisted by the storage facade.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// itemNamespace is the fixed UUIDv5 namespace for item identities. It must
// never change: item UUIDs are a pure function of (source, source_id) so that
// re-ingestion of the same raw item is idempotent.
var itemNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// topicNamespace is the fixed UUIDv5 namespace for topic identities.
var topicNamespace = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")

// ItemUUID derives the stable system UUID for an item from its natural key.
func ItemUUID(source, sourceID string) uuid.UUID {
	return uuid.NewSHA1(itemNamespace, []byte(source+":"+sourceID))
}

// TopicUUID derives a stable topic identity from the topic's seed item, i.e.
// the lowest item UUID in the cluster. A cluster that re-forms around the
// same seed in a later run maps to the same topic.
func TopicUUID(seed uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(topicNamespace, []byte(seed.String()))
}

// HashContent computes the content hash over the lowercased normalized title
// and content, hex-encoded. Used for the exact-duplicate short circuit.
func HashContent(title, content string) string {
	h := sha256.Sum256([]byte(strings.ToLower(title) + "\n" + strings.ToLower(content)))
	return hex.EncodeToString(h[:])
}

// RawItem is what a collector plugin emits. It is ephemeral and only exists
// in memory between collection and conversion.
type RawItem struct {
	Source      string
	SourceID    string
	Title       string
	Description string
	Content     string
	URL         string
	Author      string
	// Publication time as reported by the source. Zero if unknown.
	PublishedAt time.Time
	Engagement  map[string]float64
	Metadata    map[string]string
}

// ItemStatus is the processing status of a persisted item.
type ItemStatus string

const (
	ItemPending       ItemStatus = "pending"
	ItemProcessed     ItemStatus = "processed"
	ItemVectorPending ItemStatus = "vector_pending"
	ItemFailed        ItemStatus = "failed"
)

// Item is the canonical pipeline element (a normalized, processed item).
//
// Invariant: (Source, SourceID) is unique and UUID is a function only of
// that pair.
type Item struct {
	UUID        uuid.UUID
	Source      string
	SourceID    string
	Title       string
	Content     string
	URL         string
	Author      string
	// Detected language, IETF BCP-47 short form ("en", "zh"). "und" if the
	// detector could not commit to a language.
	Language    string
	Category    string
	Engagement  map[string]float64
	PublishedAt time.Time
	CollectedAt time.Time
	// Hex-encoded SHA-256 over the lowercased normalized title and content.
	ContentHash string
	// Fixed-dimension embedding. Owned jointly with the vector store; may be
	// nil before the embedding stage has run.
	Embedding []float32
	Status    ItemStatus
}

// EngagementTotal sums all numeric engagement metrics of the item.
func (it *Item) EngagementTotal() float64 {
	var total float64
	for _, v := range it.Engagement {
		total += v
	}
	return total
}

// Topic is a cluster of items judged semantically related.
//
// Invariants: ItemCount equals the size of the item set; LastUpdated is
// never before FirstSeen.
type Topic struct {
	UUID        uuid.UUID
	Title       string
	Summary     string
	Category    string
	Language    string
	Sources     []string
	ItemCount   int
	Keywords    []string
	Engagement  map[string]float64
	FirstSeen   time.Time
	LastUpdated time.Time
}

// TrendState tracks the lifecycle of a trend across runs.
type TrendState string

const (
	TrendEmerging  TrendState = "emerging"
	TrendViral     TrendState = "viral"
	TrendSustained TrendState = "sustained"
	TrendDeclining TrendState = "declining"
	TrendDead      TrendState = "dead"
)

// Trend is a ranked, state-tracked view of a topic at one point in time.
// Trends are write-once per run; older trends are retained for history.
//
// Invariant: within a run, ranks are dense 1..N and strictly ordered by
// descending score with the documented tie-breaks. Dead markers emitted for
// absent topics carry rank 0 and sit outside the ranked window.
type Trend struct {
	UUID        uuid.UUID
	TopicUUID   uuid.UUID
	RunID       uuid.UUID
	Rank        int
	Title       string
	Summary     string
	Score       float64
	Velocity    float64
	State       TrendState
	Category    string
	Language    string
	Keywords    []string
	Engagement  map[string]float64
	FirstSeen   time.Time
	LastUpdated time.Time
	// Time at which aggregated engagement peaked, if known.
	PeakEngagementAt *time.Time
}

// PluginHealth is the per-plugin success/failure record maintained by the
// health tracker and persisted for the control surface.
type PluginHealth struct {
	Plugin              string
	LastRun             time.Time
	LastSuccess         time.Time
	LastError           string
	ConsecutiveFailures int
	TotalRuns           int
	// Success rate over the retained snapshot window, in [0,1].
	SuccessRate float64
	Healthy     bool
}

// RunStatus is the lifecycle status of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// PipelineRun records one end-to-end pipeline execution.
type PipelineRun struct {
	ID                uuid.UUID
	Status            RunStatus
	ItemsCollected    int
	ItemsProcessed    int
	ItemsDeduplicated int
	TopicsCreated     int
	TrendsCreated     int
	Errors            []string
	StartedAt         time.Time
	CompletedAt       *time.Time
	Duration          time.Duration
}

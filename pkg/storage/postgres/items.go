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
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tnndbtc/trendwatch/pkg/model"
	"github.com/tnndbtc/trendwatch/pkg/storage"
)

// ItemStore implements storage.ItemStore on PostgreSQL.
type ItemStore struct {
	db *sqlx.DB
}

var _ storage.ItemStore = (*ItemStore)(nil)

// NewItemStore wraps the given database handle.
func NewItemStore(db *sqlx.DB) *ItemStore {
	return &ItemStore{db: db}
}

type itemRow struct {
	UUID        uuid.UUID `db:"uuid"`
	Source      string    `db:"source"`
	SourceID    string    `db:"source_id"`
	Title       string    `db:"title"`
	Content     string    `db:"content"`
	URL         string    `db:"url"`
	Author      string    `db:"author"`
	Language    string    `db:"language"`
	Category    string    `db:"category"`
	Engagement  []byte    `db:"engagement"`
	PublishedAt time.Time `db:"published_at"`
	CollectedAt time.Time `db:"collected_at"`
	ContentHash string    `db:"content_hash"`
	Embedding   []byte    `db:"embedding"`
	Status      string    `db:"status"`
}

func toItemRow(it model.Item) (itemRow, error) {
	eng, err := json.Marshal(orEmptyMap(it.Engagement))
	if err != nil {
		return itemRow{}, fmt.Errorf("marshal engagement: %w", err)
	}
	return itemRow{
		UUID:        it.UUID,
		Source:      it.Source,
		SourceID:    it.SourceID,
		Title:       it.Title,
		Content:     it.Content,
		URL:         it.URL,
		Author:      it.Author,
		Language:    it.Language,
		Category:    it.Category,
		Engagement:  eng,
		PublishedAt: it.PublishedAt.UTC(),
		CollectedAt: it.CollectedAt.UTC(),
		ContentHash: it.ContentHash,
		Embedding:   encodeVector(it.Embedding),
		Status:      string(it.Status),
	}, nil
}

func (r itemRow) toItem() (model.Item, error) {
	var eng map[string]float64
	if len(r.Engagement) > 0 {
		if err := json.Unmarshal(r.Engagement, &eng); err != nil {
			return model.Item{}, fmt.Errorf("unmarshal engagement: %w", err)
		}
	}
	return model.Item{
		UUID:        r.UUID,
		Source:      r.Source,
		SourceID:    r.SourceID,
		Title:       r.Title,
		Content:     r.Content,
		URL:         r.URL,
		Author:      r.Author,
		Language:    r.Language,
		Category:    r.Category,
		Engagement:  eng,
		PublishedAt: r.PublishedAt,
		CollectedAt: r.CollectedAt,
		ContentHash: r.ContentHash,
		Embedding:   decodeVector(r.Embedding),
		Status:      model.ItemStatus(r.Status),
	}, nil
}

func orEmptyMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

// encodeVector packs float32s little-endian into a bytea payload.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

const insertItemSQL = `
INSERT INTO processed_items (
	uuid, source, source_id, title, content, url, author, language, category,
	engagement, published_at, collected_at, content_hash, embedding, status
) VALUES (
	:uuid, :source, :source_id, :title, :content, :url, :author, :language, :category,
	:engagement, :published_at, :collected_at, :content_hash, :embedding, :status
)`

func (s *ItemStore) InsertItems(ctx context.Context, items []model.Item) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, it := range items {
		row, err := toItemRow(it)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, insertItemSQL, row); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: item %s", storage.ErrAlreadyExists, it.UUID)
			}
			return fmt.Errorf("insert item %s: %w", it.UUID, err)
		}
	}
	return tx.Commit()
}

const upsertItemSQL = insertItemSQL + `
ON CONFLICT (source, source_id) DO UPDATE SET
	title = EXCLUDED.title,
	content = EXCLUDED.content,
	url = EXCLUDED.url,
	author = EXCLUDED.author,
	language = EXCLUDED.language,
	category = EXCLUDED.category,
	engagement = EXCLUDED.engagement,
	published_at = EXCLUDED.published_at,
	collected_at = EXCLUDED.collected_at,
	content_hash = EXCLUDED.content_hash,
	embedding = EXCLUDED.embedding,
	status = EXCLUDED.status`

func (s *ItemStore) UpsertItem(ctx context.Context, item model.Item) error {
	row, err := toItemRow(item)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, upsertItemSQL, row); err != nil {
		return fmt.Errorf("upsert item %s: %w", item.UUID, err)
	}
	return nil
}

const selectItem = `
SELECT uuid, source, source_id, title, content, url, author, language, category,
       engagement, published_at, collected_at, content_hash, embedding, status
FROM processed_items`

func (s *ItemStore) getOne(ctx context.Context, query string, args ...any) (model.Item, error) {
	var row itemRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Item{}, storage.ErrNotFound
		}
		return model.Item{}, err
	}
	return row.toItem()
}

func (s *ItemStore) GetItem(ctx context.Context, id uuid.UUID) (model.Item, error) {
	return s.getOne(ctx, selectItem+` WHERE uuid = $1`, id)
}

func (s *ItemStore) GetByNaturalKey(ctx context.Context, source, sourceID string) (model.Item, error) {
	return s.getOne(ctx, selectItem+` WHERE source = $1 AND source_id = $2`, source, sourceID)
}

func (s *ItemStore) GetByContentHash(ctx context.Context, hash string) (model.Item, error) {
	return s.getOne(ctx, selectItem+` WHERE content_hash = $1`, hash)
}

func (s *ItemStore) listItems(ctx context.Context, query string, args ...any) ([]model.Item, error) {
	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]model.Item, 0, len(rows))
	for _, r := range rows {
		it, err := r.toItem()
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

func (s *ItemStore) ListByStatus(ctx context.Context, status model.ItemStatus, limit int) ([]model.Item, error) {
	return s.listItems(ctx,
		selectItem+` WHERE status = $1 ORDER BY collected_at LIMIT $2`,
		string(status), limit)
}

func (s *ItemStore) ListWindow(ctx context.Context, since, until time.Time, offset, limit int) ([]model.Item, error) {
	return s.listItems(ctx,
		selectItem+` WHERE collected_at >= $1 AND collected_at < $2
		ORDER BY collected_at OFFSET $3 LIMIT $4`,
		since.UTC(), until.UTC(), offset, limit)
}

func (s *ItemStore) SetStatus(ctx context.Context, id uuid.UUID, status model.ItemStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processed_items SET status = $1 WHERE uuid = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *ItemStore) UpsertTopic(ctx context.Context, topic model.Topic, itemIDs []uuid.UUID) error {
	sources, err := json.Marshal(topic.Sources)
	if err != nil {
		return err
	}
	keywords, err := json.Marshal(topic.Keywords)
	if err != nil {
		return err
	}
	engagement, err := json.Marshal(orEmptyMap(topic.Engagement))
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO topics (uuid, title, summary, category, language, sources,
			item_count, keywords, engagement, first_seen, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (uuid) DO UPDATE SET
			title = EXCLUDED.title,
			summary = EXCLUDED.summary,
			category = EXCLUDED.category,
			language = EXCLUDED.language,
			sources = EXCLUDED.sources,
			item_count = EXCLUDED.item_count,
			keywords = EXCLUDED.keywords,
			engagement = EXCLUDED.engagement,
			last_updated = EXCLUDED.last_updated`,
		topic.UUID, topic.Title, topic.Summary, topic.Category, topic.Language,
		sources, topic.ItemCount, keywords, engagement,
		topic.FirstSeen.UTC(), topic.LastUpdated.UTC()); err != nil {
		return fmt.Errorf("upsert topic %s: %w", topic.UUID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM topic_items WHERE topic_uuid = $1`, topic.UUID); err != nil {
		return fmt.Errorf("clear topic items: %w", err)
	}
	for _, id := range itemIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO topic_items (topic_uuid, item_uuid) VALUES ($1, $2)`,
			topic.UUID, id); err != nil {
			return fmt.Errorf("insert topic item: %w", err)
		}
	}
	return tx.Commit()
}

func (s *ItemStore) InsertTrends(ctx context.Context, trends []model.Trend) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, t := range trends {
		keywords, err := json.Marshal(t.Keywords)
		if err != nil {
			return err
		}
		engagement, err := json.Marshal(orEmptyMap(t.Engagement))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trends (uuid, topic_uuid, run_id, rank, title, summary,
				score, velocity, state, category, language, keywords, engagement,
				first_seen, last_updated, peak_engagement_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			t.UUID, t.TopicUUID, t.RunID, t.Rank, t.Title, t.Summary,
			t.Score, t.Velocity, string(t.State), t.Category, t.Language,
			keywords, engagement, t.FirstSeen.UTC(), t.LastUpdated.UTC(),
			t.PeakEngagementAt); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: trend %s", storage.ErrAlreadyExists, t.UUID)
			}
			return fmt.Errorf("insert trend %s: %w", t.UUID, err)
		}
	}
	return tx.Commit()
}

type trendRow struct {
	UUID             uuid.UUID  `db:"uuid"`
	TopicUUID        uuid.UUID  `db:"topic_uuid"`
	RunID            uuid.UUID  `db:"run_id"`
	Rank             int        `db:"rank"`
	Title            string     `db:"title"`
	Summary          string     `db:"summary"`
	Score            float64    `db:"score"`
	Velocity         float64    `db:"velocity"`
	State            string     `db:"state"`
	Category         string     `db:"category"`
	Language         string     `db:"language"`
	Keywords         []byte     `db:"keywords"`
	Engagement       []byte     `db:"engagement"`
	FirstSeen        time.Time  `db:"first_seen"`
	LastUpdated      time.Time  `db:"last_updated"`
	PeakEngagementAt *time.Time `db:"peak_engagement_at"`
}

func (r trendRow) toTrend() (model.Trend, error) {
	var keywords []string
	if len(r.Keywords) > 0 {
		if err := json.Unmarshal(r.Keywords, &keywords); err != nil {
			return model.Trend{}, err
		}
	}
	var engagement map[string]float64
	if len(r.Engagement) > 0 {
		if err := json.Unmarshal(r.Engagement, &engagement); err != nil {
			return model.Trend{}, err
		}
	}
	return model.Trend{
		UUID:             r.UUID,
		TopicUUID:        r.TopicUUID,
		RunID:            r.RunID,
		Rank:             r.Rank,
		Title:            r.Title,
		Summary:          r.Summary,
		Score:            r.Score,
		Velocity:         r.Velocity,
		State:            model.TrendState(r.State),
		Category:         r.Category,
		Language:         r.Language,
		Keywords:         keywords,
		Engagement:       engagement,
		FirstSeen:        r.FirstSeen,
		LastUpdated:      r.LastUpdated,
		PeakEngagementAt: r.PeakEngagementAt,
	}, nil
}

const selectTrend = `
SELECT uuid, topic_uuid, run_id, rank, title, summary, score, velocity, state,
       category, language, keywords, engagement, first_seen, last_updated,
       peak_engagement_at
FROM trends`

func (s *ItemStore) LatestTrend(ctx context.Context, topicID uuid.UUID) (model.Trend, error) {
	var row trendRow
	err := s.db.GetContext(ctx, &row,
		selectTrend+` WHERE topic_uuid = $1 ORDER BY created_at DESC LIMIT 1`, topicID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Trend{}, storage.ErrNotFound
		}
		return model.Trend{}, err
	}
	return row.toTrend()
}

func (s *ItemStore) TrendHistory(ctx context.Context, topicID uuid.UUID, limit int) ([]model.Trend, error) {
	var rows []trendRow
	err := s.db.SelectContext(ctx, &rows,
		selectTrend+` WHERE topic_uuid = $1 ORDER BY created_at DESC LIMIT $2`, topicID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.Trend, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTrend()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *ItemStore) ListLatestTrendsBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Trend, error) {
	var rows []trendRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT uuid, topic_uuid, run_id, rank, title, summary, score, velocity,
		       state, category, language, keywords, engagement, first_seen,
		       last_updated, peak_engagement_at
		FROM (
			SELECT DISTINCT ON (topic_uuid) uuid, topic_uuid, run_id, rank, title,
			       summary, score, velocity, state, category, language, keywords,
			       engagement, first_seen, last_updated, peak_engagement_at
			FROM trends
			ORDER BY topic_uuid, created_at DESC
		) latest
		WHERE last_updated < $1 AND state <> 'dead'
		ORDER BY last_updated
		LIMIT $2`, cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.Trend, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTrend()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *ItemStore) RecordDuplicate(ctx context.Context, keptID, dupID uuid.UUID, similarity float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO item_duplicates (kept_uuid, dup_uuid, similarity) VALUES ($1, $2, $3)`,
		keptID, dupID, similarity)
	return err
}

func (s *ItemStore) InsertRun(ctx context.Context, run model.PipelineRun) error {
	errs, err := json.Marshal(run.Errors)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, status, items_collected, items_processed,
			items_deduplicated, topics_created, trends_created, errors,
			started_at, completed_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, string(run.Status), run.ItemsCollected, run.ItemsProcessed,
		run.ItemsDeduplicated, run.TopicsCreated, run.TrendsCreated, errs,
		run.StartedAt.UTC(), run.CompletedAt, run.Duration.Milliseconds())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: run %s", storage.ErrAlreadyExists, run.ID)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *ItemStore) UpdateRun(ctx context.Context, run model.PipelineRun) error {
	errs, err := json.Marshal(run.Errors)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET status = $2, items_collected = $3,
			items_processed = $4, items_deduplicated = $5, topics_created = $6,
			trends_created = $7, errors = $8, completed_at = $9, duration_ms = $10
		WHERE id = $1`,
		run.ID, string(run.Status), run.ItemsCollected, run.ItemsProcessed,
		run.ItemsDeduplicated, run.TopicsCreated, run.TrendsCreated, errs,
		run.CompletedAt, run.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type runRow struct {
	ID                uuid.UUID  `db:"id"`
	Status            string     `db:"status"`
	ItemsCollected    int        `db:"items_collected"`
	ItemsProcessed    int        `db:"items_processed"`
	ItemsDeduplicated int        `db:"items_deduplicated"`
	TopicsCreated     int        `db:"topics_created"`
	TrendsCreated     int        `db:"trends_created"`
	Errors            []byte     `db:"errors"`
	StartedAt         time.Time  `db:"started_at"`
	CompletedAt       *time.Time `db:"completed_at"`
	DurationMs        int64      `db:"duration_ms"`
}

func (r runRow) toRun() (model.PipelineRun, error) {
	var errs []string
	if len(r.Errors) > 0 {
		if err := json.Unmarshal(r.Errors, &errs); err != nil {
			return model.PipelineRun{}, err
		}
	}
	return model.PipelineRun{
		ID:                r.ID,
		Status:            model.RunStatus(r.Status),
		ItemsCollected:    r.ItemsCollected,
		ItemsProcessed:    r.ItemsProcessed,
		ItemsDeduplicated: r.ItemsDeduplicated,
		TopicsCreated:     r.TopicsCreated,
		TrendsCreated:     r.TrendsCreated,
		Errors:            errs,
		StartedAt:         r.StartedAt,
		CompletedAt:       r.CompletedAt,
		Duration:          time.Duration(r.DurationMs) * time.Millisecond,
	}, nil
}

const selectRun = `
SELECT id, status, items_collected, items_processed, items_deduplicated,
       topics_created, trends_created, errors, started_at, completed_at,
       duration_ms
FROM pipeline_runs`

func (s *ItemStore) GetRun(ctx context.Context, id uuid.UUID) (model.PipelineRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, selectRun+` WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PipelineRun{}, storage.ErrNotFound
		}
		return model.PipelineRun{}, err
	}
	return row.toRun()
}

func (s *ItemStore) ListRecentRuns(ctx context.Context, limit int) ([]model.PipelineRun, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows,
		selectRun+` WHERE status = 'completed' ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.PipelineRun, 0, len(rows))
	for _, r := range rows {
		run, err := r.toRun()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *ItemStore) UpsertPluginHealth(ctx context.Context, health model.PluginHealth) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_health (plugin, last_run, last_success, last_error,
			consecutive_failures, total_runs, success_rate, healthy)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (plugin) DO UPDATE SET
			last_run = EXCLUDED.last_run,
			last_success = EXCLUDED.last_success,
			last_error = EXCLUDED.last_error,
			consecutive_failures = EXCLUDED.consecutive_failures,
			total_runs = EXCLUDED.total_runs,
			success_rate = EXCLUDED.success_rate,
			healthy = EXCLUDED.healthy`,
		health.Plugin, nullTime(health.LastRun), nullTime(health.LastSuccess),
		health.LastError, health.ConsecutiveFailures, health.TotalRuns,
		health.SuccessRate, health.Healthy)
	return err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

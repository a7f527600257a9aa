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

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tnndbtc/trendwatch/pkg/model"
	"github.com/tnndbtc/trendwatch/pkg/plugin"
	"github.com/tnndbtc/trendwatch/pkg/plugin/plugintest"
	"github.com/tnndbtc/trendwatch/pkg/storage/memory"
)

type fakeRunner struct {
	mtx   sync.Mutex
	calls int
	err   error
}

func (r *fakeRunner) RunNow(_ context.Context, _ string, _ bool) (model.PipelineRun, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.calls++
	run := model.PipelineRun{ID: uuid.New(), Status: model.RunCompleted}
	if r.err != nil {
		run.Status = model.RunFailed
	}
	return run, r.err
}

func (r *fakeRunner) Calls() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.calls
}

type fakeHealth struct {
	unhealthy int
}

func (h *fakeHealth) Status(name string) model.PluginHealth {
	return model.PluginHealth{Plugin: name, Healthy: true}
}

func (h *fakeHealth) UnhealthyCount() int { return h.unhealthy }

type fakeQueue struct {
	depth       int
	backpressed bool
}

func (q *fakeQueue) Depth() int         { return q.depth }
func (q *fakeQueue) Backpressure() bool { return q.backpressed }

type testServer struct {
	runner *fakeRunner
	health *fakeHealth
	queue  *fakeQueue
	store  *memory.ItemStore
	cache  *memory.CacheStore
	reg    *plugin.Registry
	http   http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		runner: &fakeRunner{},
		health: &fakeHealth{},
		queue:  &fakeQueue{},
		store:  memory.NewItemStore(),
		cache:  memory.NewCacheStore(),
		reg:    plugin.NewRegistry(),
	}
	require.NoError(t, ts.reg.Register(&plugintest.Collector{
		PluginName: "hackernews",
		Meta:       plugin.Metadata{Category: "tech", Schedule: "*/15 * * * *"},
	}))
	s := New(nil, prometheus.NewRegistry(), ts.reg, ts.runner, ts.health, ts.queue,
		ts.store, ts.cache, Options{})
	ts.http = s.Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, vs := range header {
		req.Header[k] = vs
	}
	w := httptest.NewRecorder()
	ts.http.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status       string `json:"status"`
		QueueDepth   int    `json:"queue_depth"`
		Backpressure bool   `json:"backpressure"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	// Backpressure degrades the reported status without failing the probe.
	ts.queue.depth = 300
	ts.queue.backpressed = true
	w = ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, 300, resp.QueueDepth)
	assert.True(t, resp.Backpressure)
}

func TestRunNow(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/run_now", `{"plugin":"hackernews"}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	_, err := uuid.Parse(resp.RunID)
	assert.NoError(t, err)
	assert.Equal(t, "completed", resp.Status)
	assert.Equal(t, 1, ts.runner.Calls())
}

func TestRunNowValidation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/run_now", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/run_now", `{"plugin":"NOT VALID"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/run_now", `{"plugin":"unknown"}`, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 0, ts.runner.Calls())
}

func TestRunNowConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.runner.err = context.DeadlineExceeded

	w := ts.do(t, http.MethodPost, "/api/v1/run_now", `{"plugin":"hackernews"}`, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListPlugins(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/v1/plugins", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out []struct {
		Name     string `json:"name"`
		Category string `json:"category"`
		Schedule string `json:"schedule"`
		Enabled  bool   `json:"enabled"`
		Health   struct {
			Healthy bool `json:"Healthy"`
		} `json:"health"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "hackernews", out[0].Name)
	assert.Equal(t, "tech", out[0].Category)
	assert.Equal(t, "*/15 * * * *", out[0].Schedule)
	assert.True(t, out[0].Enabled)
	assert.True(t, out[0].Health.Healthy)
}

func TestSetEnabled(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/plugins/hackernews/enabled", `{"value":false}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	reg, err := ts.reg.Get("hackernews")
	require.NoError(t, err)
	assert.False(t, reg.Enabled)

	w = ts.do(t, http.MethodPost, "/api/v1/plugins/unknown/enabled", `{"value":true}`, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetRun(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	run := model.PipelineRun{
		ID:        uuid.New(),
		Status:    model.RunCompleted,
		StartedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, ts.store.InsertRun(ctx, run))

	w := ts.do(t, http.MethodGet, "/api/v1/runs/"+run.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got model.PipelineRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, model.RunCompleted, got.Status)

	w = ts.do(t, http.MethodGet, "/api/v1/runs/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/runs/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIdempotencyReplay(t *testing.T) {
	ts := newTestServer(t)
	hdr := http.Header{"Idempotency-Key": []string{"key-1"}}

	w1 := ts.do(t, http.MethodPost, "/api/v1/run_now", `{"plugin":"hackernews"}`, hdr)
	require.Equal(t, http.StatusAccepted, w1.Code)
	require.Equal(t, 1, ts.runner.Calls())

	// The repeat does not re-execute; it replays the stored response.
	w2 := ts.do(t, http.MethodPost, "/api/v1/run_now", `{"plugin":"hackernews"}`, hdr)
	require.Equal(t, http.StatusAccepted, w2.Code)
	assert.Equal(t, 1, ts.runner.Calls())
	assert.Equal(t, "true", w2.Header().Get("Idempotent-Replay"))
	assert.Equal(t, w1.Body.String(), w2.Body.String())

	// A different key executes again.
	w3 := ts.do(t, http.MethodPost, "/api/v1/run_now", `{"plugin":"hackernews"}`,
		http.Header{"Idempotency-Key": []string{"key-2"}})
	require.Equal(t, http.StatusAccepted, w3.Code)
	assert.Equal(t, 2, ts.runner.Calls())
}

func TestIdempotencyDoesNotCacheErrors(t *testing.T) {
	ts := newTestServer(t)
	hdr := http.Header{"Idempotency-Key": []string{"key-1"}}

	ts.runner.err = context.DeadlineExceeded
	w := ts.do(t, http.MethodPost, "/api/v1/run_now", `{"plugin":"hackernews"}`, hdr)
	require.Equal(t, http.StatusConflict, w.Code)

	// A failed mutation may be retried with the same key.
	ts.runner.err = nil
	w = ts.do(t, http.MethodPost, "/api/v1/run_now", `{"plugin":"hackernews"}`, hdr)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, w.Header().Get("Idempotent-Replay"))
	assert.Equal(t, 2, ts.runner.Calls())
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "trendwatch_test_total"})
	reg.MustRegister(c)
	c.Inc()

	s := New(nil, reg, plugin.NewRegistry(), &fakeRunner{}, nil, nil,
		memory.NewItemStore(), nil, Options{})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "trendwatch_test_total 1")
}

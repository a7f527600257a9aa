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

// Package server exposes the control surface: trigger runs, inspect plugin
// health, toggle plugins, read run records, and the health and metrics
// endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tnndbtc/trendwatch/pkg/model"
	"github.com/tnndbtc/trendwatch/pkg/plugin"
	"github.com/tnndbtc/trendwatch/pkg/storage"
)

// Runner triggers an immediate collection tick for one plugin.
type Runner interface {
	RunNow(ctx context.Context, name string, overrideChecks bool) (model.PipelineRun, error)
}

// HealthSource reports per-plugin health.
type HealthSource interface {
	Status(plugin string) model.PluginHealth
	UnhealthyCount() int
}

// QueueSource reports the persister backlog.
type QueueSource interface {
	Depth() int
	Backpressure() bool
}

// Options configure the server.
type Options struct {
	// RequestTimeout bounds one request end to end.
	RequestTimeout time.Duration
	// IdempotencyTTL is how long replayed responses are kept. Zero picks
	// DefaultIdempotencyTTL.
	IdempotencyTTL time.Duration
}

// DefaultRequestTimeout bounds control-surface requests.
const DefaultRequestTimeout = 60 * time.Second

// Server is the HTTP control surface.
type Server struct {
	logger   log.Logger
	registry *plugin.Registry
	runner   Runner
	health   HealthSource
	queue    QueueSource
	store    storage.ItemStore
	cache    storage.CacheStore
	gatherer prometheus.Gatherer
	opts     Options
}

// New returns the control surface. cache may be nil, which disables
// idempotency-key replay; queue may be nil.
func New(
	logger log.Logger,
	gatherer prometheus.Gatherer,
	registry *plugin.Registry,
	runner Runner,
	health HealthSource,
	queue QueueSource,
	store storage.ItemStore,
	cache storage.CacheStore,
	opts Options,
) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.IdempotencyTTL == 0 {
		opts.IdempotencyTTL = DefaultIdempotencyTTL
	}
	return &Server{
		logger:   logger,
		registry: registry,
		runner:   runner,
		health:   health,
		queue:    queue,
		store:    store,
		cache:    cache,
		gatherer: gatherer,
		opts:     opts,
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.idempotency).Post("/run_now", s.handleRunNow)
		r.Get("/plugins", s.handleListPlugins)
		r.With(s.idempotency).Post("/plugins/{name}/enabled", s.handleSetEnabled)
		r.Get("/runs/{id}", s.handleGetRun)
	})
	return r
}

type runNowRequest struct {
	Plugin         string `json:"plugin"`
	OverrideChecks bool   `json:"override_checks"`
}

type runNowResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	var req runNowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := plugin.ValidateName(req.Plugin); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.registry.Get(req.Plugin); err != nil {
		writeError(w, http.StatusNotFound, "unknown plugin: "+req.Plugin)
		return
	}
	run, err := s.runner.RunNow(r.Context(), req.Plugin, req.OverrideChecks)
	if err != nil {
		level.Warn(s.logger).Log("msg", "run_now failed", "plugin", req.Plugin, "err", err)
		writeJSON(w, http.StatusConflict, runNowResponse{RunID: run.ID.String(), Status: string(run.Status)})
		return
	}
	writeJSON(w, http.StatusAccepted, runNowResponse{RunID: run.ID.String(), Status: string(run.Status)})
}

type pluginStatus struct {
	Name     string             `json:"name"`
	Category string             `json:"category"`
	Schedule string             `json:"schedule"`
	Enabled  bool               `json:"enabled"`
	Health   model.PluginHealth `json:"health"`
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	regs := s.registry.List(false)
	out := make([]pluginStatus, 0, len(regs))
	for _, reg := range regs {
		ps := pluginStatus{
			Name:     reg.Collector.Name(),
			Category: reg.Metadata.Category,
			Schedule: reg.Metadata.Schedule,
			Enabled:  reg.Enabled,
		}
		if s.health != nil {
			ps.Health = s.health.Status(ps.Name)
		}
		out = append(out, ps)
	}
	writeJSON(w, http.StatusOK, out)
}

type setEnabledRequest struct {
	Value bool `json:"value"`
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req setEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.registry.SetEnabled(name, req.Value); err != nil {
		if errors.Is(err, plugin.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown plugin: "+name)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	level.Info(s.logger).Log("msg", "plugin toggled", "plugin", name, "enabled", req.Value)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Value})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type healthResponse struct {
	Status           string `json:"status"`
	UnhealthyPlugins int    `json:"unhealthy_plugins"`
	QueueDepth       int    `json:"queue_depth"`
	Backpressure     bool   `json:"backpressure"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.health != nil {
		resp.UnhealthyPlugins = s.health.UnhealthyCount()
	}
	if s.queue != nil {
		resp.QueueDepth = s.queue.Depth()
		resp.Backpressure = s.queue.Backpressure()
	}
	if resp.Backpressure {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

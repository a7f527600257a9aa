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

// The trendwatch daemon wires the collection scheduler, the processing
// pipeline and the control surface together. Collector plugins register
// through pkg/plugin; this binary ships without any and expects them to be
// linked in via the plugins package pattern or a fork.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tnndbtc/trendwatch/pkg/config"
	"github.com/tnndbtc/trendwatch/pkg/lock"
	"github.com/tnndbtc/trendwatch/pkg/pipeline"
	"github.com/tnndbtc/trendwatch/pkg/plugin"
	"github.com/tnndbtc/trendwatch/pkg/runs"
	"github.com/tnndbtc/trendwatch/pkg/schedule"
	"github.com/tnndbtc/trendwatch/pkg/server"
	"github.com/tnndbtc/trendwatch/pkg/storage"
	"github.com/tnndbtc/trendwatch/pkg/storage/memory"
	"github.com/tnndbtc/trendwatch/pkg/storage/postgres"
	"github.com/tnndbtc/trendwatch/pkg/storage/redisstore"
)

func main() {
	a := kingpin.New("trendwatch", "Trend intelligence collection and processing daemon.")
	a.HelpFlag.Short('h')

	var (
		configFile    = a.Flag("config.file", "Path to the YAML configuration file.").String()
		listenAddress = a.Flag("web.listen-address", "Address to serve the control surface on.").Default(":8080").String()
		logLevel      = a.Flag("log.level", "Log level (debug, info, warn, error).").Default("info").String()
		logFormat     = a.Flag("log.format", "Log format (logfmt, json).").Default("logfmt").String()
	)
	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "parsing flags:", err)
		a.Usage(os.Args[1:])
		os.Exit(2)
	}

	logger, err := newLogger(*logFormat, *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg := config.Default()
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
		if err != nil {
			level.Error(logger).Log("msg", "loading configuration failed", "path", *configFile, "err", err)
			os.Exit(1)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := realMain(logger, reg, cfg, *configFile, *listenAddress); err != nil {
		level.Error(logger).Log("msg", "daemon exited with error", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "daemon stopped")
}

func realMain(logger log.Logger, reg *prometheus.Registry, cfg config.Config, configFile, listenAddress string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store selection: DSNs pick the production backends, their absence the
	// in-memory ones.
	var (
		items   storage.ItemStore
		vectors storage.VectorStore
		cache   storage.CacheStore
		locker  lock.Locker
		limiter schedule.Limiter
	)
	if cfg.Storage.PostgresDSN != "" {
		db, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("opening postgres: %w", err)
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		items = postgres.NewItemStore(db)
		vectors = postgres.NewVectorStore(db)
		level.Info(logger).Log("msg", "using postgres stores")
	} else {
		items = memory.NewItemStore()
		vectors = memory.NewVectorStore()
		level.Info(logger).Log("msg", "using in-memory stores")
	}
	if cfg.Storage.RedisAddr != "" {
		rc, err := redisstore.New(ctx, cfg.Storage.RedisAddr)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		cache = rc
		locker = lock.NewLeaseLocker(rc.Client(), lock.LeaseOptions{})
		limiter = schedule.NewCacheLimiter(cache, 0)
		level.Info(logger).Log("msg", "using redis cache, leases and rate windows", "addr", cfg.Storage.RedisAddr)
	} else {
		cache = memory.NewCacheStore()
		locker = lock.NewMutexLocker()
		limiter = schedule.NewWindowLimiter(0)
	}

	registry := plugin.NewRegistry()
	recorder := runs.NewRecorder(log.With(logger, "component", "runs"), reg, items)
	tracker := schedule.NewTracker(log.With(logger, "component", "health"), items, schedule.TrackerOptions{
		FailureThreshold: cfg.Health.FailureThreshold,
		Cooldown:         time.Duration(cfg.Health.CooldownSeconds) * time.Second,
	})

	embedder := pipeline.NewHashingEmbedder(cfg.Storage.VectorDim)
	// A contended fingerprint lock must yield a skipped run, not stall the
	// pipeline until the run deadline. Zero disables the bound.
	dedupLocks := locker
	if cfg.Dedup.LockTimeoutSeconds > 0 {
		dedupLocks = lock.TryTimeout(locker, time.Duration(cfg.Dedup.LockTimeoutSeconds)*time.Second)
	}
	dedup := pipeline.NewDeduplicator(log.With(logger, "component", "dedup"), items, vectors, dedupLocks, pipeline.DedupOptions{
		SimilarityThreshold: cfg.Dedup.SemanticThreshold,
		Lookback:            time.Duration(cfg.Dedup.LookbackDays) * 24 * time.Hour,
	})
	clusterer := pipeline.NewClusterer(log.With(logger, "component", "cluster"), items, vectors, pipeline.ClusterOptions{
		Threshold:    cfg.Cluster.Threshold,
		MinSize:      cfg.Cluster.MinSize,
		RecallWindow: time.Duration(cfg.Cluster.RecallHours) * time.Hour,
	})
	ranker := pipeline.NewRanker(log.With(logger, "component", "rank"), items, pipeline.RankOptions{
		Weights:      pipeline.RankWeights(cfg.Ranker.Weights),
		FreshnessTau: time.Duration(cfg.Ranker.TauHours) * time.Hour,
		DiversityCap: cfg.Ranker.DiversityCap,
	})
	persister := pipeline.NewPersister(log.With(logger, "component", "persist"), items, vectors, cache, pipeline.PersistOptions{})
	pipeline.RegisterDedupMetrics(reg)
	pipeline.RegisterPersistMetrics(reg)

	engine := pipeline.NewEngine(
		log.With(logger, "component", "pipeline"),
		reg,
		recorder,
		[]pipeline.Stage{
			pipeline.Normalizer{},
			pipeline.NewLanguageStage(),
			pipeline.NewEmbedStage(embedder),
			dedup,
			clusterer,
			ranker,
			persister,
		},
		pipeline.Options{
			RunDeadline: time.Duration(cfg.Run.OverallDeadlineSeconds) * time.Second,
			CategoryOf: func(source string) string {
				r, err := registry.Get(source)
				if err != nil {
					return ""
				}
				return r.Metadata.Category
			},
		},
	)

	scheduler, err := schedule.New(
		log.With(logger, "component", "scheduler"),
		reg,
		registry,
		limiter,
		tracker,
		recorder,
		engine.Process,
		schedule.Options{
			MaxConcurrency: cfg.Scheduler.MaxConcurrency,
			DefaultTimeout: time.Duration(cfg.Scheduler.DefaultTimeoutSeconds) * time.Second,
			TickRetryMax:   cfg.Scheduler.TickRetryMax,
			Backpressure:   persister.Backpressure,
		},
	)
	if err != nil {
		return fmt.Errorf("building scheduler: %w", err)
	}

	srv := server.New(
		log.With(logger, "component", "server"),
		reg,
		registry,
		scheduler,
		tracker,
		persister,
		items,
		cache,
		server.Options{},
	)
	httpSrv := &http.Server{
		Addr:        listenAddress,
		Handler:     srv.Handler(),
		ReadTimeout: 30 * time.Second,
	}

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	g.Add(func() error {
		return scheduler.Run(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return persister.Run(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return recorder.Run(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		level.Info(logger).Log("msg", "control surface listening", "addr", listenAddress)
		return httpSrv.ListenAndServe()
	}, func(error) {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	})
	if configFile != "" {
		g.Add(func() error {
			return config.Watch(ctx, log.With(logger, "component", "config"), configFile, func(next config.Config) {
				dedup.SetOptions(pipeline.DedupOptions{
					SimilarityThreshold: next.Dedup.SemanticThreshold,
					Lookback:            time.Duration(next.Dedup.LookbackDays) * 24 * time.Hour,
				})
				clusterer.SetOptions(pipeline.ClusterOptions{
					Threshold:    next.Cluster.Threshold,
					MinSize:      next.Cluster.MinSize,
					RecallWindow: time.Duration(next.Cluster.RecallHours) * time.Hour,
				})
				ranker.SetOptions(pipeline.RankOptions{
					Weights:      pipeline.RankWeights(next.Ranker.Weights),
					FreshnessTau: time.Duration(next.Ranker.TauHours) * time.Hour,
					DiversityCap: next.Ranker.DiversityCap,
				})
			})
		}, func(error) {
			cancel()
		})
	}

	level.Info(logger).Log("msg", "starting trendwatch", "plugins", len(registry.List(false)))
	if err := g.Run(); err != nil {
		var sigErr run.SignalError
		if errors.As(err, &sigErr) {
			return nil
		}
		return err
	}
	return nil
}

func newLogger(format, lvl string) (log.Logger, error) {
	var logger log.Logger
	switch format {
	case "json":
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	case "logfmt":
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "info":
		opt = level.AllowInfo()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		return nil, fmt.Errorf("unknown log level %q", lvl)
	}
	logger = level.NewFilter(logger, opt)
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return logger, nil
}

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

// Package config loads and validates the YAML configuration file and watches
// it for changes to the dynamic thresholds.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration file.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Ranker    RankerConfig    `yaml:"ranker"`
	Run       RunConfig       `yaml:"run"`
	Health    HealthConfig    `yaml:"health"`
	Storage   StorageConfig   `yaml:"storage"`
}

// SchedulerConfig governs tick admission.
type SchedulerConfig struct {
	MaxConcurrency        int `yaml:"max_concurrency" validate:"min=0,max=1024"`
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds" validate:"min=0"`
	TickRetryMax          int `yaml:"tick_retry_max" validate:"min=0,max=5"`
}

// DedupConfig governs the duplicate cascade. Dynamic: changes apply to the
// next run without restart.
type DedupConfig struct {
	SemanticThreshold float64 `yaml:"semantic_threshold" validate:"min=0,max=1"`
	LookbackDays      int     `yaml:"lookback_days" validate:"min=0"`
	// LockTimeoutSeconds bounds the wait for a contended fingerprint lock
	// before the run yields. Static: applied at startup.
	LockTimeoutSeconds int `yaml:"lock_timeout_seconds" validate:"min=0,max=300"`
}

// ClusterConfig governs topic formation. Dynamic.
type ClusterConfig struct {
	Threshold   float64 `yaml:"threshold" validate:"min=0,max=1"`
	MinSize     int     `yaml:"min_size" validate:"min=0"`
	RecallHours int     `yaml:"recall_hours" validate:"min=0"`
}

// RankerWeights are the non-negative score term weights. Dynamic.
type RankerWeights struct {
	Engagement float64 `yaml:"engagement" validate:"min=0"`
	Velocity   float64 `yaml:"velocity" validate:"min=0"`
	Freshness  float64 `yaml:"freshness" validate:"min=0"`
	Age        float64 `yaml:"age" validate:"min=0"`
}

// RankerConfig governs scoring. Dynamic.
type RankerConfig struct {
	Weights      RankerWeights `yaml:"weights"`
	TauHours     int           `yaml:"tau_hours" validate:"min=0"`
	DiversityCap int           `yaml:"diversity_cap" validate:"min=0"`
}

// RunConfig bounds pipeline executions.
type RunConfig struct {
	OverallDeadlineSeconds int `yaml:"overall_deadline_seconds" validate:"min=0"`
}

// HealthConfig governs the plugin health tracker.
type HealthConfig struct {
	FailureThreshold int `yaml:"failure_threshold" validate:"min=0"`
	CooldownSeconds  int `yaml:"cooldown_seconds" validate:"min=0"`
}

// StorageConfig selects and configures the backing stores. Empty DSNs select
// the in-memory implementations, which is the development default.
type StorageConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	VectorDim   int    `yaml:"vector_dim" validate:"min=0,max=4096"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			MaxConcurrency:        8,
			DefaultTimeoutSeconds: 300,
			TickRetryMax:          3,
		},
		Dedup: DedupConfig{
			SemanticThreshold:  0.92,
			LookbackDays:       14,
			LockTimeoutSeconds: 5,
		},
		Cluster: ClusterConfig{
			Threshold:   0.78,
			MinSize:     2,
			RecallHours: 72,
		},
		Ranker: RankerConfig{
			Weights:      RankerWeights{Engagement: 1, Velocity: 1, Freshness: 1, Age: 0.5},
			TauHours:     48,
			DiversityCap: 3,
		},
		Run: RunConfig{
			OverallDeadlineSeconds: 1800,
		},
		Health: HealthConfig{
			FailureThreshold: 3,
			CooldownSeconds:  300,
		},
		Storage: StorageConfig{
			VectorDim: 256,
		},
	}
}

// Load reads, decodes and validates the file at path, on top of defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the struct-level constraints.
func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

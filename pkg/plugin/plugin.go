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

// Package plugin defines the collector SPI, the failure taxonomy collectors
// report through, and the registry the scheduler resolves plugins from.
package plugin

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tnndbtc/trendwatch/pkg/model"
)

// Collector is a source-specific module producing raw items.
//
// Collectors must be pure: no writes to storage and no mutable state shared
// with other plugins. Collect must propagate cancellation and return within
// the declared timeout. Permitted side effects are outbound HTTP (or
// equivalent) and reads within the sandbox directory the framework assigns
// via Metadata.WorkDir.
type Collector interface {
	Name() string
	Metadata() Metadata
	Collect(ctx context.Context) ([]model.RawItem, error)
}

// Metadata describes how a collector wants to be driven.
type Metadata struct {
	// Category tag applied to collected items.
	Category string
	// Requests per hour granted to the plugin. Zero or negative means
	// unlimited.
	RateLimitPerHour int
	// Cron expression (five-field) for scheduled ticks.
	Schedule string
	// Timeout for a single Collect call. Zero picks the scheduler default.
	TimeoutSeconds int
	// ConcurrencyHint of 1 forces non-overlap of the plugin's own ticks.
	ConcurrencyHint int
	// Sandboxed working directory the framework provides. Collectors must
	// not read files outside of it.
	WorkDir string
}

// Timeout returns the collect deadline, or def if unspecified.
func (m Metadata) Timeout(def time.Duration) time.Duration {
	if m.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(m.TimeoutSeconds) * time.Second
}

var nameRe = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks the plugin naming contract.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid plugin name %q: must match [a-z0-9_-]{1,64}", name)
	}
	return nil
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateMetadata checks that the metadata can be scheduled.
func ValidateMetadata(m Metadata) error {
	if m.Schedule != "" {
		if _, err := cronParser.Parse(m.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", m.Schedule, err)
		}
	}
	if m.ConcurrencyHint < 0 {
		return fmt.Errorf("concurrency hint must not be negative, got %d", m.ConcurrencyHint)
	}
	return nil
}

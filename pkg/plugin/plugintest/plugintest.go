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

// Package plugintest provides scripted collectors for tests.
package plugintest

import (
	"context"
	"sync/atomic"

	"github.com/tnndbtc/trendwatch/pkg/model"
	"github.com/tnndbtc/trendwatch/pkg/plugin"
)

// Collector is a scripted collector. CollectFunc is invoked for every tick;
// Calls counts invocations.
type Collector struct {
	PluginName  string
	Meta        plugin.Metadata
	CollectFunc func(ctx context.Context) ([]model.RawItem, error)

	calls atomic.Int64
}

var _ plugin.Collector = (*Collector)(nil)

func (c *Collector) Name() string { return c.PluginName }

func (c *Collector) Metadata() plugin.Metadata { return c.Meta }

func (c *Collector) Collect(ctx context.Context) ([]model.RawItem, error) {
	c.calls.Add(1)
	if c.CollectFunc == nil {
		return nil, nil
	}
	return c.CollectFunc(ctx)
}

// Calls returns how many times Collect has been invoked.
func (c *Collector) Calls() int { return int(c.calls.Load()) }

// Items builds n raw items for source with distinct source IDs and titles.
func Items(source string, n int, title func(i int) string) []model.RawItem {
	out := make([]model.RawItem, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.RawItem{
			Source:   source,
			SourceID: string(rune('A' + i)),
			Title:    title(i),
		})
	}
	return out
}

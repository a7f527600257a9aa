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

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// debounce coalesces the event bursts editors and atomic-rename writers
// produce into one reload.
const debounce = 500 * time.Millisecond

// Watch reloads the file on change and calls onChange with each valid new
// configuration. Invalid intermediate states are logged and skipped, keeping
// the previous configuration active. The watch follows the parent directory
// so atomic renames (the common configmap/editor pattern) are picked up.
func Watch(ctx context.Context, logger log.Logger, path string, onChange func(Config)) error {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			level.Warn(logger).Log("msg", "config watch error", "err", err)
		case <-timerC:
			cfg, err := Load(path)
			if err != nil {
				level.Warn(logger).Log("msg", "config reload rejected", "path", path, "err", err)
				continue
			}
			level.Info(logger).Log("msg", "config reloaded", "path", path)
			onChange(cfg)
		}
	}
}

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

package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrAlreadyRegistered is returned when a different collector instance
	// is registered under an existing name.
	ErrAlreadyRegistered = errors.New("plugin already registered")
	// ErrNotFound is returned when no plugin exists under the given name.
	ErrNotFound = errors.New("plugin not found")
)

// Registration is a read-only snapshot of a registry entry.
type Registration struct {
	Collector Collector
	Metadata  Metadata
	Enabled   bool
	// Order in which the plugin was registered; ties between plugins due at
	// the same instant are broken by it.
	Order int
}

// Registry is the process-wide set of installed plugins. It is the only
// place plugins are looked up; holding a collector reference that bypasses
// the registry's enable check is not permitted.
//
// The registry is read-mostly: lookups take a read lock, register and
// set-enabled take the write lock.
type Registry struct {
	mtx     sync.RWMutex
	entries map[string]*entry
	next    int
}

type entry struct {
	collector Collector
	metadata  Metadata
	enabled   bool
	order     int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

// Register installs a collector under its name, enabled. Registering the
// identical instance again is a no-op; a second distinct instance under the
// same name is rejected.
func (r *Registry) Register(c Collector) error {
	name := c.Name()
	if err := ValidateName(name); err != nil {
		return err
	}
	md := c.Metadata()
	if err := ValidateMetadata(md); err != nil {
		return fmt.Errorf("plugin %q: %w", name, err)
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if e, ok := r.entries[name]; ok {
		if e.collector == c {
			return nil
		}
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, name)
	}
	r.entries[name] = &entry{collector: c, metadata: md, enabled: true, order: r.next}
	r.next++
	return nil
}

// Get returns the registration under name.
func (r *Registry) Get(name string) (Registration, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e.snapshot(), nil
}

// List returns registrations in registration order. If enabledOnly is set,
// disabled plugins are omitted.
func (r *Registry) List(enabledOnly bool) []Registration {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	out := make([]Registration, 0, len(r.entries))
	for _, e := range r.entries {
		if enabledOnly && !e.enabled {
			continue
		}
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// SetEnabled flips the enable flag of a plugin.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	e.enabled = enabled
	return nil
}

func (e *entry) snapshot() Registration {
	return Registration{
		Collector: e.collector,
		Metadata:  e.metadata,
		Enabled:   e.enabled,
		Order:     e.order,
	}
}

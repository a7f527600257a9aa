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

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tnndbtc/trendwatch/pkg/storage"
)

// CacheStore is an in-memory cache with TTLs and sorted sets. Expiry is
// evaluated lazily on access.
type CacheStore struct {
	mtx  sync.Mutex
	vals map[string]cacheValue
	zs   map[string]map[string]float64
	// now is overridable for tests.
	now func() time.Time
}

type cacheValue struct {
	value     string
	expiresAt time.Time
}

var _ storage.CacheStore = (*CacheStore)(nil)

// NewCacheStore returns an empty in-memory cache.
func NewCacheStore() *CacheStore {
	return &CacheStore{
		vals: map[string]cacheValue{},
		zs:   map[string]map[string]float64{},
		now:  time.Now,
	}
}

// SetClock overrides the cache's clock. Test use only.
func (s *CacheStore) SetClock(now func() time.Time) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.now = now
}

func (s *CacheStore) expired(v cacheValue) bool {
	return !v.expiresAt.IsZero() && !s.now().Before(v.expiresAt)
}

func (s *CacheStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	v, ok := s.vals[key]
	if !ok || s.expired(v) {
		delete(s.vals, key)
		return "", false, nil
	}
	return v.value, true, nil
}

func (s *CacheStore) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.vals[key] = cacheValue{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *CacheStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *CacheStore) Del(_ context.Context, keys ...string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, k := range keys {
		delete(s.vals, k)
		delete(s.zs, k)
	}
	return nil
}

func (s *CacheStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if v, ok := s.vals[key]; ok && !s.expired(v) {
		return false, nil
	}
	s.vals[key] = cacheValue{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *CacheStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	z, ok := s.zs[key]
	if !ok {
		z = map[string]float64{}
		s.zs[key] = z
	}
	z[member] = score
	return nil
}

func (s *CacheStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for m, score := range s.zs[key] {
		if score >= min && score <= max {
			delete(s.zs[key], m)
		}
	}
	return nil
}

func (s *CacheStore) ZCard(_ context.Context, key string) (int64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return int64(len(s.zs[key])), nil
}

func (s *CacheStore) ZRangeWithScores(_ context.Context, key string, start, stop int64) ([]storage.ZMember, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	members := make([]storage.ZMember, 0, len(s.zs[key]))
	for m, score := range s.zs[key] {
		members = append(members, storage.ZMember{Member: m, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})
	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}
	return members[start : stop+1], nil
}

func (s *CacheStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if v, ok := s.vals[key]; ok {
		v.expiresAt = s.expiry(ttl)
		s.vals[key] = v
	}
	// Sorted sets are bounded by explicit eviction; TTL is advisory here.
	return nil
}

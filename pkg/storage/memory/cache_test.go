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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tnndbtc/trendwatch/pkg/storage"
)

func TestCacheTTL(t *testing.T) {
	s := NewCacheStore()
	ctx := context.Background()

	now := baseTime
	s.SetClock(func() time.Time { return now })

	if err := s.SetEx(ctx, "k", "v", time.Minute); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("get = %q/%v/%v", v, ok, err)
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expired key still readable")
	}

	// Zero TTL means no expiry.
	if err := s.SetEx(ctx, "p", "v", 0); err != nil {
		t.Fatal(err)
	}
	now = now.Add(24 * time.Hour)
	if _, ok, _ := s.Get(ctx, "p"); !ok {
		t.Fatal("persistent key expired")
	}
}

func TestCacheSetNX(t *testing.T) {
	s := NewCacheStore()
	ctx := context.Background()

	now := baseTime
	s.SetClock(func() time.Time { return now })

	ok, err := s.SetNX(ctx, "lease", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first setnx = %v/%v", ok, err)
	}
	ok, err = s.SetNX(ctx, "lease", "b", time.Minute)
	if err != nil || ok {
		t.Fatalf("second setnx = %v/%v, want refused", ok, err)
	}
	v, _, _ := s.Get(ctx, "lease")
	if v != "a" {
		t.Fatalf("value = %q, want holder's", v)
	}

	// Expiry frees the key for the next claimant.
	now = now.Add(2 * time.Minute)
	ok, err = s.SetNX(ctx, "lease", "b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("post-expiry setnx = %v/%v", ok, err)
	}
}

func TestCacheSortedSets(t *testing.T) {
	s := NewCacheStore()
	ctx := context.Background()

	for i, m := range []string{"m1", "m2", "m3"} {
		if err := s.ZAdd(ctx, "z", float64(i), m); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.ZCard(ctx, "z")
	if err != nil || n != 3 {
		t.Fatalf("zcard = %d/%v", n, err)
	}

	got, err := s.ZRangeWithScores(ctx, "z", 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	want := []storage.ZMember{{Member: "m1", Score: 0}, {Member: "m2", Score: 1}, {Member: "m3", Score: 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("zrange (-want +got):\n%s", diff)
	}

	if err := s.ZRemRangeByScore(ctx, "z", 0, 1); err != nil {
		t.Fatal(err)
	}
	n, _ = s.ZCard(ctx, "z")
	if n != 1 {
		t.Fatalf("zcard after trim = %d, want 1", n)
	}

	if err := s.Del(ctx, "z"); err != nil {
		t.Fatal(err)
	}
	n, _ = s.ZCard(ctx, "z")
	if n != 0 {
		t.Fatal("del did not clear the sorted set")
	}
}

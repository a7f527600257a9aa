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

package model

import (
	"testing"

	"github.com/google/uuid"
)

func TestItemUUIDDeterministic(t *testing.T) {
	a := ItemUUID("hackernews", "41251337")
	b := ItemUUID("hackernews", "41251337")
	if a != b {
		t.Fatalf("same natural key produced different UUIDs: %s vs %s", a, b)
	}
	if a == uuid.Nil {
		t.Fatal("got nil UUID")
	}
	if c := ItemUUID("reddit", "41251337"); c == a {
		t.Fatalf("different sources collided on %s", a)
	}
	if c := ItemUUID("hackernews", "41251338"); c == a {
		t.Fatalf("different source IDs collided on %s", a)
	}
}

func TestItemUUIDSeparatorAmbiguity(t *testing.T) {
	// "a:b"+"c" and "a"+"b:c" must not produce the same identity.
	if ItemUUID("a:b", "c") == ItemUUID("a", "b:c") {
		t.Fatal("natural key separator is ambiguous")
	}
}

func TestTopicUUIDStable(t *testing.T) {
	seed := ItemUUID("x", "1")
	if TopicUUID(seed) != TopicUUID(seed) {
		t.Fatal("topic UUID not stable for the same seed")
	}
	if TopicUUID(seed) == seed {
		t.Fatal("topic UUID must not equal its seed")
	}
}

func TestHashContentCaseInsensitive(t *testing.T) {
	a := HashContent("Big Launch", "Details Inside")
	b := HashContent("big launch", "details inside")
	if a != b {
		t.Fatalf("hash is case sensitive: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("want hex sha256 (64 chars), got %d", len(a))
	}
	if HashContent("big launch", "") == a {
		t.Fatal("content must contribute to the hash")
	}
}

func TestEngagementTotal(t *testing.T) {
	it := Item{Engagement: map[string]float64{"likes": 10, "shares": 2.5}}
	if got := it.EngagementTotal(); got != 12.5 {
		t.Fatalf("engagement total = %v, want 12.5", got)
	}
	var empty Item
	if got := empty.EngagementTotal(); got != 0 {
		t.Fatalf("empty engagement total = %v, want 0", got)
	}
}

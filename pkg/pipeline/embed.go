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

package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// DefaultEmbeddingDim is the embedding dimension of the built-in embedder.
const DefaultEmbeddingDim = 256

// Embedder produces fixed-dimension embeddings for texts. Implementations
// must be deterministic for identical input within one deployment.
type Embedder interface {
	Dim() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// HashingEmbedder is the built-in embedder: tokens are hashed into a
// fixed-dimension bag-of-words vector, L2-normalized. It has no notion of
// semantics beyond shared vocabulary, but it is fast, dependency-free and
// deterministic, which is what the dedup and clustering thresholds assume.
type HashingEmbedder struct {
	dim int
}

// NewHashingEmbedder returns a hashing embedder. Zero dim picks
// DefaultEmbeddingDim.
func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = DefaultEmbeddingDim
	}
	return &HashingEmbedder{dim: dim}
}

func (e *HashingEmbedder) Dim() int { return e.dim }

func (e *HashingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, e.dim)
		for _, tok := range strings.Fields(strings.ToLower(t)) {
			tok = strings.Trim(tok, ".,;:!?\"'()[]{}")
			if tok == "" {
				continue
			}
			h := fnv.New32a()
			h.Write([]byte(tok))
			v[h.Sum32()%uint32(e.dim)]++
		}
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		if norm > 0 {
			inv := float32(1 / math.Sqrt(norm))
			for j := range v {
				v[j] *= inv
			}
		}
		out[i] = v
	}
	return out, nil
}

// EmbedStage computes embeddings for survivors that do not carry one yet.
type EmbedStage struct {
	embedder Embedder
}

// NewEmbedStage returns the embedding stage.
func NewEmbedStage(embedder Embedder) *EmbedStage {
	return &EmbedStage{embedder: embedder}
}

func (s *EmbedStage) Name() string { return "embed" }

func (s *EmbedStage) Offloadable() bool { return true }

func (s *EmbedStage) Execute(ctx context.Context, b *Batch) error {
	var (
		pending []*Work
		texts   []string
	)
	for _, w := range b.Survivors() {
		if len(w.Item.Embedding) > 0 {
			if len(w.Item.Embedding) != s.embedder.Dim() {
				w.Failed = true
				w.Reason = fmt.Sprintf("embedding dimension %d, want %d", len(w.Item.Embedding), s.embedder.Dim())
			}
			continue
		}
		pending = append(pending, w)
		texts = append(texts, w.Item.Title+" "+w.Item.Content)
	}
	if len(pending) == 0 {
		return nil
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed %d items: %w", len(pending), err)
	}
	if len(vecs) != len(pending) {
		return fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(pending))
	}
	for i, w := range pending {
		w.Item.Embedding = vecs[i]
	}
	return nil
}

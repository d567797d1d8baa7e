// Copyright 2025 uzqw
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vectorize orchestrates the layer encoders (internal/embedding)
// and the relation matrix calculator (internal/relation) into the
// Vectorization Engine: tokenize -> per-layer mean -> normalize ->
// relation matrix, plus similarity scoring and a JSON import/export
// round-trip.
//
// Vectorize is pure with respect to process state (beyond the append-only
// embedding cache) and may be called in parallel over distinct inputs.
package vectorize

import (
	"strings"

	"github.com/prismcache/prismcache/internal/embedding"
	"github.com/prismcache/prismcache/internal/relation"
	"github.com/prismcache/prismcache/internal/vector"
)

// Engine ties together the encoder set and relation options used by a
// single vectorize/similarity pipeline.
type Engine struct {
	encoders *embedding.Set
	opts     relation.Options
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithCooccurrenceAnalysis toggles the co-occurrence adjustment to the
// relation matrix.
func WithCooccurrenceAnalysis(enabled bool) Option {
	return func(e *Engine) { e.opts.UseCooccurrenceAnalysis = enabled }
}

// WithRelationWeights supplies a user relation-weight override.
func WithRelationWeights(weights map[relation.WeightKey]float32) Option {
	return func(e *Engine) { e.opts.RelationWeights = weights }
}

// WithSymmetrize toggles the M = (M + Mᵀ)/2 symmetrization pass.
func WithSymmetrize(enabled bool) Option {
	return func(e *Engine) { e.opts.Symmetrize = enabled }
}

// WithEncoders overrides the default process-wide encoder set, used by
// tests that need isolation.
func WithEncoders(s *embedding.Set) Option {
	return func(e *Engine) { e.encoders = s }
}

// New builds a vectorization engine. Co-occurrence analysis and
// symmetrization both default to on.
func New(opts ...Option) *Engine {
	e := &Engine{
		encoders: embedding.Default(),
		opts: relation.Options{
			UseCooccurrenceAnalysis: true,
			Symmetrize:              true,
		},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// tokenize splits on whitespace, commas and semicolons and lower-cases for
// vocabulary lookup.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Vectorize runs the full tokenize -> embed -> relation pipeline over text
// and returns the resulting fingerprint. Empty text (or text with no
// in-vocabulary tokens) yields all-zero layers, never an error.
func (e *Engine) Vectorize(text string) *vector.MultiLayerVector {
	tokens := tokenize(text)
	out := vector.NewZero()

	for _, l := range vector.Layers {
		cache := e.encoders.Cache(l)
		dim := vector.LayerDim(l)
		sum := make([]float32, dim)
		count := 0
		for _, tok := range tokens {
			emb, ok := cache.Get(tok)
			if !ok {
				continue
			}
			for i := 0; i < dim; i++ {
				sum[i] += emb[i]
			}
			count++
		}
		if count > 0 {
			inv := 1.0 / float32(count)
			for i := range sum {
				sum[i] *= inv
			}
		}
		out.SetLayer(l, vector.Normalize(sum))
	}

	cooccurrence := buildCooccurrence(tokens)
	ropts := e.opts
	ropts.TokenCooccurrence = cooccurrence
	out.Relation = relation.Compute(out, ropts)

	return out
}

// buildCooccurrence counts unordered adjacent-token pairs in the source
// text, the signal relation.Compute consults when co-occurrence analysis
// is enabled.
func buildCooccurrence(tokens []string) map[[2]string]int {
	if len(tokens) < 2 {
		return nil
	}
	counts := make(map[[2]string]int)
	for i := 0; i+1 < len(tokens); i++ {
		a, b := tokens[i], tokens[i+1]
		if a > b {
			a, b = b, a
		}
		counts[[2]string{a, b}]++
	}
	return counts
}

// SimilarityScore is the result of comparing two MultiLayerVectors:
// overall combines the per-layer mean with relation-matrix agreement.
type SimilarityScore struct {
	Overall       float32
	PerLayer      map[vector.Layer]float32
	RelationDelta float32
}

// ComputeSimilarity computes a fingerprint similarity score: per-layer
// cosine remapped to [0,1], combined 0.7/0.3 with relation-matrix
// agreement. Symmetric in (v1, v2) within floating-point tolerance.
func ComputeSimilarity(v1, v2 *vector.MultiLayerVector) (*SimilarityScore, error) {
	perLayer := make(map[vector.Layer]float32, vector.NumLayers)
	var sumLayer float32
	for _, l := range vector.Layers {
		cos, err := vector.CosineSimilarity(v1.Layer(l), v2.Layer(l))
		if err != nil {
			return nil, err
		}
		remapped := (cos + 1) / 2
		perLayer[l] = remapped
		sumLayer += remapped
	}
	meanLayer := sumLayer / float32(vector.NumLayers)

	var relDiffSum float32
	for i := range vector.Layers {
		for j := range vector.Layers {
			d := v1.Relation[i][j] - v2.Relation[i][j]
			if d < 0 {
				d = -d
			}
			relDiffSum += d
		}
	}
	meanRelDiff := relDiffSum / float32(vector.NumLayers*vector.NumLayers)

	overall := 0.7*meanLayer + 0.3*(1-meanRelDiff)

	return &SimilarityScore{
		Overall:       overall,
		PerLayer:      perLayer,
		RelationDelta: meanRelDiff,
	}, nil
}

// Encoders exposes the underlying encoder set, e.g. for direct
// getWordEmbedding calls from tests or the persistence layer.
func (e *Engine) Encoders() *embedding.Set {
	return e.encoders
}

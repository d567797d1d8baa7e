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

// Package embedding implements the deterministic, content-addressable
// word-to-vector projection for each of the five layers. It is the
// "source of vectors" the vectorization engine (internal/vectorize) folds
// over a token stream.
//
// Reproducibility is the whole point: the same (word, layer) pair must
// produce the exact same unit vector within a process and across
// processes, so every step here (string hash fold, seeded uniform draw,
// Box-Muller transform) is pinned bit-for-bit.
package embedding

import (
	"math"
	"sync"

	"github.com/prismcache/prismcache/internal/vector"
)

// Cache is a lazily-populated, append-only word -> unit vector table for a
// single layer: process-wide, safe to read without synchronization once a
// word has been written, with writes serialized under a single lock -- a
// sync.RWMutex over a plain map gives exactly that.
type Cache struct {
	mu     sync.RWMutex
	layer  vector.Layer
	vocab  map[string]struct{}
	values map[string][]float32
}

// newCache builds a cache pre-seeded with the fixed vocabulary for a layer.
func newCache(layer vector.Layer, vocab []string) *Cache {
	set := make(map[string]struct{}, len(vocab))
	for _, w := range vocab {
		set[w] = struct{}{}
	}
	return &Cache{
		layer:  layer,
		vocab:  set,
		values: make(map[string][]float32),
	}
}

// InVocabulary reports whether a (lower-cased) token belongs to this
// layer's fixed vocabulary. A token outside every layer's vocabulary
// contributes to no layer, which is how "a red cat" leaves style,
// composition and emotion at zero.
func (c *Cache) InVocabulary(word string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.vocab[word]
	return ok
}

// Get returns the unit embedding for word, generating and memoizing it on
// first reference if word belongs to this layer's vocabulary. Returns
// (nil, false) for an out-of-vocabulary word.
func (c *Cache) Get(word string) ([]float32, bool) {
	c.mu.RLock()
	if !isMember(c.vocab, word) {
		c.mu.RUnlock()
		return nil, false
	}
	if v, ok := c.values[word]; ok {
		c.mu.RUnlock()
		return v, true
	}
	c.mu.RUnlock()

	v := generate(word, c.layer)

	c.mu.Lock()
	if existing, ok := c.values[word]; ok {
		c.mu.Unlock()
		return existing, true
	}
	c.values[word] = v
	c.mu.Unlock()
	return v, true
}

func isMember(vocab map[string]struct{}, word string) bool {
	_, ok := vocab[word]
	return ok
}

// Clear empties the memoized vectors but keeps the fixed vocabulary,
// exposed for test isolation.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.values = make(map[string][]float32)
	c.mu.Unlock()
}

// Set is an encoder set: one Cache per layer, built once and shared process
// -wide through Default().
type Set struct {
	caches map[vector.Layer]*Cache
}

var (
	defaultOnce sync.Once
	defaultSet  *Set
)

// Default returns the process-wide, lazily-initialized encoder set.
func Default() *Set {
	defaultOnce.Do(func() {
		defaultSet = New()
	})
	return defaultSet
}

// New builds a fresh, independent encoder set (used by tests that need
// isolation from the process-wide default).
func New() *Set {
	s := &Set{caches: make(map[vector.Layer]*Cache, vector.NumLayers)}
	for _, l := range vector.Layers {
		s.caches[l] = newCache(l, vocabularies[l])
	}
	return s
}

// Cache returns the per-layer embedding cache.
func (s *Set) Cache(l vector.Layer) *Cache {
	return s.caches[l]
}

// ClearAll empties every layer's memoized vectors.
func (s *Set) ClearAll() {
	for _, c := range s.caches {
		c.Clear()
	}
}

// GetWordEmbedding is the public single-word accessor used directly by
// tests (calling it twice for the same word and layer must return the
// exact same vector) and indirectly by the vectorization engine.
func (s *Set) GetWordEmbedding(word string, layer vector.Layer) ([]float32, bool) {
	return s.caches[layer].Get(word)
}

// generate derives the deterministic unit embedding for (word, layer):
//  1. fold the string into a 32-bit seed,
//  2. draw two seeded uniforms per vector component,
//  3. push them through a Box-Muller transform,
//  4. scale by 0.1,
//  5. L2-normalize.
//
// Two uniform draws are required per component; only the seed-to-uniform
// function (fract(sin(seed)*10000)) is pinned, not how per-component seeds
// are chosen, so this implementation advances the seed by one for every
// draw (2*componentIndex and 2*componentIndex+1), documented here so the
// choice is reproducible rather than ad hoc (see DESIGN.md).
func generate(word string, layer vector.Layer) []float32 {
	dim := vector.LayerDim(layer)
	baseSeed := foldSeed(word + ":" + layer.String())

	raw := make([]float32, dim)
	for i := 0; i < dim; i++ {
		u1 := uniform(baseSeed + uint32(2*i))
		u2 := uniform(baseSeed + uint32(2*i+1))
		z := boxMuller(u1, u2)
		raw[i] = float32(z) * 0.1
	}
	return vector.Normalize(raw)
}

// foldSeed implements the JS-style string hash fold:
// hash = ((hash << 5) - hash) + codeUnit, wrapped to 32 bits, with the
// final seed being the absolute value of that wrap.
func foldSeed(s string) uint32 {
	var hash int32
	for _, r := range s {
		hash = (hash << 5) - hash + int32(r)
	}
	if hash < 0 {
		return uint32(-hash)
	}
	return uint32(hash)
}

// uniform implements the pinned PRNG: fract(sin(seed) * 10000.0).
func uniform(seed uint32) float64 {
	v := math.Sin(float64(seed)) * 10000.0
	_, frac := math.Modf(v)
	if frac < 0 {
		frac += 1.0
	}
	return frac
}

// boxMuller converts two independent uniforms in (0,1) into one standard
// normal sample via the Box-Muller transform. u1 is clamped away from 0 to
// avoid log(0).
func boxMuller(u1, u2 float64) float64 {
	if u1 <= 1e-12 {
		u1 = 1e-12
	}
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

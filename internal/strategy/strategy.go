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

// Package strategy implements the Strategy Selector, known in the
// source system as the PartialImageManager: it decides, per request,
// whether to serve a cache hit, composite indexed parts, run a diff
// re-render, chain both into a hybrid, or fall through to a fresh
// generation.
package strategy

import (
	"context"
	"math/rand"

	"github.com/prismcache/prismcache/internal/compose"
	"github.com/prismcache/prismcache/internal/diffgen"
	"github.com/prismcache/prismcache/internal/generator"
	"github.com/prismcache/prismcache/internal/index"
	"github.com/prismcache/prismcache/internal/params"
	"github.com/prismcache/prismcache/internal/shard"
	"github.com/prismcache/prismcache/internal/vector"
)

// Strategy is the chosen course of action for a request.
type Strategy string

const (
	Cache       Strategy = "cache"
	Composition Strategy = "composition"
	Diff        Strategy = "diff"
	Hybrid      Strategy = "hybrid"
	New         Strategy = "new"
)

// Fixed strategy knobs, distinct from the learned
// SystemParams.thresholds, which gate whether the candidate these knobs
// pick out is actually returned or demoted to the next strategy.
const (
	partSearchTopK          = 5
	partSearchMinSimilarity = 0.6
	diffSimilarityKnob      = 0.8
	compositionMinResults   = 3
	compositionSimilarity   = 0.6
)

// Result is the outcome of strategy selection: the chosen
// strategy, the parts consumed, the diff denoising strength (diff/hybrid
// only), and the effective generation artifact.
type Result struct {
	Strategy          Strategy
	UsedParts         []*index.Part
	CacheItem         *shard.CacheItem
	DenoisingStrength float32
	Artifact          []byte
	Params            diffgen.GenerationParams
}

// Selector ties the Part Indexer, the Shard Manager cache, the composer,
// diff generator and a generation back-end together into one dispatch.
type Selector struct {
	Parts     *index.Index
	Cache     *shard.Manager
	Generator generator.Generator
	Params    *params.Store
}

// New builds a Selector.
func New(parts *index.Index, cache *shard.Manager, gen generator.Generator, p *params.Store) *Selector {
	return &Selector{Parts: parts, Cache: cache, Generator: gen, Params: p}
}

// DefaultGenerationParams returns the fixed GenerationParams defaults,
// freshly seeded per call.
func DefaultGenerationParams() diffgen.GenerationParams {
	return diffgen.GenerationParams{
		Model:    "stable-diffusion-v1",
		Seed:     rand.Uint32(),
		Steps:    30,
		CFGScale: 7.5,
	}
}

// Select runs the full strategy decision tree for one request. forced, when
// non-nil, skips the automatic decision tree and dispatches directly to
// that strategy (hybrid is only ever reachable this way; the automatic
// decision tree never selects it on its own).
func (s *Selector) Select(ctx context.Context, query *vector.MultiLayerVector, prompt string, forced *Strategy) (*Result, error) {
	p := s.Params.Get()
	weights := p.LayerWeights

	chosen := New
	switch {
	case forced != nil:
		chosen = *forced
	default:
		var err error
		chosen, err = s.decide(ctx, query, weights, p)
		if err != nil {
			return nil, err
		}
	}

	return s.dispatch(ctx, chosen, query, prompt, weights, p)
}

// decide implements the automatic strategy-selection decision tree.
func (s *Selector) decide(ctx context.Context, query *vector.MultiLayerVector, weights map[vector.Layer]float32, p *params.SystemParams) (Strategy, error) {
	cacheHits, err := s.Cache.SearchSimilar(ctx, query, shard.SearchOptions{MaxResults: 1, Weights: weights})
	if err != nil {
		return "", err
	}
	if len(cacheHits) > 0 && cacheHits[0].Similarity >= p.Thresholds.CacheHit {
		return Cache, nil
	}

	if s.Parts.Count() == 0 {
		return New, nil
	}

	results, err := s.Parts.Search(query, partSearchTopK, partSearchMinSimilarity, weights, nil)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return New, nil
	}

	top := results[0]
	if top.Similarity > diffSimilarityKnob {
		if top.Similarity >= p.Thresholds.DiffGeneration {
			return Diff, nil
		}
		// Demoted: the fixed knob picked diff, but the learned threshold
		// didn't corroborate it. Fall through to the composition check.
	}
	if len(results) >= compositionMinResults && top.Similarity > compositionSimilarity {
		return Composition, nil
	}
	return New, nil
}

func (s *Selector) dispatch(ctx context.Context, chosen Strategy, query *vector.MultiLayerVector, prompt string, weights map[vector.Layer]float32, p *params.SystemParams) (*Result, error) {
	gp := DefaultGenerationParams()

	switch chosen {
	case Cache:
		hits, err := s.Cache.SearchSimilar(ctx, query, shard.SearchOptions{MaxResults: 1, Weights: weights})
		if err != nil {
			return nil, err
		}
		if len(hits) == 0 {
			return s.dispatch(ctx, New, query, prompt, weights, p)
		}
		item, _ := s.Cache.Get(hits[0].ID)
		return &Result{Strategy: Cache, CacheItem: item, Artifact: item.Artifact, Params: gp}, nil

	case Diff:
		res, err := diffgen.Generate(ctx, s.Parts, query, weights, p.Thresholds.DiffGeneration, prompt, gp, s.Generator)
		if err != nil {
			return nil, err
		}
		return &Result{
			Strategy:          Diff,
			UsedParts:         []*index.Part{res.BasePart},
			DenoisingStrength: res.DenoisingStrength,
			Artifact:          res.Artifact,
			Params:            gp,
		}, nil

	case Composition:
		res, err := compose.Compose(s.Parts, query, weights)
		if err != nil {
			return nil, err
		}
		return &Result{Strategy: Composition, UsedParts: res.UsedParts, Artifact: res.Blob, Params: gp}, nil

	case Hybrid:
		return s.hybrid(ctx, query, prompt, weights, p, gp)

	default: // New
		artifact, err := s.Generator.Generate(ctx, generator.Request{
			Model:    gp.Model,
			Seed:     gp.Seed,
			Steps:    gp.Steps,
			CFGScale: gp.CFGScale,
			Prompt:   prompt,
		})
		if err != nil {
			return nil, err
		}
		return &Result{Strategy: New, Artifact: artifact, Params: gp}, nil
	}
}

// hybrid composes, picks the highest-confidence used part as a synthetic
// re-segmentation base (no standalone segmenter is in scope; segmentation
// is an external dependency), then runs diff from it.
func (s *Selector) hybrid(ctx context.Context, query *vector.MultiLayerVector, prompt string, weights map[vector.Layer]float32, p *params.SystemParams, gp diffgen.GenerationParams) (*Result, error) {
	composed, err := compose.Compose(s.Parts, query, weights)
	if err != nil {
		return nil, err
	}
	if len(composed.UsedParts) == 0 {
		return s.dispatch(ctx, New, query, prompt, weights, p)
	}

	best := composed.UsedParts[0]
	for _, part := range composed.UsedParts[1:] {
		if part.Metadata.Confidence > best.Metadata.Confidence {
			best = part
		}
	}

	diffRes, err := diffgen.Generate(ctx, s.Parts, best.Vector, weights, p.Thresholds.DiffGeneration, prompt, gp, s.Generator)
	if err != nil {
		return nil, err
	}

	return &Result{
		Strategy:          Hybrid,
		UsedParts:         composed.UsedParts,
		DenoisingStrength: diffRes.DenoisingStrength,
		Artifact:          diffRes.Artifact,
		Params:            gp,
	}, nil
}

// GenerateVariations adds uniform noise in [-sigma, +sigma] to every
// component of every layer (the relation matrix is left unchanged), then
// runs a diff render from each variant. sigma == 0 is a no-op: the
// variant is bit-identical to base.
func GenerateVariations(ctx context.Context, ix *index.Index, weights map[vector.Layer]float32, base *vector.MultiLayerVector, count int, sigma float32, diffEnvelope float32, prompt string, gp diffgen.GenerationParams, gen generator.Generator) ([]*diffgen.Result, error) {
	results := make([]*diffgen.Result, 0, count)
	for i := 0; i < count; i++ {
		variant := base.Clone()
		if sigma != 0 {
			for _, l := range vector.Layers {
				values := variant.Layer(l)
				for j := range values {
					values[j] += (rand.Float32()*2 - 1) * sigma
				}
			}
		}
		res, err := diffgen.Generate(ctx, ix, variant, weights, diffEnvelope, prompt, gp, gen)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}
